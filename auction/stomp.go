package auction

import (
	"bytes"
	"fmt"
	"strings"
)

// minimal STOMP 1.2 codec for the frames the auction backend speaks.
// one websocket text message carries one frame

type StompCommand string

const (
	StompConnect     StompCommand = "CONNECT"
	StompConnected   StompCommand = "CONNECTED"
	StompSubscribe   StompCommand = "SUBSCRIBE"
	StompUnsubscribe StompCommand = "UNSUBSCRIBE"
	StompSend        StompCommand = "SEND"
	StompMessage     StompCommand = "MESSAGE"
	StompError       StompCommand = "ERROR"
	StompDisconnect  StompCommand = "DISCONNECT"
)

func knownStompCommand(command StompCommand) bool {
	switch command {
	case StompConnect, StompConnected, StompSubscribe, StompUnsubscribe,
		StompSend, StompMessage, StompError, StompDisconnect:
		return true
	default:
		return false
	}
}

// a malformed frame. terminal for the current connection, never for the process
type ProtocolError struct {
	Message string
}

func (self *ProtocolError) Error() string {
	return fmt.Sprintf("stomp protocol error: %s", self.Message)
}

type StompHeader struct {
	Name  string
	Value string
}

// headers keep wire order. repeated names are allowed, the first wins on read
type StompFrame struct {
	Command StompCommand
	Headers []StompHeader
	Body    []byte
}

func NewStompFrame(command StompCommand, headers ...StompHeader) *StompFrame {
	return &StompFrame{
		Command: command,
		Headers: headers,
	}
}

func (self *StompFrame) Header(name string) string {
	for _, header := range self.Headers {
		if header.Name == name {
			return header.Value
		}
	}
	return ""
}

func (self *StompFrame) AddHeader(name string, value string) {
	self.Headers = append(self.Headers, StompHeader{
		Name:  name,
		Value: value,
	})
}

var stompHeaderEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\r", "\\r",
	"\n", "\\n",
	":", "\\c",
)

func escapeStompHeader(value string) string {
	return stompHeaderEscaper.Replace(value)
}

func unescapeStompHeader(value string) (string, error) {
	if !strings.ContainsRune(value, '\\') {
		return value, nil
	}
	out := &strings.Builder{}
	for i := 0; i < len(value); i += 1 {
		c := value[i]
		if c != '\\' {
			out.WriteByte(c)
			continue
		}
		i += 1
		if len(value) <= i {
			return "", &ProtocolError{Message: "dangling header escape"}
		}
		switch value[i] {
		case '\\':
			out.WriteByte('\\')
		case 'r':
			out.WriteByte('\r')
		case 'n':
			out.WriteByte('\n')
		case 'c':
			out.WriteByte(':')
		default:
			return "", &ProtocolError{Message: fmt.Sprintf("bad header escape \\%c", value[i])}
		}
	}
	return out.String(), nil
}

func EncodeStompFrame(frame *StompFrame) []byte {
	out := &bytes.Buffer{}
	out.WriteString(string(frame.Command))
	out.WriteByte('\n')
	for _, header := range frame.Headers {
		out.WriteString(escapeStompHeader(header.Name))
		out.WriteByte(':')
		out.WriteString(escapeStompHeader(header.Value))
		out.WriteByte('\n')
	}
	if 0 < len(frame.Body) && frame.Header("content-length") == "" {
		out.WriteString(fmt.Sprintf("content-length:%d\n", len(frame.Body)))
	}
	out.WriteByte('\n')
	out.Write(frame.Body)
	out.WriteByte(0)
	return out.Bytes()
}

// returns nil for a heartbeat (EOL-only message)
func DecodeStompFrame(data []byte) (*StompFrame, error) {
	if len(bytes.Trim(data, "\r\n")) == 0 {
		return nil, nil
	}
	// the frame ends at the NUL terminator
	if n := bytes.IndexByte(data, 0); 0 <= n {
		data = data[:n]
	}

	headerEnd := bytes.Index(data, []byte("\n\n"))
	bodyStart := headerEnd + 2
	if crlfEnd := bytes.Index(data, []byte("\r\n\r\n")); 0 <= crlfEnd && (headerEnd < 0 || crlfEnd < headerEnd) {
		headerEnd = crlfEnd
		bodyStart = crlfEnd + 4
	}
	var headerBlock []byte
	var body []byte
	if headerEnd < 0 {
		headerBlock = data
		body = nil
	} else {
		headerBlock = data[:headerEnd]
		body = data[bodyStart:]
	}

	lines := strings.Split(strings.ReplaceAll(string(headerBlock), "\r\n", "\n"), "\n")
	command := StompCommand(lines[0])
	if !knownStompCommand(command) {
		return nil, &ProtocolError{Message: fmt.Sprintf("unknown command %q", lines[0])}
	}

	frame := &StompFrame{
		Command: command,
		Body:    body,
	}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		i := strings.Index(line, ":")
		if i < 0 {
			return nil, &ProtocolError{Message: fmt.Sprintf("malformed header %q", line)}
		}
		name, err := unescapeStompHeader(line[:i])
		if err != nil {
			return nil, err
		}
		value, err := unescapeStompHeader(line[i+1:])
		if err != nil {
			return nil, err
		}
		frame.AddHeader(name, value)
	}

	return frame, nil
}
