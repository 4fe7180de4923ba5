package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/slices"
)

const ChannelSendBufferSize = 32

var ErrNotConnected = errors.New("channel not connected")
var ErrSendBufferFull = errors.New("channel send buffer full")

type MessageFunction func(message *ChannelMessage)

type ChannelMessage struct {
	Topic string
	Body  []byte
}

type ConnectChangeFunction func(connected bool)

type ChannelSettings struct {
	WsHandshakeTimeout time.Duration
	ConnectTimeout     time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ConnectTimeout:     5 * time.Second,
		// fixed reconnect delay. transitions are driven by transport events
		ReconnectTimeout: 5 * time.Second,
		PingTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
	}
}

// a desired subscription. desired state is tracked independently of the live
// connection and replayed with SUBSCRIBE frames on every successful (re)connect
type channelSubscription struct {
	handle   Id
	topic    string
	callback MessageFunction
}

// Channel multiplexes topic subscriptions over one persistent websocket,
// speaking the STOMP sub-protocol. the channel owns the connection lifecycle:
// Disconnected -> Connecting -> Connected -> Disconnected (retry scheduled)
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl       string
	credentials CredentialStore

	settings *ChannelSettings

	connectChangeCallbacks *CallbackList[ConnectChangeFunction]
	connectMonitor         *Monitor

	stateLock         sync.Mutex
	connected         bool
	send              chan *StompFrame
	subscriptions     map[Id]*channelSubscription
	subscriptionOrder []Id
}

func NewChannelWithDefaults(ctx context.Context, wsUrl string, credentials CredentialStore) *Channel {
	return NewChannel(ctx, wsUrl, credentials, DefaultChannelSettings())
}

func NewChannel(
	ctx context.Context,
	wsUrl string,
	credentials CredentialStore,
	settings *ChannelSettings,
) *Channel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &Channel{
		ctx:                    cancelCtx,
		cancel:                 cancel,
		wsUrl:                  wsUrl,
		credentials:            credentials,
		settings:               settings,
		connectChangeCallbacks: NewCallbackList[ConnectChangeFunction](),
		connectMonitor:         NewMonitor(),
		subscriptions:          map[Id]*channelSubscription{},
	}
	go channel.run()
	return channel
}

func (self *Channel) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		ws, err := TraceWithReturnError(
			fmt.Sprintf("[ch]connect %s", self.wsUrl),
			self.connect,
		)
		if err != nil {
			glog.Infof("[ch]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		self.handle(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// dials and negotiates the sub-protocol.
// the credential is read fresh at connect time, on every attempt,
// so a rotation applied since the last attempt is picked up.
// an absent credential connects anonymously
func (self *Channel) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.wsUrl, http.Header{})
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	connectFrame := NewStompFrame(StompConnect)
	connectFrame.AddHeader("accept-version", "1.2")
	connectFrame.AddHeader("heart-beat", "0,0")
	if accessToken, err := self.credentials.AccessToken(); err == nil && accessToken != "" {
		connectFrame.AddHeader("Authorization", fmt.Sprintf("Bearer %s", accessToken))
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.ConnectTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, EncodeStompFrame(connectFrame)); err != nil {
		return nil, err
	}

	connectDeadline := time.Now().Add(self.settings.ConnectTimeout)
	for {
		ws.SetReadDeadline(connectDeadline)
		_, message, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		frame, err := DecodeStompFrame(message)
		if err != nil {
			return nil, err
		}
		if frame == nil {
			// heartbeat
			continue
		}
		switch frame.Command {
		case StompConnected:
			success = true
			return ws, nil
		case StompError:
			return nil, fmt.Errorf("connect rejected: %s", connectErrorDetail(frame))
		default:
			return nil, &ProtocolError{Message: fmt.Sprintf("unexpected %s before CONNECTED", frame.Command)}
		}
	}
}

func connectErrorDetail(frame *StompFrame) string {
	if 0 < len(frame.Body) {
		return string(frame.Body)
	}
	return frame.Header("message")
}

func (self *Channel) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan *StompFrame, ChannelSendBufferSize)

	self.stateLock.Lock()
	self.connected = true
	self.send = send
	resubscribe := make([]*channelSubscription, 0, len(self.subscriptionOrder))
	for _, handle := range self.subscriptionOrder {
		resubscribe = append(resubscribe, self.subscriptions[handle])
	}
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		self.connected = false
		self.send = nil
		self.stateLock.Unlock()

		// note `send` is not closed. This channel is left open.
		self.connectMonitor.NotifyAll()
		for _, connectChange := range self.connectChangeCallbacks.Get() {
			HandleError(func() {
				connectChange(false)
			})
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame, ok := <-send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, EncodeStompFrame(frame)); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ch]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ch]%s->\n", frame.Command)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			return nil
		})

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[ch]<- error = %s\n", err)
				return
			}

			frame, err := DecodeStompFrame(message)
			if err != nil {
				// connection level. the reconnect loop subsumes recovery
				glog.Infof("[ch]<- %s\n", err)
				return
			}
			if frame == nil {
				glog.V(2).Infof("[ch]heartbeat<-\n")
				continue
			}

			switch frame.Command {
			case StompMessage:
				self.dispatch(frame)
			case StompError:
				glog.Infof("[ch]server error = %s\n", connectErrorDetail(frame))
			default:
				glog.V(2).Infof("[ch]other=%s<-\n", frame.Command)
			}
		}
	}()

	self.connectMonitor.NotifyAll()
	for _, connectChange := range self.connectChangeCallbacks.Get() {
		HandleError(func() {
			connectChange(true)
		})
	}

	for _, sub := range resubscribe {
		self.sendFrame(subscribeFrame(sub))
	}

	select {
	case <-handleCtx.Done():
	}
}

// dispatch runs on the reader goroutine, so messages for one subscription
// reach its callback in the order the transport delivered them.
// callbacks are panic guarded so a callback operating on disposed state
// cannot take the connection down
func (self *Channel) dispatch(frame *StompFrame) {
	handle, err := ParseId(frame.Header("subscription"))
	if err != nil {
		glog.V(2).Infof("[ch]message with bad subscription id = %s\n", frame.Header("subscription"))
		return
	}

	self.stateLock.Lock()
	sub := self.subscriptions[handle]
	self.stateLock.Unlock()

	if sub == nil {
		// unsubscribed while the message was in flight
		glog.V(2).Infof("[ch]drop message for %s\n", handle)
		return
	}

	message := &ChannelMessage{
		Topic: frame.Header("destination"),
		Body:  frame.Body,
	}
	HandleError(func() {
		sub.callback(message)
	})
}

func subscribeFrame(sub *channelSubscription) *StompFrame {
	frame := NewStompFrame(StompSubscribe)
	frame.AddHeader("id", sub.handle.String())
	frame.AddHeader("destination", sub.topic)
	return frame
}

// best effort enqueue. publish is not a durable queue, a frame that cannot
// be handed to the writer is dropped with a diagnostic
func (self *Channel) sendFrame(frame *StompFrame) error {
	self.stateLock.Lock()
	send := self.send
	connected := self.connected
	self.stateLock.Unlock()

	if !connected || send == nil {
		glog.Infof("[ch]drop %s, not connected\n", frame.Command)
		return ErrNotConnected
	}

	select {
	case send <- frame:
		return nil
	default:
		glog.Infof("[ch]drop %s, send backpressure\n", frame.Command)
		return ErrSendBufferFull
	}
}

func (self *Channel) Connected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

// the notify channel closes on every connect state change
func (self *Channel) ConnectNotify() <-chan struct{} {
	return self.connectMonitor.NotifyChannel()
}

func (self *Channel) AddConnectChangeCallback(connectChange ConnectChangeFunction) func() {
	callbackId := self.connectChangeCallbacks.Add(connectChange)
	return func() {
		self.connectChangeCallbacks.Remove(callbackId)
	}
}

// registers the desired subscription and returns its handle.
// if connected, the SUBSCRIBE frame goes out now; otherwise it goes out
// on the next successful connect
func (self *Channel) Subscribe(topic string, callback MessageFunction) Id {
	sub := &channelSubscription{
		handle:   NewId(),
		topic:    topic,
		callback: callback,
	}

	self.stateLock.Lock()
	self.subscriptions[sub.handle] = sub
	self.subscriptionOrder = append(self.subscriptionOrder, sub.handle)
	connected := self.connected
	self.stateLock.Unlock()

	if connected {
		self.sendFrame(subscribeFrame(sub))
	}
	return sub.handle
}

// subscribe only if connected. returns a zero handle and registers nothing
// when the channel is down, the caller re-issues after a connect notification
func (self *Channel) SubscribeActive(topic string, callback MessageFunction) (Id, bool) {
	self.stateLock.Lock()
	connected := self.connected
	self.stateLock.Unlock()
	if !connected {
		return Id{}, false
	}
	return self.Subscribe(topic, callback), true
}

// idempotent. unknown and already removed handles are a no-op
func (self *Channel) Unsubscribe(handle Id) {
	self.stateLock.Lock()
	sub := self.subscriptions[handle]
	if sub != nil {
		delete(self.subscriptions, handle)
		if i := slices.Index(self.subscriptionOrder, handle); 0 <= i {
			self.subscriptionOrder = slices.Delete(self.subscriptionOrder, i, i+1)
		}
	}
	connected := self.connected
	self.stateLock.Unlock()

	if sub != nil && connected {
		frame := NewStompFrame(StompUnsubscribe)
		frame.AddHeader("id", handle.String())
		self.sendFrame(frame)
	}
}

func (self *Channel) Publish(destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	frame := NewStompFrame(StompSend)
	frame.AddHeader("destination", destination)
	frame.AddHeader("content-type", "application/json")
	frame.Body = body
	return self.sendFrame(frame)
}

// deactivates the transport. cancels any scheduled reconnect and drops
// local subscription records. in-flight callbacks may still fire once
func (self *Channel) Close() {
	self.cancel()

	self.stateLock.Lock()
	self.subscriptions = map[Id]*channelSubscription{}
	self.subscriptionOrder = nil
	self.stateLock.Unlock()
}
