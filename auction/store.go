package auction

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const AccessTokenCookie = "access_token"
const RefreshTokenCookie = "refresh_token"

// the credential pair is owned by the cookie jar shared with the http client,
// so a rotation applied by the server (`Set-Cookie` on reissue) is visible
// to all readers without any local bookkeeping.
// readers must re-read on every use and never cache a token across operations.
// only the renewal path and logout may clear.
type CredentialStore interface {
	AccessToken() (string, error)
	RefreshToken() (string, error)
	Clear() error
}

type CookieCredentialStore struct {
	jar    http.CookieJar
	apiUrl *url.URL
}

func NewCookieCredentialStore(jar http.CookieJar, apiUrl string) (*CookieCredentialStore, error) {
	u, err := url.Parse(apiUrl)
	if err != nil {
		return nil, err
	}
	return &CookieCredentialStore{
		jar:    jar,
		apiUrl: u,
	}, nil
}

func (self *CookieCredentialStore) AccessToken() (string, error) {
	return self.cookieValue(AccessTokenCookie)
}

func (self *CookieCredentialStore) RefreshToken() (string, error) {
	return self.cookieValue(RefreshTokenCookie)
}

func (self *CookieCredentialStore) cookieValue(name string) (string, error) {
	for _, cookie := range self.jar.Cookies(self.apiUrl) {
		if cookie.Name == name {
			return cookie.Value, nil
		}
	}
	// absent credential is not an error. the caller connects anonymously
	return "", nil
}

func (self *CookieCredentialStore) Clear() error {
	expired := []*http.Cookie{
		&http.Cookie{
			Name:   AccessTokenCookie,
			MaxAge: -1,
		},
		&http.Cookie{
			Name:   RefreshTokenCookie,
			MaxAge: -1,
		},
	}
	self.jar.SetCookies(self.apiUrl, expired)
	return nil
}

// test double, and the store for non-browser callers that hold raw tokens
type MemoryCredentialStore struct {
	mutex        sync.Mutex
	accessToken  string
	refreshToken string
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

func (self *MemoryCredentialStore) SetTokens(accessToken string, refreshToken string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.accessToken = accessToken
	self.refreshToken = refreshToken
}

func (self *MemoryCredentialStore) AccessToken() (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.accessToken, nil
}

func (self *MemoryCredentialStore) RefreshToken() (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.refreshToken, nil
}

func (self *MemoryCredentialStore) Clear() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.accessToken = ""
	self.refreshToken = ""
	return nil
}

type TokenClaims struct {
	Subject        string
	Email          string
	ExpirationTime time.Time
}

// the client never verifies tokens. verification is the server's job,
// the claims are read only for diagnostics and the per-user error queue
func ParseTokenClaimsUnverified(token string) (*TokenClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	tokenClaims := &TokenClaims{}

	if subject, err := claims.GetSubject(); err == nil {
		tokenClaims.Subject = subject
	}
	if email, ok := claims["email"]; ok {
		if emailStr, ok := email.(string); ok {
			tokenClaims.Email = emailStr
		}
	}
	if expirationTime, err := claims.GetExpirationTime(); err == nil && expirationTime != nil {
		tokenClaims.ExpirationTime = expirationTime.Time
	}

	return tokenClaims, nil
}
