package session

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// CookieStore keeps the token in a cookie. It is bound to one request/response
// pair; a value saved or cleared during the request is visible to later Loads
// of the same request.
type CookieStore struct {
	name   string
	secure bool
	w      http.ResponseWriter
	r      *http.Request
	now    func() time.Time

	written bool
	value   string
}

// NewCookieStore binds a store to w and r.
func NewCookieStore(name string, secure bool, w http.ResponseWriter, r *http.Request) *CookieStore {
	return &CookieStore{name: name, secure: secure, w: w, r: r, now: time.Now}
}

// Save sets the session cookie with a Max-Age of ttl.
func (s *CookieStore) Save(_ context.Context, token string, ttl time.Duration) error {
	if token == "" {
		return errors.New("empty session token")
	}
	http.SetCookie(s.w, &http.Cookie{
		Name:     s.name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		Expires:  s.now().Add(ttl).UTC(),
		Secure:   s.secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	s.written, s.value = true, token
	return nil
}

// Load reads the token from the pending write or the request cookie.
func (s *CookieStore) Load(_ context.Context) (string, bool) {
	token := s.value
	if !s.written {
		c, err := s.r.Cookie(s.name)
		if err != nil {
			return "", false
		}
		token = c.Value
	}
	if !Usable(token, s.now()) {
		return "", false
	}
	return token, true
}

// Clear expires the cookie.
func (s *CookieStore) Clear(_ context.Context) error {
	http.SetCookie(s.w, &http.Cookie{
		Name:     s.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   s.secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	s.written, s.value = true, ""
	return nil
}
