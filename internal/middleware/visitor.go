package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stemsi/exstem-qr/internal/response"
)

// ContextKeyVisitorID is the gin context key holding the visitor id.
const ContextKeyVisitorID = "visitor_id"

// Visitor identifies the browser by a random id cookie, issuing one when the
// request has none. The cookie is refreshed on every request.
func Visitor(cookieName string, secure bool, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := readVisitor(c, cookieName)
		if !ok {
			id = uuid.NewString()
		}

		http.SetCookie(c.Writer, &http.Cookie{
			Name:     cookieName,
			Value:    id,
			Path:     "/",
			MaxAge:   int(ttl.Seconds()),
			Secure:   secure,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		c.Set(ContextKeyVisitorID, id)
		c.Next()
	}
}

// RequireVisitor accepts only requests that already carry a visitor cookie.
// WebSocket upgrades cannot set cookies, so streams use this instead of Visitor.
func RequireVisitor(cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := readVisitor(c, cookieName)
		if !ok {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrVisitorRequired)
			return
		}
		c.Set(ContextKeyVisitorID, id)
		c.Next()
	}
}

// VisitorID returns the visitor id set by Visitor or RequireVisitor.
func VisitorID(c *gin.Context) string {
	return c.GetString(ContextKeyVisitorID)
}

func readVisitor(c *gin.Context, cookieName string) (string, bool) {
	raw, err := c.Cookie(cookieName)
	if err != nil {
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
