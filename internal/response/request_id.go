package response

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ContextKeyRequestID is the Gin context key for the request ID.
const ContextKeyRequestID = "request_id"

// HeaderRequestID carries the request ID in both directions.
const HeaderRequestID = "X-Request-ID"

// RequestIDMiddleware tags every request with an ID. A caller-supplied ID is
// kept only when it is a UUID, so the web view can correlate a retry with
// its first attempt without writing arbitrary text into the logs.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := newRequestID(c.GetHeader(HeaderRequestID))
		c.Set(ContextKeyRequestID, reqID)
		c.Header(HeaderRequestID, reqID)
		c.Next()
	}
}

func newRequestID(incoming string) string {
	if id, err := uuid.Parse(incoming); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
