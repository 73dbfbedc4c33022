package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// DeviceSessionKey returns the key holding the session token of a terminal device.
func (r *CacheKeyStruct) DeviceSessionKey(deviceID string) string {
	return fmt.Sprintf("qr:device:%s:session", deviceID)
}

// VisitorFlowKey returns the key holding a visitor's flow snapshot for one question.
func (r *CacheKeyStruct) VisitorFlowKey(visitorID, questionID string) string {
	return fmt.Sprintf("qr:visitor:%s:question:%s:flow", visitorID, questionID)
}

// VisitorFlowPattern matches every flow snapshot of a visitor.
func (r *CacheKeyStruct) VisitorFlowPattern(visitorID string) string {
	return fmt.Sprintf("qr:visitor:%s:question:*:flow", visitorID)
}

// InFlightKey returns the lock key guarding a single outstanding request.
// digest is already hashed; raw phone numbers never appear in keys.
func (r *CacheKeyStruct) InFlightKey(digest string) string {
	return fmt.Sprintf("qr:inflight:%s", digest)
}

// RateLimitKey returns the fixed-window counter key for a limiter bucket.
func (r *CacheKeyStruct) RateLimitKey(bucket, subject string, window int64) string {
	return fmt.Sprintf("qr:ratelimit:%s:%s:%d", bucket, subject, window)
}

// VisitorEventsChannel returns the Redis PubSub channel carrying a visitor's flow transitions.
func (r *CacheKeyStruct) VisitorEventsChannel(visitorID string) string {
	return fmt.Sprintf("qr:visitor:%s:events", visitorID)
}

var CacheKey = NewCacheKeyStruct()
