package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for a single parsed HTTP
// message. RequestID is generated once per message (see pkg/session) so the
// several log lines a multi-chunk download or multipart upload produces can
// be correlated even though they're emitted from different worker tasks.
type LogContext struct {
	RequestID string    // uuid, assigned when a request is parsed
	SessionID string     // reactor session id, "<fd>_<generation>"
	Method    string    // HTTP method
	Path      string    // request path
	ClientIP  string    // client IP address (without port)
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a session's client IP.
func NewLogContext(sessionID, clientIP string) *LogContext {
	return &LogContext{
		SessionID: sessionID,
		ClientIP:  clientIP,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		RequestID: lc.RequestID,
		SessionID: lc.SessionID,
		Method:    lc.Method,
		Path:      lc.Path,
		ClientIP:  lc.ClientIP,
		StartTime: lc.StartTime,
	}
}

// WithRequest returns a copy with the request id, method and path set.
func (lc *LogContext) WithRequest(requestID, method, path string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.RequestID = requestID
		clone.Method = method
		clone.Path = path
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
