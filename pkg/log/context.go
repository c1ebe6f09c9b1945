package log

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// contextKey is the private key type used to store RequestContext.
type contextKey string

const requestContextKey contextKey = "agentguard_request_context"

// RequestContext carries tracing information for a single governed
// operation. It travels through Context so log lines emitted anywhere in
// the call chain can be correlated.
type RequestContext struct {
	RequestID string                 // short random ID, e.g. mgrn0zfqda
	TenantID  string                 // tenant on whose behalf the operation runs
	Operation string                 // operation kind, e.g. checkpoint, recovery
	StartTime time.Time              // operation start time
	Metadata  map[string]interface{} // extension metadata
}

var (
	randSource = rand.NewSource(time.Now().UnixNano())
	randMutex  sync.Mutex
	// base36 character set (lowercase letters + digits)
	base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// GenerateRequestID returns a 10 character random request ID in base36.
// Cheaper than a UUID and short enough to read in log output.
func GenerateRequestID() string {
	randMutex.Lock()
	defer randMutex.Unlock()

	b := make([]byte, 10)
	for i := range b {
		b[i] = base36Chars[randSource.Int63()%36]
	}
	return string(b)
}

// WithRequestContext injects a RequestContext into the Context.
// Call at the entry point of a governed operation so the whole call chain
// shares one request ID.
func WithRequestContext(ctx context.Context, requestID, tenantID, operation string) context.Context {
	reqCtx := &RequestContext{
		RequestID: requestID,
		TenantID:  tenantID,
		Operation: operation,
		StartTime: time.Now(),
		Metadata:  make(map[string]interface{}),
	}
	return context.WithValue(ctx, requestContextKey, reqCtx)
}

// GetRequestContext extracts the RequestContext from the Context.
// Returns an empty default when none is present so callers never need a
// nil check.
func GetRequestContext(ctx context.Context) *RequestContext {
	if ctx == nil {
		return &RequestContext{
			RequestID: "unknown",
			Metadata:  make(map[string]interface{}),
		}
	}

	if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
		return reqCtx
	}

	return &RequestContext{
		RequestID: "unknown",
		Metadata:  make(map[string]interface{}),
	}
}

// GetRequestID extracts the request ID from the Context.
func GetRequestID(ctx context.Context) string {
	return GetRequestContext(ctx).RequestID
}

// GetTenantID extracts the tenant ID from the Context.
func GetTenantID(ctx context.Context) string {
	return GetRequestContext(ctx).TenantID
}

// SetMetadata attaches extra tracing metadata to the RequestContext.
func SetMetadata(ctx context.Context, key string, value interface{}) {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.Metadata == nil {
		reqCtx.Metadata = make(map[string]interface{})
	}
	reqCtx.Metadata[key] = value
}

// GetMetadata reads tracing metadata from the RequestContext.
func GetMetadata(ctx context.Context, key string) (interface{}, bool) {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.Metadata == nil {
		return nil, false
	}
	value, ok := reqCtx.Metadata[key]
	return value, ok
}

// GetElapsedTime returns how long the operation has been running, in
// milliseconds.
func GetElapsedTime(ctx context.Context) int64 {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.StartTime.IsZero() {
		return 0
	}
	return time.Since(reqCtx.StartTime).Milliseconds()
}
