package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header names carried on every response.
const (
	HeaderRequestID     = "X-Request-Id"
	HeaderCorrelationID = "X-Correlation-Id"
)

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type (
	correlationKey struct{}
	requestKey     struct{}
)

// Set records the correlation ID on ctx. Invalid identifiers are ignored.
func Set(ctx context.Context, id string) context.Context {
	if normalized, ok := Normalize(id); ok {
		return context.WithValue(ctx, correlationKey{}, normalized)
	}
	return ctx
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// SetRequestID records the per-request identifier on ctx.
func SetRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestKey{}, id)
}

// RequestID returns the per-request identifier stored on ctx.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestKey{}).(string)
	return id
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new time-ordered identifier.
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FromRequest derives the request and correlation identifiers for r. The
// request ID is always freshly generated; the correlation ID is taken from the
// inbound header when valid and falls back to the request ID otherwise.
func FromRequest(r *http.Request) (requestID, correlationID string) {
	requestID = Generate()
	if id, ok := Normalize(r.Header.Get(HeaderCorrelationID)); ok {
		return requestID, id
	}
	return requestID, requestID
}

// Apply stores both identifiers on ctx and echoes them on w.
func Apply(ctx context.Context, w http.ResponseWriter, requestID, correlationID string) context.Context {
	w.Header().Set(HeaderRequestID, requestID)
	w.Header().Set(HeaderCorrelationID, correlationID)
	ctx = SetRequestID(ctx, requestID)
	return Set(ctx, correlationID)
}
