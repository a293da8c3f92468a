package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyBatchID   contextKey = "batch_id"
	keyWorker    contextKey = "worker"
)

// WithRequestID adds the HTTP request ID to context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID extracts the HTTP request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithBatchID adds the dispatch pass ID to context.
func WithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyBatchID, id)
}

// BatchID extracts the dispatch pass ID from context.
func BatchID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyBatchID).(string)
	return v, ok && v != ""
}

// WithWorker adds the leased worker address to context.
func WithWorker(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, keyWorker, addr)
}

// Worker extracts the leased worker address from context.
func Worker(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyWorker).(string)
	return v, ok && v != ""
}
