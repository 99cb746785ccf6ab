package payments

import "context"

type callerKey struct{}

// SystemCaller is recorded when no explicit caller is attached
const SystemCaller = "system"

// Caller identifies who asked for a money movement. It is passed explicitly
// through the context by the API layer and recorded on every ledger row.
type Caller struct {
	Subject string
	Role    string
}

// WithCaller attaches a caller to ctx
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the caller attached to ctx, or the system caller
func CallerFromContext(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok && c.Subject != "" {
		return c
	}
	return Caller{Subject: SystemCaller, Role: SystemCaller}
}
