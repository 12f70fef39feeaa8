package authcore

import "context"

type clientIPContextKey struct{}

// WithClientIP attaches the caller's network origin to ctx. The Engine uses it
// for the IP-scoped rate limiters and audit events. When absent, IP-scoped
// limiting fail-opens (see Engine.AllowRequest).
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}
