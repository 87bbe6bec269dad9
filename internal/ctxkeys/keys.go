package ctxkeys

import "context"

// TraceIDKey 请求级追踪ID的上下文键
type TraceIDKey struct{}

// WithTraceID 在上下文中注入追踪ID
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey{}, id)
}

// TraceID 从上下文中取出追踪ID
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey{}).(string); ok {
		return v
	}
	return ""
}
