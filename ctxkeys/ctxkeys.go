// Package ctxkeys threads trace and tenant identity explicitly through every
// call, replacing the thread-local pattern the source system used. Every log
// record emitted by this module takes these as fields rather than reading
// them from ambient state.
package ctxkeys

import "context"

type contextKey string

const (
	traceIDKey contextKey = "ibxpub_trace_id"
	tenantIDKey contextKey = "ibxpub_tenant_id"
)

// WithTraceID attaches a trace identifier to ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceID reads the trace identifier, or "" if none was attached.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// WithTenantID attaches a tenant identifier to ctx.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// TenantID reads the tenant identifier, or "" if none was attached.
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey).(string)
	return v
}
