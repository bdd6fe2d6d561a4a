package tenancy

import "context"

type contextKey string

const tenantIDKey contextKey = "tenant_id"

// WithTenantID returns a context carrying the resolved tenant ID.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// TenantIDFromContext returns the tenant ID stored in ctx, if any.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantIDKey).(string)
	return id, ok && id != ""
}
