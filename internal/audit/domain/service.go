package domain

import "context"

// Service records management actions. Failures are logged and swallowed by
// callers; audit writes never fail the underlying operation.
type Service interface {
	Record(ctx context.Context, action, targetType string, targetID *string, metadata map[string]any) error
}
