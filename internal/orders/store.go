package orders

import (
	"context"
	"time"
)

// Store persists orders. Create is idempotent on a non-empty IdempotencyKey: a
// repeated key returns the existing order and existed=true. Update succeeds only
// when o.Version matches the stored version and returns the order with the
// version bumped.
type Store interface {
	Create(ctx context.Context, o Order) (stored Order, existed bool, err error)
	Get(ctx context.Context, id string) (Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Order, error)
	GetByPaymentID(ctx context.Context, paymentID string) (Order, error)
	Update(ctx context.Context, o Order) (Order, error)
	// ListActive returns non-terminal orders last updated before the cutoff, oldest first.
	ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]Order, error)
}
