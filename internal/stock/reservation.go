package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
	"github.com/ariefcatur/memorabilia-settlement/internal/fault"
)

type Status string

const (
	StatusReserved  Status = "RESERVED"
	StatusCommitted Status = "COMMITTED"
	StatusReleased  Status = "RELEASED"
)

var (
	ErrInvalidInput        = fault.Validation("stock: invalid input")
	ErrInsufficientStock   = fault.Conflict("stock: insufficient stock")
	ErrReservationNotFound = fault.NotFound("stock: reservation not found")
	ErrInvalidState        = fault.Conflict("stock: reservation state invalid")
)

// Reservation is a pending decrement of one (item, size) slot. Token is the opaque
// handle callers pass to Commit or Release.
type Reservation struct {
	Token     string      `json:"token"`
	OrderID   string      `json:"order_id"`
	Key       catalog.Key `json:"key"`
	Qty       int         `json:"qty"`
	Status    Status      `json:"status"`
	Reason    string      `json:"reason,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// InsufficientStockError names the slot that could not be reserved.
type InsufficientStockError struct {
	Key       catalog.Key
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s: %s requested %d, available %d", ErrInsufficientStock.Msg, e.Key, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Store persists counters and reservations. Reserve must check availability and
// decrement in one atomic step; Commit and Release only act on RESERVED rows.
type Store interface {
	Reserve(ctx context.Context, r Reservation) (Reservation, error)
	Commit(ctx context.Context, token string, now time.Time) (Reservation, error)
	Release(ctx context.Context, token, reason string, now time.Time) (Reservation, error)
	Get(ctx context.Context, token string) (Reservation, error)
	Available(ctx context.Context, key catalog.Key) (int, error)
	SetStock(ctx context.Context, key catalog.Key, qty int) error
	ListStale(ctx context.Context, before time.Time, limit int) ([]Reservation, error)
}
