package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
	"github.com/ariefcatur/memorabilia-settlement/internal/keylock"
	"github.com/ariefcatur/memorabilia-settlement/internal/logging"
	"github.com/ariefcatur/memorabilia-settlement/internal/metrics"
)

// Line requests qty units of one slot.
type Line struct {
	Key catalog.Key
	Qty int
}

type ReserveCommand struct {
	OrderID string
	Key     catalog.Key
	Qty     int
	// Token is optional; a fresh one is minted when empty.
	Token string
}

type LedgerDeps struct {
	Store       Store
	Locks       *keylock.Map
	Clock       func() time.Time
	TokenSource func() string
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Ledger is the authoritative sellable count per (item, size). Every mutation of a
// key runs under that key's lock.
type Ledger struct {
	store    Store
	locks    *keylock.Map
	clock    func() time.Time
	newToken func() string
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewLedger(deps LedgerDeps) (*Ledger, error) {
	if deps.Store == nil {
		return nil, errors.New("stock ledger: store is required")
	}
	locks := deps.Locks
	if locks == nil {
		locks = keylock.New()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	tokens := deps.TokenSource
	if tokens == nil {
		tokens = func() string { return "rt_" + ulid.Make().String() }
	}
	return &Ledger{
		store:    deps.Store,
		locks:    locks,
		clock:    func() time.Time { return clock().UTC() },
		newToken: tokens,
		logger:   logging.OrNop(deps.Logger),
		metrics:  deps.Metrics,
	}, nil
}

func (l *Ledger) Reserve(ctx context.Context, cmd ReserveCommand) (Reservation, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return Reservation{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if cmd.Qty <= 0 {
		return Reservation{}, fmt.Errorf("%w: quantity for %s must be positive", ErrInvalidInput, cmd.Key)
	}
	token := strings.TrimSpace(cmd.Token)
	if token == "" {
		token = l.newToken()
	}

	unlock := l.locks.Lock(cmd.Key.String())
	defer unlock()

	now := l.clock()
	r, err := l.store.Reserve(ctx, Reservation{
		Token:     token,
		OrderID:   cmd.OrderID,
		Key:       cmd.Key,
		Qty:       cmd.Qty,
		Status:    StatusReserved,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			l.metrics.Reservation("rejected")
		}
		return Reservation{}, err
	}
	l.metrics.Reservation("reserved")
	l.logger.Debug("stock reserved",
		zap.String("token", r.Token), zap.String("order_id", r.OrderID),
		zap.String("key", r.Key.String()), zap.Int("qty", r.Qty))
	return r, nil
}

// ReserveAll reserves every line or none. Lines on the same key are merged and keys
// are taken in sorted order. On failure the partial reservations are released and
// the returned error wraps *InsufficientStockError for the missing line.
func (l *Ledger) ReserveAll(ctx context.Context, orderID string, lines []Line) ([]Reservation, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrInvalidInput)
	}
	merged := make(map[catalog.Key]int, len(lines))
	for _, ln := range lines {
		if ln.Qty <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrInvalidInput, ln.Key)
		}
		merged[ln.Key] += ln.Qty
	}
	keys := make([]catalog.Key, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	held := make([]Reservation, 0, len(keys))
	for _, k := range keys {
		r, err := l.Reserve(ctx, ReserveCommand{OrderID: orderID, Key: k, Qty: merged[k]})
		if err != nil {
			for _, h := range held {
				if _, relErr := l.Release(ctx, h.Token, "rollback"); relErr != nil {
					l.logger.Error("rollback release failed", zap.String("token", h.Token), zap.Error(relErr))
				}
			}
			return nil, err
		}
		held = append(held, r)
	}
	return held, nil
}

// Commit finalizes a reservation. Committing twice is a no-op.
func (l *Ledger) Commit(ctx context.Context, token string) (Reservation, error) {
	cur, err := l.lookup(ctx, token)
	if err != nil {
		return Reservation{}, err
	}
	unlock := l.locks.Lock(cur.Key.String())
	defer unlock()

	before, err := l.store.Get(ctx, token)
	if err != nil {
		return Reservation{}, err
	}
	r, err := l.store.Commit(ctx, token, l.clock())
	if err != nil {
		return r, fmt.Errorf("%w: commit %s from %s", err, token, before.Status)
	}
	if before.Status == StatusReserved {
		l.metrics.Reservation("committed")
	}
	return r, nil
}

// Release returns the units to the counter. Releasing twice is a no-op.
func (l *Ledger) Release(ctx context.Context, token, reason string) (Reservation, error) {
	cur, err := l.lookup(ctx, token)
	if err != nil {
		return Reservation{}, err
	}
	unlock := l.locks.Lock(cur.Key.String())
	defer unlock()

	before, err := l.store.Get(ctx, token)
	if err != nil {
		return Reservation{}, err
	}
	r, err := l.store.Release(ctx, token, reason, l.clock())
	if err != nil {
		return r, fmt.Errorf("%w: release %s from %s", err, token, before.Status)
	}
	if before.Status == StatusReserved {
		l.metrics.Reservation("released")
		l.logger.Info("stock released", zap.String("token", token), zap.String("order_id", r.OrderID),
			zap.String("key", r.Key.String()), zap.Int("qty", r.Qty), zap.String("reason", reason))
	}
	return r, nil
}

func (l *Ledger) Get(ctx context.Context, token string) (Reservation, error) {
	return l.lookup(ctx, token)
}

func (l *Ledger) Available(ctx context.Context, key catalog.Key) (int, error) {
	return l.store.Available(ctx, key)
}

func (l *Ledger) SetStock(ctx context.Context, key catalog.Key, qty int) error {
	if qty < 0 {
		return fmt.Errorf("%w: stock for %s must be >= 0", ErrInvalidInput, key)
	}
	unlock := l.locks.Lock(key.String())
	defer unlock()
	return l.store.SetStock(ctx, key, qty)
}

// ListStale returns RESERVED tokens created before the cutoff.
func (l *Ledger) ListStale(ctx context.Context, before time.Time, limit int) ([]Reservation, error) {
	return l.store.ListStale(ctx, before, limit)
}

func (l *Ledger) lookup(ctx context.Context, token string) (Reservation, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Reservation{}, fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	return l.store.Get(ctx, token)
}
