package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps the order document in a JSONB column; status, payment id and the
// idempotency key are lifted into indexed columns.
type PGStore struct{ DB *pgxpool.Pool }

func scanOrder(row pgx.Row) (Order, error) {
	var (
		raw     []byte
		version int
	)
	if err := row.Scan(&raw, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, err
	}
	var o Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return Order{}, fmt.Errorf("decode order: %w", err)
	}
	o.Version = version
	return o, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Create is idempotent via idempotency_key: a repeated key returns the stored order.
func (s *PGStore) Create(ctx context.Context, o Order) (Order, bool, error) {
	if o.IdempotencyKey != "" {
		existing, err := s.GetByIdempotencyKey(ctx, o.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			return Order{}, false, err
		}
	}

	o.Version = 1
	raw, err := json.Marshal(o)
	if err != nil {
		return Order{}, false, err
	}
	tag, err := s.DB.Exec(ctx, `
		INSERT INTO orders(id, user_id, source, status, idempotency_key, payment_id, version, data, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,1,$7,$8,$9)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		o.ID, o.UserID, string(o.Source), string(o.Status), nullable(o.IdempotencyKey),
		nullable(o.Payment.PaymentID), raw, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return Order{}, false, err
	}
	if tag.RowsAffected() == 0 {
		// lost the race to a concurrent request with the same key
		existing, err := s.GetByIdempotencyKey(ctx, o.IdempotencyKey)
		return existing, err == nil, err
	}
	return o, false, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Order, error) {
	return scanOrder(s.DB.QueryRow(ctx, `SELECT data, version FROM orders WHERE id=$1`, id))
}

func (s *PGStore) GetByIdempotencyKey(ctx context.Context, key string) (Order, error) {
	return scanOrder(s.DB.QueryRow(ctx, `SELECT data, version FROM orders WHERE idempotency_key=$1`, key))
}

func (s *PGStore) GetByPaymentID(ctx context.Context, paymentID string) (Order, error) {
	return scanOrder(s.DB.QueryRow(ctx, `SELECT data, version FROM orders WHERE payment_id=$1`, paymentID))
}

func (s *PGStore) Update(ctx context.Context, o Order) (Order, error) {
	expected := o.Version
	o.Version++
	raw, err := json.Marshal(o)
	if err != nil {
		return Order{}, err
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE orders SET status=$3, payment_id=$4, version=version+1, data=$5, updated_at=$6
		WHERE id=$1 AND version=$2`,
		o.ID, expected, string(o.Status), nullable(o.Payment.PaymentID), raw, o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, o.ID).Scan(&exists); err != nil {
			return Order{}, err
		}
		if !exists {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, ErrVersionConflict
	}
	return o, nil
}

func (s *PGStore) ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]Order, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT data, version FROM orders
		WHERE status <> ALL($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, terminalNames(), updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func terminalNames() []string {
	ts := TerminalStatuses()
	out := make([]string, len(ts))
	for i, s := range ts {
		out[i] = string(s)
	}
	return out
}
