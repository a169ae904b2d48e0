package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
)

// PGStore keeps counters in stock_levels and tokens in reservations. Row locks on
// stock_levels serialize writers of the same (item, size) across processes.
type PGStore struct{ DB *pgxpool.Pool }

const reservationColumns = `token, order_id, item_id, size, qty, status, reason, created_at, updated_at`

func scanReservation(row pgx.Row) (Reservation, error) {
	var (
		r      Reservation
		status string
	)
	err := row.Scan(&r.Token, &r.OrderID, &r.Key.ItemID, &r.Key.Size, &r.Qty, &status, &r.Reason, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrReservationNotFound
	}
	r.Status = Status(status)
	return r, err
}

// Reserve locks the counter row (FOR UPDATE), checks, decrements and records the
// token. A replayed token returns the stored reservation untouched.
func (s *PGStore) Reserve(ctx context.Context, r Reservation) (Reservation, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Reservation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, err := scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE token=$1`, r.Token))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrReservationNotFound) {
		return Reservation{}, err
	}

	var avail int
	err = tx.QueryRow(ctx, `SELECT available FROM stock_levels WHERE item_id=$1 AND size=$2 FOR UPDATE`,
		r.Key.ItemID, r.Key.Size).Scan(&avail)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, &InsufficientStockError{Key: r.Key, Requested: r.Qty}
	}
	if err != nil {
		return Reservation{}, err
	}
	if avail < r.Qty {
		return Reservation{}, &InsufficientStockError{Key: r.Key, Requested: r.Qty, Available: avail}
	}

	if _, err := tx.Exec(ctx, `UPDATE stock_levels SET available = available - $3, updated_at = $4
		WHERE item_id=$1 AND size=$2`, r.Key.ItemID, r.Key.Size, r.Qty, r.UpdatedAt); err != nil {
		return Reservation{}, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO reservations(token, order_id, item_id, size, qty, status, reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,'',$7,$8)`,
		r.Token, r.OrderID, r.Key.ItemID, r.Key.Size, r.Qty, string(StatusReserved), r.CreatedAt, r.UpdatedAt); err != nil {
		return Reservation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, err
	}
	return r, nil
}

func (s *PGStore) Commit(ctx context.Context, token string, now time.Time) (Reservation, error) {
	r, err := scanReservation(s.DB.QueryRow(ctx, `
		UPDATE reservations SET status='COMMITTED', updated_at=$2
		WHERE token=$1 AND status='RESERVED'
		RETURNING `+reservationColumns, token, now))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrReservationNotFound) {
		return Reservation{}, err
	}
	cur, err := s.Get(ctx, token)
	if err != nil {
		return Reservation{}, err
	}
	if cur.Status == StatusCommitted {
		return cur, nil
	}
	return cur, ErrInvalidState
}

// Release returns the quantity to the counter in the same transaction that flips
// the token, so a replay finds RELEASED and changes nothing.
func (s *PGStore) Release(ctx context.Context, token, reason string, now time.Time) (Reservation, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Reservation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r, err := scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE token=$1 FOR UPDATE`, token))
	if err != nil {
		return Reservation{}, err
	}
	switch r.Status {
	case StatusReleased:
		return r, nil
	case StatusCommitted:
		return r, ErrInvalidState
	}

	if _, err := tx.Exec(ctx, `UPDATE stock_levels SET available = available + $3, updated_at = $4
		WHERE item_id=$1 AND size=$2`, r.Key.ItemID, r.Key.Size, r.Qty, now); err != nil {
		return Reservation{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE reservations SET status='RELEASED', reason=$2, updated_at=$3 WHERE token=$1`,
		token, reason, now); err != nil {
		return Reservation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, err
	}
	r.Status = StatusReleased
	r.Reason = reason
	r.UpdatedAt = now
	return r, nil
}

func (s *PGStore) Get(ctx context.Context, token string) (Reservation, error) {
	return scanReservation(s.DB.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE token=$1`, token))
}

func (s *PGStore) Available(ctx context.Context, key catalog.Key) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `SELECT available FROM stock_levels WHERE item_id=$1 AND size=$2`, key.ItemID, key.Size).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *PGStore) SetStock(ctx context.Context, key catalog.Key, qty int) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO stock_levels(item_id, size, available, updated_at) VALUES ($1,$2,$3,now())
		ON CONFLICT (item_id, size) DO UPDATE SET available=EXCLUDED.available, updated_at=now()`,
		key.ItemID, key.Size, qty)
	return err
}

func (s *PGStore) ListStale(ctx context.Context, before time.Time, limit int) ([]Reservation, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE status='RESERVED' AND created_at < $1 ORDER BY created_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
