package promo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps codes in promo_codes and one row per (code, order) in promo_activations.
type PGStore struct{ DB *pgxpool.Pool }

const codeColumns = `code, kind, value, min_order, valid_from, valid_until, max_uses, current_uses`

func scanCode(row pgx.Row) (Code, error) {
	var (
		c    Code
		kind string
	)
	err := row.Scan(&c.Code, &kind, &c.Value, &c.MinOrder, &c.ValidFrom, &c.ValidUntil, &c.MaxUses, &c.CurrentUses)
	if errors.Is(err, pgx.ErrNoRows) {
		return Code{}, ErrUnknown
	}
	c.Kind = Kind(kind)
	return c, err
}

func (s *PGStore) Get(ctx context.Context, code string) (Code, error) {
	return scanCode(s.DB.QueryRow(ctx, `SELECT `+codeColumns+` FROM promo_codes WHERE code=$1`, code))
}

func (s *PGStore) Put(ctx context.Context, c Code) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO promo_codes(`+codeColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (code) DO UPDATE SET kind=EXCLUDED.kind, value=EXCLUDED.value,
			min_order=EXCLUDED.min_order, valid_from=EXCLUDED.valid_from,
			valid_until=EXCLUDED.valid_until, max_uses=EXCLUDED.max_uses`,
		c.Code, string(c.Kind), c.Value, c.MinOrder, c.ValidFrom, c.ValidUntil, c.MaxUses, c.CurrentUses)
	return err
}

// Activate locks the code row, records the activation and bumps current_uses in one tx.
func (s *PGStore) Activate(ctx context.Context, code, orderID string, now time.Time) (Code, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Code{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := scanCode(tx.QueryRow(ctx, `SELECT `+codeColumns+` FROM promo_codes WHERE code=$1 FOR UPDATE`, code))
	if err != nil {
		return Code{}, err
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM promo_activations WHERE code=$1 AND order_id=$2)`,
		code, orderID).Scan(&exists); err != nil {
		return Code{}, err
	}
	if exists {
		return c, nil
	}
	if c.MaxUses > 0 && c.CurrentUses >= c.MaxUses {
		return c, ErrUsageExhausted
	}

	if _, err := tx.Exec(ctx, `INSERT INTO promo_activations(code, order_id, activated_at) VALUES ($1,$2,$3)`,
		code, orderID, now); err != nil {
		return Code{}, err
	}
	if err := tx.QueryRow(ctx, `UPDATE promo_codes SET current_uses = current_uses + 1 WHERE code=$1 RETURNING current_uses`,
		code).Scan(&c.CurrentUses); err != nil {
		return Code{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Code{}, err
	}
	return c, nil
}
