package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGStore struct{ DB *pgxpool.Pool }

const itemColumns = `id, name, sales_method, price, sizes, start_at, end_at, closed_at, direct_sizes`

func scanItem(row pgx.Row) (Item, error) {
	var (
		it       Item
		method   string
		startAt  *time.Time
		endAt    *time.Time
		closedAt *time.Time
	)
	if err := row.Scan(&it.ID, &it.Name, &method, &it.Price, &it.Sizes, &startAt, &endAt, &closedAt, &it.DirectSizes); err != nil {
		return Item{}, err
	}
	it.SalesMethod = SalesMethod(method)
	if startAt != nil {
		it.StartAt = startAt.UTC()
	}
	if endAt != nil {
		it.EndAt = endAt.UTC()
	}
	it.ClosedAt = closedAt
	return it, nil
}

func (s *PGStore) GetItem(ctx context.Context, id string) (Item, error) {
	it, err := scanItem(s.DB.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrItemNotFound
	}
	return it, err
}

func (s *PGStore) ListEndedAuctions(ctx context.Context, now time.Time, limit int) ([]Item, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE sales_method='bidding' AND closed_at IS NULL AND end_at <= $1
		ORDER BY end_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkClosed(ctx context.Context, itemID string, at time.Time) error {
	ct, err := s.DB.Exec(ctx, `UPDATE items SET closed_at=COALESCE(closed_at, $2) WHERE id=$1`, itemID, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (s *PGStore) ReleaseToDirectSale(ctx context.Context, key Key) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE items SET direct_sizes = CASE
			WHEN $2 = ANY(direct_sizes) THEN direct_sizes
			ELSE array_append(direct_sizes, $2) END
		WHERE id=$1`, key.ItemID, key.Size)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}
