package auction

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
)

// PGStore serializes writers of a slot with a transaction-scoped advisory lock on
// the slot key, so replicas of the API agree on the highest bid.
type PGStore struct{ DB *pgxpool.Pool }

const bidColumns = `id, item_id, size, user_id, price, created_at, status`

func scanBid(row pgx.Row) (Bid, error) {
	var (
		b      Bid
		status string
	)
	err := row.Scan(&b.ID, &b.ItemID, &b.Size, &b.UserID, &b.Price, &b.CreatedAt, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bid{}, ErrBidNotFound
	}
	b.Status = BidStatus(status)
	return b, err
}

func lockSlot(ctx context.Context, tx pgx.Tx, key catalog.Key) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "bid:"+key.String())
	return err
}

func (s *PGStore) Highest(ctx context.Context, key catalog.Key) (Bid, bool, error) {
	b, err := scanBid(s.DB.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids
		WHERE item_id=$1 AND size=$2 AND status IN ('active','won') ORDER BY price DESC LIMIT 1`, key.ItemID, key.Size))
	if errors.Is(err, ErrBidNotFound) {
		return Bid{}, false, nil
	}
	if err != nil {
		return Bid{}, false, err
	}
	return b, true, nil
}

func (s *PGStore) Accept(ctx context.Context, bid Bid, reserve int64) (*Bid, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	key := bid.Key()
	if err := lockSlot(ctx, tx, key); err != nil {
		return nil, err
	}

	var closed bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM auction_closures WHERE item_id=$1 AND size=$2)`,
		key.ItemID, key.Size).Scan(&closed); err != nil {
		return nil, err
	}
	if closed {
		return nil, ErrOutOfWindow
	}

	var prev *Bid
	cur, err := scanBid(tx.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids
		WHERE item_id=$1 AND size=$2 AND status='active'`, key.ItemID, key.Size))
	switch {
	case err == nil:
		if bid.Price <= cur.Price {
			return nil, ErrPriceTooLow
		}
		if _, err := tx.Exec(ctx, `UPDATE bids SET status='outbid' WHERE id=$1`, cur.ID); err != nil {
			return nil, err
		}
		cur.Status = BidOutbid
		prev = &cur
	case errors.Is(err, ErrBidNotFound):
		if bid.Price < reserve {
			return nil, ErrPriceTooLow
		}
	default:
		return nil, err
	}

	if _, err := tx.Exec(ctx, `INSERT INTO bids(`+bidColumns+`) VALUES ($1,$2,$3,$4,$5,$6,'active')`,
		bid.ID, bid.ItemID, bid.Size, bid.UserID, bid.Price, bid.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *PGStore) List(ctx context.Context, key catalog.Key) ([]Bid, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+bidColumns+` FROM bids WHERE item_id=$1 AND size=$2 ORDER BY created_at, price`,
		key.ItemID, key.Size)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PGStore) GetBid(ctx context.Context, id string) (Bid, error) {
	return scanBid(s.DB.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id=$1`, id))
}

func (s *PGStore) IsClosed(ctx context.Context, key catalog.Key) (bool, error) {
	var closed bool
	err := s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM auction_closures WHERE item_id=$1 AND size=$2)`,
		key.ItemID, key.Size).Scan(&closed)
	return closed, err
}

func (s *PGStore) Close(ctx context.Context, key catalog.Key, now time.Time) (Closure, bool, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Closure{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockSlot(ctx, tx, key); err != nil {
		return Closure{}, false, err
	}

	c := Closure{Key: key}
	var winnerID *string
	err = tx.QueryRow(ctx, `SELECT closed_at, winner_bid_id, handed_off FROM auction_closures WHERE item_id=$1 AND size=$2`,
		key.ItemID, key.Size).Scan(&c.ClosedAt, &winnerID, &c.HandedOff)
	newly := errors.Is(err, pgx.ErrNoRows)
	if err != nil && !newly {
		return Closure{}, false, err
	}

	if newly {
		c.ClosedAt = now
		w, err := scanBid(tx.QueryRow(ctx, `UPDATE bids SET status='won'
			WHERE item_id=$1 AND size=$2 AND status='active' RETURNING `+bidColumns, key.ItemID, key.Size))
		switch {
		case err == nil:
			c.Winner = &w
			winnerID = &w.ID
		case errors.Is(err, ErrBidNotFound):
			c.HandedOff = true
		default:
			return Closure{}, false, err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO auction_closures(item_id, size, closed_at, winner_bid_id, handed_off)
			VALUES ($1,$2,$3,$4,$5)`, key.ItemID, key.Size, now, winnerID, c.HandedOff); err != nil {
			return Closure{}, false, err
		}
	} else if winnerID != nil {
		w, err := scanBid(tx.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id=$1`, *winnerID))
		if err != nil {
			return Closure{}, false, err
		}
		c.Winner = &w
	}

	rows, err := tx.Query(ctx, `SELECT user_id FROM bids WHERE item_id=$1 AND size=$2
		GROUP BY user_id ORDER BY MIN(created_at)`, key.ItemID, key.Size)
	if err != nil {
		return Closure{}, false, err
	}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return Closure{}, false, err
		}
		c.Participants = append(c.Participants, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Closure{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Closure{}, false, err
	}
	return c, newly, nil
}

func (s *PGStore) MarkHandedOff(ctx context.Context, key catalog.Key) error {
	_, err := s.DB.Exec(ctx, `UPDATE auction_closures SET handed_off=true WHERE item_id=$1 AND size=$2`, key.ItemID, key.Size)
	return err
}

func (s *PGStore) SetStatus(ctx context.Context, id string, from, to BidStatus) (Bid, error) {
	b, err := scanBid(s.DB.QueryRow(ctx, `UPDATE bids SET status=$3 WHERE id=$1 AND status=$2 RETURNING `+bidColumns,
		id, string(from), string(to)))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrBidNotFound) {
		return Bid{}, err
	}
	cur, err := s.GetBid(ctx, id)
	if err != nil {
		return Bid{}, err
	}
	if cur.Status == to {
		return cur, nil
	}
	return cur, ErrInvalidStatus
}
