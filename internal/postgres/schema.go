package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is applied on startup. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS items (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	sales_method  TEXT NOT NULL CHECK (sales_method IN ('bidding','direct')),
	price         BIGINT NOT NULL CHECK (price >= 0),
	sizes         TEXT[] NOT NULL,
	start_at      TIMESTAMPTZ,
	end_at        TIMESTAMPTZ,
	closed_at     TIMESTAMPTZ,
	direct_sizes  TEXT[] NOT NULL DEFAULT '{}'
);
ALTER TABLE items ADD COLUMN IF NOT EXISTS direct_sizes TEXT[] NOT NULL DEFAULT '{}';
CREATE INDEX IF NOT EXISTS items_open_auctions ON items (end_at)
	WHERE sales_method = 'bidding' AND closed_at IS NULL;

CREATE TABLE IF NOT EXISTS stock_levels (
	item_id     TEXT NOT NULL REFERENCES items(id),
	size        TEXT NOT NULL,
	available   INTEGER NOT NULL CHECK (available >= 0),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (item_id, size)
);

CREATE TABLE IF NOT EXISTS reservations (
	token       TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL,
	item_id     TEXT NOT NULL,
	size        TEXT NOT NULL,
	qty         INTEGER NOT NULL CHECK (qty > 0),
	status      TEXT NOT NULL CHECK (status IN ('RESERVED','COMMITTED','RELEASED')),
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS reservations_stale ON reservations (created_at) WHERE status = 'RESERVED';
CREATE INDEX IF NOT EXISTS reservations_order ON reservations (order_id);

CREATE TABLE IF NOT EXISTS bids (
	id          TEXT PRIMARY KEY,
	item_id     TEXT NOT NULL,
	size        TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	price       BIGINT NOT NULL CHECK (price > 0),
	created_at  TIMESTAMPTZ NOT NULL,
	status      TEXT NOT NULL CHECK (status IN ('active','outbid','won','void'))
);
CREATE INDEX IF NOT EXISTS bids_slot ON bids (item_id, size, price DESC);
CREATE UNIQUE INDEX IF NOT EXISTS bids_one_active ON bids (item_id, size) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS auction_closures (
	item_id        TEXT NOT NULL,
	size           TEXT NOT NULL,
	closed_at      TIMESTAMPTZ NOT NULL,
	winner_bid_id  TEXT REFERENCES bids(id),
	handed_off     BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (item_id, size)
);

CREATE TABLE IF NOT EXISTS promo_codes (
	code          TEXT PRIMARY KEY,
	kind          TEXT NOT NULL CHECK (kind IN ('percent','amount')),
	value         BIGINT NOT NULL CHECK (value > 0),
	min_order     BIGINT NOT NULL DEFAULT 0,
	valid_from    TIMESTAMPTZ NOT NULL DEFAULT now(),
	valid_until   TIMESTAMPTZ,
	max_uses      INTEGER NOT NULL DEFAULT 0,
	current_uses  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS promo_activations (
	code          TEXT NOT NULL REFERENCES promo_codes(code),
	order_id      TEXT NOT NULL,
	activated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (code, order_id)
);

CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	source           TEXT NOT NULL,
	status           TEXT NOT NULL,
	idempotency_key  TEXT UNIQUE,
	payment_id       TEXT UNIQUE,
	version          INTEGER NOT NULL,
	data             JSONB NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_active ON orders (updated_at)
	WHERE status NOT IN ('CAPTURED','FAILED','CANCELLED');
`

func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
