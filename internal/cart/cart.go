package cart

import (
	"context"
	"time"

	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
	"github.com/ariefcatur/memorabilia-settlement/internal/delivery"
	"github.com/ariefcatur/memorabilia-settlement/internal/fault"
)

var (
	ErrInvalidInput  = fault.Validation("cart: invalid input")
	ErrNotDirectSale = fault.Validation("cart: item is not sold directly")
	ErrCartNotFound  = fault.NotFound("cart: cart not found")
	ErrLineNotFound  = fault.NotFound("cart: line not found")
	ErrEmptyCart     = fault.Validation("cart: cart is empty")
)

// MaxLineQty caps one line so subtotals stay far from int64 overflow.
const MaxLineQty = 99

// Line is one (item, size) selection. UnitPrice is frozen when the line is first added.
type Line struct {
	ItemID    string `json:"item_id"`
	Size      string `json:"size"`
	Name      string `json:"name"`
	Qty       int    `json:"qty"`
	UnitPrice int64  `json:"unit_price"`
}

func (l Line) Key() catalog.Key { return catalog.Key{ItemID: l.ItemID, Size: l.Size} }

type Totals struct {
	Subtotal   int64 `json:"subtotal"`
	ServiceFee int64 `json:"service_fee"`
	Shipping   int64 `json:"shipping"`
	Discount   int64 `json:"discount"`
	Total      int64 `json:"total"`
}

// Cart belongs to exactly one user and is only mutated through the Aggregator.
type Cart struct {
	ID        string              `json:"id"`
	UserID    string              `json:"user_id"`
	Lines     []Line              `json:"lines"`
	PromoCode string              `json:"promo_code,omitempty"`
	Delivery  *delivery.Selection `json:"delivery,omitempty"`
	Totals    Totals              `json:"totals"`
	Notices   []string            `json:"notices,omitempty"`
	PricedAt  time.Time           `json:"priced_at"`
	ExpireAt  time.Time           `json:"expire_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func (c *Cart) find(key catalog.Key) int {
	for i, l := range c.Lines {
		if l.ItemID == key.ItemID && l.Size == key.Size {
			return i
		}
	}
	return -1
}

func (c Cart) Units() int {
	n := 0
	for _, l := range c.Lines {
		n += l.Qty
	}
	return n
}

func (c Cart) DeliveryLines() []delivery.Line {
	out := make([]delivery.Line, 0, len(c.Lines))
	for _, l := range c.Lines {
		out = append(out, delivery.Line{ItemID: l.ItemID, Size: l.Size, Qty: l.Qty})
	}
	return out
}

func (c Cart) clone() Cart {
	c.Lines = append([]Line(nil), c.Lines...)
	c.Notices = append([]string(nil), c.Notices...)
	if c.Delivery != nil {
		d := *c.Delivery
		c.Delivery = &d
	}
	return c
}

// Store persists carts. Get returns ErrCartNotFound for missing carts; expired carts
// may still be returned until swept, so callers check ExpireAt.
type Store interface {
	Get(ctx context.Context, userID string) (Cart, error)
	Save(ctx context.Context, c Cart) error
	Delete(ctx context.Context, userID string) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Pricing holds the fee and freshness rules applied on every recompute.
type Pricing struct {
	TTL        time.Duration
	PricingTTL time.Duration
	FeeFixed   int64
	FeeBPS     int64
}

// ServiceFee is FeeFixed plus FeeBPS basis points of subtotal, rounded down. Empty carts pay nothing.
func (p Pricing) ServiceFee(subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	return p.FeeFixed + subtotal*p.FeeBPS/10000
}
