package orders

import (
	"fmt"
	"time"

	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
	"github.com/ariefcatur/memorabilia-settlement/internal/delivery"
	"github.com/ariefcatur/memorabilia-settlement/internal/fault"
	"github.com/ariefcatur/memorabilia-settlement/internal/payment"
)

var (
	ErrOrderNotFound     = fault.NotFound("orders: order not found")
	ErrVersionConflict   = fault.Conflict("orders: order was modified concurrently")
	ErrInvalidTransition = fault.Conflict("orders: invalid status transition")
)

type Source string

const (
	SourceCart    Source = "cart"
	SourceAuction Source = "auction"
)

// ReservationState tracks the stock held for the order's lines as a whole.
type ReservationState string

const (
	ReservationNone      ReservationState = "none"
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

type Line struct {
	ItemID    string `json:"item_id"`
	Size      string `json:"size"`
	Name      string `json:"name,omitempty"`
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

// LineRef names the line that could not be reserved.
type LineRef struct {
	ItemID    string `json:"item_id"`
	Size      string `json:"size"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// Payment is the order's view of its processor authorization.
type Payment struct {
	PaymentID       string         `json:"payment_id,omitempty"`
	PaymentURL      string         `json:"payment_url,omitempty"`
	Status          payment.Status `json:"status,omitempty"`
	ConfirmAttempts int            `json:"confirm_attempts"`
	ThreeDSVersion  string         `json:"three_ds_version,omitempty"`
	ACSURL          string         `json:"acs_url,omitempty"`
	MD              string         `json:"md,omitempty"`
	PaReq           string         `json:"pa_req,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
}

// Order lines and totals are frozen at creation. Status and payment fields only
// move through the checkout orchestrator.
type Order struct {
	ID               string              `json:"id"`
	UserID           string              `json:"user_id"`
	Source           Source              `json:"source"`
	CartID           string              `json:"cart_id,omitempty"`
	BidID            string              `json:"bid_id,omitempty"`
	Lines            []Line              `json:"lines"`
	Totals           Totals              `json:"totals"`
	Currency         string              `json:"currency"`
	PromoCode        string              `json:"promo_code,omitempty"`
	Delivery         *delivery.Selection `json:"delivery,omitempty"`
	Status           Status              `json:"status"`
	Payment          Payment             `json:"payment"`
	Reservations     []string            `json:"reservations,omitempty"`
	ReservationState ReservationState    `json:"reservation_state"`
	FailureReason    string              `json:"failure_reason,omitempty"`
	Unavailable      *LineRef            `json:"unavailable,omitempty"`
	PaymentDeadline  *time.Time          `json:"payment_deadline,omitempty"`
	ThreeDSDeadline  *time.Time          `json:"three_ds_deadline,omitempty"`
	IdempotencyKey   string              `json:"idempotency_key,omitempty"`
	Version          int                 `json:"version"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Transition moves the order to next, rejecting moves the status table forbids.
func (o *Order) Transition(next Status, now time.Time) error {
	if o.Status == next {
		return nil
	}
	if !CanTransition(o.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}

// HoldsToken reports whether token belongs to this order.
func (o Order) HoldsToken(token string) bool {
	for _, t := range o.Reservations {
		if t == token {
			return true
		}
	}
	return false
}

func (o Order) Clone() Order {
	o.Lines = append([]Line(nil), o.Lines...)
	o.Reservations = append([]string(nil), o.Reservations...)
	if o.Delivery != nil {
		d := *o.Delivery
		o.Delivery = &d
	}
	if o.Unavailable != nil {
		u := *o.Unavailable
		o.Unavailable = &u
	}
	if o.PaymentDeadline != nil {
		t := *o.PaymentDeadline
		o.PaymentDeadline = &t
	}
	if o.ThreeDSDeadline != nil {
		t := *o.ThreeDSDeadline
		o.ThreeDSDeadline = &t
	}
	return o
}
