package promo

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/memorabilia-settlement/internal/fault"
)

type Kind string

const (
	KindPercent Kind = "percent"
	KindAmount  Kind = "amount"
)

// ErrInvalid is matched by every validation failure below.
var ErrInvalid = fault.Conflict("promo: code invalid")

var (
	ErrUnknown        = &Failure{Reason: "unknown"}
	ErrExpired        = &Failure{Reason: "expired"}
	ErrNotYetValid    = &Failure{Reason: "not_yet_valid"}
	ErrUsageExhausted = &Failure{Reason: "usage_exhausted"}
	ErrBelowMinimum   = &Failure{Reason: "below_minimum"}
)

// Failure is a typed promo rejection. errors.Is matches both the specific sentinel and ErrInvalid.
type Failure struct {
	Reason string
}

func (f *Failure) Error() string { return "promo: " + strings.ReplaceAll(f.Reason, "_", " ") }

func (f *Failure) Unwrap() error { return ErrInvalid }

// Code is a shared, read-mostly discount definition. MaxUses == 0 means unlimited.
// Value is a percentage (1..100) for KindPercent and minor units for KindAmount.
type Code struct {
	Code        string     `json:"code"`
	Kind        Kind       `json:"kind"`
	Value       int64      `json:"value"`
	MinOrder    int64      `json:"min_order"`
	ValidFrom   time.Time  `json:"valid_from"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
	MaxUses     int        `json:"max_uses"`
	CurrentUses int        `json:"current_uses"`
}

// Normalize upper-cases and trims a user-entered code.
func Normalize(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

// Evaluate returns the discount code grants on subtotal at now. It has no side effects.
// Failures: ErrNotYetValid, ErrExpired, ErrUsageExhausted, ErrBelowMinimum.
func Evaluate(c Code, subtotal int64, now time.Time) (int64, error) {
	if now.Before(c.ValidFrom) {
		return 0, ErrNotYetValid
	}
	if c.ValidUntil != nil && !now.Before(*c.ValidUntil) {
		return 0, ErrExpired
	}
	if c.MaxUses > 0 && c.CurrentUses >= c.MaxUses {
		return 0, ErrUsageExhausted
	}
	if subtotal < c.MinOrder {
		return 0, ErrBelowMinimum
	}

	var discount int64
	switch c.Kind {
	case KindPercent:
		discount = decimal.NewFromInt(subtotal).
			Mul(decimal.NewFromInt(c.Value)).
			Div(decimal.NewFromInt(100)).
			Floor().
			IntPart()
	case KindAmount:
		discount = c.Value
	default:
		return 0, fmt.Errorf("promo: unsupported kind %q", c.Kind)
	}
	if discount > subtotal {
		discount = subtotal
	}
	if discount < 0 {
		discount = 0
	}
	return discount, nil
}

func (c Code) validate() error {
	if Normalize(c.Code) == "" {
		return fault.Validation("promo: code is required")
	}
	switch c.Kind {
	case KindPercent:
		if c.Value <= 0 || c.Value > 100 {
			return fault.Validation("promo: percent must be in 1..100")
		}
	case KindAmount:
		if c.Value <= 0 {
			return fault.Validation("promo: amount must be positive")
		}
	default:
		return fault.Validation("promo: unknown kind")
	}
	if c.MaxUses < 0 || c.MinOrder < 0 {
		return fault.Validation("promo: negative limits")
	}
	return nil
}
