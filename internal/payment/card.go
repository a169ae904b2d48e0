package payment

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// CardData is what the client submits on each confirmation. Token, when set, is a
// processor-issued payment method id and replaces the raw card fields.
type CardData struct {
	Number   string `json:"number,omitempty"`
	ExpMonth int    `json:"exp_month,omitempty"`
	ExpYear  int    `json:"exp_year,omitempty"`
	CVC      string `json:"cvc,omitempty"`
	Holder   string `json:"holder,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Validate checks the card locally before anything reaches the processor.
func (c CardData) Validate(now time.Time) error {
	if strings.TrimSpace(c.Token) != "" {
		return nil
	}
	num := c.PAN()
	if len(num) < 12 || len(num) > 19 {
		return fmt.Errorf("%w: card number length", ErrInvalidCard)
	}
	for _, r := range num {
		if !unicode.IsDigit(r) {
			return fmt.Errorf("%w: card number must be digits", ErrInvalidCard)
		}
	}
	if !luhn(num) {
		return fmt.Errorf("%w: card number checksum", ErrInvalidCard)
	}
	if c.ExpMonth < 1 || c.ExpMonth > 12 || c.ExpYear < 2000 {
		return fmt.Errorf("%w: expiry", ErrInvalidCard)
	}
	// a card is valid through the last day of its expiry month
	firstOfNext := time.Date(c.ExpYear, time.Month(c.ExpMonth)+1, 1, 0, 0, 0, 0, time.UTC)
	if !now.Before(firstOfNext) {
		return fmt.Errorf("%w: card expired", ErrInvalidCard)
	}
	if l := len(c.CVC); l < 3 || l > 4 || strings.IndexFunc(c.CVC, func(r rune) bool { return !unicode.IsDigit(r) }) >= 0 {
		return fmt.Errorf("%w: cvc", ErrInvalidCard)
	}
	return nil
}

// PAN returns the card number without spaces or dashes.
func (c CardData) PAN() string {
	return strings.NewReplacer(" ", "", "-", "").Replace(c.Number)
}

// Last4 is safe to log.
func (c CardData) Last4() string {
	n := c.PAN()
	if len(n) < 4 {
		return ""
	}
	return n[len(n)-4:]
}

func luhn(num string) bool {
	sum := 0
	double := false
	for i := len(num) - 1; i >= 0; i-- {
		d := int(num[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
