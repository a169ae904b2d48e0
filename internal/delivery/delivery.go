// Package delivery prices shipping options. Lookups are pure: no call mutates state.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ariefcatur/memorabilia-settlement/internal/fault"
)

var (
	ErrInvalidAddress = fault.Validation("delivery: address id is required")
	ErrUnknownTariff  = fault.Validation("delivery: unknown tariff")
	ErrNoItems        = fault.Validation("delivery: nothing to ship")
)

// Line is the subset of a cart line the calculator needs.
type Line struct {
	ItemID string
	Size   string
	Qty    int
}

type Tariff struct {
	ID      string `json:"id"`
	Carrier string `json:"carrier"`
	Name    string `json:"name"`
	Price   int64  `json:"price"`
	Days    int    `json:"days"`
}

// Selection is the tariff a user picked, frozen into carts and orders.
type Selection struct {
	AddressID string `json:"address_id"`
	TariffID  string `json:"tariff_id"`
	Carrier   string `json:"carrier"`
	Price     int64  `json:"price"`
}

type Calculator interface {
	CalculateDelivery(ctx context.Context, addressID string, lines []Line) ([]Tariff, error)
}

// Rate prices one carrier service as Base + PerUnit for every unit after the first.
type Rate struct {
	ID      string
	Carrier string
	Name    string
	Base    int64
	PerUnit int64
	Days    int
}

type StaticCalculator struct {
	Rates []Rate
}

func DefaultRates() []Rate {
	return []Rate{
		{ID: "yamato-std", Carrier: "yamato", Name: "Standard", Base: 800, PerUnit: 200, Days: 3},
		{ID: "yamato-exp", Carrier: "yamato", Name: "Express", Base: 1500, PerUnit: 300, Days: 1},
		{ID: "post-eco", Carrier: "japan-post", Name: "Economy", Base: 500, PerUnit: 150, Days: 5},
	}
}

func (c StaticCalculator) CalculateDelivery(_ context.Context, addressID string, lines []Line) ([]Tariff, error) {
	if strings.TrimSpace(addressID) == "" {
		return nil, ErrInvalidAddress
	}
	units := 0
	for _, l := range lines {
		units += l.Qty
	}
	if units <= 0 {
		return nil, ErrNoItems
	}
	out := make([]Tariff, 0, len(c.Rates))
	for _, r := range c.Rates {
		out = append(out, Tariff{
			ID:      r.ID,
			Carrier: r.Carrier,
			Name:    r.Name,
			Price:   r.Base + r.PerUnit*int64(units-1),
			Days:    r.Days,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out, nil
}

// Select resolves tariffID against the options for lines.
func Select(ctx context.Context, calc Calculator, addressID, tariffID string, lines []Line) (Selection, error) {
	tariffs, err := calc.CalculateDelivery(ctx, addressID, lines)
	if err != nil {
		return Selection{}, err
	}
	for _, t := range tariffs {
		if t.ID == tariffID {
			return Selection{AddressID: addressID, TariffID: t.ID, Carrier: t.Carrier, Price: t.Price}, nil
		}
	}
	return Selection{}, fmt.Errorf("%w: %q", ErrUnknownTariff, tariffID)
}
