package catalog

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ariefcatur/memorabilia-settlement/internal/fault"
)

type SalesMethod string

const (
	SalesBidding SalesMethod = "bidding"
	SalesDirect  SalesMethod = "direct"
)

var (
	ErrInvalidItem  = fault.Validation("catalog: invalid item id")
	ErrInvalidSize  = fault.Validation("catalog: invalid size")
	ErrItemNotFound = fault.NotFound("catalog: item not found")
	ErrUnknownSize  = fault.Validation("catalog: size not offered for item")
)

var sizePattern = regexp.MustCompile(`^[A-Z0-9]{1,8}$`)

// Item is owned by the catalog; the engine only reads it. Price is the direct sale
// price, or the reserve price for bidding items.
type Item struct {
	ID          string
	Name        string
	SalesMethod SalesMethod
	Price       int64
	Sizes       []string
	StartAt     time.Time
	EndAt       time.Time
	ClosedAt    *time.Time
	// DirectSizes lists sizes of a closed auction whose unpaid win went back to
	// direct sale at Price.
	DirectSizes []string
}

// InWindow reports whether now falls in [StartAt, EndAt).
func (it Item) InWindow(now time.Time) bool {
	return !now.Before(it.StartAt) && now.Before(it.EndAt)
}

func (it Item) HasSize(size string) bool {
	for _, s := range it.Sizes {
		if s == size {
			return true
		}
	}
	return false
}

// SoldDirectly reports whether size can be bought through a cart.
func (it Item) SoldDirectly(size string) bool {
	if it.SalesMethod == SalesDirect {
		return true
	}
	if it.ClosedAt == nil {
		return false
	}
	for _, s := range it.DirectSizes {
		if s == size {
			return true
		}
	}
	return false
}

// Key addresses one sellable (item, size) slot.
type Key struct {
	ItemID string `json:"item_id"`
	Size   string `json:"size"`
}

func (k Key) String() string { return k.ItemID + "/" + k.Size }

// NormalizeSize upper-cases and validates a size label.
func NormalizeSize(size string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(size))
	if !sizePattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSize, size)
	}
	return s, nil
}

// NewKey validates both parts of a key.
func NewKey(itemID, size string) (Key, error) {
	id := strings.TrimSpace(itemID)
	if id == "" {
		return Key{}, fmt.Errorf("%w: item id is required", ErrInvalidItem)
	}
	s, err := NormalizeSize(size)
	if err != nil {
		return Key{}, err
	}
	return Key{ItemID: id, Size: s}, nil
}

type Reader interface {
	GetItem(ctx context.Context, id string) (Item, error)
}

// DirectSale returns an auction slot to direct sale once its win is abandoned.
type DirectSale interface {
	ReleaseToDirectSale(ctx context.Context, key Key) error
}

// AuctionSource lists bidding items whose window has ended but are not yet closed.
type AuctionSource interface {
	ListEndedAuctions(ctx context.Context, now time.Time, limit int) ([]Item, error)
	MarkClosed(ctx context.Context, itemID string, at time.Time) error
}
