package auction

import (
	"context"
	"time"

	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
	"github.com/ariefcatur/memorabilia-settlement/internal/fault"
)

type BidStatus string

const (
	BidActive BidStatus = "active"
	BidOutbid BidStatus = "outbid"
	BidWon    BidStatus = "won"
	BidVoid   BidStatus = "void"
)

var (
	ErrInvalidInput  = fault.Validation("auction: invalid input")
	ErrNotBiddable   = fault.Validation("auction: item is not sold by bidding")
	ErrOutOfWindow   = fault.Conflict("auction: bid outside auction window")
	ErrPriceTooLow   = fault.Conflict("auction: price too low")
	ErrAuctionOpen   = fault.Conflict("auction: auction has not ended")
	ErrBidNotFound   = fault.NotFound("auction: bid not found")
	ErrInvalidStatus = fault.Conflict("auction: bid status does not allow transition")
)

// Bid price and CreatedAt never change after creation; only Status moves.
type Bid struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"item_id"`
	Size      string    `json:"size"`
	UserID    string    `json:"user_id"`
	Price     int64     `json:"price"`
	CreatedAt time.Time `json:"created_at"`
	Status    BidStatus `json:"status"`
}

func (b Bid) Key() catalog.Key { return catalog.Key{ItemID: b.ItemID, Size: b.Size} }

// Closure records the end of bidding on one slot.
type Closure struct {
	Key          catalog.Key
	ClosedAt     time.Time
	Winner       *Bid
	Participants []string
	HandedOff    bool
}

// Store persists bids per slot. Accept must compare against the current active bid
// and write atomically: the new bid becomes active and the previous one outbid.
type Store interface {
	Highest(ctx context.Context, key catalog.Key) (Bid, bool, error)
	Accept(ctx context.Context, bid Bid, reserve int64) (previous *Bid, err error)
	List(ctx context.Context, key catalog.Key) ([]Bid, error)
	GetBid(ctx context.Context, id string) (Bid, error)
	IsClosed(ctx context.Context, key catalog.Key) (bool, error)
	// Close marks the active bid won and records the closure. The bool reports
	// whether this call performed the close.
	Close(ctx context.Context, key catalog.Key, now time.Time) (Closure, bool, error)
	MarkHandedOff(ctx context.Context, key catalog.Key) error
	SetStatus(ctx context.Context, id string, from, to BidStatus) (Bid, error)
}
