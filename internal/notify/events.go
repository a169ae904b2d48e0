package notify

import (
	"encoding/json"
	"time"
)

type Type string

const (
	TypeBidOutbid          Type = "bid.outbid"
	TypeAuctionWon         Type = "auction.won"
	TypeAuctionLost        Type = "auction.lost"
	TypeOrderStatusChanged Type = "order.status_changed"
)

// Event is a domain fact handed to the notification side. Fields not relevant to a
// type stay empty.
type Event struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	OccurredAt     time.Time `json:"occurred_at"`
	UserID         string    `json:"user_id"`
	ItemID         string    `json:"item_id,omitempty"`
	Size           string    `json:"size,omitempty"`
	BidID          string    `json:"bid_id,omitempty"`
	Price          int64     `json:"price,omitempty"`
	OrderID        string    `json:"order_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// AggregateKey keeps events of one order, or one auction slot, on one partition.
func (e Event) AggregateKey() string {
	if e.OrderID != "" {
		return e.OrderID
	}
	return e.ItemID + "/" + e.Size
}

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     Type            `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}
