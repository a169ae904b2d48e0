package checkout

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ariefcatur/memorabilia-settlement/internal/auction"
	"github.com/ariefcatur/memorabilia-settlement/internal/orders"
	"github.com/ariefcatur/memorabilia-settlement/internal/stock"
)

var _ auction.WinnerSink = (*Orchestrator)(nil)

// AcceptWin opens a settlement order for a winning bid. The winner has
// AuctionGrace to pick delivery and pay before the order is cancelled. A repeated
// win for the same bid is a no-op.
func (c *Orchestrator) AcceptWin(ctx context.Context, w auction.Win) error {
	idemKey := "win:" + w.BidID
	if _, err := c.orders.GetByIdempotencyKey(ctx, idemKey); err == nil {
		return nil
	} else if !errors.Is(err, orders.ErrOrderNotFound) {
		return err
	}

	now := c.now()
	deadline := now.Add(c.cfg.AuctionGrace)
	fee := c.cfg.Pricing.ServiceFee(w.Price)
	o := orders.Order{
		ID:     c.newID(),
		UserID: w.UserID,
		Source: orders.SourceAuction,
		BidID:  w.BidID,
		Lines: []orders.Line{{
			ItemID:    w.Key.ItemID,
			Size:      w.Key.Size,
			Qty:       1,
			UnitPrice: w.Price,
		}},
		Totals: orders.Totals{
			Subtotal:   w.Price,
			ServiceFee: fee,
			Total:      w.Price + fee,
		},
		Currency:         c.cfg.Currency,
		Status:           orders.StatusCreated,
		ReservationState: orders.ReservationNone,
		PaymentDeadline:  &deadline,
		IdempotencyKey:   idemKey,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	unlock := c.lock(o.ID)
	defer unlock()

	o, existed, err := c.orders.Create(ctx, o)
	if err != nil {
		return err
	}
	if existed {
		return nil
	}
	c.metrics.Transition(string(orders.StatusCreated))
	c.logger.Info("auction order created", zap.String("order_id", o.ID),
		zap.String("bid_id", w.BidID), zap.String("user_id", w.UserID), zap.Int64("price", w.Price))

	if _, err := c.reserve(ctx, o); err != nil {
		// Without stock the order fails and the win is released with it.
		if errors.Is(err, stock.ErrInsufficientStock) {
			return nil
		}
		// The order exists in CREATED; the reconciler retries the reservation.
		c.logger.Warn("auction reservation failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	return nil
}

func (c *Orchestrator) voidBid(ctx context.Context, bidID string) {
	if c.bids == nil || bidID == "" {
		return
	}
	if err := c.bids.VoidBid(ctx, bidID); err != nil {
		c.logger.Warn("void winning bid failed", zap.String("bid_id", bidID), zap.Error(err))
	}
}
