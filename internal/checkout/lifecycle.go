package checkout

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ariefcatur/memorabilia-settlement/internal/notify"
	"github.com/ariefcatur/memorabilia-settlement/internal/orders"
	"github.com/ariefcatur/memorabilia-settlement/internal/payment"
	"github.com/ariefcatur/memorabilia-settlement/internal/stock"
)

// transition persists o in status next and announces the change.
func (c *Orchestrator) transition(ctx context.Context, o orders.Order, next orders.Status) (orders.Order, error) {
	prev := o.Status
	if err := o.Transition(next, c.now()); err != nil {
		return o, err
	}
	o.UpdatedAt = c.now()
	saved, err := c.orders.Update(ctx, o)
	if err != nil {
		return o, err
	}
	if prev != next {
		c.metrics.Transition(string(next))
		c.logger.Info("order status changed", zap.String("order_id", saved.ID),
			zap.String("from", string(prev)), zap.String("to", string(next)),
			zap.String("reason", saved.FailureReason))
		c.notifier.Dispatch(ctx, notify.Event{
			Type:           notify.TypeOrderStatusChanged,
			UserID:         saved.UserID,
			OrderID:        saved.ID,
			Status:         string(next),
			PreviousStatus: string(prev),
			Reason:         saved.FailureReason,
			Price:          saved.Totals.Total,
		})
	}
	return saved, nil
}

func (c *Orchestrator) save(ctx context.Context, o orders.Order) (orders.Order, error) {
	o.UpdatedAt = c.now()
	return c.orders.Update(ctx, o)
}

func (c *Orchestrator) fail(ctx context.Context, o orders.Order, reason string) (orders.Order, error) {
	c.voidPayment(ctx, &o)
	return c.terminate(ctx, o, orders.StatusFailed, reason)
}

// terminate records the terminal status first and only then releases stock, so a
// crash in between leaves a terminal order whose tokens the reconciler frees.
func (c *Orchestrator) terminate(ctx context.Context, o orders.Order, status orders.Status, reason string) (orders.Order, error) {
	if o.Status.Terminal() {
		return o, nil
	}
	o.FailureReason = reason
	o, err := c.transition(ctx, o, status)
	if err != nil {
		return o, err
	}
	if o.ReservationState == orders.ReservationHeld {
		if err := c.releaseHeld(ctx, o, reason); err != nil {
			c.logger.Warn("release after terminal transition failed, reconciler will retry",
				zap.String("order_id", o.ID), zap.Error(err))
			c.releaseWin(ctx, o)
			return o, nil
		}
		o.ReservationState = orders.ReservationReleased
		if o, err = c.save(ctx, o); err != nil {
			return o, err
		}
	}
	c.releaseWin(ctx, o)
	return o, nil
}

// releaseWin voids the winning bid of an unsettled auction order and puts its
// slot back on direct sale. Both steps are idempotent.
func (c *Orchestrator) releaseWin(ctx context.Context, o orders.Order) {
	if o.Source != orders.SourceAuction || o.Status == orders.StatusCaptured {
		return
	}
	c.voidBid(ctx, o.BidID)
	if c.slots == nil {
		return
	}
	for _, l := range o.Lines {
		if err := c.slots.ReleaseToDirectSale(ctx, l.Key()); err != nil {
			c.logger.Warn("return slot to direct sale failed", zap.String("order_id", o.ID),
				zap.String("key", l.Key().String()), zap.Error(err))
		}
	}
}

func (c *Orchestrator) releaseHeld(ctx context.Context, o orders.Order, reason string) error {
	for _, tok := range o.Reservations {
		_, err := c.stock.Release(ctx, tok, reason)
		switch {
		case err == nil, errors.Is(err, stock.ErrReservationNotFound):
		case errors.Is(err, stock.ErrInvalidState):
			c.logger.Error("reservation already committed on a failed order",
				zap.String("order_id", o.ID), zap.String("token", tok))
		default:
			return err
		}
	}
	return nil
}

func (c *Orchestrator) commitHeld(ctx context.Context, o orders.Order) error {
	for _, tok := range o.Reservations {
		if _, err := c.stock.Commit(ctx, tok); err != nil {
			return err
		}
	}
	return nil
}

// voidPayment cancels a non-captured hold. Failures are logged: the hold expires at
// the processor on its own.
func (c *Orchestrator) voidPayment(ctx context.Context, o *orders.Order) {
	if o.Payment.PaymentID == "" || o.Payment.Status.Terminal() {
		return
	}
	st, err := c.gateway.Cancel(ctx, o.Payment.PaymentID)
	if err != nil {
		c.logger.Warn("payment void failed", zap.String("order_id", o.ID),
			zap.String("payment_id", o.Payment.PaymentID), zap.Error(err))
		return
	}
	o.Payment.Status = st.Status
}

// settle commits stock, consumes the promo code and records the capture.
func (c *Orchestrator) settle(ctx context.Context, o orders.Order) (orders.Order, error) {
	if o.ReservationState == orders.ReservationHeld {
		if err := c.commitHeld(ctx, o); err != nil {
			return o, err
		}
		o.ReservationState = orders.ReservationCommitted
	}
	if o.PromoCode != "" {
		if err := c.promos.Activate(ctx, o.PromoCode, o.ID, c.now()); err != nil {
			c.logger.Warn("promo activation failed on captured order",
				zap.String("order_id", o.ID), zap.String("code", o.PromoCode), zap.Error(err))
		}
	}
	o.Payment.Status = payment.StatusCaptured
	o, err := c.transition(ctx, o, orders.StatusCaptured)
	if err != nil {
		return o, err
	}
	if o.Source == orders.SourceCart && o.CartID != "" {
		if err := c.carts.Discard(ctx, o.UserID, o.CartID); err != nil {
			c.logger.Warn("cart discard failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	return o, nil
}
