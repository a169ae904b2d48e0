package checkout

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/memorabilia-settlement/internal/orders"
	"github.com/ariefcatur/memorabilia-settlement/internal/payment"
	"github.com/ariefcatur/memorabilia-settlement/internal/stock"
)

const reconcileBatch = 500

// Report counts what one reconciliation pass changed.
type Report struct {
	Expired3DS     int
	ExpiredGrace   int
	TimedOut       int
	Resumed        int
	LeakedReleased int
}

// Reconcile drives stuck orders forward or to a terminal status, then releases
// reservations no live order accounts for.
func (c *Orchestrator) Reconcile(ctx context.Context) (Report, error) {
	var rep Report
	now := c.now()

	active, err := c.orders.ListActive(ctx, now, reconcileBatch)
	if err != nil {
		return rep, err
	}
	for _, o := range active {
		if err := c.reconcileOrder(ctx, o.ID, now, &rep); err != nil {
			c.logger.Warn("reconcile order failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}

	stale, err := c.stock.ListStale(ctx, now.Add(-c.cfg.MaxDuration), reconcileBatch)
	if err != nil {
		return rep, err
	}
	for _, r := range stale {
		if err := c.reconcileReservation(ctx, r, &rep); err != nil {
			c.logger.Warn("reconcile reservation failed", zap.String("token", r.Token), zap.Error(err))
		}
	}
	if rep != (Report{}) {
		c.logger.Info("reconciliation pass", zap.Int("expired_3ds", rep.Expired3DS),
			zap.Int("expired_grace", rep.ExpiredGrace), zap.Int("timed_out", rep.TimedOut),
			zap.Int("resumed", rep.Resumed), zap.Int("leaked_released", rep.LeakedReleased))
	}
	return rep, nil
}

func (c *Orchestrator) reconcileOrder(ctx context.Context, id string, now time.Time, rep *Report) error {
	unlock := c.lock(id)
	defer unlock()

	o, err := c.orders.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		return nil
	}

	switch {
	case o.Status == orders.StatusAwaiting3DS && o.ThreeDSDeadline != nil && !now.Before(*o.ThreeDSDeadline):
		if _, ok, err := c.pollSettled(ctx, o); ok || err != nil {
			return err
		}
		rep.Expired3DS++
		_, err = c.fail(ctx, o, "3ds_timeout")
		return err

	case o.Source == orders.SourceAuction && o.PaymentDeadline != nil &&
		!now.Before(*o.PaymentDeadline) && o.Status != orders.StatusAuthorized:
		if _, ok, err := c.pollSettled(ctx, o); ok || err != nil {
			return err
		}
		rep.ExpiredGrace++
		_, err = c.cancel(ctx, o, "payment_grace_expired")
		return err

	case o.Source == orders.SourceCart && now.Sub(o.CreatedAt) >= c.cfg.MaxDuration:
		if _, ok, err := c.pollSettled(ctx, o); ok || err != nil {
			return err
		}
		rep.TimedOut++
		_, err = c.cancel(ctx, o, "checkout_timeout")
		return err

	case now.Sub(o.UpdatedAt) >= c.cfg.ResumeAfter:
		rep.Resumed++
		_, err = c.resume(ctx, o)
		return err
	}
	return nil
}

// pollSettled asks the processor whether the payment went through after all. ok is
// true when the order was settled from the polled status.
func (c *Orchestrator) pollSettled(ctx context.Context, o orders.Order) (orders.Order, bool, error) {
	if o.Payment.PaymentID == "" {
		return o, false, nil
	}
	st, err := c.gateway.GetPaymentStatus(ctx, o.Payment.PaymentID)
	if err != nil {
		return o, false, err
	}
	if st.Status != payment.StatusAuthorized && st.Status != payment.StatusCaptured {
		return o, false, nil
	}
	settled, err := c.applyStatus(ctx, o, st.Status)
	return settled, true, err
}

// resume continues an order from its stored status after a restart or a lost
// callback.
func (c *Orchestrator) resume(ctx context.Context, o orders.Order) (orders.Order, error) {
	c.logger.Info("resuming order", zap.String("order_id", o.ID), zap.String("status", string(o.Status)))
	var err error
	switch o.Status {
	case orders.StatusCreated:
		if o, err = c.reserve(ctx, o); err != nil {
			return o, err
		}
		if o.Source == orders.SourceCart {
			return c.startPayment(ctx, o)
		}
		return o, nil
	case orders.StatusStockReserved:
		if o.Source == orders.SourceCart {
			return c.startPayment(ctx, o)
		}
		return o, nil
	case orders.StatusPaymentInitiated, orders.StatusAwaiting3DS:
		st, err := c.gateway.GetPaymentStatus(ctx, o.Payment.PaymentID)
		if err != nil {
			return o, err
		}
		return c.applyStatus(ctx, o, st.Status)
	case orders.StatusAuthorized:
		return c.capture(ctx, o)
	}
	return o, nil
}

// reconcileReservation releases a reservation older than the checkout limit whose
// order is gone, finished or does not reference it.
func (c *Orchestrator) reconcileReservation(ctx context.Context, r stock.Reservation, rep *Report) error {
	unlock := c.lock(r.OrderID)
	defer unlock()

	o, err := c.orders.Get(ctx, r.OrderID)
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		return c.releaseLeaked(ctx, r, "orphaned", rep)
	case err != nil:
		return err
	case !o.HoldsToken(r.Token):
		return c.releaseLeaked(ctx, r, "orphaned", rep)
	case o.Status == orders.StatusCaptured:
		c.logger.Error("captured order holds an uncommitted reservation",
			zap.String("order_id", o.ID), zap.String("token", r.Token))
		return nil
	case o.Status.Terminal():
		if err := c.releaseLeaked(ctx, r, "order_"+string(o.Status), rep); err != nil {
			return err
		}
		if o.ReservationState == orders.ReservationHeld {
			if err := c.releaseHeld(ctx, o, "order_"+string(o.Status)); err != nil {
				return err
			}
			o.ReservationState = orders.ReservationReleased
			if o, err = c.save(ctx, o); err != nil {
				return err
			}
		}
		c.releaseWin(ctx, o)
	}
	return nil
}

func (c *Orchestrator) releaseLeaked(ctx context.Context, r stock.Reservation, reason string, rep *Report) error {
	if _, err := c.stock.Release(ctx, r.Token, reason); err != nil {
		return err
	}
	rep.LeakedReleased++
	c.logger.Warn("leaked reservation released", zap.String("token", r.Token),
		zap.String("order_id", r.OrderID), zap.String("reason", reason))
	return nil
}

// Run reconciles every interval until ctx is done.
func (c *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := c.Reconcile(ctx); err != nil {
			c.logger.Error("reconcile pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
