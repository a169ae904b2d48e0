package checkout

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ariefcatur/memorabilia-settlement/internal/fault"
	"github.com/ariefcatur/memorabilia-settlement/internal/orders"
	"github.com/ariefcatur/memorabilia-settlement/internal/payment"
)

type ConfirmCommand struct {
	OrderID string
	UserID  string
	Card    payment.CardData
}

// ConfirmResult reports the order after a confirmation attempt. When Outcome is
// requires_3ds the order carries the challenge fields.
type ConfirmResult struct {
	Order        orders.Order           `json:"order"`
	Outcome      payment.ConfirmOutcome `json:"outcome,omitempty"`
	AttemptsLeft int                    `json:"attempts_left"`
}

// ConfirmPayment submits card data for an initiated payment. Rejections the
// processor marks as retryable count against the attempt budget; exhausting it
// fails the order. Card data failing local validation is rejected without using an
// attempt.
func (c *Orchestrator) ConfirmPayment(ctx context.Context, cmd ConfirmCommand) (ConfirmResult, error) {
	unlock := c.lock(cmd.OrderID)
	defer unlock()

	o, err := c.owned(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return ConfirmResult{}, err
	}
	switch o.Status {
	case orders.StatusAuthorized, orders.StatusCaptured:
		return ConfirmResult{Order: o, Outcome: payment.OutcomeAuthorized}, nil
	case orders.StatusFailed, orders.StatusCancelled:
		return ConfirmResult{Order: o}, ErrOrderTerminal
	case orders.StatusPaymentInitiated, orders.StatusAwaiting3DS:
	default:
		return ConfirmResult{Order: o}, ErrInvalidState
	}
	if err := cmd.Card.Validate(c.now()); err != nil {
		return c.confirmResult(o, ""), err
	}

	res, err := c.gateway.ConfirmPayment(ctx, payment.ConfirmRequest{
		PaymentID:      o.Payment.PaymentID,
		Card:           cmd.Card,
		IdempotencyKey: o.ID + "-confirm-" + c.newID(),
	})
	if err != nil {
		return c.confirmFailed(ctx, o, err)
	}

	switch res.Outcome {
	case payment.OutcomeAuthorized:
		o.Payment.Status = payment.StatusAuthorized
		o.Payment.LastError = ""
		if o, err = c.transition(ctx, o, orders.StatusAuthorized); err != nil {
			return c.confirmResult(o, res.Outcome), err
		}
		o, err = c.capture(ctx, o)
		return c.confirmResult(o, res.Outcome), err

	case payment.OutcomeRequires3DS:
		if o.Status == orders.StatusAwaiting3DS {
			o.Payment.ConfirmAttempts++
		}
		o.Payment.Status = payment.StatusAwaiting3DS
		o.Payment.ACSURL = res.ACSURL
		o.Payment.MD = res.MD
		o.Payment.PaReq = res.PaReq
		if o.ThreeDSDeadline == nil {
			d := c.now().Add(c.cfg.ThreeDSDeadline)
			o.ThreeDSDeadline = &d
		}
		if o.Payment.ConfirmAttempts >= c.cfg.MaxConfirmAttempts {
			o, err = c.fail(ctx, o, "confirm_attempts_exhausted")
			return c.confirmResult(o, res.Outcome), err
		}
		o, err = c.transition(ctx, o, orders.StatusAwaiting3DS)
		return c.confirmResult(o, res.Outcome), err

	default:
		o.Payment.ConfirmAttempts++
		o.Payment.LastError = res.Reason
		c.logger.Info("payment confirmation rejected", zap.String("order_id", o.ID),
			zap.String("reason", res.Reason), zap.Int("attempts", o.Payment.ConfirmAttempts))
		if o.Payment.ConfirmAttempts >= c.cfg.MaxConfirmAttempts {
			o, err = c.fail(ctx, o, "confirm_attempts_exhausted")
			return c.confirmResult(o, payment.OutcomeRetry), err
		}
		o, err = c.save(ctx, o)
		return c.confirmResult(o, payment.OutcomeRetry), err
	}
}

// confirmFailed handles a confirmation error. A decline fails the order; an
// ambiguous transport failure is resolved by polling the processor.
func (c *Orchestrator) confirmFailed(ctx context.Context, o orders.Order, cause error) (ConfirmResult, error) {
	switch {
	case errors.Is(cause, payment.ErrDeclined):
		o.Payment.LastError = cause.Error()
		failed, err := c.fail(ctx, o, "card_declined")
		if err != nil {
			return c.confirmResult(failed, ""), errors.Join(cause, err)
		}
		return c.confirmResult(failed, ""), cause
	case fault.IsTransient(cause):
		c.logger.Warn("payment confirmation outcome unknown, polling processor",
			zap.String("order_id", o.ID), zap.Error(cause))
		st, err := c.gateway.GetPaymentStatus(ctx, o.Payment.PaymentID)
		if err != nil {
			return c.confirmResult(o, ""), cause
		}
		if st.Status == payment.StatusInitiated {
			// The processor never saw the confirmation, so it costs an attempt.
			o.Payment.ConfirmAttempts++
			o.Payment.LastError = cause.Error()
			if o.Payment.ConfirmAttempts >= c.cfg.MaxConfirmAttempts {
				failed, ferr := c.fail(ctx, o, "gateway_unavailable")
				return c.confirmResult(failed, ""), errors.Join(cause, ferr)
			}
			saved, serr := c.save(ctx, o)
			if serr != nil {
				return c.confirmResult(o, ""), errors.Join(cause, serr)
			}
			return c.confirmResult(saved, ""), cause
		}
		o, err = c.applyStatus(ctx, o, st.Status)
		if err != nil {
			return c.confirmResult(o, ""), err
		}
		return c.confirmResult(o, outcomeFor(o.Status)), nil
	default:
		return c.confirmResult(o, ""), cause
	}
}

func outcomeFor(s orders.Status) payment.ConfirmOutcome {
	switch s {
	case orders.StatusAuthorized, orders.StatusCaptured:
		return payment.OutcomeAuthorized
	case orders.StatusAwaiting3DS:
		return payment.OutcomeRequires3DS
	}
	return ""
}

func (c *Orchestrator) confirmResult(o orders.Order, outcome payment.ConfirmOutcome) ConfirmResult {
	left := c.cfg.MaxConfirmAttempts - o.Payment.ConfirmAttempts
	if left < 0 || o.Status.Terminal() {
		left = 0
	}
	return ConfirmResult{Order: o, Outcome: outcome, AttemptsLeft: left}
}

// Check3DSVersion asks the processor which 3-D Secure protocol the card enrolls in.
func (c *Orchestrator) Check3DSVersion(ctx context.Context, orderID, userID string, card payment.CardData) (payment.ThreeDSInfo, error) {
	unlock := c.lock(orderID)
	defer unlock()

	o, err := c.owned(ctx, orderID, userID)
	if err != nil {
		return payment.ThreeDSInfo{}, err
	}
	if o.Status.Terminal() {
		return payment.ThreeDSInfo{}, ErrOrderTerminal
	}
	if o.Status != orders.StatusPaymentInitiated && o.Status != orders.StatusAwaiting3DS {
		return payment.ThreeDSInfo{}, ErrInvalidState
	}
	if err := card.Validate(c.now()); err != nil {
		return payment.ThreeDSInfo{}, err
	}
	info, err := c.gateway.Check3DSVersion(ctx, o.Payment.PaymentID, card)
	if err != nil {
		return payment.ThreeDSInfo{}, err
	}
	o.Payment.ThreeDSVersion = info.Version
	if _, err := c.save(ctx, o); err != nil {
		return info, err
	}
	return info, nil
}

// HandlePaymentCallback reacts to a processor notification for paymentID. The
// notification body is never trusted: the status is always re-read from the
// processor, so duplicated or replayed callbacks converge on the same result.
func (c *Orchestrator) HandlePaymentCallback(ctx context.Context, paymentID string) (orders.Order, error) {
	found, err := c.orders.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return orders.Order{}, err
	}
	unlock := c.lock(found.ID)
	defer unlock()

	o, err := c.orders.Get(ctx, found.ID)
	if err != nil {
		return orders.Order{}, err
	}
	if o.Status == orders.StatusCaptured {
		return o, nil
	}
	st, err := c.gateway.GetPaymentStatus(ctx, paymentID)
	if err != nil {
		return o, err
	}
	return c.applyStatus(ctx, o, st.Status)
}

// applyStatus moves o to match the processor status st. The caller holds the
// order lock.
func (c *Orchestrator) applyStatus(ctx context.Context, o orders.Order, st payment.Status) (orders.Order, error) {
	if o.Status.Terminal() {
		if o.Status != orders.StatusCaptured {
			switch st {
			case payment.StatusAuthorized:
				c.voidPayment(ctx, &o)
			case payment.StatusCaptured:
				c.logger.Error("payment captured for a closed order, refund required",
					zap.String("order_id", o.ID), zap.String("payment_id", o.Payment.PaymentID))
			}
		}
		return o, nil
	}

	var err error
	switch st {
	case payment.StatusCaptured:
		if o, err = c.transition(ctx, o, orders.StatusAuthorized); err != nil {
			return o, err
		}
		return c.settle(ctx, o)
	case payment.StatusAuthorized:
		o.Payment.Status = st
		if o, err = c.transition(ctx, o, orders.StatusAuthorized); err != nil {
			return o, err
		}
		return c.capture(ctx, o)
	case payment.StatusAwaiting3DS:
		if o.Status != orders.StatusPaymentInitiated {
			return o, nil
		}
		o.Payment.Status = st
		if o.ThreeDSDeadline == nil {
			d := c.now().Add(c.cfg.ThreeDSDeadline)
			o.ThreeDSDeadline = &d
		}
		return c.transition(ctx, o, orders.StatusAwaiting3DS)
	case payment.StatusFailed:
		o.Payment.Status = st
		return c.fail(ctx, o, "payment_failed")
	case payment.StatusCancelled:
		o.Payment.Status = st
		return c.terminate(ctx, o, orders.StatusCancelled, "payment_cancelled")
	}
	return o, nil
}

// capture collects an authorized hold and settles the order. When the processor
// answer is ambiguous the order stays AUTHORIZED for the reconciler.
func (c *Orchestrator) capture(ctx context.Context, o orders.Order) (orders.Order, error) {
	if o.Status != orders.StatusAuthorized {
		return o, nil
	}
	if o.Payment.PaymentID == "" {
		return c.settle(ctx, o)
	}
	_, err := c.gateway.Capture(ctx, o.Payment.PaymentID)
	if err == nil {
		return c.settle(ctx, o)
	}

	c.logger.Warn("capture failed, polling processor", zap.String("order_id", o.ID), zap.Error(err))
	st, perr := c.gateway.GetPaymentStatus(ctx, o.Payment.PaymentID)
	if perr != nil {
		o.Payment.LastError = err.Error()
		return c.save(ctx, o)
	}
	switch st.Status {
	case payment.StatusCaptured:
		return c.settle(ctx, o)
	case payment.StatusFailed, payment.StatusCancelled:
		o.Payment.Status = st.Status
		o.Payment.LastError = err.Error()
		return c.fail(ctx, o, "capture_failed")
	}
	o.Payment.LastError = err.Error()
	return c.save(ctx, o)
}

// Cancel abandons an order that has not been captured. It releases the stock and
// voids the payment hold.
func (c *Orchestrator) Cancel(ctx context.Context, orderID, userID, reason string) (orders.Order, error) {
	unlock := c.lock(orderID)
	defer unlock()

	o, err := c.owned(ctx, orderID, userID)
	if err != nil {
		return orders.Order{}, err
	}
	if o.Status == orders.StatusCancelled {
		return o, nil
	}
	if o.Status.Terminal() {
		return o, ErrOrderTerminal
	}
	if reason == "" {
		reason = "cancelled_by_user"
	}
	return c.cancel(ctx, o, reason)
}

// cancel voids the payment before releasing stock. A payment that turns out to be
// captured settles the order instead.
func (c *Orchestrator) cancel(ctx context.Context, o orders.Order, reason string) (orders.Order, error) {
	if o.Payment.PaymentID != "" && !o.Payment.Status.Terminal() {
		st, err := c.gateway.Cancel(ctx, o.Payment.PaymentID)
		if err != nil {
			polled, perr := c.gateway.GetPaymentStatus(ctx, o.Payment.PaymentID)
			if perr != nil {
				return o, err
			}
			switch polled.Status {
			case payment.StatusCaptured:
				settled, serr := c.applyStatus(ctx, o, polled.Status)
				if serr != nil {
					return settled, serr
				}
				return settled, ErrOrderTerminal
			case payment.StatusCancelled, payment.StatusFailed:
				st = polled
			default:
				return o, err
			}
		}
		o.Payment.Status = st.Status
	}
	return c.terminate(ctx, o, orders.StatusCancelled, reason)
}
