package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"

	"github.com/ariefcatur/memorabilia-settlement/internal/logging"
)

type stripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type stripeMethodAPI interface {
	New(params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error)
	Get(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error)
}

type StripeConfig struct {
	APIKey    string
	ReturnURL string
	Backends  *stripe.Backends
	Logger    *zap.Logger

	intents stripeIntentAPI
	methods stripeMethodAPI
}

// StripeGateway places manual-capture PaymentIntents: confirmation authorizes a
// hold, Capture settles it. Challenges surface as requires_action.
type StripeGateway struct {
	intents   stripeIntentAPI
	methods   stripeMethodAPI
	returnURL string
	logger    *zap.Logger
}

func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" && cfg.intents == nil {
		return nil, errors.New("stripe: api key is required")
	}
	intents, methods := cfg.intents, cfg.methods
	if intents == nil || methods == nil {
		sc := client.New(key, cfg.Backends)
		intents, methods = sc.PaymentIntents, sc.PaymentMethods
	}
	return &StripeGateway{
		intents:   intents,
		methods:   methods,
		returnURL: cfg.ReturnURL,
		logger:    logging.OrNop(cfg.Logger),
	}, nil
}

func (g *StripeGateway) InitPayment(ctx context.Context, req InitRequest) (InitResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.Amount),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Metadata:           map[string]string{"order_id": req.OrderID},
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey("init-" + req.IdempotencyKey)
	}
	pi, err := g.intents.New(params)
	if err != nil {
		return InitResult{}, mapStripeError("create payment intent", err)
	}
	g.logger.Info("stripe payment intent created", zap.String("payment_id", pi.ID), zap.String("order_id", req.OrderID))
	return InitResult{PaymentID: pi.ID}, nil
}

// Check3DSVersion reports whether the card's issuer supports 3-D Secure. Stripe runs
// the method step itself, so MethodURL is always empty.
func (g *StripeGateway) Check3DSVersion(ctx context.Context, _ string, card CardData) (ThreeDSInfo, error) {
	pm, err := g.paymentMethod(ctx, card)
	if err != nil {
		return ThreeDSInfo{}, err
	}
	if pm.Card != nil && pm.Card.ThreeDSecureUsage != nil && pm.Card.ThreeDSecureUsage.Supported {
		return ThreeDSInfo{Version: "2"}, nil
	}
	return ThreeDSInfo{}, nil
}

func (g *StripeGateway) paymentMethod(ctx context.Context, card CardData) (*stripe.PaymentMethod, error) {
	if tok := strings.TrimSpace(card.Token); tok != "" {
		params := &stripe.PaymentMethodParams{}
		params.Context = ctx
		pm, err := g.methods.Get(tok, params)
		if err != nil {
			return nil, mapStripeError("get payment method", err)
		}
		return pm, nil
	}
	params := &stripe.PaymentMethodParams{
		Type: stripe.String(string(stripe.PaymentMethodTypeCard)),
		Card: &stripe.PaymentMethodCardParams{
			Number:   stripe.String(card.PAN()),
			ExpMonth: stripe.Int64(int64(card.ExpMonth)),
			ExpYear:  stripe.Int64(int64(card.ExpYear)),
			CVC:      stripe.String(card.CVC),
		},
	}
	params.Context = ctx
	pm, err := g.methods.New(params)
	if err != nil {
		return nil, mapStripeError("create payment method", err)
	}
	return pm, nil
}

func (g *StripeGateway) ConfirmPayment(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	current, err := g.get(ctx, req.PaymentID)
	if err != nil {
		return ConfirmResult{}, err
	}
	// a challenge in flight is settled by the issuer, not by a second confirm
	if current.Status == stripe.PaymentIntentStatusRequiresAction {
		return challengeFrom(current), nil
	}
	if st := intentStatus(current); st == StatusAuthorized || st == StatusCaptured {
		return ConfirmResult{Outcome: OutcomeAuthorized, Status: st}, nil
	}

	pm, err := g.paymentMethod(ctx, req.Card)
	if err != nil {
		var declined *cardRejection
		if errors.As(err, &declined) && declined.retry {
			return ConfirmResult{Outcome: OutcomeRetry, Status: StatusInitiated, Reason: declined.code}, nil
		}
		return ConfirmResult{}, err
	}
	params := &stripe.PaymentIntentConfirmParams{PaymentMethod: stripe.String(pm.ID)}
	params.Context = ctx
	if g.returnURL != "" {
		params.ReturnURL = stripe.String(g.returnURL)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey("confirm-" + req.IdempotencyKey)
	}
	pi, err := g.intents.Confirm(req.PaymentID, params)
	if err != nil {
		mapped := mapStripeError("confirm payment intent", err)
		var declined *cardRejection
		if errors.As(mapped, &declined) && declined.retry {
			return ConfirmResult{Outcome: OutcomeRetry, Status: StatusInitiated, Reason: declined.code}, nil
		}
		return ConfirmResult{}, mapped
	}
	g.logger.Info("stripe payment intent confirmed", zap.String("payment_id", pi.ID), zap.String("status", string(pi.Status)))

	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresAction:
		return challengeFrom(pi), nil
	case stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusSucceeded:
		return ConfirmResult{Outcome: OutcomeAuthorized, Status: intentStatus(pi)}, nil
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		reason := "requires_payment_method"
		if pi.LastPaymentError != nil {
			reason = string(pi.LastPaymentError.Code)
		}
		return ConfirmResult{Outcome: OutcomeRetry, Status: StatusInitiated, Reason: reason}, nil
	case stripe.PaymentIntentStatusProcessing:
		// the outcome arrives asynchronously; callers reconcile by polling
		return ConfirmResult{}, fmt.Errorf("%w: intent %s still processing", ErrTransient, pi.ID)
	}
	return ConfirmResult{}, fmt.Errorf("%w: intent %s in status %s", ErrInvalidState, pi.ID, pi.Status)
}

func challengeFrom(pi *stripe.PaymentIntent) ConfirmResult {
	res := ConfirmResult{Outcome: OutcomeRequires3DS, Status: StatusAwaiting3DS, MD: pi.ID}
	if na := pi.NextAction; na != nil && na.RedirectToURL != nil {
		res.ACSURL = na.RedirectToURL.URL
	}
	return res
}

func (g *StripeGateway) get(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.intents.Get(id, params)
	if err != nil {
		return nil, mapStripeError("get payment intent", err)
	}
	return pi, nil
}

func (g *StripeGateway) GetPaymentStatus(ctx context.Context, paymentID string) (StatusResult, error) {
	pi, err := g.get(ctx, paymentID)
	if err != nil {
		return StatusResult{}, err
	}
	return statusFrom(pi), nil
}

func (g *StripeGateway) Capture(ctx context.Context, paymentID string) (StatusResult, error) {
	pi, err := g.get(ctx, paymentID)
	if err != nil {
		return StatusResult{}, err
	}
	if pi.Status == stripe.PaymentIntentStatusSucceeded {
		return statusFrom(pi), nil
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("capture-" + paymentID)
	pi, err = g.intents.Capture(paymentID, params)
	if err != nil {
		return StatusResult{}, mapStripeError("capture payment intent", err)
	}
	g.logger.Info("stripe payment intent captured", zap.String("payment_id", pi.ID), zap.Int64("amount", pi.AmountReceived))
	return statusFrom(pi), nil
}

func (g *StripeGateway) Cancel(ctx context.Context, paymentID string) (StatusResult, error) {
	pi, err := g.get(ctx, paymentID)
	if err != nil {
		return StatusResult{}, err
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusCanceled:
		return statusFrom(pi), nil
	case stripe.PaymentIntentStatusSucceeded:
		return statusFrom(pi), fmt.Errorf("%w: payment already captured", ErrInvalidState)
	}
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	pi, err = g.intents.Cancel(paymentID, params)
	if err != nil {
		return StatusResult{}, mapStripeError("cancel payment intent", err)
	}
	return statusFrom(pi), nil
}

func statusFrom(pi *stripe.PaymentIntent) StatusResult {
	return StatusResult{
		PaymentID: pi.ID,
		OrderID:   pi.Metadata["order_id"],
		Amount:    pi.Amount,
		Status:    intentStatus(pi),
	}
}

func intentStatus(pi *stripe.PaymentIntent) Status {
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresAction:
		return StatusAwaiting3DS
	case stripe.PaymentIntentStatusRequiresCapture:
		return StatusAuthorized
	case stripe.PaymentIntentStatusSucceeded:
		return StatusCaptured
	case stripe.PaymentIntentStatusCanceled:
		return StatusCancelled
	default:
		return StatusInitiated
	}
}

// cardRejection is a card_error from Stripe. retry marks codes the cardholder can fix.
type cardRejection struct {
	code  string
	retry bool
	err   error
}

func (c *cardRejection) Error() string { return c.err.Error() }

func (c *cardRejection) Unwrap() error { return c.err }

func retryableCardCode(code string) bool {
	switch code {
	case "incorrect_cvc", "incorrect_number", "invalid_cvc", "invalid_expiry_month",
		"invalid_expiry_year", "payment_intent_authentication_failure":
		return true
	}
	return false
}

// mapStripeError sorts Stripe failures into the fault taxonomy: 429/5xx and network
// errors are transient, card errors are declines, 404 is not found.
func mapStripeError(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("stripe: %s: %w: %v", op, ErrTransient, err)
	}
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500:
		return fmt.Errorf("stripe: %s: %w: %s", op, ErrTransient, se.Msg)
	case se.Type == stripe.ErrorTypeCard:
		code := string(se.Code)
		return &cardRejection{
			code:  code,
			retry: retryableCardCode(code),
			err:   fmt.Errorf("stripe: %s: %w: %s", op, ErrDeclined, code),
		}
	case se.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("stripe: %s: %w", op, ErrPaymentNotFound)
	}
	return fmt.Errorf("stripe: %s: %w: %s", op, ErrInvalidState, se.Msg)
}
