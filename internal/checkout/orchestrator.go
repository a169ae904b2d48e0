// Package checkout turns carts and auction wins into paid orders. Every order moves
// through a persisted state machine, so a restart resumes from the last stored
// status instead of losing in-flight payments.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/memorabilia-settlement/internal/cart"
	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
	"github.com/ariefcatur/memorabilia-settlement/internal/delivery"
	"github.com/ariefcatur/memorabilia-settlement/internal/fault"
	"github.com/ariefcatur/memorabilia-settlement/internal/keylock"
	"github.com/ariefcatur/memorabilia-settlement/internal/logging"
	"github.com/ariefcatur/memorabilia-settlement/internal/metrics"
	"github.com/ariefcatur/memorabilia-settlement/internal/notify"
	"github.com/ariefcatur/memorabilia-settlement/internal/orders"
	"github.com/ariefcatur/memorabilia-settlement/internal/payment"
	"github.com/ariefcatur/memorabilia-settlement/internal/stock"
)

var (
	ErrInvalidInput  = fault.Validation("checkout: invalid input")
	ErrOrderTerminal = fault.Conflict("checkout: order already finished")
	ErrInvalidState  = fault.Conflict("checkout: operation not allowed in current order status")
	ErrForbidden     = fault.NotFound("checkout: order not found for user")
)

type Carts interface {
	Snapshot(ctx context.Context, userID string) (cart.Cart, error)
	Discard(ctx context.Context, userID, cartID string) error
}

type Stock interface {
	ReserveAll(ctx context.Context, orderID string, lines []stock.Line) ([]stock.Reservation, error)
	Commit(ctx context.Context, token string) (stock.Reservation, error)
	Release(ctx context.Context, token, reason string) (stock.Reservation, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]stock.Reservation, error)
}

type Promos interface {
	Activate(ctx context.Context, code, orderID string, now time.Time) error
}

type Bids interface {
	VoidBid(ctx context.Context, bidID string) error
}

type Config struct {
	MaxDuration        time.Duration
	ThreeDSDeadline    time.Duration
	MaxConfirmAttempts int
	AuctionGrace       time.Duration
	// ResumeAfter is how long a non-terminal order may sit untouched before the
	// reconciler drives it forward.
	ResumeAfter time.Duration
	Currency    string
	Pricing     cart.Pricing
}

type Deps struct {
	Orders   orders.Store
	Carts    Carts
	Stock    Stock
	Gateway  payment.Gateway
	Promos   Promos
	Bids     Bids
	// Slots hands abandoned auction slots back to direct sale. Optional.
	Slots    catalog.DirectSale
	Delivery delivery.Calculator
	Notifier notify.Dispatcher
	Locks    *keylock.Map
	Config   Config
	Clock    func() time.Time
	IDs      func() string
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Orchestrator drives orders from CREATED to a terminal status. Transitions of one
// order are serialized on the order lock; stock and payment side effects are keyed
// so replays are harmless.
type Orchestrator struct {
	orders   orders.Store
	carts    Carts
	stock    Stock
	gateway  payment.Gateway
	promos   Promos
	bids     Bids
	slots    catalog.DirectSale
	delivery delivery.Calculator
	notifier notify.Dispatcher
	locks    *keylock.Map
	cfg      Config
	clock    func() time.Time
	newID    func() string
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("checkout: order store is required")
	case deps.Carts == nil:
		return nil, errors.New("checkout: carts are required")
	case deps.Stock == nil:
		return nil, errors.New("checkout: stock ledger is required")
	case deps.Gateway == nil:
		return nil, errors.New("checkout: payment gateway is required")
	case deps.Promos == nil:
		return nil, errors.New("checkout: promo service is required")
	case deps.Delivery == nil:
		return nil, errors.New("checkout: delivery calculator is required")
	}
	cfg := deps.Config
	if cfg.MaxConfirmAttempts < 1 {
		cfg.MaxConfirmAttempts = 3
	}
	if cfg.ThreeDSDeadline <= 0 {
		cfg.ThreeDSDeadline = 10 * time.Minute
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 30 * time.Minute
	}
	if cfg.AuctionGrace <= 0 {
		cfg.AuctionGrace = 24 * time.Hour
	}
	if cfg.ResumeAfter <= 0 {
		cfg.ResumeAfter = time.Minute
	}
	if cfg.Currency == "" {
		cfg.Currency = "jpy"
	}
	o := &Orchestrator{
		orders:   deps.Orders,
		carts:    deps.Carts,
		stock:    deps.Stock,
		gateway:  deps.Gateway,
		promos:   deps.Promos,
		bids:     deps.Bids,
		slots:    deps.Slots,
		delivery: deps.Delivery,
		notifier: deps.Notifier,
		locks:    deps.Locks,
		cfg:      cfg,
		clock:    deps.Clock,
		newID:    deps.IDs,
		logger:   logging.OrNop(deps.Logger),
		metrics:  deps.Metrics,
	}
	if o.notifier == nil {
		o.notifier = notify.Nop{}
	}
	if o.locks == nil {
		o.locks = keylock.New()
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o, nil
}

// SetBids wires the auction book after construction; the book and the
// orchestrator reference each other.
func (c *Orchestrator) SetBids(b Bids) { c.bids = b }

func (c *Orchestrator) now() time.Time { return c.clock().UTC() }

func (c *Orchestrator) lock(orderID string) func() { return c.locks.Lock("order:" + orderID) }

type CheckoutCommand struct {
	UserID         string
	IdempotencyKey string
}

// Checkout freezes the user's cart into an order, reserves every line and starts
// the payment. A repeated IdempotencyKey returns the order created by the first
// call. When a line cannot be reserved the order is returned FAILED together with
// an error wrapping *stock.InsufficientStockError.
func (c *Orchestrator) Checkout(ctx context.Context, cmd CheckoutCommand) (orders.Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return orders.Order{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	idemKey := ""
	if k := strings.TrimSpace(cmd.IdempotencyKey); k != "" {
		idemKey = "checkout:" + userID + ":" + k
		existing, err := c.orders.GetByIdempotencyKey(ctx, idemKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, orders.ErrOrderNotFound) {
			return orders.Order{}, err
		}
	}

	snap, err := c.carts.Snapshot(ctx, userID)
	if err != nil {
		return orders.Order{}, err
	}

	now := c.now()
	o := orders.Order{
		ID:               c.newID(),
		UserID:           userID,
		Source:           orders.SourceCart,
		CartID:           snap.ID,
		Lines:            make([]orders.Line, 0, len(snap.Lines)),
		Totals:           orders.Totals(snap.Totals),
		Currency:         c.cfg.Currency,
		PromoCode:        snap.PromoCode,
		Delivery:         snap.Delivery,
		Status:           orders.StatusCreated,
		ReservationState: orders.ReservationNone,
		IdempotencyKey:   idemKey,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, l := range snap.Lines {
		o.Lines = append(o.Lines, orders.Line{ItemID: l.ItemID, Size: l.Size, Name: l.Name, Qty: l.Qty, UnitPrice: l.UnitPrice})
	}

	unlock := c.lock(o.ID)
	defer unlock()

	o, existed, err := c.orders.Create(ctx, o)
	if err != nil {
		return orders.Order{}, err
	}
	if existed {
		return o, nil
	}
	c.metrics.Transition(string(orders.StatusCreated))
	c.logger.Info("order created", zap.String("order_id", o.ID), zap.String("user_id", userID),
		zap.Int64("total", o.Totals.Total), zap.Int("lines", len(o.Lines)))

	o, err = c.reserve(ctx, o)
	if err != nil {
		return o, err
	}
	return c.startPayment(ctx, o)
}

// reserve takes stock for every line. Insufficient stock fails the order.
func (c *Orchestrator) reserve(ctx context.Context, o orders.Order) (orders.Order, error) {
	lines := make([]stock.Line, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, stock.Line{Key: l.Key(), Qty: l.Qty})
	}
	held, err := c.stock.ReserveAll(ctx, o.ID, lines)
	if err != nil {
		var short *stock.InsufficientStockError
		if !errors.As(err, &short) {
			return o, err
		}
		o.Unavailable = &orders.LineRef{
			ItemID:    short.Key.ItemID,
			Size:      short.Key.Size,
			Requested: short.Requested,
			Available: short.Available,
		}
		failed, ferr := c.fail(ctx, o, "insufficient_stock")
		if ferr != nil {
			return o, errors.Join(err, ferr)
		}
		return failed, err
	}

	o.Reservations = make([]string, 0, len(held))
	for _, r := range held {
		o.Reservations = append(o.Reservations, r.Token)
	}
	o.ReservationState = orders.ReservationHeld
	return c.transition(ctx, o, orders.StatusStockReserved)
}

// startPayment opens the hold at the processor. A zero total skips the processor.
func (c *Orchestrator) startPayment(ctx context.Context, o orders.Order) (orders.Order, error) {
	if o.Status != orders.StatusStockReserved {
		return o, nil
	}
	if o.Totals.Total == 0 {
		var err error
		if o, err = c.transition(ctx, o, orders.StatusPaymentInitiated); err != nil {
			return o, err
		}
		if o, err = c.transition(ctx, o, orders.StatusAuthorized); err != nil {
			return o, err
		}
		return c.capture(ctx, o)
	}

	res, err := c.gateway.InitPayment(ctx, payment.InitRequest{
		OrderID:        o.ID,
		Amount:         o.Totals.Total,
		Currency:       o.Currency,
		IdempotencyKey: o.ID,
	})
	if err != nil {
		c.logger.Warn("payment init failed", zap.String("order_id", o.ID), zap.Error(err))
		o.Payment.LastError = err.Error()
		return c.fail(ctx, o, "payment_init_failed")
	}
	o.Payment.PaymentID = res.PaymentID
	o.Payment.PaymentURL = res.PaymentURL
	o.Payment.Status = payment.StatusInitiated
	return c.transition(ctx, o, orders.StatusPaymentInitiated)
}

type StartPaymentCommand struct {
	OrderID   string
	UserID    string
	AddressID string
	TariffID  string
}

// StartPayment starts the payment of a reserved order. Auction orders pick their
// delivery here, which reprices shipping before the hold is opened.
func (c *Orchestrator) StartPayment(ctx context.Context, cmd StartPaymentCommand) (orders.Order, error) {
	unlock := c.lock(cmd.OrderID)
	defer unlock()

	o, err := c.owned(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return orders.Order{}, err
	}
	if o.Status.Terminal() {
		return o, ErrOrderTerminal
	}
	if o.Status != orders.StatusStockReserved {
		return o, nil
	}
	if cmd.TariffID != "" {
		sel, err := delivery.Select(ctx, c.delivery, cmd.AddressID, cmd.TariffID, deliveryLines(o.Lines))
		if err != nil {
			return o, err
		}
		o.Delivery = &sel
		o.Totals.Shipping = sel.Price
		o.Totals.Total = o.Totals.Subtotal + o.Totals.ServiceFee + o.Totals.Shipping - o.Totals.Discount
		if o.Totals.Total < 0 {
			o.Totals.Total = 0
		}
	}
	return c.startPayment(ctx, o)
}

func deliveryLines(lines []orders.Line) []delivery.Line {
	out := make([]delivery.Line, 0, len(lines))
	for _, l := range lines {
		out = append(out, delivery.Line{ItemID: l.ItemID, Size: l.Size, Qty: l.Qty})
	}
	return out
}

// owned loads an order and hides it from other users.
func (c *Orchestrator) owned(ctx context.Context, orderID, userID string) (orders.Order, error) {
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if userID != "" && o.UserID != userID {
		return orders.Order{}, ErrForbidden
	}
	return o, nil
}

// StatusView is what status polling returns. It is always read from the store.
type StatusView struct {
	OrderID          string                  `json:"order_id"`
	Status           orders.Status           `json:"status"`
	Public           string                  `json:"public_status"`
	Total            int64                   `json:"total"`
	PaymentID        string                  `json:"payment_id,omitempty"`
	PaymentURL       string                  `json:"payment_url,omitempty"`
	ACSURL           string                  `json:"acs_url,omitempty"`
	MD               string                  `json:"md,omitempty"`
	PaReq            string                  `json:"pa_req,omitempty"`
	ConfirmAttempts  int                     `json:"confirm_attempts"`
	FailureReason    string                  `json:"failure_reason,omitempty"`
	Unavailable      *orders.LineRef         `json:"unavailable,omitempty"`
	ReservationState orders.ReservationState `json:"reservation_state"`
	PaymentDeadline  *time.Time              `json:"payment_deadline,omitempty"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

func View(o orders.Order) StatusView {
	return StatusView{
		OrderID:          o.ID,
		Status:           o.Status,
		Public:           o.Status.Public(),
		Total:            o.Totals.Total,
		PaymentID:        o.Payment.PaymentID,
		PaymentURL:       o.Payment.PaymentURL,
		ACSURL:           o.Payment.ACSURL,
		MD:               o.Payment.MD,
		PaReq:            o.Payment.PaReq,
		ConfirmAttempts:  o.Payment.ConfirmAttempts,
		FailureReason:    o.FailureReason,
		Unavailable:      o.Unavailable,
		ReservationState: o.ReservationState,
		PaymentDeadline:  o.PaymentDeadline,
		UpdatedAt:        o.UpdatedAt,
	}
}

// GetStatus reads the latest durable state. It has no side effects.
func (c *Orchestrator) GetStatus(ctx context.Context, orderID string) (StatusView, error) {
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return StatusView{}, err
	}
	return View(o), nil
}

func (c *Orchestrator) GetOrder(ctx context.Context, orderID, userID string) (orders.Order, error) {
	return c.owned(ctx, orderID, userID)
}
