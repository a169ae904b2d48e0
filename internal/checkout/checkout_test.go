package checkout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/memorabilia-settlement/internal/auction"
	"github.com/ariefcatur/memorabilia-settlement/internal/cart"
	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
	"github.com/ariefcatur/memorabilia-settlement/internal/delivery"
	"github.com/ariefcatur/memorabilia-settlement/internal/notify"
	"github.com/ariefcatur/memorabilia-settlement/internal/orders"
	"github.com/ariefcatur/memorabilia-settlement/internal/payment"
	"github.com/ariefcatur/memorabilia-settlement/internal/promo"
	"github.com/ariefcatur/memorabilia-settlement/internal/stock"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type voidedBids struct {
	mu  sync.Mutex
	ids []string
}

func (v *voidedBids) VoidBid(_ context.Context, bidID string) error {
	v.mu.Lock()
	v.ids = append(v.ids, bidID)
	v.mu.Unlock()
	return nil
}

func (v *voidedBids) list() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.ids...)
}

type harness struct {
	co      *Orchestrator
	orders  *orders.MemoryStore
	carts   *cart.Aggregator
	cartDB  *cart.MemoryStore
	ledger  *stock.Ledger
	gateway *payment.Sandbox
	promos  *promo.MemoryStore
	events  *notify.Recorder
	bids    *voidedBids
	items   *catalog.MemoryStore
	clock   *clock
}

var (
	teeM  = catalog.Key{ItemID: "tee", Size: "M"}
	ballS = catalog.Key{ItemID: "ball", Size: "OS"}
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		orders:  orders.NewMemoryStore(),
		cartDB:  cart.NewMemoryStore(),
		gateway: payment.NewSandbox(),
		promos: promo.NewMemoryStore(
			promo.Code{Code: "TEN", Kind: promo.KindPercent, Value: 10, MaxUses: 5, ValidFrom: t0.Add(-time.Hour)},
		),
		events: &notify.Recorder{},
		bids:   &voidedBids{},
		clock:  &clock{now: t0},
	}
	closed := t0
	h.items = catalog.NewMemoryStore(
		catalog.Item{ID: "tee", Name: "Tee", SalesMethod: catalog.SalesDirect, Price: 2000, Sizes: []string{"M", "L"}},
		catalog.Item{ID: "ball", Name: "Signed ball", SalesMethod: catalog.SalesBidding, Price: 1000, Sizes: []string{"OS"},
			StartAt: t0.Add(-48 * time.Hour), EndAt: t0, ClosedAt: &closed},
	)
	promos := promo.NewService(h.promos, nil)
	pricing := cart.Pricing{TTL: time.Hour, PricingTTL: 5 * time.Minute, FeeFixed: 100, FeeBPS: 500}
	calc := delivery.StaticCalculator{Rates: delivery.DefaultRates()}

	var seq int64
	ids := func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&seq, 1)) }

	var err error
	h.carts, err = cart.NewAggregator(cart.Deps{
		Store:    h.cartDB,
		Items:    h.items,
		Promo:    promos,
		Delivery: calc,
		Pricing:  pricing,
		Clock:    h.clock.Now,
		IDs:      ids,
	})
	require.NoError(t, err)

	h.ledger, err = stock.NewLedger(stock.LedgerDeps{Store: stock.NewMemoryStore(), Clock: h.clock.Now})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, h.ledger.SetStock(ctx, teeM, 5))
	require.NoError(t, h.ledger.SetStock(ctx, ballS, 1))

	h.co, err = New(Deps{
		Orders:   h.orders,
		Carts:    h.carts,
		Stock:    h.ledger,
		Gateway:  h.gateway,
		Promos:   promos,
		Bids:     h.bids,
		Slots:    h.items,
		Delivery: calc,
		Notifier: h.events,
		Config: Config{
			MaxDuration:        30 * time.Minute,
			ThreeDSDeadline:    10 * time.Minute,
			MaxConfirmAttempts: 3,
			AuctionGrace:       24 * time.Hour,
			ResumeAfter:        time.Minute,
			Pricing:            pricing,
		},
		Clock: h.clock.Now,
		IDs:   ids,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) fillCart(t *testing.T, user string, qty int) {
	t.Helper()
	_, err := h.carts.AddItem(context.Background(), cart.AddItemCommand{UserID: user, ItemID: "tee", Size: "M", Qty: qty})
	require.NoError(t, err)
}

func (h *harness) checkout(t *testing.T, user string) orders.Order {
	t.Helper()
	h.fillCart(t, user, 1)
	o, err := h.co.Checkout(context.Background(), CheckoutCommand{UserID: user})
	require.NoError(t, err)
	require.Equal(t, orders.StatusPaymentInitiated, o.Status)
	return o
}

func (h *harness) available(t *testing.T, key catalog.Key) int {
	t.Helper()
	n, err := h.ledger.Available(context.Background(), key)
	require.NoError(t, err)
	return n
}

func (h *harness) reservation(t *testing.T, token string) stock.Reservation {
	t.Helper()
	r, err := h.ledger.Get(context.Background(), token)
	require.NoError(t, err)
	return r
}

func card(number string) payment.CardData {
	return payment.CardData{Number: number, ExpMonth: 12, ExpYear: 2030, CVC: "123", Holder: "A FAN"}
}

func TestCheckoutReservesAndInitiatesPayment(t *testing.T) {
	h := newHarness(t)
	h.fillCart(t, "u1", 2)

	o, err := h.co.Checkout(context.Background(), CheckoutCommand{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaymentInitiated, o.Status)
	assert.Equal(t, orders.ReservationHeld, o.ReservationState)
	assert.NotEmpty(t, o.Payment.PaymentID)
	assert.Equal(t, int64(4000+100+200), o.Totals.Total)
	assert.Len(t, o.Reservations, 1)
	assert.Equal(t, 3, h.available(t, teeM))
}

func TestCheckoutIdempotencyKeyReturnsSameOrder(t *testing.T) {
	h := newHarness(t)
	h.fillCart(t, "u1", 1)
	ctx := context.Background()

	first, err := h.co.Checkout(ctx, CheckoutCommand{UserID: "u1", IdempotencyKey: "k1"})
	require.NoError(t, err)
	second, err := h.co.Checkout(ctx, CheckoutCommand{UserID: "u1", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 4, h.available(t, teeM))
	assert.Equal(t, 1, h.gateway.Calls("init"))
}

func TestCheckoutEmptyCart(t *testing.T) {
	h := newHarness(t)
	_, err := h.co.Checkout(context.Background(), CheckoutCommand{UserID: "nobody"})
	require.ErrorIs(t, err, cart.ErrCartNotFound)
}

func TestConcurrentCheckoutsForLastUnit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ledger.SetStock(ctx, teeM, 1))
	h.fillCart(t, "u1", 1)
	h.fillCart(t, "u2", 1)

	results := make([]orders.Order, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, user := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			results[i], errs[i] = h.co.Checkout(ctx, CheckoutCommand{UserID: user})
		}(i, user)
	}
	wg.Wait()

	var won, lost int
	for i := range results {
		if errs[i] == nil {
			won++
			assert.Equal(t, orders.StatusPaymentInitiated, results[i].Status)
			continue
		}
		lost++
		var short *stock.InsufficientStockError
		require.ErrorAs(t, errs[i], &short)
		assert.Equal(t, teeM, short.Key)
		assert.Equal(t, orders.StatusFailed, results[i].Status)
		require.NotNil(t, results[i].Unavailable)
		assert.Equal(t, "tee", results[i].Unavailable.ItemID)
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)
	assert.Equal(t, 0, h.available(t, teeM))
}

func TestManyConcurrentCheckoutsNeverOversell(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ledger.SetStock(ctx, teeM, 10))
	for i := 0; i < 100; i++ {
		h.fillCart(t, fmt.Sprintf("u%d", i), 1)
	}

	var ok int64
	var g errgroup.Group
	for i := 0; i < 100; i++ {
		user := fmt.Sprintf("u%d", i)
		g.Go(func() error {
			if _, err := h.co.Checkout(ctx, CheckoutCommand{UserID: user}); err == nil {
				atomic.AddInt64(&ok, 1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(10), ok)
	assert.Equal(t, 0, h.available(t, teeM))
}

func TestFrictionlessConfirmCapturesAndSettles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fillCart(t, "u1", 1)
	_, err := h.carts.ApplyPromoCode(ctx, "u1", "TEN")
	require.NoError(t, err)

	o, err := h.co.Checkout(ctx, CheckoutCommand{UserID: "u1"})
	require.NoError(t, err)
	res, err := h.co.ConfirmPayment(ctx, ConfirmCommand{OrderID: o.ID, UserID: "u1", Card: card(payment.CardFrictionless)})
	require.NoError(t, err)

	assert.Equal(t, payment.OutcomeAuthorized, res.Outcome)
	assert.Equal(t, orders.StatusCaptured, res.Order.Status)
	assert.Equal(t, orders.ReservationCommitted, res.Order.ReservationState)
	assert.Equal(t, stock.StatusCommitted, h.reservation(t, res.Order.Reservations[0]).Status)

	_, err = h.cartDB.Get(ctx, "u1")
	assert.ErrorIs(t, err, cart.ErrCartNotFound)
	code, err := h.promos.Get(ctx, "TEN")
	require.NoError(t, err)
	assert.Equal(t, 1, code.CurrentUses)

	statuses := []string{}
	for _, e := range h.events.OfType(notify.TypeOrderStatusChanged) {
		if e.OrderID == o.ID {
			statuses = append(statuses, e.Status)
		}
	}
	assert.Equal(t, []string{"STOCK_RESERVED", "PAYMENT_INITIATED", "AUTHORIZED", "CAPTURED"}, statuses)
}

func TestThreeDSChallengeThenReplayedCallbacks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.checkout(t, "u1")

	res, err := h.co.ConfirmPayment(ctx, ConfirmCommand{OrderID: o.ID, UserID: "u1", Card: card(payment.Card3DS)})
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeRequires3DS, res.Outcome)
	assert.Equal(t, orders.StatusAwaiting3DS, res.Order.Status)
	assert.NotEmpty(t, res.Order.Payment.ACSURL)
	require.NotNil(t, res.Order.ThreeDSDeadline)

	require.NoError(t, h.gateway.CompleteChallenge(o.Payment.PaymentID, true))
	for i := 0; i < 2; i++ {
		got, err := h.co.HandlePaymentCallback(ctx, o.Payment.PaymentID)
		require.NoError(t, err)
		assert.Equal(t, orders.StatusCaptured, got.Status)
	}
	assert.Equal(t, 1, h.gateway.Calls("capture"))
	assert.Equal(t, 4, h.available(t, teeM))
	assert.Equal(t, stock.StatusCommitted, h.reservation(t, o.Reservations[0]).Status)
	assert.Len(t, h.events.OfType(notify.TypeOrderStatusChanged), 5)
}

func TestThreeDSTimeoutFailsAndReleases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.checkout(t, "u1")
	_, err := h.co.ConfirmPayment(ctx, ConfirmCommand{OrderID: o.ID, UserID: "u1", Card: card(payment.Card3DS)})
	require.NoError(t, err)

	h.clock.Advance(11 * time.Minute)
	rep, err := h.co.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired3DS)

	got, err := h.co.GetOrder(ctx, o.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFailed, got.Status)
	assert.Equal(t, "3ds_timeout", got.FailureReason)
	assert.Equal(t, orders.ReservationReleased, got.ReservationState)
	assert.Equal(t, stock.StatusReleased, h.reservation(t, o.Reservations[0]).Status)
	assert.Equal(t, 5, h.available(t, teeM))
}

func TestConfirmAttemptsExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.checkout(t, "u1")

	for i := 1; i <= 2; i++ {
		res, err := h.co.ConfirmPayment(ctx, ConfirmCommand{OrderID: o.ID, UserID: "u1", Card: card(payment.CardIncorrectCVC)})
		require.NoError(t, err)
		assert.Equal(t, payment.OutcomeRetry, res.Outcome)
		assert.Equal(t, 3-i, res.AttemptsLeft)
	}
	res, err := h.co.ConfirmPayment(ctx, ConfirmCommand{OrderID: o.ID, UserID: "u1", Card: card(payment.CardIncorrectCVC)})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFailed, res.Order.Status)
	assert.Equal(t, "confirm_attempts_exhausted", res.Order.FailureReason)
	assert.Equal(t, 5, h.available(t, teeM))

	_, err = h.co.ConfirmPayment(ctx, ConfirmCommand{OrderID: o.ID, UserID: "u1", Card: card(payment.CardFrictionless)})
	assert.ErrorIs(t, err, ErrOrderTerminal)
}

func TestInvalidCardDoesNotUseAttempt(t *testing.T) {
	h := newHarness(t)
	o := h.checkout(t, "u1")
	res, err := h.co.ConfirmPayment(context.Background(), ConfirmCommand{OrderID: o.ID, UserID: "u1", Card: card("4242424242424241")})
	require.ErrorIs(t, err, payment.ErrInvalidCard)
	assert.Equal(t, 3, res.AttemptsLeft)
	assert.Equal(t, 0, h.gateway.Calls("confirm"))
}

func TestDeclinedCardFailsOrder(t *testing.T) {
	h := newHarness(t)
	o := h.checkout(t, "u1")
	res, err := h.co.ConfirmPayment(context.Background(), ConfirmCommand{OrderID: o.ID, UserID: "u1", Card: card(payment.CardDeclined)})
	require.ErrorIs(t, err, payment.ErrDeclined)
	assert.Equal(t, orders.StatusFailed, res.Order.Status)
	assert.Equal(t, "card_declined", res.Order.FailureReason)
	assert.Equal(t, 5, h.available(t, teeM))
}

func TestTransientConfirmLeavesOrderPending(t *testing.T) {
	h := newHarness(t)
	o := h.checkout(t, "u1")
	res, err := h.co.ConfirmPayment(context.Background(), ConfirmCommand{OrderID: o.ID, UserID: "u1", Card: card(payment.CardProcessing)})
	require.ErrorIs(t, err, payment.ErrTransient)
	assert.Equal(t, orders.StatusPaymentInitiated, res.Order.Status)
	assert.Equal(t, 1, res.Order.Payment.ConfirmAttempts)
	assert.Equal(t, 2, res.AttemptsLeft)
	assert.Equal(t, 4, h.available(t, teeM))
}

func TestRepeatedTransientConfirmsFailOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.checkout(t, "u1")

	var res ConfirmResult
	var err error
	for i := 0; i < 3; i++ {
		res, err = h.co.ConfirmPayment(ctx, ConfirmCommand{OrderID: o.ID, UserID: "u1", Card: card(payment.CardProcessing)})
		require.ErrorIs(t, err, payment.ErrTransient)
	}
	assert.Equal(t, orders.StatusFailed, res.Order.Status)
	assert.Equal(t, "gateway_unavailable", res.Order.FailureReason)
	assert.Equal(t, 0, res.AttemptsLeft)
	assert.Equal(t, 5, h.available(t, teeM))
}

func TestTransientConfirmWithUnreachableProcessorCostsNoAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.checkout(t, "u1")

	h.gateway.FailNext("status", fmt.Errorf("%w: connection reset", payment.ErrTransient))
	res, err := h.co.ConfirmPayment(ctx, ConfirmCommand{OrderID: o.ID, UserID: "u1", Card: card(payment.CardProcessing)})
	require.ErrorIs(t, err, payment.ErrTransient)
	assert.Equal(t, orders.StatusPaymentInitiated, res.Order.Status)
	assert.Equal(t, 0, res.Order.Payment.ConfirmAttempts)
}

func TestConfirmForeignOrderIsHidden(t *testing.T) {
	h := newHarness(t)
	o := h.checkout(t, "u1")
	_, err := h.co.ConfirmPayment(context.Background(), ConfirmCommand{OrderID: o.ID, UserID: "u2", Card: card(payment.CardFrictionless)})
	require.ErrorIs(t, err, ErrForbidden)
}

func TestCancelReleasesAndVoids(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.checkout(t, "u1")

	got, err := h.co.Cancel(ctx, o.ID, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, got.Status)
	assert.Equal(t, "cancelled_by_user", got.FailureReason)
	assert.Equal(t, 5, h.available(t, teeM))
	st, err := h.gateway.GetPaymentStatus(ctx, o.Payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCancelled, st.Status)

	again, err := h.co.Cancel(ctx, o.ID, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version)
}

func TestCancelCapturedOrderRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.checkout(t, "u1")
	_, err := h.co.ConfirmPayment(ctx, ConfirmCommand{OrderID: o.ID, UserID: "u1", Card: card(payment.CardFrictionless)})
	require.NoError(t, err)
	_, err = h.co.Cancel(ctx, o.ID, "u1", "")
	require.ErrorIs(t, err, ErrOrderTerminal)
}

func TestCheck3DSVersionStoresVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.checkout(t, "u1")
	info, err := h.co.Check3DSVersion(ctx, o.ID, "u1", card(payment.Card3DS))
	require.NoError(t, err)
	assert.Equal(t, "2.2.0", info.Version)
	got, err := h.co.GetOrder(ctx, o.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "2.2.0", got.Payment.ThreeDSVersion)
}

func TestStartPaymentAddsShippingToAuctionOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	win := auction.Win{BidID: "bid-1", UserID: "u9", Key: ballS, Price: 5000, ClosedAt: t0}
	require.NoError(t, h.co.AcceptWin(ctx, win))
	require.NoError(t, h.co.AcceptWin(ctx, win))

	o, err := h.orders.GetByIdempotencyKey(ctx, "win:bid-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusStockReserved, o.Status)
	assert.Equal(t, orders.SourceAuction, o.Source)
	assert.Equal(t, int64(5000+100+250), o.Totals.Total)
	assert.Equal(t, 0, h.available(t, ballS))

	o, err = h.co.StartPayment(ctx, StartPaymentCommand{OrderID: o.ID, UserID: "u9", AddressID: "addr", TariffID: "post-eco"})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaymentInitiated, o.Status)
	assert.Equal(t, int64(500), o.Totals.Shipping)
	assert.Equal(t, int64(5000+100+250+500), o.Totals.Total)
}

func TestAuctionGraceExpiryCancelsAndVoidsBid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.co.AcceptWin(ctx, auction.Win{BidID: "bid-7", UserID: "u9", Key: ballS, Price: 5000, ClosedAt: t0}))

	h.clock.Advance(25 * time.Hour)
	rep, err := h.co.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ExpiredGrace)

	o, err := h.orders.GetByIdempotencyKey(ctx, "win:bid-7")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, o.Status)
	assert.Equal(t, "payment_grace_expired", o.FailureReason)
	assert.Equal(t, []string{"bid-7"}, h.bids.list())
	assert.Equal(t, 1, h.available(t, ballS))
	item, err := h.items.GetItem(ctx, "ball")
	require.NoError(t, err)
	assert.True(t, item.SoldDirectly("OS"))
}

func TestAuctionWinWithoutStockVoidsBid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ledger.SetStock(ctx, ballS, 0))
	require.NoError(t, h.co.AcceptWin(ctx, auction.Win{BidID: "bid-2", UserID: "u9", Key: ballS, Price: 5000}))

	o, err := h.orders.GetByIdempotencyKey(ctx, "win:bid-2")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFailed, o.Status)
	assert.Equal(t, []string{"bid-2"}, h.bids.list())
}

func TestUnsettledAuctionOrderReleasesWin(t *testing.T) {
	tests := []struct {
		name   string
		end    func(t *testing.T, h *harness, o orders.Order)
		status orders.Status
		reason string
	}{
		{
			name: "declined card",
			end: func(t *testing.T, h *harness, o orders.Order) {
				_, err := h.co.ConfirmPayment(context.Background(), ConfirmCommand{OrderID: o.ID, UserID: "u9", Card: card(payment.CardDeclined)})
				require.ErrorIs(t, err, payment.ErrDeclined)
			},
			status: orders.StatusFailed,
			reason: "card_declined",
		},
		{
			name: "cancelled by winner",
			end: func(t *testing.T, h *harness, o orders.Order) {
				_, err := h.co.Cancel(context.Background(), o.ID, "u9", "")
				require.NoError(t, err)
			},
			status: orders.StatusCancelled,
			reason: "cancelled_by_user",
		},
		{
			name: "3ds deadline",
			end: func(t *testing.T, h *harness, o orders.Order) {
				ctx := context.Background()
				_, err := h.co.ConfirmPayment(ctx, ConfirmCommand{OrderID: o.ID, UserID: "u9", Card: card(payment.Card3DS)})
				require.NoError(t, err)
				h.clock.Advance(11 * time.Minute)
				_, err = h.co.Reconcile(ctx)
				require.NoError(t, err)
			},
			status: orders.StatusFailed,
			reason: "3ds_timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			require.NoError(t, h.co.AcceptWin(ctx, auction.Win{BidID: "bid-3", UserID: "u9", Key: ballS, Price: 5000, ClosedAt: t0}))
			o, err := h.orders.GetByIdempotencyKey(ctx, "win:bid-3")
			require.NoError(t, err)
			o, err = h.co.StartPayment(ctx, StartPaymentCommand{OrderID: o.ID, UserID: "u9", AddressID: "addr", TariffID: "post-eco"})
			require.NoError(t, err)

			tt.end(t, h, o)

			got, err := h.co.GetOrder(ctx, o.ID, "u9")
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.reason, got.FailureReason)
			assert.Equal(t, []string{"bid-3"}, h.bids.list())
			assert.Equal(t, 1, h.available(t, ballS))
			item, err := h.items.GetItem(ctx, "ball")
			require.NoError(t, err)
			assert.True(t, item.SoldDirectly("OS"))
		})
	}
}

func TestCapturedAuctionOrderKeepsWin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.co.AcceptWin(ctx, auction.Win{BidID: "bid-4", UserID: "u9", Key: ballS, Price: 5000, ClosedAt: t0}))
	o, err := h.orders.GetByIdempotencyKey(ctx, "win:bid-4")
	require.NoError(t, err)
	o, err = h.co.StartPayment(ctx, StartPaymentCommand{OrderID: o.ID, UserID: "u9", AddressID: "addr", TariffID: "post-eco"})
	require.NoError(t, err)

	res, err := h.co.ConfirmPayment(ctx, ConfirmCommand{OrderID: o.ID, UserID: "u9", Card: card(payment.CardFrictionless)})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCaptured, res.Order.Status)
	assert.Empty(t, h.bids.list())
	item, err := h.items.GetItem(ctx, "ball")
	require.NoError(t, err)
	assert.False(t, item.SoldDirectly("OS"))
}

func TestAbandonedWinIsSoldDirectly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.carts.AddItem(ctx, cart.AddItemCommand{UserID: "u2", ItemID: "ball", Size: "OS", Qty: 1})
	require.ErrorIs(t, err, cart.ErrNotDirectSale)

	require.NoError(t, h.co.AcceptWin(ctx, auction.Win{BidID: "bid-5", UserID: "u9", Key: ballS, Price: 5000, ClosedAt: t0}))
	h.clock.Advance(25 * time.Hour)
	_, err = h.co.Reconcile(ctx)
	require.NoError(t, err)

	c, err := h.carts.AddItem(ctx, cart.AddItemCommand{UserID: "u2", ItemID: "ball", Size: "OS", Qty: 1})
	require.NoError(t, err)
	require.Len(t, c.Lines, 1)
	assert.Equal(t, int64(1000), c.Lines[0].UnitPrice)

	o, err := h.co.Checkout(ctx, CheckoutCommand{UserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaymentInitiated, o.Status)
	assert.Equal(t, orders.SourceCart, o.Source)
	assert.Equal(t, 0, h.available(t, ballS))
}

func TestConcurrentCallbacksCaptureOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.checkout(t, "u1")
	_, err := h.co.ConfirmPayment(ctx, ConfirmCommand{OrderID: o.ID, UserID: "u1", Card: card(payment.Card3DS)})
	require.NoError(t, err)
	require.NoError(t, h.gateway.CompleteChallenge(o.Payment.PaymentID, true))

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := h.co.HandlePaymentCallback(ctx, o.Payment.PaymentID)
			return err
		})
	}
	g.Go(func() error {
		_, err := h.co.ConfirmPayment(ctx, ConfirmCommand{OrderID: o.ID, UserID: "u1", Card: card(payment.CardFrictionless)})
		return err
	})
	require.NoError(t, g.Wait())

	got, err := h.co.GetOrder(ctx, o.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCaptured, got.Status)
	assert.Equal(t, 1, h.gateway.Calls("capture"))
	assert.Equal(t, stock.StatusCommitted, h.reservation(t, o.Reservations[0]).Status)

	captured := 0
	for _, e := range h.events.OfType(notify.TypeOrderStatusChanged) {
		if e.OrderID == o.ID && e.Status == string(orders.StatusCaptured) {
			captured++
		}
	}
	assert.Equal(t, 1, captured)
}

func TestCartCheckoutTimesOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.checkout(t, "u1")

	h.clock.Advance(31 * time.Minute)
	rep, err := h.co.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.TimedOut)
	got, err := h.co.GetOrder(ctx, o.ID, "")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, got.Status)
	assert.Equal(t, 5, h.available(t, teeM))
}

func TestReconcileResumesAuthorizedOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.checkout(t, "u1")

	h.gateway.SetStatus(o.Payment.PaymentID, payment.StatusAuthorized)
	h.clock.Advance(2 * time.Minute)
	rep, err := h.co.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resumed)

	got, err := h.co.GetOrder(ctx, o.ID, "")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCaptured, got.Status)
}

func TestReconcileReleasesLeakedReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	leaked, err := h.ledger.Reserve(ctx, stock.ReserveCommand{OrderID: "ghost", Key: teeM, Qty: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, h.available(t, teeM))

	h.clock.Advance(31 * time.Minute)
	rep, err := h.co.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.LeakedReleased)
	assert.Equal(t, stock.StatusReleased, h.reservation(t, leaked.Token).Status)
	assert.Equal(t, 5, h.available(t, teeM))
}

func TestGetStatusReadsStore(t *testing.T) {
	h := newHarness(t)
	o := h.checkout(t, "u1")
	v, err := h.co.GetStatus(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaymentInitiated, v.Status)
	assert.Equal(t, "processing", v.Public)
	assert.Equal(t, o.Payment.PaymentID, v.PaymentID)
}
