package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/memorabilia-settlement/internal/auction"
	"github.com/ariefcatur/memorabilia-settlement/internal/cart"
	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
	"github.com/ariefcatur/memorabilia-settlement/internal/checkout"
	"github.com/ariefcatur/memorabilia-settlement/internal/delivery"
	"github.com/ariefcatur/memorabilia-settlement/internal/metrics"
	"github.com/ariefcatur/memorabilia-settlement/internal/orders"
	"github.com/ariefcatur/memorabilia-settlement/internal/payment"
	"github.com/ariefcatur/memorabilia-settlement/internal/promo"
	"github.com/ariefcatur/memorabilia-settlement/internal/stock"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type memIdem struct {
	mu sync.Mutex
	m  map[string]string
}

func (c *memIdem) Lookup(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *memIdem) Remember(_ context.Context, key, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = orderID
	return nil
}

type server struct {
	router *chi.Mux
	ledger *stock.Ledger
}

func newServer(t *testing.T) *server {
	t.Helper()
	clock := func() time.Time { return now }
	var seq int64
	ids := func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&seq, 1)) }

	items := catalog.NewMemoryStore(
		catalog.Item{ID: "ball", Name: "Signed ball", SalesMethod: catalog.SalesBidding, Price: 1000,
			Sizes: []string{"OS"}, StartAt: now.Add(-time.Hour), EndAt: now.Add(time.Hour)},
		catalog.Item{ID: "tee", Name: "Tee", SalesMethod: catalog.SalesDirect, Price: 2000, Sizes: []string{"M"}},
	)
	promos := promo.NewService(promo.NewMemoryStore(
		promo.Code{Code: "TEN", Kind: promo.KindPercent, Value: 10, ValidFrom: now.Add(-time.Hour)},
		promo.Code{Code: "OLD", Kind: promo.KindPercent, Value: 10, ValidFrom: now.Add(-48 * time.Hour), ValidUntil: ptr(now.Add(-time.Hour))},
	), nil)
	calc := delivery.StaticCalculator{Rates: delivery.DefaultRates()}
	pricing := cart.Pricing{TTL: time.Hour, PricingTTL: 5 * time.Minute, FeeFixed: 0, FeeBPS: 500}

	ledger, err := stock.NewLedger(stock.LedgerDeps{Store: stock.NewMemoryStore(), Clock: clock})
	require.NoError(t, err)
	require.NoError(t, ledger.SetStock(context.Background(), catalog.Key{ItemID: "tee", Size: "M"}, 1))

	carts, err := cart.NewAggregator(cart.Deps{
		Store: cart.NewMemoryStore(), Items: items, Promo: promos, Delivery: calc,
		Pricing: pricing, Clock: clock, IDs: ids,
	})
	require.NoError(t, err)
	book, err := auction.NewBook(auction.BookDeps{Store: auction.NewMemoryStore(), Items: items, Clock: clock, IDs: ids})
	require.NoError(t, err)
	gw := payment.NewSandbox()
	co, err := checkout.New(checkout.Deps{
		Orders: orders.NewMemoryStore(), Carts: carts, Stock: ledger, Gateway: gw,
		Promos: promos, Bids: book, Slots: items, Delivery: calc,
		Config: checkout.Config{Pricing: pricing}, Clock: clock, IDs: ids,
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	r := NewRouter(RouterOptions{Metrics: metrics.New(reg), Gatherer: reg})
	(&AuctionHandler{Book: book}).Register(r)
	(&CartHandler{Carts: carts, Promo: promos, Clock: clock}).Register(r)
	(&OrdersHandler{Checkout: co, Payments: gw, Idem: &memIdem{m: map[string]string{}}}).Register(r)
	return &server{router: r, ledger: ledger}
}

func ptr[T any](v T) *T { return &v }

func (s *server) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil).Code)
	rec := s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "settlement_http_requests_total")
}

func TestBidEndpoints(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/items/ball/sizes/OS/bids/highest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/items/ball/sizes/os/bids", placeBidReq{UserID: "u1", Price: 1200})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/items/ball/sizes/OS/bids", placeBidReq{UserID: "u2", Price: 1200})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/items/tee/sizes/M/bids", placeBidReq{UserID: "u2", Price: 5000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/items/ball/sizes/OS/bids/highest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1200), decodeBody[auction.Bid](t, rec).Price)

	rec = s.do(t, http.MethodPost, "/items/ball/close", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCartAndPromoEndpoints(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/carts/u1/items", addItemReq{ItemID: "tee", Size: "m", Qty: 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c := decodeBody[cart.Cart](t, rec)
	assert.Equal(t, int64(4000+200), c.Totals.Total)

	rec = s.do(t, http.MethodPost, "/carts/u1/promo", promoReq{Code: "OLD"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "expired", decodeBody[errorBody](t, rec).Reason)

	rec = s.do(t, http.MethodPost, "/promo-codes/validate", validatePromoReq{Code: "ten", Subtotal: 4000})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(400), decodeBody[promo.Validation](t, rec).Discount)

	rec = s.do(t, http.MethodGet, "/carts/u1/delivery/tariffs?address_id=home", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]delivery.Tariff](t, rec), 3)

	rec = s.do(t, http.MethodDelete, "/carts/u1/items/tee/M", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[cart.Cart](t, rec).Lines)

	rec = s.do(t, http.MethodGet, "/carts/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckoutConfirmAndStatus(t *testing.T) {
	s := newServer(t)
	s.do(t, http.MethodPost, "/carts/u1/items", addItemReq{ItemID: "tee", Size: "M", Qty: 1})

	rec := s.do(t, http.MethodPost, "/checkout", nil, HeaderUserID, "u1", HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[orderResp](t, rec)
	assert.Equal(t, orders.StatusPaymentInitiated, created.Order.Status)

	rec = s.do(t, http.MethodPost, "/checkout", nil, HeaderUserID, "u1", HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decodeBody[orderResp](t, rec)
	assert.True(t, replay.Idempotent)
	assert.Equal(t, created.Order.OrderID, replay.Order.OrderID)

	path := "/orders/" + created.Order.OrderID
	rec = s.do(t, http.MethodPost, path+"/payment/confirm",
		cardReq{Card: payment.CardData{Number: payment.CardFrictionless, ExpMonth: 1, ExpYear: 2031, CVC: "123"}},
		HeaderUserID, "u1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, payment.OutcomeAuthorized, decodeBody[confirmResp](t, rec).Outcome)

	rec = s.do(t, http.MethodGet, path+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paid", decodeBody[checkout.StatusView](t, rec).Public)

	rec = s.do(t, http.MethodGet, "/payments/"+created.Order.PaymentID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payment.StatusCaptured, decodeBody[payment.StatusResult](t, rec).Status)

	rec = s.do(t, http.MethodPost, path+"/cancel", nil, HeaderUserID, "u1")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCheckoutOutOfStock(t *testing.T) {
	s := newServer(t)
	require.NoError(t, s.ledger.SetStock(context.Background(), catalog.Key{ItemID: "tee", Size: "M"}, 0))
	s.do(t, http.MethodPost, "/carts/u1/items", addItemReq{ItemID: "tee", Size: "M", Qty: 1})

	rec := s.do(t, http.MethodPost, "/checkout", checkoutReq{UserID: "u1"})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[struct {
		Reason string              `json:"reason"`
		Order  checkout.StatusView `json:"order"`
	}](t, rec)
	assert.Equal(t, "insufficient_stock", body.Reason)
	assert.Equal(t, orders.StatusFailed, body.Order.Status)
	require.NotNil(t, body.Order.Unavailable)
	assert.Equal(t, "tee", body.Order.Unavailable.ItemID)
}

func TestOrderEndpointsRequireUser(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodPost, "/checkout", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPost, "/orders/x/payment/confirm", cardReq{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackForUnknownPayment(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodPost, "/payments/pay_missing/callback", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusForKinds(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(cart.ErrInvalidInput))
	assert.Equal(t, http.StatusNotFound, statusFor(orders.ErrOrderNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(auction.ErrPriceTooLow))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("x: %w", payment.ErrTransient)))
	assert.Equal(t, http.StatusPaymentRequired, statusFor(payment.ErrDeclined))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("boom")))
}
