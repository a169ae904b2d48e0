package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/memorabilia-settlement/internal/checkout"
	"github.com/ariefcatur/memorabilia-settlement/internal/fault"
	"github.com/ariefcatur/memorabilia-settlement/internal/logging"
	"github.com/ariefcatur/memorabilia-settlement/internal/orders"
	"github.com/ariefcatur/memorabilia-settlement/internal/payment"
)

// HeaderUserID carries the caller identity set by the edge proxy.
const (
	HeaderUserID         = "X-User-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

var errMissingUser = fault.Validation("missing " + HeaderUserID + " header")

// IdempotencyCache is the fast path for Idempotency-Key lookups.
type IdempotencyCache interface {
	Lookup(ctx context.Context, key string) (string, bool)
	Remember(ctx context.Context, key, orderID string) error
}

type OrdersHandler struct {
	Checkout *checkout.Orchestrator
	Payments payment.Gateway
	Idem     IdempotencyCache
	Logger   *zap.Logger
}

type checkoutReq struct {
	UserID string `json:"user_id"`
}

type startPaymentReq struct {
	AddressID string `json:"address_id"`
	TariffID  string `json:"tariff_id"`
}

type cardReq struct {
	Card payment.CardData `json:"card"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

type orderResp struct {
	Order      checkout.StatusView `json:"order"`
	Idempotent bool                `json:"idempotent,omitempty"`
}

type confirmResp struct {
	Order        checkout.StatusView    `json:"order"`
	Outcome      payment.ConfirmOutcome `json:"outcome,omitempty"`
	AttemptsLeft int                    `json:"attempts_left"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/checkout", h.checkout)
	r.Route("/orders/{id}", func(r chi.Router) {
		r.Get("/", h.getOrder)
		r.Get("/status", h.getStatus)
		r.Post("/payment", h.startPayment)
		r.Post("/payment/3ds-version", h.check3DS)
		r.Post("/payment/confirm", h.confirm)
		r.Post("/cancel", h.cancel)
	})
	r.Post("/payments/{paymentID}/callback", h.callback)
	r.Get("/payments/{paymentID}/status", h.paymentStatus)
}

func userFrom(r *http.Request, fallback string) (string, error) {
	if u := strings.TrimSpace(r.Header.Get(HeaderUserID)); u != "" {
		return u, nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", errMissingUser
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	userID, err := userFrom(r, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	idemKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	cacheKey := userID + ":" + idemKey

	if idemKey != "" && h.Idem != nil {
		if orderID, ok := h.Idem.Lookup(ctx, cacheKey); ok {
			if o, err := h.Checkout.GetOrder(ctx, orderID, userID); err == nil {
				writeJSON(w, http.StatusOK, orderResp{Order: checkout.View(o), Idempotent: true})
				return
			}
		}
	}

	o, err := h.Checkout.Checkout(ctx, checkout.CheckoutCommand{UserID: userID, IdempotencyKey: idemKey})
	if o.ID != "" && idemKey != "" && h.Idem != nil {
		if rerr := h.Idem.Remember(ctx, cacheKey, o.ID); rerr != nil {
			logging.OrNop(h.Logger).Warn("idempotency cache write failed", zap.String("order_id", o.ID), zap.Error(rerr))
		}
	}
	if err != nil {
		if o.ID != "" && o.Status == orders.StatusFailed {
			writeJSON(w, statusFor(err), struct {
				errorBody
				Order checkout.StatusView `json:"order"`
			}{errorBody{Error: err.Error(), Kind: string(fault.KindOf(err)), Reason: o.FailureReason}, checkout.View(o)})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResp{Order: checkout.View(o)})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	o, err := h.Checkout.GetOrder(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	v, err := h.Checkout.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *OrdersHandler) startPayment(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	var req startPaymentReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	o, err := h.Checkout.StartPayment(r.Context(), checkout.StartPaymentCommand{
		OrderID:   chi.URLParam(r, "id"),
		UserID:    userID,
		AddressID: req.AddressID,
		TariffID:  req.TariffID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResp{Order: checkout.View(o)})
}

func (h *OrdersHandler) check3DS(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	var req cardReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	info, err := h.Checkout.Check3DSVersion(r.Context(), chi.URLParam(r, "id"), userID, req.Card)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *OrdersHandler) confirm(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	var req cardReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Checkout.ConfirmPayment(r.Context(), checkout.ConfirmCommand{
		OrderID: chi.URLParam(r, "id"),
		UserID:  userID,
		Card:    req.Card,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResp{Order: checkout.View(res.Order), Outcome: res.Outcome, AttemptsLeft: res.AttemptsLeft})
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	var req cancelReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	o, err := h.Checkout.Cancel(r.Context(), chi.URLParam(r, "id"), userID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResp{Order: checkout.View(o)})
}

// callback accepts processor notifications. The body is ignored: the orchestrator
// re-reads the payment status from the processor.
func (h *OrdersHandler) callback(w http.ResponseWriter, r *http.Request) {
	o, err := h.Checkout.HandlePaymentCallback(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			logging.OrNop(h.Logger).Warn("callback for unknown payment", zap.String("payment_id", chi.URLParam(r, "paymentID")))
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResp{Order: checkout.View(o)})
}

func (h *OrdersHandler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Payments.GetPaymentStatus(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
