package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/memorabilia-settlement/internal/cart"
	"github.com/ariefcatur/memorabilia-settlement/internal/delivery"
	"github.com/ariefcatur/memorabilia-settlement/internal/promo"
)

type CartHandler struct {
	Carts *cart.Aggregator
	Promo *promo.Service
	Clock func() time.Time
}

type addItemReq struct {
	ItemID string `json:"item_id"`
	Size   string `json:"size"`
	Qty    int    `json:"qty"`
}

type setQtyReq struct {
	Qty int `json:"qty"`
}

type promoReq struct {
	Code string `json:"code"`
}

type deliveryReq struct {
	AddressID string `json:"address_id"`
	TariffID  string `json:"tariff_id"`
}

type validatePromoReq struct {
	Code     string `json:"code"`
	Subtotal int64  `json:"subtotal"`
}

func (h *CartHandler) Register(r chi.Router) {
	r.Route("/carts/{userID}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Delete("/", h.delete)
		r.Post("/items", h.addItem)
		r.Put("/items/{itemID}/{size}", h.setQuantity)
		r.Delete("/items/{itemID}/{size}", h.removeItem)
		r.Post("/promo", h.applyPromo)
		r.Delete("/promo", h.removePromo)
		r.Get("/delivery/tariffs", h.tariffs)
		r.Post("/delivery", h.selectDelivery)
		r.Post("/recompute", h.recompute)
	})
	r.Post("/promo-codes/validate", h.validatePromo)
}

func (h *CartHandler) respond(w http.ResponseWriter, c cart.Cart, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *CartHandler) get(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.Get(r.Context(), chi.URLParam(r, "userID"))
	h.respond(w, c, err)
}

func (h *CartHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Carts.Delete(r.Context(), chi.URLParam(r, "userID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandler) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.Carts.AddItem(r.Context(), cart.AddItemCommand{
		UserID: chi.URLParam(r, "userID"),
		ItemID: req.ItemID,
		Size:   req.Size,
		Qty:    req.Qty,
	})
	h.respond(w, c, err)
}

func (h *CartHandler) setQuantity(w http.ResponseWriter, r *http.Request) {
	var req setQtyReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.Carts.SetQuantity(r.Context(), chi.URLParam(r, "userID"),
		chi.URLParam(r, "itemID"), chi.URLParam(r, "size"), req.Qty)
	h.respond(w, c, err)
}

func (h *CartHandler) removeItem(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.RemoveItem(r.Context(), chi.URLParam(r, "userID"),
		chi.URLParam(r, "itemID"), chi.URLParam(r, "size"))
	h.respond(w, c, err)
}

func (h *CartHandler) applyPromo(w http.ResponseWriter, r *http.Request) {
	var req promoReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.Carts.ApplyPromoCode(r.Context(), chi.URLParam(r, "userID"), req.Code)
	h.respond(w, c, err)
}

func (h *CartHandler) removePromo(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.RemovePromoCode(r.Context(), chi.URLParam(r, "userID"))
	h.respond(w, c, err)
}

func (h *CartHandler) tariffs(w http.ResponseWriter, r *http.Request) {
	ts, err := h.Carts.ListTariffs(r.Context(), chi.URLParam(r, "userID"), r.URL.Query().Get("address_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if ts == nil {
		ts = []delivery.Tariff{}
	}
	writeJSON(w, http.StatusOK, ts)
}

func (h *CartHandler) selectDelivery(w http.ResponseWriter, r *http.Request) {
	var req deliveryReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.Carts.SelectDelivery(r.Context(), chi.URLParam(r, "userID"), req.AddressID, req.TariffID)
	h.respond(w, c, err)
}

func (h *CartHandler) recompute(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.RecomputeTotals(r.Context(), chi.URLParam(r, "userID"))
	h.respond(w, c, err)
}

// validatePromo checks a code against a subtotal without consuming a use.
func (h *CartHandler) validatePromo(w http.ResponseWriter, r *http.Request) {
	var req validatePromoReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	now := time.Now
	if h.Clock != nil {
		now = h.Clock
	}
	v, err := h.Promo.Validate(r.Context(), req.Code, req.Subtotal, now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
