package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/memorabilia-settlement/internal/auction"
)

type AuctionHandler struct {
	Book *auction.Book
}

type placeBidReq struct {
	UserID string `json:"user_id"`
	Price  int64  `json:"price"`
}

type placeBidResp struct {
	Bid      auction.Bid  `json:"bid"`
	Previous *auction.Bid `json:"previous,omitempty"`
}

func (h *AuctionHandler) Register(r chi.Router) {
	r.Route("/items/{itemID}", func(r chi.Router) {
		r.Post("/close", h.closeItem)
		r.Get("/sizes/{size}/bids", h.listBids)
		r.Post("/sizes/{size}/bids", h.placeBid)
		r.Get("/sizes/{size}/bids/highest", h.highest)
	})
}

func (h *AuctionHandler) placeBid(w http.ResponseWriter, r *http.Request) {
	var req placeBidReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Book.PlaceBid(r.Context(), auction.PlaceBidCommand{
		ItemID: chi.URLParam(r, "itemID"),
		Size:   chi.URLParam(r, "size"),
		UserID: req.UserID,
		Price:  req.Price,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, placeBidResp{Bid: res.Bid, Previous: res.Previous})
}

func (h *AuctionHandler) highest(w http.ResponseWriter, r *http.Request) {
	bid, ok, err := h.Book.Highest(r.Context(), chi.URLParam(r, "itemID"), chi.URLParam(r, "size"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no bids yet", Kind: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

func (h *AuctionHandler) listBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.Book.ListBids(r.Context(), chi.URLParam(r, "itemID"), chi.URLParam(r, "size"))
	if err != nil {
		writeError(w, err)
		return
	}
	if bids == nil {
		bids = []auction.Bid{}
	}
	writeJSON(w, http.StatusOK, bids)
}

func (h *AuctionHandler) closeItem(w http.ResponseWriter, r *http.Request) {
	if err := h.Book.CloseItem(r.Context(), chi.URLParam(r, "itemID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
