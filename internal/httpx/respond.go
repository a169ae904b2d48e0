package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/memorabilia-settlement/internal/fault"
	"github.com/ariefcatur/memorabilia-settlement/internal/promo"
	"github.com/ariefcatur/memorabilia-settlement/internal/stock"
)

type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict:
		return http.StatusConflict
	case fault.KindTransient:
		return http.StatusServiceUnavailable
	case fault.KindFatal:
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error(), Kind: string(fault.KindOf(err))}
	if code == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	var pf *promo.Failure
	if errors.As(err, &pf) {
		body.Reason = pf.Reason
	}
	var short *stock.InsufficientStockError
	if errors.As(err, &short) {
		body.Reason = "insufficient_stock"
	}
	writeJSON(w, code, body)
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errInvalidJSON
	}
	return nil
}

var errInvalidJSON = fault.Validation("invalid json")
