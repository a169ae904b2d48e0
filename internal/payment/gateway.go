// Package payment adapts external card processors to the hold, 3-D Secure and
// capture protocol used by checkout.
package payment

import (
	"context"

	"github.com/ariefcatur/memorabilia-settlement/internal/fault"
)

var (
	ErrTransient       = fault.Transient("payment: gateway unavailable")
	ErrDeclined        = fault.Fatal("payment: card declined")
	ErrInvalidCard     = fault.Validation("payment: invalid card data")
	ErrPaymentNotFound = fault.NotFound("payment: payment not found")
	ErrInvalidState    = fault.Conflict("payment: operation not allowed in current payment state")
)

// Status is the processor-side state of a payment.
type Status string

const (
	StatusInitiated   Status = "initiated"
	StatusAwaiting3DS Status = "awaiting3ds"
	StatusAuthorized  Status = "authorized"
	StatusCaptured    Status = "captured"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCaptured || s == StatusFailed || s == StatusCancelled
}

// ConfirmOutcome is the closed set of non-error confirmation results.
type ConfirmOutcome string

const (
	OutcomeAuthorized  ConfirmOutcome = "authorized"
	OutcomeRequires3DS ConfirmOutcome = "requires_3ds"
	// OutcomeRetry means the processor rejected this attempt but the payment may be
	// confirmed again, e.g. a mistyped CVC.
	OutcomeRetry ConfirmOutcome = "retry"
)

type InitRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type InitResult struct {
	PaymentID  string `json:"payment_id"`
	PaymentURL string `json:"payment_url,omitempty"`
}

type ConfirmRequest struct {
	PaymentID      string
	Card           CardData
	IdempotencyKey string
}

// ConfirmResult carries the challenge fields when Outcome is OutcomeRequires3DS.
type ConfirmResult struct {
	Outcome ConfirmOutcome `json:"outcome"`
	Status  Status         `json:"status"`
	ACSURL  string         `json:"acs_url,omitempty"`
	MD      string         `json:"md,omitempty"`
	PaReq   string         `json:"pa_req,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

type ThreeDSInfo struct {
	Version    string `json:"version,omitempty"`
	MethodURL  string `json:"method_url,omitempty"`
	MethodData string `json:"method_data,omitempty"`
}

type StatusResult struct {
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
	Amount    int64  `json:"amount"`
	Status    Status `json:"status"`
}

// Gateway is the processor contract. GetPaymentStatus must be safe to poll. Capture
// and Cancel are idempotent on a payment already in the requested state.
type Gateway interface {
	InitPayment(ctx context.Context, req InitRequest) (InitResult, error)
	Check3DSVersion(ctx context.Context, paymentID string, card CardData) (ThreeDSInfo, error)
	ConfirmPayment(ctx context.Context, req ConfirmRequest) (ConfirmResult, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (StatusResult, error)
	Capture(ctx context.Context, paymentID string) (StatusResult, error)
	Cancel(ctx context.Context, paymentID string) (StatusResult, error)
}
