package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Well-known sandbox card numbers.
const (
	CardFrictionless = "4242424242424242"
	Card3DS          = "4000000000003220"
	CardDeclined     = "4000000000000002"
	CardIncorrectCVC = "4000000000000127"
	CardProcessing   = "4000000000000119"
)

type sandboxPayment struct {
	StatusResult
	challenge string
}

// Sandbox is an in-process processor with deterministic, card-number driven
// behaviour. Tests can queue errors per operation with FailNext and settle
// challenges with CompleteChallenge.
type Sandbox struct {
	mu       sync.Mutex
	payments map[string]*sandboxPayment
	byKey    map[string]string
	faults   map[string][]error
	calls    map[string]int
	ACSURL   string
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		payments: make(map[string]*sandboxPayment),
		byKey:    make(map[string]string),
		faults:   make(map[string][]error),
		calls:    make(map[string]int),
		ACSURL:   "https://acs.sandbox.local/challenge",
	}
}

// FailNext makes the next call of op return err. Ops: init, 3ds_version, confirm,
// status, capture, cancel.
func (s *Sandbox) FailNext(op string, err error) {
	s.mu.Lock()
	s.faults[op] = append(s.faults[op], err)
	s.mu.Unlock()
}

// Calls reports how many times op reached the sandbox, injected failures included.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// CompleteChallenge settles an outstanding 3-D Secure challenge the way the
// issuer's ACS would.
func (s *Sandbox) CompleteChallenge(paymentID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.Status != StatusAwaiting3DS {
		return ErrInvalidState
	}
	if success {
		p.Status = StatusAuthorized
	} else {
		p.Status = StatusFailed
	}
	return nil
}

// SetStatus forces a payment into status, for reconciliation tests.
func (s *Sandbox) SetStatus(paymentID string, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[paymentID]; ok {
		p.Status = st
	}
}

func (s *Sandbox) enter(ctx context.Context, op string) error {
	s.calls[op]++
	if q := s.faults[op]; len(q) > 0 {
		s.faults[op] = q[1:]
		return q[0]
	}
	return ctx.Err()
}

func (s *Sandbox) get(id string) (*sandboxPayment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	return p, nil
}

func (s *Sandbox) InitPayment(ctx context.Context, req InitRequest) (InitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "init"); err != nil {
		return InitResult{}, err
	}
	if req.Amount <= 0 {
		return InitResult{}, fmt.Errorf("%w: amount must be positive", ErrInvalidState)
	}
	if id, ok := s.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return InitResult{PaymentID: id}, nil
	}
	id := "pay_" + uuid.NewString()
	s.payments[id] = &sandboxPayment{
		StatusResult: StatusResult{PaymentID: id, OrderID: req.OrderID, Amount: req.Amount, Status: StatusInitiated},
	}
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = id
	}
	return InitResult{PaymentID: id}, nil
}

func (s *Sandbox) Check3DSVersion(ctx context.Context, paymentID string, card CardData) (ThreeDSInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "3ds_version"); err != nil {
		return ThreeDSInfo{}, err
	}
	if _, err := s.get(paymentID); err != nil {
		return ThreeDSInfo{}, err
	}
	if card.PAN() == Card3DS {
		return ThreeDSInfo{Version: "2.2.0", MethodURL: s.ACSURL + "/method", MethodData: paymentID}, nil
	}
	return ThreeDSInfo{}, nil
}

func (s *Sandbox) ConfirmPayment(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "confirm"); err != nil {
		return ConfirmResult{}, err
	}
	p, err := s.get(req.PaymentID)
	if err != nil {
		return ConfirmResult{}, err
	}

	switch p.Status {
	case StatusAuthorized, StatusCaptured:
		return ConfirmResult{Outcome: OutcomeAuthorized, Status: p.Status}, nil
	case StatusFailed, StatusCancelled:
		return ConfirmResult{}, ErrInvalidState
	case StatusAwaiting3DS:
		return s.challengeResult(p), nil
	}

	switch req.Card.PAN() {
	case CardDeclined:
		p.Status = StatusFailed
		return ConfirmResult{}, fmt.Errorf("%w: generic_decline", ErrDeclined)
	case CardIncorrectCVC:
		return ConfirmResult{Outcome: OutcomeRetry, Status: p.Status, Reason: "incorrect_cvc"}, nil
	case CardProcessing:
		return ConfirmResult{}, fmt.Errorf("%w: processing_error", ErrTransient)
	case Card3DS:
		p.Status = StatusAwaiting3DS
		p.challenge = uuid.NewString()
		return s.challengeResult(p), nil
	}
	p.Status = StatusAuthorized
	return ConfirmResult{Outcome: OutcomeAuthorized, Status: p.Status}, nil
}

func (s *Sandbox) challengeResult(p *sandboxPayment) ConfirmResult {
	return ConfirmResult{
		Outcome: OutcomeRequires3DS,
		Status:  StatusAwaiting3DS,
		ACSURL:  s.ACSURL,
		MD:      p.PaymentID,
		PaReq:   p.challenge,
	}
}

func (s *Sandbox) GetPaymentStatus(ctx context.Context, paymentID string) (StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "status"); err != nil {
		return StatusResult{}, err
	}
	p, err := s.get(paymentID)
	if err != nil {
		return StatusResult{}, err
	}
	return p.StatusResult, nil
}

func (s *Sandbox) Capture(ctx context.Context, paymentID string) (StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "capture"); err != nil {
		return StatusResult{}, err
	}
	p, err := s.get(paymentID)
	if err != nil {
		return StatusResult{}, err
	}
	switch p.Status {
	case StatusCaptured:
	case StatusAuthorized:
		p.Status = StatusCaptured
	default:
		return p.StatusResult, fmt.Errorf("%w: capture from %s", ErrInvalidState, p.Status)
	}
	return p.StatusResult, nil
}

func (s *Sandbox) Cancel(ctx context.Context, paymentID string) (StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "cancel"); err != nil {
		return StatusResult{}, err
	}
	p, err := s.get(paymentID)
	if err != nil {
		return StatusResult{}, err
	}
	switch p.Status {
	case StatusCaptured:
		return p.StatusResult, fmt.Errorf("%w: payment already captured", ErrInvalidState)
	case StatusCancelled, StatusFailed:
	default:
		p.Status = StatusCancelled
	}
	return p.StatusResult, nil
}
