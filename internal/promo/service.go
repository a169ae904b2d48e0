package promo

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/memorabilia-settlement/internal/logging"
)

// Store persists promo codes. Activate must be atomic: it increments CurrentUses
// at most once per (code, orderID) and fails with ErrUsageExhausted at the cap.
type Store interface {
	Get(ctx context.Context, code string) (Code, error)
	Put(ctx context.Context, c Code) error
	Activate(ctx context.Context, code, orderID string, now time.Time) (Code, error)
}

type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logging.OrNop(logger)}
}

// Validation is the outcome of a successful Validate.
type Validation struct {
	Code     string `json:"code"`
	Discount int64  `json:"discount"`
}

// Validate checks code against subtotal without consuming a use.
func (s *Service) Validate(ctx context.Context, code string, subtotal int64, now time.Time) (Validation, error) {
	c, err := s.store.Get(ctx, Normalize(code))
	if err != nil {
		return Validation{}, err
	}
	d, err := Evaluate(c, subtotal, now)
	if err != nil {
		return Validation{}, err
	}
	return Validation{Code: c.Code, Discount: d}, nil
}

// Activate consumes one use of code for orderID. Activating the same pair twice is a no-op.
func (s *Service) Activate(ctx context.Context, code, orderID string, now time.Time) error {
	if orderID == "" {
		return errors.New("promo: order id is required")
	}
	c, err := s.store.Activate(ctx, Normalize(code), orderID, now)
	if err != nil {
		s.logger.Warn("promo activation failed", zap.String("code", code), zap.String("order_id", orderID), zap.Error(err))
		return err
	}
	s.logger.Info("promo activated", zap.String("code", c.Code), zap.String("order_id", orderID),
		zap.Int("current_uses", c.CurrentUses))
	return nil
}

func (s *Service) Put(ctx context.Context, c Code) error {
	c.Code = Normalize(c.Code)
	if err := c.validate(); err != nil {
		return err
	}
	return s.store.Put(ctx, c)
}
