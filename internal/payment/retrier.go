package payment

import (
	"context"
	"errors"
	"time"

	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"

	"github.com/ariefcatur/memorabilia-settlement/internal/fault"
	"github.com/ariefcatur/memorabilia-settlement/internal/logging"
	"github.com/ariefcatur/memorabilia-settlement/internal/metrics"
)

type RetryConfig struct {
	Timeout        time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Retrier decorates a Gateway with a per-attempt timeout and bounded retries of
// transient failures. Any other error is returned after the first attempt.
type Retrier struct {
	next    Gateway
	cfg     RetryConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewRetrier(next Gateway, cfg RetryConfig, logger *zap.Logger, m *metrics.Metrics) *Retrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Retrier{next: next, cfg: cfg, logger: logging.OrNop(logger), metrics: m, sleep: gax.Sleep}
}

func retryable(parent context.Context, err error) bool {
	if fault.IsTransient(err) {
		return true
	}
	// the attempt timed out while the caller is still waiting
	return errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil
}

func call[T any](r *Retrier, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	bo := gax.Backoff{Initial: r.cfg.BackoffInitial, Max: r.cfg.BackoffMax, Multiplier: 2}
	var (
		out T
		err error
	)
	for attempt := 1; ; attempt++ {
		start := time.Now()
		actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		out, err = fn(actx)
		cancel()
		ms := float64(time.Since(start).Milliseconds())

		if err == nil {
			r.metrics.Gateway(op, "ok", ms)
			return out, nil
		}
		if !retryable(ctx, err) {
			r.metrics.Gateway(op, string(fault.KindOf(err)), ms)
			return out, err
		}
		r.metrics.Gateway(op, "transient", ms)
		if attempt >= r.cfg.MaxAttempts {
			break
		}
		pause := bo.Pause()
		r.logger.Warn("gateway call failed, retrying", zap.String("op", op), zap.Int("attempt", attempt),
			zap.Duration("pause", pause), zap.Error(err))
		if serr := r.sleep(ctx, pause); serr != nil {
			return out, serr
		}
	}
	if !fault.IsTransient(err) {
		err = errors.Join(ErrTransient, err)
	}
	return out, err
}

func (r *Retrier) InitPayment(ctx context.Context, req InitRequest) (InitResult, error) {
	return call(r, ctx, "init", func(ctx context.Context) (InitResult, error) { return r.next.InitPayment(ctx, req) })
}

func (r *Retrier) Check3DSVersion(ctx context.Context, paymentID string, card CardData) (ThreeDSInfo, error) {
	return call(r, ctx, "3ds_version", func(ctx context.Context) (ThreeDSInfo, error) {
		return r.next.Check3DSVersion(ctx, paymentID, card)
	})
}

func (r *Retrier) ConfirmPayment(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	return call(r, ctx, "confirm", func(ctx context.Context) (ConfirmResult, error) { return r.next.ConfirmPayment(ctx, req) })
}

func (r *Retrier) GetPaymentStatus(ctx context.Context, paymentID string) (StatusResult, error) {
	return call(r, ctx, "status", func(ctx context.Context) (StatusResult, error) { return r.next.GetPaymentStatus(ctx, paymentID) })
}

func (r *Retrier) Capture(ctx context.Context, paymentID string) (StatusResult, error) {
	return call(r, ctx, "capture", func(ctx context.Context) (StatusResult, error) { return r.next.Capture(ctx, paymentID) })
}

func (r *Retrier) Cancel(ctx context.Context, paymentID string) (StatusResult, error) {
	return call(r, ctx, "cancel", func(ctx context.Context) (StatusResult, error) { return r.next.Cancel(ctx, paymentID) })
}
