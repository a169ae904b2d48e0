package promo

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/memorabilia-settlement/internal/fault"
)

var (
	validFrom  = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	validUntil = time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	midYear    = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		code     Code
		subtotal int64
		now      time.Time
		want     int64
		wantErr  error
	}{
		{
			name: "percent rounds down", subtotal: 999, now: midYear, want: 99,
			code: Code{Kind: KindPercent, Value: 10, ValidFrom: validFrom},
		},
		{
			name: "amount capped at subtotal", subtotal: 300, now: midYear, want: 300,
			code: Code{Kind: KindAmount, Value: 500, ValidFrom: validFrom},
		},
		{
			name: "not yet valid", subtotal: 1000, now: validFrom.Add(-time.Second), wantErr: ErrNotYetValid,
			code: Code{Kind: KindAmount, Value: 100, ValidFrom: validFrom},
		},
		{
			name: "expired at valid until", subtotal: 1000, now: validUntil, wantErr: ErrExpired,
			code: Code{Kind: KindAmount, Value: 100, ValidFrom: validFrom, ValidUntil: &validUntil},
		},
		{
			name: "usage exhausted", subtotal: 1000, now: midYear, wantErr: ErrUsageExhausted,
			code: Code{Kind: KindAmount, Value: 100, ValidFrom: validFrom, ValidUntil: &validUntil, MaxUses: 1, CurrentUses: 1},
		},
		{
			name: "below minimum", subtotal: 999, now: midYear, wantErr: ErrBelowMinimum,
			code: Code{Kind: KindAmount, Value: 100, ValidFrom: validFrom, MinOrder: 1000},
		},
		{
			name: "zero max uses is unlimited", subtotal: 1000, now: midYear, want: 100,
			code: Code{Kind: KindAmount, Value: 100, ValidFrom: validFrom, CurrentUses: 1_000_000},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.code, tt.subtotal, tt.now)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.ErrorIs(t, err, ErrInvalid)
				assert.Equal(t, fault.KindConflict, fault.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateRejectsExhaustedCodeInsideWindow(t *testing.T) {
	svc := NewService(NewMemoryStore(Code{
		Code: "final50", Kind: KindAmount, Value: 50, ValidFrom: validFrom, ValidUntil: &validUntil,
		MaxUses: 1, CurrentUses: 1,
	}), nil)
	_, err := svc.Validate(context.Background(), "FINAL50", 5000, midYear)
	require.ErrorIs(t, err, ErrUsageExhausted)
}

func TestValidateUnknownCode(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	_, err := svc.Validate(context.Background(), "nope", 5000, midYear)
	require.ErrorIs(t, err, ErrUnknown)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestValidateDoesNotConsumeUses(t *testing.T) {
	store := NewMemoryStore(Code{Code: "TEN", Kind: KindPercent, Value: 10, ValidFrom: validFrom, MaxUses: 1})
	svc := NewService(store, nil)
	for i := 0; i < 3; i++ {
		v, err := svc.Validate(context.Background(), " ten ", 2000, midYear)
		require.NoError(t, err)
		require.Equal(t, int64(200), v.Discount)
	}
	c, err := store.Get(context.Background(), "TEN")
	require.NoError(t, err)
	require.Zero(t, c.CurrentUses)
}

func TestActivateOncePerOrder(t *testing.T) {
	store := NewMemoryStore(Code{Code: "TEN", Kind: KindPercent, Value: 10, ValidFrom: validFrom, MaxUses: 2})
	svc := NewService(store, nil)
	ctx := context.Background()

	require.NoError(t, svc.Activate(ctx, "TEN", "ord-1", midYear))
	require.NoError(t, svc.Activate(ctx, "TEN", "ord-1", midYear))
	c, _ := store.Get(ctx, "TEN")
	require.Equal(t, 1, c.CurrentUses)

	require.NoError(t, svc.Activate(ctx, "TEN", "ord-2", midYear))
	require.ErrorIs(t, svc.Activate(ctx, "TEN", "ord-3", midYear), ErrUsageExhausted)
}

func TestConcurrentActivationRespectsCap(t *testing.T) {
	store := NewMemoryStore(Code{Code: "DROP", Kind: KindAmount, Value: 100, ValidFrom: validFrom, MaxUses: 5})
	svc := NewService(store, nil)

	var ok int64
	var g errgroup.Group
	for i := 0; i < 40; i++ {
		order := fmt.Sprintf("ord-%d", i)
		g.Go(func() error {
			if err := svc.Activate(context.Background(), "DROP", order, midYear); err == nil {
				atomic.AddInt64(&ok, 1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(5), ok)
}

func TestPutValidates(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	err := svc.Put(context.Background(), Code{Code: "BAD", Kind: KindPercent, Value: 150, ValidFrom: validFrom})
	require.Equal(t, fault.KindValidation, fault.KindOf(err))
	require.NoError(t, svc.Put(context.Background(), Code{Code: "ok5", Kind: KindPercent, Value: 5, ValidFrom: validFrom}))
}
