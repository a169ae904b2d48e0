package stock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
)

var (
	keyM = catalog.Key{ItemID: "jersey-23", Size: "M"}
	keyL = catalog.Key{ItemID: "jersey-23", Size: "L"}
)

func newTestLedger(t *testing.T, stock map[catalog.Key]int) *Ledger {
	t.Helper()
	store := NewMemoryStore()
	for k, n := range stock {
		require.NoError(t, store.SetStock(context.Background(), k, n))
	}
	var seq int64
	l, err := NewLedger(LedgerDeps{
		Store:       store,
		Clock:       func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) },
		TokenSource: func() string { return fmt.Sprintf("rt_%d", atomic.AddInt64(&seq, 1)) },
	})
	require.NoError(t, err)
	return l
}

func available(t *testing.T, l *Ledger, k catalog.Key) int {
	t.Helper()
	n, err := l.Available(context.Background(), k)
	require.NoError(t, err)
	return n
}

func TestReserveReleaseReserveRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, map[catalog.Key]int{keyM: 5})

	r1, err := l.Reserve(ctx, ReserveCommand{OrderID: "o1", Key: keyM, Qty: 3})
	require.NoError(t, err)
	require.Equal(t, 2, available(t, l, keyM))

	_, err = l.Release(ctx, r1.Token, "cancelled")
	require.NoError(t, err)
	require.Equal(t, 5, available(t, l, keyM))

	_, err = l.Reserve(ctx, ReserveCommand{OrderID: "o2", Key: keyM, Qty: 3})
	require.NoError(t, err)
	require.Equal(t, 2, available(t, l, keyM))
}

func TestCommitAndReleaseAreIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, map[catalog.Key]int{keyM: 2, keyL: 2})

	committed, err := l.Reserve(ctx, ReserveCommand{OrderID: "o1", Key: keyM, Qty: 1})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		r, err := l.Commit(ctx, committed.Token)
		require.NoError(t, err)
		require.Equal(t, StatusCommitted, r.Status)
	}
	require.Equal(t, 1, available(t, l, keyM))

	released, err := l.Reserve(ctx, ReserveCommand{OrderID: "o2", Key: keyL, Qty: 2})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Release(ctx, released.Token, "failed")
		require.NoError(t, err)
	}
	require.Equal(t, 2, available(t, l, keyL))

	_, err = l.Release(ctx, committed.Token, "late")
	require.True(t, errors.Is(err, ErrInvalidState))
	_, err = l.Commit(ctx, released.Token)
	require.True(t, errors.Is(err, ErrInvalidState))
	require.Equal(t, 1, available(t, l, keyM))
	require.Equal(t, 2, available(t, l, keyL))
}

func TestReplayedTokenDoesNotDoubleDecrement(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, map[catalog.Key]int{keyM: 3})

	for i := 0; i < 2; i++ {
		_, err := l.Reserve(ctx, ReserveCommand{OrderID: "o1", Key: keyM, Qty: 2, Token: "rt_fixed"})
		require.NoError(t, err)
	}
	require.Equal(t, 1, available(t, l, keyM))
}

func TestTwoConcurrentReservationsForLastUnit(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, map[catalog.Key]int{keyM: 1})

	results := make([]error, 2)
	var g errgroup.Group
	for i := range results {
		i := i
		g.Go(func() error {
			_, results[i] = l.Reserve(ctx, ReserveCommand{OrderID: fmt.Sprintf("o%d", i), Key: keyM, Qty: 1})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok, short int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientStock):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, short)
	require.Equal(t, 0, available(t, l, keyM))
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	ctx := context.Background()
	const initial = 20
	l := newTestLedger(t, map[catalog.Key]int{keyM: initial})

	var committed int64
	var g errgroup.Group
	for i := 0; i < 100; i++ {
		i := i
		g.Go(func() error {
			r, err := l.Reserve(ctx, ReserveCommand{OrderID: fmt.Sprintf("o%d", i), Key: keyM, Qty: 1})
			if errors.Is(err, ErrInsufficientStock) {
				return nil
			}
			if err != nil {
				return err
			}
			if i%3 == 0 {
				_, err = l.Release(ctx, r.Token, "abandoned")
				return err
			}
			if _, err := l.Commit(ctx, r.Token); err != nil {
				return err
			}
			atomic.AddInt64(&committed, 1)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	left := available(t, l, keyM)
	require.GreaterOrEqual(t, left, 0)
	require.Equal(t, initial-int(committed), left)
}

func TestReserveAllIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, map[catalog.Key]int{keyM: 2, keyL: 0})

	_, err := l.ReserveAll(ctx, "o1", []Line{{Key: keyM, Qty: 1}, {Key: keyL, Qty: 1}, {Key: keyM, Qty: 1}})
	var short *InsufficientStockError
	require.True(t, errors.As(err, &short))
	require.Equal(t, keyL, short.Key)
	require.Equal(t, 1, short.Requested)
	require.Equal(t, 0, short.Available)
	require.Equal(t, 2, available(t, l, keyM))

	held, err := l.ReserveAll(ctx, "o2", []Line{{Key: keyM, Qty: 1}, {Key: keyM, Qty: 1}})
	require.NoError(t, err)
	require.Len(t, held, 1)
	require.Equal(t, 2, held[0].Qty)
}

func TestListStale(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, map[catalog.Key]int{keyM: 3})
	r, err := l.Reserve(ctx, ReserveCommand{OrderID: "o1", Key: keyM, Qty: 1})
	require.NoError(t, err)

	stale, err := l.ListStale(ctx, r.CreatedAt.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	stale, err = l.ListStale(ctx, r.CreatedAt, 10)
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestReserveValidatesInput(t *testing.T) {
	l := newTestLedger(t, nil)
	_, err := l.Reserve(context.Background(), ReserveCommand{OrderID: "o1", Key: keyM, Qty: 0})
	require.True(t, errors.Is(err, ErrInvalidInput))
	_, err = l.Commit(context.Background(), " ")
	require.True(t, errors.Is(err, ErrInvalidInput))
}
