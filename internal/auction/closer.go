package auction

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
	"github.com/ariefcatur/memorabilia-settlement/internal/logging"
)

const closeBatch = 100

// Closer periodically closes auctions whose window has ended.
type Closer struct {
	Book   *Book
	Source catalog.AuctionSource
	Clock  func() time.Time
	Logger *zap.Logger
}

// RunOnce closes one batch and returns how many items were fully closed.
func (c *Closer) RunOnce(ctx context.Context) (int, error) {
	logger := logging.OrNop(c.Logger)
	clock := c.Clock
	if clock == nil {
		clock = time.Now
	}
	items, err := c.Source.ListEndedAuctions(ctx, clock().UTC(), closeBatch)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, it := range items {
		if err := c.Book.CloseItem(ctx, it.ID); err != nil {
			logger.Warn("auction close incomplete, will retry", zap.String("item_id", it.ID), zap.Error(err))
			continue
		}
		if err := c.Source.MarkClosed(ctx, it.ID, clock().UTC()); err != nil {
			logger.Warn("mark auction closed failed", zap.String("item_id", it.ID), zap.Error(err))
			continue
		}
		closed++
	}
	return closed, nil
}

func (c *Closer) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := c.RunOnce(ctx); err != nil {
			logging.OrNop(c.Logger).Error("auction closer pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
