package kafka

import (
	"context"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/memorabilia-settlement/internal/logging"
)

// Handler returns nil only when the message is processed and its offset may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type ConsumerOptions struct {
	Workers int
	// Attempts bounds handler retries per message. After the last failure the
	// message is logged and committed so one poison message cannot stall a partition.
	Attempts int
	Backoff  gax.Backoff
}

type Consumer struct {
	r      *kafka.Reader
	opts   ConsumerOptions
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewConsumer(brokers []string, group string, topics []string, opts ConsumerOptions, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = gax.Backoff{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2}
	}
	return &Consumer{r: r, opts: opts, logger: logging.OrNop(logger), sleep: gax.Sleep}
}

// Start fetches until ctx is cancelled, fanning messages out to the worker pool.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make(chan kafka.Message, 1024)
	var workers errgroup.Group
	for i := 0; i < c.opts.Workers; i++ {
		workers.Go(func() error {
			for m := range jobs {
				c.process(ctx, h, m)
			}
			return nil
		})
	}
	defer func() { _ = workers.Wait() }()
	defer close(jobs)

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) {
	bo := c.opts.Backoff
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			break
		}
		if attempt >= c.opts.Attempts || ctx.Err() != nil {
			c.logger.Error("message handling failed, skipping",
				zap.String("topic", m.Topic), zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset), zap.Int("attempts", attempt), zap.Error(err))
			break
		}
		c.logger.Warn("message handling failed, retrying",
			zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Int("attempt", attempt), zap.Error(err))
		if serr := c.sleep(ctx, bo.Pause()); serr != nil {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	if err := c.r.CommitMessages(ctx, m); err != nil {
		c.logger.Warn("offset commit failed", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
	}
}
