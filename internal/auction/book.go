package auction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
	"github.com/ariefcatur/memorabilia-settlement/internal/keylock"
	"github.com/ariefcatur/memorabilia-settlement/internal/logging"
	"github.com/ariefcatur/memorabilia-settlement/internal/metrics"
	"github.com/ariefcatur/memorabilia-settlement/internal/notify"
)

// Win is the winning bid handed to checkout when a slot closes.
type Win struct {
	BidID    string
	UserID   string
	Key      catalog.Key
	Price    int64
	ClosedAt time.Time
}

// WinnerSink receives closed-auction winners. AcceptWin must be idempotent per BidID.
type WinnerSink interface {
	AcceptWin(ctx context.Context, w Win) error
}

type PlaceBidCommand struct {
	ItemID string
	Size   string
	UserID string
	Price  int64
}

type PlaceBidResult struct {
	Bid      Bid
	Previous *Bid
}

type BookDeps struct {
	Store    Store
	Items    catalog.Reader
	Locks    *keylock.Map
	Notifier notify.Dispatcher
	Winners  WinnerSink
	Clock    func() time.Time
	IDs      func() string
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Book keeps the ordered bids of every (item, size) slot. Mutations of one slot are
// linearized by the slot lock; distinct slots proceed in parallel.
type Book struct {
	store    Store
	items    catalog.Reader
	locks    *keylock.Map
	notifier notify.Dispatcher
	winners  WinnerSink
	clock    func() time.Time
	newID    func() string
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewBook(deps BookDeps) (*Book, error) {
	if deps.Store == nil {
		return nil, errors.New("auction book: store is required")
	}
	if deps.Items == nil {
		return nil, errors.New("auction book: item reader is required")
	}
	b := &Book{
		store:    deps.Store,
		items:    deps.Items,
		locks:    deps.Locks,
		notifier: deps.Notifier,
		winners:  deps.Winners,
		clock:    deps.Clock,
		newID:    deps.IDs,
		logger:   logging.OrNop(deps.Logger),
		metrics:  deps.Metrics,
	}
	if b.locks == nil {
		b.locks = keylock.New()
	}
	if b.notifier == nil {
		b.notifier = notify.Nop{}
	}
	if b.clock == nil {
		b.clock = time.Now
	}
	if b.newID == nil {
		b.newID = uuid.NewString
	}
	return b, nil
}

// SetWinnerSink wires the checkout side after construction.
func (b *Book) SetWinnerSink(w WinnerSink) { b.winners = w }

// PlaceBid fails with ErrInvalidInput, ErrNotBiddable, catalog.ErrItemNotFound,
// catalog.ErrInvalidSize, catalog.ErrUnknownSize, ErrOutOfWindow or ErrPriceTooLow.
func (b *Book) PlaceBid(ctx context.Context, cmd PlaceBidCommand) (PlaceBidResult, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return PlaceBidResult{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if cmd.Price <= 0 {
		return PlaceBidResult{}, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	key, err := catalog.NewKey(cmd.ItemID, cmd.Size)
	if err != nil {
		return PlaceBidResult{}, err
	}
	item, err := b.items.GetItem(ctx, key.ItemID)
	if err != nil {
		return PlaceBidResult{}, err
	}
	if item.SalesMethod != catalog.SalesBidding {
		return PlaceBidResult{}, ErrNotBiddable
	}
	if !item.HasSize(key.Size) {
		return PlaceBidResult{}, fmt.Errorf("%w: %s", catalog.ErrUnknownSize, key)
	}

	unlock := b.locks.Lock(key.String())
	defer unlock()

	now := b.clock().UTC()
	if !item.InWindow(now) {
		b.metrics.Bid("out_of_window")
		return PlaceBidResult{}, fmt.Errorf("%w: window [%s, %s)", ErrOutOfWindow,
			item.StartAt.Format(time.RFC3339), item.EndAt.Format(time.RFC3339))
	}

	bid := Bid{
		ID:        b.newID(),
		ItemID:    key.ItemID,
		Size:      key.Size,
		UserID:    userID,
		Price:     cmd.Price,
		CreatedAt: now,
		Status:    BidActive,
	}
	prev, err := b.store.Accept(ctx, bid, item.Price)
	if err != nil {
		switch {
		case errors.Is(err, ErrPriceTooLow):
			b.metrics.Bid("price_too_low")
		case errors.Is(err, ErrOutOfWindow):
			b.metrics.Bid("out_of_window")
		}
		return PlaceBidResult{}, err
	}
	b.metrics.Bid("accepted")
	b.logger.Info("bid accepted", zap.String("bid_id", bid.ID), zap.String("key", key.String()),
		zap.String("user_id", userID), zap.Int64("price", bid.Price))

	if prev != nil && prev.UserID != userID {
		b.notifier.Dispatch(ctx, notify.Event{
			Type:   notify.TypeBidOutbid,
			UserID: prev.UserID,
			ItemID: key.ItemID,
			Size:   key.Size,
			BidID:  prev.ID,
			Price:  bid.Price,
		})
	}
	return PlaceBidResult{Bid: bid, Previous: prev}, nil
}

func (b *Book) Highest(ctx context.Context, itemID, size string) (Bid, bool, error) {
	key, err := catalog.NewKey(itemID, size)
	if err != nil {
		return Bid{}, false, err
	}
	return b.store.Highest(ctx, key)
}

func (b *Book) ListBids(ctx context.Context, itemID, size string) ([]Bid, error) {
	key, err := catalog.NewKey(itemID, size)
	if err != nil {
		return nil, err
	}
	return b.store.List(ctx, key)
}

// CloseItem closes every size of an ended auction. It is safe to call repeatedly:
// notifications go out only on the call that closes a slot, and the hand-off to
// the winner sink is retried until it succeeds.
func (b *Book) CloseItem(ctx context.Context, itemID string) error {
	item, err := b.items.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	now := b.clock().UTC()
	if now.Before(item.EndAt) {
		return ErrAuctionOpen
	}
	var errs []error
	for _, size := range item.Sizes {
		if err := b.closeSlot(ctx, catalog.Key{ItemID: item.ID, Size: size}, now); err != nil {
			errs = append(errs, fmt.Errorf("close %s/%s: %w", item.ID, size, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Book) closeSlot(ctx context.Context, key catalog.Key, now time.Time) error {
	unlock := b.locks.Lock(key.String())
	closure, newly, err := b.store.Close(ctx, key, now)
	unlock()
	if err != nil {
		return err
	}

	if newly {
		b.announce(ctx, closure)
	}
	if closure.Winner == nil || closure.HandedOff {
		return nil
	}
	if b.winners == nil {
		return errors.New("auction book: no winner sink configured")
	}
	w := closure.Winner
	if err := b.winners.AcceptWin(ctx, Win{
		BidID:    w.ID,
		UserID:   w.UserID,
		Key:      key,
		Price:    w.Price,
		ClosedAt: closure.ClosedAt,
	}); err != nil {
		return fmt.Errorf("hand off win %s: %w", w.ID, err)
	}
	return b.store.MarkHandedOff(ctx, key)
}

func (b *Book) announce(ctx context.Context, c Closure) {
	winner := ""
	if c.Winner != nil {
		winner = c.Winner.UserID
		b.logger.Info("auction closed", zap.String("key", c.Key.String()),
			zap.String("winner", winner), zap.Int64("price", c.Winner.Price))
		b.notifier.Dispatch(ctx, notify.Event{
			Type:   notify.TypeAuctionWon,
			UserID: winner,
			ItemID: c.Key.ItemID,
			Size:   c.Key.Size,
			BidID:  c.Winner.ID,
			Price:  c.Winner.Price,
		})
	} else {
		b.logger.Info("auction closed without bids", zap.String("key", c.Key.String()))
	}
	for _, u := range c.Participants {
		if u == winner {
			continue
		}
		e := notify.Event{Type: notify.TypeAuctionLost, UserID: u, ItemID: c.Key.ItemID, Size: c.Key.Size}
		if c.Winner != nil {
			e.Price = c.Winner.Price
		}
		b.notifier.Dispatch(ctx, e)
	}
}

// VoidBid voids a won bid whose winner did not pay in time. Voiding twice is a no-op.
func (b *Book) VoidBid(ctx context.Context, bidID string) error {
	bid, err := b.store.GetBid(ctx, bidID)
	if err != nil {
		return err
	}
	unlock := b.locks.Lock(bid.Key().String())
	defer unlock()
	if _, err := b.store.SetStatus(ctx, bidID, BidWon, BidVoid); err != nil {
		return err
	}
	b.logger.Info("winning bid voided", zap.String("bid_id", bidID), zap.String("key", bid.Key().String()))
	return nil
}
