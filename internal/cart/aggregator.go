package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
	"github.com/ariefcatur/memorabilia-settlement/internal/delivery"
	"github.com/ariefcatur/memorabilia-settlement/internal/keylock"
	"github.com/ariefcatur/memorabilia-settlement/internal/logging"
	"github.com/ariefcatur/memorabilia-settlement/internal/promo"
)

// PromoValidator is the read-only half of the promo service.
type PromoValidator interface {
	Validate(ctx context.Context, code string, subtotal int64, now time.Time) (promo.Validation, error)
}

type Deps struct {
	Store    Store
	Items    catalog.Reader
	Promo    PromoValidator
	Delivery delivery.Calculator
	Pricing  Pricing
	Locks    *keylock.Map
	Clock    func() time.Time
	IDs      func() string
	Logger   *zap.Logger
}

// Aggregator builds priced, promo-adjusted carts. Mutations of one user's cart are
// serialized on that user's lock.
type Aggregator struct {
	store    Store
	items    catalog.Reader
	promo    PromoValidator
	delivery delivery.Calculator
	pricing  Pricing
	locks    *keylock.Map
	clock    func() time.Time
	newID    func() string
	logger   *zap.Logger
}

func NewAggregator(deps Deps) (*Aggregator, error) {
	if deps.Store == nil || deps.Items == nil || deps.Promo == nil || deps.Delivery == nil {
		return nil, errors.New("cart aggregator: store, items, promo and delivery are required")
	}
	if deps.Pricing.TTL <= 0 || deps.Pricing.PricingTTL <= 0 {
		return nil, errors.New("cart aggregator: pricing ttls must be positive")
	}
	a := &Aggregator{
		store:    deps.Store,
		items:    deps.Items,
		promo:    deps.Promo,
		delivery: deps.Delivery,
		pricing:  deps.Pricing,
		locks:    deps.Locks,
		clock:    deps.Clock,
		newID:    deps.IDs,
		logger:   logging.OrNop(deps.Logger),
	}
	if a.locks == nil {
		a.locks = keylock.New()
	}
	if a.clock == nil {
		a.clock = time.Now
	}
	if a.newID == nil {
		a.newID = uuid.NewString
	}
	return a, nil
}

func (a *Aggregator) now() time.Time { return a.clock().UTC() }

func lockKey(userID string) string { return "cart:" + userID }

func cleanUser(userID string) (string, error) {
	u := strings.TrimSpace(userID)
	if u == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return u, nil
}

// load returns the live cart for userID; expired carts count as missing.
func (a *Aggregator) load(ctx context.Context, userID string, now time.Time) (Cart, error) {
	c, err := a.store.Get(ctx, userID)
	if err != nil {
		return Cart{}, err
	}
	if !now.Before(c.ExpireAt) {
		return Cart{}, ErrCartNotFound
	}
	return c, nil
}

func (a *Aggregator) loadOrNew(ctx context.Context, userID string, now time.Time) (Cart, error) {
	c, err := a.load(ctx, userID, now)
	if errors.Is(err, ErrCartNotFound) {
		return Cart{ID: a.newID(), UserID: userID}, nil
	}
	return c, err
}

// mutate runs fn on the user's cart under the user lock, then recomputes, extends
// expiry and saves.
func (a *Aggregator) mutate(ctx context.Context, userID string, create bool, fn func(c *Cart) error) (Cart, error) {
	userID, err := cleanUser(userID)
	if err != nil {
		return Cart{}, err
	}
	unlock := a.locks.Lock(lockKey(userID))
	defer unlock()

	now := a.now()
	var c Cart
	if create {
		c, err = a.loadOrNew(ctx, userID, now)
	} else {
		c, err = a.load(ctx, userID, now)
	}
	if err != nil {
		return Cart{}, err
	}
	if err := fn(&c); err != nil {
		return Cart{}, err
	}
	if err := a.recompute(ctx, &c, now); err != nil {
		return Cart{}, err
	}
	c.ExpireAt = now.Add(a.pricing.TTL)
	c.UpdatedAt = now
	if err := a.store.Save(ctx, c); err != nil {
		return Cart{}, err
	}
	return c.clone(), nil
}

type AddItemCommand struct {
	UserID string
	ItemID string
	Size   string
	Qty    int
}

// AddItem adds Qty units of a direct-sale item. Adding an existing line increases
// its quantity and keeps the original unit price.
func (a *Aggregator) AddItem(ctx context.Context, cmd AddItemCommand) (Cart, error) {
	if cmd.Qty <= 0 || cmd.Qty > MaxLineQty {
		return Cart{}, fmt.Errorf("%w: qty must be between 1 and %d", ErrInvalidInput, MaxLineQty)
	}
	key, err := catalog.NewKey(cmd.ItemID, cmd.Size)
	if err != nil {
		return Cart{}, err
	}
	item, err := a.items.GetItem(ctx, key.ItemID)
	if err != nil {
		return Cart{}, err
	}
	if !item.SoldDirectly(key.Size) {
		return Cart{}, ErrNotDirectSale
	}
	if !item.HasSize(key.Size) {
		return Cart{}, fmt.Errorf("%w: %s", catalog.ErrUnknownSize, key)
	}
	return a.mutate(ctx, cmd.UserID, true, func(c *Cart) error {
		if i := c.find(key); i >= 0 {
			if c.Lines[i].Qty+cmd.Qty > MaxLineQty {
				return fmt.Errorf("%w: line would exceed %d units", ErrInvalidInput, MaxLineQty)
			}
			c.Lines[i].Qty += cmd.Qty
			return nil
		}
		c.Lines = append(c.Lines, Line{
			ItemID:    key.ItemID,
			Size:      key.Size,
			Name:      item.Name,
			Qty:       cmd.Qty,
			UnitPrice: item.Price,
		})
		return nil
	})
}

func (a *Aggregator) RemoveItem(ctx context.Context, userID, itemID, size string) (Cart, error) {
	return a.SetQuantity(ctx, userID, itemID, size, 0)
}

// SetQuantity replaces a line's quantity; zero removes the line.
func (a *Aggregator) SetQuantity(ctx context.Context, userID, itemID, size string, qty int) (Cart, error) {
	if qty < 0 || qty > MaxLineQty {
		return Cart{}, fmt.Errorf("%w: qty must be between 0 and %d", ErrInvalidInput, MaxLineQty)
	}
	key, err := catalog.NewKey(itemID, size)
	if err != nil {
		return Cart{}, err
	}
	return a.mutate(ctx, userID, false, func(c *Cart) error {
		i := c.find(key)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrLineNotFound, key)
		}
		if qty == 0 {
			c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
			return nil
		}
		c.Lines[i].Qty = qty
		return nil
	})
}

// ApplyPromoCode fails with a promo.ErrInvalid failure when the code does not
// validate against the current subtotal.
func (a *Aggregator) ApplyPromoCode(ctx context.Context, userID, code string) (Cart, error) {
	code = promo.Normalize(code)
	if code == "" {
		return Cart{}, fmt.Errorf("%w: promo code is required", ErrInvalidInput)
	}
	return a.mutate(ctx, userID, false, func(c *Cart) error {
		if _, err := a.promo.Validate(ctx, code, subtotal(c.Lines), a.now()); err != nil {
			return err
		}
		c.PromoCode = code
		return nil
	})
}

func (a *Aggregator) RemovePromoCode(ctx context.Context, userID string) (Cart, error) {
	return a.mutate(ctx, userID, false, func(c *Cart) error {
		c.PromoCode = ""
		return nil
	})
}

func (a *Aggregator) ListTariffs(ctx context.Context, userID, addressID string) ([]delivery.Tariff, error) {
	c, err := a.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return a.delivery.CalculateDelivery(ctx, addressID, c.DeliveryLines())
}

func (a *Aggregator) SelectDelivery(ctx context.Context, userID, addressID, tariffID string) (Cart, error) {
	return a.mutate(ctx, userID, false, func(c *Cart) error {
		sel, err := delivery.Select(ctx, a.delivery, addressID, tariffID, c.DeliveryLines())
		if err != nil {
			return err
		}
		c.Delivery = &sel
		return nil
	})
}

func (a *Aggregator) RecomputeTotals(ctx context.Context, userID string) (Cart, error) {
	return a.mutate(ctx, userID, false, func(*Cart) error { return nil })
}

// Get returns the cart, repricing it first when the last pricing is older than
// the pricing TTL. Reads never extend expiry.
func (a *Aggregator) Get(ctx context.Context, userID string) (Cart, error) {
	userID, err := cleanUser(userID)
	if err != nil {
		return Cart{}, err
	}
	now := a.now()
	c, err := a.load(ctx, userID, now)
	if err != nil {
		return Cart{}, err
	}
	if now.Sub(c.PricedAt) < a.pricing.PricingTTL {
		return c, nil
	}
	return a.reprice(ctx, userID)
}

// Snapshot reprices unconditionally and returns a frozen copy for checkout.
func (a *Aggregator) Snapshot(ctx context.Context, userID string) (Cart, error) {
	c, err := a.reprice(ctx, userID)
	if err != nil {
		return Cart{}, err
	}
	if len(c.Lines) == 0 {
		return Cart{}, ErrEmptyCart
	}
	return c, nil
}

func (a *Aggregator) reprice(ctx context.Context, userID string) (Cart, error) {
	userID, err := cleanUser(userID)
	if err != nil {
		return Cart{}, err
	}
	unlock := a.locks.Lock(lockKey(userID))
	defer unlock()

	now := a.now()
	c, err := a.load(ctx, userID, now)
	if err != nil {
		return Cart{}, err
	}
	if err := a.recompute(ctx, &c, now); err != nil {
		return Cart{}, err
	}
	if err := a.store.Save(ctx, c); err != nil {
		return Cart{}, err
	}
	return c.clone(), nil
}

func (a *Aggregator) Delete(ctx context.Context, userID string) error {
	userID, err := cleanUser(userID)
	if err != nil {
		return err
	}
	unlock := a.locks.Lock(lockKey(userID))
	defer unlock()
	return a.store.Delete(ctx, userID)
}

// Discard deletes the user's cart only if it is still the cart with cartID, so a
// cart started after checkout survives the order's capture.
func (a *Aggregator) Discard(ctx context.Context, userID, cartID string) error {
	userID, err := cleanUser(userID)
	if err != nil {
		return err
	}
	unlock := a.locks.Lock(lockKey(userID))
	defer unlock()
	c, err := a.store.Get(ctx, userID)
	if errors.Is(err, ErrCartNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.ID != cartID {
		return nil
	}
	return a.store.Delete(ctx, userID)
}

// Sweep deletes carts past their expiry. No stock is released: carts never hold any.
func (a *Aggregator) Sweep(ctx context.Context) (int, error) {
	now := a.now()
	users, err := a.store.ListExpired(ctx, now, 500)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, u := range users {
		unlock := a.locks.Lock(lockKey(u))
		c, err := a.store.Get(ctx, u)
		switch {
		case errors.Is(err, ErrCartNotFound):
			err = a.store.Delete(ctx, u)
		case err == nil && !now.Before(c.ExpireAt):
			err = a.store.Delete(ctx, u)
			if err == nil {
				n++
			}
		}
		unlock()
		if err != nil {
			a.logger.Warn("cart sweep failed", zap.String("user_id", u), zap.Error(err))
		}
	}
	if n > 0 {
		a.logger.Info("expired carts swept", zap.Int("count", n))
	}
	return n, nil
}

func (a *Aggregator) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := a.Sweep(ctx); err != nil {
				a.logger.Error("cart sweep pass failed", zap.Error(err))
			}
		}
	}
}

func subtotal(lines []Line) int64 {
	var s int64
	for _, l := range lines {
		s += l.UnitPrice * int64(l.Qty)
	}
	return s
}

// recompute applies the totals formula. A promo code or delivery selection that no
// longer applies is dropped and explained in Notices.
func (a *Aggregator) recompute(ctx context.Context, c *Cart, now time.Time) error {
	c.Notices = nil
	t := Totals{Subtotal: subtotal(c.Lines)}
	t.ServiceFee = a.pricing.ServiceFee(t.Subtotal)

	if c.Delivery != nil {
		sel, err := delivery.Select(ctx, a.delivery, c.Delivery.AddressID, c.Delivery.TariffID, c.DeliveryLines())
		switch {
		case err == nil:
			c.Delivery = &sel
			t.Shipping = sel.Price
		case errors.Is(err, delivery.ErrNoItems), errors.Is(err, delivery.ErrUnknownTariff):
			c.Notices = append(c.Notices, "delivery selection cleared: "+err.Error())
			c.Delivery = nil
		default:
			return err
		}
	}

	if c.PromoCode != "" {
		v, err := a.promo.Validate(ctx, c.PromoCode, t.Subtotal, now)
		switch {
		case err == nil:
			t.Discount = v.Discount
		case errors.Is(err, promo.ErrInvalid):
			c.Notices = append(c.Notices, fmt.Sprintf("promo code %s removed: %v", c.PromoCode, err))
			a.logger.Info("promo dropped from cart", zap.String("user_id", c.UserID),
				zap.String("code", c.PromoCode), zap.Error(err))
			c.PromoCode = ""
		default:
			return err
		}
	}

	t.Total = t.Subtotal + t.ServiceFee + t.Shipping - t.Discount
	if t.Total < 0 {
		t.Total = 0
	}
	c.Totals = t
	c.PricedAt = now
	return nil
}
