package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/memorabilia-settlement/internal/auction"
	"github.com/ariefcatur/memorabilia-settlement/internal/cart"
	"github.com/ariefcatur/memorabilia-settlement/internal/catalog"
	"github.com/ariefcatur/memorabilia-settlement/internal/checkout"
	"github.com/ariefcatur/memorabilia-settlement/internal/config"
	"github.com/ariefcatur/memorabilia-settlement/internal/delivery"
	"github.com/ariefcatur/memorabilia-settlement/internal/httpx"
	kafkax "github.com/ariefcatur/memorabilia-settlement/internal/kafka"
	"github.com/ariefcatur/memorabilia-settlement/internal/keylock"
	"github.com/ariefcatur/memorabilia-settlement/internal/logging"
	"github.com/ariefcatur/memorabilia-settlement/internal/metrics"
	"github.com/ariefcatur/memorabilia-settlement/internal/notify"
	"github.com/ariefcatur/memorabilia-settlement/internal/orders"
	"github.com/ariefcatur/memorabilia-settlement/internal/payment"
	"github.com/ariefcatur/memorabilia-settlement/internal/postgres"
	"github.com/ariefcatur/memorabilia-settlement/internal/promo"
	"github.com/ariefcatur/memorabilia-settlement/internal/redisx"
	"github.com/ariefcatur/memorabilia-settlement/internal/stock"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.Options{MaxConns: int32(cfg.PostgresPool)})
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		logger.Fatal("db migrate", zap.Error(err))
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		logger.Fatal("redis", zap.Error(err))
	}

	// Kafka producer, stopped after the HTTP server and loops have drained
	prodCtx, stopProducer := context.WithCancel(context.Background())
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	prod.Start(prodCtx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	dispatcher := notify.NewKafkaDispatcher(prod, cfg.ServiceName, logger, m)
	locks := keylock.New()
	items := &catalog.PGStore{DB: db}
	calc := delivery.StaticCalculator{Rates: delivery.DefaultRates()}
	pricing := cart.Pricing{
		TTL:        cfg.Cart.TTL,
		PricingTTL: cfg.Cart.PricingTTL,
		FeeFixed:   cfg.Cart.FeeFixed,
		FeeBPS:     cfg.Cart.FeeBPS,
	}

	ledger, err := stock.NewLedger(stock.LedgerDeps{Store: &stock.PGStore{DB: db}, Locks: locks, Logger: logger, Metrics: m})
	if err != nil {
		logger.Fatal("stock ledger", zap.Error(err))
	}
	promos := promo.NewService(&promo.PGStore{DB: db}, logger)
	carts, err := cart.NewAggregator(cart.Deps{
		Store:    &cart.RedisStore{Client: rdb},
		Items:    items,
		Promo:    promos,
		Delivery: calc,
		Pricing:  pricing,
		Locks:    locks,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("cart aggregator", zap.Error(err))
	}
	book, err := auction.NewBook(auction.BookDeps{
		Store:    &auction.PGStore{DB: db},
		Items:    items,
		Locks:    locks,
		Notifier: dispatcher,
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		logger.Fatal("auction book", zap.Error(err))
	}
	gateway, err := newGateway(cfg.Gateway, logger, m)
	if err != nil {
		logger.Fatal("payment gateway", zap.Error(err))
	}
	co, err := checkout.New(checkout.Deps{
		Orders:   &orders.PGStore{DB: db},
		Carts:    carts,
		Stock:    ledger,
		Gateway:  gateway,
		Promos:   promos,
		Bids:     book,
		Slots:    items,
		Delivery: calc,
		Notifier: dispatcher,
		Locks:    locks,
		Config: checkout.Config{
			MaxDuration:        cfg.Checkout.MaxDuration,
			ThreeDSDeadline:    cfg.Checkout.ThreeDSDeadline,
			MaxConfirmAttempts: cfg.Checkout.MaxConfirmAttempts,
			AuctionGrace:       cfg.Auction.Grace,
			Currency:           cfg.Checkout.Currency,
			Pricing:            pricing,
		},
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		logger.Fatal("checkout", zap.Error(err))
	}
	book.SetWinnerSink(co)
	closer := &auction.Closer{Book: book, Source: items, Logger: logger}

	router := httpx.NewRouter(httpx.RouterOptions{Logger: logger, Metrics: m, Gatherer: reg})
	(&httpx.AuctionHandler{Book: book}).Register(router)
	(&httpx.CartHandler{Carts: carts, Promo: promos}).Register(router)
	(&httpx.OrdersHandler{
		Checkout: co,
		Payments: gateway,
		Idem:     redisx.IdemCache{Client: rdb},
		Logger:   logger,
	}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return closer.Run(gctx, cfg.Auction.CloseInterval) })
	g.Go(func() error { return carts.RunSweeper(gctx, cfg.Cart.SweepInterval) })
	g.Go(func() error { return co.Run(gctx, cfg.Checkout.ReconcileInterval) })

	if err := g.Wait(); err != nil {
		logger.Error("shutting down with error", zap.Error(err))
	}
	logger.Info("shutting down...")
	prod.Close()
	stopProducer()
	prod.WaitClosed()
}

// newGateway uses Stripe when an API key is configured and the sandbox otherwise.
// Either way calls go through the retrier.
func newGateway(cfg config.GatewayConfig, logger *zap.Logger, m *metrics.Metrics) (payment.Gateway, error) {
	var next payment.Gateway
	if cfg.StripeAPIKey != "" {
		sg, err := payment.NewStripeGateway(payment.StripeConfig{
			APIKey:    cfg.StripeAPIKey,
			ReturnURL: cfg.ReturnURL,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		next = sg
	} else {
		logger.Warn("STRIPE_API_KEY not set, using sandbox payment gateway")
		next = payment.NewSandbox()
	}
	return payment.NewRetrier(next, payment.RetryConfig{
		Timeout:        cfg.Timeout,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}, logger, m), nil
}
