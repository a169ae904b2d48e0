package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/memorabilia-settlement/internal/config"
	kafkax "github.com/ariefcatur/memorabilia-settlement/internal/kafka"
	"github.com/ariefcatur/memorabilia-settlement/internal/logging"
	"github.com/ariefcatur/memorabilia-settlement/internal/notify"
	"github.com/ariefcatur/memorabilia-settlement/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	service := cfg.ServiceName + "-notifier"

	logger, err := logging.New(service, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		logger.Fatal("redis", zap.Error(err))
	}

	handler := &notify.Consumer{
		Dedup:  redisx.Deduper{Client: rdb, Service: service},
		Sink:   notify.LogSink{Logger: logger},
		Logger: logger,
	}

	topics := notify.Topics()
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifierGroup, topics, kafkax.ConsumerOptions{Workers: cfg.NotifierWorkers}, logger)
	logger.Info("notifier consumer started",
		zap.String("group", cfg.NotifierGroup), zap.Strings("topics", topics), zap.Int("workers", cfg.NotifierWorkers))
	if err := cons.Start(ctx, handler.Handle); err != nil {
		logger.Error("consumer exit", zap.Error(err))
	}
	logger.Info("shutting down consumer...")
}
