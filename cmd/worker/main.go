package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/config"
	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payments"
	"github.com/ariefcatur/go-order-fulfillment/internal/postgres"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/ariefcatur/go-order-fulfillment/internal/retry"
	"github.com/ariefcatur/go-order-fulfillment/internal/stripex"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// The worker runs the abandoned payment sweep and delivers notifications
// from the notification topic.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	cfg.ServiceName += "-worker"
	logger, err := cfg.Logger()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolConfig{MaxConns: cfg.PostgresMaxConns, MinConns: cfg.PostgresMinConns})
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, cfg.NotificationTopic, cfg.ProducerBuffer, logger)
	prod.Start(ctx)
	sink := notify.Fanout{
		&notify.KafkaSink{Producer: prod, Service: cfg.ServiceName, Logger: logger},
		&redisx.StatusCache{RDB: rdb, Logger: logger},
	}

	st := &postgres.Store{DB: db}
	ledger := inventory.NewLedger(st, sink, logger)
	machine := orders.NewMachine(st, ledger, sink, logger)
	rec := payments.NewReconciler(st, stripex.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret), machine, sink,
		payments.WithCaller(retry.New(
			retry.WithAttempts(cfg.GatewayAttempts),
			retry.WithBaseDelay(cfg.GatewayBaseDelay),
			retry.WithLogger(logger),
		)),
		payments.WithCurrency(cfg.Currency),
		payments.WithAbandonAfter(cfg.PaymentAbandonAfter),
		payments.WithLogger(logger),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweepLoop(ctx, rdb, rec, cfg.ExpirySweepInterval, logger)
	}()

	// Consumer
	delivery := &notify.Delivery{
		Dedup:  &redisx.Deduper{RDB: rdb, Service: cfg.ServiceName},
		Out:    notify.LogSink{Logger: logger},
		Logger: logger,
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotificationGroup, cfg.NotificationTopic, cfg.NotificationWorkers, logger)
	go func() {
		defer wg.Done()
		logger.Info("notification consumer started",
			zap.String("group", cfg.NotificationGroup),
			zap.String("topic", cfg.NotificationTopic),
			zap.Int("workers", cfg.NotificationWorkers))
		if err := cons.Start(ctx, delivery.HandleMessage); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("shutting down worker")
	prod.Close()
	cancel()
	wg.Wait()
	prod.WaitClosed()
}

// sweepLockTTL bounds how long a crashed worker blocks other replicas. The
// lock is renewed while a sweep runs.
const sweepLockTTL = time.Minute

// sweepLoop runs ExpireAbandonedPayments every interval. Replicas share a
// redis lock so one sweep runs at a time.
func sweepLoop(ctx context.Context, rdb *redis.Client, rec *payments.Reconciler, every time.Duration, logger *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		sweep(ctx, rdb, rec, logger)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func sweep(ctx context.Context, rdb *redis.Client, rec *payments.Reconciler, logger *zap.Logger) {
	held, release, err := redisx.HoldLock(ctx, rdb, redisx.KeyExpiryLock, sweepLockTTL)
	if errors.Is(err, redisx.ErrLockHeld) {
		logger.Debug("expiry sweep running elsewhere")
		return
	}
	if err != nil {
		logger.Warn("expiry lock", zap.Error(err))
		return
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			logger.Warn("expiry lock release", zap.Error(err))
		}
	}()

	n, err := rec.ExpireAbandonedPayments(held)
	if err != nil {
		logger.Warn("expiry sweep interrupted", zap.Int("expired", n), zap.Error(err))
		return
	}
	logger.Info("expiry sweep done", zap.Int("expired", n))
}
