package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/checkout"
	"github.com/ariefcatur/go-order-fulfillment/internal/config"
	"github.com/ariefcatur/go-order-fulfillment/internal/httpx"
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
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
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
	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			logger.Fatal("db migrate", zap.Error(err))
		}
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer for notifications
	prod := kafkax.NewProducer(cfg.KafkaBrokers, cfg.NotificationTopic, cfg.ProducerBuffer, logger)
	prod.Start(ctx)

	cache := &redisx.StatusCache{RDB: rdb, Logger: logger}
	sink := notify.Fanout{
		&notify.KafkaSink{Producer: prod, Service: cfg.ServiceName, Logger: logger},
		cache,
	}

	// Domain services
	st := &postgres.Store{DB: db}
	tax, err := cfg.Tax()
	if err != nil {
		logger.Fatal("tax config", zap.Error(err))
	}
	shipCost, freeOver, err := cfg.Shipping()
	if err != nil {
		logger.Fatal("shipping config", zap.Error(err))
	}
	ledger := inventory.NewLedger(st, sink, logger)
	machine := orders.NewMachine(st, ledger, sink, logger)
	svc := checkout.NewService(st, ledger,
		&postgres.CouponValidator{DB: db},
		checkout.FlatShipping{Cost: shipCost, FreeOver: freeOver},
		checkout.FlatTax{Rate: tax},
		sink, logger)
	caller := retry.New(
		retry.WithAttempts(cfg.GatewayAttempts),
		retry.WithBaseDelay(cfg.GatewayBaseDelay),
		retry.WithLogger(logger),
	)
	rec := payments.NewReconciler(st, stripex.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret), machine, sink,
		payments.WithCaller(caller),
		payments.WithCurrency(cfg.Currency),
		payments.WithAbandonAfter(cfg.PaymentAbandonAfter),
		payments.WithSeenCache(&redisx.WebhookSeen{RDB: rdb, Logger: logger}),
		payments.WithLogger(logger),
	)

	router := httpx.NewRouter(&httpx.Handler{
		Checkout: svc,
		Orders:   machine,
		Payments: rec,
		Ledger:   ledger,
		Cache:    cache,
		Logger:   logger,
	})

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// graceful shutdown
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close() // flush inbox
	cancel()
	prod.WaitClosed()
}
