package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ordermesh/cmd/server/config"
	"ordermesh/internal/bus"
	deliverydb "ordermesh/internal/db/delivery"
	ordersdb "ordermesh/internal/db/orders"
	paymentdb "ordermesh/internal/db/payment"
	sagadb "ordermesh/internal/db/saga"
	stockdb "ordermesh/internal/db/stock"
	"ordermesh/internal/delivery"
	"ordermesh/internal/httpapi"
	"ordermesh/internal/notify"
	"ordermesh/internal/observability"
	"ordermesh/internal/orders"
	"ordermesh/internal/payment"
	"ordermesh/internal/reliability"
	"ordermesh/internal/saga"
	"ordermesh/internal/stock"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()

	be, err := buildBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.cleanup()

	b, runBus, err := buildBus(cfg, log)
	if err != nil {
		return err
	}

	orchestrator := saga.NewOrchestrator(be.sagaStore, log, metrics)
	orchestrator.Register(b)

	stockPart := stock.NewParticipant(be.stockStore, b, log, metrics)
	stockPart.Register(b)

	payPart := payment.NewParticipant(payment.SimulatedProvider{}, be.recorder, b, paymentConfig(cfg.Payment), log, metrics)
	payPart.Register(b)

	orderSvc := orders.NewService(be.orderStore, log, metrics)
	orderSvc.Register(b)

	hub := notify.NewHub(log)
	hub.Register(b)
	go hub.Run(ctx)

	dispatcher := delivery.NewDispatcher(be.outbox, b, delivery.DispatcherConfig{
		Interval:    cfg.Outbox.PollInterval,
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BaseDelay:   cfg.Outbox.BaseDelay,
		MaxDelay:    cfg.Outbox.MaxDelay,
	}, log, metrics)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("dispatcher stopped", "error", err)
		}
	}()

	sweeper := saga.NewSweeper(be.sagaStore, cfg.Sweeper.Interval, cfg.Sweeper.StuckAfter, log, metrics)
	go sweeper.Run(ctx)

	if runBus != nil {
		go func() {
			if err := runBus(ctx); err != nil && ctx.Err() == nil {
				log.Error("bus consumer stopped", "error", err)
			}
		}()
	}

	if cfg.SeedDemo {
		if err := be.seed(ctx); err != nil {
			return fmt.Errorf("seed demo products: %w", err)
		}
		log.Info("demo products seeded")
	}

	handler := httpapi.NewHandler(log, orderSvc, observability.Handler(metrics), hub.ServeWS)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler.Routes()}
	httpErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	grpcSrv := grpcpkg.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grpcErr := make(chan error, 1)
	go func() {
		log.Info("grpc health server listening", "addr", cfg.GRPCAddr)
		grpcErr <- grpcSrv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		grpcSrv.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-httpErr:
		return err
	case err := <-grpcErr:
		return err
	}
}

// backends groups the persistence layer, either Postgres or in-memory.
type backends struct {
	sagaStore  saga.Store
	stockStore stock.Store
	orderStore orders.Store
	recorder   payment.Recorder
	outbox     delivery.OutboxStore
	seed       func(ctx context.Context) error
	cleanup    func()
}

func buildBackends(ctx context.Context, cfg config.Config, log *slog.Logger) (backends, error) {
	if cfg.DatabaseURL == "" {
		log.Info("no DATABASE_URL, using in-memory stores")
		return memoryBackends(), nil
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return backends{}, err
	}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	outbox, err := deliverydb.NewStoreWithSchema(setupCtx, db)
	if err != nil {
		db.Close()
		return backends{}, err
	}
	sagaStore, err := sagadb.NewStoreWithSchema(setupCtx, db)
	if err != nil {
		db.Close()
		return backends{}, err
	}
	stockStore, err := stockdb.NewStoreWithSchema(setupCtx, db)
	if err != nil {
		db.Close()
		return backends{}, err
	}
	orderStore, err := ordersdb.NewStoreWithSchema(setupCtx, db)
	if err != nil {
		db.Close()
		return backends{}, err
	}
	recorder, err := paymentdb.NewStoreWithSchema(setupCtx, db)
	if err != nil {
		db.Close()
		return backends{}, err
	}

	log.Info("postgres stores enabled")
	return backends{
		sagaStore:  sagaStore,
		stockStore: stockStore,
		orderStore: orderStore,
		recorder:   recorder,
		outbox:     outbox,
		seed: func(ctx context.Context) error {
			for _, p := range demoProducts() {
				if err := stockStore.Upsert(ctx, p); err != nil {
					return err
				}
			}
			return nil
		},
		cleanup: func() {
			if err := db.Close(); err != nil {
				log.Warn("close postgres", "error", err)
			}
		},
	}, nil
}

func memoryBackends() backends {
	outbox := delivery.NewMemoryOutbox()
	stockStore := stock.NewMemoryStore(outbox.Append)
	return backends{
		sagaStore:  saga.NewMemoryStore(outbox.Append),
		stockStore: stockStore,
		orderStore: orders.NewMemoryStore(outbox.Append),
		recorder:   payment.NewMemoryRecorder(outbox.Append),
		outbox:     outbox,
		seed: func(context.Context) error {
			for _, p := range demoProducts() {
				stockStore.Upsert(p)
			}
			return nil
		},
		cleanup: func() {},
	}
}

func demoProducts() []stock.Product {
	return []stock.Product{
		{ID: "prod-keyboard", Name: "Keyboard", StockQuantity: 25, UnitPrice: 49.90},
		{ID: "prod-mouse", Name: "Mouse", StockQuantity: 50, UnitPrice: 19.90},
		{ID: "prod-monitor", Name: "Monitor", StockQuantity: 10, UnitPrice: 189.00},
	}
}

func buildBus(cfg config.Config, log *slog.Logger) (bus.Bus, func(ctx context.Context) error, error) {
	if cfg.Redis.URL == "" {
		log.Info("no REDIS_URL, using in-process bus")
		return bus.NewInMemoryBus(cfg.Bus.MaxAttempts, log), nil, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Redis.DialTimeout != nil {
		opts.DialTimeout = *cfg.Redis.DialTimeout
	}
	if cfg.Redis.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.Redis.ReadTimeout
	}
	if cfg.Redis.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.Redis.WriteTimeout
	}
	if cfg.Redis.PoolSize != nil {
		opts.PoolSize = *cfg.Redis.PoolSize
	}
	if cfg.Redis.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.Redis.MinIdleConns
	}
	if cfg.Redis.MaxRetries != nil {
		opts.MaxRetries = *cfg.Redis.MaxRetries
	}
	if cfg.Redis.TLSConfig != nil {
		opts.TLSConfig = cfg.Redis.TLSConfig
	}

	client := redis.NewClient(opts)
	rb := bus.NewRedisStreamBus(client, bus.RedisStreamBusConfig{
		StreamPrefix:  cfg.Redis.StreamPrefix,
		Group:         cfg.Redis.Group,
		Consumer:      cfg.Redis.Consumer,
		Block:         cfg.Redis.Block,
		ClaimMinIdle:  cfg.Redis.ClaimMinIdle,
		ClaimInterval: cfg.Redis.ClaimInterval,
		MaxDeliveries: cfg.Redis.MaxDeliveries,
	}, log)
	log.Info("redis streams bus enabled", "group", cfg.Redis.Group, "consumer", cfg.Redis.Consumer)
	return rb, rb.Run, nil
}

func paymentConfig(cfg config.PaymentConfig) payment.Config {
	pc := payment.Config{
		Timeout: cfg.Timeout,
		Retry: reliability.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
		},
	}
	if cfg.BreakerMaxFailures > 0 {
		pc.Breaker = reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerReset,
		})
	}
	if cfg.RateInterval > 0 && cfg.RateBurst > 0 {
		pc.Limiter = reliability.NewRateLimiter(cfg.RateInterval, cfg.RateBurst)
	}
	return pc
}
