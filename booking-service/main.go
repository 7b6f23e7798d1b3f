package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"cinema-seats/api"
	"cinema-seats/broadcast"
	"cinema-seats/config"
	"cinema-seats/edge"
	"cinema-seats/events"
	"cinema-seats/ledger"
	"cinema-seats/logger"
	"cinema-seats/metrics"
	"cinema-seats/reservation"
	"cinema-seats/sweeper"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	logger.Set(log)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("booking service failed", zap.Error(err))
	}
	log.Info("booking service stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("starting booking service",
		zap.String("env", cfg.Env),
		zap.String("ledger", cfg.Ledger.Driver),
		zap.Duration("hold_ttl", cfg.Holds.TTL),
	)
	m := metrics.New()

	store, closeStore, err := openLedger(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// Without NATS the service fans updates out to its own websocket clients.
	var (
		pub broadcast.Publisher
		hub *broadcast.Hub
	)
	if cfg.NATS.URL != "" {
		nc, err := broadcast.Connect(cfg.NATS.URL, "booking-service", log)
		if err != nil {
			return err
		}
		defer nc.Drain()
		log.Info("connected to NATS", zap.String("url", nc.ConnectedUrl()))
		pub = broadcast.NewNATSPublisher(nc, log)
	} else {
		hub = broadcast.NewHub(m, log)
		go hub.Run(ctx)
		pub = hub
		log.Info("NATS not configured, serving websocket clients locally")
	}

	opts := []reservation.Option{reservation.WithMetrics(m), reservation.WithLogger(log)}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer kp.Close()
		opts = append(opts, reservation.WithEvents(kp))
		log.Info("publishing booking events", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	engine := reservation.New(store, pub, reservation.Config{
		HoldTTL:    cfg.Holds.TTL,
		MaxHoldTTL: cfg.Holds.MaxTTL,
		LockWait:   cfg.Holds.LockWait,
	}, opts...)

	sw := sweeper.New(engine, cfg.Holds.SweepInterval, log)
	go sw.Start(ctx)
	defer sw.Stop()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.NewHandler(engine, log), m, prometheus.DefaultGatherer, log)
	if hub != nil {
		edge.NewGateway(ctx, hub, edge.NewLocal(engine), log).Register(router)
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("booking service listening", zap.String("addr", cfg.HTTP.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down booking service")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openLedger connects the configured ledger store. The returned func
// releases its connections.
func openLedger(ctx context.Context, cfg *config.Config, log *zap.Logger) (ledger.Ledger, func(), error) {
	switch cfg.Ledger.Driver {
	case config.LedgerRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		log.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
		return ledger.NewRedis(client), func() { client.Close() }, nil

	case config.LedgerPostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		pg := ledger.NewPostgres(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate ledger schema: %w", err)
		}
		log.Info("connected to Postgres")
		return pg, pool.Close, nil

	default:
		log.Warn("using the in-memory ledger, bookings are lost on restart")
		return ledger.NewMemory(), func() {}, nil
	}
}
