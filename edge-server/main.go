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
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cinema-seats/api"
	"cinema-seats/broadcast"
	"cinema-seats/config"
	"cinema-seats/edge"
	"cinema-seats/logger"
	"cinema-seats/metrics"
	"cinema-seats/shared"
)

const (
	bookingClientTimeout = 10 * time.Second
	shutdownTimeout      = 10 * time.Second
)

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
		log.Fatal("edge server failed", zap.Error(err))
	}
	log.Info("edge server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("starting edge server", zap.String("booking_service", cfg.Edge.BookingServiceURL))
	m := metrics.New()

	natsURL := cfg.NATS.URL
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}
	nc, err := broadcast.Connect(natsURL, "edge-server", log)
	if err != nil {
		return err
	}
	defer nc.Close()
	log.Info("connected to NATS", zap.String("url", nc.ConnectedUrl()))

	hub := broadcast.NewHub(m, log)
	go hub.Run(ctx)

	sub, err := broadcast.NewBridge(hub, log).Subscribe(nc)
	if err != nil {
		return fmt.Errorf("failed to subscribe to seat updates: %w", err)
	}
	defer sub.Unsubscribe()

	bookingClient := edge.NewBookingClient(cfg.Edge.BookingServiceURL, bookingClientTimeout)
	if err := bookingClient.HealthCheck(ctx); err != nil {
		// commands fail until it comes up; updates still flow
		log.Warn("booking service unreachable", zap.Error(err))
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	gw := edge.NewGateway(ctx, hub, bookingClient, log)

	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(log), api.Prometheus(m))
	router.GET(shared.APIEndpointHealth, gw.Health)
	router.GET(shared.APIEndpointMetrics, gin.WrapH(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})))
	gw.Register(router)

	srv := &http.Server{
		Addr:        cfg.Edge.Address,
		Handler:     router,
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("edge server listening", zap.String("addr", cfg.Edge.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down edge server")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
