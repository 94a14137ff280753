package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_notify/internal/cipher"
	"github.com/austindbirch/harbor_notify/internal/config"
	"github.com/austindbirch/harbor_notify/internal/consumer"
	"github.com/austindbirch/harbor_notify/internal/db"
	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/health"
	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
	"github.com/austindbirch/harbor_notify/internal/store"
	"github.com/austindbirch/harbor_notify/internal/stream"
	"github.com/austindbirch/harbor_notify/internal/tracing"
)

const backlogInterval = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the notification dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg config.Config) error {
	logging.SetDefaultService(cfg.AppName)
	logger := logging.New(cfg.AppName)

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer pool.Close()

	rdb := newRedisClient(cfg)
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr(), err)
	}

	ciph, err := cipher.New(cfg.Crypto.AESKey)
	if err != nil {
		return fmt.Errorf("crypto.aes_key: %w", err)
	}
	st := store.New(pool)
	dispatcher := delivery.New(st, ciph,
		delivery.WithHTTPClient(&http.Client{Timeout: cfg.Dispatch.Timeout}),
		delivery.WithLogger(logger),
	)

	consumerName := uuid.NewString()
	s, err := stream.New(rdb, stream.Config{
		Key:         cfg.StreamKey(),
		Group:       cfg.Queue.Group,
		Consumer:    consumerName,
		Count:       cfg.Queue.Count,
		ReclaimIdle: cfg.Queue.ReclaimIdle,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg)

	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           newHTTPHandler(reg, health.Postgres(pool), health.Redis(rdb)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", cfg.Server.HTTPAddr).Info("HTTP server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("HTTP server failed")
		}
	}()

	var grpcSrv *grpc.Server
	var hs *grpc_health.Server
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
		}
		grpcSrv = grpc.NewServer()
		hs = grpc_health.NewServer()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		healthpb.RegisterHealthServer(grpcSrv, hs)
		go func() {
			logger.Plain().WithField("addr", cfg.Server.GRPCAddr).Info("gRPC health server listening")
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Plain().WithError(err).Error("gRPC server failed")
			}
		}()
	}

	go consumer.MonitorBacklog(ctx, s, backlogInterval, logger)

	// report SERVING only once the consumer group exists
	ready := func() {
		if hs != nil {
			hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		}
		logger.Plain().WithFields(map[string]any{
			"stream":      s.Key(),
			"group":       cfg.Queue.Group,
			"consumer":    s.Consumer(),
			"concurrency": cfg.Concurrency(),
		}).Info("notifier started")
	}
	loop := consumer.New(s, st, dispatcher, consumer.Config{
		Interval:    cfg.Queue.Interval,
		Ack:         cfg.Queue.Ack,
		Concurrency: cfg.Concurrency(),
	}, consumer.WithLogger(logger), consumer.WithOnReady(ready))

	runErr := loop.Run(ctx)

	// Graceful shutdown
	logger.Plain().Info("shutting down")
	if hs != nil {
		hs.Shutdown()
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("HTTP server shutdown")
	}
	return runErr
}

// newHTTPHandler serves /healthz and /metrics from reg.
func newHTTPHandler(reg *prometheus.Registry, dbPinger, redisPinger health.Pinger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(dbPinger, redisPinger))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}
