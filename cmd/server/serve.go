package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/chansync/internal/config"
	"github.com/t77yq/chansync/internal/credential"
	"github.com/t77yq/chansync/internal/lock"
	"github.com/t77yq/chansync/internal/monitor"
	"github.com/t77yq/chansync/internal/notifier"
	"github.com/t77yq/chansync/internal/pipeline"
	"github.com/t77yq/chansync/internal/provider"
	"github.com/t77yq/chansync/internal/queue"
	"github.com/t77yq/chansync/internal/scheduler"
	"github.com/t77yq/chansync/internal/storage"
	"github.com/t77yq/chansync/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the schedule registry, sync workers and status relay",
	RunE:  runServe,
}

// jobQueue is implemented by both queue drivers
type jobQueue interface {
	queue.Queue
	queue.Consumer
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewSQLite(logger, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	var metrics *monitor.Metrics
	if cfg.Metrics.Enabled {
		metrics, err = monitor.NewMetrics(prometheus.NewRegistry())
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	var nc *nats.Conn
	if cfg.UsesNATS() {
		nc, err = connectNATS(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
	}

	jobs, err := newQueue(cfg, nc, logger)
	if err != nil {
		return err
	}

	leases, closeLeases, err := newLeaser(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLeases()

	exchanger := credential.NewOAuth2Exchanger(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.TokenURL,
		&http.Client{Timeout: cfg.Provider.Timeout})
	credentials := credential.NewManager(store, exchanger, logger,
		credential.WithRefreshSkew(cfg.Credential.RefreshSkew),
		credential.WithAnalyticsScopes(cfg.Credential.AnalyticsScopes...),
		credential.WithMetrics(metrics))

	client := provider.WithDeadline(
		provider.NewHTTPClient(cfg.Provider.BaseURL, &http.Client{}, cfg.Provider.RateLimit, cfg.Provider.Burst, logger),
		cfg.Provider.Timeout)
	pipe := pipeline.New(credentials, client, store, logger, pipeline.WithMaxPages(cfg.Provider.MaxPages))

	notif := notifier.New(logger,
		notifier.WithBufferSize(cfg.Notifier.BufferSize),
		notifier.WithSendTimeout(cfg.Notifier.SendTimeout),
		notifier.WithMetrics(metrics))
	defer notif.Close()

	var events notifier.Publisher = notif
	var alertPublisher monitor.Publisher
	if nc != nil {
		alertPublisher = nc
	}
	if cfg.Notifier.Relay {
		relay := notifier.NewNATSRelay(nc, logger, cfg.Notifier.SubjectPrefix)
		if err := relay.Forward(ctx, notif); err != nil {
			return err
		}
		events = relay
	}
	alerts := monitor.NewAlertManager(logger, alertPublisher, cfg.Alerts.FailureThreshold)

	registry := scheduler.New(store, store, jobs, logger,
		scheduler.WithLocation(cfg.Location()),
		scheduler.WithFireTimeout(cfg.Scheduler.FireTimeout),
		scheduler.WithMetrics(metrics))
	if err := registry.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize schedule registry: %w", err)
	}

	w := worker.New(jobs, pipe, leases, events, store, logger, worker.Config{
		Concurrency:       cfg.Worker.Concurrency,
		LeaseWait:         cfg.Worker.LeaseWait,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		RevokeOnDenied:    cfg.Credential.RevokeOnDenied,
	},
		worker.WithMetrics(metrics),
		worker.WithAlerts(alerts),
		worker.WithRevoker(credentials))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.Run(gctx)
	})

	g.Go(func() error {
		pruneHistory(gctx, store, cfg.History, logger)
		return nil
	})

	if cfg.Metrics.Enabled {
		sampler := monitor.NewHostSampler(metrics, cfg.Metrics.SampleInterval, logger)
		sampler.Start(gctx)
		defer sampler.Stop()

		server := newMetricsServer(cfg.Metrics.Address, metrics)
		g.Go(func() error {
			logger.Info("Serving metrics", zap.String("address", cfg.Metrics.Address))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	logger.Info("Service started",
		zap.String("name", cfg.App.Name),
		zap.String("queue", cfg.Queue.Driver),
		zap.String("lease", cfg.Lease.Driver),
		zap.Int("timers", registry.TimerCount()))

	<-gctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	registry.Stop(shutdownCtx)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err = <-done:
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout reached, some jobs may not have completed",
			zap.Int("running", len(w.Running())))
		err = shutdownCtx.Err()
	}

	if nc != nil {
		if drainErr := nc.Drain(); drainErr != nil {
			logger.Error("Failed to drain NATS connection", zap.Error(drainErr))
		}
	}

	logger.Info("Server shut down gracefully")
	return err
}

// connectNATS connects with exponential backoff
func connectNATS(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error", zap.String("subject", subject), zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	url := strings.Join(cfg.NATS.URLs, ",")

	nc, err := backoff.Retry(ctx, func() (*nats.Conn, error) {
		return nats.Connect(url, opts...)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(cfg.NATS.ConnectRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Failed to connect to NATS, retrying...",
				zap.Duration("retry_in", next),
				zap.Error(err))
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}

	logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

func newQueue(cfg *config.Config, nc *nats.Conn, logger *zap.Logger) (jobQueue, error) {
	if cfg.Queue.Driver == "memory" {
		return queue.NewMemoryQueue(cfg.Queue.MemoryCap), nil
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	q, err := queue.NewJetStreamQueue(js, logger, queue.JetStreamOptions{
		Stream:        cfg.Queue.Stream,
		Subject:       cfg.Queue.Subject,
		Durable:       cfg.Queue.Durable,
		AckWait:       cfg.Queue.AckWait,
		MaxDeliver:    cfg.Queue.MaxDeliver,
		MaxAckPending: cfg.Queue.MaxAckPending,
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

func newLeaser(ctx context.Context, cfg *config.Config, logger *zap.Logger) (lock.LeaseManager, func(), error) {
	if cfg.Lease.Driver != "postgres" {
		return lock.NewLocalLeaser(), func() {}, nil
	}

	db, err := lock.OpenPostgres(ctx, cfg.Lease.DSN)
	if err != nil {
		return nil, nil, err
	}
	return lock.NewPostgresLeaser(logger, db, cfg.Lease.PollInterval), func() { db.Close() }, nil
}

func newMetricsServer(addr string, metrics *monitor.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// pruneHistory deletes run records older than the retention once per interval
func pruneHistory(ctx context.Context, store storage.RunHistoryStore, cfg config.HistoryConfig, logger *zap.Logger) {
	if cfg.Retention <= 0 || cfg.PruneInterval <= 0 {
		return
	}

	ticker := time.NewTicker(cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-cfg.Retention)
			if _, err := store.DeleteRunsBefore(ctx, cutoff); err != nil {
				logger.Error("Failed to prune run history", zap.Error(err))
			}
		}
	}
}
