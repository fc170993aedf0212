package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"fadedreams/autofix/config"
	"fadedreams/autofix/discovery"
	"fadedreams/autofix/handlers"
	"fadedreams/autofix/logging"
	"fadedreams/autofix/notify"
	"fadedreams/autofix/reconciler"
	"fadedreams/autofix/service"
	"fadedreams/autofix/store"
	"fadedreams/autofix/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logFile, err := logging.NewLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger = logger.With("app", cfg.ServiceName)
	slog.SetDefault(logger)
	logger.Info("Starting agent", "kv", cfg.KVBackend, "remote", cfg.RemoteBackend, "feed", cfg.FeedTransport, "timestamp", time.Now().Unix())

	if err := run(cfg, logger); err != nil {
		logger.Error("Agent stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Agent stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanup := &cleanups{cancel: stop}
	defer cleanup.run(logger)

	if cfg.TracingEnabled {
		shutdown, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint, logger)
		if err != nil {
			return err
		}
		cleanup.add("tracer", func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdown(shutdownCtx)
		})
	}

	var registry *discovery.Registry
	if cfg.ConsulRegister || (cfg.FeedTransport == "kafka" && cfg.KafkaBootstrap == "") {
		r, err := discovery.NewRegistry(cfg.ConsulAddress, logger)
		if err != nil {
			return err
		}
		registry = r
	}
	if cfg.FeedTransport == "kafka" && cfg.KafkaBootstrap == "" {
		addrs, err := registry.Resolve("kafka")
		if err != nil {
			return err
		}
		cfg.KafkaBootstrap = addrs
	}

	kv, err := openKV(ctx, cfg, logger, cleanup)
	if err != nil {
		return err
	}
	backend, err := openRemote(ctx, cfg, logger, cleanup)
	if err != nil {
		return err
	}
	objs, err := openObjects(ctx, cfg, logger, cleanup)
	if err != nil {
		return err
	}

	st := store.New(kv, logger)
	notes := notify.NewFeed(logger)
	var (
		notifier   reconciler.Notifier = notes
		remoteSink *notify.RemoteSink
	)
	if cfg.NotifyMode == "remote" {
		remoteSink = notify.NewRemoteSink(backend, notes, logger)
		notifier = remoteSink
	}
	svc := service.New(service.Deps{
		Store:               st,
		Remote:              backend,
		Objects:             objs,
		Reconciler:          reconciler.New(st, backend, notifier, logger),
		Notifications:       notes,
		RemoteNotifications: remoteSink,
		Logger:              logger,
		Timeout:             cfg.RemoteTimeout,
	})
	if err := svc.Init(ctx); err != nil {
		return err
	}
	defer svc.Teardown()

	handler := handlers.NewHandler(svc, notes, logger)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(cfg.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	if cfg.ConsulRegister {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil {
			return err
		}
		deregister, err := registry.Register(cfg.ServiceName, cfg.AdvertiseHost, port)
		if err != nil {
			return err
		}
		cleanup.add("consul registration", deregister)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down HTTP server", "error", err)
	}
	return nil
}
