package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scard-broker/broker"
	"scard-broker/codec"
	"scard-broker/config"
	"scard-broker/logging"
	"scard-broker/metrics"
	"scard-broker/pcsc"
	"scard-broker/policy"
)

func pcscVersion() string { return pcsc.VersionNumber }

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker with the simulated reader stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	codecType, err := codec.ParseCodecType(cfg.Broker.Codec)
	if err != nil {
		return err
	}
	cdc := codec.GetCodec(codecType)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metrics.WithRegistry(registry))

	sim := pcsc.NewSimulator(logger, cfg.SimulatorReaders()...)
	opts := broker.Options{
		Name:    cfg.Broker.Name,
		Codec:   cdc,
		Engine:  sim,
		Driver:  sim,
		Readers: cfg.Readers,
		Middleware: broker.MiddlewareOptions{
			RateLimit: cfg.Middleware.RateLimit,
			Burst:     cfg.Middleware.Burst,
			Timeout:   cfg.Middleware.Timeout,
			LogCalls:  cfg.Middleware.LogCalls,
		},
		Logger:  logger,
		Metrics: m,
	}

	var source *policy.EtcdSource
	if len(cfg.Policy.Etcd.Endpoints) > 0 {
		source, err = policy.NewEtcdSource(cfg.Policy.Etcd, logger)
		if err != nil {
			return err
		}
		defer func() { _ = source.Close() }()
	} else {
		static := cfg.Policy.Static
		opts.InitialPolicy = &static
	}
	b := broker.New(opts)

	g, gctx := errgroup.WithContext(ctx)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           newHTTPHandler(gctx, b, cdc, registry, cfg.HTTP, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		return b.Serve(gctx)
	})
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	if source != nil {
		g.Go(func() error {
			return source.Watch(gctx, b.Router())
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Broker.ShutdownTimeout)
		defer cancel()
		return errors.Join(httpServer.Shutdown(shutdownCtx), b.Shutdown(cfg.Broker.ShutdownTimeout))
	})
	return g.Wait()
}
