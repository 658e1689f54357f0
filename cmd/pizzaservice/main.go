// Command pizzaservice runs the protected pizza API over HTTP and gRPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orvull/pizza-oauth/internal/config"
	"github.com/orvull/pizza-oauth/internal/logging"
	"github.com/orvull/pizza-oauth/internal/metrics"
	"github.com/orvull/pizza-oauth/internal/resource"
)

const (
	shutdownTimeout = 10 * time.Second
	jwksWarmTimeout = time.Minute
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configPath string

	cmd := &cobra.Command{
		Use:          "pizzaservice",
		Short:        "Pizza resource server protected by bearer JWTs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ReadFile(v, configPath); err != nil {
				return err
			}
			cfg, err := config.LoadPizzaService(v)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "path to a config file (yaml, toml or json)")
	f.String("http-addr", ":8080", "HTTP listen address")
	f.String("grpc-addr", ":9090", "gRPC listen address")
	f.String("metrics-addr", "localhost:9101", "metrics listen address, empty to disable")
	f.String("jwks-url", "http://localhost:9000/oauth2/jwks", "authorization server JWKS endpoint")
	f.String("log-level", "info", "log level")
	for key, flag := range map[string]string{
		"http.addr":    "http-addr",
		"grpc.addr":    "grpc-addr",
		"metrics.addr": "metrics-addr",
		"jwks_url":     "jwks-url",
		"log.level":    "log-level",
	} {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
	return cmd
}

func run(ctx context.Context, cfg *config.PizzaService, logger *zap.Logger) error {
	keys, err := resource.NewRemoteKeys(ctx, cfg.JWKSURL, nil)
	if err != nil {
		return err
	}
	// The authorization server may still be starting.
	err = keys.Warm(ctx, jwksWarmTimeout, func(err error, next time.Duration) {
		logger.Warn("jwks not reachable yet", zap.String("url", cfg.JWKSURL), zap.Duration("retry_in", next), zap.Error(err))
	})
	if err != nil {
		return err
	}

	m := metrics.NewResource()
	rs := resource.NewServer(
		resource.NewValidator(keys, cfg.Issuer, cfg.ClockSkew),
		m,
		logger,
		cfg.CORS,
	)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           rs.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	grpcSrv := rs.NewGRPCServer()

	var lis net.Listener
	if cfg.GRPCAddr != "" {
		if lis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("pizza http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if lis != nil {
		g.Go(func() error {
			logger.Info("pizza grpc listening", zap.String("addr", cfg.GRPCAddr))
			return grpcSrv.Serve(lis)
		})
	}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		grpcSrv.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
