// Command authserver runs the OAuth2 / OpenID Connect authorization server.
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orvull/pizza-oauth/internal/auth"
	"github.com/orvull/pizza-oauth/internal/config"
	"github.com/orvull/pizza-oauth/internal/logging"
	"github.com/orvull/pizza-oauth/internal/metrics"
	"github.com/orvull/pizza-oauth/internal/registry"
	"github.com/orvull/pizza-oauth/internal/server"
	"github.com/orvull/pizza-oauth/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configPath string

	cmd := &cobra.Command{
		Use:          "authserver",
		Short:        "OAuth2 and OpenID Connect authorization server for the pizza API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ReadFile(v, configPath); err != nil {
				return err
			}
			cfg, err := config.LoadAuthServer(v)
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
	f.String("http-addr", ":9000", "listen address")
	f.String("metrics-addr", "localhost:9100", "metrics listen address, empty to disable")
	f.String("issuer", "http://localhost:9000", "issuer URL placed in tokens and metadata")
	f.String("log-level", "info", "log level")
	for key, flag := range map[string]string{
		"http.addr":    "http-addr",
		"metrics.addr": "metrics-addr",
		"issuer":       "issuer",
		"log.level":    "log-level",
	} {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
	return cmd
}

func run(ctx context.Context, cfg *config.AuthServer, logger *zap.Logger) error {
	key, err := signingKey(cfg, logger)
	if err != nil {
		return err
	}
	clients, users, err := registry.Bootstrap(cfg)
	if err != nil {
		return fmt.Errorf("bootstrap registries: %w", err)
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	defer func() { _ = store.Close() }()

	m := metrics.NewAuthServer()
	svc := server.New(clients, users, store, key, m, logger, server.OptionsFromConfig(cfg))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           svc.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("authorization server listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("issuer", cfg.Issuer),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("kid", key.KeyID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func signingKey(cfg *config.AuthServer, logger *zap.Logger) (*auth.SigningKey, error) {
	if cfg.SigningKeyFile != "" {
		return auth.LoadSigningKey(cfg.SigningKeyFile)
	}
	logger.Warn("signing.key_file is not set; using an ephemeral key, issued tokens will not survive a restart")
	return auth.GenerateSigningKey()
}
