package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	boltadapter "github.com/ericfisherdev/licensegate/internal/adapter/driven/bolt"
	"github.com/ericfisherdev/licensegate/internal/adapter/driven/netsql"
	"github.com/ericfisherdev/licensegate/internal/adapter/driven/panel"
	sqliteadapter "github.com/ericfisherdev/licensegate/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/licensegate/internal/adapter/driven/yamlfile"
	httphandler "github.com/ericfisherdev/licensegate/internal/adapter/driving/http"
	"github.com/ericfisherdev/licensegate/internal/application"
	"github.com/ericfisherdev/licensegate/internal/config"
	"github.com/ericfisherdev/licensegate/internal/domain/model"
	"github.com/ericfisherdev/licensegate/internal/domain/port/driven"
	"github.com/ericfisherdev/licensegate/internal/domain/signing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on a missing signing secret).
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(os.Stderr, cfg)
	slog.SetDefault(logger)
	for _, warning := range cfg.Warnings {
		slog.Warn("config fallback", "detail", warning)
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"storage", cfg.Storage,
		"data_dir", cfg.DataDir,
		"panel_enabled", cfg.Panel.Enabled,
	)

	signer, err := signing.New(cfg.SigningSecret)
	if err != nil {
		return err
	}

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open the configured store.
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeStore(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()
	slog.Info("store opened", "storage", cfg.Storage, "path", cfg.StoragePath())

	// 4. Metrics registry shared by the panel client and the HTTP API.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 5. Panel client (nil when disabled).
	panelClient, err := newPanelClient(cfg, reg, logger)
	if err != nil {
		return err
	}

	// 6. License service.
	svc := application.NewLicenseService(store, signer, cfg.Mode, panelClient, logger)
	slog.Info("licensing mode", "mode", svc.Mode(), "remote", svc.RemoteEnabled())

	// 7. HTTP API.
	apiHandler := httphandler.NewHandler(svc, httphandler.NewMetrics(reg), logger)
	handler := httphandler.NewServeMux(apiHandler, httphandler.ServerConfig{
		APIToken:         cfg.APIToken,
		AuthHeaderName:   cfg.APIAuthHeaderName,
		AuthHeaderPrefix: cfg.APIAuthHeaderPrefix,
		RateLimitRPS:     cfg.RateLimitRPS,
		RateLimitBurst:   cfg.RateLimitBurst,
	}, reg, logger)
	if cfg.APIToken == "" {
		slog.Warn("LICENSEGATE_API_TOKEN not set, license API is unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Wait for a shutdown signal or a server failure.
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	slog.Info("licensegate started", "listen_addr", cfg.ListenAddr, "mode", cfg.Mode)

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

// newLogger builds the process logger from the configured level and format.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore opens the configured LicenseStore and returns a function that
// releases it.
func openStore(ctx context.Context, cfg *config.Config) (driven.LicenseStore, func() error, error) {
	switch cfg.Storage {
	case model.StorageYAML:
		store, err := yamlfile.Open(cfg.StoragePath())
		if err != nil {
			return nil, nil, fmt.Errorf("open yaml store: %w", err)
		}
		return store, func() error { return nil }, nil

	case model.StorageBolt:
		store, err := boltadapter.Open(cfg.StoragePath())
		if err != nil {
			return nil, nil, fmt.Errorf("open bolt store: %w", err)
		}
		return store, store.Close, nil

	case model.StorageMySQL, model.StoragePostgres:
		dialect, err := netsql.DialectFor(cfg.Storage)
		if err != nil {
			return nil, nil, err
		}
		store, err := netsql.Open(ctx, dialect, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s store: %w", dialect.Name, err)
		}
		return store, store.Close, nil

	default:
		db, err := sqliteadapter.Open(ctx, cfg.StoragePath())
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return sqliteadapter.NewLicenseRepo(db), db.Close, nil
	}
}

// newPanelClient returns the panel client, or nil when the panel is disabled.
// An enabled panel without a base URL is logged and treated as disabled.
func newPanelClient(cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (driven.PanelClient, error) {
	if cfg.Panel.Misconfigured() {
		logger.Warn("panel enabled but LICENSEGATE_PANEL_BASE_URL is blank, running local only")
		return nil, nil
	}
	if !cfg.Panel.Active() {
		return nil, nil
	}

	client, err := panel.New(panel.Config{
		BaseURL:         cfg.Panel.BaseURL,
		ServerID:        cfg.Panel.ServerID,
		AuthHeaderName:  cfg.Panel.AuthHeaderName,
		AuthHeaderValue: cfg.Panel.AuthHeaderValue(),
		ConnectTimeout:  cfg.Panel.ConnectTimeout,
		RequestTimeout:  cfg.Panel.RequestTimeout,
		Endpoints: panel.Endpoints{
			Validate: cfg.Panel.EndpointValidate,
			Issue:    cfg.Panel.EndpointIssue,
			Revoke:   cfg.Panel.EndpointRevoke,
			Get:      cfg.Panel.EndpointGet,
		},
		RateLimit: cfg.Panel.RateLimitRPS,
	}, logger, panel.WithMetrics(panel.NewMetrics(reg)))
	if err != nil {
		return nil, fmt.Errorf("create panel client: %w", err)
	}

	logger.Info("panel client created", "base_url", client.BaseURL(), "server_id", cfg.Panel.ServerID)
	return client, nil
}
