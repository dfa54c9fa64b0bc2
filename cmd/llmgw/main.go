// Command llmgw is the LLM gateway server: one API surface in front of many
// upstream chat completion providers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xrouter/llmgw/internal/auth"
	"github.com/xrouter/llmgw/internal/billing"
	"github.com/xrouter/llmgw/internal/cache"
	"github.com/xrouter/llmgw/internal/catalog"
	"github.com/xrouter/llmgw/internal/chain"
	"github.com/xrouter/llmgw/internal/config"
	"github.com/xrouter/llmgw/internal/health"
	"github.com/xrouter/llmgw/internal/observe"
	"github.com/xrouter/llmgw/internal/registry"
	"github.com/xrouter/llmgw/internal/server"
	"github.com/xrouter/llmgw/internal/serverinfo"
)

// version is injected at build time via -ldflags.
var version = "Undefined"

// shutdownTimeout bounds the drain of in-flight requests on exit.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "llmgw: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("llmgw starting",
		"version", version,
		"port", cfg.Port,
		"openai_compatible", cfg.OpenAICompatibleAPI,
		"auth", cfg.EnableAuth,
		"billing", cfg.EnableBilling,
		"cache", cfg.EnableCache,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		logger.Error("failed to initialise metrics", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown error", "error", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Cache ─────────────────────────────────────────────────────────────────
	store := cache.NewNoop()
	if cfg.EnableCache {
		store, err = cache.New(cache.Options{
			Addr:        cfg.Redis.Addr(),
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Prefix:      cfg.Redis.Prefix,
			CachePrefix: cfg.CachePrefix,
			DefaultTTL:  cfg.CacheTTL,
		})
		if err != nil {
			logger.Error("failed to connect cache", "error", err)
			return 1
		}
		logger.Info("cache connected", "addr", cfg.Redis.Addr())
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("cache close error", "error", err)
		}
	}()

	// ── Upstream drivers ──────────────────────────────────────────────────────
	reg, err := registry.New(cfg, store, logger)
	if err != nil {
		logger.Error("failed to build providers", "error", err)
		return 1
	}
	defer reg.Close()

	cat := catalog.New(cfg, reg, logger)

	// ── Billing ───────────────────────────────────────────────────────────────
	var bill *billing.Client
	if cfg.EnableBilling {
		bill = billing.New(cfg.XServerBaseURL, cfg.XServerAPIKey, store,
			billing.WithLogger(logger))
		defer bill.Close()
		logger.Info("billing enabled", "base_url", cfg.XServerBaseURL)
	}

	// ── Pipeline, auth, info ──────────────────────────────────────────────────
	pipeline := chain.New(cfg, bill, logger)

	authSvc := auth.New(cfg, store, auth.WithLogger(logger))
	defer authSvc.Close()

	info := serverinfo.New(cat, version, runtime.GOMAXPROCS(0), logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	checks := []health.Checker{
		{Name: "cache", Check: store.Ping},
		{Name: "providers", Check: func(context.Context) error {
			if len(reg.IDs()) == 0 {
				return errors.New("no providers enabled")
			}
			return nil
		}},
	}
	srv := server.New(cfg, cat, pipeline, authSvc, bill, info, metrics, logger, checks...)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run error", "error", err)
		return 1
	}
	logger.Info("goodbye")
	return 0
}

// newLogger builds the process logger from the configured level and format,
// stamping any configured extra key=value fields on every record. The
// "structured" format is key=value output, which is slog's text handler.
func newLogger(cfg *config.Settings) *slog.Logger {
	var lvl slog.Level
	switch cfg.LogLevel {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
	if cfg.LogFormat == config.LogFormatJSON {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	for _, field := range cfg.LogExtraFields {
		if k, v, ok := strings.Cut(field, "="); ok {
			logger = logger.With(k, v)
		}
	}
	return logger
}
