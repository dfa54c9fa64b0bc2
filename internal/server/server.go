// Package server exposes the gateway HTTP surface: chat completions in the
// native and OpenAI dialects, the Responses API, both GigaChat dialects, the
// model catalog, server info and the Prometheus scrape endpoint.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"

	"github.com/xrouter/llmgw/internal/auth"
	"github.com/xrouter/llmgw/internal/billing"
	"github.com/xrouter/llmgw/internal/catalog"
	"github.com/xrouter/llmgw/internal/chain"
	"github.com/xrouter/llmgw/internal/config"
	"github.com/xrouter/llmgw/internal/health"
	"github.com/xrouter/llmgw/internal/observe"
	"github.com/xrouter/llmgw/internal/serverinfo"
)

// Server wires the gateway services behind the HTTP routes.
type Server struct {
	cfg     *config.Settings
	cat     *catalog.Service
	ch      *chain.Chain
	authSvc *auth.Service
	bill    *billing.Client
	info    *serverinfo.Service
	metrics *observe.Metrics
	probes  *health.Handler
	log     *slog.Logger
}

// New builds the server. The billing client may be nil when billing is off;
// metrics may be nil to skip instrumentation. checks become the /readyz
// dependency probes.
func New(cfg *config.Settings, cat *catalog.Service, ch *chain.Chain,
	authSvc *auth.Service, bill *billing.Client, info *serverinfo.Service,
	metrics *observe.Metrics, log *slog.Logger, checks ...health.Checker) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		cat:     cat,
		ch:      ch,
		authSvc: authSvc,
		bill:    bill,
		info:    info,
		metrics: metrics,
		probes:  health.New(checks...),
		log:     log.With("component", "server"),
	}
}

// Handler assembles the chi router with the full middleware stack.
func (s *Server) Handler() http.Handler {
	requestLogger := httplog.NewLogger("llmgw", httplog.Options{
		LogLevel: slogLevel(s.cfg.LogLevel),
		JSON:     s.cfg.LogFormat == config.LogFormatJSON,
		Concise:  true,
	})

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(RequestID(s.log))
	r.Use(httplog.RequestLogger(requestLogger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))
	if s.metrics != nil {
		r.Use(observe.Middleware(s.metrics))
	}
	r.Use(s.recoverer)
	if s.authSvc != nil {
		r.Use(s.authSvc.Middleware)
	}

	if s.cfg.OpenAICompatibleAPI {
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Get("/v1/models", s.handleModels)
		r.Post("/v1/responses", s.handleResponses)
	} else {
		r.Post("/api/v1/chat/completions", s.handleChatCompletions)
		r.Get("/api/v1/models", s.handleModels)
		r.Post("/api/v1/responses", s.handleResponses)
	}

	r.Post("/api/v1/gigachat/completions", s.handleGigaChatV1)
	r.Post("/api/v2/gigachat/completions", s.handleGigaChatV2)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.probes.Healthz)
	r.Get("/readyz", s.probes.Readyz)
	if s.cfg.EnableServerInfo {
		r.Get("/api/v1/info/json", s.handleInfoJSON)
		r.Get("/info/table", s.handleInfoTable)
	}
	r.Method(http.MethodGet, "/metrics", observe.MetricsHandler())

	return r
}

// slogLevel maps the configured log level onto slog.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
