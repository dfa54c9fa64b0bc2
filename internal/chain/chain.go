// Package chain runs chat completion requests through the ordered handler
// pipeline: transform, tokenize, limits, completion, usage. The limits and
// usage stages only join the chain when billing is enabled.
package chain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/xrouter/llmgw/internal/billing"
	"github.com/xrouter/llmgw/internal/config"
	"github.com/xrouter/llmgw/pkg/llm"
	"github.com/xrouter/llmgw/pkg/provider"
)

// Metadata collects per-request bookkeeping shared between handlers.
type Metadata struct {
	StartTime       time.Time
	HasFinishReason bool
	FinishReason    string
}

// Context carries one chat completion request through the pipeline.
type Context struct {
	Request      *llm.Request
	IncludeUsage bool

	// NativeUsage is the unfiltered usage reported by the provider,
	// kept for billing regardless of the caller's include_usage flag.
	NativeUsage *llm.Usage

	APIKey string
	UserID string
	Origin string

	// Model is the resolved catalog entry the request routes to.
	Model provider.Model

	RequestID    string
	GenerationID string

	Metadata Metadata

	ExpectedTokens *billing.TokenCount
	OnHold         *float64
	Currency       string

	ProviderRequest *llm.ProviderRequest
	FinalResponse   *llm.Response
	Accumulated     string
	CacheWrite      bool
}

// EmitFunc delivers one re-wrapped stream chunk to the caller.
type EmitFunc func(llm.Chunk) error

// Handler is one stage of the pipeline. A stage whose preconditions are not
// met is skipped, not failed.
type Handler interface {
	Name() string
	CanHandle(c *Context) bool
	Handle(ctx context.Context, c *Context, p provider.Provider, emit EmitFunc) error
}

// Chain walks a fixed handler sequence over a request context.
type Chain struct {
	handlers []Handler
	log      *slog.Logger
}

// New assembles the pipeline. The billing client may be nil, in which case
// the limits and usage stages are left out.
func New(cfg *config.Settings, bill *billing.Client, log *slog.Logger) *Chain {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "chain")

	handlers := []Handler{
		&transformHandler{cfg: cfg, log: log},
		&tokenizeHandler{log: log},
	}
	if cfg.EnableBilling && bill != nil {
		handlers = append(handlers, &limitsHandler{bill: bill, log: log})
	}
	handlers = append(handlers, &completionHandler{cfg: cfg, log: log})
	if cfg.EnableBilling && bill != nil {
		handlers = append(handlers, &usageHandler{bill: bill, log: log})
	}
	return &Chain{handlers: handlers, log: log}
}

// Run walks the pipeline. Streamed chunks flow through emit; for
// non-streaming requests the assembled response lands in c.FinalResponse.
// The provider is closed when the walk ends.
func (ch *Chain) Run(ctx context.Context, c *Context, p provider.Provider, emit EmitFunc) error {
	defer func() {
		if err := p.Close(); err != nil {
			ch.log.Warn("failed to close provider",
				"request_id", c.RequestID, "error", err)
		}
	}()

	for _, h := range ch.handlers {
		if !h.CanHandle(c) {
			ch.log.Debug("handler skipped",
				"request_id", c.RequestID, "handler", h.Name())
			continue
		}
		if err := h.Handle(ctx, c, p, emit); err != nil {
			ch.log.Error("handler failed",
				"request_id", c.RequestID, "handler", h.Name(), "error", err)
			return wrapChainError(err)
		}
	}
	return nil
}

// wrapChainError keeps gateway errors intact and hides everything else
// behind a generic 500.
func wrapChainError(err error) error {
	var perr *llm.Error
	if errors.As(err, &perr) {
		return perr
	}
	return llm.NewError(500, "Failed to handle chat completion request",
		map[string]any{"error": err.Error()})
}

// NewGenerationID mints the response id used when billing is off.
func NewGenerationID() string {
	return "gen_" + uuid.NewString()
}
