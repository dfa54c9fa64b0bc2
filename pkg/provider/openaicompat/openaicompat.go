// Package openaicompat implements the upstream driver for every provider
// speaking an OpenAI-style chat completion wire protocol: xrouter, agents,
// deepseek, openrouter, openrouter-proxy and zai. Per-provider differences
// (field names, delta quirks, catalogs, proxies) are expressed as options.
package openaicompat

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/xrouter/llmgw/internal/cache"
	"github.com/xrouter/llmgw/pkg/provider"
)

const defaultModelsTTL = 6000 * time.Second

// CatalogFunc converts an upstream /models payload into catalog entries.
type CatalogFunc func(providerID string, raw []byte) ([]provider.Model, error)

type options struct {
	maxTokensField string
	flattenUser    bool
	skipPreamble   bool
	forceAssistant bool
	cacheHitUsage  bool
	thinking       bool
	finishOnly     bool
	headers        map[string]string
	catalog        CatalogFunc
	staticCatalog  bool
	modelsTTL      time.Duration
	transport      http.RoundTripper
	logger         *slog.Logger
}

// Option customises the driver for one provider's dialect.
type Option func(*options)

// WithMaxTokensField sets the upstream field carrying the completion cap.
// The default is "max_completion_tokens".
func WithMaxTokensField(name string) Option {
	return func(o *options) { o.maxTokensField = name }
}

// WithUserContentFlattening joins the text parts of structured user content
// into a single string, for providers without multimodal support.
func WithUserContentFlattening() Option {
	return func(o *options) { o.flattenUser = true }
}

// WithPreambleSkipping drops assistant commentary sitting between a tool call
// and its tool result, which some providers reject as an invalid sequence.
func WithPreambleSkipping() Option {
	return func(o *options) { o.skipPreamble = true }
}

// WithAssistantRole stamps role=assistant on every streamed delta.
func WithAssistantRole() Option {
	return func(o *options) { o.forceAssistant = true }
}

// WithCacheHitUsage reads deepseek-style prompt_cache_hit_tokens and
// completion token details into the usage breakdown.
func WithCacheHitUsage() Option {
	return func(o *options) { o.cacheHitUsage = true }
}

// WithThinking sends thinking:{"type":"enabled"} upstream when the request
// asks for reasoning.
func WithThinking() Option {
	return func(o *options) { o.thinking = true }
}

// WithFinishOnlyTermination ends the stream on the first finish_reason
// without waiting for a usage chunk.
func WithFinishOnlyTermination() Option {
	return func(o *options) { o.finishOnly = true }
}

// WithHeaders adds static headers to every upstream request.
func WithHeaders(h map[string]string) Option {
	return func(o *options) { o.headers = h }
}

// WithCatalog installs the model catalog mapper and its cache TTL.
func WithCatalog(fn CatalogFunc, ttl time.Duration) Option {
	return func(o *options) {
		o.catalog = fn
		o.staticCatalog = false
		o.modelsTTL = ttl
	}
}

// WithStaticCatalog installs a catalog that needs no upstream listing call.
func WithStaticCatalog(fn CatalogFunc, ttl time.Duration) Option {
	return func(o *options) {
		o.catalog = fn
		o.staticCatalog = true
		o.modelsTTL = ttl
	}
}

// WithTransport replaces the HTTP transport, used for proxied providers.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithLogger sets the driver logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.logger = log }
}

// Driver streams completions from one OpenAI-compatible upstream.
type Driver struct {
	cfg    provider.Config
	opts   options
	client *http.Client
	cache  cache.Cache
	log    *slog.Logger
}

// New builds a driver for the given provider configuration.
func New(cfg provider.Config, c cache.Cache, opts ...Option) (*Driver, error) {
	o := options{
		maxTokensField: "max_completion_tokens",
		catalog:        ListedCatalog,
		modelsTTL:      defaultModelsTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if c == nil {
		c = cache.NewNoop()
	}
	transport := o.transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	d := &Driver{
		cfg:  cfg,
		opts: o,
		client: &http.Client{
			Transport: transport,
			// No overall timeout: completions stream for minutes. The
			// header wait is bounded instead.
		},
		cache: c,
		log:   o.logger.With("provider", cfg.ID),
	}
	return d, nil
}

// headers assembles the request headers for every upstream call.
func (d *Driver) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if d.cfg.Credentials != "" {
		h.Set("Authorization", "Bearer "+d.cfg.Credentials)
	}
	// OpenRouter attributes traffic to the calling app.
	if strings.Contains(d.cfg.ID, "openrouter") {
		h.Set("HTTP-Referer", "https://xrouter.chat")
		h.Set("X-Title", "xrouter")
	}
	for k, v := range d.opts.headers {
		h.Set(k, v)
	}
	return h
}

// Close releases idle upstream connections.
func (d *Driver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
