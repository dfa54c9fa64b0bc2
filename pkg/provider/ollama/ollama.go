// Package ollama implements the upstream driver for self-hosted Ollama
// servers: the OpenAI-compatible completion endpoint plus model discovery
// through the native /api/tags and /api/show endpoints.
package ollama

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/xrouter/llmgw/internal/cache"
	"github.com/xrouter/llmgw/pkg/llm"
	"github.com/xrouter/llmgw/pkg/provider"
)

const (
	// defaultTimeout bounds how long the upstream may take to start
	// responding; local models can be slow to load.
	defaultTimeout = 600 * time.Second

	modelsTTL = 600 * time.Second

	defaultContextLength = 4096
)

type options struct {
	logger *slog.Logger
}

// Option customises the driver.
type Option func(*options)

// WithLogger sets the driver logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.logger = log }
}

// Driver streams completions from one Ollama server.
type Driver struct {
	cfg    provider.Config
	client *http.Client
	rest   *resty.Client
	cache  cache.Cache
	log    *slog.Logger
}

// New builds an Ollama driver for a single server.
func New(cfg provider.Config, c cache.Cache, opts ...Option) (*Driver, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if c == nil {
		c = cache.NewNoop()
	}
	timeout := cfg.DurationParam("timeout", defaultTimeout)
	transport := &http.Transport{ResponseHeaderTimeout: timeout}
	return &Driver{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		rest: resty.New().
			SetTransport(transport.Clone()).
			SetTimeout(timeout),
		cache: c,
		log:   o.logger.With("provider", cfg.ID),
	}, nil
}

// headers assembles the per-request API headers. Local servers usually run
// without authentication; a bearer token is attached when configured.
func (d *Driver) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if d.cfg.Credentials != "" {
		h.Set("Authorization", "Bearer "+d.cfg.Credentials)
	}
	return h
}

// Close releases idle upstream connections.
func (d *Driver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

var _ provider.Provider = (*Driver)(nil)

// tagsPayload is the /api/tags listing.
type tagsPayload struct {
	Models []tagEntry `json:"models"`
}

type tagEntry struct {
	Name    string     `json:"name"`
	Details tagDetails `json:"details"`
}

type tagDetails struct {
	ParameterSize string `json:"parameter_size"`
}

// showPayload is the /api/show response. ModelInfo keys are prefixed with
// the architecture name, so the context length is found by suffix.
type showPayload struct {
	ModelInfo map[string]any `json:"model_info"`
}

func (p showPayload) contextLength() int {
	for key, value := range p.ModelInfo {
		if !strings.HasSuffix(key, ".context_length") {
			continue
		}
		if n, ok := value.(float64); ok {
			return int(n)
		}
	}
	return defaultContextLength
}

func (p showPayload) tokenizer() string {
	if t, ok := p.ModelInfo["tokenizer.ggml.model"].(string); ok && t != "" {
		return t
	}
	return "unknown"
}

// Models discovers the server's installed models: /api/tags for the listing,
// /api/show for per-model details. A model whose details cannot be fetched
// is skipped rather than failing the whole listing.
func (d *Driver) Models(ctx context.Context) ([]provider.Model, error) {
	key := "models:ollama:" + d.cfg.BaseURL
	var cached []provider.Model
	if ok, err := d.cache.Get(ctx, key, &cached); err == nil && ok {
		return cached, nil
	}

	var tags tagsPayload
	resp, err := d.rest.R().SetContext(ctx).
		SetResult(&tags).
		Get(d.cfg.BaseURL + "/api/tags")
	if err != nil {
		return nil, llm.NewError(500,
			fmt.Sprintf("Failed to get models: %v", err),
			map[string]any{"error": err.Error()})
	}
	if resp.IsError() {
		return nil, llm.NewError(resp.StatusCode(),
			fmt.Sprintf("Failed to get models: status %d", resp.StatusCode()),
			map[string]any{"response": resp.String()})
	}

	models := make([]provider.Model, 0, len(tags.Models))
	for _, tag := range tags.Models {
		var show showPayload
		showResp, err := d.rest.R().SetContext(ctx).
			SetBody(map[string]string{"model": tag.Name}).
			SetResult(&show).
			Post(d.cfg.BaseURL + "/api/show")
		if err != nil || showResp.IsError() {
			d.log.Error("failed to get model details, skipping",
				"model", tag.Name, "error", err)
			continue
		}
		models = append(models, mapModel(d.cfg.ID, tag, show))
	}

	if err := d.cache.Set(ctx, key, models, modelsTTL); err != nil {
		d.log.Warn("failed to cache models", "error", err)
	}
	return models, nil
}

func mapModel(providerID string, tag tagEntry, show showPayload) provider.Model {
	ctxLen := show.contextLength()
	return provider.Model{
		ModelID:       tag.Name,
		Name:          tag.Name,
		ProviderID:    providerID,
		ContextLength: ctxLen,
		Architecture: provider.Architecture{
			InstructType: "none",
			Modality:     "text->text",
			Tokenizer:    show.tokenizer(),
			ParamSize:    tag.Details.ParameterSize,
		},
		Capabilities: provider.Capabilities{
			ContextLength:       ctxLen,
			MaxCompletionTokens: ctxLen,
			IsModerated:         false,
			IsToolCalls:         false,
		},
	}
}

// Model looks up a single model by id, case-insensitively.
func (d *Driver) Model(ctx context.Context, id string) (provider.Model, error) {
	key := "model:" + d.cfg.ID + ":" + strings.ToLower(id)
	var cached provider.Model
	if ok, err := d.cache.Get(ctx, key, &cached); err == nil && ok {
		return cached, nil
	}

	models, err := d.Models(ctx)
	if err != nil {
		return provider.Model{}, err
	}
	for _, m := range models {
		if strings.EqualFold(m.ModelID, id) {
			if err := d.cache.Set(ctx, key, m, modelsTTL); err != nil {
				d.log.Warn("failed to cache model", "model_id", id, "error", err)
			}
			return m, nil
		}
	}
	return provider.Model{}, llm.NewError(404,
		fmt.Sprintf("Model %s not found", id),
		map[string]any{"model_id": id})
}
