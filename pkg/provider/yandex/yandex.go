// Package yandex implements the upstream driver for the Yandex Foundation
// Models completion API: gpt:// model URIs, the toolCallList dialect and the
// cumulative-text stream that this driver converts to deltas.
package yandex

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/xrouter/llmgw/internal/cache"
	"github.com/xrouter/llmgw/pkg/llm"
	"github.com/xrouter/llmgw/pkg/provider"
)

const (
	// defaultTimeout bounds how long the upstream may take to start
	// responding. Streams themselves can run longer.
	defaultTimeout = 300 * time.Second

	modelsTTL = 86400 * time.Second

	// modelsVersion busts the model cache when the hardcoded catalog
	// changes.
	modelsVersion = "2024-02-26"
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

// Driver streams completions from the Yandex Foundation Models API.
type Driver struct {
	cfg      provider.Config
	folderID string
	client   *http.Client
	cache    cache.Cache
	log      *slog.Logger
}

// New builds a Yandex driver.
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
	return &Driver{
		cfg:      cfg,
		folderID: cfg.Param("folder_id", ""),
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: !cfg.BoolParam("verify_ssl", true),
				},
				ResponseHeaderTimeout: cfg.DurationParam("timeout", defaultTimeout),
			},
		},
		cache: c,
		log:   o.logger.With("provider", cfg.ID),
	}, nil
}

// headers assembles the per-request API headers. Yandex authenticates with a
// static API key and routes billing through the folder id header.
func (d *Driver) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Api-Key "+d.cfg.Credentials)
	h.Set("Content-Type", "application/json")
	h.Set("x-folder-id", d.folderID)
	return h
}

// Close releases idle upstream connections.
func (d *Driver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

var _ provider.Provider = (*Driver)(nil)

// Models returns the embedded Yandex catalog; there is no upstream models
// endpoint.
func (d *Driver) Models(ctx context.Context) ([]provider.Model, error) {
	key := "models:" + d.cfg.ID + ":v" + modelsVersion
	var cached []provider.Model
	if ok, err := d.cache.Get(ctx, key, &cached); err == nil && ok {
		return cached, nil
	}

	models, err := catalogModels(d.cfg.ID)
	if err != nil {
		return nil, err
	}
	if err := d.cache.Set(ctx, key, models, modelsTTL); err != nil {
		d.log.Warn("failed to cache models", "error", err)
	}
	return models, nil
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
