// Package gigachat implements the upstream driver for the Sberbank GigaChat
// API: OAuth token lifecycle, the functions-based tool calling dialect and
// the curated model catalog.
package gigachat

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/xrouter/llmgw/internal/cache"
	"github.com/xrouter/llmgw/pkg/llm"
	"github.com/xrouter/llmgw/pkg/provider"
)

const (
	// oauthURL is the service-account token endpoint.
	oauthURL = "https://ngw.devices.sberbank.ru:9443/api/v2/oauth"

	defaultScope = "GIGACHAT_API_PERS"

	modelsTTL = 86400 * time.Second

	// tokenRefreshMargin renews the token before it actually expires.
	tokenRefreshMargin = 5 * time.Minute
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

// Driver streams completions from the GigaChat API.
type Driver struct {
	cfg    provider.Config
	scope  string
	client *http.Client
	rest   *resty.Client
	cache  cache.Cache
	log    *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// New builds a GigaChat driver. Certificate verification defaults to off
// because the API serves certificates from the Russian trust root.
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
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.BoolParam("verify_ssl", false),
		},
		ResponseHeaderTimeout: cfg.DurationParam("timeout", 30*time.Second),
	}
	return &Driver{
		cfg:    cfg,
		scope:  cfg.Param("scope", defaultScope),
		client: &http.Client{Transport: transport},
		rest: resty.New().
			SetTransport(transport.Clone()).
			SetTimeout(cfg.DurationParam("timeout", 30*time.Second)),
		cache: c,
		log:   o.logger.With("provider", cfg.ID),
	}, nil
}

// headers assembles the per-request API headers.
func (d *Driver) headers(requestID string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+d.currentToken())
	h.Set("Content-Type", "application/json")
	h.Set("X-Request-ID", requestID)
	return h
}

func (d *Driver) currentToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

// ensureToken refreshes the access token when missing or close to expiry.
func (d *Driver) ensureToken(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.token != "" && time.Now().Before(d.expiresAt.Add(-tokenRefreshMargin)) {
		return nil
	}
	return d.refreshTokenLocked(ctx)
}

type tokenPayload struct {
	AccessToken string `json:"access_token"`
	// ExpiresAt is a unix timestamp in milliseconds.
	ExpiresAt int64 `json:"expires_at"`
}

func (d *Driver) refreshTokenLocked(ctx context.Context) error {
	if d.cfg.Credentials == "" {
		return llm.NewError(500, "Failed to refresh GigaChat token",
			map[string]any{"error": "no credentials configured"})
	}

	rqUID := uuid.NewString()
	var payload tokenPayload
	var resp *resty.Response
	var err error

	if login, password, ok := strings.Cut(d.cfg.Credentials, ":"); ok {
		// login:password pair against the tenant token endpoint.
		resp, err = d.rest.R().
			SetContext(ctx).
			SetBasicAuth(login, password).
			SetHeader("RqUID", rqUID).
			SetResult(&payload).
			Post(d.cfg.BaseURL + "/token")
	} else {
		// Service-account key against the shared OAuth endpoint.
		resp, err = d.rest.R().
			SetContext(ctx).
			SetHeader("Authorization", "Basic "+d.cfg.Credentials).
			SetHeader("RqUID", rqUID).
			SetFormData(map[string]string{"scope": d.scope}).
			SetResult(&payload).
			Post(oauthURL)
	}
	if err != nil {
		return llm.NewError(500, "Failed to refresh GigaChat token",
			map[string]any{"error": err.Error()})
	}
	if resp.IsError() {
		return llm.NewError(resp.StatusCode(), "Failed to refresh GigaChat token",
			map[string]any{"response": resp.String()})
	}
	if payload.AccessToken == "" {
		return llm.NewError(500, "Failed to refresh GigaChat token",
			map[string]any{"error": "empty access token in response"})
	}

	d.token = payload.AccessToken
	d.expiresAt = time.UnixMilli(payload.ExpiresAt)
	d.log.Info("refreshed access token", "expires_at", d.expiresAt)
	return nil
}

// Close releases idle upstream connections.
func (d *Driver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

var _ provider.Provider = (*Driver)(nil)

// Models returns the curated GigaChat catalog, refreshed from the upstream
// listing daily.
func (d *Driver) Models(ctx context.Context) ([]provider.Model, error) {
	key := "models:" + d.cfg.ID
	var cached []provider.Model
	if ok, err := d.cache.Get(ctx, key, &cached); err == nil && ok {
		return cached, nil
	}

	if err := d.ensureToken(ctx); err != nil {
		return nil, err
	}
	resp, err := d.rest.R().SetContext(ctx).
		SetHeader("Authorization", "Bearer "+d.currentToken()).
		SetHeader("X-Request-ID", uuid.NewString()).
		Get(d.cfg.BaseURL + "/models")
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

	models, err := mapModels(d.cfg.ID, resp.Body())
	if err != nil {
		return nil, llm.NewError(500,
			fmt.Sprintf("Failed to get models: %v", err),
			map[string]any{"error": err.Error()})
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
