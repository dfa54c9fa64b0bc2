// Package billing talks to the X-Server usage API: model rates, cost holds
// and usage/generation analytics. When the API is unreachable the client
// degrades to synthetic successes so completions keep flowing.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/xrouter/llmgw/internal/cache"
	"github.com/xrouter/llmgw/internal/resilience"
	"github.com/xrouter/llmgw/pkg/llm"
)

const (
	defaultTimeout = 300 * time.Second

	ratesTTL = 300 * time.Second
)

// Currency codes accepted by the usage API.
const (
	CurrencyRUB = "RUB"
	CurrencyUSD = "USD"
)

// TokenCount carries the token tally of one request.
type TokenCount struct {
	Model           string         `json:"model"`
	Provider        string         `json:"provider,omitempty"`
	Input           int64          `json:"input"`
	Output          int64          `json:"output"`
	Total           int64          `json:"total"`
	CacheHit        *int64         `json:"cache_hit,omitempty"`
	InputCached     *bool          `json:"input_cached,omitempty"`
	OutputReasoning *int64         `json:"output_reasoning,omitempty"`
	MetaInfo        map[string]any `json:"meta_info,omitempty"`
}

// Cost is a monetary amount with an optional per-component breakdown.
type Cost struct {
	Amount    float64            `json:"amount"`
	Currency  string             `json:"currency"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
}

// ModelRate is the per-token pricing of one model.
type ModelRate struct {
	Model          string   `json:"model"`
	PromptRate     float64  `json:"prompt_rate"`
	CompletionRate float64  `json:"completion_rate"`
	ReasoningRate  *float64 `json:"reasoning_rate,omitempty"`
	ImageRate      *float64 `json:"image_rate,omitempty"`
	Currency       string   `json:"currency"`
	CreatedAt      int64    `json:"created_at"`
}

// Hold is a reserved amount with its transaction id.
type Hold struct {
	AmountHeld    float64 `json:"amount_held"`
	TransactionID string  `json:"transaction_id"`
}

// UsageRecord is a persisted usage entry.
type UsageRecord struct {
	ID               string         `json:"id"`
	Model            string         `json:"model"`
	PromptTokens     int64          `json:"prompt_tokens"`
	CompletionTokens int64          `json:"completion_tokens"`
	TotalCost        float64        `json:"total_cost"`
	Currency         string         `json:"currency"`
	MetaInfo         map[string]any `json:"meta_info,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Generation is a persisted generation entry in the OpenRouter shape.
type Generation struct {
	ID                 string  `json:"id"`
	TotalCost          float64 `json:"total_cost"`
	CreatedAt          string  `json:"created_at"`
	Model              string  `json:"model"`
	Origin             string  `json:"origin"`
	Usage              float64 `json:"usage"`
	IsBYOK             bool    `json:"is_byok"`
	Streamed           *bool   `json:"streamed,omitempty"`
	FinishReason       string  `json:"finish_reason,omitempty"`
	NativeFinishReason string  `json:"native_finish_reason,omitempty"`
}

// GenerationParams describes the generation record to create.
type GenerationParams struct {
	ID                 string         `json:"id"`
	Model              string         `json:"model"`
	Provider           string         `json:"provider"`
	Origin             string         `json:"origin,omitempty"`
	GenerationTime     float64        `json:"generation_time"`
	Speed              float64        `json:"speed"`
	FinishReason       string         `json:"finish_reason"`
	NativeFinishReason string         `json:"native_finish_reason"`
	Error              string         `json:"error,omitempty"`
	IsStreaming        bool           `json:"is_streaming"`
	MetaInfo           map[string]any `json:"meta_info,omitempty"`
	UsageID            string         `json:"usage_id"`
}

type options struct {
	logger  *slog.Logger
	timeout time.Duration
}

// Option customises the client.
type Option func(*options)

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Client calls the usage API. Calls on behalf of a user forward the user key
// in Authorization and the service key in X-Service-Authorization;
// service-only calls carry the service key in Authorization.
type Client struct {
	rest       *resty.Client
	serviceKey string
	cache      cache.Cache
	cb         *resilience.Breaker
	log        *slog.Logger
}

// New builds a usage API client against baseURL.
func New(baseURL, serviceKey string, c cache.Cache, opts ...Option) *Client {
	o := options{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if c == nil {
		c = cache.NewNoop()
	}
	return &Client{
		rest: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(o.timeout),
		serviceKey: serviceKey,
		cache:      c,
		cb:         resilience.NewBreaker(resilience.Config{Name: "billing", Logger: o.logger}),
		log:        o.logger.With("component", "billing"),
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.rest.GetClient().CloseIdleConnections()
	return nil
}

func (c *Client) request(ctx context.Context, apiKey string) *resty.Request {
	req := c.rest.R().SetContext(ctx)
	if apiKey != "" {
		req.SetHeader("Authorization", "Bearer "+apiKey)
		req.SetHeader("X-Service-Authorization", "Bearer "+c.serviceKey)
	} else {
		req.SetHeader("Authorization", "Bearer "+c.serviceKey)
	}
	return req
}

// execute runs the request through the circuit breaker. Outage-class
// failures (network errors, 5xx) feed the breaker; once it opens the call is
// rejected locally as a 503 so the fallback path engages without a timeout.
func (c *Client) execute(req *resty.Request, method, endpoint string) error {
	var callErr error
	err := c.cb.Do(func() error {
		callErr = c.send(req, method, endpoint)
		if shouldFallback(callErr) {
			return callErr
		}
		return nil
	})
	if errors.Is(err, resilience.ErrOpen) {
		c.log.Warn("usage API circuit open", "method", method, "endpoint", endpoint)
		return llm.NewError(503, "Usage API request failed: circuit open",
			map[string]any{
				"endpoint":      endpoint,
				"method":        method,
				"status_code":   503,
				"network_error": true,
			})
	}
	return callErr
}

// send runs the request and maps failures: HTTP errors keep their status
// code, network errors become 503 with a network_error detail.
func (c *Client) send(req *resty.Request, method, endpoint string) error {
	resp, err := req.Execute(method, endpoint)
	if err != nil {
		c.log.Error("usage API network error",
			"method", method, "endpoint", endpoint, "error", err)
		return llm.NewError(503,
			fmt.Sprintf("Usage API request failed: %v", err),
			map[string]any{
				"endpoint":      endpoint,
				"method":        method,
				"status_code":   503,
				"network_error": true,
			})
	}
	if resp.IsError() {
		msg := fmt.Sprintf("status %d", resp.StatusCode())
		var parsed map[string]any
		if json.Unmarshal(resp.Body(), &parsed) == nil {
			if v, ok := parsed["error"]; ok {
				msg = fmt.Sprint(v)
			}
		}
		c.log.Error("usage API error", "method", method, "endpoint", endpoint,
			"status_code", resp.StatusCode(), "error", msg)
		return llm.NewError(resp.StatusCode(),
			"Usage API request failed: "+msg,
			map[string]any{
				"endpoint":    endpoint,
				"method":      method,
				"status_code": resp.StatusCode(),
			})
	}
	return nil
}

// shouldFallback reports whether the error warrants a synthetic success:
// server-side failures and network errors do, client errors do not.
func shouldFallback(err error) bool {
	var perr *llm.Error
	if !errors.As(err, &perr) {
		return false
	}
	switch perr.Code {
	case 500, 502, 503, 504:
		return true
	}
	if v, ok := perr.Details["network_error"].(bool); ok && v {
		return true
	}
	return false
}

func fallbackTransactionID() string {
	return "fallback_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// wrapError rewrites the message of an upstream *llm.Error, keeping its code
// and details.
func wrapError(err error, format string) error {
	var perr *llm.Error
	if errors.As(err, &perr) {
		return llm.NewError(perr.Code, fmt.Sprintf(format, perr.Message), perr.Details)
	}
	return err
}

// ModelRates lists the per-token pricing of every model, cached briefly.
// When the API is unavailable the listing is empty rather than an error.
func (c *Client) ModelRates(ctx context.Context, currency string) ([]ModelRate, error) {
	key := "billing:rates:" + strings.ToUpper(currency)
	var cached []ModelRate
	if ok, err := c.cache.Get(ctx, key, &cached); err == nil && ok {
		return cached, nil
	}

	var rates []ModelRate
	req := c.request(ctx, "").SetResult(&rates)
	if currency != "" {
		req.SetQueryParam("currency", strings.ToUpper(currency))
	}
	if err := c.execute(req, resty.MethodGet, "/models/rates"); err != nil {
		if shouldFallback(err) {
			c.log.Warn("usage API unavailable, returning empty model rates",
				"error", err)
			return nil, nil
		}
		return nil, wrapError(err, "Failed to get model rates: %s")
	}
	if err := c.cache.Set(ctx, key, rates, ratesTTL); err != nil {
		c.log.Warn("failed to cache model rates", "error", err)
	}
	return rates, nil
}

// CalculateCost prices a token count without placing a hold. Unavailable
// API yields a zero cost.
func (c *Client) CalculateCost(ctx context.Context, apiKey string, tokens TokenCount, currency string) (Cost, error) {
	if currency == "" {
		currency = CurrencyRUB
	}
	var out struct {
		Cost Cost `json:"cost"`
	}
	req := c.request(ctx, apiKey).
		SetBody(map[string]any{"token_count": tokens, "currency": currency}).
		SetResult(&out)
	if err := c.execute(req, resty.MethodPost, "/billing/costs/calculate"); err != nil {
		if shouldFallback(err) {
			c.log.Warn("usage API unavailable, returning zero cost",
				"model", tokens.Model, "error", err)
			return Cost{Currency: currency, Breakdown: map[string]float64{}}, nil
		}
		return Cost{}, wrapError(err, "Cost calculation failed: %s")
	}
	return out.Cost, nil
}

// ProcessCost places a hold for a known cost. Unavailable API yields a zero
// hold with a fallback transaction id; 402 surfaces as insufficient funds.
func (c *Client) ProcessCost(ctx context.Context, apiKey string, cost Cost) (Hold, error) {
	var out Hold
	req := c.request(ctx, apiKey).
		SetBody(map[string]any{"cost": cost}).
		SetResult(&out)
	if err := c.execute(req, resty.MethodPost, "/billing/holds/create/cost"); err != nil {
		if shouldFallback(err) {
			c.log.Warn("usage API unavailable, returning zero hold", "error", err)
			return fallbackHold(), nil
		}
		return Hold{}, c.holdError(err, "Cost processing failed: %s", map[string]any{
			"cost_amount": cost.Amount,
			"currency":    cost.Currency,
		})
	}
	return out, nil
}

// ProcessCostWithTokens places a hold priced from a token count.
func (c *Client) ProcessCostWithTokens(ctx context.Context, apiKey string, tokens TokenCount) (Hold, error) {
	var out Hold
	req := c.request(ctx, apiKey).
		SetBody(map[string]any{"token_count": tokens}).
		SetResult(&out)
	if err := c.execute(req, resty.MethodPost, "/billing/holds/create/tokens"); err != nil {
		if shouldFallback(err) {
			c.log.Warn("usage API unavailable, returning zero hold",
				"model", tokens.Model, "error", err)
			return fallbackHold(), nil
		}
		return Hold{}, c.holdError(err, "Cost processing with tokens failed: %s", map[string]any{
			"model": tokens.Model,
		})
	}
	return out, nil
}

// holdError maps hold placement failures: 402 becomes the insufficient
// funds error, anything else keeps its code with a rewritten message.
func (c *Client) holdError(err error, format string, details map[string]any) error {
	var perr *llm.Error
	if errors.As(err, &perr) && perr.Code == 402 {
		details["error_type"] = "payment_required"
		c.log.Warn("payment required during cost processing", "details", details)
		return llm.NewError(402, "Insufficient funds for request processing", details)
	}
	return wrapError(err, format)
}

// fallbackHold is the zero hold returned when the usage API is down.
func fallbackHold() Hold {
	return Hold{TransactionID: fallbackTransactionID()}
}

// FinalizeHold settles a cost hold. Unavailable API reports success.
func (c *Client) FinalizeHold(ctx context.Context, apiKey string, cost Cost, transactionID string) (bool, error) {
	var out struct {
		Success bool `json:"success"`
	}
	req := c.request(ctx, apiKey).
		SetBody(map[string]any{"cost": cost, "transaction_id": transactionID}).
		SetResult(&out)
	if err := c.execute(req, resty.MethodPost, "/billing/holds/finalize/cost"); err != nil {
		if shouldFallback(err) {
			c.log.Warn("usage API unavailable, treating hold as finalized",
				"transaction_id", transactionID, "error", err)
			return true, nil
		}
		return false, wrapError(err, "Hold finalization failed: %s")
	}
	return out.Success, nil
}

// FinalizeHoldWithTokens settles a token-priced hold.
func (c *Client) FinalizeHoldWithTokens(ctx context.Context, apiKey string, tokens TokenCount, transactionID string) (bool, error) {
	var out struct {
		Success bool `json:"success"`
	}
	req := c.request(ctx, apiKey).
		SetBody(map[string]any{"token_count": tokens, "transaction_id": transactionID}).
		SetResult(&out)
	if err := c.execute(req, resty.MethodPost, "/billing/holds/finalize/tokens"); err != nil {
		if shouldFallback(err) {
			c.log.Warn("usage API unavailable, treating hold as finalized",
				"transaction_id", transactionID, "model", tokens.Model, "error", err)
			return true, nil
		}
		return false, wrapError(err, "Hold finalization with tokens failed: %s")
	}
	return out.Success, nil
}

// CreateUsage persists a usage record. Unavailable API yields a synthetic
// local record.
func (c *Client) CreateUsage(ctx context.Context, apiKey string, tokens TokenCount, cost Cost, meta map[string]any) (UsageRecord, error) {
	var out struct {
		Data UsageRecord `json:"data"`
	}
	req := c.request(ctx, apiKey).
		SetBody(map[string]any{"tokens": tokens, "cost": cost, "meta_info": meta}).
		SetResult(&out)
	if err := c.execute(req, resty.MethodPost, "/analytics/usage"); err != nil {
		if shouldFallback(err) {
			c.log.Warn("usage API unavailable, returning synthetic usage record",
				"model", tokens.Model, "error", err)
			return UsageRecord{
				ID:               uuid.NewString(),
				Model:            tokens.Model,
				PromptTokens:     tokens.Input,
				CompletionTokens: tokens.Output,
				TotalCost:        cost.Amount,
				Currency:         cost.Currency,
				MetaInfo:         meta,
				CreatedAt:        time.Now().UTC(),
			}, nil
		}
		return UsageRecord{}, wrapError(err, "Usage record creation failed: %s")
	}
	return out.Data, nil
}

// CreateGeneration persists a generation record. Unavailable API yields a
// synthetic local record.
func (c *Client) CreateGeneration(ctx context.Context, apiKey string, params GenerationParams) (Generation, error) {
	var out struct {
		Data Generation `json:"data"`
	}
	req := c.request(ctx, apiKey).
		SetBody(params).
		SetResult(&out)
	if err := c.execute(req, resty.MethodPost, "/analytics/generation"); err != nil {
		if shouldFallback(err) {
			c.log.Warn("usage API unavailable, returning synthetic generation record",
				"generation_id", params.ID, "model", params.Model, "error", err)
			streamed := params.IsStreaming
			return Generation{
				ID:                 params.ID,
				CreatedAt:          time.Now().UTC().Format(time.RFC3339),
				Model:              params.Model,
				Origin:             params.Origin,
				Streamed:           &streamed,
				FinishReason:       params.FinishReason,
				NativeFinishReason: params.NativeFinishReason,
			}, nil
		}
		return Generation{}, wrapError(err, "Generation record creation failed: %s")
	}
	return out.Data, nil
}
