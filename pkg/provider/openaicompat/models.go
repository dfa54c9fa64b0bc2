package openaicompat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xrouter/llmgw/pkg/llm"
	"github.com/xrouter/llmgw/pkg/provider"
)

// Models returns the provider catalog, served from cache when fresh.
func (d *Driver) Models(ctx context.Context) ([]provider.Model, error) {
	key := "models:" + d.cfg.ID
	var cached []provider.Model
	if ok, err := d.cache.Get(ctx, key, &cached); err == nil && ok {
		return cached, nil
	}

	var raw []byte
	if !d.opts.staticCatalog {
		listing, err := d.fetchListing(ctx)
		if err != nil {
			return nil, err
		}
		raw = listing
	}
	models, err := d.opts.catalog(d.cfg.ID, raw)
	if err != nil {
		return nil, llm.NewError(500,
			fmt.Sprintf("Failed to get models: %v", err),
			map[string]any{"error": err.Error()})
	}
	if err := d.cache.Set(ctx, key, models, d.opts.modelsTTL); err != nil {
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
			if err := d.cache.Set(ctx, key, m, d.opts.modelsTTL); err != nil {
				d.log.Warn("failed to cache model", "model_id", id, "error", err)
			}
			return m, nil
		}
	}
	return provider.Model{}, llm.NewError(404,
		fmt.Sprintf("Model %s not found", id),
		map[string]any{"model_id": id})
}

func (d *Driver) fetchListing(ctx context.Context) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		d.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: build models request: %w", err)
	}
	httpReq.Header = d.headers()

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, llm.NewError(500,
			fmt.Sprintf("Failed to get models: %v", err),
			map[string]any{"error": err.Error()})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, llm.NewError(500,
			fmt.Sprintf("Failed to get models: %v", err),
			map[string]any{"error": err.Error()})
	}
	if resp.StatusCode >= 400 {
		return nil, llm.NewError(resp.StatusCode,
			fmt.Sprintf("Failed to get models: status %d", resp.StatusCode),
			map[string]any{"response": string(body)})
	}
	return body, nil
}
