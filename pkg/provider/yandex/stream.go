package yandex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go/packages/ssestream"

	"github.com/xrouter/llmgw/pkg/llm"
)

// StreamCompletion posts the completion and returns the chunk channel. The
// upstream never sends [DONE]; the stream ends at the first chunk carrying a
// finish reason.
func (d *Driver) StreamCompletion(ctx context.Context, req llm.ProviderRequest) (<-chan llm.Chunk, error) {
	if len(req.Tools) > 0 && strings.Contains(strings.ToLower(req.Model), "lite") {
		return nil, llm.NewError(400, "YandexGPT Lite does not support function calling",
			map[string]any{"error": "Function calling is only supported in YandexGPT Pro and Pro 32k models"})
	}

	body, err := d.buildBody(req)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewError(400, "Failed to map request for Yandex",
			map[string]any{"error": err.Error()})
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.cfg.BaseURL+"/completion", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("yandex: build request: %w", err)
	}
	httpReq.Header = d.headers()

	d.log.Debug("starting stream request",
		"request_id", req.RequestID, "model_uri", body.ModelURI,
		"has_tools", len(body.Tools) > 0)
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, llm.NewError(500,
			fmt.Sprintf("Yandex API error: %v", err),
			map[string]any{"error": err.Error()})
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		d.log.Error("error response from upstream",
			"status", resp.StatusCode, "request_id", req.RequestID,
			"body", string(text))
		return nil, llm.NewError(resp.StatusCode,
			fmt.Sprintf("Yandex API error: status %d", resp.StatusCode),
			map[string]any{"response": string(text)})
	}

	out := make(chan llm.Chunk)
	go d.consume(ctx, resp, req, out)
	return out, nil
}

func (d *Driver) consume(ctx context.Context, resp *http.Response, req llm.ProviderRequest, out chan<- llm.Chunk) {
	defer close(out)
	defer resp.Body.Close()

	decoder := ssestream.NewDecoder(resp)
	defer decoder.Close()

	previousText := ""
	for decoder.Next() {
		var payload chunkPayload
		if err := json.Unmarshal(decoder.Event().Data, &payload); err != nil {
			continue
		}
		chunk, final := mapChunk(payload, req.RequestID, req.Model, d.cfg.ID, &previousText)
		if len(chunk.Choices) == 0 {
			continue
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
		if final {
			return
		}
	}
	if err := decoder.Err(); err != nil {
		select {
		case out <- llm.Chunk{Err: llm.NewError(500,
			fmt.Sprintf("Yandex stream error: %v", err),
			map[string]any{"error": err.Error()})}:
		case <-ctx.Done():
		}
	}
}
