package gigachat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/openai/openai-go/packages/ssestream"

	"github.com/xrouter/llmgw/pkg/llm"
)

// StreamCompletion posts the chat completion and returns the chunk channel.
// GigaChat signals the end of the stream itself with [DONE]; there is no
// terminal-chunk inference.
func (d *Driver) StreamCompletion(ctx context.Context, req llm.ProviderRequest) (<-chan llm.Chunk, error) {
	if err := d.ensureToken(ctx); err != nil {
		return nil, err
	}

	body := buildBody(req)
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewError(400, "Failed to map request for GigaChat",
			map[string]any{"error": err.Error()})
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.cfg.BaseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gigachat: build request: %w", err)
	}
	httpReq.Header = d.headers(req.RequestID)

	d.log.Debug("starting stream request",
		"request_id", req.RequestID, "model", req.Model,
		"has_functions", len(body.Functions) > 0)
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, llm.NewError(500,
			fmt.Sprintf("GigaChat API error: %v", err),
			map[string]any{"error": err.Error()})
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		d.log.Error("error response from upstream",
			"status", resp.StatusCode, "request_id", req.RequestID,
			"body", string(text))
		return nil, llm.NewError(resp.StatusCode,
			fmt.Sprintf("GigaChat API error: status %d", resp.StatusCode),
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

	for decoder.Next() {
		data := decoder.Event().Data
		if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
			return
		}
		var payload chunkPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			continue
		}
		chunk := mapChunk(payload, req.RequestID, req.Model, d.cfg.ID)
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}
	if err := decoder.Err(); err != nil {
		select {
		case out <- llm.Chunk{Err: llm.NewError(500,
			fmt.Sprintf("GigaChat stream error: %v", err),
			map[string]any{"error": err.Error()})}:
		case <-ctx.Done():
		}
	}
}
