package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/packages/ssestream"

	"github.com/xrouter/llmgw/pkg/llm"
)

// Upstream chunk wire shapes. Field names follow the OpenAI chat completion
// chunk, extended with the deepseek reasoning and cache-hit extras.

type chunkPayload struct {
	ID                string          `json:"id"`
	Created           int64           `json:"created"`
	Model             string          `json:"model"`
	SystemFingerprint *string         `json:"system_fingerprint"`
	Choices           []choicePayload `json:"choices"`
	Usage             *usagePayload   `json:"usage"`
	Error             *errorPayload   `json:"error"`
}

type choicePayload struct {
	Index              int             `json:"index"`
	Delta              deltaPayload    `json:"delta"`
	FinishReason       *string         `json:"finish_reason"`
	NativeFinishReason *string         `json:"native_finish_reason"`
	Logprobs           json.RawMessage `json:"logprobs"`
}

type deltaPayload struct {
	Role             string         `json:"role"`
	Content          *string        `json:"content"`
	Reasoning        *string        `json:"reasoning"`
	ReasoningContent *string        `json:"reasoning_content"`
	Refusal          *string        `json:"refusal"`
	ToolCalls        []llm.ToolCall `json:"tool_calls"`
}

type usagePayload struct {
	PromptTokens            int                          `json:"prompt_tokens"`
	CompletionTokens        int                          `json:"completion_tokens"`
	TotalTokens             int                          `json:"total_tokens"`
	Cost                    *float64                     `json:"cost"`
	PromptTokensDetails     *llm.PromptTokensDetails     `json:"prompt_tokens_details"`
	CompletionTokensDetails *llm.CompletionTokensDetails `json:"completion_tokens_details"`
	PromptCacheHitTokens    *int                         `json:"prompt_cache_hit_tokens"`
}

type errorPayload struct {
	Code     json.RawMessage `json:"code"`
	Message  string          `json:"message"`
	Metadata map[string]any  `json:"metadata"`
}

// StreamCompletion posts the chat completion upstream and returns the chunk
// channel. The channel is closed when the stream ends; failures after the
// call started arrive in-band via [llm.Chunk.Err].
func (d *Driver) StreamCompletion(ctx context.Context, req llm.ProviderRequest) (<-chan llm.Chunk, error) {
	body, err := d.buildBody(req)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewError(400,
			fmt.Sprintf("Failed to map request for %s", d.cfg.Name),
			map[string]any{"error": err.Error()})
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.cfg.BaseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: build request: %w", err)
	}
	httpReq.Header = d.headers()

	d.log.Debug("starting stream request",
		"request_id", req.RequestID, "model", req.Model)
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, llm.NewError(500,
			fmt.Sprintf("%s API error: %v", d.cfg.ID, err),
			map[string]any{"error": err.Error()})
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		d.log.Error("error response from upstream",
			"status", resp.StatusCode, "request_id", req.RequestID,
			"body", string(text))
		return nil, llm.NewError(resp.StatusCode,
			fmt.Sprintf("%s API error: status %d", d.cfg.ID, resp.StatusCode),
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

	sawFinish := false
	for decoder.Next() {
		data := decoder.Event().Data
		if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
			return
		}
		var payload chunkPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			// Keep-alives and partial lines are not chunks.
			continue
		}
		if payload.Error != nil {
			d.emit(ctx, out, llm.Chunk{Err: payload.Error.toError(d.cfg.ID, data)})
			return
		}
		chunk := d.mapChunk(payload, req)
		final := d.isFinal(&chunk, &sawFinish)
		if !d.emit(ctx, out, chunk) || final {
			return
		}
	}
	if err := decoder.Err(); err != nil {
		d.emit(ctx, out, llm.Chunk{Err: llm.NewError(500,
			fmt.Sprintf("%s stream error: %v", d.cfg.ID, err),
			map[string]any{"error": err.Error()})})
	}
}

func (d *Driver) emit(ctx context.Context, out chan<- llm.Chunk, chunk llm.Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// mapChunk rewrites an upstream chunk into the gateway shape: the id becomes
// the gateway request id and the model the requested one.
func (d *Driver) mapChunk(p chunkPayload, req llm.ProviderRequest) llm.Chunk {
	created := p.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	choices := make([]llm.StreamChoice, 0, len(p.Choices))
	for _, c := range p.Choices {
		delta := llm.Message{
			Role:      llm.Role(c.Delta.Role),
			ToolCalls: c.Delta.ToolCalls,
		}
		if d.opts.forceAssistant {
			delta.Role = llm.RoleAssistant
		}
		if c.Delta.Content != nil {
			delta.Content = llm.Text(*c.Delta.Content)
		}
		if c.Delta.ReasoningContent != nil {
			delta.Reasoning = *c.Delta.ReasoningContent
		} else if c.Delta.Reasoning != nil {
			delta.Reasoning = *c.Delta.Reasoning
		}
		if c.Delta.Refusal != nil {
			delta.Refusal = *c.Delta.Refusal
		}
		choices = append(choices, llm.StreamChoice{
			Index:              c.Index,
			Delta:              delta,
			FinishReason:       c.FinishReason,
			NativeFinishReason: c.NativeFinishReason,
			Logprobs:           c.Logprobs,
		})
	}
	return llm.Chunk{
		ID:                req.RequestID,
		Object:            llm.ObjectChatCompletionChunk,
		Created:           created,
		Model:             req.Model,
		Provider:          d.cfg.ID,
		SystemFingerprint: p.SystemFingerprint,
		Choices:           choices,
		Usage:             p.Usage.toUsage(d.opts.cacheHitUsage),
	}
}

// isFinal implements the terminal-chunk rule: finish_reason together with
// usage ends the stream, as does a usage chunk after a previously seen
// finish_reason. Providers without usage chunks end on finish_reason alone.
func (d *Driver) isFinal(chunk *llm.Chunk, sawFinish *bool) bool {
	hasFinish := chunk.FinishReason() != nil
	hasUsage := chunk.Usage != nil
	if d.opts.finishOnly {
		return hasFinish
	}
	if hasFinish && hasUsage {
		return true
	}
	if hasUsage && *sawFinish {
		return true
	}
	if hasFinish {
		*sawFinish = true
	}
	return false
}

func (u *usagePayload) toUsage(cacheHit bool) *llm.Usage {
	if u == nil {
		return nil
	}
	usage := &llm.Usage{
		PromptTokens:            u.PromptTokens,
		CompletionTokens:        u.CompletionTokens,
		TotalTokens:             u.TotalTokens,
		Cost:                    u.Cost,
		PromptTokensDetails:     u.PromptTokensDetails,
		CompletionTokensDetails: u.CompletionTokensDetails,
	}
	if cacheHit {
		cached := 0
		if u.PromptCacheHitTokens != nil {
			cached = *u.PromptCacheHitTokens
		}
		usage.PromptTokensDetails = &llm.PromptTokensDetails{CachedTokens: cached}
	}
	return usage
}

// toError maps an in-stream error object onto the gateway error. Region
// blocks are surfaced as 403 regardless of the upstream code, and the raw
// upstream message wins over the generic one when present.
func (e *errorPayload) toError(providerID string, raw []byte) *llm.Error {
	code := 500
	var parsed int
	if err := json.Unmarshal(e.Code, &parsed); err == nil && parsed != 0 {
		code = parsed
	}

	message := e.Message
	if message == "" {
		message = "Provider returned error"
	}
	rawError, _ := e.Metadata["raw"].(string)
	if rawError != "" {
		message = rawError
	}
	if strings.Contains(string(raw), "unsupported_country_region_territory") {
		code = 403
	}

	providerName, _ := e.Metadata["provider_name"].(string)
	if providerName == "" {
		providerName = providerID
	}
	return llm.NewError(code, message, map[string]any{
		"error": map[string]any{
			"code":     json.RawMessage(e.Code),
			"message":  e.Message,
			"metadata": e.Metadata,
		},
		"provider_id":   providerID,
		"provider_name": providerName,
	})
}
