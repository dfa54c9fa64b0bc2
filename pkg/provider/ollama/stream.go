package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openai/openai-go/packages/ssestream"

	"github.com/xrouter/llmgw/pkg/llm"
)

// requestPayload is the OpenAI-compatible completion request Ollama accepts.
type requestPayload struct {
	Model       string          `json:"model"`
	Messages    []llm.Message   `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream"`
	Stop        llm.StringList  `json:"stop,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Tools       []llm.Tool      `json:"tools,omitempty"`
	ToolChoice  *llm.ToolChoice `json:"tool_choice,omitempty"`
}

// Stream wire shapes.

type chunkPayload struct {
	Created int64           `json:"created"`
	Choices []choicePayload `json:"choices"`
	Usage   *llm.Usage      `json:"usage"`
}

type choicePayload struct {
	Index        int          `json:"index"`
	Delta        deltaPayload `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

type deltaPayload struct {
	Role      string         `json:"role"`
	Content   *string        `json:"content"`
	ToolCalls []llm.ToolCall `json:"tool_calls"`
}

// StreamCompletion posts the completion and returns the chunk channel.
// Ollama never reports usage, so when a finish reason was seen the [DONE]
// marker is converted into a synthetic zero-usage terminal chunk.
func (d *Driver) StreamCompletion(ctx context.Context, req llm.ProviderRequest) (<-chan llm.Chunk, error) {
	if req.Model == "" {
		return nil, llm.NewError(400, "Failed to map request for Ollama",
			map[string]any{"error": "model is required"})
	}
	body := requestPayload{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      true,
		Stop:        req.Stop,
		MaxTokens:   req.MaxTokens,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewError(400, "Failed to map request for Ollama",
			map[string]any{"error": err.Error()})
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header = d.headers()

	d.log.Debug("starting stream request",
		"request_id", req.RequestID, "model", req.Model)
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, llm.NewError(500,
			fmt.Sprintf("Ollama API error: %v", err),
			map[string]any{"error": err.Error()})
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		d.log.Error("error response from upstream",
			"status", resp.StatusCode, "request_id", req.RequestID,
			"body", string(text))
		return nil, llm.NewError(resp.StatusCode,
			fmt.Sprintf("Ollama API error: status %d", resp.StatusCode),
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
	var lastCreated int64
	for decoder.Next() {
		data := decoder.Event().Data
		if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
			if sawFinish {
				d.emit(ctx, out, syntheticUsageChunk(req, d.cfg.ID, lastCreated))
			}
			return
		}
		var payload chunkPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			continue
		}
		chunk := mapChunk(payload, req.RequestID, req.Model, d.cfg.ID)
		lastCreated = chunk.Created
		if chunk.FinishReason() != nil {
			sawFinish = true
		}
		if !d.emit(ctx, out, chunk) {
			return
		}
	}
	if err := decoder.Err(); err != nil {
		d.emit(ctx, out, llm.Chunk{Err: llm.NewError(500,
			fmt.Sprintf("Ollama stream error: %v", err),
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

func mapChunk(p chunkPayload, requestID, model, providerID string) llm.Chunk {
	choices := make([]llm.StreamChoice, 0, len(p.Choices))
	for _, c := range p.Choices {
		role := llm.Role(c.Delta.Role)
		if role == "" {
			role = llm.RoleAssistant
		}
		delta := llm.Message{Role: role, ToolCalls: c.Delta.ToolCalls}
		if c.Delta.Content != nil {
			delta.Content = llm.Text(*c.Delta.Content)
		}
		choices = append(choices, llm.StreamChoice{
			Index:        c.Index,
			Delta:        delta,
			FinishReason: c.FinishReason,
		})
	}
	created := p.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	return llm.Chunk{
		ID:       requestID,
		Object:   llm.ObjectChatCompletionChunk,
		Created:  created,
		Model:    model,
		Provider: providerID,
		Choices:  choices,
		Usage:    p.Usage,
	}
}

// syntheticUsageChunk is the terminal chunk emitted at [DONE]: zero token
// counts with both detail blocks present so downstream accounting sees a
// complete usage record.
func syntheticUsageChunk(req llm.ProviderRequest, providerID string, created int64) llm.Chunk {
	if created == 0 {
		created = time.Now().Unix()
	}
	return llm.Chunk{
		ID:       req.RequestID,
		Object:   llm.ObjectChatCompletionChunk,
		Created:  created,
		Model:    req.Model,
		Provider: providerID,
		Choices: []llm.StreamChoice{{
			Index: 0,
			Delta: llm.Message{Role: llm.RoleAssistant, Content: llm.Text("")},
		}},
		Usage: &llm.Usage{
			PromptTokensDetails:     &llm.PromptTokensDetails{},
			CompletionTokensDetails: &llm.CompletionTokensDetails{},
		},
	}
}
