package chain

import (
	"context"
	"log/slog"
	"time"

	"github.com/xrouter/llmgw/internal/config"
	"github.com/xrouter/llmgw/pkg/llm"
	"github.com/xrouter/llmgw/pkg/provider"
)

// completionHandler runs the provider stream. Streamed requests re-wrap
// every chunk for the caller; non-streaming requests collect the chunks and
// assemble a single response.
type completionHandler struct {
	cfg *config.Settings
	log *slog.Logger
}

func (h *completionHandler) Name() string { return "completion" }

func (h *completionHandler) CanHandle(c *Context) bool {
	return c.Model.ModelID != "" && c.ProviderRequest != nil
}

func (h *completionHandler) Handle(ctx context.Context, c *Context, p provider.Provider, emit EmitFunc) error {
	c.Metadata.StartTime = time.Now()

	stream, err := p.StreamCompletion(ctx, *c.ProviderRequest)
	if err != nil {
		return err
	}

	if c.Request.Stream {
		return h.streamChunks(c, stream, emit)
	}
	return h.assembleResponse(c, stream)
}

// isFinalChunk implements the two-step termination protocol: a chunk is
// final when it carries usage alongside a finish reason, or carries usage
// after a finish reason was already seen. Native usage and the finish
// reason are recorded as a side effect.
func (h *completionHandler) isFinalChunk(chunk llm.Chunk, c *Context) bool {
	finish := chunk.FinishReason()
	hasUsage := chunk.Usage != nil

	if hasUsage {
		c.NativeUsage = chunk.Usage
	}
	if finish != nil {
		c.Metadata.HasFinishReason = true
		c.Metadata.FinishReason = *finish
	}
	if hasUsage && (finish != nil || c.Metadata.HasFinishReason) {
		return true
	}
	return false
}

// filterUsage strips the detail blocks unless the caller asked for them.
func (h *completionHandler) filterUsage(u *llm.Usage, c *Context) *llm.Usage {
	if u == nil {
		return nil
	}
	if c.IncludeUsage {
		return u
	}
	return u.Basic()
}

// rewrapChunk rebuilds a provider chunk as the gateway-facing chunk: the
// generation id becomes the chunk id, the external model id replaces the
// native one, and usage appears only on the terminal chunk.
func (h *completionHandler) rewrapChunk(chunk llm.Chunk, c *Context, final bool) llm.Chunk {
	out := llm.Chunk{
		ID:      c.GenerationID,
		Object:  llm.ObjectChatCompletionChunk,
		Created: time.Now().Unix(),
		Model:   c.Model.ExternalModelID,
		Choices: chunk.Choices,
	}
	if !h.cfg.OpenAICompatibleAPI {
		out.Provider = c.Model.ProviderID
		for i := range out.Choices {
			if out.Choices[i].NativeFinishReason == nil {
				out.Choices[i].NativeFinishReason = out.Choices[i].FinishReason
			}
		}
	}
	if final {
		out.Usage = h.filterUsage(chunk.Usage, c)
	}
	return out
}

func (h *completionHandler) streamChunks(c *Context, stream <-chan llm.Chunk, emit EmitFunc) error {
	for chunk := range stream {
		if chunk.Err != nil {
			return chunk.Err
		}

		final := h.isFinalChunk(chunk, c)
		out := h.rewrapChunk(chunk, c, final)

		for _, choice := range chunk.Choices {
			c.Accumulated += choice.Delta.Content.AsText()
		}
		if emit != nil {
			if err := emit(out); err != nil {
				return err
			}
		}

		if final {
			c.FinalResponse = h.responseFromChunk(out, c)
			break
		}
	}
	return nil
}

// responseFromChunk records the terminal chunk's outcome for the usage stage.
func (h *completionHandler) responseFromChunk(chunk llm.Chunk, c *Context) *llm.Response {
	resp := &llm.Response{
		ID:      chunk.ID,
		Object:  llm.ObjectChatCompletion,
		Created: chunk.Created,
		Model:   chunk.Model,
		Usage:   chunk.Usage,
	}
	if c.Metadata.FinishReason != "" {
		reason := c.Metadata.FinishReason
		resp.Choices = []llm.Choice{{FinishReason: &reason}}
	}
	return resp
}

func (h *completionHandler) assembleResponse(c *Context, stream <-chan llm.Chunk) error {
	var chunks []llm.Chunk
	for chunk := range stream {
		if chunk.Err != nil {
			return chunk.Err
		}
		chunks = append(chunks, chunk)
		if h.isFinalChunk(chunk, c) {
			break
		}
	}

	var (
		content      string
		reasoning    string
		role         llm.Role
		usage        *llm.Usage
		finishReason *string
		callOrder    []string
		calls        = make(map[string]*llm.ToolCall)
	)

	for _, chunk := range chunks {
		for _, choice := range chunk.Choices {
			if choice.Delta.Role != "" {
				role = choice.Delta.Role
			}
			content += choice.Delta.Content.AsText()
			reasoning += choice.Delta.Reasoning
			for _, tc := range choice.Delta.ToolCalls {
				mergeToolCall(calls, &callOrder, tc)
			}
			if choice.FinishReason != nil {
				finishReason = choice.FinishReason
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	c.Accumulated = content

	if role == "" {
		role = llm.RoleAssistant
	}

	message := llm.Message{Role: role, Reasoning: reasoning}
	if content != "" {
		message.Content = llm.Text(content)
	}
	for _, id := range callOrder {
		tc := *calls[id]
		tc.Index = nil
		message.ToolCalls = append(message.ToolCalls, tc)
	}

	resp := &llm.Response{
		ID:      c.GenerationID,
		Object:  llm.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   c.Model.ExternalModelID,
		Choices: []llm.Choice{{
			Index:        0,
			Message:      message,
			FinishReason: finishReason,
		}},
		Usage: h.filterUsage(usage, c),
	}
	if !h.cfg.OpenAICompatibleAPI {
		resp.Provider = c.Model.ProviderID
		resp.Choices[0].NativeFinishReason = finishReason
	}
	c.FinalResponse = resp

	h.log.Info("assembled response",
		"request_id", c.RequestID,
		"chunk_count", len(chunks),
		"tool_calls", len(message.ToolCalls))
	return nil
}

// mergeToolCall folds a streamed tool call fragment into the accumulated
// call set: the first fragment with an id wins the structure, later
// fragments append their argument text.
func mergeToolCall(calls map[string]*llm.ToolCall, order *[]string, tc llm.ToolCall) {
	existing, ok := calls[tc.ID]
	if !ok {
		copied := tc
		calls[tc.ID] = &copied
		*order = append(*order, tc.ID)
		return
	}
	if tc.Type == "function" {
		existing.Function.Arguments += tc.Function.Arguments
	}
}
