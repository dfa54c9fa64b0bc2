package chain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xrouter/llmgw/internal/billing"
	"github.com/xrouter/llmgw/internal/config"
	"github.com/xrouter/llmgw/pkg/llm"
	"github.com/xrouter/llmgw/pkg/provider"
)

// transformHandler validates the inbound request and builds the
// provider-agnostic request routed to the driver.
type transformHandler struct {
	cfg *config.Settings
	log *slog.Logger
}

func (h *transformHandler) Name() string { return "transform" }

func (h *transformHandler) CanHandle(c *Context) bool {
	return c.Request != nil
}

func (h *transformHandler) Handle(_ context.Context, c *Context, _ provider.Provider, _ EmitFunc) error {
	req := c.Request

	if req.Usage != nil {
		c.IncludeUsage = req.Usage.Include
	}

	if err := h.validate(req); err != nil {
		return err
	}

	if c.GenerationID == "" {
		c.GenerationID = NewGenerationID()
	}

	// The native dialect accepts a bare prompt instead of messages.
	if !h.cfg.OpenAICompatibleAPI && req.Prompt != "" {
		req.Messages = []llm.Message{
			{Role: llm.RoleUser, Content: llm.Text(req.Prompt)},
		}
		req.Prompt = ""
	}

	for _, msg := range req.Messages {
		if !msg.Role.IsValid() {
			return llm.NewError(400,
				fmt.Sprintf("Invalid role: %s", msg.Role),
				map[string]any{"error": "Unsupported message role"})
		}
		if (msg.Role == llm.RoleUser || msg.Role == llm.RoleSystem) &&
			msg.Content.HasCacheControl() {
			c.CacheWrite = true
		}
	}

	reasoning := req.Reasoning
	if h.cfg.OpenAICompatibleAPI {
		reasoning = nil
		if req.ReasoningEffort != "" {
			reasoning = &llm.ReasoningConfig{Effort: req.ReasoningEffort}
		}
	}

	pr := llm.ProviderRequest{Request: *req, RequestID: c.RequestID}
	pr.Model = c.Model.ModelID
	pr.Prompt = ""
	pr.Reasoning = reasoning
	pr.ReasoningEffort = ""
	if h.cfg.OpenAICompatibleAPI {
		pr.RepetitionPenalty = nil
	}
	c.ProviderRequest = &pr

	h.log.Info("transformed request",
		"request_id", c.RequestID,
		"model", c.Model.ModelID,
		"provider", c.Model.ProviderID,
		"stream", req.Stream,
		"message_count", len(pr.Messages))
	return nil
}

func (h *transformHandler) validate(req *llm.Request) error {
	if h.cfg.OpenAICompatibleAPI {
		if len(req.Messages) == 0 {
			return llm.NewError(400, "Messages are required for OpenAI format",
				map[string]any{"error": "Missing required field"})
		}
	} else {
		if len(req.Messages) == 0 && req.Prompt == "" {
			return llm.NewError(400, "Either messages or prompt is required",
				map[string]any{"error": "Missing required field"})
		}
		if len(req.Messages) > 0 && req.Prompt != "" {
			return llm.NewError(400, "Cannot provide both messages and prompt",
				map[string]any{"error": "Conflicting fields"})
		}
	}

	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return llm.NewError(400, "Temperature must be between 0.0 and 2.0",
			map[string]any{"error": "Invalid temperature value"})
	}
	if req.TopP != nil && (*req.TopP <= 0 || *req.TopP > 1) {
		return llm.NewError(400, "Top P must be between 0.0 and 1.0",
			map[string]any{"error": "Invalid top_p value"})
	}
	if !h.cfg.OpenAICompatibleAPI && req.RepetitionPenalty != nil &&
		(*req.RepetitionPenalty <= 0 || *req.RepetitionPenalty > 2) {
		return llm.NewError(400, "Repetition penalty must be between 0.0 and 2.0",
			map[string]any{"error": "Invalid repetition_penalty value"})
	}
	if req.FrequencyPenalty != nil && (*req.FrequencyPenalty < -2 || *req.FrequencyPenalty > 2) {
		return llm.NewError(400, "Frequency penalty must be between -2.0 and 2.0",
			map[string]any{"error": "Invalid frequency_penalty value"})
	}
	if req.PresencePenalty != nil && (*req.PresencePenalty < -2 || *req.PresencePenalty > 2) {
		return llm.NewError(400, "Presence penalty must be between -2.0 and 2.0",
			map[string]any{"error": "Invalid presence_penalty value"})
	}

	if len(req.Tools) > llm.MaxTools {
		return llm.NewError(400,
			fmt.Sprintf("A maximum of %d tools are supported", llm.MaxTools),
			map[string]any{"error": "Too many tools"})
	}
	for _, tool := range req.Tools {
		if len(tool.Function.Name) > llm.MaxToolNameLen {
			return llm.NewError(400,
				fmt.Sprintf("Tool name exceeds %d characters", llm.MaxToolNameLen),
				map[string]any{"error": "Invalid tool name", "tool_name": tool.Function.Name})
		}
	}
	return nil
}

// tokenizeHandler estimates tokens pessimistically before the provider call:
// both sides of the exchange are assumed to use the full max_tokens budget.
type tokenizeHandler struct {
	log *slog.Logger
}

func (h *tokenizeHandler) Name() string { return "tokenize" }

func (h *tokenizeHandler) CanHandle(c *Context) bool {
	return c.Model.ModelID != "" && c.ProviderRequest != nil
}

func (h *tokenizeHandler) Handle(_ context.Context, c *Context, _ provider.Provider, _ EmitFunc) error {
	budget := int64(c.ProviderRequest.EffectiveMaxTokens())
	c.ExpectedTokens = &billing.TokenCount{
		Model:    c.Model.ExternalModelID,
		Provider: c.Model.ProviderID,
		Input:    budget,
		Output:   budget,
		Total:    budget * 2,
	}
	h.log.Debug("estimated tokens",
		"request_id", c.RequestID,
		"input", budget, "output", budget)
	return nil
}
