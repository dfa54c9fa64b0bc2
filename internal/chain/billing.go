package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xrouter/llmgw/internal/billing"
	"github.com/xrouter/llmgw/pkg/llm"
	"github.com/xrouter/llmgw/pkg/provider"
)

// limitsHandler places a cost hold from the pessimistic token estimate
// before the provider call. The hold's transaction id doubles as the
// generation id for the rest of the request.
type limitsHandler struct {
	bill *billing.Client
	log  *slog.Logger
}

func (h *limitsHandler) Name() string { return "limits" }

func (h *limitsHandler) CanHandle(c *Context) bool {
	return c.APIKey != "" && c.UserID != "" &&
		c.OnHold == nil && c.ExpectedTokens != nil
}

func (h *limitsHandler) Handle(ctx context.Context, c *Context, _ provider.Provider, _ EmitFunc) error {
	hold, err := h.bill.ProcessCostWithTokens(ctx, c.APIKey, *c.ExpectedTokens)
	if err != nil {
		return err
	}
	if hold.TransactionID == "" {
		return llm.NewError(402, "Usage limit exceeded", map[string]any{
			"error":         "Insufficient funds",
			"error_type":    "payment_required",
			"provider_name": c.Model.ProviderID,
			"model_slug":    c.Model.ModelID,
		})
	}

	// A zero hold is legal: free models hold nothing.
	c.OnHold = &hold.AmountHeld
	c.GenerationID = hold.TransactionID

	h.log.Info("placed cost hold",
		"request_id", c.RequestID,
		"user_id", c.UserID,
		"on_hold", hold.AmountHeld,
		"transaction_id", hold.TransactionID)
	return nil
}

// usageHandler settles the hold and persists the analytics records once the
// final response is known.
type usageHandler struct {
	bill *billing.Client
	log  *slog.Logger
}

func (h *usageHandler) Name() string { return "usage" }

func (h *usageHandler) CanHandle(c *Context) bool {
	return c.FinalResponse != nil && c.APIKey != ""
}

func (h *usageHandler) Handle(ctx context.Context, c *Context, _ provider.Provider, _ EmitFunc) error {
	usage := c.NativeUsage
	if usage == nil {
		usage = c.FinalResponse.Usage
	}
	if usage == nil {
		return llm.NewError(400,
			"Usage data must be present in context or final response",
			map[string]any{"error": "Missing usage data", "request_id": c.RequestID})
	}
	if c.GenerationID == "" {
		return llm.NewError(400,
			"Generation ID (transaction_id) must be set in context",
			map[string]any{"error": "Missing generation ID", "request_id": c.RequestID})
	}

	tokens := h.tokenCount(usage, c)

	cost, err := h.bill.CalculateCost(ctx, c.APIKey, tokens, c.Currency)
	if err != nil {
		return err
	}

	if c.OnHold != nil && *c.OnHold > 0 {
		if _, err := h.bill.FinalizeHoldWithTokens(ctx, c.APIKey, tokens, c.GenerationID); err != nil {
			return err
		}
	}

	meta := map[string]any{
		"user_id":    c.UserID,
		"request_id": c.RequestID,
	}
	record, err := h.bill.CreateUsage(ctx, c.APIKey, tokens, cost, meta)
	if err != nil {
		return err
	}

	generationTime := time.Since(c.Metadata.StartTime).Seconds()
	speed := 0.0
	if generationTime > 0 {
		speed = float64(tokens.Total) / generationTime
	}

	if _, err := h.bill.CreateGeneration(ctx, c.APIKey, billing.GenerationParams{
		ID:                 c.GenerationID,
		Model:              c.Model.ExternalModelID,
		Provider:           c.Model.ProviderID,
		Origin:             c.Origin,
		GenerationTime:     generationTime,
		Speed:              speed,
		FinishReason:       h.finishReason(c),
		NativeFinishReason: h.finishReason(c),
		IsStreaming:        c.Request != nil && c.Request.Stream,
		MetaInfo: map[string]any{
			"request_id": c.RequestID,
			"stream":     c.Request != nil && c.Request.Stream,
		},
		UsageID: record.ID,
	}); err != nil {
		return err
	}

	h.log.Info("recorded usage",
		"request_id", c.RequestID,
		"usage_id", record.ID,
		"generation_id", c.GenerationID,
		"total_tokens", tokens.Total,
		"cost_amount", cost.Amount)
	return nil
}

// tokenCount builds the billing token tally from the provider usage,
// carrying cache and reasoning details when reported.
func (h *usageHandler) tokenCount(usage *llm.Usage, c *Context) billing.TokenCount {
	tokens := billing.TokenCount{
		Model:    c.Model.ExternalModelID,
		Provider: c.Model.ProviderID,
		Input:    int64(usage.PromptTokens),
		Output:   int64(usage.CompletionTokens),
		Total:    int64(usage.TotalTokens),
	}
	cacheHit := int64(usage.CachedTokens())
	tokens.CacheHit = &cacheHit
	tokens.InputCached = &c.CacheWrite
	if usage.CompletionTokensDetails != nil {
		reasoning := int64(usage.CompletionTokensDetails.ReasoningTokens)
		tokens.OutputReasoning = &reasoning
	}
	if usage.Cost != nil {
		tokens.MetaInfo = map[string]any{"cost": fmt.Sprint(*usage.Cost)}
	}
	return tokens
}

func (h *usageHandler) finishReason(c *Context) string {
	if c.Metadata.FinishReason != "" {
		return c.Metadata.FinishReason
	}
	if c.FinalResponse != nil && len(c.FinalResponse.Choices) > 0 &&
		c.FinalResponse.Choices[0].FinishReason != nil {
		return *c.FinalResponse.Choices[0].FinishReason
	}
	return "unknown"
}
