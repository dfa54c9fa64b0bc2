package server

import (
	"net/http"
	"strconv"

	"github.com/xrouter/llmgw/internal/billing"
	"github.com/xrouter/llmgw/pkg/provider"
)

// openAIModelsCreated is the fixed creation timestamp reported for every
// model in OpenAI mode (2025-03-20).
const openAIModelsCreated = 1710979200

// modelPricing is the per-token price block attached in native mode when
// billing is on. All rates travel as decimal strings.
type modelPricing struct {
	Prompt            string `json:"prompt"`
	Completion        string `json:"completion"`
	Request           string `json:"request"`
	Image             string `json:"image"`
	WebSearch         string `json:"web_search"`
	InternalReasoning string `json:"internal_reasoning"`
}

// modelProvider mirrors the serving limits of the upstream provider.
type modelProvider struct {
	ContextLength       int  `json:"context_length"`
	MaxCompletionTokens int  `json:"max_completion_tokens"`
	IsModerated         bool `json:"is_moderated"`
}

// modelLimits is the per-request token ceiling block.
type modelLimits struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
}

// modelEntry is one native-mode model listing entry.
type modelEntry struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"`
	Description      string                `json:"description,omitempty"`
	ContextLength    int                   `json:"context_length"`
	Pricing          *modelPricing         `json:"pricing"`
	Architecture     provider.Architecture `json:"architecture"`
	TopProvider      modelProvider         `json:"top_provider"`
	PerRequestLimits modelLimits           `json:"per_request_limits"`
}

// openAIModel is one OpenAI-mode model listing entry.
type openAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// handleModels serves the aggregated model catalog. Native mode decorates
// entries with billing rates when billing is on.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.cat.Models(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.cfg.OpenAICompatibleAPI {
		data := make([]openAIModel, 0, len(models))
		for _, m := range models {
			data = append(data, openAIModel{
				ID:      m.ModelID,
				Object:  "model",
				Created: openAIModelsCreated,
				OwnedBy: m.ProviderID,
			})
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data":   data,
		})
		return
	}

	rates := s.modelRates(r)
	data := make([]modelEntry, 0, len(models))
	for _, m := range models {
		entry := modelEntry{
			ID:            m.ExternalModelID,
			Name:          m.Name,
			Description:   m.Description,
			ContextLength: m.ContextLength,
			Architecture:  m.Architecture,
			TopProvider: modelProvider{
				ContextLength:       m.Capabilities.ContextLength,
				MaxCompletionTokens: m.Capabilities.MaxCompletionTokens,
				IsModerated:         m.Capabilities.IsModerated,
			},
		}
		if m.Capabilities.MaxCompletionTokens > 0 {
			limit := m.Capabilities.MaxCompletionTokens
			entry.PerRequestLimits.CompletionTokens = &limit
		}
		if rate, ok := rates[m.ExternalModelID]; ok {
			entry.Pricing = pricingFrom(rate)
		}
		data = append(data, entry)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

// modelRates fetches the pricing map, keyed by external model id. Rate
// lookup failures degrade to an unpriced listing.
func (s *Server) modelRates(r *http.Request) map[string]billing.ModelRate {
	if !s.cfg.EnableBilling || s.bill == nil {
		return nil
	}
	rates, err := s.bill.ModelRates(r.Context(), billing.CurrencyRUB)
	if err != nil {
		s.log.Warn("failed to fetch model rates",
			"request_id", RequestIDFrom(r.Context()), "error", err)
		return nil
	}
	out := make(map[string]billing.ModelRate, len(rates))
	for _, rate := range rates {
		out[rate.Model] = rate
	}
	return out
}

func pricingFrom(rate billing.ModelRate) *modelPricing {
	p := &modelPricing{
		Prompt:            formatRate(rate.PromptRate),
		Completion:        formatRate(rate.CompletionRate),
		Request:           "0",
		Image:             "0",
		WebSearch:         "0",
		InternalReasoning: "0",
	}
	if rate.ImageRate != nil {
		p.Image = formatRate(*rate.ImageRate)
	}
	if rate.ReasoningRate != nil {
		p.InternalReasoning = formatRate(*rate.ReasoningRate)
	}
	return p
}

func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
