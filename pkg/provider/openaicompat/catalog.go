package openaicompat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xrouter/llmgw/pkg/provider"
)

// listingPayload is the OpenRouter-style /models response.
type listingPayload struct {
	Data []modelPayload `json:"data"`
}

type modelPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	ContextLength int    `json:"context_length"`
	Architecture  struct {
		Tokenizer    string `json:"tokenizer"`
		InstructType string `json:"instruct_type"`
		Modality     string `json:"modality"`
	} `json:"architecture"`
	TopProvider *struct {
		ContextLength       int   `json:"context_length"`
		MaxCompletionTokens int   `json:"max_completion_tokens"`
		IsModerated         *bool `json:"is_moderated"`
	} `json:"top_provider"`
	PerRequestLimits *struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"per_request_limits"`
}

func parseListing(raw []byte) (listingPayload, error) {
	var listing listingPayload
	if err := json.Unmarshal(raw, &listing); err != nil {
		return listing, fmt.Errorf("openaicompat: parse models listing: %w", err)
	}
	return listing, nil
}

// ListedCatalog maps a generic OpenRouter-compatible listing without
// filtering. Used by the xrouter provider.
func ListedCatalog(providerID string, raw []byte) ([]provider.Model, error) {
	listing, err := parseListing(raw)
	if err != nil {
		return nil, err
	}
	models := make([]provider.Model, 0, len(listing.Data))
	for _, m := range listing.Data {
		if m.ID == "" {
			continue
		}
		name := m.Name
		if name == "" {
			name = m.ID
		}
		ctx := m.ContextLength
		if ctx <= 0 && m.TopProvider != nil {
			ctx = m.TopProvider.ContextLength
		}
		maxCompletion := 0
		if m.PerRequestLimits != nil {
			maxCompletion = m.PerRequestLimits.CompletionTokens
		}
		if maxCompletion == 0 && m.TopProvider != nil {
			maxCompletion = m.TopProvider.MaxCompletionTokens
		}
		if maxCompletion == 0 {
			maxCompletion = 4096
		}
		modality := m.Architecture.Modality
		if modality == "" {
			modality = "text->text"
		}
		models = append(models, provider.Model{
			ModelID:       m.ID,
			Name:          name,
			ProviderID:    providerID,
			Description:   m.Description,
			ContextLength: ctx,
			Architecture: provider.Architecture{
				InstructType: stringOr(m.Architecture.InstructType, "none"),
				Modality:     modality,
				Tokenizer:    stringOr(m.Architecture.Tokenizer, "Other"),
			},
			Capabilities: provider.Capabilities{
				ContextLength:       ctx,
				MaxCompletionTokens: maxCompletion,
				IsModerated:         isModerated(m),
				IsVision:            strings.Contains(strings.ToLower(modality), "image"),
			},
		})
	}
	return models, nil
}

// OpenRouterCatalog maps the OpenRouter listing filtered down to the
// configured allowlist. Tokenizer defaults derive from the model vendor.
func OpenRouterCatalog(supported []string) CatalogFunc {
	allowed := toSet(supported)
	return func(providerID string, raw []byte) ([]provider.Model, error) {
		listing, err := parseListing(raw)
		if err != nil {
			return nil, err
		}
		var models []provider.Model
		for _, m := range listing.Data {
			if m.ID == "" || !allowed[m.ID] {
				continue
			}
			tokenizer := m.Architecture.Tokenizer
			if tokenizer == "" {
				switch {
				case strings.Contains(m.ID, "anthropic"):
					tokenizer = "anthropic"
				case strings.Contains(m.ID, "google"):
					tokenizer = "google"
				default:
					tokenizer = "unknown"
				}
			}
			models = append(models, allowlistedModel(providerID, m, tokenizer, false))
		}
		return models, nil
	}
}

// OpenRouterProxyCatalog is the allowlist catalog of the proxied provider.
// Models with a ":thinking" suffix are marked as chain-of-thought capable.
func OpenRouterProxyCatalog(supported []string) CatalogFunc {
	allowed := toSet(supported)
	return func(providerID string, raw []byte) ([]provider.Model, error) {
		listing, err := parseListing(raw)
		if err != nil {
			return nil, err
		}
		var models []provider.Model
		for _, m := range listing.Data {
			if m.ID == "" || !allowed[m.ID] {
				continue
			}
			tokenizer := m.Architecture.Tokenizer
			if tokenizer == "" {
				if strings.Contains(m.ID, "openai") {
					tokenizer = "openai"
				} else {
					tokenizer = "unknown"
				}
			}
			models = append(models, allowlistedModel(providerID, m, tokenizer,
				strings.HasSuffix(m.ID, ":thinking")))
		}
		return models, nil
	}
}

func allowlistedModel(providerID string, m modelPayload, tokenizer string, isCoT bool) provider.Model {
	ctx := m.ContextLength
	if ctx <= 0 {
		ctx = 4096
	}
	capCtx := ctx
	maxCompletion := 4096
	if m.TopProvider != nil {
		if m.TopProvider.ContextLength > 0 {
			capCtx = m.TopProvider.ContextLength
		}
		if m.TopProvider.MaxCompletionTokens > 0 {
			maxCompletion = m.TopProvider.MaxCompletionTokens
		}
	}
	return provider.Model{
		ModelID:       m.ID,
		Name:          m.Name,
		ProviderID:    providerID,
		Description:   m.Description,
		ContextLength: ctx,
		Architecture: provider.Architecture{
			InstructType: "none",
			Modality:     stringOr(m.Architecture.Modality, "text->text"),
			Tokenizer:    tokenizer,
		},
		Capabilities: provider.Capabilities{
			ContextLength:       capCtx,
			MaxCompletionTokens: maxCompletion,
			IsModerated:         isModerated(m),
			IsToolCalls:         true,
			IsCoT:               isCoT,
		},
	}
}

// DeepseekCatalog keeps the two supported Deepseek models with curated
// metadata; everything else in the listing is dropped.
func DeepseekCatalog(providerID string, raw []byte) ([]provider.Model, error) {
	listing, err := parseListing(raw)
	if err != nil {
		return nil, err
	}
	var models []provider.Model
	for _, m := range listing.Data {
		switch m.ID {
		case "deepseek-chat":
			models = append(models, deepseekModel(providerID, m.ID,
				"DeepSeek: DeepSeek V3",
				"A versatile chat model with strong general capabilities and extended context length.",
				false))
		case "deepseek-reasoner":
			models = append(models, deepseekModel(providerID, m.ID,
				"DeepSeek: DeepSeek R1",
				"An advanced reasoning model optimized for complex problem-solving with chain-of-thought capabilities.",
				true))
		}
	}
	return models, nil
}

func deepseekModel(providerID, id, name, description string, isCoT bool) provider.Model {
	return provider.Model{
		ModelID:       id,
		Name:          name,
		ProviderID:    providerID,
		Description:   description,
		ContextLength: 65536,
		Architecture: provider.Architecture{
			InstructType: "none",
			Modality:     "text->text",
			Tokenizer:    "deepseek",
		},
		Capabilities: provider.Capabilities{
			ContextLength:       65536,
			MaxCompletionTokens: 8192,
			IsModerated:         true,
			IsToolCalls:         true,
			IsCoT:               isCoT,
		},
	}
}

// AgentsCatalog is the fixed catalog of the agents cluster.
func AgentsCatalog(providerID string, _ []byte) ([]provider.Model, error) {
	return []provider.Model{
		{
			ModelID:       "deepseek-r1:70b-32k",
			Name:          "DeepSeek R1 70B (32K ctx)",
			ProviderID:    providerID,
			Description:   "DeepSeek R1 70B is a powerful large language model with extended context length of 32K tokens (32,768 tokens). It excels at complex reasoning, coding, and analysis tasks.",
			ContextLength: 32768,
			Architecture: provider.Architecture{
				InstructType: "deepseek",
				Modality:     "text->text",
				Tokenizer:    "llama",
				ParamSize:    "70553706560",
			},
			Capabilities: provider.Capabilities{
				ContextLength:       32768,
				MaxCompletionTokens: 4096,
				IsModerated:         true,
			},
		},
		{
			ModelID:       "qwen2.5-coder:32b-instruct-q8_0-32k",
			Name:          "Qwen 2.5 Coder 32B (32K ctx)",
			ProviderID:    providerID,
			Description:   "Qwen 2.5 Coder 32B is a specialized coding model with extended context length of 32K tokens (32,768 tokens). It excels at programming tasks across multiple languages and frameworks.",
			ContextLength: 32768,
			Architecture: provider.Architecture{
				InstructType: "qwen",
				Modality:     "text->text",
				Tokenizer:    "qwen2",
				ParamSize:    "32763876352",
			},
			Capabilities: provider.Capabilities{
				ContextLength:       32768,
				MaxCompletionTokens: 4096,
				IsModerated:         true,
			},
		},
		{
			ModelID:       "llama3.2-vision:90b-32k",
			Name:          "Llama 3.2-Vision 90B (32K ctx)",
			ProviderID:    providerID,
			Description:   "Llama 3.2-Vision 90B is a powerful multimodal model that excels at visual recognition, image reasoning, captioning, and answering questions about images. It supports English, German, French, Italian, Portuguese, Hindi, Spanish, and Thai for text-only tasks.",
			ContextLength: 32768,
			Architecture: provider.Architecture{
				InstructType: "llama",
				Modality:     "image+text->text",
				Tokenizer:    "llama",
				ParamSize:    "90000000000",
			},
			Capabilities: provider.Capabilities{
				ContextLength:       32768,
				MaxCompletionTokens: 4096,
				IsModerated:         true,
				IsVision:            true,
			},
		},
	}, nil
}

// zaiModelSpec is one entry of the static Z.AI catalog. Z.AI exposes no
// models API, so the list follows the published documentation.
type zaiModelSpec struct {
	id            string
	name          string
	description   string
	contextLength int
	maxCompletion int
	isVision      bool
	isCoT         bool
}

var zaiModels = []zaiModelSpec{
	{"glm-5", "GLM-5", "Flagship foundation model for agentic engineering", 131072, 131072, false, true},
	{"glm-4.7", "GLM-4.7", "Advanced GLM-4.7 series model", 131072, 131072, false, true},
	{"glm-4.7-flash", "GLM-4.7 Flash", "Fast GLM-4.7 model", 131072, 131072, false, false},
	{"glm-4.7-flashx", "GLM-4.7 FlashX", "Ultra-fast GLM-4.7 model", 131072, 131072, false, false},
	{"glm-4.6", "GLM-4.6", "GLM-4.6 text model", 131072, 131072, false, false},
	{"glm-4.5", "GLM-4.5", "GLM-4.5 text model", 98304, 98304, false, true},
	{"glm-4.5-air", "GLM-4.5 Air", "Lightweight GLM-4.5 model", 98304, 98304, false, false},
	{"glm-4.5-x", "GLM-4.5 X", "Extended GLM-4.5 model", 98304, 98304, false, false},
	{"glm-4.5-airx", "GLM-4.5 AirX", "Lightweight extended GLM-4.5 model", 98304, 98304, false, false},
	{"glm-4.5-flash", "GLM-4.5 Flash", "Fast GLM-4.5 model", 98304, 98304, false, false},
	{"glm-4-32b-0414-128k", "GLM-4 32B 128K", "GLM-4 32B with 128K context", 131072, 16384, false, false},
	{"glm-4.6v", "GLM-4.6V", "Multimodal vision model with 128K context", 131072, 32768, true, false},
	{"glm-4.6v-flash", "GLM-4.6V Flash", "Fast multimodal vision model", 131072, 32768, true, false},
	{"glm-4.6v-flashx", "GLM-4.6V FlashX", "Ultra-fast multimodal vision model", 131072, 32768, true, false},
	{"glm-4.5v", "GLM-4.5V", "Multimodal vision model", 98304, 16384, true, false},
	{"autoglm-phone-multilingual", "AutoGLM Phone Multilingual", "Mobile intelligent assistant model", 4096, 4096, true, false},
}

// ZAICatalog is the static Z.AI catalog.
func ZAICatalog(providerID string, _ []byte) ([]provider.Model, error) {
	models := make([]provider.Model, 0, len(zaiModels))
	for _, spec := range zaiModels {
		modality := "text->text"
		if spec.isVision {
			modality = "text->image"
		}
		models = append(models, provider.Model{
			ModelID:       spec.id,
			Name:          spec.name,
			ProviderID:    providerID,
			Description:   spec.description,
			ContextLength: spec.contextLength,
			Architecture: provider.Architecture{
				InstructType: "none",
				Modality:     modality,
				Tokenizer:    "glm",
			},
			Capabilities: provider.Capabilities{
				ContextLength:       spec.contextLength,
				MaxCompletionTokens: spec.maxCompletion,
				IsModerated:         true,
				IsToolCalls:         true,
				IsVision:            spec.isVision,
				IsCoT:               spec.isCoT,
			},
		})
	}
	return models, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func stringOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func isModerated(m modelPayload) bool {
	if m.TopProvider == nil || m.TopProvider.IsModerated == nil {
		return true
	}
	return *m.TopProvider.IsModerated
}
