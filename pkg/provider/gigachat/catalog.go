package gigachat

import (
	"encoding/json"
	"fmt"

	"github.com/xrouter/llmgw/pkg/provider"
)

// modelSpec carries the curated metadata for the models the gateway exposes.
// Everything else in the upstream listing (embeddings, GigaChat-Plus) is
// dropped.
type modelSpec struct {
	description   string
	contextLength int
	maxCompletion int
}

var knownModels = map[string]modelSpec{
	"GigaChat": {
		description:   "A lightweight model for simple tasks requiring maximum speed.",
		contextLength: 32768,
		maxCompletion: 4096,
	},
	"GigaChat-2": {
		description:   "A lightweight model for simple tasks requiring maximum speed.",
		contextLength: 131072,
		maxCompletion: 4096,
	},
	"GigaChat-Pro": {
		description:   "An advanced model for complex tasks requiring creativity and better adherence to instructions.",
		contextLength: 32768,
		maxCompletion: 4096,
	},
	"GigaChat-2-Pro": {
		description:   "An advanced model for complex tasks requiring creativity and better adherence to instructions.",
		contextLength: 131072,
		maxCompletion: 4096,
	},
	"GigaChat-Max": {
		description:   "A premium model for the most demanding tasks, requiring maximum precision, creativity, and context understanding.",
		contextLength: 32768,
		maxCompletion: 8192,
	},
	"GigaChat-2-Max": {
		description:   "A premium model for the most demanding tasks, requiring maximum precision, creativity, and context understanding.",
		contextLength: 131072,
		maxCompletion: 8192,
	},
}

// mapModels filters the upstream listing down to the curated set.
func mapModels(providerID string, raw []byte) ([]provider.Model, error) {
	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, fmt.Errorf("gigachat: parse models listing: %w", err)
	}

	var models []provider.Model
	for _, entry := range listing.Data {
		spec, ok := knownModels[entry.ID]
		if !ok {
			continue
		}
		models = append(models, provider.Model{
			ModelID:       entry.ID,
			Name:          entry.ID,
			ProviderID:    providerID,
			Description:   spec.description,
			ContextLength: spec.contextLength,
			Architecture: provider.Architecture{
				InstructType: "none",
				Modality:     "text->text",
				Tokenizer:    "gigachat",
			},
			Capabilities: provider.Capabilities{
				ContextLength:       spec.contextLength,
				MaxCompletionTokens: spec.maxCompletion,
				IsModerated:         true,
				IsToolCalls:         true,
			},
		})
	}
	return models, nil
}
