// Package provider defines the upstream driver contract shared by every
// wire-protocol implementation, together with the per-provider configuration
// and the model catalog entry.
package provider

import (
	"context"
	"time"

	"github.com/xrouter/llmgw/pkg/llm"
)

// Config is the runtime configuration of a single upstream provider
// instance, produced by the registry from the environment.
type Config struct {
	// ID is the routing id ("deepseek", "gigachat", "ollama@host", ...).
	ID string

	// Name is the human-readable provider name.
	Name string

	// Credentials is the API key or "login:password" pair.
	Credentials string

	// BaseURL is the upstream API root.
	BaseURL string

	// Parameters holds driver-specific settings (folder_id, verify_ssl,
	// proxy_url, ...).
	Parameters map[string]any
}

// Param returns a string parameter, or def when absent.
func (c Config) Param(key, def string) string {
	if v, ok := c.Parameters[key].(string); ok && v != "" {
		return v
	}
	return def
}

// BoolParam returns a boolean parameter, or def when absent.
func (c Config) BoolParam(key string, def bool) bool {
	if v, ok := c.Parameters[key].(bool); ok {
		return v
	}
	return def
}

// DurationParam returns a duration parameter, or def when absent.
func (c Config) DurationParam(key string, def time.Duration) time.Duration {
	if v, ok := c.Parameters[key].(time.Duration); ok && v > 0 {
		return v
	}
	return def
}

// Architecture describes a model's shape for the catalog listing.
type Architecture struct {
	InstructType string `json:"instruct_type" yaml:"instruct_type"`
	Modality     string `json:"modality" yaml:"modality"`
	Tokenizer    string `json:"tokenizer" yaml:"tokenizer"`
	ParamSize    string `json:"parameter_size,omitempty" yaml:"parameter_size,omitempty"`
}

// Capabilities describes what a model supports and its serving limits.
type Capabilities struct {
	ContextLength       int  `json:"context_length" yaml:"context_length"`
	MaxCompletionTokens int  `json:"max_completion_tokens" yaml:"max_completion_tokens"`
	IsModerated         bool `json:"is_moderated" yaml:"is_moderated"`
	IsToolCalls         bool `json:"is_tool_calls" yaml:"is_tool_calls"`
	IsVision            bool `json:"is_vision" yaml:"is_vision"`
	IsCoT               bool `json:"is_cot,omitempty" yaml:"is_cot,omitempty"`
}

// Model is a catalog entry. ModelID is the provider-native id;
// ExternalModelID is the gateway-facing id assigned by the catalog.
type Model struct {
	ModelID         string       `json:"model_id" yaml:"model_id"`
	Name            string       `json:"name" yaml:"name"`
	ExternalModelID string       `json:"external_model_id,omitempty" yaml:"external_model_id,omitempty"`
	ProviderID      string       `json:"provider_id" yaml:"provider_id"`
	Description     string       `json:"description,omitempty" yaml:"description,omitempty"`
	ContextLength   int          `json:"context_length" yaml:"context_length"`
	Architecture    Architecture `json:"architecture" yaml:"architecture"`
	Capabilities    Capabilities `json:"capabilities" yaml:"capabilities"`
}

// Provider is an upstream LLM wire-protocol driver.
//
// StreamCompletion starts the upstream call and returns a channel of chunks.
// The channel is closed by the implementation when the stream ends. Errors
// that occur before the upstream call starts are returned directly; errors
// after that are delivered in-band via [llm.Chunk.Err]. All drivers request
// streaming upstream regardless of the caller's stream flag.
type Provider interface {
	StreamCompletion(ctx context.Context, req llm.ProviderRequest) (<-chan llm.Chunk, error)

	// Models lists the provider's catalog.
	Models(ctx context.Context) ([]Model, error)

	// Model looks up a single model by its provider-native id,
	// case-insensitively. Misses return a 404 [llm.Error].
	Model(ctx context.Context, id string) (Model, error)

	// Close releases connections held by the driver.
	Close() error
}
