// Package gigachat implements the GigaChat-compatible completions dialect:
// v1 requests carry flat messages with function_call/function_name fields,
// v2 requests carry content-item lists. Both map onto the internal chat
// completion request, and results map back onto the versioned answer
// envelope.
package gigachat

import (
	"encoding/json"
	"io"

	"github.com/xrouter/llmgw/pkg/llm"
)

// maxBodySize caps inbound request bodies at 10 MiB.
const maxBodySize = 10 << 20

// ParseRequestV1 decodes a v1 completion request from the request body.
func ParseRequestV1(r io.Reader) (*RequestV1, error) {
	var req RequestV1
	dec := json.NewDecoder(io.LimitReader(r, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		return nil, llm.NewError(400, "Invalid request body",
			map[string]any{"error": err.Error()})
	}
	return &req, nil
}

// ParseRequestV2 decodes a v2 completion request from the request body.
func ParseRequestV2(r io.Reader) (*RequestV2, error) {
	var req RequestV2
	dec := json.NewDecoder(io.LimitReader(r, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		return nil, llm.NewError(400, "Invalid request body",
			map[string]any{"error": err.Error()})
	}
	return &req, nil
}

// FunctionCall is a name/arguments pair, shared by both versions.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ExplicitCall forces a specific function on a message.
type ExplicitCall struct {
	Name string `json:"name"`
}

// MessageV1 is a flat v1 conversation message.
type MessageV1 struct {
	Role             string        `json:"role"`
	Content          string        `json:"content"`
	FunctionName     string        `json:"function_name,omitempty"`
	FunctionCall     *FunctionCall `json:"function_call,omitempty"`
	Call             *ExplicitCall `json:"call,omitempty"`
	ReasoningContent string        `json:"reasoning_content,omitempty"`
}

// Function declares a callable function. Parameters arrive either as a JSON
// object or as a JSON-encoded string of one.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// OptionsV1 is the v1 generation options block. Unknown tuning fields are
// accepted and ignored.
type OptionsV1 struct {
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	MaxTokens         *int     `json:"max_tokens,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	Stream            bool     `json:"stream,omitempty"`
	ReasoningEffort   string   `json:"reasoning_effort,omitempty"` // off | low | medium | high
}

// RequestV1 is the v1 completions request body.
type RequestV1 struct {
	Options   OptionsV1   `json:"options"`
	Model     string      `json:"model"`
	Messages  []MessageV1 `json:"messages"`
	Functions []Function  `json:"functions,omitempty"`
}

// FunctionResult is a function execution result inside v2 content.
type FunctionResult struct {
	Name   string `json:"name"`
	Result string `json:"result"`
}

// ContentV2 is one element of a v2 content-item list.
type ContentV2 struct {
	Text           string          `json:"text,omitempty"`
	FunctionCall   *FunctionCall   `json:"function_call,omitempty"`
	FunctionResult *FunctionResult `json:"function_result,omitempty"`
}

// MessageV2 is a v2 conversation message.
type MessageV2 struct {
	Role    string        `json:"role"`
	Content []ContentV2   `json:"content"`
	Call    *ExplicitCall `json:"call,omitempty"`
}

// ReasoningV2 is the v2 reasoning options block.
type ReasoningV2 struct {
	Effort string `json:"effort,omitempty"`
}

// OptionsV2 is the v2 generation options block.
type OptionsV2 struct {
	Temperature       *float64     `json:"temperature,omitempty"`
	TopP              *float64     `json:"top_p,omitempty"`
	MaxTokens         *int         `json:"max_tokens,omitempty"`
	RepetitionPenalty *float64     `json:"repetition_penalty,omitempty"`
	Stream            bool         `json:"stream,omitempty"`
	Reasoning         *ReasoningV2 `json:"reasoning,omitempty"`
}

// RequestV2 is the v2 completions request body.
type RequestV2 struct {
	Options   OptionsV2   `json:"options"`
	Model     string      `json:"model"`
	Messages  []MessageV2 `json:"messages"`
	Functions []Function  `json:"functions,omitempty"`
}

// Usage is the extended GigaChat token accounting. Fields the gateway
// cannot source are reported as zero.
type Usage struct {
	PromptTokens                       int `json:"prompt_tokens"`
	CompletionTokens                   int `json:"completion_tokens"`
	TotalTokens                        int `json:"total_tokens"`
	SystemTokens                       int `json:"system_tokens"`
	FunctionSuggesterTokens            int `json:"function_suggester_tokens"`
	PrecachedPromptTokens              int `json:"precached_prompt_tokens"`
	UnaccountedFunctionSuggesterTokens int `json:"unaccounted_function_suggester_tokens"`
	DeveloperSystemTokens              int `json:"developer_system_tokens"`
}

// ModelInfo names the serving model and API version on responses.
type ModelInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// AlternativeV1 is one v1 answer alternative.
type AlternativeV1 struct {
	Message      MessageV1 `json:"message"`
	FinishReason string    `json:"finish_reason"`
	Index        int       `json:"index"`
}

// AnswerV1 is the v1 generated answer block.
type AnswerV1 struct {
	Alternatives   []AlternativeV1   `json:"alternatives"`
	Usage          Usage             `json:"usage"`
	ModelInfo      ModelInfo         `json:"model_info"`
	Timestamp      int64             `json:"timestamp"`
	AdditionalData map[string]string `json:"additional_data"`
}

// ResponseV1 is the v1 completions response envelope.
type ResponseV1 struct {
	Answer AnswerV1 `json:"answer"`
}

// MessageResponseV2 is a v2 response message with content items.
type MessageResponseV2 struct {
	Role    string      `json:"role"`
	Content []ContentV2 `json:"content"`
}

// AlternativeV2 is one v2 answer alternative.
type AlternativeV2 struct {
	Messages     []MessageResponseV2 `json:"messages"`
	FinishReason string              `json:"finish_reason"`
	Index        int                 `json:"index"`
	TokenIDs     []int               `json:"token_ids"`
}

// AnswerV2 is the v2 generated answer block.
type AnswerV2 struct {
	Alternatives   []AlternativeV2   `json:"alternatives"`
	Usage          Usage             `json:"usage"`
	ModelInfo      ModelInfo         `json:"model_info"`
	Timestamp      int64             `json:"timestamp"`
	AdditionalData map[string]string `json:"additional_data"`
}

// ResponseV2 is the v2 completions response envelope.
type ResponseV2 struct {
	Answer AnswerV2 `json:"answer"`
}
