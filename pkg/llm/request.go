package llm

import "encoding/json"

// Limits enforced on inbound requests.
const (
	MaxTools         = 128
	MaxToolNameLen   = 64
	DefaultMaxTokens = 1000
)

// ToolFunction describes a callable function offered to the model.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Tool is a single entry of the request tool list.
type Tool struct {
	Type     string       `json:"type"` // "function"
	Function ToolFunction `json:"function"`
}

// ToolChoice selects the tool-calling strategy: one of the mode strings
// "none" | "auto" | "required", or a specific function.
type ToolChoice struct {
	Mode     string
	Function string
}

// MarshalJSON emits the mode string or the {"type":"function",...} object.
func (t ToolChoice) MarshalJSON() ([]byte, error) {
	if t.Function != "" {
		return json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": t.Function},
		})
	}
	return json.Marshal(t.Mode)
}

// UnmarshalJSON accepts both wire forms.
func (t *ToolChoice) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &t.Mode)
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t.Function = obj.Function.Name
	return nil
}

// ReasoningConfig tunes chain-of-thought behaviour. Effort and MaxTokens are
// mutually exclusive; Effort defaults to "medium" when neither is set.
type ReasoningConfig struct {
	Effort    string `json:"effort,omitempty"` // low | medium | high
	MaxTokens int    `json:"max_tokens,omitempty"`
	Exclude   bool   `json:"exclude,omitempty"`
}

// UsageOptions controls whether detailed usage accounting is returned.
type UsageOptions struct {
	Include bool `json:"include"`
}

// StringList accepts a JSON string or array of strings (the "stop" field).
type StringList []string

// UnmarshalJSON accepts both a bare string and a string array.
func (s *StringList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Request is the dialect-independent chat completion request. Exactly one of
// Messages and Prompt must be set; the transform stage validates ranges and
// rewrites Prompt into a single user message.
type Request struct {
	Model             string           `json:"model"`
	Messages          []Message        `json:"messages,omitempty"`
	Prompt            string           `json:"prompt,omitempty"`
	Usage             *UsageOptions    `json:"usage,omitempty"`
	Temperature       *float64         `json:"temperature,omitempty"` // default 1.0
	TopP              *float64         `json:"top_p,omitempty"`       // default 1.0
	Stream            bool             `json:"stream,omitempty"`
	Stop              StringList       `json:"stop,omitempty"`
	MaxTokens         *int             `json:"max_tokens,omitempty"`
	FrequencyPenalty  *float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty   *float64         `json:"presence_penalty,omitempty"`
	RepetitionPenalty *float64         `json:"repetition_penalty,omitempty"`
	Tools             []Tool           `json:"tools,omitempty"`
	ToolChoice        *ToolChoice      `json:"tool_choice,omitempty"`
	Reasoning         *ReasoningConfig `json:"reasoning,omitempty"`

	// ReasoningEffort is the flat OpenAI-dialect field; the transform stage
	// folds it into Reasoning.
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// EffectiveTemperature returns the requested temperature or the 1.0 default.
func (r *Request) EffectiveTemperature() float64 {
	if r.Temperature == nil {
		return 1.0
	}
	return *r.Temperature
}

// EffectiveMaxTokens returns the requested max_tokens or [DefaultMaxTokens].
func (r *Request) EffectiveMaxTokens() int {
	if r.MaxTokens == nil || *r.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return *r.MaxTokens
}

// ProviderRequest is a [Request] whose Model has been rewritten to the
// provider's native id, tagged with the gateway request id.
type ProviderRequest struct {
	Request
	RequestID string `json:"request_id,omitempty"`
}
