// Package responses implements the OpenAI Responses API dialect: inbound
// requests map onto the internal chat completion request, and chat
// completion results map back onto Responses API output items and stream
// events.
package responses

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xrouter/llmgw/pkg/llm"
)

// maxBodySize caps inbound request bodies at 10 MiB.
const maxBodySize = 10 << 20

// ParseRequest decodes a Responses API request from the request body.
func ParseRequest(r io.Reader) (*Request, error) {
	var req Request
	dec := json.NewDecoder(io.LimitReader(r, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		return nil, llm.NewError(400, "Invalid request body",
			map[string]any{"error": err.Error()})
	}
	return &req, nil
}

// ReasoningOption is the Responses API reasoning block.
type ReasoningOption struct {
	Effort string `json:"effort,omitempty"` // low | medium | high
}

// Input item types on the wire.
const (
	itemFunctionCall       = "function_call"
	itemFunctionCallOutput = "function_call_output"
)

// InputItem is one element of the request input list: a role message, a
// function_call record or a function_call_output record.
type InputItem struct {
	Type string `json:"type,omitempty"`

	// Role message fields.
	Role    string       `json:"role,omitempty"`
	Content InputContent `json:"content,omitempty"`

	// function_call / function_call_output fields.
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// InputContent is message content that arrives as a plain string or as a
// list of text parts.
type InputContent struct {
	Text  string
	Parts []InputTextPart
}

// InputTextPart is a single text element of structured input content.
type InputTextPart struct {
	Type string `json:"type"` // input_text | text | output_text
	Text string `json:"text"`
}

// AsText flattens the content to a single string.
func (c InputContent) AsText() string {
	if c.Parts == nil {
		return c.Text
	}
	var out strings.Builder
	for _, p := range c.Parts {
		out.WriteString(p.Text)
	}
	return out.String()
}

// UnmarshalJSON accepts both the string and the part-list wire forms.
func (c *InputContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &c.Parts)
	}
	return json.Unmarshal(data, &c.Text)
}

// Input is the request input union: a bare string, a single item or an
// item list.
type Input struct {
	Text   string
	IsText bool
	Items  []InputItem
}

// UnmarshalJSON accepts all three wire forms of the input field.
func (in *Input) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		in.IsText = true
		return json.Unmarshal(data, &in.Text)
	case '[':
		return json.Unmarshal(data, &in.Items)
	default:
		var item InputItem
		if err := json.Unmarshal(data, &item); err != nil {
			return err
		}
		in.Items = []InputItem{item}
		return nil
	}
}

// ToolList accepts both the nested Chat Completions tool shape and the flat
// Responses API shape ({type, name, description, parameters}), and a single
// tool object in place of a list.
type ToolList []llm.Tool

// UnmarshalJSON normalizes every accepted tool wire form.
func (t *ToolList) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var raws []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return err
		}
	} else {
		raws = []json.RawMessage{data}
	}

	for _, raw := range raws {
		var flat struct {
			Type        string           `json:"type"`
			Name        string           `json:"name"`
			Description string           `json:"description"`
			Parameters  json.RawMessage  `json:"parameters"`
			Function    *llm.ToolFunction `json:"function"`
		}
		if err := json.Unmarshal(raw, &flat); err != nil {
			return err
		}
		if flat.Function != nil {
			*t = append(*t, llm.Tool{Type: "function", Function: *flat.Function})
			continue
		}
		if flat.Type == "function" {
			*t = append(*t, llm.Tool{Type: "function", Function: llm.ToolFunction{
				Name:        flat.Name,
				Description: flat.Description,
				Parameters:  flat.Parameters,
			}})
		}
	}
	return nil
}

// Request is the Responses API request body.
type Request struct {
	Model           string           `json:"model"`
	Input           Input            `json:"input"`
	Instructions    string           `json:"instructions,omitempty"`
	Stream          bool             `json:"stream,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	TopP            *float64         `json:"top_p,omitempty"`
	MaxOutputTokens *int             `json:"max_output_tokens,omitempty"`
	Tools           ToolList         `json:"tools,omitempty"`
	ToolChoice      *llm.ToolChoice  `json:"tool_choice,omitempty"`
	Reasoning       *ReasoningOption `json:"reasoning,omitempty"`
}

// ToChatRequest maps the Responses API request onto the internal chat
// completion request. openAIMode selects where the reasoning effort lands.
func (r *Request) ToChatRequest(openAIMode bool) *llm.Request {
	req := &llm.Request{
		Model:       r.Model,
		Messages:    r.buildMessages(),
		Stream:      r.Stream,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		MaxTokens:   r.MaxOutputTokens,
		Tools:       []llm.Tool(r.Tools),
		ToolChoice:  r.ToolChoice,
	}
	if r.Reasoning != nil && r.Reasoning.Effort != "" {
		if openAIMode {
			req.ReasoningEffort = r.Reasoning.Effort
		} else {
			req.Reasoning = &llm.ReasoningConfig{Effort: r.Reasoning.Effort}
		}
	}
	return req
}

func (r *Request) buildMessages() []llm.Message {
	var messages []llm.Message

	if r.Instructions != "" {
		messages = append(messages, llm.Message{
			Role: llm.RoleSystem, Content: llm.Text(r.Instructions),
		})
	}

	if r.Input.IsText {
		messages = append(messages, llm.Message{
			Role: llm.RoleUser, Content: llm.Text(r.Input.Text),
		})
		return mergeSystemMessages(messages)
	}

	callIDToName := make(map[string]string)
	for _, item := range r.Input.Items {
		if item.Type == itemFunctionCall && item.CallID != "" && item.Name != "" {
			callIDToName[item.CallID] = item.Name
		}
	}

	for _, item := range r.Input.Items {
		switch item.Type {
		case itemFunctionCall:
			if item.CallID == "" || item.Name == "" {
				continue
			}
			messages = append(messages, llm.Message{
				Role: llm.RoleAssistant,
				ToolCalls: []llm.ToolCall{{
					ID:   item.CallID,
					Type: "function",
					Function: llm.FunctionCall{
						Name:      item.Name,
						Arguments: rawToString(item.Arguments),
					},
				}},
			})

		case itemFunctionCallOutput:
			if item.CallID == "" {
				continue
			}
			msg := llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: item.CallID,
				Content:    llm.Text(normalizeToolOutput(item.Output)),
			}
			if name := callIDToName[item.CallID]; name != "" {
				msg.Name = name
			} else if item.Name != "" {
				msg.Name = item.Name
			}
			messages = append(messages, msg)

		default:
			role := item.Role
			if role == "developer" {
				role = string(llm.RoleSystem)
			}
			switch llm.Role(role) {
			case llm.RoleUser, llm.RoleAssistant, llm.RoleSystem:
				messages = append(messages, llm.Message{
					Role:    llm.Role(role),
					Content: llm.Text(item.Content.AsText()),
				})
			}
		}
	}

	return mergeSystemMessages(messages)
}

// mergeSystemMessages joins all system messages into one, placed where the
// first one appeared.
func mergeSystemMessages(messages []llm.Message) []llm.Message {
	var (
		merged      []llm.Message
		systemParts []string
		firstIndex  = -1
	)
	for _, msg := range messages {
		if msg.Role != llm.RoleSystem {
			merged = append(merged, msg)
			continue
		}
		if firstIndex < 0 {
			firstIndex = len(merged)
		}
		if text := msg.Content.AsText(); text != "" {
			systemParts = append(systemParts, text)
		}
	}
	if firstIndex < 0 {
		return merged
	}
	system := llm.Message{
		Role:    llm.RoleSystem,
		Content: llm.Text(strings.Join(systemParts, "\n\n")),
	}
	merged = append(merged[:firstIndex],
		append([]llm.Message{system}, merged[firstIndex:]...)...)
	return merged
}

// rawToString returns raw JSON as a plain string, unquoting string values.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// normalizeToolOutput coerces a tool result to a JSON object string: JSON
// objects pass through, everything else is wrapped as {"output": ...}.
func normalizeToolOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return `{"output": ""}`
	}

	var parsed any = rawToString(raw)
	if s, ok := parsed.(string); ok {
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			parsed = inner
		}
	}

	if obj, ok := parsed.(map[string]any); ok {
		out, err := json.Marshal(obj)
		if err == nil {
			return string(out)
		}
	}
	out, err := json.Marshal(map[string]any{"output": parsed})
	if err != nil {
		return fmt.Sprintf(`{"output": %q}`, rawToString(raw))
	}
	return string(out)
}
