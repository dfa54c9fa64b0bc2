package gigachat

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/xrouter/llmgw/pkg/llm"
)

// Request wire shapes. GigaChat speaks functions, not tools, and threads
// tool-call state through functions_state_id.

type requestPayload struct {
	Model       string            `json:"model"`
	Messages    []messagePayload  `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Stream      bool              `json:"stream"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Functions   []functionPayload `json:"functions,omitempty"`
	// FunctionCall is "none", "auto" or a {"name": ...} object.
	FunctionCall any `json:"function_call,omitempty"`
}

type messagePayload struct {
	Role             string               `json:"role"`
	Content          string               `json:"content"`
	Name             string               `json:"name,omitempty"`
	FunctionCall     *functionCallPayload `json:"function_call,omitempty"`
	FunctionsStateID string               `json:"functions_state_id,omitempty"`
}

type functionCallPayload struct {
	Name string `json:"name"`
	// Arguments is a decoded object when the tool-call arguments parse as
	// JSON, the raw string otherwise.
	Arguments any `json:"arguments"`
}

type functionPayload struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// buildBody maps the provider-agnostic request to the GigaChat wire form.
// Penalties, stop sequences and reasoning settings are unsupported upstream
// and dropped.
func buildBody(req llm.ProviderRequest) requestPayload {
	messages := make([]messagePayload, 0, len(req.Messages))
	mergedSystem, hasSystem := mergeSystemMessages(req.Messages)

	injectedSystem := false
	pendingToolCall := ""
	for i, msg := range req.Messages {
		if msg.Role == llm.RoleSystem {
			if !injectedSystem && hasSystem {
				messages = append(messages, mergedSystem)
				injectedSystem = true
			}
			continue
		}
		if isPreambleAssistant(req.Messages, i, pendingToolCall) {
			continue
		}
		mapped, trackedID := buildMessage(msg)
		if trackedID != "" {
			pendingToolCall = trackedID
		}
		if msg.Role == llm.RoleTool && msg.ToolCallID == pendingToolCall {
			pendingToolCall = ""
		}
		messages = append(messages, mapped)
	}

	return requestPayload{
		Model:        req.Model,
		Messages:     messages,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		Stream:       true,
		MaxTokens:    req.MaxTokens,
		Functions:    mapFunctions(req.Tools),
		FunctionCall: mapToolChoice(req.ToolChoice),
	}
}

// mergeSystemMessages folds every system message into one, joined with blank
// lines and prefixed with the author name when present. The merged message
// replaces the first system message in order.
func mergeSystemMessages(messages []llm.Message) (messagePayload, bool) {
	var parts []string
	first := messagePayload{Role: "system"}
	seen := false
	for _, msg := range messages {
		if msg.Role != llm.RoleSystem {
			continue
		}
		if !seen {
			first.Name = msg.Name
			seen = true
		}
		text := msg.Content.AsText()
		if msg.Name != "" {
			text = "[" + msg.Name + "] " + text
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	if !seen || len(parts) == 0 {
		return messagePayload{}, false
	}
	first.Content = strings.Join(parts, "\n\n")
	return first, true
}

// buildMessage maps one non-system message. The second return is the tool
// call id to track when the message opens a function call.
func buildMessage(msg llm.Message) (messagePayload, string) {
	role := string(msg.Role)
	if msg.Role == llm.RoleTool {
		role = "function"
	}
	mapped := messagePayload{
		Role:    role,
		Content: msg.Content.AsText(),
		Name:    msg.Name,
	}
	if msg.Role == llm.RoleAssistant && len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0]
		mapped.Content = ""
		mapped.FunctionCall = &functionCallPayload{
			Name:      call.Function.Name,
			Arguments: parseArguments(call.Function.Arguments),
		}
		mapped.FunctionsStateID = call.ID
		return mapped, call.ID
	}
	return mapped, ""
}

// parseArguments decodes the tool-call arguments into an object when they
// are valid JSON, keeping the raw string otherwise.
func parseArguments(raw string) any {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		return decoded
	}
	return raw
}

func isPreambleAssistant(messages []llm.Message, i int, pendingToolCall string) bool {
	msg := messages[i]
	if msg.Role != llm.RoleAssistant || len(msg.ToolCalls) > 0 || pendingToolCall == "" {
		return false
	}
	for _, future := range messages[i+1:] {
		if future.Role == llm.RoleTool && future.ToolCallID == pendingToolCall {
			return true
		}
		if future.Role == llm.RoleAssistant || future.Role == llm.RoleUser {
			break
		}
	}
	return false
}

func mapFunctions(tools []llm.Tool) []functionPayload {
	if len(tools) == 0 {
		return nil
	}
	functions := make([]functionPayload, 0, len(tools))
	for _, tool := range tools {
		functions = append(functions, functionPayload{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}
	return functions
}

func mapToolChoice(choice *llm.ToolChoice) any {
	if choice == nil {
		return nil
	}
	if choice.Function != "" {
		return map[string]any{"name": choice.Function}
	}
	switch choice.Mode {
	case "none", "auto":
		return choice.Mode
	}
	return nil
}

// Stream wire shapes.

type chunkPayload struct {
	Created int64           `json:"created"`
	Choices []choicePayload `json:"choices"`
	Usage   *usagePayload   `json:"usage"`
}

type choicePayload struct {
	Index        int          `json:"index"`
	Delta        deltaPayload `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

type deltaPayload struct {
	Role             string            `json:"role"`
	Content          *string           `json:"content"`
	FunctionCall     *wireFunctionCall `json:"function_call"`
	FunctionsStateID string            `json:"functions_state_id"`
}

type wireFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type usagePayload struct {
	PromptTokens          int `json:"prompt_tokens"`
	CompletionTokens      int `json:"completion_tokens"`
	TotalTokens           int `json:"total_tokens"`
	PrecachedPromptTokens int `json:"precached_prompt_tokens"`
}

// mapChunk rewrites a GigaChat chunk into the gateway shape: function_call
// deltas become tool calls and the function_call finish reason becomes
// tool_calls.
func mapChunk(p chunkPayload, requestID, model, providerID string) llm.Chunk {
	choices := make([]llm.StreamChoice, 0, len(p.Choices))
	for _, c := range p.Choices {
		role := llm.Role(c.Delta.Role)
		if role == "" {
			role = llm.RoleAssistant
		}
		delta := llm.Message{Role: role}
		if calls := mapFunctionCall(c.Delta.FunctionCall, c.Delta.FunctionsStateID); calls != nil {
			delta.ToolCalls = calls
		} else if c.Delta.Content != nil {
			delta.Content = llm.Text(*c.Delta.Content)
		} else {
			delta.Content = llm.Text("")
		}
		finish := c.FinishReason
		if finish != nil && *finish == "function_call" {
			mapped := "tool_calls"
			finish = &mapped
		}
		choices = append(choices, llm.StreamChoice{
			Index:        c.Index,
			Delta:        delta,
			FinishReason: finish,
		})
	}

	var usage *llm.Usage
	if p.Usage != nil {
		usage = &llm.Usage{
			PromptTokens:     p.Usage.PromptTokens,
			CompletionTokens: p.Usage.CompletionTokens,
			TotalTokens:      p.Usage.TotalTokens,
		}
		if p.Usage.PrecachedPromptTokens > 0 {
			usage.PromptTokensDetails = &llm.PromptTokensDetails{
				CachedTokens: p.Usage.PrecachedPromptTokens,
			}
		}
	}

	return llm.Chunk{
		ID:       requestID,
		Object:   llm.ObjectChatCompletionChunk,
		Created:  p.Created,
		Model:    model,
		Provider: providerID,
		Choices:  choices,
		Usage:    usage,
	}
}

// mapFunctionCall converts a function_call delta into a single tool call.
// The id comes from functions_state_id when GigaChat provides it.
func mapFunctionCall(call *wireFunctionCall, stateID string) []llm.ToolCall {
	if call == nil {
		return nil
	}
	id := stateID
	if id == "" {
		id = "gc_call_" + uuid.NewString()
	}
	index := 0
	return []llm.ToolCall{{
		ID:    id,
		Type:  "function",
		Index: &index,
		Function: llm.FunctionCall{
			Name:      call.Name,
			Arguments: canonicalArguments(call.Arguments),
		},
	}}
}

// canonicalArguments renders the wire arguments as a JSON object string,
// unwrapping an upstream string value when that is what arrived.
func canonicalArguments(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
