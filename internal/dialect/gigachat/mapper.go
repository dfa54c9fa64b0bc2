package gigachat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xrouter/llmgw/pkg/llm"
)

// newCallID mints a synthetic tool call id; the GigaChat wire has no call
// ids, so results are paired to calls by function name.
func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// mapFinishReason converts the internal finish reason to the GigaChat one:
// tool_calls becomes function_call, absence becomes stop.
func mapFinishReason(reason *string) string {
	if reason == nil || *reason == "" {
		return "stop"
	}
	if *reason == "tool_calls" {
		return "function_call"
	}
	return *reason
}

// functionParameters normalizes the parameters field: a JSON-encoded string
// is unwrapped, an object passes through, anything else yields an empty
// schema.
func functionParameters(raw json.RawMessage) json.RawMessage {
	empty := json.RawMessage(`{}`)
	if len(raw) == 0 {
		return empty
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return empty
		}
		raw = json.RawMessage(s)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return empty
	}
	return raw
}

func functionsToTools(functions []Function) []llm.Tool {
	tools := make([]llm.Tool, 0, len(functions))
	for _, fn := range functions {
		tools = append(tools, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  functionParameters(fn.Parameters),
			},
		})
	}
	return tools
}

// explicitToolChoiceV1 returns a forced tool choice when any message names a
// function via its call field.
func explicitToolChoiceV1(messages []MessageV1) *llm.ToolChoice {
	for _, msg := range messages {
		if msg.Call != nil && msg.Call.Name != "" {
			return &llm.ToolChoice{Function: msg.Call.Name}
		}
	}
	return nil
}

func explicitToolChoiceV2(messages []MessageV2) *llm.ToolChoice {
	for _, msg := range messages {
		if msg.Call != nil && msg.Call.Name != "" {
			return &llm.ToolChoice{Function: msg.Call.Name}
		}
	}
	return nil
}

func applyReasoningEffort(req *llm.Request, effort string, openAIMode bool) {
	if effort == "" || effort == "off" {
		return
	}
	if openAIMode {
		req.ReasoningEffort = effort
		return
	}
	req.Reasoning = &llm.ReasoningConfig{Effort: effort}
}

// MapRequestV1 converts a v1 request to the internal chat completion
// request.
func (r *RequestV1) MapRequestV1(openAIMode bool) *llm.Request {
	req := &llm.Request{
		Model:       r.Model,
		Messages:    mapMessagesV1(r.Messages),
		Stream:      r.Options.Stream,
		Temperature: r.Options.Temperature,
		TopP:        r.Options.TopP,
		MaxTokens:   r.Options.MaxTokens,
	}
	if len(r.Functions) > 0 {
		req.Tools = functionsToTools(r.Functions)
	}
	req.ToolChoice = explicitToolChoiceV1(r.Messages)
	applyReasoningEffort(req, r.Options.ReasoningEffort, openAIMode)
	return req
}

// MapRequestV2 converts a v2 request to the internal chat completion
// request.
func (r *RequestV2) MapRequestV2(openAIMode bool) *llm.Request {
	req := &llm.Request{
		Model:       r.Model,
		Messages:    mapMessagesV2(r.Messages),
		Stream:      r.Options.Stream,
		Temperature: r.Options.Temperature,
		TopP:        r.Options.TopP,
		MaxTokens:   r.Options.MaxTokens,
	}
	if len(r.Functions) > 0 {
		req.Tools = functionsToTools(r.Functions)
	}
	req.ToolChoice = explicitToolChoiceV2(r.Messages)
	if r.Options.Reasoning != nil {
		applyReasoningEffort(req, r.Options.Reasoning.Effort, openAIMode)
	}
	return req
}

// mapMessagesV1 converts the flat v1 history. Assistant function_call turns
// become tool calls with synthetic ids; function results are paired to the
// most recent call with the same name.
func mapMessagesV1(messages []MessageV1) []llm.Message {
	var out []llm.Message
	callIDByName := make(map[string]string)

	for _, msg := range messages {
		switch msg.Role {
		case "system", "user":
			out = append(out, llm.Message{
				Role:    llm.Role(msg.Role),
				Content: llm.Text(msg.Content),
			})

		case "assistant":
			assistant := llm.Message{
				Role:    llm.RoleAssistant,
				Content: llm.Text(msg.Content),
			}
			if msg.FunctionCall != nil && msg.FunctionCall.Name != "" {
				callID := newCallID()
				callIDByName[msg.FunctionCall.Name] = callID
				assistant.Content = llm.Text("")
				assistant.ToolCalls = []llm.ToolCall{{
					ID:   callID,
					Type: "function",
					Function: llm.FunctionCall{
						Name:      msg.FunctionCall.Name,
						Arguments: msg.FunctionCall.Arguments,
					},
				}}
			}
			out = append(out, assistant)

		case "function":
			callID := callIDByName[msg.FunctionName]
			if callID == "" {
				callID = newCallID()
			}
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: callID,
				Name:       msg.FunctionName,
				Content:    llm.Text(msg.Content),
			})

		default:
			// Unknown role: keep the payload, route it as user content.
			out = append(out, llm.Message{
				Role:    llm.RoleUser,
				Content: llm.Text(msg.Content),
			})
		}
	}
	return out
}

func contentTextV2(items []ContentV2) string {
	var out strings.Builder
	for _, item := range items {
		out.WriteString(item.Text)
	}
	return out.String()
}

// mapMessagesV2 converts the v2 content-item history. Text items combine
// into one message; function_call and function_result items each produce a
// separate message.
func mapMessagesV2(messages []MessageV2) []llm.Message {
	var out []llm.Message
	callIDByName := make(map[string]string)

	for _, msg := range messages {
		role := llm.RoleUser
		switch msg.Role {
		case "system", "user", "assistant":
			role = llm.Role(msg.Role)
		case "reasoning":
			role = llm.RoleAssistant
		}

		if text := contentTextV2(msg.Content); text != "" {
			out = append(out, llm.Message{Role: role, Content: llm.Text(text)})
		}

		for _, item := range msg.Content {
			if item.FunctionCall != nil && item.FunctionCall.Name != "" {
				callID := newCallID()
				callIDByName[item.FunctionCall.Name] = callID
				out = append(out, llm.Message{
					Role:    llm.RoleAssistant,
					Content: llm.Text(""),
					ToolCalls: []llm.ToolCall{{
						ID:   callID,
						Type: "function",
						Function: llm.FunctionCall{
							Name:      item.FunctionCall.Name,
							Arguments: item.FunctionCall.Arguments,
						},
					}},
				})
			}
			if item.FunctionResult != nil && item.FunctionResult.Name != "" {
				callID := callIDByName[item.FunctionResult.Name]
				if callID == "" {
					callID = newCallID()
				}
				out = append(out, llm.Message{
					Role:       llm.RoleTool,
					ToolCallID: callID,
					Name:       item.FunctionResult.Name,
					Content:    llm.Text(item.FunctionResult.Result),
				})
			}
		}
	}
	return out
}

// usageFrom converts internal usage to the extended GigaChat shape; a nil
// usage yields all zeroes.
func usageFrom(u *llm.Usage) Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{
		PromptTokens:          u.PromptTokens,
		CompletionTokens:      u.CompletionTokens,
		TotalTokens:           u.TotalTokens,
		PrecachedPromptTokens: u.CachedTokens(),
	}
}

func assistantText(msg llm.Message) string {
	if text := msg.Content.AsText(); text != "" {
		return text
	}
	return msg.Refusal
}

// assistantToV1 flattens an assistant message to a v1 message; only the
// first tool call survives, matching the single function_call slot.
func assistantToV1(msg llm.Message) MessageV1 {
	out := MessageV1{
		Role:             "assistant",
		Content:          assistantText(msg),
		ReasoningContent: msg.Reasoning,
	}
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		out.FunctionCall = &FunctionCall{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}
		break
	}
	return out
}

// assistantToV2 renders an assistant message as v2 content items, plus a
// separate reasoning message when reasoning text is present.
func assistantToV2(msg llm.Message) []MessageResponseV2 {
	var items []ContentV2
	if text := assistantText(msg); text != "" {
		items = append(items, ContentV2{Text: text})
	}
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		items = append(items, ContentV2{FunctionCall: &FunctionCall{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}})
	}

	role := string(msg.Role)
	if role == "" {
		role = "assistant"
	}
	out := []MessageResponseV2{{Role: role, Content: items}}
	if msg.Reasoning != "" {
		out = append(out, MessageResponseV2{
			Role:    "reasoning",
			Content: []ContentV2{{Text: msg.Reasoning}},
		})
	}
	return out
}

// ResponseV1From wraps an assembled chat completion in the v1 answer
// envelope.
func ResponseV1From(resp *llm.Response) *ResponseV1 {
	alternatives := make([]AlternativeV1, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		alternatives = append(alternatives, AlternativeV1{
			Message:      assistantToV1(choice.Message),
			FinishReason: mapFinishReason(choice.FinishReason),
			Index:        choice.Index,
		})
	}
	return &ResponseV1{Answer: AnswerV1{
		Alternatives:   alternatives,
		Usage:          usageFrom(resp.Usage),
		ModelInfo:      ModelInfo{Name: resp.Model, Version: "v1"},
		Timestamp:      resp.Created,
		AdditionalData: map[string]string{},
	}}
}

// ResponseV2From wraps an assembled chat completion in the v2 answer
// envelope.
func ResponseV2From(resp *llm.Response) *ResponseV2 {
	alternatives := make([]AlternativeV2, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		alternatives = append(alternatives, AlternativeV2{
			Messages:     assistantToV2(choice.Message),
			FinishReason: mapFinishReason(choice.FinishReason),
			Index:        choice.Index,
			TokenIDs:     []int{},
		})
	}
	return &ResponseV2{Answer: AnswerV2{
		Alternatives:   alternatives,
		Usage:          usageFrom(resp.Usage),
		ModelInfo:      ModelInfo{Name: resp.Model, Version: "v2"},
		Timestamp:      resp.Created,
		AdditionalData: map[string]string{},
	}}
}

// ChunkV1From re-encodes one internal stream chunk as a full v1 envelope.
func ChunkV1From(chunk llm.Chunk) *ResponseV1 {
	alternatives := make([]AlternativeV1, 0, len(chunk.Choices))
	for _, choice := range chunk.Choices {
		msg := assistantToV1(choice.Delta)
		if choice.Delta.Role != "" {
			msg.Role = string(choice.Delta.Role)
		}
		alternatives = append(alternatives, AlternativeV1{
			Message:      msg,
			FinishReason: mapFinishReason(choice.FinishReason),
			Index:        choice.Index,
		})
	}
	return &ResponseV1{Answer: AnswerV1{
		Alternatives:   alternatives,
		Usage:          usageFrom(chunk.Usage),
		ModelInfo:      ModelInfo{Name: chunk.Model, Version: "v1"},
		Timestamp:      chunkTimestamp(chunk),
		AdditionalData: map[string]string{},
	}}
}

// ChunkV2From re-encodes one internal stream chunk as a full v2 envelope.
func ChunkV2From(chunk llm.Chunk) *ResponseV2 {
	alternatives := make([]AlternativeV2, 0, len(chunk.Choices))
	for _, choice := range chunk.Choices {
		alternatives = append(alternatives, AlternativeV2{
			Messages:     assistantToV2(choice.Delta),
			FinishReason: mapFinishReason(choice.FinishReason),
			Index:        choice.Index,
			TokenIDs:     []int{},
		})
	}
	return &ResponseV2{Answer: AnswerV2{
		Alternatives:   alternatives,
		Usage:          usageFrom(chunk.Usage),
		ModelInfo:      ModelInfo{Name: chunk.Model, Version: "v2"},
		Timestamp:      chunkTimestamp(chunk),
		AdditionalData: map[string]string{},
	}}
}

func chunkTimestamp(chunk llm.Chunk) int64 {
	if chunk.Created != 0 {
		return chunk.Created
	}
	return time.Now().Unix()
}
