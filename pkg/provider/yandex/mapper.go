package yandex

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xrouter/llmgw/pkg/llm"
)

// modelAliases maps gateway model ids to the path component of the gpt://
// model URI.
var modelAliases = map[string]string{
	"yandexgpt5-pro:latest":  "yandexgpt/latest",
	"yandexgpt5.1-pro:rc":    "yandexgpt/rc",
	"yandexgpt-lite5:latest": "yandexgpt-lite/latest",
	"aliceai-llm:latest":     "aliceai-llm/latest",
}

// Request wire shapes. A message carries exactly one of text, toolCallList
// or toolResultList.

type requestPayload struct {
	ModelURI          string            `json:"modelUri"`
	Messages          []messagePayload  `json:"messages"`
	CompletionOptions completionOptions `json:"completionOptions"`
	Tools             []toolPayload     `json:"tools,omitempty"`
	ToolChoice        *toolChoice       `json:"toolChoice,omitempty"`
}

type completionOptions struct {
	Stream           bool              `json:"stream"`
	Temperature      float64           `json:"temperature"`
	MaxTokens        *int              `json:"maxTokens,omitempty"`
	ReasoningOptions *reasoningOptions `json:"reasoningOptions,omitempty"`
}

type reasoningOptions struct {
	Mode string `json:"mode"`
}

type messagePayload struct {
	Role           string          `json:"role"`
	Text           *string         `json:"text,omitempty"`
	ToolCallList   *toolCallList   `json:"toolCallList,omitempty"`
	ToolResultList *toolResultList `json:"toolResultList,omitempty"`
}

type toolCallList struct {
	ToolCalls []wireToolCall `json:"toolCalls"`
}

type wireToolCall struct {
	FunctionCall wireFunctionCall `json:"functionCall"`
}

type wireFunctionCall struct {
	Name string `json:"name"`
	// Arguments is a structured object on the wire, not a JSON string.
	Arguments json.RawMessage `json:"arguments"`
}

type toolResultList struct {
	ToolResults []wireToolResult `json:"toolResults"`
}

type wireToolResult struct {
	FunctionResult wireFunctionResult `json:"functionResult"`
}

type wireFunctionResult struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type toolPayload struct {
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type toolChoice struct {
	Mode         string `json:"mode,omitempty"` // NONE | AUTO | REQUIRED
	FunctionName string `json:"functionName,omitempty"`
}

// modelURI resolves the gateway model id to the full gpt:// URI.
func (d *Driver) modelURI(modelID string) (string, error) {
	if d.folderID == "" {
		return "", llm.NewError(500, "Yandex folder_id not configured",
			map[string]any{"error": "Missing folder_id in provider parameters"})
	}
	alias, ok := modelAliases[strings.ToLower(modelID)]
	if !ok {
		return "", llm.NewError(400,
			fmt.Sprintf("Unsupported model: %s", modelID),
			map[string]any{"error": fmt.Sprintf("No mapping found for model %s", modelID)})
	}
	return "gpt://" + d.folderID + "/" + alias, nil
}

// buildBody maps the provider-agnostic request to the Yandex wire form.
// System messages are not part of the Yandex dialect and are dropped; tool
// results travel as user messages with a toolResultList.
func (d *Driver) buildBody(req llm.ProviderRequest) (requestPayload, error) {
	uri, err := d.modelURI(req.Model)
	if err != nil {
		return requestPayload{}, err
	}

	messages, err := d.mapMessages(req.Messages)
	if err != nil {
		return requestPayload{}, err
	}

	temperature := 0.3
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	var reasoning *reasoningOptions
	if req.Reasoning != nil {
		reasoning = &reasoningOptions{Mode: "ENABLED_HIDDEN"}
	}

	return requestPayload{
		ModelURI: uri,
		Messages: messages,
		CompletionOptions: completionOptions{
			Stream:           true,
			Temperature:      temperature,
			MaxTokens:        req.MaxTokens,
			ReasoningOptions: reasoning,
		},
		Tools:      mapTools(req.Tools),
		ToolChoice: mapToolChoice(req.ToolChoice),
	}, nil
}

func (d *Driver) mapMessages(messages []llm.Message) ([]messagePayload, error) {
	out := make([]messagePayload, 0, len(messages))
	pendingToolCall := ""
	for i, msg := range messages {
		if isPreambleAssistant(messages, i, pendingToolCall) {
			continue
		}
		switch msg.Role {
		case llm.RoleUser:
			text := msg.Content.AsText()
			out = append(out, messagePayload{Role: "user", Text: &text})
		case llm.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				list, err := mapToolCallList(msg.ToolCalls)
				if err != nil {
					return nil, err
				}
				out = append(out, messagePayload{Role: "assistant", ToolCallList: list})
				pendingToolCall = msg.ToolCalls[0].ID
				continue
			}
			text := msg.Content.AsText()
			if strings.TrimSpace(text) == "" {
				// Yandex rejects empty text messages.
				continue
			}
			out = append(out, messagePayload{Role: "assistant", Text: &text})
		case llm.RoleTool:
			out = append(out, messagePayload{
				Role: "user",
				ToolResultList: &toolResultList{ToolResults: []wireToolResult{{
					FunctionResult: wireFunctionResult{
						Name:    msg.Name,
						Content: msg.Content.AsText(),
					},
				}}},
			})
			if msg.ToolCallID == pendingToolCall {
				pendingToolCall = ""
			}
		default:
			d.log.Warn("skipping message with unsupported role", "role", msg.Role)
		}
	}
	return out, nil
}

func mapToolCallList(calls []llm.ToolCall) (*toolCallList, error) {
	out := make([]wireToolCall, 0, len(calls))
	for _, call := range calls {
		args := json.RawMessage(call.Function.Arguments)
		if !json.Valid(args) {
			return nil, llm.NewError(400, "Failed to map request for Yandex",
				map[string]any{"error": fmt.Sprintf(
					"invalid tool call arguments for %s", call.Function.Name)})
		}
		out = append(out, wireToolCall{FunctionCall: wireFunctionCall{
			Name:      call.Function.Name,
			Arguments: args,
		}})
	}
	return &toolCallList{ToolCalls: out}, nil
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

func mapTools(tools []llm.Tool) []toolPayload {
	if len(tools) == 0 {
		return nil
	}
	out := make([]toolPayload, 0, len(tools))
	for _, tool := range tools {
		out = append(out, toolPayload{Function: toolFunction{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		}})
	}
	return out
}

func mapToolChoice(choice *llm.ToolChoice) *toolChoice {
	if choice == nil {
		return nil
	}
	if choice.Function != "" {
		return &toolChoice{FunctionName: choice.Function}
	}
	switch mode := strings.ToUpper(choice.Mode); mode {
	case "NONE", "AUTO", "REQUIRED":
		return &toolChoice{Mode: mode}
	}
	return nil
}

// Stream wire shapes. Yandex counts tokens as decimal strings and reports
// the accumulated alternative text, not deltas.

type chunkPayload struct {
	Result resultPayload `json:"result"`
}

type resultPayload struct {
	Alternatives []alternativePayload `json:"alternatives"`
	Usage        *usagePayload        `json:"usage"`
	ModelVersion string               `json:"modelVersion"`
}

type alternativePayload struct {
	Message alternativeMessage `json:"message"`
	Status  string             `json:"status"`
}

type alternativeMessage struct {
	Role         string        `json:"role"`
	Text         string        `json:"text"`
	ToolCallList *toolCallList `json:"toolCallList"`
}

type usagePayload struct {
	InputTextTokens         wireInt       `json:"inputTextTokens"`
	CompletionTokens        wireInt       `json:"completionTokens"`
	TotalTokens             wireInt       `json:"totalTokens"`
	CompletionTokensDetails *usageDetails `json:"completionTokensDetails"`
}

type usageDetails struct {
	ReasoningTokens wireInt `json:"reasoningTokens"`
}

// wireInt decodes a token count that arrives either as a JSON number or as a
// decimal string.
type wireInt int

func (w *wireInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*w = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("yandex: parse token count %q: %w", s, err)
	}
	*w = wireInt(n)
	return nil
}

const (
	statusFinal     = "ALTERNATIVE_STATUS_FINAL"
	statusToolCalls = "ALTERNATIVE_STATUS_TOOL_CALLS"
)

// mapChunk converts one Yandex result into a gateway chunk. previousText
// carries the accumulated text across the stream so the cumulative response
// can be re-cut into deltas.
func mapChunk(p chunkPayload, requestID, model, providerID string, previousText *string) (llm.Chunk, bool) {
	if len(p.Result.Alternatives) == 0 {
		return llm.Chunk{}, false
	}
	alternative := p.Result.Alternatives[0]

	var choice llm.StreamChoice
	switch alternative.Status {
	case statusToolCalls:
		calls := mapWireToolCalls(alternative.Message.ToolCallList)
		finish := "tool_calls"
		choice = llm.StreamChoice{
			Index:        0,
			Delta:        llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
			FinishReason: &finish,
		}
	default:
		current := alternative.Message.Text
		delta := current
		if *previousText != "" && strings.HasPrefix(current, *previousText) {
			delta = current[len(*previousText):]
		}
		*previousText = current

		role := llm.Role(alternative.Message.Role)
		if role == "" {
			role = llm.RoleAssistant
		}
		var finish *string
		if alternative.Status == statusFinal {
			stop := "stop"
			finish = &stop
		}
		choice = llm.StreamChoice{
			Index:        0,
			Delta:        llm.Message{Role: role, Content: llm.Text(delta)},
			FinishReason: finish,
		}
	}

	var usage *llm.Usage
	if p.Result.Usage != nil {
		usage = &llm.Usage{
			PromptTokens:     int(p.Result.Usage.InputTextTokens),
			CompletionTokens: int(p.Result.Usage.CompletionTokens),
			TotalTokens:      int(p.Result.Usage.TotalTokens),
		}
		if d := p.Result.Usage.CompletionTokensDetails; d != nil && d.ReasoningTokens > 0 {
			usage.CompletionTokensDetails = &llm.CompletionTokensDetails{
				ReasoningTokens: int(d.ReasoningTokens),
			}
		}
	}

	final := alternative.Status == statusFinal || alternative.Status == statusToolCalls
	return llm.Chunk{
		ID:       requestID,
		Object:   llm.ObjectChatCompletionChunk,
		Created:  time.Now().Unix(),
		Model:    model,
		Provider: providerID,
		Choices:  []llm.StreamChoice{choice},
		Usage:    usage,
	}, final
}

// mapWireToolCalls converts a toolCallList into gateway tool calls with
// generated ids and re-serialized argument strings.
func mapWireToolCalls(list *toolCallList) []llm.ToolCall {
	if list == nil {
		return nil
	}
	calls := make([]llm.ToolCall, 0, len(list.ToolCalls))
	for i, call := range list.ToolCalls {
		index := i
		calls = append(calls, llm.ToolCall{
			ID:    "ya_call_" + uuid.NewString(),
			Type:  "function",
			Index: &index,
			Function: llm.FunctionCall{
				Name:      call.FunctionCall.Name,
				Arguments: string(call.FunctionCall.Arguments),
			},
		})
	}
	return calls
}
