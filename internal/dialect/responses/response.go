package responses

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/xrouter/llmgw/pkg/llm"
)

// OutputText is a generated-text content item.
type OutputText struct {
	Type        string `json:"type"` // "output_text"
	Text        string `json:"text"`
	Annotations []any  `json:"annotations"`
}

// NewOutputText builds an output_text item with an empty annotation list.
func NewOutputText(text string) OutputText {
	return OutputText{Type: "output_text", Text: text, Annotations: []any{}}
}

// OutputRefusal is a refusal content item.
type OutputRefusal struct {
	Type    string `json:"type"` // "refusal"
	Refusal string `json:"refusal"`
}

// OutputMessage is an assistant message output item.
type OutputMessage struct {
	ID      string `json:"id"`
	Type    string `json:"type"`   // "message"
	Status  string `json:"status"` // in_progress | completed
	Role    string `json:"role"`   // "assistant"
	Content []any  `json:"content"`
}

// OutputFunctionCall is a function call output item.
type OutputFunctionCall struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // "function_call"
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Status    string `json:"status"` // "completed"
}

// InputTokensDetails breaks down the input token accounting.
type InputTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// OutputTokensDetails breaks down the output token accounting.
type OutputTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// Usage is token accounting in Responses API shape.
type Usage struct {
	InputTokens         int                  `json:"input_tokens"`
	OutputTokens        int                  `json:"output_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	InputTokensDetails  *InputTokensDetails  `json:"input_tokens_details,omitempty"`
	OutputTokensDetails *OutputTokensDetails `json:"output_tokens_details,omitempty"`
}

// Response is the Responses API response envelope.
type Response struct {
	ID                string          `json:"id"`
	Object            string          `json:"object"` // "response"
	CreatedAt         int64           `json:"created_at"`
	Status            string          `json:"status"` // in_progress | completed | failed
	Model             string          `json:"model"`
	Output            []any           `json:"output"`
	Usage             *Usage          `json:"usage,omitempty"`
	Error             map[string]any  `json:"error,omitempty"`
	IncompleteDetails map[string]any  `json:"incomplete_details,omitempty"`
	Instructions      string          `json:"instructions,omitempty"`
	MaxOutputTokens   *int            `json:"max_output_tokens,omitempty"`
	Temperature       *float64        `json:"temperature,omitempty"`
	TopP              *float64        `json:"top_p,omitempty"`
	ParallelToolCalls bool            `json:"parallel_tool_calls"`
	Tools             []llm.Tool      `json:"tools,omitempty"`
	ToolChoice        *llm.ToolChoice `json:"tool_choice,omitempty"`
	OutputText        string          `json:"output_text,omitempty"`
}

// NewResponseID mints a Responses API response id.
func NewResponseID() string {
	return "resp_" + uuidHex()
}

// NewItemID mints a Responses API message item id.
func NewItemID() string {
	return "msg_" + uuidHex()
}

func uuidHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// usageFrom converts internal usage to the Responses API shape.
func usageFrom(u *llm.Usage) *Usage {
	if u == nil {
		return nil
	}
	out := &Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.InputTokensDetails = &InputTokensDetails{
			CachedTokens: u.PromptTokensDetails.CachedTokens,
		}
	}
	if u.CompletionTokensDetails != nil {
		out.OutputTokensDetails = &OutputTokensDetails{
			ReasoningTokens: u.CompletionTokensDetails.ReasoningTokens,
		}
	}
	return out
}

// envelope builds a Response pre-filled with the request's echoed parameters.
func (r *Request) envelope(responseID string, createdAt int64, status string) *Response {
	return &Response{
		ID:                responseID,
		Object:            "response",
		CreatedAt:         createdAt,
		Status:            status,
		Model:             r.Model,
		Output:            []any{},
		Instructions:      r.Instructions,
		MaxOutputTokens:   r.MaxOutputTokens,
		Temperature:       r.Temperature,
		TopP:              r.TopP,
		ParallelToolCalls: true,
		Tools:             []llm.Tool(r.Tools),
		ToolChoice:        r.ToolChoice,
	}
}

// FromChatResponse maps an assembled chat completion onto the Responses API
// response: one message item carrying the generated text plus one
// function_call item per tool call.
func FromChatResponse(resp *llm.Response, req *Request, responseID, itemID string) *Response {
	out := req.envelope(responseID, resp.Created, "completed")
	out.Model = resp.Model
	out.Usage = usageFrom(resp.Usage)

	if len(resp.Choices) == 0 {
		return out
	}
	message := resp.Choices[0].Message

	var content []any
	if text := message.Content.AsText(); text != "" {
		out.OutputText = text
		content = append(content, NewOutputText(text))
	}
	if message.Refusal != "" {
		content = append(content, OutputRefusal{Type: "refusal", Refusal: message.Refusal})
	}
	if content == nil {
		content = []any{}
	}

	out.Output = append(out.Output, OutputMessage{
		ID:      itemID,
		Type:    "message",
		Status:  "completed",
		Role:    "assistant",
		Content: content,
	})

	for i, tc := range message.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		callID := tc.ID
		if callID == "" {
			callID = fmt.Sprintf("call_%d", i)
		}
		out.Output = append(out.Output, OutputFunctionCall{
			ID:        "fc_" + callID,
			Type:      "function_call",
			CallID:    callID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
			Status:    "completed",
		})
	}
	return out
}
