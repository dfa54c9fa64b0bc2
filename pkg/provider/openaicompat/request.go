package openaicompat

import (
	"fmt"
	"strings"

	"github.com/xrouter/llmgw/pkg/llm"
)

// buildBody maps the provider-agnostic request onto the upstream wire form.
func (d *Driver) buildBody(req llm.ProviderRequest) (map[string]any, error) {
	if req.Model == "" {
		return nil, llm.NewError(400,
			fmt.Sprintf("Failed to map request for %s", d.cfg.Name),
			map[string]any{"error": "model is required"})
	}

	body := map[string]any{
		"model":    req.Model,
		"messages": d.mapMessages(req.Messages),
		// Upstream always streams; the gateway assembles non-streaming
		// responses itself.
		"stream": true,
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		body[d.opts.maxTokensField] = *req.MaxTokens
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
	}
	if req.ToolChoice != nil {
		body["tool_choice"] = req.ToolChoice
	}
	if d.opts.thinking && req.Reasoning != nil {
		body["thinking"] = map[string]string{"type": "enabled"}
	}
	return body, nil
}

func (d *Driver) mapMessages(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	pendingToolCall := ""
	for i, msg := range messages {
		if d.opts.skipPreamble && isPreambleAssistant(messages, i, pendingToolCall) {
			continue
		}
		switch msg.Role {
		case llm.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				pendingToolCall = msg.ToolCalls[0].ID
			}
		case llm.RoleTool:
			if msg.ToolCallID == pendingToolCall {
				pendingToolCall = ""
			}
		case llm.RoleUser:
			if d.opts.flattenUser && msg.Content.Parts != nil {
				msg.Content = llm.Text(flattenTextParts(msg.Content.Parts))
			}
		}
		out = append(out, msg)
	}
	return out
}

// isPreambleAssistant reports whether messages[i] is assistant commentary
// sitting between a pending tool call and its result. Such messages break the
// call/result pairing some providers validate strictly.
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

// flattenTextParts joins the text parts of structured content, dropping
// images and other non-text parts.
func flattenTextParts(parts []llm.ContentPart) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
