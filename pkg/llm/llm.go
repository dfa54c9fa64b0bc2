// Package llm defines the provider-agnostic chat completion model shared by
// every inbound dialect and upstream driver: messages, tools, requests,
// stream chunks, responses and the gateway error type.
package llm

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// IsValid reports whether r is a recognised message role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// CacheControl marks a content part for prompt caching on providers that
// support it.
type CacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// ImageURL references an image inside a multimodal user message.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"` // auto | low | high
}

// ContentPart is a single element of a structured message content list.
type ContentPart struct {
	Type         string        `json:"type"` // "text" | "image_url"
	Text         string        `json:"text,omitempty"`
	ImageURL     *ImageURL     `json:"image_url,omitempty"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// Content is a message body that arrives either as a plain string or as a
// list of content parts. The zero value means "no content"; Explicit keeps
// an empty string on the wire, which stream deltas rely on.
type Content struct {
	Text     string
	Parts    []ContentPart
	Explicit bool
}

// Text returns plain-text content that survives serialization even when s is
// empty.
func Text(s string) Content {
	return Content{Text: s, Explicit: true}
}

// IsZero reports whether the content carries neither text nor parts.
func (c Content) IsZero() bool {
	return !c.Explicit && c.Text == "" && c.Parts == nil
}

// AsText flattens the content to a single string, concatenating the text of
// structured parts.
func (c Content) AsText() string {
	if c.Parts == nil {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// HasCacheControl reports whether any part carries a cache_control marker.
func (c Content) HasCacheControl() bool {
	for _, p := range c.Parts {
		if p.CacheControl != nil {
			return true
		}
	}
	return false
}

// MarshalJSON encodes the content as a string when it is plain text and as a
// part list otherwise.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts both the string and the part-list wire forms.
func (c *Content) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &c.Parts)
	}
	if err := json.Unmarshal(data, &c.Text); err != nil {
		return err
	}
	c.Explicit = true
	return nil
}

// FunctionCall is the function name/argument pair inside a tool call.
// Arguments accumulate as a raw JSON string during streaming.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolCall is a model-issued function invocation. Index is optional on
// request messages and always present on streamed deltas.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"` // "function"
	Index    *int         `json:"index,omitempty"`
	Function FunctionCall `json:"function"`
}

// Message is a single chat turn in the provider-agnostic conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    Content    `json:"content,omitzero"`
	Name       string     `json:"name,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Refusal    string     `json:"refusal,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Error is the gateway-wide error shape. Code doubles as the HTTP status of
// the error envelope.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewError builds an [Error] with the given status code and message.
func NewError(code int, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm: %d %s", e.Code, e.Message)
}
