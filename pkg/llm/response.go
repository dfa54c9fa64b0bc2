package llm

import "encoding/json"

// Object type identifiers on responses and stream chunks.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
)

// PromptTokensDetails breaks down prompt accounting.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// CompletionTokensDetails breaks down completion accounting.
type CompletionTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// Usage is the token accounting attached to terminal chunks and responses.
type Usage struct {
	PromptTokens            int                      `json:"prompt_tokens"`
	CompletionTokens        int                      `json:"completion_tokens"`
	TotalTokens             int                      `json:"total_tokens"`
	Cost                    *float64                 `json:"cost,omitempty"`
	PromptTokensDetails     *PromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *CompletionTokensDetails `json:"completion_tokens_details,omitempty"`
}

// CachedTokens returns the cached prompt token count, zero when absent.
func (u *Usage) CachedTokens() int {
	if u == nil || u.PromptTokensDetails == nil {
		return 0
	}
	return u.PromptTokensDetails.CachedTokens
}

// ReasoningTokens returns the reasoning token count, zero when absent.
func (u *Usage) ReasoningTokens() int {
	if u == nil || u.CompletionTokensDetails == nil {
		return 0
	}
	return u.CompletionTokensDetails.ReasoningTokens
}

// Basic strips the detail blocks, keeping only the three counters.
func (u *Usage) Basic() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// StreamChoice is one streamed alternative inside a [Chunk].
type StreamChoice struct {
	Index              int             `json:"index"`
	Delta              Message         `json:"delta"`
	FinishReason       *string         `json:"finish_reason"`
	NativeFinishReason *string         `json:"native_finish_reason,omitempty"`
	Logprobs           json.RawMessage `json:"logprobs,omitempty"`
}

// Chunk is a single streamed completion fragment. Err carries post-start
// stream failures in-band; a chunk with Err set is terminal and is never
// serialized to the caller as-is.
type Chunk struct {
	ID                string         `json:"id"`
	Object            string         `json:"object"`
	Created           int64          `json:"created"`
	Model             string         `json:"model"`
	Provider          string         `json:"provider,omitempty"`
	SystemFingerprint *string        `json:"system_fingerprint"`
	Choices           []StreamChoice `json:"choices"`
	Usage             *Usage         `json:"usage,omitempty"`

	Err error `json:"-"`
}

// FinishReason returns the first non-nil finish reason across choices.
func (c *Chunk) FinishReason() *string {
	for _, choice := range c.Choices {
		if choice.FinishReason != nil {
			return choice.FinishReason
		}
	}
	return nil
}

// Choice is one alternative of an assembled non-streaming [Response].
type Choice struct {
	Index              int             `json:"index"`
	Message            Message         `json:"message"`
	FinishReason       *string         `json:"finish_reason"`
	NativeFinishReason *string         `json:"native_finish_reason,omitempty"`
	Logprobs           json.RawMessage `json:"logprobs,omitempty"`
}

// Response is the assembled non-streaming completion.
type Response struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Provider          string   `json:"provider,omitempty"`
	SystemFingerprint *string  `json:"system_fingerprint"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
}
