// Package openai decodes Chat Completions request bodies. The gateway's
// internal request type shares the Chat Completions wire shape, so the
// dialect only needs to parse and reject malformed JSON; range validation
// happens in the pipeline's transform stage.
package openai

import (
	"encoding/json"
	"io"

	"github.com/xrouter/llmgw/pkg/llm"
)

// maxBodySize caps inbound request bodies at 10 MiB.
const maxBodySize = 10 << 20

// ParseRequest decodes a chat completion request from the request body.
func ParseRequest(r io.Reader) (*llm.Request, error) {
	var req llm.Request
	dec := json.NewDecoder(io.LimitReader(r, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		return nil, llm.NewError(400, "Invalid request body",
			map[string]any{"error": err.Error()})
	}
	return &req, nil
}
