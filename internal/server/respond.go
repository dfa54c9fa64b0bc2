package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/xrouter/llmgw/pkg/llm"
)

// writeJSON encodes v with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

// writeError renders err as the error envelope. Non-gateway errors collapse
// to a generic 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	perr := asGatewayError(err)
	s.log.Error("request failed",
		"request_id", RequestIDFrom(r.Context()),
		"path", r.URL.Path,
		"code", perr.Code,
		"error", perr.Message)
	s.writeJSON(w, perr.Code, map[string]any{"error": perr})
}

// asGatewayError unwraps a gateway error or builds the generic 500.
func asGatewayError(err error) *llm.Error {
	var perr *llm.Error
	if errors.As(err, &perr) {
		return perr
	}
	return llm.NewError(500, "Internal server error",
		map[string]any{"error": err.Error()})
}

// sseStream writes server-sent events with per-event flushing.
type sseStream struct {
	w  http.ResponseWriter
	fl http.Flusher
}

// newSSEStream switches the response to text/event-stream. Fails when the
// writer cannot flush incrementally.
func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("server: response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseStream{w: w, fl: fl}, nil
}

// Data writes one `data:` frame.
func (s *sseStream) Data(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal stream payload: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.fl.Flush()
	return nil
}

// Event writes one named event frame.
func (s *sseStream) Event(name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal stream payload: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	s.fl.Flush()
	return nil
}

// Done writes the terminal [DONE] sentinel.
func (s *sseStream) Done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.fl.Flush()
}

// Error delivers err as an in-band stream payload. The connection already
// committed to 200, so the error travels in the body.
func (s *sseStream) Error(err error) {
	var payload map[string]any
	var perr *llm.Error
	if errors.As(err, &perr) {
		payload = map[string]any{"error": map[string]any{
			"message": perr.Message,
			"type":    "provider_error",
			"code":    perr.Code,
			"details": perr.Details,
		}}
	} else {
		payload = map[string]any{"error": map[string]any{
			"message": "Internal server error",
			"type":    "internal_error",
			"code":    500,
		}}
	}
	_ = s.Data(payload)
}
