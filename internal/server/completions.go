package server

import (
	"net/http"
	"time"

	"github.com/xrouter/llmgw/internal/auth"
	"github.com/xrouter/llmgw/internal/chain"
	"github.com/xrouter/llmgw/internal/dialect/openai"
	"github.com/xrouter/llmgw/pkg/llm"
	"github.com/xrouter/llmgw/pkg/provider"
)

// sharedProvider shields a registry driver from the pipeline's per-request
// Close. The registry owns driver lifetime; the pipeline only borrows it.
type sharedProvider struct {
	provider.Provider
}

func (sharedProvider) Close() error { return nil }

// prepare resolves the model, fetches its catalog entry and assembles the
// pipeline context for one request.
func (s *Server) prepare(r *http.Request, req *llm.Request) (*chain.Context, provider.Provider, error) {
	p, res, err := s.cat.Provider(req.Model)
	if err != nil {
		return nil, nil, err
	}
	m, err := p.Model(r.Context(), res.ModelID)
	if err != nil {
		return nil, nil, err
	}
	// The caller-supplied id is echoed back verbatim on responses.
	m.ExternalModelID = req.Model
	if m.ProviderID == "" {
		m.ProviderID = res.ProviderID
	}

	user, _ := auth.UserFrom(r.Context())
	apiKey := user.APIKey
	if !s.cfg.EnableAuth {
		apiKey = "auth-disabled"
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "unknown"
	}

	c := &chain.Context{
		Request:   req,
		APIKey:    apiKey,
		UserID:    user.ID,
		Origin:    origin,
		Model:     m,
		RequestID: RequestIDFrom(r.Context()),
	}
	return c, sharedProvider{p}, nil
}

// recordOutcome feeds the request metrics after the pipeline finished.
func (s *Server) recordOutcome(r *http.Request, c *chain.Context, chunks int64, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		s.metrics.RecordProviderError(r.Context(), c.Model.ProviderID,
			asGatewayError(err).Code)
	}
	s.metrics.RecordRequest(r.Context(), c.Model.ProviderID, c.Model.ExternalModelID, status)
	if chunks > 0 {
		s.metrics.RecordChunks(r.Context(), c.Model.ProviderID, chunks)
	}
	if !c.Metadata.StartTime.IsZero() {
		s.metrics.RecordCompletion(r.Context(), c.Model.ProviderID,
			c.Model.ExternalModelID, time.Since(c.Metadata.StartTime).Seconds())
	}
}

// handleChatCompletions serves the chat completion endpoint in both the
// native and the OpenAI dialect; the two share the wire format.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	req, err := openai.ParseRequest(r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	c, p, err := s.prepare(r, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.Stream {
		s.streamChatCompletion(w, r, c, p)
		return
	}

	err = s.ch.Run(r.Context(), c, p, nil)
	s.recordOutcome(r, c, 0, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c.FinalResponse == nil {
		s.writeError(w, r, llm.NewError(500, "No response from service",
			map[string]any{"error": "Service did not yield any response"}))
		return
	}
	s.writeJSON(w, http.StatusOK, c.FinalResponse)
}

// streamChatCompletion runs the pipeline with chunks re-encoded as SSE
// frames. Errors after the stream opened travel in-band before [DONE].
func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, c *chain.Context, p provider.Provider) {
	stream, err := newSSEStream(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var chunks int64
	err = s.ch.Run(r.Context(), c, p, func(chunk llm.Chunk) error {
		chunks++
		return stream.Data(chunk)
	})
	s.recordOutcome(r, c, chunks, err)
	if err != nil {
		s.log.Error("streaming failed",
			"request_id", c.RequestID, "error", err)
		stream.Error(err)
	}
	stream.Done()
}
