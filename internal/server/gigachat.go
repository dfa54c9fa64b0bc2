package server

import (
	"net/http"

	"github.com/xrouter/llmgw/internal/chain"
	"github.com/xrouter/llmgw/internal/dialect/gigachat"
	"github.com/xrouter/llmgw/pkg/llm"
	"github.com/xrouter/llmgw/pkg/provider"
)

// handleGigaChatV1 serves the flat-message GigaChat dialect.
func (s *Server) handleGigaChatV1(w http.ResponseWriter, r *http.Request) {
	req, err := gigachat.ParseRequestV1(r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	chatReq := req.MapRequestV1(s.cfg.OpenAICompatibleAPI)
	s.runGigaChat(w, r, chatReq,
		func(resp *llm.Response) any { return gigachat.ResponseV1From(resp) },
		func(chunk llm.Chunk) any { return gigachat.ChunkV1From(chunk) })
}

// handleGigaChatV2 serves the content-item GigaChat dialect.
func (s *Server) handleGigaChatV2(w http.ResponseWriter, r *http.Request) {
	req, err := gigachat.ParseRequestV2(r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	chatReq := req.MapRequestV2(s.cfg.OpenAICompatibleAPI)
	s.runGigaChat(w, r, chatReq,
		func(resp *llm.Response) any { return gigachat.ResponseV2From(resp) },
		func(chunk llm.Chunk) any { return gigachat.ChunkV2From(chunk) })
}

// runGigaChat drives the pipeline with version-specific answer encoders.
func (s *Server) runGigaChat(w http.ResponseWriter, r *http.Request, chatReq *llm.Request,
	encodeResponse func(*llm.Response) any, encodeChunk func(llm.Chunk) any) {

	c, p, err := s.prepare(r, chatReq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if chatReq.Stream {
		s.streamGigaChat(w, r, c, p, encodeChunk)
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
	s.writeJSON(w, http.StatusOK, encodeResponse(c.FinalResponse))
}

// streamGigaChat re-encodes each chunk as a full answer envelope.
func (s *Server) streamGigaChat(w http.ResponseWriter, r *http.Request, c *chain.Context,
	p provider.Provider, encodeChunk func(llm.Chunk) any) {

	stream, err := newSSEStream(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var chunks int64
	runErr := s.ch.Run(r.Context(), c, p, func(chunk llm.Chunk) error {
		chunks++
		return stream.Data(encodeChunk(chunk))
	})
	s.recordOutcome(r, c, chunks, runErr)
	if runErr != nil {
		s.log.Error("streaming failed",
			"request_id", c.RequestID, "error", runErr)
		stream.Error(runErr)
	}
	stream.Done()
}
