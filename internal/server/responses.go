package server

import (
	"net/http"

	"github.com/xrouter/llmgw/internal/chain"
	"github.com/xrouter/llmgw/internal/dialect/responses"
	"github.com/xrouter/llmgw/pkg/llm"
	"github.com/xrouter/llmgw/pkg/provider"
)

// handleResponses serves the OpenAI Responses API endpoint on top of the
// chat completion pipeline.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	req, err := responses.ParseRequest(r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	chatReq := req.ToChatRequest(s.cfg.OpenAICompatibleAPI)

	c, p, err := s.prepare(r, chatReq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if chatReq.Stream {
		s.streamResponses(w, r, req, c, p)
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
	out := responses.FromChatResponse(c.FinalResponse, req,
		responses.NewResponseID(), responses.NewItemID())
	s.writeJSON(w, http.StatusOK, out)
}

// streamResponses translates the chunk stream into Responses API events.
func (s *Server) streamResponses(w http.ResponseWriter, r *http.Request, req *responses.Request, c *chain.Context, p provider.Provider) {
	stream, err := newSSEStream(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	tr := responses.NewStreamTranslator(req)
	if err := s.emitEvents(stream, tr.Start()); err != nil {
		s.log.Error("streaming failed",
			"request_id", c.RequestID, "error", err)
		return
	}

	var chunks int64
	runErr := s.ch.Run(r.Context(), c, p, func(chunk llm.Chunk) error {
		chunks++
		return s.emitEvents(stream, tr.Feed(chunk))
	})
	s.recordOutcome(r, c, chunks, runErr)
	if runErr != nil {
		s.log.Error("streaming failed",
			"request_id", c.RequestID, "error", runErr)
		stream.Error(runErr)
		stream.Done()
		return
	}

	if err := s.emitEvents(stream, tr.Finish()); err != nil {
		s.log.Error("streaming failed",
			"request_id", c.RequestID, "error", err)
		return
	}
	stream.Done()
}

// emitEvents writes translator events as named SSE frames.
func (s *Server) emitEvents(stream *sseStream, events []responses.Event) error {
	for _, ev := range events {
		if err := stream.Event(ev.Type, ev.Data); err != nil {
			return err
		}
	}
	return nil
}
