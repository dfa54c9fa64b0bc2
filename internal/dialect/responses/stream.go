package responses

import (
	"fmt"
	"strings"
	"time"

	"github.com/xrouter/llmgw/pkg/llm"
)

// Event is one server-sent event of the Responses API stream. Type becomes
// the SSE "event:" line and Data the JSON payload.
type Event struct {
	Type string
	Data any
}

type pendingCall struct {
	id        string
	name      string
	arguments strings.Builder
	emitted   bool
}

// StreamTranslator converts the internal chunk stream into Responses API
// events. Tool call argument fragments are buffered and emitted as completed
// function_call items once a finish reason arrives; some providers stream
// arguments token by token, so partial emission would produce broken JSON.
type StreamTranslator struct {
	req        *Request
	responseID string
	itemID     string
	createdAt  int64

	text      strings.Builder
	usage     *Usage
	pending   map[string]*pendingCall
	order     []string
	items     []any
	completed bool
}

// NewStreamTranslator starts a translation for one streamed request.
func NewStreamTranslator(req *Request) *StreamTranslator {
	return &StreamTranslator{
		req:        req,
		responseID: NewResponseID(),
		itemID:     NewItemID(),
		createdAt:  time.Now().Unix(),
		pending:    make(map[string]*pendingCall),
	}
}

// Start emits the opening event sequence: response.created,
// response.in_progress and the in-progress message item.
func (t *StreamTranslator) Start() []Event {
	created := t.req.envelope(t.responseID, t.createdAt, "in_progress")

	item := OutputMessage{
		ID:      t.itemID,
		Type:    "message",
		Status:  "in_progress",
		Role:    "assistant",
		Content: []any{NewOutputText("")},
	}
	t.items = append(t.items, item)

	return []Event{
		{Type: "response.created", Data: map[string]any{
			"type": "response.created", "response": created}},
		{Type: "response.in_progress", Data: map[string]any{
			"type": "response.in_progress", "response": created}},
		{Type: "response.output_item.added", Data: map[string]any{
			"type": "response.output_item.added", "output_index": 0, "item": item}},
	}
}

// Completed reports whether the terminal event sequence has been emitted.
func (t *StreamTranslator) Completed() bool { return t.completed }

// Feed translates one internal chunk. The returned events include the
// terminal sequence when the chunk carries a finish reason.
func (t *StreamTranslator) Feed(chunk llm.Chunk) []Event {
	if t.completed {
		return nil
	}

	var events []Event
	if chunk.Usage != nil {
		t.usage = usageFrom(chunk.Usage)
	}

	finishSeen := false
	for _, choice := range chunk.Choices {
		if choice.FinishReason != nil {
			finishSeen = true
		}
		for _, tc := range choice.Delta.ToolCalls {
			t.bufferToolCall(tc)
		}

		delta := choice.Delta.Content.AsText()
		if delta == "" {
			continue
		}
		t.text.WriteString(delta)
		events = append(events, Event{
			Type: "response.output_text.delta",
			Data: map[string]any{
				"type":          "response.output_text.delta",
				"output_index":  0,
				"item_id":       t.itemID,
				"content_index": 0,
				"delta":         delta,
			},
		})
	}

	if finishSeen {
		events = append(events, t.flushToolCalls()...)
		events = append(events, t.finishEvents()...)
	}
	return events
}

// Finish closes a stream that ended without a finish reason. It returns the
// terminal events when anything was generated, nil otherwise.
func (t *StreamTranslator) Finish() []Event {
	if t.completed || (t.text.Len() == 0 && t.usage == nil) {
		return nil
	}
	return t.finishEvents()
}

func (t *StreamTranslator) bufferToolCall(tc llm.ToolCall) {
	var key string
	switch {
	case tc.Index != nil:
		key = fmt.Sprintf("idx:%d", *tc.Index)
	case tc.ID != "":
		key = "id:" + tc.ID
	default:
		key = fmt.Sprintf("id:%d", len(t.pending))
	}

	pending, ok := t.pending[key]
	if !ok {
		pending = &pendingCall{}
		t.pending[key] = pending
		t.order = append(t.order, key)
	}
	if tc.ID != "" {
		pending.id = tc.ID
	}
	if tc.Function.Name != "" {
		pending.name = tc.Function.Name
	}
	pending.arguments.WriteString(tc.Function.Arguments)
}

// flushToolCalls emits each buffered tool call as a completed function_call
// item, added and done in one step.
func (t *StreamTranslator) flushToolCalls() []Event {
	var events []Event
	for _, key := range t.order {
		pending := t.pending[key]
		if pending.emitted || pending.name == "" {
			continue
		}
		callID := pending.id
		if callID == "" {
			callID = fmt.Sprintf("call_%d", len(t.items))
		}
		item := OutputFunctionCall{
			ID:        "fc_" + callID,
			Type:      "function_call",
			CallID:    callID,
			Name:      pending.name,
			Arguments: pending.arguments.String(),
			Status:    "completed",
		}
		t.items = append(t.items, item)
		index := len(t.items) - 1
		pending.emitted = true

		events = append(events,
			Event{Type: "response.output_item.added", Data: map[string]any{
				"type": "response.output_item.added", "output_index": index, "item": item}},
			Event{Type: "response.output_item.done", Data: map[string]any{
				"type": "response.output_item.done", "output_index": index, "item": item}},
		)
	}
	return events
}

func (t *StreamTranslator) finishEvents() []Event {
	text := t.text.String()

	finalItem := OutputMessage{
		ID:      t.itemID,
		Type:    "message",
		Status:  "completed",
		Role:    "assistant",
		Content: []any{NewOutputText(text)},
	}
	t.items[0] = finalItem

	completed := t.req.envelope(t.responseID, t.createdAt, "completed")
	completed.Output = t.items
	completed.Usage = t.usage
	completed.OutputText = text
	t.completed = true

	return []Event{
		{Type: "response.output_text.done", Data: map[string]any{
			"type":          "response.output_text.done",
			"output_index":  0,
			"item_id":       t.itemID,
			"content_index": 0,
			"text":          text,
		}},
		{Type: "response.output_item.done", Data: map[string]any{
			"type": "response.output_item.done", "output_index": 0, "item": finalItem}},
		{Type: "response.completed", Data: map[string]any{
			"type": "response.completed", "response": completed}},
	}
}
