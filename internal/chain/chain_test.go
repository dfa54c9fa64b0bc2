package chain

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xrouter/llmgw/internal/billing"
	"github.com/xrouter/llmgw/internal/config"
	"github.com/xrouter/llmgw/pkg/llm"
	"github.com/xrouter/llmgw/pkg/provider"
)

type fakeProvider struct {
	chunks   []llm.Chunk
	startErr error
	closed   bool
	gotReq   llm.ProviderRequest
}

func (f *fakeProvider) StreamCompletion(_ context.Context, req llm.ProviderRequest) (<-chan llm.Chunk, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.gotReq = req
	ch := make(chan llm.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Models(context.Context) ([]provider.Model, error) { return nil, nil }

func (f *fakeProvider) Model(context.Context, string) (provider.Model, error) {
	return provider.Model{}, nil
}

func (f *fakeProvider) Close() error {
	f.closed = true
	return nil
}

func strPtr(s string) *string { return &s }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testModel() provider.Model {
	return provider.Model{
		ModelID:         "glm-4.7",
		ExternalModelID: "zai/glm-4.7",
		ProviderID:      "zai",
	}
}

func contentChunk(text string) llm.Chunk {
	return llm.Chunk{
		ID:     "upstream-1",
		Model:  "glm-4.7",
		Object: llm.ObjectChatCompletionChunk,
		Choices: []llm.StreamChoice{{
			Delta: llm.Message{Role: llm.RoleAssistant, Content: llm.Text(text)},
		}},
	}
}

func terminalChunk(reason string, usage *llm.Usage) llm.Chunk {
	return llm.Chunk{
		ID:     "upstream-1",
		Model:  "glm-4.7",
		Object: llm.ObjectChatCompletionChunk,
		Choices: []llm.StreamChoice{{
			Delta:        llm.Message{},
			FinishReason: strPtr(reason),
		}},
		Usage: usage,
	}
}

func fullUsage() *llm.Usage {
	return &llm.Usage{
		PromptTokens:            10,
		CompletionTokens:        5,
		TotalTokens:             15,
		PromptTokensDetails:     &llm.PromptTokensDetails{CachedTokens: 4},
		CompletionTokensDetails: &llm.CompletionTokensDetails{ReasoningTokens: 2},
	}
}

// TestTransformValidation verifies the range checks on request parameters.
func TestTransformValidation(t *testing.T) {
	bad := 3.0
	cases := []struct {
		name string
		req  llm.Request
	}{
		{"no messages", llm.Request{}},
		{"temperature", llm.Request{Messages: []llm.Message{{Role: llm.RoleUser}}, Temperature: &bad}},
		{"both prompt and messages", llm.Request{
			Messages: []llm.Message{{Role: llm.RoleUser}}, Prompt: "hi"}},
	}
	for _, tc := range cases {
		h := &transformHandler{cfg: &config.Settings{}, log: testLogger()}
		c := &Context{Request: &tc.req, RequestID: "req-1", Model: testModel()}
		err := h.Handle(context.Background(), c, nil, nil)
		var perr *llm.Error
		if !errors.As(err, &perr) || perr.Code != 400 {
			t.Errorf("%s: error = %v, want 400", tc.name, err)
		}
	}
}

// TestTransformPromptToMessages verifies the native-only prompt rewrite.
func TestTransformPromptToMessages(t *testing.T) {
	h := &transformHandler{cfg: &config.Settings{}, log: testLogger()}
	c := &Context{
		Request:   &llm.Request{Prompt: "tell me a joke"},
		RequestID: "req-1",
		Model:     testModel(),
	}
	if err := h.Handle(context.Background(), c, nil, nil); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	pr := c.ProviderRequest
	if len(pr.Messages) != 1 || pr.Messages[0].Role != llm.RoleUser {
		t.Fatalf("messages = %+v", pr.Messages)
	}
	if pr.Messages[0].Content.AsText() != "tell me a joke" {
		t.Errorf("content = %q", pr.Messages[0].Content.AsText())
	}
	if pr.Model != "glm-4.7" || pr.RequestID != "req-1" {
		t.Errorf("provider request = %+v", pr)
	}
	if !strings.HasPrefix(c.GenerationID, "gen_") {
		t.Errorf("generation id = %q", c.GenerationID)
	}
}

// TestTransformReasoningEffort verifies the flat effort field folding in
// OpenAI mode.
func TestTransformReasoningEffort(t *testing.T) {
	h := &transformHandler{cfg: &config.Settings{OpenAICompatibleAPI: true}, log: testLogger()}
	c := &Context{
		Request: &llm.Request{
			Messages:        []llm.Message{{Role: llm.RoleUser, Content: llm.Text("hi")}},
			ReasoningEffort: "high",
		},
		RequestID: "req-1",
		Model:     testModel(),
	}
	if err := h.Handle(context.Background(), c, nil, nil); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if c.ProviderRequest.Reasoning == nil || c.ProviderRequest.Reasoning.Effort != "high" {
		t.Errorf("reasoning = %+v", c.ProviderRequest.Reasoning)
	}
	if c.ProviderRequest.ReasoningEffort != "" {
		t.Error("flat effort field must be cleared")
	}
}

// TestTransformCacheControl verifies the cache_write flag detection.
func TestTransformCacheControl(t *testing.T) {
	h := &transformHandler{cfg: &config.Settings{}, log: testLogger()}
	c := &Context{
		Request: &llm.Request{
			Messages: []llm.Message{{
				Role: llm.RoleUser,
				Content: llm.Content{Parts: []llm.ContentPart{{
					Type: "text", Text: "cache me",
					CacheControl: &llm.CacheControl{Type: "ephemeral"},
				}}},
			}},
		},
		RequestID: "req-1",
		Model:     testModel(),
	}
	if err := h.Handle(context.Background(), c, nil, nil); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if !c.CacheWrite {
		t.Error("cache_write must be set")
	}
}

// TestStreamingRewrapsChunks verifies the id and model rewrite plus usage
// filtering on the streamed path.
func TestStreamingRewrapsChunks(t *testing.T) {
	p := &fakeProvider{chunks: []llm.Chunk{
		contentChunk("Hel"),
		contentChunk("lo"),
		terminalChunk("stop", fullUsage()),
	}}
	ch := New(&config.Settings{}, nil, testLogger())
	c := &Context{
		Request:   &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: llm.Text("hi")}}, Stream: true},
		RequestID: "req-1",
		Model:     testModel(),
	}

	var emitted []llm.Chunk
	err := ch.Run(context.Background(), c, p, func(chunk llm.Chunk) error {
		emitted = append(emitted, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(emitted) != 3 {
		t.Fatalf("emitted %d chunks, want 3", len(emitted))
	}
	for _, chunk := range emitted {
		if chunk.ID != c.GenerationID || chunk.Model != "zai/glm-4.7" {
			t.Errorf("chunk = %+v", chunk)
		}
		if chunk.Provider != "zai" {
			t.Errorf("provider = %q", chunk.Provider)
		}
	}
	if emitted[0].Usage != nil || emitted[1].Usage != nil {
		t.Error("usage must only appear on the terminal chunk")
	}
	final := emitted[2]
	if final.Usage == nil || final.Usage.PromptTokensDetails != nil {
		t.Errorf("final usage = %+v, want basic counters only", final.Usage)
	}
	if c.Accumulated != "Hello" {
		t.Errorf("accumulated = %q", c.Accumulated)
	}
	if c.FinalResponse == nil || c.NativeUsage == nil {
		t.Error("final response and native usage must be recorded")
	}
	if c.NativeUsage.CachedTokens() != 4 {
		t.Errorf("native usage = %+v, must stay unfiltered", c.NativeUsage)
	}
	if !p.closed {
		t.Error("provider must be closed after the walk")
	}
}

// TestStreamingIncludeUsage verifies that detailed usage passes through when
// requested.
func TestStreamingIncludeUsage(t *testing.T) {
	p := &fakeProvider{chunks: []llm.Chunk{terminalChunk("stop", fullUsage())}}
	ch := New(&config.Settings{}, nil, testLogger())
	c := &Context{
		Request: &llm.Request{
			Messages: []llm.Message{{Role: llm.RoleUser, Content: llm.Text("hi")}},
			Stream:   true,
			Usage:    &llm.UsageOptions{Include: true},
		},
		RequestID: "req-1",
		Model:     testModel(),
	}

	var emitted []llm.Chunk
	if err := ch.Run(context.Background(), c, p, func(chunk llm.Chunk) error {
		emitted = append(emitted, chunk)
		return nil
	}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(emitted) != 1 || emitted[0].Usage == nil ||
		emitted[0].Usage.PromptTokensDetails == nil {
		t.Errorf("emitted = %+v, want full usage details", emitted)
	}
}

// TestAssembleResponse verifies the non-streaming chunk merge including the
// tool call accumulation.
func TestAssembleResponse(t *testing.T) {
	idx := 0
	toolChunk1 := llm.Chunk{Choices: []llm.StreamChoice{{Delta: llm.Message{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{
			ID: "call-1", Type: "function", Index: &idx,
			Function: llm.FunctionCall{Name: "weather", Arguments: `{"city":`},
		}},
	}}}}
	toolChunk2 := llm.Chunk{Choices: []llm.StreamChoice{{Delta: llm.Message{
		ToolCalls: []llm.ToolCall{{
			ID: "call-1", Type: "function", Index: &idx,
			Function: llm.FunctionCall{Arguments: `"Oslo"}`},
		}},
	}}}}
	finish := llm.Chunk{Choices: []llm.StreamChoice{{FinishReason: strPtr("tool_calls")}}}
	usage := llm.Chunk{Usage: fullUsage()}

	p := &fakeProvider{chunks: []llm.Chunk{
		contentChunk("thinking"), toolChunk1, toolChunk2, finish, usage,
	}}
	ch := New(&config.Settings{}, nil, testLogger())
	c := &Context{
		Request:   &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: llm.Text("hi")}}},
		RequestID: "req-1",
		Model:     testModel(),
	}

	if err := ch.Run(context.Background(), c, p, nil); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	resp := c.FinalResponse
	if resp == nil {
		t.Fatal("final response missing")
	}
	if resp.ID != c.GenerationID || resp.Model != "zai/glm-4.7" || resp.Provider != "zai" {
		t.Errorf("response = %+v", resp)
	}
	msg := resp.Choices[0].Message
	if msg.Content.AsText() != "thinking" {
		t.Errorf("content = %q", msg.Content.AsText())
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", msg.ToolCalls)
	}
	if msg.ToolCalls[0].Function.Arguments != `{"city":"Oslo"}` {
		t.Errorf("arguments = %q", msg.ToolCalls[0].Function.Arguments)
	}
	if msg.ToolCalls[0].Function.Name != "weather" {
		t.Errorf("name = %q", msg.ToolCalls[0].Function.Name)
	}
	if resp.Choices[0].FinishReason == nil || *resp.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish reason = %v", resp.Choices[0].FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 || resp.Usage.PromptTokensDetails != nil {
		t.Errorf("usage = %+v, want basic counters", resp.Usage)
	}
}

// TestWrapChainError verifies the generic 500 wrapper.
func TestWrapChainError(t *testing.T) {
	p := &fakeProvider{startErr: errors.New("socket exploded")}
	ch := New(&config.Settings{}, nil, testLogger())
	c := &Context{
		Request:   &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: llm.Text("hi")}}},
		RequestID: "req-1",
		Model:     testModel(),
	}

	err := ch.Run(context.Background(), c, p, nil)
	var perr *llm.Error
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want llm.Error", err)
	}
	if perr.Code != 500 || perr.Message != "Failed to handle chat completion request" {
		t.Errorf("error = %+v", perr)
	}
}

type billingRecorder struct {
	holds     int
	finalized int
	usages    int
	gens      int
}

func billingServer(t *testing.T, rec *billingRecorder) *billing.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/billing/holds/create/tokens":
			rec.holds++
			json.NewEncoder(w).Encode(billing.Hold{AmountHeld: 5, TransactionID: "tx-1"})
		case "/billing/costs/calculate":
			json.NewEncoder(w).Encode(map[string]any{
				"cost": billing.Cost{Amount: 0.5, Currency: billing.CurrencyRUB}})
		case "/billing/holds/finalize/tokens":
			rec.finalized++
			w.Write([]byte(`{"success": true}`))
		case "/analytics/usage":
			rec.usages++
			w.Write([]byte(`{"data": {"id": "usage-1", "model": "zai/glm-4.7",
				"prompt_tokens": 10, "completion_tokens": 5, "total_cost": 0.5,
				"currency": "RUB", "created_at": "2026-01-02T03:04:05Z"}}`))
		case "/analytics/generation":
			rec.gens++
			var params billing.GenerationParams
			json.NewDecoder(r.Body).Decode(&params)
			if params.ID != "tx-1" || params.UsageID != "usage-1" {
				t.Errorf("generation params = %+v", params)
			}
			w.Write([]byte(`{"data": {"id": "tx-1", "total_cost": 0.5,
				"created_at": "2026-01-02T03:04:05Z", "model": "zai/glm-4.7",
				"origin": "api", "usage": 0.5, "is_byok": false}}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	return billing.New(srv.URL, "service-key", nil)
}

// TestBilledRequest verifies the full hold, finalize, usage and generation
// flow around a completion.
func TestBilledRequest(t *testing.T) {
	rec := &billingRecorder{}
	bill := billingServer(t, rec)
	p := &fakeProvider{chunks: []llm.Chunk{
		contentChunk("hi"),
		terminalChunk("stop", fullUsage()),
	}}

	ch := New(&config.Settings{EnableBilling: true}, bill, testLogger())
	c := &Context{
		Request:   &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: llm.Text("hi")}}},
		RequestID: "req-1",
		APIKey:    "user-key",
		UserID:    "user-1",
		Origin:    "api",
		Model:     testModel(),
	}

	if err := ch.Run(context.Background(), c, p, nil); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if c.GenerationID != "tx-1" {
		t.Errorf("generation id = %q, want the hold transaction id", c.GenerationID)
	}
	if c.FinalResponse.ID != "tx-1" {
		t.Errorf("response id = %q", c.FinalResponse.ID)
	}
	if rec.holds != 1 || rec.finalized != 1 || rec.usages != 1 || rec.gens != 1 {
		t.Errorf("recorder = %+v", rec)
	}
}

// TestBillingOutageFallsBack verifies the degraded flow: the request
// proceeds with a fallback transaction id and a zero hold.
func TestBillingOutageFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	bill := billing.New(srv.URL, "service-key", nil)

	p := &fakeProvider{chunks: []llm.Chunk{terminalChunk("stop", fullUsage())}}
	ch := New(&config.Settings{EnableBilling: true}, bill, testLogger())
	c := &Context{
		Request:   &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: llm.Text("hi")}}},
		RequestID: "req-1",
		APIKey:    "user-key",
		UserID:    "user-1",
		Model:     testModel(),
	}

	if err := ch.Run(context.Background(), c, p, nil); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !strings.HasPrefix(c.GenerationID, "fallback_") {
		t.Errorf("generation id = %q, want fallback_ prefix", c.GenerationID)
	}
	if c.OnHold == nil || *c.OnHold != 0 {
		t.Errorf("on hold = %v, want zero", c.OnHold)
	}
	if c.FinalResponse == nil {
		t.Error("completion must still run during a billing outage")
	}
}

// TestInsufficientFunds verifies the 402 propagation from the hold stage.
func TestInsufficientFunds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "no balance"}`, http.StatusPaymentRequired)
	}))
	t.Cleanup(srv.Close)
	bill := billing.New(srv.URL, "service-key", nil)

	p := &fakeProvider{}
	ch := New(&config.Settings{EnableBilling: true}, bill, testLogger())
	c := &Context{
		Request:   &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: llm.Text("hi")}}},
		RequestID: "req-1",
		APIKey:    "user-key",
		UserID:    "user-1",
		Model:     testModel(),
	}

	err := ch.Run(context.Background(), c, p, nil)
	var perr *llm.Error
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want llm.Error", err)
	}
	if perr.Code != 402 || perr.Message != "Insufficient funds for request processing" {
		t.Errorf("error = %+v", perr)
	}
	if perr.Details["error_type"] != "payment_required" {
		t.Errorf("details = %v", perr.Details)
	}
	if c.FinalResponse != nil {
		t.Error("completion must not run after a failed hold")
	}
}
