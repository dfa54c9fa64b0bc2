package yandex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xrouter/llmgw/pkg/llm"
	"github.com/xrouter/llmgw/pkg/provider"
)

func testDriver(t *testing.T, baseURL string) *Driver {
	t.Helper()
	d, err := New(provider.Config{
		ID:          "yandex",
		Name:        "Yandex",
		Credentials: "key-1",
		BaseURL:     baseURL,
		Parameters:  map[string]any{"folder_id": "folder-1"},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return d
}

func userRequest(model, text string) llm.ProviderRequest {
	return llm.ProviderRequest{
		Request: llm.Request{
			Model:    model,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: llm.Text(text)}},
		},
		RequestID: "req-1",
	}
}

// TestBuildBodyModelURI verifies the alias mapping into gpt:// URIs.
func TestBuildBodyModelURI(t *testing.T) {
	d := testDriver(t, "http://unused")
	body, err := d.buildBody(userRequest("YandexGPT5-Pro:latest", "hi"))
	if err != nil {
		t.Fatalf("buildBody() error: %v", err)
	}
	if body.ModelURI != "gpt://folder-1/yandexgpt/latest" {
		t.Errorf("modelUri = %q", body.ModelURI)
	}
	if !body.CompletionOptions.Stream {
		t.Error("stream must always be true upstream")
	}
	if body.CompletionOptions.Temperature != 0.3 {
		t.Errorf("temperature = %v, want the 0.3 default", body.CompletionOptions.Temperature)
	}
}

// TestBuildBodyUnsupportedModel verifies the 400 for unmapped models.
func TestBuildBodyUnsupportedModel(t *testing.T) {
	d := testDriver(t, "http://unused")
	_, err := d.buildBody(userRequest("gpt-4o", "hi"))
	var perr *llm.Error
	if !errors.As(err, &perr) || perr.Code != 400 {
		t.Fatalf("error = %v, want 400 llm.Error", err)
	}
	if !strings.Contains(perr.Message, "Unsupported model") {
		t.Errorf("message = %q", perr.Message)
	}
}

// TestBuildBodyMissingFolder verifies the 500 when folder_id is absent.
func TestBuildBodyMissingFolder(t *testing.T) {
	d, err := New(provider.Config{ID: "yandex", Credentials: "k"}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	_, err = d.buildBody(userRequest("yandexgpt5-pro:latest", "hi"))
	var perr *llm.Error
	if !errors.As(err, &perr) || perr.Code != 500 {
		t.Errorf("error = %v, want 500 llm.Error", err)
	}
}

// TestBuildBodyMessageMapping verifies the one-of message shape: system
// dropped, tool results as user toolResultList, tool calls as toolCallList.
func TestBuildBodyMessageMapping(t *testing.T) {
	d := testDriver(t, "http://unused")
	req := llm.ProviderRequest{
		Request: llm.Request{
			Model: "yandexgpt5-pro:latest",
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: llm.Text("be terse")},
				{Role: llm.RoleUser, Content: llm.Text("weather?")},
				{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: llm.FunctionCall{Name: "weather", Arguments: `{"city":"moscow"}`},
				}}},
				{Role: llm.RoleAssistant, Content: llm.Text("let me check")},
				{Role: llm.RoleTool, Name: "weather", ToolCallID: "call_1", Content: llm.Text("+20C")},
				{Role: llm.RoleAssistant, Content: llm.Text("   ")},
			},
			Tools: []llm.Tool{{Type: "function", Function: llm.ToolFunction{
				Name:       "weather",
				Parameters: json.RawMessage(`{"type":"object"}`),
			}}},
			ToolChoice: &llm.ToolChoice{Mode: "required"},
		},
		RequestID: "req-1",
	}
	body, err := d.buildBody(req)
	if err != nil {
		t.Fatalf("buildBody() error: %v", err)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("got %d messages, want 3 (system, preamble and blank dropped)", len(body.Messages))
	}
	call := body.Messages[1]
	if call.ToolCallList == nil || len(call.ToolCallList.ToolCalls) != 1 {
		t.Fatalf("toolCallList = %+v", call.ToolCallList)
	}
	if call.Text != nil {
		t.Error("tool-call message must not carry text")
	}
	result := body.Messages[2]
	if result.Role != "user" || result.ToolResultList == nil {
		t.Fatalf("tool result = %+v, want user toolResultList", result)
	}
	fr := result.ToolResultList.ToolResults[0].FunctionResult
	if fr.Name != "weather" || fr.Content != "+20C" {
		t.Errorf("functionResult = %+v", fr)
	}
	if body.ToolChoice == nil || body.ToolChoice.Mode != "REQUIRED" {
		t.Errorf("toolChoice = %+v", body.ToolChoice)
	}
}

// TestBuildBodyReasoningHidden verifies the reasoning options mapping.
func TestBuildBodyReasoningHidden(t *testing.T) {
	d := testDriver(t, "http://unused")
	req := userRequest("yandexgpt5-pro:latest", "hi")
	req.Reasoning = &llm.ReasoningConfig{Effort: "high"}
	body, err := d.buildBody(req)
	if err != nil {
		t.Fatalf("buildBody() error: %v", err)
	}
	ro := body.CompletionOptions.ReasoningOptions
	if ro == nil || ro.Mode != "ENABLED_HIDDEN" {
		t.Errorf("reasoningOptions = %+v", ro)
	}
}

// TestStreamLiteRejectsTools verifies the function-calling guard on lite
// models.
func TestStreamLiteRejectsTools(t *testing.T) {
	d := testDriver(t, "http://unused")
	req := userRequest("yandexgpt-lite5:latest", "hi")
	req.Tools = []llm.Tool{{Type: "function", Function: llm.ToolFunction{Name: "f"}}}
	_, err := d.StreamCompletion(context.Background(), req)
	var perr *llm.Error
	if !errors.As(err, &perr) || perr.Code != 400 {
		t.Fatalf("error = %v, want 400 llm.Error", err)
	}
	if !strings.Contains(perr.Message, "does not support function calling") {
		t.Errorf("message = %q", perr.Message)
	}
}

// TestStreamCumulativeTextToDeltas verifies the cumulative-to-delta
// conversion and the finish on ALTERNATIVE_STATUS_FINAL without [DONE].
func TestStreamCumulativeTextToDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/completion" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Api-Key key-1" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("x-folder-id") != "folder-1" {
			t.Errorf("x-folder-id = %q", r.Header.Get("x-folder-id"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		lines := []string{
			`{"result":{"alternatives":[{"message":{"role":"assistant","text":"Hel"},"status":"ALTERNATIVE_STATUS_PARTIAL"}]}}`,
			`{"result":{"alternatives":[{"message":{"role":"assistant","text":"Hello there"},"status":"ALTERNATIVE_STATUS_PARTIAL"}]}}`,
			`{"result":{"alternatives":[{"message":{"role":"assistant","text":"Hello there"},"status":"ALTERNATIVE_STATUS_FINAL"}],"usage":{"inputTextTokens":"12","completionTokens":"3","totalTokens":"15","completionTokensDetails":{"reasoningTokens":"2"}}}}`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	d := testDriver(t, srv.URL)
	ch, err := d.StreamCompletion(context.Background(), userRequest("yandexgpt5-pro:latest", "hi"))
	if err != nil {
		t.Fatalf("StreamCompletion() error: %v", err)
	}
	var chunks []llm.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if got := chunks[0].Choices[0].Delta.Content.Text; got != "Hel" {
		t.Errorf("first delta = %q", got)
	}
	if got := chunks[1].Choices[0].Delta.Content.Text; got != "lo there" {
		t.Errorf("second delta = %q, want the cut tail", got)
	}
	if got := chunks[2].Choices[0].Delta.Content.Text; got != "" {
		t.Errorf("final delta = %q, want empty", got)
	}
	if fr := chunks[2].FinishReason(); fr == nil || *fr != "stop" {
		t.Errorf("finish reason = %v", fr)
	}
	usage := chunks[2].Usage
	if usage == nil || usage.PromptTokens != 12 || usage.TotalTokens != 15 {
		t.Errorf("usage = %+v, string counters must parse", usage)
	}
	if usage.ReasoningTokens() != 2 {
		t.Errorf("reasoning tokens = %d", usage.ReasoningTokens())
	}
	if chunks[0].ID != "req-1" || chunks[0].Model != "yandexgpt5-pro:latest" {
		t.Errorf("identity rewrite failed: %q %q", chunks[0].ID, chunks[0].Model)
	}
}

// TestStreamToolCallChunk verifies the toolCallList conversion with
// generated ids and re-serialized arguments.
func TestStreamToolCallChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"result":{"alternatives":[{"message":{"role":"assistant","toolCallList":{"toolCalls":[{"functionCall":{"name":"weather","arguments":{"city":"moscow"}}}]}},"status":"ALTERNATIVE_STATUS_TOOL_CALLS"}]}}`+"\n\n")
	}))
	defer srv.Close()

	d := testDriver(t, srv.URL)
	ch, err := d.StreamCompletion(context.Background(), userRequest("yandexgpt5-pro:latest", "weather?"))
	if err != nil {
		t.Fatalf("StreamCompletion() error: %v", err)
	}
	var chunks []llm.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	calls := chunks[0].Choices[0].Delta.ToolCalls
	if len(calls) != 1 {
		t.Fatalf("tool calls = %+v", calls)
	}
	if !strings.HasPrefix(calls[0].ID, "ya_call_") {
		t.Errorf("call id = %q, want ya_call_ prefix", calls[0].ID)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(calls[0].Function.Arguments), &args); err != nil || args["city"] != "moscow" {
		t.Errorf("arguments = %q", calls[0].Function.Arguments)
	}
	if fr := chunks[0].FinishReason(); fr == nil || *fr != "tool_calls" {
		t.Errorf("finish reason = %v", fr)
	}
}

// TestStreamUpstreamStatusError verifies the pre-start error mapping.
func TestStreamUpstreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := testDriver(t, srv.URL)
	_, err := d.StreamCompletion(context.Background(), userRequest("yandexgpt5-pro:latest", "hi"))
	var perr *llm.Error
	if !errors.As(err, &perr) || perr.Code != 429 {
		t.Fatalf("error = %v, want 429 llm.Error", err)
	}
	if !strings.Contains(perr.Message, "Yandex API error") {
		t.Errorf("message = %q", perr.Message)
	}
}

// TestModelsCatalog verifies the embedded model set and the lookup path.
func TestModelsCatalog(t *testing.T) {
	d := testDriver(t, "http://unused")
	models, err := d.Models(context.Background())
	if err != nil {
		t.Fatalf("Models() error: %v", err)
	}
	if len(models) != 4 {
		t.Fatalf("got %d models, want 4", len(models))
	}
	pro := models[0]
	if pro.ModelID != "yandexgpt5-pro:latest" || !pro.Capabilities.IsToolCalls {
		t.Errorf("pro model = %+v", pro)
	}
	lite, err := d.Model(context.Background(), "YANDEXGPT-LITE5:LATEST")
	if err != nil {
		t.Fatalf("Model() error: %v", err)
	}
	if lite.Capabilities.IsToolCalls {
		t.Error("lite model must not advertise tool calls")
	}
	if _, err := d.Model(context.Background(), "missing"); err == nil {
		t.Fatal("lookup of unknown model must fail")
	} else {
		var perr *llm.Error
		if !errors.As(err, &perr) || perr.Code != 404 {
			t.Errorf("error = %v, want 404 llm.Error", err)
		}
	}
}
