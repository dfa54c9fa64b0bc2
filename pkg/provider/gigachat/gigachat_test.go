package gigachat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xrouter/llmgw/pkg/llm"
	"github.com/xrouter/llmgw/pkg/provider"
)

func testDriver(t *testing.T, baseURL, credentials string) *Driver {
	t.Helper()
	d, err := New(provider.Config{
		ID:          "gigachat",
		Name:        "GigaChat",
		Credentials: credentials,
		BaseURL:     baseURL,
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return d
}

// TestTokenRefreshLoginPassword verifies the tenant token flow with basic
// auth and the millisecond expiry timestamp.
func TestTokenRefreshLoginPassword(t *testing.T) {
	expiresAt := time.Now().Add(30 * time.Minute)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			t.Errorf("path = %q, want /token", r.URL.Path)
		}
		login, password, ok := r.BasicAuth()
		if !ok || login != "user" || password != "se:cret" {
			t.Errorf("basic auth = %q/%q, password may contain colons", login, password)
		}
		if r.Header.Get("RqUID") == "" {
			t.Error("RqUID header is required")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"expires_at":   expiresAt.UnixMilli(),
		})
	}))
	defer srv.Close()

	d := testDriver(t, srv.URL, "user:se:cret")
	if err := d.ensureToken(context.Background()); err != nil {
		t.Fatalf("ensureToken() error: %v", err)
	}
	if d.currentToken() != "tok-1" {
		t.Errorf("token = %q, want tok-1", d.currentToken())
	}

	// A fresh token must not trigger another refresh.
	srv.Close()
	if err := d.ensureToken(context.Background()); err != nil {
		t.Errorf("cached token refresh: %v", err)
	}
}

// TestTokenRefreshMissingCredentials verifies the configuration error.
func TestTokenRefreshMissingCredentials(t *testing.T) {
	d := testDriver(t, "http://unused", "")
	err := d.ensureToken(context.Background())
	var perr *llm.Error
	if !errors.As(err, &perr) || perr.Code != 500 {
		t.Errorf("error = %v, want 500 llm.Error", err)
	}
}

// TestBuildBodySystemMerge verifies that system messages merge into one at
// the first system position, with name prefixes.
func TestBuildBodySystemMerge(t *testing.T) {
	req := llm.ProviderRequest{
		Request: llm.Request{
			Model: "GigaChat-2-Max",
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: llm.Text("be terse")},
				{Role: llm.RoleUser, Content: llm.Text("hi")},
				{Role: llm.RoleSystem, Name: "policy", Content: llm.Text("no jokes")},
			},
		},
		RequestID: "req-1",
	}
	body := buildBody(req)
	if len(body.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(body.Messages))
	}
	system := body.Messages[0]
	if system.Role != "system" {
		t.Fatalf("first message role = %q, want the merged system message", system.Role)
	}
	if system.Content != "be terse\n\n[policy] no jokes" {
		t.Errorf("merged content = %q", system.Content)
	}
	if !body.Stream {
		t.Error("stream must always be true upstream")
	}
}

// TestBuildBodyToolCallMapping verifies the functions dialect: tool calls
// become function_call with state id, tool results become function role.
func TestBuildBodyToolCallMapping(t *testing.T) {
	req := llm.ProviderRequest{
		Request: llm.Request{
			Model: "GigaChat-2",
			Messages: []llm.Message{
				{Role: llm.RoleUser, Content: llm.Text("weather in moscow?")},
				{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
					ID:       "call_7",
					Type:     "function",
					Function: llm.FunctionCall{Name: "weather", Arguments: `{"city":"moscow"}`},
				}}},
				{Role: llm.RoleAssistant, Content: llm.Text("checking...")},
				{Role: llm.RoleTool, Name: "weather", ToolCallID: "call_7", Content: llm.Text("+20C")},
			},
			Tools: []llm.Tool{{Type: "function", Function: llm.ToolFunction{
				Name:       "weather",
				Parameters: json.RawMessage(`{"type":"object"}`),
			}}},
			ToolChoice: &llm.ToolChoice{Function: "weather"},
		},
		RequestID: "req-1",
	}
	body := buildBody(req)
	if len(body.Messages) != 3 {
		t.Fatalf("got %d messages, want 3 (preamble dropped)", len(body.Messages))
	}
	call := body.Messages[1]
	if call.FunctionCall == nil || call.FunctionCall.Name != "weather" {
		t.Fatalf("function_call = %+v", call.FunctionCall)
	}
	args, ok := call.FunctionCall.Arguments.(map[string]any)
	if !ok || args["city"] != "moscow" {
		t.Errorf("arguments = %v, want decoded object", call.FunctionCall.Arguments)
	}
	if call.FunctionsStateID != "call_7" {
		t.Errorf("functions_state_id = %q", call.FunctionsStateID)
	}
	if call.Content != "" {
		t.Errorf("tool-call message content = %q, want empty", call.Content)
	}
	result := body.Messages[2]
	if result.Role != "function" || result.Name != "weather" {
		t.Errorf("tool result = %+v, want function role", result)
	}
	if len(body.Functions) != 1 {
		t.Fatalf("functions = %+v", body.Functions)
	}
	choice, ok := body.FunctionCall.(map[string]any)
	if !ok || choice["name"] != "weather" {
		t.Errorf("function_call choice = %v", body.FunctionCall)
	}
}

// TestMapToolChoiceModes verifies the none/auto passthrough and the nil
// fallback for unsupported modes.
func TestMapToolChoiceModes(t *testing.T) {
	if got := mapToolChoice(&llm.ToolChoice{Mode: "none"}); got != "none" {
		t.Errorf("none = %v", got)
	}
	if got := mapToolChoice(&llm.ToolChoice{Mode: "auto"}); got != "auto" {
		t.Errorf("auto = %v", got)
	}
	if got := mapToolChoice(&llm.ToolChoice{Mode: "required"}); got != nil {
		t.Errorf("required = %v, want nil", got)
	}
	if got := mapToolChoice(nil); got != nil {
		t.Errorf("nil choice = %v", got)
	}
}

// TestMapChunkFunctionCall verifies the function_call delta conversion.
func TestMapChunkFunctionCall(t *testing.T) {
	finish := "function_call"
	content := "ignored"
	p := chunkPayload{
		Created: 1700000000,
		Choices: []choicePayload{{
			Index: 0,
			Delta: deltaPayload{
				Content:          &content,
				FunctionCall:     &wireFunctionCall{Name: "weather", Arguments: json.RawMessage(`{"city":"moscow"}`)},
				FunctionsStateID: "state-1",
			},
			FinishReason: &finish,
		}},
		Usage: &usagePayload{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7, PrecachedPromptTokens: 3},
	}
	chunk := mapChunk(p, "req-1", "GigaChat-2", "gigachat")
	if chunk.ID != "req-1" || chunk.Model != "GigaChat-2" {
		t.Errorf("identity rewrite failed: %q %q", chunk.ID, chunk.Model)
	}
	delta := chunk.Choices[0].Delta
	if len(delta.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", delta.ToolCalls)
	}
	call := delta.ToolCalls[0]
	if call.ID != "state-1" || call.Function.Name != "weather" {
		t.Errorf("call = %+v", call)
	}
	if call.Function.Arguments != `{"city":"moscow"}` {
		t.Errorf("arguments = %q", call.Function.Arguments)
	}
	if !delta.Content.IsZero() {
		t.Error("content must be dropped when a tool call is present")
	}
	if fr := chunk.FinishReason(); fr == nil || *fr != "tool_calls" {
		t.Errorf("finish reason = %v, want tool_calls", fr)
	}
	if chunk.Usage.CachedTokens() != 3 {
		t.Errorf("cached tokens = %d, want 3", chunk.Usage.CachedTokens())
	}
}

// TestMapChunkSynthesizesCallID verifies the generated id when GigaChat
// omits functions_state_id.
func TestMapChunkSynthesizesCallID(t *testing.T) {
	p := chunkPayload{Choices: []choicePayload{{
		Delta: deltaPayload{FunctionCall: &wireFunctionCall{Name: "f"}},
	}}}
	chunk := mapChunk(p, "req-1", "GigaChat", "gigachat")
	id := chunk.Choices[0].Delta.ToolCalls[0].ID
	if !strings.HasPrefix(id, "gc_call_") {
		t.Errorf("call id = %q, want gc_call_ prefix", id)
	}
}

// TestMapChunkDefaultContent verifies the empty-string default and the
// assistant role fallback on later deltas.
func TestMapChunkDefaultContent(t *testing.T) {
	p := chunkPayload{Choices: []choicePayload{{Delta: deltaPayload{}}}}
	chunk := mapChunk(p, "req-1", "GigaChat", "gigachat")
	delta := chunk.Choices[0].Delta
	if delta.Role != llm.RoleAssistant {
		t.Errorf("role = %q, want assistant fallback", delta.Role)
	}
	raw, err := json.Marshal(delta)
	if err != nil {
		t.Fatalf("marshal delta: %v", err)
	}
	if !strings.Contains(string(raw), `"content":""`) {
		t.Errorf("delta %s must carry explicit empty content", raw)
	}
}

// TestStreamHonorsDone verifies that the stream ends only at the upstream
// [DONE] marker.
func TestStreamHonorsDone(t *testing.T) {
	tokenIssued := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			tokenIssued = true
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "tok",
				"expires_at":   time.Now().Add(time.Hour).UnixMilli(),
			})
		case "/chat/completions":
			if r.Header.Get("Authorization") != "Bearer tok" {
				t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
			}
			if r.Header.Get("X-Request-ID") != "req-1" {
				t.Errorf("X-Request-ID = %q", r.Header.Get("X-Request-ID"))
			}
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			lines := []string{
				`{"created":1,"choices":[{"index":0,"delta":{"role":"assistant","content":"при"}}]}`,
				`{"created":1,"choices":[{"index":0,"delta":{"content":"вет"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`,
				`[DONE]`,
			}
			for _, line := range lines {
				fmt.Fprintf(w, "data: %s\n\n", line)
				flusher.Flush()
			}
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	d := testDriver(t, srv.URL, "login:password")
	ch, err := d.StreamCompletion(context.Background(), llm.ProviderRequest{
		Request: llm.Request{
			Model:    "GigaChat-2",
			Messages: []llm.Message{{Role: llm.RoleUser, Content: llm.Text("привет")}},
		},
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("StreamCompletion() error: %v", err)
	}
	var chunks []llm.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if !tokenIssued {
		t.Error("token must be fetched before the completion call")
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[1].Usage == nil || chunks[1].Usage.TotalTokens != 3 {
		t.Errorf("usage = %+v", chunks[1].Usage)
	}
}

// TestMapModelsCuratedSet verifies the catalog filter.
func TestMapModelsCuratedSet(t *testing.T) {
	raw := []byte(`{"data":[{"id":"GigaChat"},{"id":"GigaChat-Plus"},{"id":"GigaChat-2-Max"},{"id":"Embeddings"}]}`)
	models, err := mapModels("gigachat", raw)
	if err != nil {
		t.Fatalf("mapModels() error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2", len(models))
	}
	max := models[1]
	if max.ModelID != "GigaChat-2-Max" || max.ContextLength != 131072 {
		t.Errorf("model = %+v", max)
	}
	if max.Capabilities.MaxCompletionTokens != 8192 {
		t.Errorf("max completion = %d", max.Capabilities.MaxCompletionTokens)
	}
	if !max.Capabilities.IsToolCalls {
		t.Error("curated models advertise tool calls")
	}
	if max.Architecture.Tokenizer != "gigachat" {
		t.Errorf("tokenizer = %q", max.Architecture.Tokenizer)
	}
}
