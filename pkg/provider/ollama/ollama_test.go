package ollama

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
		ID:      "ollama@local",
		Name:    "Ollama (local)",
		BaseURL: baseURL,
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return d
}

func streamReq(model string) llm.ProviderRequest {
	return llm.ProviderRequest{
		Request: llm.Request{
			Model:    model,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: llm.Text("hi")}},
		},
		RequestID: "req-1",
	}
}

// TestStreamSyntheticUsageAtDone verifies that a finish reason followed by
// [DONE] produces the zero-usage terminal chunk.
func TestStreamSyntheticUsageAtDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("unexpected Authorization header %q", auth)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Error("stream must always be true upstream")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		lines := []string{
			`{"id":"up-1","created":42,"choices":[{"index":0,"delta":{"role":"assistant","content":"hey"}}]}`,
			`{"id":"up-1","created":42,"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`[DONE]`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	d := testDriver(t, srv.URL)
	ch, err := d.StreamCompletion(context.Background(), streamReq("llama3:8b"))
	if err != nil {
		t.Fatalf("StreamCompletion() error: %v", err)
	}
	var chunks []llm.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want content, finish and synthetic usage", len(chunks))
	}
	if chunks[0].ID != "req-1" || chunks[0].Model != "llama3:8b" {
		t.Errorf("identity rewrite failed: %q %q", chunks[0].ID, chunks[0].Model)
	}
	final := chunks[2]
	if final.Usage == nil || final.Usage.TotalTokens != 0 {
		t.Fatalf("synthetic usage = %+v", final.Usage)
	}
	if final.Usage.PromptTokensDetails == nil || final.Usage.CompletionTokensDetails == nil {
		t.Error("synthetic usage must carry both detail blocks")
	}
	if final.Created != 42 {
		t.Errorf("created = %d, want the last chunk timestamp", final.Created)
	}
	raw, _ := json.Marshal(final.Choices[0].Delta)
	if !strings.Contains(string(raw), `"content":""`) {
		t.Errorf("delta %s must carry explicit empty content", raw)
	}
}

// TestStreamDoneWithoutFinish verifies that [DONE] without a preceding
// finish reason ends the stream with no synthetic chunk.
func TestStreamDoneWithoutFinish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"created\":1,\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	d := testDriver(t, srv.URL)
	ch, err := d.StreamCompletion(context.Background(), streamReq("llama3:8b"))
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
}

// TestStreamUpstreamStatusError verifies the pre-start error mapping.
func TestStreamUpstreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not loaded"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	d := testDriver(t, srv.URL)
	_, err := d.StreamCompletion(context.Background(), streamReq("missing:latest"))
	var perr *llm.Error
	if !errors.As(err, &perr) || perr.Code != 404 {
		t.Fatalf("error = %v, want 404 llm.Error", err)
	}
}

// TestStreamMissingModel verifies the mapping guard.
func TestStreamMissingModel(t *testing.T) {
	d := testDriver(t, "http://unused")
	_, err := d.StreamCompletion(context.Background(), streamReq(""))
	var perr *llm.Error
	if !errors.As(err, &perr) || perr.Code != 400 {
		t.Errorf("error = %v, want 400 llm.Error", err)
	}
}

// TestStreamBearerWhenConfigured verifies the optional API key header.
func TestStreamBearerWhenConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	d, err := New(provider.Config{ID: "ollama@remote", BaseURL: srv.URL, Credentials: "key-1"}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ch, err := d.StreamCompletion(context.Background(), streamReq("llama3:8b"))
	if err != nil {
		t.Fatalf("StreamCompletion() error: %v", err)
	}
	for range ch {
	}
}

// TestModelsDiscovery verifies the two-step /api/tags + /api/show listing
// with the suffix-based context length lookup.
func TestModelsDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"models":[
				{"name":"llama3:8b","details":{"parameter_size":"8B"}},
				{"name":"broken:latest","details":{}},
				{"name":"phi3:mini","details":{"parameter_size":"3.8B"}}
			]}`)
		case "/api/show":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			w.Header().Set("Content-Type", "application/json")
			switch body["model"] {
			case "llama3:8b":
				fmt.Fprint(w, `{"model_info":{"llama.context_length":8192,"tokenizer.ggml.model":"gpt2"}}`)
			case "broken:latest":
				http.Error(w, "boom", http.StatusInternalServerError)
			case "phi3:mini":
				fmt.Fprint(w, `{"model_info":{}}`)
			}
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	d := testDriver(t, srv.URL)
	models, err := d.Models(context.Background())
	if err != nil {
		t.Fatalf("Models() error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2 (broken one skipped)", len(models))
	}
	llama := models[0]
	if llama.ModelID != "llama3:8b" || llama.ContextLength != 8192 {
		t.Errorf("llama = %+v", llama)
	}
	if llama.Architecture.Tokenizer != "gpt2" || llama.Architecture.ParamSize != "8B" {
		t.Errorf("architecture = %+v", llama.Architecture)
	}
	if llama.Capabilities.MaxCompletionTokens != 8192 {
		t.Errorf("max completion = %d, want the full context", llama.Capabilities.MaxCompletionTokens)
	}
	phi := models[1]
	if phi.ContextLength != 4096 {
		t.Errorf("phi context = %d, want the 4096 default", phi.ContextLength)
	}
	if phi.Architecture.Tokenizer != "unknown" {
		t.Errorf("phi tokenizer = %q", phi.Architecture.Tokenizer)
	}

	// Case-insensitive lookup and the 404 miss.
	if _, err := d.Model(context.Background(), "LLAMA3:8B"); err != nil {
		t.Errorf("Model() error: %v", err)
	}
	if _, err := d.Model(context.Background(), "missing"); err == nil {
		t.Error("lookup of unknown model must fail")
	}
}
