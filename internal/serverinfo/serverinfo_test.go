package serverinfo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/xrouter/llmgw/pkg/provider"
)

type fakeSource struct {
	models []provider.Model
	err    error
}

func (f *fakeSource) Models(context.Context) ([]provider.Model, error) {
	return f.models, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestCollect checks the serving-limit derivations and the envelope shape.
func TestCollect(t *testing.T) {
	src := &fakeSource{models: []provider.Model{
		{
			ModelID:         "glm-4.7",
			ExternalModelID: "zai/glm-4.7",
			ProviderID:      "zai",
			ContextLength:   131072,
		},
		{
			ModelID:         "mystery",
			ExternalModelID: "mystery",
		},
	}}

	svc := New(src, "1.2.3", 4, testLogger())
	info, err := svc.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if info.Object != "list" {
		t.Errorf("object = %q, want %q", info.Object, "list")
	}
	if info.ServerInfo.ServerVersion != "1.2.3" || info.ServerInfo.WorkersCount != 4 {
		t.Errorf("server info = %+v", info.ServerInfo)
	}
	if info.ServerInfo.Object != "server" {
		t.Errorf("server object = %q", info.ServerInfo.Object)
	}
	if len(info.Models) != 2 {
		t.Fatalf("models = %d, want 2", len(info.Models))
	}

	m := info.Models[0]
	if m.ID != "zai/glm-4.7" {
		t.Errorf("id = %q", m.ID)
	}
	if m.MaxSeqLen != 131072 {
		t.Errorf("max_seq_len = %d, want 131072", m.MaxSeqLen)
	}
	if m.MaxInputLen != 131072-1024 {
		t.Errorf("max_input_len = %d", m.MaxInputLen)
	}
	if m.MaxBatchSize != 256 || m.TP != 1 {
		t.Errorf("batch/tp = %d/%d", m.MaxBatchSize, m.TP)
	}
	if m.OwnedBy != "zai" {
		t.Errorf("owned_by = %q", m.OwnedBy)
	}
	if m.Object != "model" {
		t.Errorf("model object = %q", m.Object)
	}

	// Model without a context length falls back to the engine defaults.
	fallback := info.Models[1]
	if fallback.MaxSeqLen != 32768 {
		t.Errorf("fallback max_seq_len = %d, want 32768", fallback.MaxSeqLen)
	}
	if fallback.MaxInputLen != 32768-1024 {
		t.Errorf("fallback max_input_len = %d", fallback.MaxInputLen)
	}
	if fallback.OwnedBy != "xrouter" {
		t.Errorf("fallback owned_by = %q", fallback.OwnedBy)
	}
}

// TestCollectCapabilitiesContextLength uses the capabilities block when the
// top-level context length is absent.
func TestCollectCapabilitiesContextLength(t *testing.T) {
	src := &fakeSource{models: []provider.Model{{
		ModelID:         "m",
		ExternalModelID: "p/m",
		ProviderID:      "p",
		Capabilities:    provider.Capabilities{ContextLength: 8192},
	}}}

	info, err := New(src, "", 0, testLogger()).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if info.Models[0].MaxSeqLen != 8192 {
		t.Errorf("max_seq_len = %d, want 8192", info.Models[0].MaxSeqLen)
	}
	if info.ServerInfo.ServerVersion != DefaultServerVersion {
		t.Errorf("version = %q", info.ServerInfo.ServerVersion)
	}
	if info.ServerInfo.WorkersCount != 1 {
		t.Errorf("workers = %d, want 1", info.ServerInfo.WorkersCount)
	}
}

// TestCollectError wraps listing failures.
func TestCollectError(t *testing.T) {
	src := &fakeSource{err: errors.New("redis down")}
	_, err := New(src, "", 1, testLogger()).Collect(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "list models") {
		t.Errorf("error = %v", err)
	}
}

// TestSamplingParamsJSON checks the advertised defaults serialise with their
// wire field names.
func TestSamplingParamsJSON(t *testing.T) {
	data, err := json.Marshal(DefaultSamplingParams())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["max_tokens"] != float64(2048) {
		t.Errorf("max_tokens = %v", got["max_tokens"])
	}
	if got["clean_filter_context"] != "full" {
		t.Errorf("clean_filter_context = %v", got["clean_filter_context"])
	}
	if got["whitelist_check"] != true {
		t.Errorf("whitelist_check = %v", got["whitelist_check"])
	}
	if _, ok := got["no_repeat_ngram_size"]; !ok {
		t.Error("no_repeat_ngram_size missing")
	}
}

// TestTable renders the ASCII table and checks the block contents.
func TestTable(t *testing.T) {
	src := &fakeSource{models: []provider.Model{{
		ModelID:         "glm-4.7",
		ExternalModelID: "zai/glm-4.7",
		ProviderID:      "zai",
		ContextLength:   32768,
	}}}

	info, err := New(src, "0.9.0", 2, testLogger()).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	text := Table(info)
	for _, want := range []string{
		"Server_version: 0.9.0 Worker_threads: 2",
		"- GPU | zai/glm-4.7:1",
		"0 | max_seq_len:        32768",
		"queued_requests: 0",
		"  | max_input_len:      31744",
		"2 | max_tokens:         2048",
		"3 | temperature:        1.0000",
		"  | top_p:              0.7000",
		"  | repetition_penalty: 1.1000",
		"6 | clean_whitelist_context: true",
		"  | force_non_empty_function_if_empty_content: false",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("table missing %q\n%s", want, text)
		}
	}
	if !strings.HasPrefix(text, "+") {
		t.Errorf("table has no border:\n%s", text)
	}
	if !strings.HasSuffix(text, "\n") {
		t.Error("table missing trailing newline")
	}
}
