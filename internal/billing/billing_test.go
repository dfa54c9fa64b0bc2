package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xrouter/llmgw/pkg/llm"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "service-key", nil)
}

// TestUserAuthHeaders verifies the dual Authorization scheme on user calls.
func TestUserAuthHeaders(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer user-key" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Service-Authorization"); got != "Bearer service-key" {
			t.Errorf("X-Service-Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Hold{AmountHeld: 1.5, TransactionID: "tx-1"})
	})

	hold, err := c.ProcessCost(context.Background(), "user-key",
		Cost{Amount: 1.5, Currency: CurrencyRUB})
	if err != nil {
		t.Fatalf("ProcessCost() error: %v", err)
	}
	if hold.AmountHeld != 1.5 || hold.TransactionID != "tx-1" {
		t.Errorf("hold = %+v", hold)
	}
}

// TestServiceAuthHeaders verifies the service-only scheme on the rates call.
func TestServiceAuthHeaders(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer service-key" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Header.Get("X-Service-Authorization") != "" {
			t.Error("service call must not carry X-Service-Authorization")
		}
		if got := r.URL.Query().Get("currency"); got != "USD" {
			t.Errorf("currency = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]ModelRate{{
			Model: "zai/glm-4.7", PromptRate: 0.1, CompletionRate: 0.2,
			Currency: CurrencyUSD, CreatedAt: 1710979200,
		}})
	})

	rates, err := c.ModelRates(context.Background(), "usd")
	if err != nil {
		t.Fatalf("ModelRates() error: %v", err)
	}
	if len(rates) != 1 || rates[0].Model != "zai/glm-4.7" {
		t.Errorf("rates = %+v", rates)
	}
}

// TestModelRatesFallback verifies the empty listing on a dead API.
func TestModelRatesFallback(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := New(srv.URL, "service-key", nil)

	rates, err := c.ModelRates(context.Background(), "")
	if err != nil {
		t.Fatalf("ModelRates() error: %v", err)
	}
	if len(rates) != 0 {
		t.Errorf("rates = %+v, want empty", rates)
	}
}

// TestProcessCostWithTokensFallback verifies the zero hold with a
// fallback transaction id on a 503.
func TestProcessCostWithTokensFallback(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "maintenance"}`, http.StatusServiceUnavailable)
	})

	hold, err := c.ProcessCostWithTokens(context.Background(), "user-key",
		TokenCount{Model: "zai/glm-4.7", Input: 1000, Output: 1000, Total: 2000})
	if err != nil {
		t.Fatalf("ProcessCostWithTokens() error: %v", err)
	}
	if hold.AmountHeld != 0 {
		t.Errorf("amount held = %v, want 0", hold.AmountHeld)
	}
	if !strings.HasPrefix(hold.TransactionID, "fallback_") {
		t.Errorf("transaction id = %q, want fallback_ prefix", hold.TransactionID)
	}
}

// TestProcessCostInsufficientFunds verifies the 402 message rewrite.
func TestProcessCostInsufficientFunds(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "balance too low"}`, http.StatusPaymentRequired)
	})

	_, err := c.ProcessCostWithTokens(context.Background(), "user-key",
		TokenCount{Model: "deepseek/deepseek-chat", Input: 10, Output: 10, Total: 20})
	var perr *llm.Error
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want llm.Error", err)
	}
	if perr.Code != 402 {
		t.Errorf("code = %d, want 402", perr.Code)
	}
	if perr.Message != "Insufficient funds for request processing" {
		t.Errorf("message = %q", perr.Message)
	}
	if perr.Details["error_type"] != "payment_required" {
		t.Errorf("details = %v", perr.Details)
	}
}

// TestProcessCostClientErrorPropagates verifies that a plain 4xx keeps
// its code and the upstream error text.
func TestProcessCostClientErrorPropagates(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "bad token count"}`, http.StatusBadRequest)
	})

	_, err := c.ProcessCostWithTokens(context.Background(), "user-key",
		TokenCount{Model: "m", Total: 0})
	var perr *llm.Error
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want llm.Error", err)
	}
	if perr.Code != 400 {
		t.Errorf("code = %d, want 400", perr.Code)
	}
	if !strings.Contains(perr.Message, "Cost processing with tokens failed") ||
		!strings.Contains(perr.Message, "bad token count") {
		t.Errorf("message = %q", perr.Message)
	}
}

// TestFinalizeHoldFallback verifies that a network failure reports success.
func TestFinalizeHoldFallback(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := New(srv.URL, "service-key", nil)

	ok, err := c.FinalizeHoldWithTokens(context.Background(), "user-key",
		TokenCount{Model: "m", Input: 5, Output: 7, Total: 12}, "tx-9")
	if err != nil {
		t.Fatalf("FinalizeHoldWithTokens() error: %v", err)
	}
	if !ok {
		t.Error("finalize must report success on fallback")
	}
}

// TestFinalizeHoldBody verifies the wire shape of the finalize call.
func TestFinalizeHoldBody(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/billing/holds/finalize/cost" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["transaction_id"] != "tx-5" {
			t.Errorf("body = %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true}`))
	})

	ok, err := c.FinalizeHold(context.Background(), "user-key",
		Cost{Amount: 2, Currency: CurrencyRUB}, "tx-5")
	if err != nil {
		t.Fatalf("FinalizeHold() error: %v", err)
	}
	if !ok {
		t.Error("success = false")
	}
}

// TestCreateUsageSynthetic verifies the local record on a 502.
func TestCreateUsageSynthetic(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	rec, err := c.CreateUsage(context.Background(), "user-key",
		TokenCount{Model: "yandex/yandexgpt5-pro:latest", Input: 12, Output: 3, Total: 15},
		Cost{Amount: 0.42, Currency: CurrencyRUB},
		map[string]any{"request_id": "req-1"})
	if err != nil {
		t.Fatalf("CreateUsage() error: %v", err)
	}
	if rec.ID == "" || rec.CreatedAt.IsZero() {
		t.Errorf("record = %+v, want synthesized id and timestamp", rec)
	}
	if rec.PromptTokens != 12 || rec.CompletionTokens != 3 || rec.TotalCost != 0.42 {
		t.Errorf("record = %+v", rec)
	}
}

// TestCreateGeneration verifies the happy path and the envelope decode.
func TestCreateGeneration(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analytics/generation" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["usage_id"] != "usage-1" || body["is_streaming"] != true {
			t.Errorf("body = %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"id": "gen-1", "total_cost": 0.42,
			"created_at": "2026-01-02T03:04:05Z", "model": "zai/glm-4.7",
			"origin": "api", "usage": 0.42, "is_byok": false}}`))
	})

	gen, err := c.CreateGeneration(context.Background(), "user-key", GenerationParams{
		ID: "gen-1", Model: "zai/glm-4.7", Provider: "zai",
		GenerationTime: 1.2, Speed: 33.3,
		FinishReason: "stop", NativeFinishReason: "stop",
		IsStreaming: true, UsageID: "usage-1",
	})
	if err != nil {
		t.Fatalf("CreateGeneration() error: %v", err)
	}
	if gen.ID != "gen-1" || gen.TotalCost != 0.42 {
		t.Errorf("generation = %+v", gen)
	}
}

// TestCreateGenerationSynthetic verifies the local record on a network
// failure.
func TestCreateGenerationSynthetic(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := New(srv.URL, "service-key", nil)

	gen, err := c.CreateGeneration(context.Background(), "user-key", GenerationParams{
		ID: "gen-2", Model: "m", Provider: "p",
		FinishReason: "stop", NativeFinishReason: "stop",
		IsStreaming: false, UsageID: "usage-2",
	})
	if err != nil {
		t.Fatalf("CreateGeneration() error: %v", err)
	}
	if gen.ID != "gen-2" || gen.TotalCost != 0 {
		t.Errorf("generation = %+v", gen)
	}
	if gen.Streamed == nil || *gen.Streamed {
		t.Errorf("streamed = %v, want false", gen.Streamed)
	}
}

// TestCalculateCostDefaultsCurrency verifies the RUB default and the zero
// cost fallback.
func TestCalculateCostDefaultsCurrency(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["currency"] != "RUB" {
			t.Errorf("currency = %v", body["currency"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"cost": {"amount": 1.25, "currency": "RUB"}}`))
	})

	cost, err := c.CalculateCost(context.Background(), "user-key",
		TokenCount{Model: "m", Input: 1, Output: 1, Total: 2}, "")
	if err != nil {
		t.Fatalf("CalculateCost() error: %v", err)
	}
	if cost.Amount != 1.25 || cost.Currency != CurrencyRUB {
		t.Errorf("cost = %+v", cost)
	}

	down := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusInternalServerError)
	})
	cost, err = down.CalculateCost(context.Background(), "user-key",
		TokenCount{Model: "m", Total: 2}, "USD")
	if err != nil {
		t.Fatalf("CalculateCost() fallback error: %v", err)
	}
	if cost.Amount != 0 || cost.Currency != CurrencyUSD {
		t.Errorf("fallback cost = %+v", cost)
	}
}
