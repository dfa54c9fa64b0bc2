package registry

import (
	"context"
	"testing"
	"time"

	"github.com/xrouter/llmgw/internal/config"
)

func baseSettings() *config.Settings {
	return &config.Settings{
		ProviderTimeout: 30 * time.Second,
		XRouterAPIKey:   "xr-key",
		XRouterBaseURL:  "https://api.example.com/v1",
		DeepseekAPIKey:  "ds-key",
		DeepseekBaseURL: "https://api.deepseek.example.com",
	}
}

// TestNewRegistersEnabledProviders verifies that only toggled providers are
// built.
func TestNewRegistersEnabledProviders(t *testing.T) {
	cfg := baseSettings()
	cfg.Providers.XRouter = true
	cfg.Providers.Deepseek = true

	r, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer r.Close()

	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "xrouter" || ids[1] != "deepseek" {
		t.Errorf("ids = %v", ids)
	}
	if _, ok := r.Get("xrouter"); !ok {
		t.Error("xrouter driver missing")
	}
	if _, ok := r.Get("openrouter"); ok {
		t.Error("disabled provider must not register")
	}
}

// TestNewOllamaFleet verifies the per-server registration with host-derived
// routing ids.
func TestNewOllamaFleet(t *testing.T) {
	cfg := baseSettings()
	cfg.Providers.Ollama = true
	cfg.OllamaBaseURLs = []string{"localhost:11434", "https://gpu1.example.com"}
	cfg.OllamaAPIKeys = []string{"", "key-2"}

	r, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer r.Close()

	fleet := r.OllamaIDs()
	if len(fleet) != 2 {
		t.Fatalf("fleet = %v", fleet)
	}
	if fleet[0] != "ollama@localhost:11434" || fleet[1] != "ollama@gpu1.example.com" {
		t.Errorf("fleet ids = %v", fleet)
	}
	if _, ok := r.Get("ollama@localhost:11434"); !ok {
		t.Error("fleet driver missing")
	}
}

// TestNewProxyRequiresAddress verifies that an enabled openrouter-proxy
// without a tunnel address fails the build.
func TestNewProxyRequiresAddress(t *testing.T) {
	cfg := baseSettings()
	cfg.Providers.OpenRouterProxy = true
	cfg.OpenRouterProxy = config.ProxySettings{Scheme: config.ProxySocks5}

	if _, err := New(cfg, nil, nil); err == nil {
		t.Fatal("New() must fail without a proxy address")
	}
}

// TestServerID verifies the routing id derivation.
func TestServerID(t *testing.T) {
	cases := map[string]string{
		"http://localhost:11434":   "ollama@localhost:11434",
		"https://gpu1.example.com": "ollama@gpu1.example.com",
		"http://host:1/":           "ollama@host:1",
	}
	for in, want := range cases {
		if got := ServerID(in); got != want {
			t.Errorf("ServerID(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestProvidersServeModels spot-checks that a registered static-catalog
// driver answers without network access.
func TestProvidersServeModels(t *testing.T) {
	cfg := baseSettings()
	cfg.Providers.ZAI = true
	cfg.ZAIAPIKey = "z-key"
	cfg.ZAIBaseURL = "https://api.z.example.com"

	r, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer r.Close()

	p, ok := r.Get("zai")
	if !ok {
		t.Fatal("zai driver missing")
	}
	models, err := p.Models(context.Background())
	if err != nil {
		t.Fatalf("Models() error: %v", err)
	}
	if len(models) == 0 {
		t.Error("static catalog must list models")
	}
}
