// Package registry builds and owns the live upstream drivers: one per
// enabled provider, plus one per configured Ollama server.
package registry

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xrouter/llmgw/internal/cache"
	"github.com/xrouter/llmgw/internal/config"
	"github.com/xrouter/llmgw/pkg/provider"
	"github.com/xrouter/llmgw/pkg/provider/gigachat"
	"github.com/xrouter/llmgw/pkg/provider/ollama"
	"github.com/xrouter/llmgw/pkg/provider/openaicompat"
	"github.com/xrouter/llmgw/pkg/provider/yandex"
)

// Catalog cache TTLs per provider family.
const (
	agentsModelsTTL          = 86400 * time.Second
	deepseekModelsTTL        = 6000 * time.Second
	openRouterModelsTTL      = 6000 * time.Second
	openRouterProxyModelsTTL = 300 * time.Second
	zaiModelsTTL             = 3600 * time.Second
)

// Registry holds the live upstream drivers keyed by routing id. Ollama
// servers register under "ollama@<host>".
type Registry struct {
	providers map[string]provider.Provider
	order     []string
	log       *slog.Logger
}

// New builds drivers for every enabled provider.
func New(cfg *config.Settings, c cache.Cache, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		providers: make(map[string]provider.Provider),
		log:       log,
	}

	builders := []struct {
		id    string
		build func() (provider.Provider, error)
	}{
		{config.ProviderXRouter, func() (provider.Provider, error) {
			return openaicompat.New(cfg.ProviderConfig(config.ProviderXRouter), c,
				openaicompat.WithTransport(openaicompat.Transport(
					!cfg.DisableSSLVerification, cfg.ProviderTimeout)),
				openaicompat.WithLogger(log))
		}},
		{config.ProviderAgents, func() (provider.Provider, error) {
			return openaicompat.New(cfg.ProviderConfig(config.ProviderAgents), c,
				openaicompat.WithStaticCatalog(openaicompat.AgentsCatalog, agentsModelsTTL),
				openaicompat.WithFinishOnlyTermination(),
				openaicompat.WithTransport(openaicompat.Transport(
					!cfg.DisableSSLVerification, cfg.ProviderTimeout)),
				openaicompat.WithLogger(log))
		}},
		{config.ProviderDeepseek, func() (provider.Provider, error) {
			return openaicompat.New(cfg.ProviderConfig(config.ProviderDeepseek), c,
				openaicompat.WithMaxTokensField("max_tokens"),
				openaicompat.WithPreambleSkipping(),
				openaicompat.WithUserContentFlattening(),
				openaicompat.WithAssistantRole(),
				openaicompat.WithCacheHitUsage(),
				openaicompat.WithCatalog(openaicompat.DeepseekCatalog, deepseekModelsTTL),
				openaicompat.WithTransport(openaicompat.Transport(
					!cfg.DisableSSLVerification, cfg.ProviderTimeout)),
				openaicompat.WithLogger(log))
		}},
		{config.ProviderOpenRouter, func() (provider.Provider, error) {
			return openaicompat.New(cfg.ProviderConfig(config.ProviderOpenRouter), c,
				openaicompat.WithCatalog(
					openaicompat.OpenRouterCatalog(cfg.OpenRouterSupportedModels),
					openRouterModelsTTL),
				openaicompat.WithTransport(openaicompat.Transport(
					!cfg.DisableSSLVerification, cfg.ProviderTimeout)),
				openaicompat.WithLogger(log))
		}},
		{config.ProviderOpenRouterProxy, func() (provider.Provider, error) {
			pcfg := cfg.ProviderConfig(config.ProviderOpenRouterProxy)
			transport, err := openaicompat.ProxyTransport(
				pcfg.Param("proxy_url", ""),
				pcfg.Param("proxy_user", ""),
				pcfg.Param("proxy_password", ""),
				pcfg.Param("proxy_scheme", string(config.ProxySocks5)),
				cfg.ProviderTimeout)
			if err != nil {
				return nil, err
			}
			return openaicompat.New(pcfg, c,
				openaicompat.WithCatalog(
					openaicompat.OpenRouterProxyCatalog(cfg.OpenRouterProxySupportedModels),
					openRouterProxyModelsTTL),
				openaicompat.WithTransport(transport),
				openaicompat.WithLogger(log))
		}},
		{config.ProviderGigaChat, func() (provider.Provider, error) {
			return gigachat.New(cfg.ProviderConfig(config.ProviderGigaChat), c,
				gigachat.WithLogger(log))
		}},
		{config.ProviderYandex, func() (provider.Provider, error) {
			return yandex.New(cfg.ProviderConfig(config.ProviderYandex), c,
				yandex.WithLogger(log))
		}},
		{config.ProviderZAI, func() (provider.Provider, error) {
			return openaicompat.New(cfg.ProviderConfig(config.ProviderZAI), c,
				openaicompat.WithMaxTokensField("max_tokens"),
				openaicompat.WithThinking(),
				openaicompat.WithAssistantRole(),
				openaicompat.WithStaticCatalog(openaicompat.ZAICatalog, zaiModelsTTL),
				openaicompat.WithTransport(openaicompat.Transport(
					!cfg.DisableSSLVerification, cfg.ProviderTimeout)),
				openaicompat.WithLogger(log))
		}},
	}

	for _, b := range builders {
		if !cfg.Enabled(b.id) {
			continue
		}
		p, err := b.build()
		if err != nil {
			r.closeAll()
			return nil, fmt.Errorf("registry: build %s: %w", b.id, err)
		}
		r.add(b.id, p)
		log.Info("registered provider", "provider", b.id)
	}

	if cfg.Enabled(config.ProviderOllama) {
		for _, pcfg := range cfg.OllamaConfigs() {
			id := ServerID(pcfg.BaseURL)
			pcfg.ID = id
			p, err := ollama.New(pcfg, c, ollama.WithLogger(log))
			if err != nil {
				r.closeAll()
				return nil, fmt.Errorf("registry: build %s: %w", id, err)
			}
			r.add(id, p)
			log.Info("registered provider", "provider", id, "base_url", pcfg.BaseURL)
		}
	}

	return r, nil
}

// ServerID derives the routing id of one Ollama server from its base URL.
func ServerID(baseURL string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(baseURL, "http://"), "https://")
	return config.ProviderOllama + "@" + strings.TrimSuffix(host, "/")
}

func (r *Registry) add(id string, p provider.Provider) {
	r.providers[id] = p
	r.order = append(r.order, id)
}

// Get returns the driver registered under the routing id.
func (r *Registry) Get(id string) (provider.Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns the routing ids in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// OllamaIDs returns the routing ids of the Ollama fleet.
func (r *Registry) OllamaIDs() []string {
	var out []string
	for _, id := range r.order {
		if strings.HasPrefix(id, config.ProviderOllama+"@") {
			out = append(out, id)
		}
	}
	return out
}

// Close releases every driver.
func (r *Registry) Close() error {
	r.closeAll()
	return nil
}

func (r *Registry) closeAll() {
	for id, p := range r.providers {
		if err := p.Close(); err != nil {
			r.log.Warn("failed to close provider", "provider", id, "error", err)
		}
	}
}
