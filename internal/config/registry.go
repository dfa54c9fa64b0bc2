package config

import (
	"strings"

	"github.com/xrouter/llmgw/pkg/provider"
)

// Provider routing ids.
const (
	ProviderXRouter         = "xrouter"
	ProviderAgents          = "agents"
	ProviderDeepseek        = "deepseek"
	ProviderOpenRouter      = "openrouter"
	ProviderOpenRouterProxy = "openrouter-proxy"
	ProviderGigaChat        = "gigachat"
	ProviderYandex          = "yandex"
	ProviderOllama          = "ollama"
	ProviderZAI             = "zai"
)

// ProviderNames maps routing ids to display names.
var ProviderNames = map[string]string{
	ProviderXRouter:         "XRouter",
	ProviderAgents:          "Agents",
	ProviderDeepseek:        "Deepseek",
	ProviderOpenRouter:      "OpenRouter",
	ProviderOpenRouterProxy: "OpenRouterProxy",
	ProviderGigaChat:        "GigaChat",
	ProviderYandex:          "Yandex",
	ProviderOllama:          "Ollama",
	ProviderZAI:             "Z.AI",
}

// NativeAPIProviders lists the providers reachable through the native
// (non-OpenAI-compatible) surface. The agents provider is deliberately
// absent: it only serves the OpenAI-compatible mode.
var NativeAPIProviders = []string{
	ProviderXRouter,
	ProviderDeepseek,
	ProviderOpenRouter,
	ProviderOpenRouterProxy,
	ProviderGigaChat,
	ProviderYandex,
	ProviderOllama,
	ProviderZAI,
}

// ProviderName returns the display name for a routing id.
func ProviderName(id string) string {
	if name, ok := ProviderNames[id]; ok {
		return name
	}
	return strings.ToUpper(id[:1]) + id[1:]
}

// Enabled reports whether the provider with the given routing id is switched
// on by its feature toggle.
func (s *Settings) Enabled(id string) bool {
	switch id {
	case ProviderXRouter:
		return s.Providers.XRouter
	case ProviderAgents:
		return s.Providers.Agents
	case ProviderDeepseek:
		return s.Providers.Deepseek
	case ProviderOpenRouter:
		return s.Providers.OpenRouter
	case ProviderOpenRouterProxy:
		return s.Providers.OpenRouterProxy
	case ProviderGigaChat:
		return s.Providers.GigaChat
	case ProviderYandex:
		return s.Providers.Yandex
	case ProviderOllama:
		return s.Providers.Ollama
	case ProviderZAI:
		return s.Providers.ZAI
	}
	return false
}

// ProviderConfig assembles the runtime configuration for a single provider.
// Ollama servers are configured per instance via [Settings.OllamaConfigs].
func (s *Settings) ProviderConfig(id string) provider.Config {
	cfg := provider.Config{
		ID:         id,
		Name:       ProviderName(id),
		Parameters: s.commonParameters(),
	}
	switch id {
	case ProviderXRouter:
		cfg.Credentials = s.XRouterAPIKey
		cfg.BaseURL = s.XRouterBaseURL
	case ProviderAgents:
		cfg.Credentials = s.AgentsAPIKey
		cfg.BaseURL = s.AgentsBaseURL
	case ProviderDeepseek:
		cfg.Credentials = s.DeepseekAPIKey
		cfg.BaseURL = s.DeepseekBaseURL
	case ProviderOpenRouter:
		cfg.Credentials = s.OpenRouterAPIKey
		cfg.BaseURL = s.OpenRouterBaseURL
	case ProviderOpenRouterProxy:
		// Same API surface and key as openrouter; the transport is tunneled.
		cfg.Credentials = s.OpenRouterAPIKey
		cfg.BaseURL = s.OpenRouterBaseURL
		cfg.Parameters["proxy_url"] = strings.TrimSpace(s.OpenRouterProxy.Host) + ":" + s.OpenRouterProxy.Port()
		cfg.Parameters["proxy_user"] = s.OpenRouterProxy.User
		cfg.Parameters["proxy_password"] = s.OpenRouterProxy.Password
		cfg.Parameters["proxy_scheme"] = string(s.OpenRouterProxy.Scheme)
	case ProviderGigaChat:
		cfg.Credentials = s.gigaChatCredentials()
		cfg.BaseURL = s.GigaChatBaseURL
		cfg.Parameters["scope"] = s.GigaChatScope
		cfg.Parameters["verify_ssl"] = s.GigaChatVerifySSL && !s.DisableSSLVerification
	case ProviderYandex:
		cfg.Credentials = s.YandexAPIKey
		cfg.BaseURL = s.YandexBaseURL
		cfg.Parameters["api_key_id"] = s.YandexAPIKeyID
		cfg.Parameters["folder_id"] = s.YandexFolderID
	case ProviderZAI:
		cfg.Credentials = s.ZAIAPIKey
		cfg.BaseURL = s.ZAIBaseURL
	}
	return cfg
}

// OllamaConfigs expands the Ollama fleet settings into one configuration per
// server. API keys pair with URLs positionally; missing keys mean the server
// is unauthenticated. Scheme-less URLs are assumed http.
func (s *Settings) OllamaConfigs() []provider.Config {
	configs := make([]provider.Config, 0, len(s.OllamaBaseURLs))
	for i, raw := range s.OllamaBaseURLs {
		key := ""
		if i < len(s.OllamaAPIKeys) {
			key = s.OllamaAPIKeys[i]
		}
		configs = append(configs, provider.Config{
			ID:          ProviderOllama,
			Name:        ProviderNames[ProviderOllama],
			Credentials: key,
			BaseURL:     NormalizeServerURL(raw),
			Parameters:  s.commonParameters(),
		})
	}
	return configs
}

// NormalizeServerURL prepends http:// to a server address that carries no
// scheme.
func NormalizeServerURL(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return "http://" + raw
}

func (s *Settings) commonParameters() map[string]any {
	return map[string]any{
		"timeout":    s.ProviderTimeout,
		"verify_ssl": !s.DisableSSLVerification,
	}
}

func (s *Settings) gigaChatCredentials() string {
	if s.GigaChatAPIKey != "" {
		return s.GigaChatAPIKey
	}
	if s.GigaChatLogin != "" && s.GigaChatPassword != "" {
		return s.GigaChatLogin + ":" + s.GigaChatPassword
	}
	return ""
}
