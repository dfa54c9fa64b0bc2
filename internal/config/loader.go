package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// defaultOpenRouterModels is the allowlist applied when the
// OPENROUTER[_PROXY]_SUPPORTED_MODELS variables are unset or malformed.
var defaultOpenRouterModels = []string{
	"anthropic/claude-haiku-4.5",
	"anthropic/claude-opus-4.5",
	"anthropic/claude-opus-4.6",
	"anthropic/claude-sonnet-4.5",
	"deepseek/deepseek-r1",
	"deepseek/deepseek-r1-0528",
	"deepseek/deepseek-r1-0528:free",
	"deepseek/deepseek-v3.2",
	"deepseek/deepseek-v3.2-exp",
	"deepseek/deepseek-v3.2-speciale",
	"google/gemini-2.5-flash",
	"google/gemini-2.5-flash-image",
	"google/gemini-2.5-flash-lite",
	"google/gemini-2.5-flash-lite-preview-09-2025",
	"google/gemini-2.5-flash-preview-09-2025",
	"google/gemini-2.5-pro",
	"google/gemini-2.5-pro-preview",
	"google/gemini-2.5-pro-preview-05-06",
	"google/gemini-3-flash-preview",
	"google/gemini-3-pro-image-preview",
	"google/gemini-3-pro-preview",
	"minimax/minimax-m2",
	"minimax/minimax-m2-her",
	"minimax/minimax-m2.1",
	"minimax/minimax-m2.5",
	"moonshotai/kimi-k2",
	"moonshotai/kimi-k2-0905",
	"moonshotai/kimi-k2-0905:exacto",
	"moonshotai/kimi-k2-thinking",
	"moonshotai/kimi-k2.5",
	"openai/gpt-5.2",
	"openai/gpt-5.2-chat",
	"openai/gpt-5.2-codex",
	"openai/gpt-5.2-pro",
	"x-ai/grok-4",
	"x-ai/grok-4-fast",
	"x-ai/grok-4.1-fast",
	"z-ai/glm-4.7",
	"z-ai/glm-4.7-flash",
	"z-ai/glm-5",
}

// Load reads the environment (optionally seeded from a .env file when
// present) and returns validated [Settings].
func Load() (*Settings, error) {
	// Missing .env is fine; the environment alone is a complete source.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	s := &Settings{
		Port:      v.GetInt("PORT"),
		LogLevel:  LogLevel(strings.ToLower(v.GetString("LOG_LEVEL"))),
		LogFormat: LogFormat(strings.ToLower(v.GetString("LOG_FORMAT"))),

		OpenAICompatibleAPI: v.GetBool("ENABLE_OPENAI_COMPATIBLE_API"),
		EnableAuth:          v.GetBool("ENABLE_AUTH"),
		EnableBilling:       v.GetBool("ENABLE_LLM_BILLING"),
		EnableCache:         v.GetBool("ENABLE_CACHE"),
		EnableServerInfo:    v.GetBool("ENABLE_SERVER_INFO_ENDPOINT"),

		EnableServiceAuth: v.GetBool("ENABLE_SERVICE_AUTH"),
		ServiceAPIKey:     v.GetString("SERVICE_API_KEY"),

		LogExtraFields: splitList(v.GetString("LOG_EXTRA_FIELDS"), ","),

		DisableSSLVerification: v.GetBool("DISABLE_SSL_VERIFICATION"),

		Providers: Toggles{
			XRouter:         v.GetBool("ENABLE_XROUTER"),
			Agents:          v.GetBool("ENABLE_AGENTS"),
			Deepseek:        v.GetBool("ENABLE_DEEPSEEK"),
			OpenRouter:      v.GetBool("ENABLE_OPENROUTER"),
			OpenRouterProxy: v.GetBool("ENABLE_OPENROUTER_PROXY"),
			GigaChat:        v.GetBool("ENABLE_GIGACHAT"),
			Yandex:          v.GetBool("ENABLE_YANDEX"),
			Ollama:          v.GetBool("ENABLE_OLLAMA"),
			ZAI:             v.GetBool("ENABLE_ZAI"),
		},

		XRouterAPIKey:  v.GetString("XROUTER_API_KEY"),
		XRouterBaseURL: v.GetString("XROUTER_BASE_URL"),

		AgentsAPIKey:  v.GetString("AGENTS_API_KEY"),
		AgentsBaseURL: v.GetString("AGENTS_BASE_URL"),

		DeepseekAPIKey:  v.GetString("DEEPSEEK_API_KEY"),
		DeepseekBaseURL: v.GetString("DEEPSEEK_BASE_URL"),

		OpenRouterAPIKey:          v.GetString("OPENROUTER_API_KEY"),
		OpenRouterBaseURL:         v.GetString("OPENROUTER_BASE_URL"),
		OpenRouterSupportedModels: parseModelList(v.GetString("OPENROUTER_SUPPORTED_MODELS")),

		OpenRouterProxySupportedModels: parseModelList(v.GetString("OPENROUTER_PROXY_SUPPORTED_MODELS")),
		OpenRouterProxy: ProxySettings{
			User:     v.GetString("OPENROUTER_PROXY_USER"),
			Password: v.GetString("OPENROUTER_PROXY_PASSWORD"),
			Host:     v.GetString("OPENROUTER_PROXY_BASE_URL"),
			Ports:    v.GetString("OPENROUTER_PROXY_HTTP_SOCKS5_PORT"),
			Scheme:   ProxyScheme(strings.ToLower(v.GetString("OPENROUTER_PROXY_SCHEME"))),
		},

		GigaChatAPIKey:    v.GetString("GIGACHAT_API_KEY"),
		GigaChatLogin:     v.GetString("GIGACHAT_LOGIN"),
		GigaChatPassword:  v.GetString("GIGACHAT_PASSWORD"),
		GigaChatScope:     v.GetString("GIGACHAT_SCOPE"),
		GigaChatBaseURL:   v.GetString("GIGACHAT_BASE_URL"),
		GigaChatVerifySSL: v.GetBool("GIGACHAT_VERIFY_SSL_CERTS"),

		YandexAPIKey:   v.GetString("YANDEX_API_KEY"),
		YandexAPIKeyID: v.GetString("YANDEX_API_KEY_ID"),
		YandexFolderID: v.GetString("YANDEX_FOLDER_ID"),
		YandexBaseURL:  v.GetString("YANDEX_BASE_URL"),

		ZAIAPIKey:  v.GetString("ZAI_API_KEY"),
		ZAIBaseURL: v.GetString("ZAI_BASE_URL"),

		OllamaBaseURLs: splitList(v.GetString("OLLAMA_BASE_URLS"), ";"),
		OllamaAPIKeys:  splitList(v.GetString("OLLAMA_API_KEYS"), ";"),

		Redis: RedisSettings{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			Prefix:   v.GetString("REDIS_PREFIX"),
		},
		CacheTTL:    time.Duration(v.GetInt("CACHE_TTL")) * time.Second,
		CachePrefix: v.GetString("CACHE_PREFIX"),

		XServerBaseURL: v.GetString("XSERVER_BASE_URL"),
		XServerAPIKey:  v.GetString("XSERVER_API_KEY"),

		AuthServiceBaseURL:  v.GetString("AUTH_SERVICE_BASE_URL"),
		AuthServiceTimeout:  time.Duration(v.GetInt("AUTH_SERVICE_TIMEOUT")) * time.Second,
		AuthServiceCacheTTL: time.Duration(v.GetInt("AUTH_SERVICE_CACHE_TTL")) * time.Second,

		ProviderTimeout: time.Duration(v.GetInt("PROVIDER_TIMEOUT")) * time.Second,
	}

	if err := Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8900)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("XROUTER_BASE_URL", "https://ai.xrouter.ru/api/v1")
	v.SetDefault("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1")
	v.SetDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("OPENROUTER_PROXY_SCHEME", "socks5")
	v.SetDefault("GIGACHAT_BASE_URL", "https://gigachat.devices.sberbank.ru/api/v1")
	v.SetDefault("GIGACHAT_SCOPE", "GIGACHAT_API_PERS")
	v.SetDefault("GIGACHAT_VERIFY_SSL_CERTS", false)
	v.SetDefault("YANDEX_BASE_URL", "https://llm.api.cloud.yandex.net/foundationModels/v1")
	v.SetDefault("ZAI_BASE_URL", "https://api.z.ai/api/paas/v4")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "llmgw")
	v.SetDefault("CACHE_TTL", 3600)
	v.SetDefault("CACHE_PREFIX", "cache")

	v.SetDefault("AUTH_SERVICE_TIMEOUT", 5)
	v.SetDefault("AUTH_SERVICE_CACHE_TTL", 900)
	v.SetDefault("PROVIDER_TIMEOUT", 30)
}

// parseModelList decodes a JSON array of model ids. Empty or malformed input
// falls back to the built-in default allowlist.
func parseModelList(raw string) []string {
	if raw == "" {
		return append([]string(nil), defaultOpenRouterModels...)
	}
	var models []string
	if err := json.Unmarshal([]byte(raw), &models); err != nil {
		slog.Warn("malformed supported-models list, using defaults", "error", err)
		return append([]string(nil), defaultOpenRouterModels...)
	}
	return models
}

func splitList(raw, sep string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that s contains a coherent set of values.
// It returns a joined error listing all hard failures found.
func Validate(s *Settings) error {
	var errs []error

	if s.Port <= 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d is out of range [1, 65535]", s.Port))
	}
	if !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", s.LogLevel))
	}
	if !s.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is invalid; valid values: json, text, structured", s.LogFormat))
	}
	if s.Providers.OpenRouterProxy && !s.OpenRouterProxy.Scheme.IsValid() {
		errs = append(errs, fmt.Errorf("OPENROUTER_PROXY_SCHEME %q is invalid; valid values: socks5, http, https", s.OpenRouterProxy.Scheme))
	}
	if s.Providers.OpenRouterProxy && (s.OpenRouterProxy.Host == "" || s.OpenRouterProxy.Port() == "") {
		errs = append(errs, errors.New("ENABLE_OPENROUTER_PROXY requires OPENROUTER_PROXY_BASE_URL and OPENROUTER_PROXY_HTTP_SOCKS5_PORT"))
	}
	if s.Providers.Yandex && s.YandexFolderID == "" {
		errs = append(errs, errors.New("ENABLE_YANDEX requires YANDEX_FOLDER_ID"))
	}
	if s.Providers.Ollama && len(s.OllamaBaseURLs) == 0 {
		errs = append(errs, errors.New("ENABLE_OLLAMA requires at least one OLLAMA_BASE_URLS entry"))
	}
	if s.EnableBilling && s.XServerBaseURL == "" {
		errs = append(errs, errors.New("ENABLE_LLM_BILLING requires XSERVER_BASE_URL"))
	}
	if s.EnableAuth && s.AuthServiceBaseURL == "" {
		errs = append(errs, errors.New("ENABLE_AUTH requires AUTH_SERVICE_BASE_URL"))
	}

	// Soft checks
	if !s.Providers.Any() {
		slog.Warn("no providers enabled; every completion request will fail model resolution")
	}
	if s.Providers.GigaChat && s.GigaChatAPIKey == "" && (s.GigaChatLogin == "" || s.GigaChatPassword == "") {
		slog.Warn("gigachat enabled without GIGACHAT_API_KEY or GIGACHAT_LOGIN/GIGACHAT_PASSWORD")
	}
	if s.Providers.Deepseek && s.DeepseekAPIKey == "" {
		slog.Warn("deepseek enabled without DEEPSEEK_API_KEY")
	}
	if s.Providers.OpenRouter && s.OpenRouterAPIKey == "" {
		slog.Warn("openrouter enabled without OPENROUTER_API_KEY")
	}
	if s.Providers.ZAI && s.ZAIAPIKey == "" {
		slog.Warn("zai enabled without ZAI_API_KEY")
	}
	if s.OpenAICompatibleAPI && !s.Providers.Agents {
		slog.Warn("OpenAI-compatible mode routes every model to the agents provider, which is not enabled")
	}
	if len(s.OllamaAPIKeys) > len(s.OllamaBaseURLs) {
		slog.Warn("more OLLAMA_API_KEYS than OLLAMA_BASE_URLS; extra keys are ignored")
	}
	if s.EnableServiceAuth && s.ServiceAPIKey == "" {
		slog.Warn("ENABLE_SERVICE_AUTH set without SERVICE_API_KEY; authenticated requests will fail")
	}
	for _, f := range s.LogExtraFields {
		if !strings.Contains(f, "=") {
			slog.Warn("LOG_EXTRA_FIELDS entry is not key=value; ignored", "entry", f)
		}
	}

	return errors.Join(errs...)
}
