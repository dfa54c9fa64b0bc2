// Package config provides the environment-driven settings schema, loader and
// provider registry for the LLM gateway.
package config

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler used for gateway logs.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"

	// LogFormatStructured renders key=value pairs; in slog terms this is
	// the text handler.
	LogFormatStructured LogFormat = "structured"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	switch f {
	case LogFormatJSON, LogFormatText, LogFormatStructured:
		return true
	}
	return false
}

// ProxyScheme selects the outbound proxy protocol for the openrouter-proxy
// provider.
type ProxyScheme string

const (
	ProxySocks5 ProxyScheme = "socks5"
	ProxyHTTP   ProxyScheme = "http"
	ProxyHTTPS  ProxyScheme = "https"
)

// IsValid reports whether s is a recognised proxy scheme.
func (s ProxyScheme) IsValid() bool {
	switch s {
	case ProxySocks5, ProxyHTTP, ProxyHTTPS:
		return true
	}
	return false
}

// Toggles enables individual upstream providers.
type Toggles struct {
	XRouter         bool
	Agents          bool
	Deepseek        bool
	OpenRouter      bool
	OpenRouterProxy bool
	GigaChat        bool
	Yandex          bool
	Ollama          bool
	ZAI             bool
}

// Any reports whether at least one provider is enabled.
func (t Toggles) Any() bool {
	return t.XRouter || t.Agents || t.Deepseek || t.OpenRouter ||
		t.OpenRouterProxy || t.GigaChat || t.Yandex || t.Ollama || t.ZAI
}

// ProxySettings configure the outbound tunnel of the openrouter-proxy
// provider. The API endpoint itself is the regular OpenRouter base URL;
// only the transport goes through the tunnel.
type ProxySettings struct {
	User     string
	Password string
	Host     string // proxy host, scheme optional
	Ports    string // raw "http[/socks5]" port spec, e.g. "1080" or "1080/1081"
	Scheme   ProxyScheme
}

// Port returns the HTTP port from the raw port spec.
func (p ProxySettings) Port() string {
	port, _, _ := strings.Cut(p.Ports, "/")
	return strings.TrimSpace(port)
}

// RedisSettings hold the Redis connection parameters.
type RedisSettings struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

// Addr returns the host:port dial address.
func (r RedisSettings) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Settings is the full gateway configuration assembled from the environment.
type Settings struct {
	Port      int
	LogLevel  LogLevel
	LogFormat LogFormat

	// OpenAICompatibleAPI switches the inbound surface from the native
	// dialect (/api/v1) to the OpenAI dialect (/v1) and routes every model
	// id to the agents provider verbatim.
	OpenAICompatibleAPI bool
	EnableAuth          bool
	EnableBilling       bool
	EnableCache         bool

	// EnableServerInfo exposes the /api/v1/info/json and /info/table
	// endpoints. Off by default.
	EnableServerInfo bool

	// EnableServiceAuth additionally requires the service key in
	// X-Service-Authorization on authenticated routes.
	EnableServiceAuth bool
	ServiceAPIKey     string

	// LogExtraFields are "key=value" pairs stamped on every log record.
	LogExtraFields []string

	// DisableSSLVerification turns off upstream certificate checks for every
	// provider. Meant for corporate MITM proxies, not production.
	DisableSSLVerification bool

	Providers Toggles

	XRouterAPIKey  string
	XRouterBaseURL string

	AgentsAPIKey  string
	AgentsBaseURL string

	DeepseekAPIKey  string
	DeepseekBaseURL string

	OpenRouterAPIKey          string
	OpenRouterBaseURL         string
	OpenRouterSupportedModels []string

	// The openrouter-proxy provider reuses OpenRouterAPIKey and
	// OpenRouterBaseURL; only the allowlist and the tunnel are its own.
	OpenRouterProxySupportedModels []string
	OpenRouterProxy                ProxySettings

	GigaChatAPIKey    string
	GigaChatLogin     string
	GigaChatPassword  string
	GigaChatScope     string
	GigaChatBaseURL   string
	GigaChatVerifySSL bool

	YandexAPIKey   string
	YandexAPIKeyID string
	YandexFolderID string
	YandexBaseURL  string

	ZAIAPIKey  string
	ZAIBaseURL string

	// Ollama fleet: positional pairing between URLs and keys. Servers
	// without a scheme are assumed http.
	OllamaBaseURLs []string
	OllamaAPIKeys  []string

	Redis       RedisSettings
	CacheTTL    time.Duration
	CachePrefix string

	XServerBaseURL string
	XServerAPIKey  string

	AuthServiceBaseURL  string
	AuthServiceTimeout  time.Duration
	AuthServiceCacheTTL time.Duration

	ProviderTimeout time.Duration
}
