// Package auth validates inbound API keys against the external auth
// service. Validated keys are cached hashed, never verbatim.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/xrouter/llmgw/internal/cache"
	"github.com/xrouter/llmgw/internal/config"
	"github.com/xrouter/llmgw/internal/resilience"
	"github.com/xrouter/llmgw/pkg/llm"
)

// AnonymousUserID identifies requests that passed without authentication.
const AnonymousUserID = "anonymous-user"

// tokenPattern matches a well-formed Authorization header.
var tokenPattern = regexp.MustCompile(`^Bearer\s+([a-zA-Z0-9-]+)$`)

// PublicRoutes never require authentication.
var PublicRoutes = map[string]bool{
	"/health":           true,
	"/healthz":          true,
	"/readyz":           true,
	"/v1/models":        true,
	"/api/v1/models":    true,
	"/api/v1/info/json": true,
	"/info/table":       true,
	"/metrics":          true,
}

// User is the authenticated principal attached to a request.
type User struct {
	ID      string
	APIKey  string
	KeyType string
}

// BearerToken extracts the API key from an Authorization header.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", llm.NewError(401, "Authentication required",
			map[string]any{"error": "Bearer token required"})
	}
	match := tokenPattern.FindStringSubmatch(header)
	if match == nil {
		return "", llm.NewError(401, "Authentication required",
			map[string]any{"error": "Bearer token required"})
	}
	key := match[1]
	if key == "" || strings.ContainsAny(key, " \t\n") {
		return "", llm.NewError(401, "Invalid key format",
			map[string]any{"error": "Key contains invalid characters"})
	}
	return key, nil
}

type options struct {
	logger *slog.Logger
}

// Option customises the service.
type Option func(*options)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.logger = log }
}

// Service validates API keys via the auth service's introspection endpoint.
type Service struct {
	enabled     bool
	serviceAuth bool
	serviceKey  string
	rest        *resty.Client
	cache       cache.Cache
	cb          *resilience.Breaker
	ttl         time.Duration
	log         *slog.Logger
}

// New builds the auth service from the gateway settings.
func New(cfg *config.Settings, c cache.Cache, opts ...Option) *Service {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if c == nil {
		c = cache.NewNoop()
	}
	return &Service{
		enabled:     cfg.EnableAuth,
		serviceAuth: cfg.EnableServiceAuth,
		serviceKey:  cfg.ServiceAPIKey,
		rest: resty.New().
			SetBaseURL(cfg.AuthServiceBaseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(cfg.AuthServiceTimeout),
		cache: c,
		cb:    resilience.NewBreaker(resilience.Config{Name: "auth", Logger: o.logger}),
		ttl:   cfg.AuthServiceCacheTTL,
		log:   o.logger.With("component", "auth"),
	}
}

// Enabled reports whether authentication is enforced.
func (s *Service) Enabled() bool { return s.enabled }

// Close releases idle connections.
func (s *Service) Close() error {
	s.rest.GetClient().CloseIdleConnections()
	return nil
}

type introspectRequest struct {
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint"`
}

type introspectResponse struct {
	Active    bool   `json:"active"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Sub       string `json:"sub,omitempty"`
}

// keyRecord is the cached form of a validated key.
type keyRecord struct {
	KeyHash   string `json:"key_hash"`
	UserID    string `json:"user_id"`
	KeyType   string `json:"key_type"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func hashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Validate checks an API key against the auth service, serving repeat
// lookups from the hashed-key cache.
func (s *Service) Validate(ctx context.Context, apiKey string) (User, error) {
	keyHash := hashKey(apiKey)
	cacheKey := "auth_service:key:" + keyHash

	var rec keyRecord
	if ok, err := s.cache.Get(ctx, cacheKey, &rec); err == nil && ok {
		return User{ID: rec.UserID, APIKey: apiKey, KeyType: rec.KeyType}, nil
	}

	// Transport failures and 5xx feed the breaker; once it opens, key
	// lookups fail fast until the auth service recovers.
	var payload introspectResponse
	var resp *resty.Response
	err := s.cb.Do(func() error {
		var err error
		resp, err = s.rest.R().
			SetContext(ctx).
			SetBody(introspectRequest{Token: apiKey, TokenTypeHint: "api_key"}).
			SetResult(&payload).
			Post("/introspect")
		if err != nil {
			return err
		}
		if resp.StatusCode() >= 500 {
			return fmt.Errorf("auth: introspect status %d", resp.StatusCode())
		}
		return nil
	})
	switch {
	case errors.Is(err, resilience.ErrOpen):
		s.log.Warn("auth service circuit open")
		return User{}, llm.NewError(503, "Auth service unavailable",
			map[string]any{"error": "circuit open"})
	case err != nil:
		s.log.Error("auth service unreachable", "error", err)
		return User{}, llm.NewError(503, "Auth service unavailable",
			map[string]any{"error": err.Error()})
	}
	if resp.IsError() {
		s.log.Warn("auth service error", "status_code", resp.StatusCode())
		if code := resp.StatusCode(); code == 401 || code == 403 {
			return User{}, llm.NewError(code, "Invalid API key",
				map[string]any{"error": "Key validation failed"})
		}
		return User{}, llm.NewError(503, "Auth service unavailable",
			map[string]any{"status_code": resp.StatusCode()})
	}
	if !payload.Active {
		return User{}, llm.NewError(401, "Invalid API key",
			map[string]any{"error": "Key validation failed"})
	}

	userID := payload.Sub
	if userID == "" {
		userID = "unknown"
	}
	rec = keyRecord{
		KeyHash:   keyHash,
		UserID:    userID,
		KeyType:   "user",
		CreatedAt: payload.Iat,
		ExpiresAt: payload.Exp,
	}
	if err := s.cache.Set(ctx, cacheKey, rec, s.ttl); err != nil {
		s.log.Warn("failed to cache validated key", "error", err)
	}
	s.log.Info("validated api key", "key_hash", keyHash)
	return User{ID: userID, APIKey: apiKey, KeyType: "user"}, nil
}

type userKey struct{}

// WithUser attaches the principal to the request context.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFrom returns the principal attached by the middleware.
func UserFrom(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey{}).(User)
	return u, ok
}

// Middleware enforces Bearer authentication. Public routes and a disabled
// service pass through with the anonymous principal.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.enabled || PublicRoutes[r.URL.Path] {
			next.ServeHTTP(w, r.WithContext(
				WithUser(r.Context(), User{ID: AnonymousUserID})))
			return
		}

		if err := s.checkServiceAuth(r); err != nil {
			s.log.Warn("service authentication failed", "path", r.URL.Path, "error", err)
			writeError(w, err)
			return
		}

		token, err := BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, err)
			return
		}
		user, err := s.Validate(r.Context(), token)
		if err != nil {
			s.log.Warn("authentication failed", "path", r.URL.Path, "error", err)
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// checkServiceAuth enforces the service key on authenticated routes. The key
// travels in X-Service-Authorization next to the user token.
func (s *Service) checkServiceAuth(r *http.Request) error {
	if !s.serviceAuth {
		return nil
	}
	if s.serviceKey == "" {
		s.log.Error("service auth enabled but SERVICE_API_KEY not set")
		return llm.NewError(500, "Service authentication misconfigured",
			map[string]any{"error": "SERVICE_API_KEY not set"})
	}
	token, err := BearerToken(r.Header.Get("X-Service-Authorization"))
	if err != nil {
		return llm.NewError(401, "Authentication required",
			map[string]any{"error": "Service API key required"})
	}
	if token != s.serviceKey {
		return llm.NewError(401, "Invalid service API key",
			map[string]any{"error": "Service API key validation failed"})
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	var perr *llm.Error
	if !errors.As(err, &perr) {
		perr = llm.NewError(500, "Authentication failed",
			map[string]any{"error": err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(perr.Code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": perr})
}
