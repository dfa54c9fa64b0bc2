// Package catalog resolves gateway-facing model ids to upstream drivers and
// aggregates the per-provider model listings into one catalog.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/xrouter/llmgw/internal/config"
	"github.com/xrouter/llmgw/internal/registry"
	"github.com/xrouter/llmgw/pkg/llm"
	"github.com/xrouter/llmgw/pkg/provider"
)

// ollamaIDPattern matches ollama@server[:port]/model ids.
var ollamaIDPattern = regexp.MustCompile(`^ollama@([^/]+)/(.+)$`)

// NormalizeID canonicalizes a model id for external exposure: lowercase,
// spaces to hyphens, runs of hyphens collapsed, edges trimmed.
func NormalizeID(id string) string {
	normalized := strings.ToLower(id)
	normalized = strings.ReplaceAll(normalized, " ", "-")
	for strings.Contains(normalized, "--") {
		normalized = strings.ReplaceAll(normalized, "--", "-")
	}
	return strings.Trim(normalized, "-")
}

// Resolution is the outcome of mapping an external model id to a driver.
type Resolution struct {
	// ProviderID is the routing id ("deepseek", "ollama@host:11434", ...).
	ProviderID string

	// ModelID is the provider-native model id.
	ModelID string
}

// Service routes external model ids and serves the aggregated catalog.
type Service struct {
	cfg *config.Settings
	reg *registry.Registry
	log *slog.Logger
}

// New builds the catalog service.
func New(cfg *config.Settings, reg *registry.Registry, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, reg: reg, log: log.With("component", "catalog")}
}

// Resolve maps an external model id to its provider routing id and native
// model id. In OpenAI-compatible mode every id routes to the agents provider
// verbatim.
func (s *Service) Resolve(externalID string) (Resolution, error) {
	if s.cfg.OpenAICompatibleAPI {
		return Resolution{ProviderID: config.ProviderAgents, ModelID: externalID}, nil
	}

	if strings.Contains(externalID, "@") {
		return s.resolveOllama(externalID)
	}

	alias, modelID, ok := strings.Cut(externalID, "/")
	if !ok || alias == "" || modelID == "" {
		return Resolution{}, llm.NewError(400,
			fmt.Sprintf("Invalid model ID format: %s", externalID),
			map[string]any{"external_model_id": externalID})
	}
	if _, known := config.ProviderNames[alias]; !known {
		return Resolution{}, llm.NewError(400,
			fmt.Sprintf("Unknown provider: %s", alias),
			map[string]any{"provider_alias": alias})
	}
	if !s.cfg.Enabled(alias) {
		return Resolution{}, llm.NewError(403,
			fmt.Sprintf("Provider %s is disabled by feature toggle", alias),
			map[string]any{"provider_alias": alias})
	}
	return Resolution{ProviderID: alias, ModelID: modelID}, nil
}

func (s *Service) resolveOllama(externalID string) (Resolution, error) {
	match := ollamaIDPattern.FindStringSubmatch(externalID)
	if match == nil {
		return Resolution{}, llm.NewError(400,
			fmt.Sprintf("Invalid Ollama model ID format: %s", externalID),
			map[string]any{"external_model_id": externalID})
	}
	if !s.cfg.Enabled(config.ProviderOllama) {
		return Resolution{}, llm.NewError(403,
			"Provider ollama is disabled by feature toggle",
			map[string]any{"provider_alias": config.ProviderOllama})
	}

	server := config.NormalizeServerURL(match[1])
	id := registry.ServerID(server)
	if _, ok := s.reg.Get(id); !ok {
		return Resolution{}, llm.NewError(400,
			fmt.Sprintf("Unknown Ollama server: %s", match[1]),
			map[string]any{"external_model_id": externalID})
	}
	return Resolution{ProviderID: id, ModelID: match[2]}, nil
}

// Provider resolves the external id and returns the live driver.
func (s *Service) Provider(externalID string) (provider.Provider, Resolution, error) {
	res, err := s.Resolve(externalID)
	if err != nil {
		return nil, Resolution{}, err
	}
	p, ok := s.reg.Get(res.ProviderID)
	if !ok {
		return nil, Resolution{}, llm.NewError(500,
			fmt.Sprintf("Provider %s is not available", res.ProviderID),
			map[string]any{"provider_alias": res.ProviderID})
	}
	return p, res, nil
}

// Models aggregates the model listings of every registered provider, with
// gateway-facing external ids assigned. A provider whose listing fails is
// skipped.
func (s *Service) Models(ctx context.Context) ([]provider.Model, error) {
	ids := s.listingProviders()
	results := make([][]provider.Model, len(ids))

	// Fan out across providers; a failing listing drops out of the
	// aggregate instead of failing it.
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		p, ok := s.reg.Get(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			models, err := p.Models(gctx)
			if err != nil {
				s.log.Warn("failed to list models for provider",
					"provider", id, "error", err)
				return nil
			}
			for j := range models {
				models[j].ExternalModelID = s.externalID(id, models[j].ModelID)
			}
			results[i] = models
			return nil
		})
	}
	g.Wait()

	var all []provider.Model
	for _, models := range results {
		all = append(all, models...)
	}
	return all, nil
}

// Model resolves the external id and fetches the model from its provider.
func (s *Service) Model(ctx context.Context, externalID string) (provider.Model, error) {
	p, res, err := s.Provider(externalID)
	if err != nil {
		return provider.Model{}, err
	}
	m, err := p.Model(ctx, res.ModelID)
	if err != nil {
		return provider.Model{}, err
	}
	m.ExternalModelID = s.externalID(res.ProviderID, m.ModelID)
	return m, nil
}

// listingProviders returns the routing ids included in the aggregate
// listing. Compat mode serves only the agents provider; native mode serves
// everything but agents.
func (s *Service) listingProviders() []string {
	if s.cfg.OpenAICompatibleAPI {
		if _, ok := s.reg.Get(config.ProviderAgents); ok {
			return []string{config.ProviderAgents}
		}
		return nil
	}
	var out []string
	for _, id := range s.reg.IDs() {
		if id == config.ProviderAgents {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (s *Service) externalID(providerID, modelID string) string {
	if s.cfg.OpenAICompatibleAPI {
		return NormalizeID(modelID)
	}
	return providerID + "/" + NormalizeID(modelID)
}
