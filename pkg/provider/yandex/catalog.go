package yandex

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/xrouter/llmgw/pkg/provider"
)

//go:embed catalog.yaml
var catalogYAML []byte

// catalogModels loads the embedded Yandex model set. The API has no models
// endpoint.
func catalogModels(providerID string) ([]provider.Model, error) {
	var models []provider.Model
	if err := yaml.Unmarshal(catalogYAML, &models); err != nil {
		return nil, fmt.Errorf("yandex: parse embedded catalog: %w", err)
	}
	for i := range models {
		models[i].ProviderID = providerID
	}
	return models, nil
}
