package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelTable is the per-model price and routing configuration, loaded once
// at startup and immutable afterwards.
type ModelTable struct {
	Models map[string]ModelConfig `yaml:"models"`
}

type ModelConfig struct {
	// PricePerToken is a decimal string in USD, e.g. "0.00002".
	PricePerToken string        `yaml:"price_per_token"`
	Routes        []RouteConfig `yaml:"routes"`
}

// RouteConfig names an adapter and the upstream model to call it with.
// Order is fallback priority.
type RouteConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

func LoadModelTable(path string) (*ModelTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}

	var table ModelTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	if len(table.Models) == 0 {
		return nil, fmt.Errorf("model config %s defines no models", path)
	}
	for name, m := range table.Models {
		if m.PricePerToken == "" {
			return nil, fmt.Errorf("model %s has no price_per_token", name)
		}
		if len(m.Routes) == 0 {
			return nil, fmt.Errorf("model %s has no routes", name)
		}
		for _, r := range m.Routes {
			if r.Provider == "" || r.Model == "" {
				return nil, fmt.Errorf("model %s has a route missing provider or model", name)
			}
		}
	}
	return &table, nil
}
