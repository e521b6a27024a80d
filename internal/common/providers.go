package common

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderDefinition describes one external data provider: how much a
// sub-task against it costs and how hard it may be driven.
type ProviderDefinition struct {
	Tag            string  `yaml:"tag"`              // enumerated provider tag, e.g. "linkedin"
	Name           string  `yaml:"name"`             // display name
	CreditCost     float64 `yaml:"credit_cost"`      // credits deducted per completed sub-task
	RateLimit      float64 `yaml:"rate_limit"`       // sub-task dispatches per second (0 = unlimited)
	RateBurst      int     `yaml:"rate_burst"`       // limiter burst size (defaults to 1)
	MaxConcurrent  int     `yaml:"max_concurrent"`   // per-job in-flight cap override (0 = use workers config)
	CacheHitFree   bool    `yaml:"cache_hit_free"`   // cache hits cost nothing when true
	DefaultPerPage int     `yaml:"default_per_page"` // decomposition hint for paged collection
	Endpoint       string  `yaml:"endpoint"`         // sub-task executor URL (empty = built-in simulator)
}

type providerFile struct {
	Providers []ProviderDefinition `yaml:"providers"`
}

// LoadProviderDefinitions reads provider definitions from a YAML file.
// Returns a map keyed by provider tag.
func LoadProviderDefinitions(path string) (map[string]ProviderDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider definitions %s: %w", path, err)
	}

	var file providerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provider definitions %s: %w", path, err)
	}

	defs := make(map[string]ProviderDefinition, len(file.Providers))
	for _, def := range file.Providers {
		if def.Tag == "" {
			return nil, fmt.Errorf("provider definition missing tag in %s", path)
		}
		if def.RateBurst <= 0 {
			def.RateBurst = 1
		}
		defs[def.Tag] = def
	}

	if len(defs) == 0 {
		return nil, fmt.Errorf("no provider definitions found in %s", path)
	}

	return defs, nil
}

// DefaultProviderDefinitions returns a built-in set used when no definitions
// file is configured. Costs mirror the documented provider pricing.
func DefaultProviderDefinitions() map[string]ProviderDefinition {
	defs := []ProviderDefinition{
		{Tag: "linkedin", Name: "LinkedIn", CreditCost: 2.0, RateLimit: 1, RateBurst: 1, CacheHitFree: true, DefaultPerPage: 25},
		{Tag: "crunchbase", Name: "Crunchbase", CreditCost: 1.0, RateLimit: 2, RateBurst: 2, CacheHitFree: true, DefaultPerPage: 50},
		{Tag: "clearbit", Name: "Clearbit", CreditCost: 0.5, RateLimit: 5, RateBurst: 5, CacheHitFree: true, DefaultPerPage: 100},
	}
	out := make(map[string]ProviderDefinition, len(defs))
	for _, d := range defs {
		out[d.Tag] = d
	}
	return out
}
