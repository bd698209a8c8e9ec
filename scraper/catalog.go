package scraper

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk list of sources.
type Catalog struct {
	Sources []SourceConfig `yaml:"sources"`
}

// LoadCatalog reads and validates a YAML source catalogue. Kind defaults to
// "html" when omitted.
func LoadCatalog(path string) ([]SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates catalogue YAML.
func ParseCatalog(data []byte) ([]SourceConfig, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse source catalog: %w", err)
	}

	seen := make(map[string]bool, len(cat.Sources))
	for i := range cat.Sources {
		src := &cat.Sources[i]
		if src.Kind == "" {
			src.Kind = KindHTML
		}
		if err := src.Validate(); err != nil {
			return nil, err
		}
		if seen[src.ID] {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidSource, src.ID)
		}
		seen[src.ID] = true
	}

	return cat.Sources, nil
}

// Enabled returns the enabled sources, optionally restricted to one id.
func Enabled(sources []SourceConfig, only string) []SourceConfig {
	var out []SourceConfig
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		if only != "" && src.ID != only {
			continue
		}
		out = append(out, src)
	}
	return out
}
