package policy

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Policies []Policy `yaml:"policies"`
}

// LoadFile reads a YAML document with a top-level "policies" list.
func LoadFile(path string) ([]Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc seedFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, p := range doc.Policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %d in %s: %w", i, path, err)
		}
	}
	return doc.Policies, nil
}

// Seed stores each policy in order.
func Seed(ctx context.Context, store Store, policies []Policy) error {
	for _, p := range policies {
		if _, err := store.Put(ctx, p); err != nil {
			return fmt.Errorf("seed policy %q: %w", p.Name, err)
		}
	}
	return nil
}
