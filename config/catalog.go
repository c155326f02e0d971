package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/bizflow/types"
)

// Catalog is a set of definitions with their transitions, as kept in YAML.
type Catalog struct {
	Definitions []CatalogDefinition `yaml:"definitions"`
}

// CatalogDefinition is a definition and the transitions between its states.
type CatalogDefinition struct {
	types.Definition `yaml:",inline"`
	Transitions      []types.Transition `yaml:"transitions"`
}

// Installer stores definitions and transitions. *workflow.Engine satisfies it.
type Installer interface {
	CreateDefinition(ctx context.Context, def types.Definition) (types.Definition, error)
	CreateTransition(ctx context.Context, t types.Transition) (types.Transition, error)
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading %s: %w", path, err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: parsing %s: %w", path, err)
	}
	for i, def := range c.Definitions {
		if def.Name == "" {
			return nil, fmt.Errorf("catalog: definition %d has no name", i)
		}
	}
	return &c, nil
}

// Install creates every definition and its transitions. Stored ids are
// assigned by the installer; the returned definitions carry them.
func (c *Catalog) Install(ctx context.Context, inst Installer) ([]types.Definition, error) {
	out := make([]types.Definition, 0, len(c.Definitions))
	for _, cd := range c.Definitions {
		def, err := inst.CreateDefinition(ctx, cd.Definition)
		if err != nil {
			return out, fmt.Errorf("catalog: definition %q: %w", cd.Name, err)
		}
		for _, t := range cd.Transitions {
			t.DefinitionID = def.ID
			if _, err := inst.CreateTransition(ctx, t); err != nil {
				return out, fmt.Errorf("catalog: definition %q: transition %s->%s: %w", cd.Name, t.FromState, t.ToState, err)
			}
		}
		out = append(out, def)
	}
	return out, nil
}
