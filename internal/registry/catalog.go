package registry

import (
	"batchd/pkg/types"
)

// Catalog is an immutable id-indexed view of the registry.
type Catalog struct {
	models []types.Model
	byID   map[string]types.Model
}

// NewCatalog indexes models by ID; later duplicates are ignored.
func NewCatalog(models []types.Model) *Catalog {
	c := &Catalog{byID: make(map[string]types.Model, len(models))}
	for _, m := range models {
		if _, dup := c.byID[m.ID]; dup {
			continue
		}
		c.byID[m.ID] = m
		c.models = append(c.models, m)
	}
	return c
}

// Get returns the model with id.
func (c *Catalog) Get(id string) (types.Model, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// List returns a copy of every model in registration order.
func (c *Catalog) List() []types.Model {
	out := make([]types.Model, len(c.models))
	copy(out, c.models)
	return out
}

func (c *Catalog) Len() int { return len(c.models) }
