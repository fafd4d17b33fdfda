package modelmeta

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelAlias maps a caller-facing model id to the backend tag it resolves to.
type ModelAlias struct {
	ID      string `yaml:"id"`
	Target  string `yaml:"target"`
	OwnedBy string `yaml:"owned_by"`
}

// Catalog holds the optional model alias table loaded from YAML.
type Catalog struct {
	Models []ModelAlias `yaml:"models"`

	byID map[string]ModelAlias
}

// Load reads the catalog at path. An empty path yields an empty catalog, so
// alias resolution becomes the identity function.
func Load(path string) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]ModelAlias)}
	if strings.TrimSpace(path) == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse model catalog %s: %w", path, err)
	}
	for _, m := range c.Models {
		id := strings.ToLower(strings.TrimSpace(m.ID))
		if id == "" || strings.TrimSpace(m.Target) == "" {
			continue
		}
		c.byID[id] = m
	}
	return c, nil
}

// Resolve maps a caller-facing model id to the backend tag. Unknown ids pass
// through unchanged.
func (c *Catalog) Resolve(model string) string {
	if c == nil {
		return model
	}
	if alias, ok := c.byID[strings.ToLower(strings.TrimSpace(model))]; ok {
		return alias.Target
	}
	return model
}

// Expose returns the caller-facing alias for a backend tag, if one exists.
func (c *Catalog) Expose(tag string) (string, string, bool) {
	if c == nil {
		return "", "", false
	}
	for _, m := range c.Models {
		if strings.EqualFold(m.Target, tag) {
			return m.ID, m.OwnedBy, true
		}
	}
	return "", "", false
}

// Len reports how many aliases the catalog carries.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byID)
}
