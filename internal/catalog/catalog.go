// Package catalog holds the scan tool definitions and picks the tools for a task.
package catalog

import (
	"sort"
)

// Definition is a named command template.
type Definition struct {
	Name        string `json:"name" yaml:"name"`
	Command     string `json:"cmd" yaml:"cmd"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Source      string `json:"source,omitempty" yaml:"-"` // File the definition was loaded from.
}

// Catalog is an immutable set of definitions keyed by name.
type Catalog struct {
	defs map[string]Definition
}

// New builds a catalog. Later definitions replace earlier ones with the same name.
func New(defs ...Definition) *Catalog {
	c := &Catalog{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		c.defs[d.Name] = d
	}
	return c
}

// Get returns the definition for name.
func (c *Catalog) Get(name string) (Definition, bool) {
	d, ok := c.defs[name]
	return d, ok
}

// Len returns the number of definitions.
func (c *Catalog) Len() int { return len(c.defs) }

// Names returns every tool name in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.defs))
	for n := range c.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns every definition sorted by name.
func (c *Catalog) All() []Definition {
	out := make([]Definition, 0, len(c.defs))
	for _, n := range c.Names() {
		out = append(out, c.defs[n])
	}
	return out
}
