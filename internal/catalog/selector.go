package catalog

import (
	"context"
	"errors"
	"log/slog"
	"slices"
)

const defaultMaxTools = 4

// Selection is a tool picked for a run, with its rendered command.
type Selection struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

// SuggestRequest is what a Suggester gets to work with.
type SuggestRequest struct {
	TaskType  string
	Target    string
	Available []string // every catalog tool name
	Selected  []string // names already picked
}

// Suggester proposes at most one extra tool for a task.
// It returns "" when it has nothing to add.
type Suggester interface {
	Suggest(ctx context.Context, req SuggestRequest) (string, error)
}

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	Mappings     map[string][]string // task type -> ordered tool names
	DefaultTools []string            // used for unknown task types
	MaxTools     int                 // Default: 4
}

// Selector maps a task type to the tools to run.
type Selector struct {
	catalog   *Catalog
	mappings  map[string][]string
	defaults  []string
	maxTools  int
	suggester Suggester // nil = no suggestions
	logger    *slog.Logger
}

// NewSelector creates a Selector. suggester may be nil.
func NewSelector(cat *Catalog, cfg SelectorConfig, suggester Suggester, logger *slog.Logger) *Selector {
	maxTools := cfg.MaxTools
	if maxTools <= 0 {
		maxTools = defaultMaxTools
	}
	return &Selector{
		catalog:   cat,
		mappings:  cfg.Mappings,
		defaults:  cfg.DefaultTools,
		maxTools:  maxTools,
		suggester: suggester,
		logger:    logger,
	}
}

// Catalog returns the underlying catalog.
func (s *Selector) Catalog() *Catalog { return s.catalog }

// Select returns the tools for taskType in mapping order, restricted to the
// ones present in the catalog, plus at most one suggested tool, capped at
// the configured maximum. Suggestion failures never affect the base list.
func (s *Selector) Select(ctx context.Context, taskType string, p Params) []Selection {
	base, ok := s.mappings[taskType]
	if !ok {
		base = s.defaults
	}

	var selected []Selection
	for _, name := range base {
		if sel, ok := s.resolve(name, p); ok && !containsName(selected, name) {
			selected = append(selected, sel)
		}
	}

	if s.suggester != nil {
		if sel, ok := s.suggest(ctx, taskType, p, selected); ok {
			selected = append(selected, sel)
		}
	}

	if len(selected) > s.maxTools {
		selected = selected[:s.maxTools]
	}
	return selected
}

func (s *Selector) resolve(name string, p Params) (Selection, bool) {
	def, ok := s.catalog.Get(name)
	if !ok {
		s.logger.Debug("mapped tool not in catalog", slog.String("tool", name))
		return Selection{}, false
	}
	cmd, err := Render(def, p)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, ErrMissingPort) {
			level = slog.LevelInfo
		}
		s.logger.Log(context.Background(), level, "tool skipped",
			slog.String("tool", name),
			slog.String("error", err.Error()),
		)
		return Selection{}, false
	}
	return Selection{Name: name, Command: cmd}, true
}

func (s *Selector) suggest(ctx context.Context, taskType string, p Params, selected []Selection) (Selection, bool) {
	names := make([]string, 0, len(selected))
	for _, sel := range selected {
		names = append(names, sel.Name)
	}

	name, err := s.suggester.Suggest(ctx, SuggestRequest{
		TaskType:  taskType,
		Target:    p.Target,
		Available: s.catalog.Names(),
		Selected:  names,
	})
	if err != nil {
		s.logger.Debug("tool suggestion failed", slog.String("error", err.Error()))
		return Selection{}, false
	}
	if name == "" || slices.Contains(names, name) {
		return Selection{}, false
	}
	sel, ok := s.resolve(name, p)
	if ok {
		s.logger.Info("tool suggestion accepted", slog.String("tool", name))
	}
	return sel, ok
}

func containsName(sels []Selection, name string) bool {
	for _, s := range sels {
		if s.Name == name {
			return true
		}
	}
	return false
}
