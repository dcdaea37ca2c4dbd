package catalog

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadResult summarizes a load operation.
type LoadResult struct {
	Loaded     int // Definitions read, before merging.
	Overridden int // Definitions that replaced an earlier one with the same name.
	Errors     []LoadError
}

// LoadError records a per-file or per-directory problem. Loading continues past it.
type LoadError struct {
	File    string
	Message string
}

// fileEntry is the on-disk shape of one definition.
type fileEntry struct {
	Cmd         string `json:"cmd" yaml:"cmd"`
	Description string `json:"description" yaml:"description"`
}

// Loader reads definition files from directories.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a Loader.
func NewLoader(logger *slog.Logger) *Loader {
	return &Loader{logger: logger}
}

// LoadDirs reads *.json, *.yaml and *.yml files from dirs and merges them.
//
// Directories are read in the given order and files within a directory in
// lexical order. A later definition replaces an earlier one with the same
// name. Missing directories and broken files are reported in the result and
// skipped.
func (l *Loader) LoadDirs(dirs ...string) (*Catalog, *LoadResult) {
	correlationID := newCorrelationID()
	result := &LoadResult{}
	merged := map[string]Definition{}

	for _, dir := range dirs {
		l.logger.Info("loading tool definitions",
			slog.String("dir", dir),
			slog.String("correlation_id", correlationID),
		)

		// os.ReadDir returns entries sorted by filename.
		entries, err := os.ReadDir(dir)
		if err != nil {
			l.logger.Warn("tool definitions directory unreadable",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
				slog.String("correlation_id", correlationID),
			)
			result.Errors = append(result.Errors, LoadError{File: dir, Message: err.Error()})
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || !isDefinitionFile(entry.Name()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())

			defs, err := ParseFile(path)
			if err != nil {
				l.logger.Warn("tool definition parse error",
					slog.String("file", path),
					slog.String("error", err.Error()),
					slog.String("correlation_id", correlationID),
				)
				result.Errors = append(result.Errors, LoadError{File: path, Message: err.Error()})
				continue
			}

			for _, d := range defs {
				if prev, ok := merged[d.Name]; ok {
					l.logger.Debug("tool definition overridden",
						slog.String("tool", d.Name),
						slog.String("previous", prev.Source),
						slog.String("file", path),
					)
					result.Overridden++
				}
				merged[d.Name] = d
				result.Loaded++
			}
		}
	}

	cat := &Catalog{defs: merged}
	l.logger.Info("tool definitions load complete",
		slog.Int("tools", cat.Len()),
		slog.Int("overridden", result.Overridden),
		slog.Int("errors", len(result.Errors)),
		slog.String("correlation_id", correlationID),
	)
	return cat, result
}

// ParseFile reads one definition file. Entries come back sorted by name so
// the merge order is independent of map iteration.
func ParseFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	var raw map[string]fileEntry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}

	defs := make([]Definition, 0, len(raw))
	for _, name := range slices.Sorted(maps.Keys(raw)) {
		e := raw[name]
		d := Definition{
			Name:        name,
			Command:     strings.TrimSpace(e.Cmd),
			Description: e.Description,
			Source:      path,
		}
		if err := validateDefinition(d); err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, nil
}

func validateDefinition(d Definition) error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("tool with empty name")
	}
	if d.Command == "" {
		return fmt.Errorf("tool %q: cmd is required", d.Name)
	}
	if _, err := compileTemplate(d); err != nil {
		return fmt.Errorf("tool %q: %w", d.Name, err)
	}
	return nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// newCorrelationID returns a short random hex string for log correlation.
func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
