package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/jkaninda/umbravault/internal/catalog"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the loaded tool definitions and task mappings",
	RunE:  runTools,
}

func runTools(cmd *cobra.Command, _ []string) error {
	logger := newLogger(false)

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	cat, result := catalog.NewLoader(logger).LoadDirs(cfg.AllToolsPaths()...)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, toolsTable(cat.All()))

	mappings := cfg.Catalog.TaskMappings()
	for _, taskType := range slices.Sorted(maps.Keys(mappings)) {
		fmt.Fprintf(out, "%s: %v\n", taskType, mappings[taskType])
	}
	fmt.Fprintf(out, "default: %v\n", cfg.Catalog.Defaults())

	for _, le := range result.Errors {
		fmt.Fprintf(out, "skipped %s: %s\n", le.File, le.Message)
	}
	return nil
}

func toolsTable(defs []catalog.Definition) string {
	header := lipgloss.NewStyle().Bold(true)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("Tool", "Command", "Description").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return lipgloss.NewStyle()
		})
	for _, d := range defs {
		t.Row(d.Name, d.Command, d.Description)
	}
	return t.Render()
}
