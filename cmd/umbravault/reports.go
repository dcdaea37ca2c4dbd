package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/umbravault/internal/report"
	"github.com/jkaninda/umbravault/internal/storage"
)

var (
	reportsTaskType string
	reportsLimit    int
	reportsSince    time.Duration
)

var reportsCmd = &cobra.Command{
	Use:   "reports [id]",
	Short: "List recorded reports, or show one",
	Long: `List reports from the configured report store, newest first, or show a
single report by ID. Needs storage.driver set to sqlite or postgres.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReports,
}

func init() {
	reportsCmd.Flags().StringVar(&reportsTaskType, "task-type", "", "only reports for this task type")
	reportsCmd.Flags().IntVar(&reportsLimit, "limit", 20, "maximum reports to list")
	reportsCmd.Flags().DurationVar(&reportsSince, "since", 0, "only reports newer than this (e.g. 24h)")
}

func runReports(cmd *cobra.Command, args []string) error {
	logger := newLogger(false)

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	store, err := initStore(cfg, logger)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("no report store configured (set storage.driver to sqlite or postgres)")
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid report ID %q", args[0])
		}
		rec, err := store.Reports().Get(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, report.RenderSummary(report.FromStorage(rec)))
		return nil
	}

	filter := storage.ListFilter{TaskType: reportsTaskType, Limit: reportsLimit}
	if reportsSince > 0 {
		filter.Since = time.Now().Add(-reportsSince)
	}
	recs, err := store.Reports().List(ctx, filter)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		fmt.Fprintf(out, "%s  %s  %-10s %-30s %d/%d\n",
			rec.ID, rec.CreatedAt.Format(time.RFC3339), rec.TaskType, rec.Target,
			rec.SuccessCount, rec.Total)
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "no reports")
	}
	return nil
}
