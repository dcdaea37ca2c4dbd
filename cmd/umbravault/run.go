package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/umbravault/internal/catalog"
	"github.com/jkaninda/umbravault/internal/report"
	"github.com/jkaninda/umbravault/internal/scan"
	"github.com/jkaninda/umbravault/internal/validator"
)

var (
	runPort string
	runJSON bool
)

var runCmd = &cobra.Command{
	Use:   "run <task-type> <target>",
	Short: "Run the tools for a task type against a target",
	Long: `Validate the target, select the tools mapped to the task type and run them
one after another. A JSON report is written to the logs directory.

Examples:
  umbravault run network 192.168.1.10
  umbravault run web scanme.example.org --port 8080
  umbravault run network 10.0.0.5 --json

Exit codes:
  0  at least one tool succeeded, or no tool was selected
  1  setup or recording failure
  2  the request failed validation
  3  every selected tool failed`,
	Args: cobra.ExactArgs(2),
	RunE: runScan,
}

func init() {
	runCmd.Flags().StringVarP(&runPort, "port", "p", "", "target port (1-65535)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full report as JSON instead of a summary")
}

func runScan(cmd *cobra.Command, args []string) error {
	logger := newLogger(false)

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	progress := func(sel catalog.Selection, index, total int) {
		logger.Info("running tool",
			slog.String("tool", sel.Name),
			slog.Int("index", index+1),
			slog.Int("total", total),
		)
	}

	sc, err := initShared(cfg, logger, scan.WithProgress(progress))
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := validator.TaskRequest{TaskType: args[0], Target: args[1]}
	if cmd.Flags().Changed("port") {
		req.Port = &runPort
	}

	res, err := sc.Pipeline.Run(ctx, req)
	var verr *validator.Error
	if errors.As(err, &verr) {
		return &exitError{code: ExitInvalidRequest, err: errors.New(verr.Reason)}
	}
	if res == nil {
		return err
	}
	if err != nil {
		logger.Error("report not recorded", slog.String("error", err.Error()))
	}

	out := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res.Report); encErr != nil {
			return encErr
		}
	} else {
		fmt.Fprintln(out, report.RenderSummary(res.Report))
		if res.Handle != "" {
			fmt.Fprintf(out, "report: %s\n", res.Handle)
		}
	}

	if res.Report.Summary.Total > 0 && res.Report.Summary.SuccessCount == 0 {
		return &exitError{code: ExitAllFailed, err: errors.New("no tool succeeded")}
	}
	return err
}
