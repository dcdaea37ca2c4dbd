// UmbraVault dispatches security scanning tools against a validated target
// and records a report for every batch.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"

	"github.com/jkaninda/umbravault/internal/config"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "umbravault",
	Short: "UmbraVault runs security scanning tools in an isolated sandbox.",
	Long: `UmbraVault validates a target, picks the scanning tools configured for a task
type and runs them one after another inside a throwaway container, falling back
to the docker CLI or the local host when isolation is unavailable. Every batch is
recorded as a JSON report and, optionally, in a database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file (or UMBRAVAULT_CONFIG env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(runCmd, serveCmd, toolsCmd, reportsCmd, versionCmd)
	_ = godotenv.Load()
}

// Exit codes.
const (
	ExitSuccess        = 0
	ExitFailure        = 1
	ExitInvalidRequest = 2
	ExitAllFailed      = 3
)

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		code := ExitFailure
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}
