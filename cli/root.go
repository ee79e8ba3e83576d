// Package cli wires the engine's commands: the long-running server, the
// batch uploader, and the migration probe. Commands return coded errors
// so main can map business failures and setup failures to distinct exit
// codes.
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"krai.services/engine/common"
	"krai.services/engine/config"
	"krai.services/engine/version"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitSetup   = 2
)

// CodedError carries the process exit code for a command failure.
type CodedError struct {
	Code int
	Err  error
}

func (e *CodedError) Error() string { return e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }

// setupError marks a failure during configuration or wiring.
func setupError(format string, args ...interface{}) error {
	return &CodedError{Code: ExitSetup, Err: fmt.Errorf(format, args...)}
}

// businessError marks a failure of the work itself.
func businessError(format string, args ...interface{}) error {
	return &CodedError{Code: ExitFailure, Err: fmt.Errorf(format, args...)}
}

// ExitCode extracts the exit code from a command error.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ExitFailure
}

var cfgFile string

// RootCmd is the engine's command entry point.
var RootCmd = &cobra.Command{
	Use:     "krai-engine",
	Short:   "document processing engine for technical service documentation",
	Version: version.EngineVersion(),
	Long: `KRAI Engine

Processes technical service documents through a staged pipeline:
extraction, classification, enrichment, embedding, and indexing.
Progress, alerting, and live monitoring are exposed over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./engine.yaml, ./configs, /etc/krai)")
}

// loadConfig loads and validates the engine configuration and applies
// the logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, setupError("failed to load configuration: %w", err)
	}
	common.ConfigureLogging(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}
