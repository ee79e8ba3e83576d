// Package main is the entry point for the KRAI document processing
// engine. All behavior lives in the cli package; main only maps command
// errors to process exit codes so callers can distinguish setup
// problems from failed work.
package main

import (
	"fmt"
	"os"

	"krai.services/engine/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}
