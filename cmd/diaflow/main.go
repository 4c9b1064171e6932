// Package main provides the diaflow CLI entrypoint.
//
// Usage:
//
//	diaflow run <diagram.json> [--var k=v ...]
//	diaflow serve
//	diaflow executions list|clean
//
// Exit codes for `run`:
//   - 0: execution completed
//   - 1: execution failed
//   - 2: execution aborted (timeout or signal)
//   - 3: misconfiguration (bad diagram, bad flags)
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	exitCompleted = 0
	exitFailed    = 1
	exitAborted   = 2
	exitMisconfig = 3
)

// Commit is set via ldflags at build time.
var commit = "unknown"

const version = "0.3.0"

func main() {
	app := &cli.App{
		Name:           "diaflow",
		Usage:          "diagram execution runtime",
		Version:        fmt.Sprintf("%s (commit: %s)", version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			runCommand(),
			serveCommand(),
			executionsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already handled cli.ExitCoder errors.
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes carried by cli.Exit errors so
// scripts can branch on the run outcome.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
