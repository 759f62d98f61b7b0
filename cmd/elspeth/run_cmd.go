package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

func runCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	settingsPath := fs.String("settings", "settings.yaml", "path to the settings document")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	logger := newLogger(stderr, *logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := assemble(ctx, *settingsPath, logger)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth: %v\n", err)
		return exitFailure
	}
	defer a.close(context.Background(), logger)

	orch, err := a.orchestrator(logger, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth: %v\n", err)
		return exitFailure
	}

	report, err := orch.Execute(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth: run failed: %v\n", err)
		return exitFailure
	}
	reportSummary(stdout, report)
	if report.Status != contracts.RunCompleted {
		return exitFailure
	}
	return exitOK
}
