package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/elspeth-io/elspeth/pkg/checkpoint"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

func resumeCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	fs.SetOutput(stderr)
	settingsPath := fs.String("settings", "settings.yaml", "path to the settings document")
	runID := fs.String("run", "", "run id to resume")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *runID == "" {
		fmt.Fprintln(stderr, "elspeth: resume requires -run")
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

	manager := checkpoint.NewManager(a.ls, logger)
	plan, err := manager.Decide(ctx, *runID, a.graph)
	if err != nil {
		return resumeFailed(stderr, err)
	}
	if err := manager.PrepareSinks(ctx, plan, a.bound.Sinks); err != nil {
		return resumeFailed(stderr, err)
	}

	orch, err := a.orchestrator(logger, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth: %v\n", err)
		return exitFailure
	}
	report, err := orch.Resume(ctx, plan.RunID, plan.CompletedRows)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth: resume failed: %v\n", err)
		return exitFailure
	}
	reportSummary(stdout, report)
	if report.Status != contracts.RunCompleted {
		return exitFailure
	}
	return exitOK
}

func resumeFailed(stderr io.Writer, err error) int {
	var refused *checkpoint.ResumeRefusedError
	if errors.As(err, &refused) {
		fmt.Fprintf(stderr, "elspeth: %v\n", refused)
		return exitResumeRefused
	}
	fmt.Fprintf(stderr, "elspeth: %v\n", err)
	return exitFailure
}
