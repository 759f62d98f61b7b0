package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

func introspectCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("introspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	settingsPath := fs.String("settings", "settings.yaml", "path to the settings document")
	runID := fs.String("run", "", "run id to summarize")
	tokenID := fs.String("token", "", "token id for a full lineage reconstruction")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *runID == "" && *tokenID == "" {
		fmt.Fprintln(stderr, "elspeth: introspect requires -run or -token")
		return exitUsage
	}

	ls, err := openLandscape(*settingsPath)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth: %v\n", err)
		return exitFailure
	}
	defer ls.Close()

	ctx := context.Background()
	var result any
	if *tokenID != "" {
		result, err = ls.Lineage(ctx, *tokenID)
	} else {
		result, err = ls.Summarize(ctx, *runID)
	}
	if err != nil {
		fmt.Fprintf(stderr, "elspeth: %v\n", err)
		return exitFailure
	}

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "elspeth: %v\n", err)
		return exitFailure
	}
	fmt.Fprintln(stdout, string(encoded))
	return exitOK
}
