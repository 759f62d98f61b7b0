package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/payload"
)

func purgeCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	settingsPath := fs.String("settings", "settings.yaml", "path to the settings document")
	olderDays := fs.Int("older-than-days", 0, "override the configured retention window")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	settings, _, err := config.Load(*settingsPath)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth: %v\n", err)
		return exitFailure
	}
	days := settings.PayloadStore.RetentionDays
	if *olderDays > 0 {
		days = *olderDays
	}
	if days <= 0 {
		fmt.Fprintln(stderr, "elspeth: retention window is zero, nothing to purge")
		return exitUsage
	}

	store, err := payload.NewFileStore(settings.PayloadStore.BasePath)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth: %v\n", err)
		return exitFailure
	}
	removed, err := store.Purge(context.Background(), time.Now().AddDate(0, 0, -days))
	if err != nil {
		fmt.Fprintf(stderr, "elspeth: purge failed: %v\n", err)
		return exitFailure
	}
	fmt.Fprintf(stdout, "purged %d payloads older than %d days\n", removed, days)
	return exitOK
}
