package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/landscape"
	"github.com/elspeth-io/elspeth/pkg/payload"
)

func exportCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	settingsPath := fs.String("settings", "settings.yaml", "path to the settings document")
	runID := fs.String("run", "", "run id to export")
	outPath := fs.String("out", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *runID == "" {
		fmt.Fprintln(stderr, "elspeth: export requires -run")
		return exitUsage
	}
	ls, err := openLandscape(*settingsPath)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth: %v\n", err)
		return exitFailure
	}
	defer ls.Close()

	w := stdout
	sinkName := "stdout"
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			fmt.Fprintf(stderr, "elspeth: %v\n", err)
			return exitFailure
		}
		defer f.Close()
		w = f
		sinkName = *outPath
	}

	exporter := landscape.NewExporter(ls)
	if err := exporter.Export(context.Background(), *runID, sinkName, w); err != nil {
		fmt.Fprintf(stderr, "elspeth: export failed: %v\n", err)
		return exitFailure
	}
	return exitOK
}

// openLandscape opens the audit store from a settings document without
// building the pipeline. Export, introspect and purge work on completed
// runs whose plugins may no longer be configurable.
func openLandscape(settingsPath string) (*landscape.Landscape, error) {
	settings, _, err := config.Load(settingsPath)
	if err != nil {
		return nil, err
	}
	payloads, err := payload.NewFileStore(settings.PayloadStore.BasePath)
	if err != nil {
		return nil, err
	}
	return landscape.Open(settings.Landscape.Path, payloads)
}
