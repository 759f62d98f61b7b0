package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/dag"
	"github.com/elspeth-io/elspeth/pkg/engine"
	"github.com/elspeth-io/elspeth/pkg/landscape"
	"github.com/elspeth-io/elspeth/pkg/observability"
	"github.com/elspeth-io/elspeth/pkg/payload"
	"github.com/elspeth-io/elspeth/pkg/plugins"
	"github.com/elspeth-io/elspeth/pkg/security"
)

// assembly is everything a run or resume needs wired together.
type assembly struct {
	settings *config.Settings
	raw      map[string]any
	graph    *dag.Graph
	bound    engine.Plugins
	ls       *landscape.Landscape
	provider *observability.Provider

	exportFile *os.File
}

// assemble loads and validates settings, builds the graph and plugin
// bindings, and opens the audit and payload stores. The caller owns close.
func assemble(ctx context.Context, settingsPath string, logger *slog.Logger) (*assembly, error) {
	settings, raw, err := config.Load(settingsPath)
	if err != nil {
		return nil, err
	}

	mode, err := security.ParseMode(settings.Security.Mode)
	if err != nil {
		return nil, err
	}
	if mode == security.ModeStrict {
		if err := security.ValidateStrict(plugins.Descriptors(settings)); err != nil {
			return nil, err
		}
	}

	graph, bound, err := plugins.BuildPipeline(settings, plugins.NewRegistry(), logger)
	if err != nil {
		return nil, err
	}

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "elspeth",
		ServiceVersion: "0.1.0",
		OTLPEndpoint:   settings.Telemetry.OTLPEndpoint,
		SampleRate:     settings.Telemetry.SampleRate,
		Enabled:        settings.Telemetry.Enabled,
		Insecure:       settings.Telemetry.Insecure,
	}, logger)
	if err != nil {
		return nil, err
	}

	payloads, err := payload.NewFileStore(settings.PayloadStore.BasePath)
	if err != nil {
		provider.Shutdown(ctx)
		return nil, err
	}
	ls, err := landscape.Open(settings.Landscape.Path, payloads, landscape.WithLogger(logger))
	if err != nil {
		provider.Shutdown(ctx)
		return nil, err
	}

	return &assembly{
		settings: settings,
		raw:      raw,
		graph:    graph,
		bound:    bound,
		ls:       ls,
		provider: provider,
	}, nil
}

// orchestrator builds the engine over the assembly, wiring end-of-run audit
// export when settings enable it.
func (a *assembly) orchestrator(logger *slog.Logger, stdout io.Writer) (*engine.Orchestrator, error) {
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithTracer(a.provider.Tracer()),
	}
	if a.settings.Landscape.Export.Enabled {
		w := stdout
		if path := a.settings.Landscape.Export.Path; path != "" {
			f, err := os.Create(path)
			if err != nil {
				return nil, fmt.Errorf("open export target: %w", err)
			}
			a.exportFile = f
			w = f
		}
		opts = append(opts, engine.WithExport(a.settings.Landscape.Export.Sink, w))
	}
	return engine.New(a.graph, a.ls, a.bound, a.raw, opts...)
}

func (a *assembly) close(ctx context.Context, logger *slog.Logger) {
	if a.exportFile != nil {
		if err := a.exportFile.Close(); err != nil {
			logger.Error("export file close failed", "error", err)
		}
	}
	if err := a.ls.Close(); err != nil {
		logger.Error("landscape close failed", "error", err)
	}
	a.provider.Shutdown(ctx)
}

func reportSummary(w io.Writer, report *engine.Report) {
	fmt.Fprintf(w, "run %s: %s (%d processed, %d quarantined, %d skipped)\n",
		report.RunID, report.Status,
		report.RowsProcessed, report.RowsQuarantined, report.RowsSkipped)
}
