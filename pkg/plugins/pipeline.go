package plugins

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/dag"
	"github.com/elspeth-io/elspeth/pkg/engine"
	"github.com/elspeth-io/elspeth/pkg/security"
)

// sourceNodeID is the fixed node id of the single source.
const sourceNodeID = "source"

// BuildPipeline derives the execution graph from validated settings and
// instantiates every plugin. The chain runs source, transforms and
// gates in document order, aggregations, then the default sink; gate
// routes add MOVE edges to their sinks, forking gates add COPY edges
// into their coalesce, error policies add DIVERT edges to error sinks,
// and a configured quarantine sink hangs off the source on the
// quarantine label. Configured sinks nothing references are skipped
// with a warning.
func BuildPipeline(settings *config.Settings, reg *Registry, logger *slog.Logger) (*dag.Graph, engine.Plugins, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mode, err := security.ParseMode(settings.Security.Mode)
	if err != nil {
		return nil, engine.Plugins{}, err
	}
	allowlist, err := security.NewAllowlist(mode, settings.Security.ApprovedEndpoints, logger)
	if err != nil {
		return nil, engine.Plugins{}, err
	}
	rt := Runtime{
		Logger:    logger,
		Endpoints: allowlist,
		Pool:      poolConfig(settings),
		RateLimit: settings.RateLimit,
	}
	bound := engine.Plugins{
		Sources:      map[string]contracts.SourcePlugin{},
		Transforms:   map[string]contracts.TransformPlugin{},
		Gates:        map[string]contracts.GatePlugin{},
		Aggregations: map[string]contracts.AggregationPlugin{},
		Coalesces:    map[string]contracts.CoalescePlugin{},
		Sinks:        map[string]contracts.SinkPlugin{},
	}
	builder := dag.NewBuilder()
	referenced := map[string]bool{}

	sourceFactory, ok := reg.sources[settings.Source.Plugin]
	if !ok {
		return nil, bound, unknown("source", settings.Source.Plugin)
	}
	src, err := sourceFactory(rt, settings.Source)
	if err != nil {
		return nil, bound, err
	}
	sourceConfig := copyOptions(settings.Source.Options)
	if c := src.OutputSchema(); c != nil {
		sourceConfig["schema_mode"] = string(c.Mode)
	}
	builder.AddNode(dag.NodeSpec{
		NodeID:        sourceNodeID,
		PluginName:    settings.Source.Plugin,
		NodeType:      contracts.NodeSource,
		PluginVersion: src.PluginVersion(),
		Determinism:   src.Determinism(),
		Config:        sourceConfig,
	})
	bound.Sources[sourceNodeID] = src

	coalesceSettings := make(map[string]config.CoalesceSettings, len(settings.Coalesce))
	for _, c := range settings.Coalesce {
		coalesceSettings[c.Name] = c
	}
	addedCoalesce := map[string]bool{}

	prev := sourceNodeID
	for _, tr := range settings.Transforms {
		onError := contracts.ErrorPolicyRaise
		if tr.OnError != "" {
			onError, err = contracts.ParseErrorPolicy(tr.OnError)
			if err != nil {
				return nil, bound, &contracts.PluginConfigError{Plugin: tr.Name, Message: err.Error()}
			}
		}
		if len(tr.Routes) > 0 && len(tr.ForkTo) > 0 {
			return nil, bound, &contracts.PluginConfigError{Plugin: tr.Name, Message: "routes and fork_to are mutually exclusive"}
		}

		isGate := len(tr.Routes) > 0 || len(tr.ForkTo) > 0
		if isGate {
			options := tr.Options
			if tr.Plugin == "fork" {
				options = copyOptions(options)
				options["paths"] = tr.ForkTo
			}
			factory, ok := reg.gates[tr.Plugin]
			if !ok {
				return nil, bound, unknown("gate", tr.Plugin)
			}
			gate, err := factory(rt, options)
			if err != nil {
				return nil, bound, err
			}
			builder.AddNode(dag.NodeSpec{
				NodeID:        tr.Name,
				PluginName:    tr.Plugin,
				NodeType:      contracts.NodeGate,
				PluginVersion: gate.PluginVersion(),
				Determinism:   gate.Determinism(),
				Config:        tr.Options,
				OnError:       onError,
			})
			bound.Gates[tr.Name] = gate
			builder.Connect(prev, tr.Name, contracts.LabelContinue, contracts.EdgeMove)

			for _, label := range sortedKeys(tr.Routes) {
				sink := tr.Routes[label]
				builder.Connect(tr.Name, sink, label, contracts.EdgeMove)
				referenced[sink] = true
			}
			if onError == contracts.ErrorPolicyRoute {
				builder.Connect(tr.Name, tr.ErrorSink, contracts.ErrorLabel(0), contracts.EdgeDivert)
				referenced[tr.ErrorSink] = true
			}

			if len(tr.ForkTo) > 0 {
				for _, path := range tr.ForkTo {
					builder.Connect(tr.Name, tr.MergeInto, path, contracts.EdgeCopy)
				}
				if !addedCoalesce[tr.MergeInto] {
					cs, ok := coalesceSettings[tr.MergeInto]
					if !ok {
						return nil, bound, &contracts.PluginConfigError{Plugin: tr.Name, Message: fmt.Sprintf("merge_into %q is not configured", tr.MergeInto)}
					}
					factory, ok := reg.coalesces[cs.Plugin]
					if !ok {
						return nil, bound, unknown("coalesce", cs.Plugin)
					}
					coalesce, err := factory(rt, cs.Options)
					if err != nil {
						return nil, bound, err
					}
					builder.AddNode(dag.NodeSpec{
						NodeID:        cs.Name,
						PluginName:    cs.Plugin,
						NodeType:      contracts.NodeCoalesce,
						PluginVersion: coalesce.PluginVersion(),
						Determinism:   coalesce.Determinism(),
						Config:        cs.Options,
					})
					bound.Coalesces[cs.Name] = coalesce
					addedCoalesce[tr.MergeInto] = true
				}
				prev = tr.MergeInto
			} else {
				prev = tr.Name
			}
			continue
		}

		factory, ok := reg.transforms[tr.Plugin]
		if !ok {
			return nil, bound, unknown("transform", tr.Plugin)
		}
		transform, err := factory(rt, tr.Options)
		if err != nil {
			return nil, bound, err
		}
		builder.AddNode(dag.NodeSpec{
			NodeID:        tr.Name,
			PluginName:    tr.Plugin,
			NodeType:      contracts.NodeTransform,
			PluginVersion: transform.PluginVersion(),
			Determinism:   transform.Determinism(),
			Config:        tr.Options,
			OnError:       onError,
		})
		bound.Transforms[tr.Name] = transform
		builder.Connect(prev, tr.Name, contracts.LabelContinue, contracts.EdgeMove)
		if onError == contracts.ErrorPolicyRoute {
			builder.Connect(tr.Name, tr.ErrorSink, contracts.ErrorLabel(0), contracts.EdgeDivert)
			referenced[tr.ErrorSink] = true
		}
		prev = tr.Name
	}

	for _, agg := range settings.Aggregations {
		factory, ok := reg.aggregations[agg.Plugin]
		if !ok {
			return nil, bound, unknown("aggregation", agg.Plugin)
		}
		aggregation, err := factory(rt, agg.Options)
		if err != nil {
			return nil, bound, err
		}
		builder.AddNode(dag.NodeSpec{
			NodeID:        agg.Name,
			PluginName:    agg.Plugin,
			NodeType:      contracts.NodeAggregation,
			PluginVersion: aggregation.PluginVersion(),
			Determinism:   aggregation.Determinism(),
			Config:        agg.Options,
		})
		bound.Aggregations[agg.Name] = aggregation
		builder.Connect(prev, agg.Name, contracts.LabelContinue, contracts.EdgeMove)
		prev = agg.Name
	}

	builder.Connect(prev, settings.DefaultSink, contracts.LabelContinue, contracts.EdgeMove)
	referenced[settings.DefaultSink] = true

	if settings.Source.QuarantineSink != "" {
		builder.Connect(sourceNodeID, settings.Source.QuarantineSink, contracts.LabelQuarantine, contracts.EdgeDivert)
		referenced[settings.Source.QuarantineSink] = true
	}

	for _, name := range sortedSinkNames(settings.Sinks) {
		if !referenced[name] {
			logger.Warn("sink configured but never referenced, skipping", "sink", name)
			continue
		}
		ss := settings.Sinks[name]
		factory, ok := reg.sinks[ss.Plugin]
		if !ok {
			return nil, bound, unknown("sink", ss.Plugin)
		}
		sink, err := factory(rt, ss.Options)
		if err != nil {
			return nil, bound, err
		}
		builder.AddNode(dag.NodeSpec{
			NodeID:        name,
			PluginName:    ss.Plugin,
			NodeType:      contracts.NodeSink,
			PluginVersion: sink.PluginVersion(),
			Determinism:   sink.Determinism(),
			Config:        ss.Options,
		})
		bound.Sinks[name] = sink
	}

	graph, err := builder.Build()
	if err != nil {
		return nil, bound, err
	}
	return graph, bound, nil
}

func copyOptions(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSinkNames(m map[string]config.SinkSettings) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
