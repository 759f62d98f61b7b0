// Package plugins binds the built-in plugin catalog to pipeline
// settings: the registry maps plugin names to factories, and
// BuildPipeline derives the execution graph plus the node-to-instance
// bindings the engine runs.
package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/llm"
	"github.com/elspeth-io/elspeth/pkg/plugins/batching"
	"github.com/elspeth-io/elspeth/pkg/plugins/gates"
	"github.com/elspeth-io/elspeth/pkg/plugins/sinks"
	"github.com/elspeth-io/elspeth/pkg/plugins/sources"
	"github.com/elspeth-io/elspeth/pkg/plugins/transforms"
	"github.com/elspeth-io/elspeth/pkg/pool"
	"github.com/elspeth-io/elspeth/pkg/security"
)

// Runtime carries the shared infrastructure factories may need: the
// endpoint allowlist, the pooled-executor tuning, and the logger.
type Runtime struct {
	Logger    *slog.Logger
	Endpoints *security.Allowlist
	Pool      pool.Config
	RateLimit config.RateLimitSettings
}

type (
	SourceFactory      func(rt Runtime, cfg config.SourceSettings) (contracts.SourcePlugin, error)
	TransformFactory   func(rt Runtime, options map[string]any) (contracts.TransformPlugin, error)
	GateFactory        func(rt Runtime, options map[string]any) (contracts.GatePlugin, error)
	AggregationFactory func(rt Runtime, options map[string]any) (contracts.AggregationPlugin, error)
	CoalesceFactory    func(rt Runtime, options map[string]any) (contracts.CoalescePlugin, error)
	SinkFactory        func(rt Runtime, options map[string]any) (contracts.SinkPlugin, error)
)

// Registry maps plugin names to factories.
type Registry struct {
	sources      map[string]SourceFactory
	transforms   map[string]TransformFactory
	gates        map[string]GateFactory
	aggregations map[string]AggregationFactory
	coalesces    map[string]CoalesceFactory
	sinks        map[string]SinkFactory
}

// NewRegistry returns a registry preloaded with the built-in catalog.
func NewRegistry() *Registry {
	r := &Registry{
		sources:      map[string]SourceFactory{},
		transforms:   map[string]TransformFactory{},
		gates:        map[string]GateFactory{},
		aggregations: map[string]AggregationFactory{},
		coalesces:    map[string]CoalesceFactory{},
		sinks:        map[string]SinkFactory{},
	}

	r.RegisterSource("csv", func(rt Runtime, cfg config.SourceSettings) (contracts.SourcePlugin, error) {
		return sources.NewCSV(cfg.Options, cfg.OnValidationFailure, cfg.QuarantineSink)
	})

	r.RegisterTransform("field_mapper", func(rt Runtime, options map[string]any) (contracts.TransformPlugin, error) {
		return transforms.NewFieldMapper(options)
	})
	r.RegisterTransform("llm", newLLMTransform)

	r.RegisterGate("cel", func(rt Runtime, options map[string]any) (contracts.GatePlugin, error) {
		return gates.NewCEL(options)
	})
	r.RegisterGate("fork", func(rt Runtime, options map[string]any) (contracts.GatePlugin, error) {
		return gates.NewFork(options)
	})

	r.RegisterAggregation("batch", func(rt Runtime, options map[string]any) (contracts.AggregationPlugin, error) {
		return batching.NewBatch(options)
	})
	r.RegisterCoalesce("union", func(rt Runtime, options map[string]any) (contracts.CoalescePlugin, error) {
		return batching.NewUnion(options)
	})

	r.RegisterSink("csv", func(rt Runtime, options map[string]any) (contracts.SinkPlugin, error) {
		return sinks.NewCSV(options)
	})
	r.RegisterSink("jsonl", func(rt Runtime, options map[string]any) (contracts.SinkPlugin, error) {
		return sinks.NewJSONL(options)
	})
	r.RegisterSink("json", func(rt Runtime, options map[string]any) (contracts.SinkPlugin, error) {
		return sinks.NewJSONArray(options)
	})

	return r
}

func (r *Registry) RegisterSource(name string, f SourceFactory)           { r.sources[name] = f }
func (r *Registry) RegisterTransform(name string, f TransformFactory)     { r.transforms[name] = f }
func (r *Registry) RegisterGate(name string, f GateFactory)               { r.gates[name] = f }
func (r *Registry) RegisterAggregation(name string, f AggregationFactory) { r.aggregations[name] = f }
func (r *Registry) RegisterCoalesce(name string, f CoalesceFactory)       { r.coalesces[name] = f }
func (r *Registry) RegisterSink(name string, f SinkFactory)               { r.sinks[name] = f }

func unknown(kind, name string) error {
	return &contracts.PluginConfigError{Plugin: name, Message: fmt.Sprintf("no %s plugin registered under this name", kind)}
}

// providerOptions selects and configures the chat client behind the llm
// transform. The "static" provider answers every request with a fixed
// response; strict security mode refuses it.
type providerOptions struct {
	Name      string `json:"name"`
	BaseURL   string `json:"base_url"`
	APIKeyEnv string `json:"api_key_env"`
	Response  string `json:"response"`
}

func newLLMTransform(rt Runtime, options map[string]any) (contracts.TransformPlugin, error) {
	pcfg := providerOptions{Name: "openai", APIKeyEnv: "OPENAI_API_KEY"}
	transformOpts := make(map[string]any, len(options))
	for k, v := range options {
		if k == "provider" {
			m, ok := v.(map[string]any)
			if !ok {
				return nil, &contracts.PluginConfigError{Plugin: "llm", Message: "provider must be a mapping"}
			}
			if err := contracts.DecodeConfig("llm", m, &pcfg); err != nil {
				return nil, err
			}
			continue
		}
		transformOpts[k] = v
	}

	client, err := buildClient(rt, pcfg)
	if err != nil {
		return nil, err
	}
	return transforms.NewLLM(transformOpts, client, rt.Pool)
}

func buildClient(rt Runtime, pcfg providerOptions) (llm.Client, error) {
	switch pcfg.Name {
	case "static":
		return staticClient{response: pcfg.Response}, nil
	case "openai":
		if pcfg.BaseURL != "" && rt.Endpoints != nil {
			if err := rt.Endpoints.Validate(pcfg.BaseURL); err != nil {
				return nil, err
			}
		}
		key, _, err := security.EnvLoader{}.GetSecret(context.Background(), pcfg.APIKeyEnv)
		if err != nil {
			return nil, &contracts.PluginConfigError{Plugin: "llm", Message: fmt.Sprintf("api key: %v", err)}
		}
		opts := []llm.OpenAIOption{
			llm.WithRateLimit(rt.RateLimit.RequestsPerSecond, rt.RateLimit.Burst),
		}
		if pcfg.BaseURL != "" {
			opts = append(opts, llm.WithBaseURL(pcfg.BaseURL))
		}
		return llm.NewOpenAIClient(key, opts...), nil
	}
	return nil, &contracts.PluginConfigError{Plugin: "llm", Message: fmt.Sprintf("unknown provider %q", pcfg.Name)}
}

// staticClient is the development provider: every chat returns the
// configured response.
type staticClient struct {
	response string
}

func (c staticClient) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: c.response, Model: req.Model}, nil
}

// poolConfig derives the executor tuning from settings.
func poolConfig(s *config.Settings) pool.Config {
	return pool.Config{
		Workers:           s.Concurrency.MaxWorkers,
		MaxPending:        s.Concurrency.MaxPending,
		MinDispatchDelay:  time.Duration(s.RateLimit.MinGapMS) * time.Millisecond,
		MaxCapacityRetry:  time.Duration(s.Retry.MaxCapacityRetrySeconds * float64(time.Second)),
		InitialRetryDelay: time.Duration(s.Retry.InitialBackoffMS) * time.Millisecond,
	}
}

// Descriptors lists the configured plugin surface for strict-mode
// security validation.
func Descriptors(s *config.Settings) []security.PluginDescriptor {
	descriptors := []security.PluginDescriptor{{
		Kind:          "source",
		Name:          s.Source.Plugin,
		SecurityLevel: s.Source.SecurityLevel,
	}}
	for _, tr := range s.Transforms {
		if tr.Plugin != "llm" {
			continue
		}
		name := "openai"
		if m, ok := tr.Options["provider"].(map[string]any); ok {
			if n, ok := m["name"].(string); ok && n != "" {
				name = n
			}
		}
		descriptors = append(descriptors, security.PluginDescriptor{
			Kind:          "llm",
			Name:          name,
			SecurityLevel: tr.SecurityLevel,
		})
	}
	for _, name := range sortedSinkNames(s.Sinks) {
		descriptors = append(descriptors, security.PluginDescriptor{
			Kind:          "sink",
			Name:          s.Sinks[name].Plugin,
			SecurityLevel: s.Sinks[name].SecurityLevel,
		})
	}
	return descriptors
}
