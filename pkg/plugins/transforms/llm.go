package transforms

import (
	"context"
	"fmt"
	"regexp"

	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/llm"
	"github.com/elspeth-io/elspeth/pkg/pool"
)

type llmOptions struct {
	Model        string  `json:"model"`
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt"`
	OutputField  string  `json:"output_field"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	Seed         int64   `json:"seed"`
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// LLM enriches rows through the audited chat client. Prompts are
// templates over row fields ("summarize {{name}}: {{value}}"); each call
// runs through the pooled retry executor so transient provider failures
// back off and permanent ones fail the row immediately.
type LLM struct {
	client   *llm.AuditedClient
	executor *pool.Executor[*llm.Response]

	model        string
	prompt       string
	systemPrompt string
	outputField  string
	temperature  float64
	maxTokens    int
	seed         int64
}

// NewLLM wraps client with auditing and the pooled executor. The caller
// picks the provider; the transform only ever sees the Client interface.
func NewLLM(options map[string]any, client llm.Client, poolCfg pool.Config) (*LLM, error) {
	var cfg llmOptions
	if err := contracts.DecodeConfig("llm", options, &cfg); err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		return nil, &contracts.PluginConfigError{Plugin: "llm", Message: "model is required"}
	}
	if cfg.Prompt == "" {
		return nil, &contracts.PluginConfigError{Plugin: "llm", Message: "prompt is required"}
	}
	if cfg.OutputField == "" {
		cfg.OutputField = "llm_response"
	}
	return &LLM{
		client:       llm.NewAuditedClient(client),
		executor:     pool.NewExecutor[*llm.Response](poolCfg),
		model:        cfg.Model,
		prompt:       cfg.Prompt,
		systemPrompt: cfg.SystemPrompt,
		outputField:  cfg.OutputField,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		seed:         cfg.Seed,
	}, nil
}

func (t *LLM) Name() string                       { return "llm" }
func (t *LLM) PluginVersion() string              { return "1.0.0" }
func (t *LLM) Determinism() contracts.Determinism { return contracts.Nondeterministic }

func (t *LLM) Process(ctx context.Context, pc *contracts.PluginContext, row map[string]any) contracts.TransformResult {
	prompt, err := t.render(row)
	if err != nil {
		return contracts.TransformError(map[string]any{
			"error_type": "missing_field",
			"error":      err.Error(),
		}, false)
	}

	messages := make([]llm.Message, 0, 2)
	if t.systemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: t.systemPrompt})
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt})
	req := llm.Request{
		Model:       t.model,
		Messages:    messages,
		Temperature: t.temperature,
		MaxTokens:   t.maxTokens,
		Seed:        t.seed,
	}

	results, err := t.executor.Map(ctx, []pool.Task[*llm.Response]{
		func(taskCtx context.Context) (*llm.Response, error) {
			return t.client.Chat(taskCtx, pc, req)
		},
	})
	if err != nil {
		return contracts.TransformError(map[string]any{
			"error_type": "execution",
			"error":      err.Error(),
		}, false)
	}
	result := results[0]
	if result.Failed() {
		return contracts.TransformError(result.Reason, false)
	}

	out := make(map[string]any, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	out[t.outputField] = result.Value.Content
	return contracts.TransformSuccess(out, map[string]any{
		"model":             result.Value.Model,
		"prompt_tokens":     result.Value.Usage.PromptTokens,
		"completion_tokens": result.Value.Usage.CompletionTokens,
		"attempts":          result.Attempts,
	})
}

// render substitutes {{field}} placeholders with row values.
func (t *LLM) render(row map[string]any) (string, error) {
	var missing string
	rendered := placeholderPattern.ReplaceAllStringFunc(t.prompt, func(match string) string {
		field := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := row[field]
		if !ok {
			if missing == "" {
				missing = field
			}
			return match
		}
		return fmt.Sprintf("%v", value)
	})
	if missing != "" {
		return "", fmt.Errorf("prompt references field %q not present in row", missing)
	}
	return rendered, nil
}
