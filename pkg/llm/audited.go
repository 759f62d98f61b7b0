package llm

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/elspeth-io/elspeth/pkg/canonicalize"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// AuditedClient wraps a Client so that no response can influence the
// pipeline without an audit row. The sequence is fixed: hash the request,
// allocate a call index, dispatch, record the call, then emit telemetry.
// A failed recording discards the response; a failed telemetry emit is
// logged and ignored.
type AuditedClient struct {
	inner Client
	clock func() time.Time

	callCounter   metric.Int64Counter
	latencyMillis metric.Float64Histogram
}

// AuditedOption configures an AuditedClient.
type AuditedOption func(*AuditedClient)

// WithAuditedClock overrides latency timing for tests.
func WithAuditedClock(clock func() time.Time) AuditedOption {
	return func(a *AuditedClient) { a.clock = clock }
}

// WithMeter installs call telemetry instruments.
func WithMeter(meter metric.Meter) AuditedOption {
	return func(a *AuditedClient) {
		a.callCounter, _ = meter.Int64Counter("llm.calls",
			metric.WithDescription("audited LLM calls by status"))
		a.latencyMillis, _ = meter.Float64Histogram("llm.call.latency",
			metric.WithDescription("LLM call latency"), metric.WithUnit("ms"))
	}
}

// NewAuditedClient wraps inner.
func NewAuditedClient(inner Client, opts ...AuditedOption) *AuditedClient {
	a := &AuditedClient{inner: inner, clock: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Chat performs one audited call attributed through pc. The returned
// response is only valid when the audit row was written.
func (a *AuditedClient) Chat(ctx context.Context, pc *contracts.PluginContext, req Request) (*Response, error) {
	if pc == nil || pc.Calls == nil {
		return nil, &contracts.OrchestrationInvariantError{
			Message: "audited LLM call without a call auditor",
		}
	}

	requestData := canonicalRequest(req)
	requestHash, err := canonicalize.StableHash(requestData)
	if err != nil {
		return nil, fmt.Errorf("llm: hash request: %w", err)
	}

	callIndex, err := pc.Calls.AllocateCallIndex(ctx, pc.StateID)
	if err != nil {
		return nil, fmt.Errorf("llm: allocate call index: %w", err)
	}

	started := a.clock()
	resp, callErr := a.inner.Chat(ctx, req)
	latency := float64(a.clock().Sub(started)) / float64(time.Millisecond)

	rec := contracts.CallRecord{
		StateID:     pc.StateID,
		OperationID: pc.OperationID,
		CallIndex:   callIndex,
		CallType:    contracts.CallLLM,
		RequestData: requestData,
		LatencyMS:   latency,
	}
	if callErr != nil {
		rec.Status = contracts.CallError
		rec.Error = map[string]any{
			"error_type": fmt.Sprintf("%T", callErr),
			"error":      callErr.Error(),
			"retryable":  contracts.IsRetryable(callErr),
		}
	} else {
		rec.Status = contracts.CallSuccess
		rec.ResponseData = map[string]any{
			"content": resp.Content,
			"model":   resp.Model,
			"usage": map[string]any{
				"prompt_tokens":     resp.Usage.PromptTokens,
				"completion_tokens": resp.Usage.CompletionTokens,
			},
		}
	}

	if _, recErr := pc.Calls.RecordCall(ctx, rec); recErr != nil {
		// Without the audit row the response is unusable; the dispatch
		// already happened, so surface the recording failure, not callErr.
		return nil, fmt.Errorf("llm: record call (request %s): %w", requestHash, recErr)
	}

	a.emitTelemetry(ctx, pc, rec, latency)

	if callErr != nil {
		return nil, callErr
	}
	return resp, nil
}

func (a *AuditedClient) emitTelemetry(ctx context.Context, pc *contracts.PluginContext, rec contracts.CallRecord, latency float64) {
	defer func() {
		if r := recover(); r != nil {
			pc.Log().Warn("llm telemetry emit failed", "panic", r)
		}
	}()
	attrs := metric.WithAttributes(
		attribute.String("node_id", pc.NodeID),
		attribute.String("status", string(rec.Status)),
	)
	if a.callCounter != nil {
		a.callCounter.Add(ctx, 1, attrs)
	}
	if a.latencyMillis != nil {
		a.latencyMillis.Record(ctx, latency, attrs)
	}
}

// RequestHash exposes the canonical request hash for callers that need it
// ahead of dispatch (replay lookups).
func RequestHash(req Request) (string, error) {
	return canonicalize.StableHash(canonicalRequest(req))
}
