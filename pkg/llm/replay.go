package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/landscape"
	"github.com/elspeth-io/elspeth/pkg/payload"
)

// ReplayMissError means the source run never made this request: the
// pipeline is not deterministic with respect to the recorded run.
type ReplayMissError struct {
	RunID       string
	RequestHash string
}

func (e *ReplayMissError) Error() string {
	return fmt.Sprintf("replay miss: run %s never recorded request %s", e.RunID, e.RequestHash)
}

// ReplayPayloadMissingError means the call row exists but its response
// payload was purged from the payload store.
type ReplayPayloadMissingError struct {
	RunID       string
	CallID      string
	PayloadHash string
}

func (e *ReplayPayloadMissingError) Error() string {
	return fmt.Sprintf("replay payload missing: call %s of run %s references purged payload %s",
		e.CallID, e.RunID, e.PayloadHash)
}

// Replayer satisfies Client from a recorded run: requests are answered
// from the landscape by canonical request hash, never from a provider.
type Replayer struct {
	landscape *landscape.Landscape
	runID     string

	mu    sync.Mutex
	cache map[string]*Response
}

// NewReplayer builds a replayer over one recorded run.
func NewReplayer(l *landscape.Landscape, runID string) *Replayer {
	return &Replayer{
		landscape: l,
		runID:     runID,
		cache:     make(map[string]*Response),
	}
}

func (r *Replayer) Chat(ctx context.Context, req Request) (*Response, error) {
	requestHash, err := RequestHash(req)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	cached, hit := r.cache[requestHash]
	r.mu.Unlock()
	if hit {
		out := *cached
		return &out, nil
	}

	call, err := r.landscape.FindCallByRequestHash(ctx, r.runID, contracts.CallLLM, requestHash)
	if err != nil {
		return nil, err
	}
	if call == nil {
		return nil, &ReplayMissError{RunID: r.runID, RequestHash: requestHash}
	}

	if call.Status == contracts.CallError {
		// The recorded run failed here too; replay reproduces the failure.
		var details map[string]any
		if call.ErrorJSON != "" {
			_ = json.Unmarshal([]byte(call.ErrorJSON), &details)
		}
		return nil, &RequestError{Message: fmt.Sprintf("recorded call failed: %v", details["error"])}
	}

	if call.ResponseHash == "" {
		return nil, &contracts.AuditIntegrityError{
			Entity: "call", ID: call.CallID,
			Message: "SUCCESS call without response_hash",
		}
	}
	data, err := r.landscape.Payloads().Get(ctx, call.ResponseHash)
	if err != nil {
		if errors.Is(err, payload.ErrNotFound) {
			return nil, &ReplayPayloadMissingError{
				RunID: r.runID, CallID: call.CallID, PayloadHash: call.ResponseHash,
			}
		}
		return nil, err
	}

	var stored struct {
		Content string `json:"content"`
		Model   string `json:"model"`
		Usage   struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("llm: decode recorded response: %w", err)
	}
	resp := &Response{
		Content: stored.Content,
		Model:   stored.Model,
		Usage: Usage{
			PromptTokens:     stored.Usage.PromptTokens,
			CompletionTokens: stored.Usage.CompletionTokens,
		},
	}

	r.mu.Lock()
	r.cache[requestHash] = resp
	r.mu.Unlock()

	out := *resp
	return &out, nil
}
