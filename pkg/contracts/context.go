package contracts

import (
	"context"
	"log/slog"

	"github.com/elspeth-io/elspeth/pkg/schema"
)

// CallRecord is the audit payload for one external call.
type CallRecord struct {
	StateID      string
	OperationID  string
	CallIndex    int
	CallType     CallType
	Status       CallStatus
	RequestData  any
	ResponseData any
	Error        map[string]any
	LatencyMS    float64
}

// CallAuditor is the narrow landscape surface plugins use to record
// external calls. Call indices are allocated only by the auditor; callers
// may never supply their own.
type CallAuditor interface {
	AllocateCallIndex(ctx context.Context, stateID string) (int, error)
	RecordCall(ctx context.Context, rec CallRecord) (callID string, err error)
}

// PluginContext carries per-invocation execution context into plugins.
// Exactly one of StateID and OperationID is set when calls are recorded;
// the landscape enforces the XOR at the schema level.
type PluginContext struct {
	RunID       string
	NodeID      string
	StateID     string
	OperationID string
	Config      map[string]any
	Contract    *schema.Contract
	Calls       CallAuditor
	Logger      *slog.Logger
}

// Log returns the context logger, defaulting to slog.Default.
func (pc *PluginContext) Log() *slog.Logger {
	if pc == nil || pc.Logger == nil {
		return slog.Default()
	}
	return pc.Logger
}

// ClearStateID removes a stale state binding before an operation block. A
// context carrying both a state and an operation would violate the call
// attribution XOR.
func (pc *PluginContext) ClearStateID() {
	pc.StateID = ""
}
