package contracts

// ResultStatus is the outcome of a single transform or gate invocation.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// TransformResult is the typed return of a transform invocation. Success
// carries the (possibly modified) row and a structured "what did I add?"
// reason; error carries a structured "why did I fail?" reason.
type TransformResult struct {
	Status        ResultStatus
	Row           map[string]any
	SuccessReason map[string]any
	ErrorReason   map[string]any
	Retryable     bool
}

// TransformSuccess builds a success result.
func TransformSuccess(row map[string]any, reason map[string]any) TransformResult {
	return TransformResult{Status: ResultSuccess, Row: row, SuccessReason: deepCopyMap(reason)}
}

// TransformError builds an error result with a structured reason.
func TransformError(reason map[string]any, retryable bool) TransformResult {
	return TransformResult{Status: ResultError, ErrorReason: deepCopyMap(reason), Retryable: retryable}
}

// RoutingKind is what a gate decided to do with a token.
type RoutingKind string

const (
	RouteContinue    RoutingKind = "CONTINUE"
	RouteTo          RoutingKind = "ROUTE"
	RouteForkToPaths RoutingKind = "FORK_TO_PATHS"
)

// RoutingAction is the routing decision attached to a gate result. The
// reason map is deep-copied at construction so later caller mutation cannot
// leak into frozen audit records.
type RoutingAction struct {
	Kind         RoutingKind
	Mode         EdgeMode
	Destinations []string
	Reason       map[string]any
}

// Continue keeps the token on the default edge.
func Continue() RoutingAction {
	return RoutingAction{Kind: RouteContinue, Mode: EdgeMove, Destinations: []string{LabelContinue}}
}

// Route moves the token down a single named edge.
func Route(label string, reason map[string]any) RoutingAction {
	return RoutingAction{
		Kind:         RouteTo,
		Mode:         EdgeMove,
		Destinations: []string{label},
		Reason:       deepCopyMap(reason),
	}
}

// ForkToPaths duplicates the token down every named path.
func ForkToPaths(labels []string, reason map[string]any) RoutingAction {
	dests := make([]string, len(labels))
	copy(dests, labels)
	return RoutingAction{
		Kind:         RouteForkToPaths,
		Mode:         EdgeCopy,
		Destinations: dests,
		Reason:       deepCopyMap(reason),
	}
}

// GateResult is the typed return of a gate invocation.
type GateResult struct {
	TransformResult
	Action RoutingAction
}

// PendingOutcome carries a precomputed terminal outcome for a sink-bound
// token; the sink executor records it after durable flush.
type PendingOutcome struct {
	Outcome   Outcome
	SinkName  string
	ErrorHash string
}

// ArtifactDescriptor describes a durable output produced by a sink.
type ArtifactDescriptor struct {
	PathOrURI      string
	ArtifactType   string
	ContentHash    string
	SizeBytes      int64
	IdempotencyKey string
}

// OutputValidationResult is a sink's verdict on its external target during
// resume validation.
type OutputValidationResult struct {
	Valid   bool
	Message string
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
