package llm

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// The provider error taxonomy. Retry eligibility is a property of the
// error type, decided once at classification; nothing downstream matches
// on message strings.

// ContentPolicyError is a provider refusal. Permanent: the same prompt
// gets the same refusal.
type ContentPolicyError struct {
	Message string
}

func (e *ContentPolicyError) Error() string {
	return "content policy refusal: " + e.Message
}

func (e *ContentPolicyError) Retryable() bool { return false }

// ContextLengthError means the prompt exceeds the model window. Permanent.
type ContextLengthError struct {
	Message string
}

func (e *ContextLengthError) Error() string {
	return "context length exceeded: " + e.Message
}

func (e *ContextLengthError) Retryable() bool { return false }

// AuthError covers 401/403. Permanent: retrying bad credentials only
// burns quota.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (status %d)", e.StatusCode)
}

func (e *AuthError) Retryable() bool { return false }

// RequestError is any other client-side rejection. Permanent.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request rejected (status %d): %s", e.StatusCode, e.Message)
}

func (e *RequestError) Retryable() bool { return false }

// TransportError wraps network and timeout failures. Retryable: the
// request may never have reached the provider.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport failure: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Retryable() bool { return true }

// ResultNotFoundError means a batch response omitted a submitted custom
// id. Permanent for the affected row only.
type ResultNotFoundError struct {
	CustomID string
}

func (e *ResultNotFoundError) Error() string {
	return fmt.Sprintf("batch result missing for custom_id %q", e.CustomID)
}

func (e *ResultNotFoundError) Retryable() bool { return false }

// classifyStatus maps an HTTP status and body excerpt onto the taxonomy.
func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{StatusCode: status}
	case status == http.StatusTooManyRequests || status >= 500:
		return &contracts.CapacityError{StatusCode: status, Message: truncate(body, 200)}
	case status == http.StatusBadRequest && strings.Contains(body, "context_length"):
		return &ContextLengthError{Message: truncate(body, 200)}
	case status == http.StatusBadRequest && strings.Contains(body, "content_policy"):
		return &ContentPolicyError{Message: truncate(body, 200)}
	default:
		return &RequestError{StatusCode: status, Message: truncate(body, 200)}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
