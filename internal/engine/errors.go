package engine

import (
	"errors"
	"fmt"

	"github.com/lazypower/mnemos/internal/federation"
	"github.com/lazypower/mnemos/internal/retrieval"
	"github.com/lazypower/mnemos/internal/store"
)

var (
	// ErrValidation marks a malformed shard, query or feedback.
	ErrValidation = errors.New("validation failed")
	// ErrPolicyDenied marks an action the policy gate refused.
	ErrPolicyDenied = errors.New("policy denied")
	// ErrBackendUnavailable marks a single degraded backend. It is reported,
	// never returned from a recall.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrRetrievalUnavailable is returned when every retrieval backend failed.
	ErrRetrievalUnavailable = retrieval.ErrUnavailable
	// ErrPeerTimeout is reported per peer in federated recalls.
	ErrPeerTimeout = federation.ErrPeerTimeout

	ErrNotFound  = store.ErrNotFound
	ErrDuplicate = store.ErrDuplicate
)

// CodeEmptyResult is set on a recall response when nothing survived
// retrieval and policy masking.
const CodeEmptyResult = "empty_result"

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// PolicyDeniedError carries the gate's reason back to the caller.
type PolicyDeniedError struct {
	Action string
	Rule   string
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	if e.Reason == "" {
		return "policy denied " + e.Action
	}
	return fmt.Sprintf("policy denied %s: %s", e.Action, e.Reason)
}

func (e *PolicyDeniedError) Unwrap() error { return ErrPolicyDenied }

// Code maps an error onto the external error taxonomy.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPolicyDenied):
		return "policy_denied"
	case errors.Is(err, ErrRetrievalUnavailable):
		return "retrieval_unavailable"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrPeerTimeout):
		return "peer_timeout"
	default:
		return "internal"
	}
}
