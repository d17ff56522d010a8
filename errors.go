package icagent

import (
	"context"
	"errors"
	"fmt"

	"github.com/nustiueudinastea/icagent/certification"
)

// ErrorKind classifies engine failures orthogonally to the transport: it
// decides whether an operation is retried, triggers a time sync, or is
// surfaced as-is.
type ErrorKind int

const (
	// KindInput: malformed caller-supplied value. Never retried.
	KindInput ErrorKind = iota
	// KindProtocol: the replica response violates the wire contract. Not
	// retried.
	KindProtocol
	// KindTrust: certificate or query verification failed. Surfaced; only a
	// stale/future certificate participates in the normal retry budget.
	KindTrust
	// KindTransient: transport failure or 5xx. Retried with the per-call
	// budget.
	KindTransient
	// KindIngressExpiryInvalid: the replica rejected our ingress expiry.
	// Triggers at most one time sync plus one rebuild, then surfaces.
	KindIngressExpiryInvalid
	// KindCancelled: the caller aborted via context.
	KindCancelled
	// KindUnknown: catch-all, always surfaced with context.
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindProtocol:
		return "protocol"
	case KindTrust:
		return "trust"
	case KindTransient:
		return "transient"
	case KindIngressExpiryInvalid:
		return "ingress expiry invalid"
	case KindCancelled:
		return "cancelled"
	case KindUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// AgentError wraps a failure with its classification.
type AgentError struct {
	Kind ErrorKind
	Err  error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

func agentErrorf(kind ErrorKind, format string, args ...any) *AgentError {
	return &AgentError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// classify wraps err in an AgentError unless it already is one.
func classify(err error) *AgentError {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr
	}
	var trustErr *certification.TrustError
	if errors.As(err, &trustErr) {
		return &AgentError{Kind: KindTrust, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AgentError{Kind: KindCancelled, Err: err}
	}
	return &AgentError{Kind: KindUnknown, Err: err}
}

// ErrorKindOf extracts the kind, defaulting to KindUnknown.
func ErrorKindOf(err error) ErrorKind {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Kind
	}
	return KindUnknown
}

// TrustCodeOf extracts the trust failure code when err is a trust error.
func TrustCodeOf(err error) (certification.TrustErrorCode, bool) {
	var trustErr *certification.TrustError
	if errors.As(err, &trustErr) {
		return trustErr.Code, true
	}
	return 0, false
}

// isClockMismatch reports whether err is a stale or from-future certificate:
// the one trust failure class the retry budget applies to, since rebuilding
// recomputes the expiry against the current drift estimate.
func isClockMismatch(err error) bool {
	code, ok := TrustCodeOf(err)
	return ok && (code == certification.CodeStale || code == certification.CodeFromFuture)
}

// RejectError is a replica-side rejection of an otherwise well-formed
// request. It is a terminal outcome, not a failure of the machinery.
type RejectError struct {
	Code      uint64
	Message   string
	ErrorCode string
}

func (e *RejectError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("call rejected (code %d, %s): %s", e.Code, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("call rejected (code %d): %s", e.Code, e.Message)
}
