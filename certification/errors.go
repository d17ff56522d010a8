package certification

import "fmt"

// TrustErrorCode classifies certificate verification failures. Callers react
// differently per code (e.g. a stale certificate is rebuilt and retried, a
// range miss refreshes the delegation, a bad signature is terminal).
type TrustErrorCode int

const (
	// CodeBadSignature: the BLS signature does not verify under the
	// effective signing key.
	CodeBadSignature TrustErrorCode = iota
	// CodeStale: the certificate's embedded time is older than the allowed
	// drift window.
	CodeStale
	// CodeFromFuture: the certificate's embedded time is ahead of the
	// allowed drift window.
	CodeFromFuture
	// CodeNotInRanges: the delegation is valid but does not authorise the
	// target canister.
	CodeNotInRanges
	// CodeWrongRootDelegation: the delegation chain does not root in the
	// expected subnet, or nests beyond the depth-1 bound.
	CodeWrongRootDelegation
	// CodeMalformedCbor: the envelope or an embedded value does not decode.
	CodeMalformedCbor
	// CodeLookupFailure: a required tree path is missing or pruned.
	CodeLookupFailure
	// CodeQueryNotTrusted: a query reply's node signatures do not verify.
	CodeQueryNotTrusted
)

func (c TrustErrorCode) String() string {
	switch c {
	case CodeBadSignature:
		return "bad signature"
	case CodeStale:
		return "certificate stale"
	case CodeFromFuture:
		return "certificate from future"
	case CodeNotInRanges:
		return "canister not in ranges"
	case CodeWrongRootDelegation:
		return "wrong root delegation"
	case CodeMalformedCbor:
		return "malformed cbor"
	case CodeLookupFailure:
		return "lookup failure"
	case CodeQueryNotTrusted:
		return "query not trusted"
	default:
		return fmt.Sprintf("trust error %d", int(c))
	}
}

// TrustError is a certificate or query verification failure.
type TrustError struct {
	Code   TrustErrorCode
	Reason string
	Err    error
}

func (e *TrustError) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return e.Code.String()
	}
}

func (e *TrustError) Unwrap() error { return e.Err }

func trustErrorf(code TrustErrorCode, format string, args ...any) *TrustError {
	return &TrustError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

func wrapTrustError(code TrustErrorCode, err error) *TrustError {
	return &TrustError{Code: code, Err: err}
}
