package icagent

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nustiueudinastea/icagent/certification"
	"github.com/nustiueudinastea/icagent/principal"
	"github.com/nustiueudinastea/icagent/protocol"
	"github.com/nustiueudinastea/icagent/transport"
)

// ReadState reads canister state paths and returns the verified certificate.
func (a *Agent) ReadState(ctx context.Context, canisterID principal.Principal, paths [][][]byte) (*certification.Certificate, error) {
	var cert *certification.Certificate
	err := a.withRetries(ctx, "read_state", func() error {
		var err error
		cert, err = a.readState(ctx, readStateTarget{canister: &canisterID}, paths)
		return err
	})
	return cert, err
}

// ReadSubnetState reads subnet state paths and returns the verified
// certificate.
func (a *Agent) ReadSubnetState(ctx context.Context, subnetID principal.Principal, paths [][][]byte) (*certification.Certificate, error) {
	var cert *certification.Certificate
	err := a.withRetries(ctx, "read_subnet_state", func() error {
		var err error
		cert, err = a.readState(ctx, readStateTarget{subnet: &subnetID}, paths)
		return err
	})
	return cert, err
}

// readStateTarget selects the endpoint and the principal expectation of a
// single read. Exactly one of canister and subnet is set; unverifiedTime
// additionally disables the freshness check for time-sync reads.
type readStateTarget struct {
	canister *principal.Principal
	subnet   *principal.Principal
	// skipPrincipalCheck verifies the signature chain without binding it to
	// a target principal. Only time-sync reads use this: their certificate
	// is consumed solely for /time.
	skipPrincipalCheck bool
	unverifiedTime     bool
}

// readState performs one signed read-state round trip and verifies the
// returned certificate. Retries are the caller's concern.
func (a *Agent) readState(ctx context.Context, target readStateTarget, paths [][][]byte) (*certification.Certificate, error) {
	req := protocol.Request{
		Type:          protocol.RequestTypeReadState,
		IngressExpiry: a.newExpiry(),
		Paths:         paths,
	}
	envelope, _, err := a.buildEnvelope(req)
	if err != nil {
		return nil, err
	}

	var resp *transport.Response
	if target.subnet != nil {
		resp, err = a.client.ReadSubnetState(ctx, *target.subnet, envelope)
	} else {
		resp, err = a.client.ReadState(ctx, *target.canister, envelope)
	}
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode != 200 {
		return nil, classifyHTTP(resp)
	}

	var body protocol.ReadStateResponse
	if err := protocol.DecodeCBOR(resp.Body, &body); err != nil {
		return nil, agentErrorf(KindProtocol, "%w", err)
	}
	cert, err := certification.ParseCertificate(body.Certificate)
	if err != nil {
		return nil, err
	}

	cfg := certification.VerifyConfig{
		RootPublicKey: a.rootKey,
		// Freshness is judged against the drift-corrected clock, otherwise a
		// completed time sync would leave every certificate looking stale.
		Now:                     time.Now().Add(a.Drift()),
		DriftBudget:             a.cfg.DriftBudget,
		DisableTimeVerification: a.cfg.DisableTimeVerification || target.unverifiedTime,
	}
	if !target.skipPrincipalCheck {
		cfg.CanisterID = target.canister
		cfg.SubnetID = target.subnet
	}
	if err := certification.Verify(cert, cfg); err != nil {
		return nil, err
	}
	return cert, nil
}

// RequestStatus is the decoded /request_status subtree of one request.
type RequestStatus struct {
	Status        string
	Reply         []byte
	RejectCode    uint64
	RejectMessage string
	ErrorCode     string
}

// LookupRequestStatus reads a request's status from a verified certificate.
// An absent or pruned status means the replica has not recorded the request
// yet; that is reported as StatusUnknown, not an error.
func LookupRequestStatus(cert *certification.Certificate, rid protocol.RequestID) (*RequestStatus, error) {
	statusLookup := cert.Tree.LookupPath([]byte("request_status"), rid[:], []byte("status"))
	switch statusLookup.Status {
	case certification.LookupFound:
	case certification.LookupAbsent, certification.LookupUnknown:
		return &RequestStatus{Status: protocol.StatusUnknown}, nil
	default:
		return nil, agentErrorf(KindProtocol, "request status lookup failed: %s", statusLookup.Status)
	}

	status := &RequestStatus{Status: string(statusLookup.Value)}
	switch status.Status {
	case protocol.StatusReplied:
		reply := cert.Tree.LookupPath([]byte("request_status"), rid[:], []byte("reply"))
		if reply.Status != certification.LookupFound {
			return nil, agentErrorf(KindProtocol, "request replied but reply lookup failed: %s", reply.Status)
		}
		status.Reply = reply.Value
	case protocol.StatusRejected:
		code := cert.Tree.LookupPath([]byte("request_status"), rid[:], []byte("reject_code"))
		if code.Status != certification.LookupFound {
			return nil, agentErrorf(KindProtocol, "request rejected but reject_code lookup failed: %s", code.Status)
		}
		parsed, err := certification.DecodeULEB128(code.Value)
		if err != nil {
			return nil, agentErrorf(KindProtocol, "decoding reject_code: %w", err)
		}
		status.RejectCode = parsed
		if msg := cert.Tree.LookupPath([]byte("request_status"), rid[:], []byte("reject_message")); msg.Status == certification.LookupFound {
			status.RejectMessage = string(msg.Value)
		}
		if ec := cert.Tree.LookupPath([]byte("request_status"), rid[:], []byte("error_code")); ec.Status == certification.LookupFound {
			status.ErrorCode = string(ec.Value)
		}
	}
	return status, nil
}

// requestStatusPaths is the path set polled for one request id.
func requestStatusPaths(rid protocol.RequestID) [][][]byte {
	return [][][]byte{{[]byte("request_status"), rid[:]}}
}

// withRetries runs fn under the engine's retry policy: transient failures
// and clock-mismatch certificate rejections consume the per-call budget; an
// ingress-expiry rejection triggers exactly one time sync plus one rebuild.
func (a *Agent) withRetries(ctx context.Context, op string, fn func() error) error {
	retryBudget := *a.cfg.RetryTimes
	attempts := 0
	expirySynced := false
	for {
		err := fn()
		if err == nil {
			return nil
		}
		agentErr := classify(err)
		switch {
		case agentErr.Kind == KindCancelled:
			return agentErr
		case agentErr.Kind == KindIngressExpiryInvalid && !expirySynced:
			expirySynced = true
			a.log.WithField("op", op).Warn("replica rejected ingress expiry, syncing time and rebuilding")
			if syncErr := a.SyncTime(ctx); syncErr != nil {
				a.log.WithField("op", op).WithError(syncErr).Warn("time sync failed")
				return agentErr
			}
		case (agentErr.Kind == KindTransient || isClockMismatch(agentErr)) && attempts < retryBudget:
			attempts++
			a.log.WithField("op", op).WithField("attempt", attempts).WithError(agentErr).Warn("retrying")
		default:
			return agentErr
		}
		if ctx.Err() != nil {
			return &AgentError{Kind: KindCancelled, Err: ctx.Err()}
		}
	}
}

// classifyTransport maps a transport-level failure: caller cancellation
// surfaces as such, everything else is transient.
func classifyTransport(err error) *AgentError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AgentError{Kind: KindCancelled, Err: err}
	}
	return &AgentError{Kind: KindTransient, Err: err}
}

// classifyHTTP maps a non-200 replica status: 5xx is transient, a 400
// carrying an ingress-expiry diagnostic triggers the time-sync path, the
// rest violate the wire contract.
func classifyHTTP(resp *transport.Response) *AgentError {
	body := string(bytes.ToValidUTF8(resp.Body, []byte("?")))
	switch {
	case resp.StatusCode >= 500:
		return agentErrorf(KindTransient, "replica returned %d: %s", resp.StatusCode, body)
	case resp.StatusCode == 400 && strings.Contains(body, "ingress_expiry"):
		return agentErrorf(KindIngressExpiryInvalid, "replica rejected ingress expiry: %s", body)
	default:
		return agentErrorf(KindProtocol, "replica returned %d: %s", resp.StatusCode, body)
	}
}
