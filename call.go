package icagent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nustiueudinastea/icagent/certification"
	"github.com/nustiueudinastea/icagent/principal"
	"github.com/nustiueudinastea/icagent/protocol"
)

// CallResult is a successful update call: the certified reply blob, the
// request id it settles under and the certificate that proved it.
type CallResult struct {
	Reply       []byte
	RequestID   protocol.RequestID
	Certificate *certification.Certificate
}

// Call submits an update call and drives it to a certified reply: build,
// sign, submit, then either a synchronous certificate (200) or a polling
// phase (202), and certificate verification in both cases.
func (a *Agent) Call(ctx context.Context, canisterID principal.Principal, methodName string, arg []byte) (*CallResult, error) {
	if methodName == "" {
		return nil, agentErrorf(KindInput, "method name is required")
	}

	// One nonce per logical call: retries rebuild the expiry but keep the
	// nonce, so a resubmission dedupes onto the same request id whenever the
	// recomputed expiry lands on the same boundary.
	nonceUUID := uuid.New()
	nonce := nonceUUID[:]

	var result *CallResult
	err := a.withRetries(ctx, "call", func() error {
		var err error
		result, err = a.callOnce(ctx, canisterID, methodName, arg, nonce)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (a *Agent) callOnce(ctx context.Context, canisterID principal.Principal, methodName string, arg []byte, nonce []byte) (*CallResult, error) {
	req := protocol.Request{
		Type:          protocol.RequestTypeCall,
		IngressExpiry: a.newExpiry(),
		CanisterID:    canisterID,
		MethodName:    methodName,
		Arg:           arg,
		Nonce:         nonce,
	}
	envelope, rid, err := a.buildEnvelope(req)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Call(ctx, canisterID, envelope)
	if err != nil {
		return nil, classifyTransport(err)
	}

	log := a.log.WithField("request_id", rid.String())
	switch resp.StatusCode {
	case 200:
		var body protocol.CallResponse
		if err := protocol.DecodeCBOR(resp.Body, &body); err != nil {
			return nil, agentErrorf(KindProtocol, "%w", err)
		}
		if body.Status == protocol.StatusNonReplicatedRejection || (len(body.Certificate) == 0 && body.RejectCode != 0) {
			return nil, &RejectError{Code: body.RejectCode, Message: body.RejectMessage, ErrorCode: body.ErrorCode}
		}
		if len(body.Certificate) == 0 {
			return nil, agentErrorf(KindProtocol, "call response carries neither certificate nor rejection")
		}
		log.Debug("call certified synchronously")
		return a.settleCall(canisterID, rid, body.Certificate)
	case 202:
		log.Debug("call accepted, polling request status")
		return a.pollRequestStatus(ctx, canisterID, rid)
	default:
		return nil, classifyHTTP(resp)
	}
}

// settleCall verifies a status certificate and extracts the terminal
// request status from it.
func (a *Agent) settleCall(canisterID principal.Principal, rid protocol.RequestID, rawCert []byte) (*CallResult, error) {
	cert, err := certification.ParseCertificate(rawCert)
	if err != nil {
		return nil, err
	}
	if err := certification.Verify(cert, certification.VerifyConfig{
		RootPublicKey:           a.rootKey,
		CanisterID:              &canisterID,
		Now:                     time.Now().Add(a.Drift()),
		DriftBudget:             a.cfg.DriftBudget,
		DisableTimeVerification: a.cfg.DisableTimeVerification,
	}); err != nil {
		return nil, err
	}

	status, err := LookupRequestStatus(cert, rid)
	if err != nil {
		return nil, err
	}
	switch status.Status {
	case protocol.StatusReplied:
		return &CallResult{Reply: status.Reply, RequestID: rid, Certificate: cert}, nil
	case protocol.StatusRejected:
		return nil, &RejectError{Code: status.RejectCode, Message: status.RejectMessage, ErrorCode: status.ErrorCode}
	case protocol.StatusDone:
		return nil, agentErrorf(KindProtocol, "request %s is done but its reply was already pruned", rid)
	default:
		return nil, agentErrorf(KindProtocol, "certified call response has non-terminal status %q", status.Status)
	}
}

// pollRequestStatus polls read-state until the request settles. The poll
// strategy is created here, once per call; sharing a strategy across calls
// would corrupt both schedules.
func (a *Agent) pollRequestStatus(ctx context.Context, canisterID principal.Principal, rid protocol.RequestID) (*CallResult, error) {
	strategy := a.cfg.PollStrategyFactory()
	paths := requestStatusPaths(rid)

	for {
		cert, err := a.readState(ctx, readStateTarget{canister: &canisterID}, paths)
		if err != nil {
			// Trust failures terminate polling immediately; the engine-level
			// retry policy decides what happens to the call.
			return nil, err
		}
		status, err := LookupRequestStatus(cert, rid)
		if err != nil {
			return nil, err
		}

		switch status.Status {
		case protocol.StatusReplied:
			return &CallResult{Reply: status.Reply, RequestID: rid, Certificate: cert}, nil
		case protocol.StatusRejected:
			return nil, &RejectError{Code: status.RejectCode, Message: status.RejectMessage, ErrorCode: status.ErrorCode}
		case protocol.StatusDone:
			return nil, agentErrorf(KindProtocol, "request %s is done but its reply was already pruned", rid)
		case protocol.StatusProcessing, protocol.StatusReceived, protocol.StatusUnknown:
			if err := waitPoll(ctx, strategy); err != nil {
				return nil, err
			}
		default:
			return nil, agentErrorf(KindProtocol, "unknown request status %q", status.Status)
		}
	}
}
