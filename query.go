package icagent

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/nustiueudinastea/icagent/certification"
	"github.com/nustiueudinastea/icagent/principal"
	"github.com/nustiueudinastea/icagent/protocol"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// QueryResult is a successful query: the reply blob and the request id the
// node signatures were checked against.
type QueryResult struct {
	Reply     []byte
	RequestID protocol.RequestID
}

// Query submits a query call. Unless disabled in the config, the reply is
// only returned after every node signature it carries has been verified
// against the owning subnet's key map.
func (a *Agent) Query(ctx context.Context, canisterID principal.Principal, methodName string, arg []byte) (*QueryResult, error) {
	if methodName == "" {
		return nil, agentErrorf(KindInput, "method name is required")
	}
	var result *QueryResult
	err := a.withRetries(ctx, "query", func() error {
		var err error
		result, err = a.queryOnce(ctx, canisterID, methodName, arg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (a *Agent) queryOnce(ctx context.Context, canisterID principal.Principal, methodName string, arg []byte) (*QueryResult, error) {
	req := protocol.Request{
		Type:          protocol.RequestTypeQuery,
		IngressExpiry: a.newExpiry(),
		CanisterID:    canisterID,
		MethodName:    methodName,
		Arg:           arg,
	}
	envelope, rid, err := a.buildEnvelope(req)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Query(ctx, canisterID, envelope)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode != 200 {
		return nil, classifyHTTP(resp)
	}

	var body protocol.QueryResponse
	if err := protocol.DecodeCBOR(resp.Body, &body); err != nil {
		return nil, agentErrorf(KindProtocol, "%w", err)
	}

	if *a.cfg.VerifyQuerySignatures {
		if err := a.verifyQuerySignatures(ctx, canisterID, rid, &body); err != nil {
			return nil, err
		}
	}

	switch body.Status {
	case protocol.StatusReplied:
		if body.Reply == nil {
			return nil, agentErrorf(KindProtocol, "query replied without a reply body")
		}
		return &QueryResult{Reply: body.Reply.Arg, RequestID: rid}, nil
	case protocol.StatusRejected:
		return nil, &RejectError{Code: body.RejectCode, Message: body.RejectMessage, ErrorCode: body.ErrorCode}
	default:
		return nil, agentErrorf(KindProtocol, "unknown query status %q", body.Status)
	}
}

// verifyQuerySignatures enforces the query trust model: fresh node
// timestamps, every signing node a member of the owning subnet, and every
// signature valid over the reply content hash.
//
// Timestamps are checked before any key fetch, so a clock mismatch fails
// fast without spending a read-state round trip.
func (a *Agent) verifyQuerySignatures(ctx context.Context, canisterID principal.Principal, rid protocol.RequestID, body *protocol.QueryResponse) error {
	if len(body.Signatures) == 0 {
		return &certification.TrustError{
			Code:   certification.CodeQueryNotTrusted,
			Reason: "query reply carries no node signatures",
		}
	}

	now := time.Now().Add(a.Drift())
	budget := a.cfg.DriftBudget
	if !a.cfg.DisableTimeVerification {
		for _, sig := range body.Signatures {
			ts := time.Unix(0, int64(sig.Timestamp))
			if ts.Before(now.Add(-budget)) {
				return &certification.TrustError{
					Code: certification.CodeStale,
					Reason: fmt.Sprintf("node signature timestamp %s is more than %s behind corrected time %s",
						ts.UTC().Format(time.RFC3339Nano), budget, now.UTC().Format(time.RFC3339Nano)),
				}
			}
			if ts.After(now.Add(budget)) {
				return &certification.TrustError{
					Code: certification.CodeFromFuture,
					Reason: fmt.Sprintf("node signature timestamp %s is more than %s ahead of corrected time %s",
						ts.UTC().Format(time.RFC3339Nano), budget, now.UTC().Format(time.RFC3339Nano)),
				}
			}
		}
	}

	topo, err := a.subnetKeysForCanister(ctx, canisterID)
	if err != nil {
		return err
	}

	var verifyErrs error
	for _, sig := range body.Signatures {
		nodeID, err := principal.FromRaw(sig.Identity)
		if err != nil {
			verifyErrs = multierr.Append(verifyErrs, fmt.Errorf("node identity: %w", err))
			continue
		}
		derKey, ok := topo.nodeKeys[string(sig.Identity)]
		if !ok {
			verifyErrs = multierr.Append(verifyErrs,
				fmt.Errorf("node %s is not a member of subnet %s", nodeID, topo.subnetID))
			continue
		}
		rawKey, err := certification.Ed25519KeyFromDER(derKey)
		if err != nil {
			verifyErrs = multierr.Append(verifyErrs, fmt.Errorf("node %s key: %w", nodeID, err))
			continue
		}
		contentHash, err := queryContentHash(rid, body, sig.Timestamp)
		if err != nil {
			return agentErrorf(KindProtocol, "%w", err)
		}
		if !ed25519.Verify(rawKey, protocol.ResponseSignPayload(contentHash), sig.Signature) {
			verifyErrs = multierr.Append(verifyErrs,
				fmt.Errorf("node %s signature does not verify", nodeID))
		}
	}
	if verifyErrs != nil {
		return &certification.TrustError{Code: certification.CodeQueryNotTrusted, Err: verifyErrs}
	}
	return nil
}

// queryContentHash recomputes the map hash a node signed for this response.
func queryContentHash(rid protocol.RequestID, body *protocol.QueryResponse, timestamp uint64) ([]byte, error) {
	content := map[string]any{
		"status":     body.Status,
		"timestamp":  timestamp,
		"request_id": rid[:],
	}
	switch body.Status {
	case protocol.StatusReplied:
		if body.Reply == nil {
			return nil, fmt.Errorf("replied query has no reply body")
		}
		content["reply"] = map[string]any{"arg": body.Reply.Arg}
	case protocol.StatusRejected:
		content["reject_code"] = body.RejectCode
		content["reject_message"] = body.RejectMessage
		if body.ErrorCode != "" {
			content["error_code"] = body.ErrorCode
		}
	default:
		return nil, fmt.Errorf("unknown query status %q", body.Status)
	}
	return protocol.HashOfMap(content)
}

// subnetKeysForCanister returns the node-key map of the canister's owning
// subnet, fetching and caching it on first use.
func (a *Agent) subnetKeysForCanister(ctx context.Context, canisterID principal.Principal) (*subnetTopology, error) {
	if subnetID, ok := a.cachedSubnetForCanister(canisterID); ok {
		if topo, ok := a.cachedTopology(subnetID); ok {
			return topo, nil
		}
	}
	return a.fetchSubnetTopology(ctx, canisterID)
}

// FetchSubnetKeys fetches the node-key map of the canister's owning subnet
// from a fresh read-state certificate, replacing any cached entry. The
// certificate's delegation must authorise the canister; a range miss is a
// trust failure.
func (a *Agent) FetchSubnetKeys(ctx context.Context, canisterID principal.Principal) (map[string][]byte, error) {
	topo, err := a.fetchSubnetTopology(ctx, canisterID)
	if err != nil {
		return nil, err
	}
	keys := make(map[string][]byte, len(topo.nodeKeys))
	for raw, der := range topo.nodeKeys {
		keys[principal.MustFromRaw([]byte(raw)).String()] = der
	}
	return keys, nil
}

// GetSubnetIDFromCanister resolves the canister's owning subnet, from cache
// when available.
func (a *Agent) GetSubnetIDFromCanister(ctx context.Context, canisterID principal.Principal) (principal.Principal, error) {
	if subnetID, ok := a.cachedSubnetForCanister(canisterID); ok {
		return subnetID, nil
	}
	topo, err := a.fetchSubnetTopology(ctx, canisterID)
	if err != nil {
		return principal.Principal{}, err
	}
	return topo.subnetID, nil
}

func (a *Agent) fetchSubnetTopology(ctx context.Context, canisterID principal.Principal) (*subnetTopology, error) {
	cert, err := a.readState(ctx, readStateTarget{canister: &canisterID}, [][][]byte{{[]byte("subnet")}})
	if err != nil {
		return nil, err
	}

	// Verification against a canister expectation only passes for delegated
	// certificates, so the owning subnet is always named by the delegation.
	if cert.Delegation == nil {
		return nil, agentErrorf(KindProtocol, "verified canister certificate carries no delegation")
	}
	subnetID, err := principal.FromRaw(cert.Delegation.SubnetID)
	if err != nil {
		return nil, agentErrorf(KindProtocol, "delegation subnet id: %w", err)
	}

	nodes := cert.Tree.LookupSubtree([]byte("subnet"), subnetID.Raw(), []byte("node"))
	if nodes.Status != certification.LookupFound {
		return nil, &certification.TrustError{
			Code:   certification.CodeLookupFailure,
			Reason: fmt.Sprintf("certificate has no node list for subnet %s (%s)", subnetID, nodes.Status),
		}
	}

	nodeKeys := make(map[string][]byte)
	for _, child := range nodes.Subtree.FlattenForks() {
		if child.Kind != certification.LabeledNode {
			continue
		}
		keyLookup := child.Subtree.LookupPath([]byte("public_key"))
		if keyLookup.Status != certification.LookupFound {
			continue
		}
		nodeKeys[string(child.Label)] = keyLookup.Value
	}
	if len(nodeKeys) == 0 {
		return nil, &certification.TrustError{
			Code:   certification.CodeLookupFailure,
			Reason: fmt.Sprintf("certificate lists no node keys for subnet %s", subnetID),
		}
	}

	topo := &subnetTopology{subnetID: subnetID, nodeKeys: nodeKeys}
	a.storeTopology(canisterID, topo)
	a.log.WithFields(logrus.Fields{
		"subnet": subnetID.String(),
		"nodes":  len(nodeKeys),
	}).Debug("cached subnet node keys")
	return topo, nil
}
