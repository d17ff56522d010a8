package protocol

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// selfDescribedTag is the CBOR self-describe tag replicas expect on request
// bodies and emit on responses.
var selfDescribedTag = []byte{0xd9, 0xd9, 0xf7}

// encMode encodes deterministically: lexicographic map keys, preferred
// small-integer forms. Request hashing is representation-independent, but the
// wire bytes still have to be stable for replica-side deduplication.
var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}

// Envelope is the outer request wrapper. Anonymous requests carry only
// Content; signed requests add the sender's DER public key and signature,
// and optionally a delegation chain authorising a session key.
type Envelope struct {
	Content          Request
	SenderPubKey     []byte
	SenderSig        []byte
	SenderDelegation []SignedAuthDelegation
}

// EncodeCBOR renders the envelope with the self-describe tag prefix.
func (e *Envelope) EncodeCBOR() ([]byte, error) {
	outer := map[string]any{
		"content": e.Content.contentMap(),
	}
	if len(e.SenderPubKey) > 0 {
		outer["sender_pubkey"] = e.SenderPubKey
	}
	if len(e.SenderSig) > 0 {
		outer["sender_sig"] = e.SenderSig
	}
	if len(e.SenderDelegation) > 0 {
		outer["sender_delegation"] = e.SenderDelegation
	}
	body, err := encMode.Marshal(outer)
	if err != nil {
		return nil, fmt.Errorf("encoding request envelope: %w", err)
	}
	return append(append([]byte{}, selfDescribedTag...), body...), nil
}

// contentMap renders the canonical content map with only the fields the
// request type carries.
func (r *Request) contentMap() map[string]any {
	content := map[string]any{
		"request_type":   string(r.Type),
		"sender":         r.Sender.Raw(),
		"ingress_expiry": r.IngressExpiry.Nanoseconds(),
	}
	switch r.Type {
	case RequestTypeReadState:
		content["paths"] = r.Paths
	default:
		content["canister_id"] = r.CanisterID.Raw()
		content["method_name"] = r.MethodName
		content["arg"] = r.Arg
	}
	if len(r.Nonce) > 0 {
		content["nonce"] = r.Nonce
	}
	return content
}

// AuthDelegation grants a session public key the authority of the sender,
// optionally restricted to target canisters, until Expiration (ns).
type AuthDelegation struct {
	Pubkey     []byte   `cbor:"pubkey"`
	Expiration uint64   `cbor:"expiration"`
	Targets    [][]byte `cbor:"targets,omitempty"`
}

// SignPayload is the domain-separated message the delegating identity signs.
func (d *AuthDelegation) SignPayload() []byte {
	fields := []fieldHash{
		hashField("pubkey", hashBytes(d.Pubkey)),
		hashField("expiration", hashNat(d.Expiration)),
	}
	if len(d.Targets) > 0 {
		concat := make([]byte, 0, len(d.Targets)*sha256.Size)
		for _, target := range d.Targets {
			h := sha256.Sum256(target)
			concat = append(concat, h[:]...)
		}
		fields = append(fields, hashField("targets", sha256.Sum256(concat)))
	}
	id := hashOfFields(fields)
	return append(DomainSeparator("ic-request-auth-delegation"), id[:]...)
}

// SignedAuthDelegation pairs a delegation with its signature.
type SignedAuthDelegation struct {
	Delegation AuthDelegation `cbor:"delegation"`
	Signature  []byte         `cbor:"signature"`
}

// Replica response statuses.
const (
	StatusReplied                = "replied"
	StatusRejected               = "rejected"
	StatusProcessing             = "processing"
	StatusReceived               = "received"
	StatusDone                   = "done"
	StatusUnknown                = "unknown"
	StatusNonReplicatedRejection = "non_replicated_rejection"
)

// CallResponse is the body of a synchronous call: either a certificate
// proving the request status, or a non-replicated rejection.
type CallResponse struct {
	Status        string `cbor:"status"`
	Certificate   []byte `cbor:"certificate"`
	RejectCode    uint64 `cbor:"reject_code"`
	RejectMessage string `cbor:"reject_message"`
	ErrorCode     string `cbor:"error_code"`
}

// QueryReply carries a successful query's reply argument.
type QueryReply struct {
	Arg []byte `cbor:"arg"`
}

// NodeSignature is one node's signature over a query response.
type NodeSignature struct {
	// Timestamp is the node's wall-clock in nanoseconds at signing time.
	Timestamp uint64 `cbor:"timestamp"`
	Signature []byte `cbor:"signature"`
	// Identity is the raw principal of the signing node.
	Identity []byte `cbor:"identity"`
}

// QueryResponse is the body of a query: a reply or a rejection, plus the
// per-node signatures the trust layer verifies.
type QueryResponse struct {
	Status        string          `cbor:"status"`
	Reply         *QueryReply     `cbor:"reply"`
	RejectCode    uint64          `cbor:"reject_code"`
	RejectMessage string          `cbor:"reject_message"`
	ErrorCode     string          `cbor:"error_code"`
	Signatures    []NodeSignature `cbor:"signatures"`
}

// ReadStateResponse is the body of a read-state call.
type ReadStateResponse struct {
	Certificate []byte `cbor:"certificate"`
}

// DecodeCBOR decodes a replica response body into out, tolerating the
// self-describe tag prefix.
func DecodeCBOR(data []byte, out any) error {
	data = bytes.TrimPrefix(data, selfDescribedTag)
	if err := cbor.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}
