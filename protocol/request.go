// Package protocol defines the canonical request content, its
// representation-independent hashing and the CBOR envelopes exchanged with
// replicas.
//
// It is intentionally transport-agnostic: the engine builds and hashes
// requests here, transports only move the encoded bytes.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/nustiueudinastea/icagent/certification"
	"github.com/nustiueudinastea/icagent/principal"
)

// RequestType selects one of the three replica operations.
type RequestType string

const (
	RequestTypeCall      RequestType = "call"
	RequestTypeQuery     RequestType = "query"
	RequestTypeReadState RequestType = "read_state"
)

// RequestID is the 32-byte fingerprint of a request's canonical field hash.
// It identifies the request across retries and polling.
type RequestID [sha256.Size]byte

func (id RequestID) String() string {
	return hex.EncodeToString(id[:])
}

// Request is the canonical request content. Fields that are not meaningful
// for the request type stay zero and are omitted from hashing and encoding.
type Request struct {
	Type          RequestType
	Sender        principal.Principal
	IngressExpiry Expiry

	// Call and query fields.
	CanisterID principal.Principal
	MethodName string
	Arg        []byte
	Nonce      []byte

	// Read-state field.
	Paths [][][]byte
}

// ID computes the request id: the SHA-256 of the sorted, per-field
// hash-of-map encoding of the content.
func (r *Request) ID() RequestID {
	fields := []fieldHash{
		hashField("request_type", hashString(string(r.Type))),
		hashField("sender", hashBytes(r.Sender.Raw())),
		hashField("ingress_expiry", hashNat(r.IngressExpiry.Nanoseconds())),
	}
	switch r.Type {
	case RequestTypeReadState:
		fields = append(fields, hashField("paths", hashPaths(r.Paths)))
	default:
		fields = append(fields,
			hashField("canister_id", hashBytes(r.CanisterID.Raw())),
			hashField("method_name", hashString(r.MethodName)),
			hashField("arg", hashBytes(r.Arg)),
		)
	}
	if len(r.Nonce) > 0 {
		fields = append(fields, hashField("nonce", hashBytes(r.Nonce)))
	}
	return hashOfFields(fields)
}

// DomainSeparator renders the one-byte-length-prefixed separator form used by
// every signing domain on the wire.
func DomainSeparator(s string) []byte {
	if len(s) > 255 {
		panic(fmt.Sprintf("domain separator %q too long", s))
	}
	sep := make([]byte, 0, len(s)+1)
	sep = append(sep, byte(len(s)))
	return append(sep, s...)
}

// RequestSignPayload is the message an identity signs to authorise a request.
func RequestSignPayload(id RequestID) []byte {
	return append(DomainSeparator("ic-request"), id[:]...)
}

// ResponseSignPayload is the message a node signs over a query response's
// content hash.
func ResponseSignPayload(contentHash []byte) []byte {
	return append(DomainSeparator("ic-response"), contentHash...)
}

// fieldHash is one hashed (key, value) pair of the content map.
type fieldHash struct {
	key   [sha256.Size]byte
	value [sha256.Size]byte
}

func hashField(key string, value [sha256.Size]byte) fieldHash {
	return fieldHash{key: sha256.Sum256([]byte(key)), value: value}
}

func hashBytes(b []byte) [sha256.Size]byte {
	return sha256.Sum256(b)
}

func hashString(s string) [sha256.Size]byte {
	return sha256.Sum256([]byte(s))
}

func hashNat(n uint64) [sha256.Size]byte {
	return sha256.Sum256(certification.AppendULEB128(nil, n))
}

// hashPaths hashes a sequence of paths; each path hashes as the
// concatenation of its segments' hashes.
func hashPaths(paths [][][]byte) [sha256.Size]byte {
	outer := make([]byte, 0, len(paths)*sha256.Size)
	for _, path := range paths {
		inner := make([]byte, 0, len(path)*sha256.Size)
		for _, segment := range path {
			h := sha256.Sum256(segment)
			inner = append(inner, h[:]...)
		}
		h := sha256.Sum256(inner)
		outer = append(outer, h[:]...)
	}
	return sha256.Sum256(outer)
}

// hashOfFields sorts the (key hash ‖ value hash) pairs bytewise, concatenates
// and hashes. Key hashes are unique, so this equals sorting by key hash.
func hashOfFields(fields []fieldHash) RequestID {
	pairs := make([][]byte, len(fields))
	for i, f := range fields {
		pair := make([]byte, 0, 2*sha256.Size)
		pair = append(pair, f.key[:]...)
		pair = append(pair, f.value[:]...)
		pairs[i] = pair
	}
	sort.Slice(pairs, func(i, j int) bool {
		return string(pairs[i]) < string(pairs[j])
	})
	hasher := sha256.New()
	for _, pair := range pairs {
		hasher.Write(pair)
	}
	var id RequestID
	hasher.Sum(id[:0])
	return id
}

// HashOfMap hashes an ad-hoc content map the same way request ids are
// computed. Values may be []byte, string or uint64. The query verifier uses
// this to recompute the response content hash nodes sign.
func HashOfMap(m map[string]any) ([]byte, error) {
	fields := make([]fieldHash, 0, len(m))
	for key, value := range m {
		var vh [sha256.Size]byte
		switch v := value.(type) {
		case []byte:
			vh = hashBytes(v)
		case string:
			vh = hashString(v)
		case uint64:
			vh = hashNat(v)
		case map[string]any:
			nested, err := HashOfMap(v)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			copy(vh[:], nested)
		default:
			return nil, fmt.Errorf("unhashable value of type %T for key %q", value, key)
		}
		fields = append(fields, hashField(key, vh))
	}
	id := hashOfFields(fields)
	return id[:], nil
}
