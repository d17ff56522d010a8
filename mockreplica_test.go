package icagent

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/fxamacker/cbor/v2"
	"github.com/nustiueudinastea/icagent/certification"
	"github.com/nustiueudinastea/icagent/principal"
	"github.com/nustiueudinastea/icagent/protocol"
)

// The hash-to-curve suite state roots are signed under; fixed by the wire
// contract.
const testBLSDST = "BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_"

type testBLSKey struct {
	sk big.Int
	pk bls12381.G2Affine
}

func newTestBLSKey(t *testing.T, seed int64) *testBLSKey {
	t.Helper()
	var scalar fr.Element
	scalar.SetInt64(seed)
	scalar.Square(&scalar).Add(&scalar, new(fr.Element).SetInt64(13))

	k := &testBLSKey{}
	scalar.BigInt(&k.sk)
	_, _, _, g2 := bls12381.Generators()
	k.pk.ScalarMultiplication(&g2, &k.sk)
	return k
}

func (k *testBLSKey) publicKey() []byte {
	b := k.pk.Bytes()
	return b[:]
}

func (k *testBLSKey) signTree(t *testing.T, tree *certification.HashTree) []byte {
	t.Helper()
	root, err := tree.Reconstruct()
	if err != nil {
		t.Fatalf("reconstructing tree: %v", err)
	}
	msg := append(protocol.DomainSeparator("ic-state-root"), root...)
	hm, err := bls12381.HashToG1(msg, []byte(testBLSDST))
	if err != nil {
		t.Fatalf("hashing to curve: %v", err)
	}
	var sig bls12381.G1Affine
	sig.ScalarMultiplication(&hm, &k.sk)
	b := sig.Bytes()
	return b[:]
}

// Tree shorthands for building replica state.

func fork(left, right *certification.HashTree) *certification.HashTree {
	return &certification.HashTree{Kind: certification.ForkNode, Left: left, Right: right}
}

func labeled(label []byte, sub *certification.HashTree) *certification.HashTree {
	return &certification.HashTree{Kind: certification.LabeledNode, Label: label, Subtree: sub}
}

func leaf(value []byte) *certification.HashTree {
	return &certification.HashTree{Kind: certification.LeafNode, Value: value}
}

// wireEnvelope mirrors what the engine puts on the wire.
type wireEnvelope struct {
	Content wireContent `cbor:"content"`
}

type wireContent struct {
	RequestType   string     `cbor:"request_type"`
	Sender        []byte     `cbor:"sender"`
	IngressExpiry uint64     `cbor:"ingress_expiry"`
	CanisterID    []byte     `cbor:"canister_id"`
	MethodName    string     `cbor:"method_name"`
	Arg           []byte     `cbor:"arg"`
	Nonce         []byte     `cbor:"nonce"`
	Paths         [][][]byte `cbor:"paths"`
}

// mockReplica is an in-process replica producing genuinely signed
// certificates and node signatures, so the engine's full verification path
// runs in tests.
type mockReplica struct {
	t *testing.T

	rootKey   *testBLSKey
	subnetKey *testBLSKey
	subnetID  principal.Principal

	nodeID      principal.Principal
	nodePrivate ed25519.PrivateKey
	nodeKeyDER  []byte

	// ranges is the delegated range set, CBOR-encoded.
	ranges []byte

	// now is the replica's clock; tests shift it to simulate drift.
	now func() time.Time

	queryReply []byte
	callReply  []byte
	// callSynchronous certifies calls on the 200 path instead of 202+poll.
	callSynchronous bool
	// callHook, when it returns true, has written the call endpoint's
	// response itself, e.g. a 400 ingress-expiry rejection or a 503.
	callHook func(w http.ResponseWriter) bool

	mu             sync.Mutex
	queryCalls     int
	callCalls      int
	readStateCalls int
	statusHits     map[string]int
	lastExpiry     uint64

	server *httptest.Server
}

func newMockReplica(t *testing.T) *mockReplica {
	t.Helper()
	nodePublic, nodePrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	nodeDER, err := certification.Ed25519KeyToDER(nodePublic)
	if err != nil {
		t.Fatal(err)
	}

	m := &mockReplica{
		t:           t,
		rootKey:     newTestBLSKey(t, 101),
		subnetKey:   newTestBLSKey(t, 102),
		subnetID:    principal.MustFromRaw([]byte{0x5b, 0x01}),
		nodeID:      principal.MustFromRaw([]byte{0x33, 0x44, 0x01}),
		nodePrivate: nodePrivate,
		nodeKeyDER:  nodeDER,
		now:         time.Now,
		statusHits:  make(map[string]int),
	}
	m.server = httptest.NewServer(m)
	t.Cleanup(m.server.Close)
	return m
}

// setRanges authorises the given inclusive range.
func (m *mockReplica) setRanges(start, end principal.Principal) {
	encoded, err := cbor.Marshal([][][]byte{{start.Raw(), end.Raw()}})
	if err != nil {
		m.t.Fatal(err)
	}
	m.ranges = encoded
}

func (m *mockReplica) counts() (queries, calls, readStates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryCalls, m.callCalls, m.readStateCalls
}

func (m *mockReplica) recordedExpiry() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastExpiry
}

func (m *mockReplica) timeLeaf() *certification.HashTree {
	return leaf(certification.AppendULEB128(nil, uint64(m.now().UnixNano())))
}

// certify signs a state tree with the subnet key and wraps it with a
// root-signed delegation carrying the configured ranges.
func (m *mockReplica) certify(tree *certification.HashTree) []byte {
	m.t.Helper()

	subnetDER, err := certification.PublicKeyToDER(m.subnetKey.publicKey())
	if err != nil {
		m.t.Fatal(err)
	}
	delegTree := fork(
		labeled([]byte("canister_ranges"), labeled(m.subnetID.Raw(), leaf(m.ranges))),
		labeled([]byte("subnet"), labeled(m.subnetID.Raw(),
			labeled([]byte("public_key"), leaf(subnetDER)))),
	)
	delegCert := certification.Certificate{
		Tree:      *delegTree,
		Signature: m.rootKey.signTree(m.t, delegTree),
	}
	delegBytes, err := cbor.Marshal(&delegCert)
	if err != nil {
		m.t.Fatal(err)
	}

	cert := certification.Certificate{
		Tree:      *tree,
		Signature: m.subnetKey.signTree(m.t, tree),
		Delegation: &certification.Delegation{
			SubnetID:    m.subnetID.Raw(),
			Certificate: delegBytes,
		},
	}
	certBytes, err := cbor.Marshal(&cert)
	if err != nil {
		m.t.Fatal(err)
	}
	return certBytes
}

func (m *mockReplica) writeCBOR(w http.ResponseWriter, v any) {
	m.t.Helper()
	body, err := cbor.Marshal(v)
	if err != nil {
		m.t.Fatal(err)
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(200)
	w.Write(body)
}

func (m *mockReplica) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var env wireEnvelope
	if err := protocol.DecodeCBOR(readBody(m.t, r), &env); err != nil {
		m.t.Errorf("mock replica: undecodable envelope: %v", err)
		w.WriteHeader(400)
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/query"):
		m.mu.Lock()
		m.queryCalls++
		m.lastExpiry = env.Content.IngressExpiry
		m.mu.Unlock()
		m.serveQuery(w, env.Content)
	case strings.HasSuffix(r.URL.Path, "/call"):
		m.mu.Lock()
		m.callCalls++
		m.lastExpiry = env.Content.IngressExpiry
		m.mu.Unlock()
		m.serveCall(w, env.Content)
	case strings.HasSuffix(r.URL.Path, "/read_state"):
		m.mu.Lock()
		m.readStateCalls++
		m.mu.Unlock()
		m.serveReadState(w, env.Content)
	default:
		w.WriteHeader(404)
	}
}

func (m *mockReplica) serveQuery(w http.ResponseWriter, content wireContent) {
	req := protocol.Request{
		Type:          protocol.RequestTypeQuery,
		Sender:        principal.MustFromRaw(content.Sender),
		IngressExpiry: protocol.ExpiryFromNanoseconds(content.IngressExpiry),
		CanisterID:    principal.MustFromRaw(content.CanisterID),
		MethodName:    content.MethodName,
		Arg:           content.Arg,
	}
	rid := req.ID()

	timestamp := uint64(m.now().UnixNano())
	contentHash, err := protocol.HashOfMap(map[string]any{
		"status":     protocol.StatusReplied,
		"reply":      map[string]any{"arg": m.queryReply},
		"timestamp":  timestamp,
		"request_id": rid[:],
	})
	if err != nil {
		m.t.Fatal(err)
	}
	sig := ed25519.Sign(m.nodePrivate, protocol.ResponseSignPayload(contentHash))

	m.writeCBOR(w, map[string]any{
		"status": protocol.StatusReplied,
		"reply":  map[string]any{"arg": m.queryReply},
		"signatures": []map[string]any{{
			"timestamp": timestamp,
			"signature": sig,
			"identity":  m.nodeID.Raw(),
		}},
	})
}

func (m *mockReplica) serveCall(w http.ResponseWriter, content wireContent) {
	if m.callHook != nil && m.callHook(w) {
		return
	}

	req := protocol.Request{
		Type:          protocol.RequestTypeCall,
		Sender:        principal.MustFromRaw(content.Sender),
		IngressExpiry: protocol.ExpiryFromNanoseconds(content.IngressExpiry),
		CanisterID:    principal.MustFromRaw(content.CanisterID),
		MethodName:    content.MethodName,
		Arg:           content.Arg,
		Nonce:         content.Nonce,
	}
	rid := req.ID()

	if !m.callSynchronous {
		w.WriteHeader(202)
		return
	}
	tree := fork(
		labeled([]byte("time"), m.timeLeaf()),
		m.requestStatusTree(rid, protocol.StatusReplied),
	)
	m.writeCBOR(w, map[string]any{
		"status":      protocol.StatusReplied,
		"certificate": m.certify(tree),
	})
}

func (m *mockReplica) requestStatusTree(rid protocol.RequestID, status string) *certification.HashTree {
	sub := fork(
		labeled([]byte("status"), leaf([]byte(status))),
		labeled([]byte("reply"), leaf(m.callReply)),
	)
	return labeled([]byte("request_status"), labeled(rid[:], sub))
}

func (m *mockReplica) serveReadState(w http.ResponseWriter, content wireContent) {
	if len(content.Paths) == 0 {
		w.WriteHeader(400)
		return
	}
	first := content.Paths[0]

	var payload *certification.HashTree
	switch string(first[0]) {
	case "time":
		payload = nil
	case "subnet":
		payload = labeled([]byte("subnet"), labeled(m.subnetID.Raw(),
			labeled([]byte("node"), labeled(m.nodeID.Raw(),
				labeled([]byte("public_key"), leaf(m.nodeKeyDER))))))
	case "request_status":
		var rid protocol.RequestID
		copy(rid[:], first[1])
		m.mu.Lock()
		m.statusHits[rid.String()]++
		hits := m.statusHits[rid.String()]
		m.mu.Unlock()
		if hits == 1 {
			payload = labeled([]byte("request_status"), labeled(rid[:],
				labeled([]byte("status"), leaf([]byte(protocol.StatusReceived)))))
		} else {
			payload = m.requestStatusTree(rid, protocol.StatusReplied)
		}
	default:
		m.t.Errorf("mock replica: unexpected read_state path %q", first[0])
		w.WriteHeader(400)
		return
	}

	tree := labeled([]byte("time"), m.timeLeaf())
	if payload != nil {
		tree = fork(tree, payload)
	}
	m.writeCBOR(w, map[string]any{"certificate": m.certify(tree)})
}

func readBody(t *testing.T, r *http.Request) []byte {
	t.Helper()
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("reading request body: %v", err)
	}
	return body
}
