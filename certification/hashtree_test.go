package certification

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestReconstructKnownShapes(t *testing.T) {
	// The hashes follow directly from the domain-separated definition;
	// recompute them here independently of Reconstruct's recursion.
	emptyHash := sha256.Sum256(domainSep("ic-hashtree-empty"))

	leafPayload := []byte("certified")
	leafHasher := sha256.New()
	leafHasher.Write(domainSep("ic-hashtree-leaf"))
	leafHasher.Write(leafPayload)
	leafHash := leafHasher.Sum(nil)

	labelHasher := sha256.New()
	labelHasher.Write(domainSep("ic-hashtree-labeled"))
	labelHasher.Write([]byte("time"))
	labelHasher.Write(leafHash)
	labeledHash := labelHasher.Sum(nil)

	forkHasher := sha256.New()
	forkHasher.Write(domainSep("ic-hashtree-fork"))
	forkHasher.Write(labeledHash)
	forkHasher.Write(emptyHash[:])
	forkHash := forkHasher.Sum(nil)

	cases := []struct {
		name string
		tree *HashTree
		want []byte
	}{
		{"empty", emptyTree(), emptyHash[:]},
		{"leaf", leaf(leafPayload), leafHash},
		{"labeled", labeled("time", leaf(leafPayload)), labeledHash},
		{"fork", fork(labeled("time", leaf(leafPayload)), emptyTree()), forkHash},
		{"pruned", &HashTree{Kind: PrunedNode, Digest: forkHash}, forkHash},
	}
	for _, tc := range cases {
		got, err := tc.tree.Reconstruct()
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !bytes.Equal(got, tc.want) {
			t.Errorf("%s: root = %x, want %x", tc.name, got, tc.want)
		}
	}
}

func TestReconstructForkOrderMatters(t *testing.T) {
	a := labeled("a", leaf([]byte("1")))
	b := labeled("b", leaf([]byte("2")))

	ab, err := fork(a, b).Reconstruct()
	if err != nil {
		t.Fatal(err)
	}
	ba, err := fork(b, a).Reconstruct()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(ab, ba) {
		t.Error("permuting fork children produced the same root")
	}
}

func TestReconstructEqualsPrunedReplacement(t *testing.T) {
	sub := labeled("x", leaf([]byte("v")))
	full := fork(sub, labeled("y", leaf([]byte("w"))))
	prunedTree := fork(pruned(t, sub), labeled("y", leaf([]byte("w"))))

	fullRoot, err := full.Reconstruct()
	if err != nil {
		t.Fatal(err)
	}
	prunedRoot, err := prunedTree.Reconstruct()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(fullRoot, prunedRoot) {
		t.Error("pruning a subtree changed the root")
	}
}

func TestLookupPath(t *testing.T) {
	tree := fork(
		labeled("request_status", fork(
			labeled("aa", labeled("status", leaf([]byte("replied")))),
			pruned(t, labeled("bb", labeled("status", leaf([]byte("rejected"))))),
		)),
		labeled("time", leaf([]byte{0x01})),
	)

	found := tree.LookupPath([]byte("request_status"), []byte("aa"), []byte("status"))
	if found.Status != LookupFound || string(found.Value) != "replied" {
		t.Errorf("found lookup = %v %q", found.Status, found.Value)
	}

	if r := tree.LookupPath([]byte("time")); r.Status != LookupFound || len(r.Value) != 1 {
		t.Errorf("time lookup = %v %x", r.Status, r.Value)
	}

	// bb exists but sits under a pruned branch: unknown, not absent.
	if r := tree.LookupPath([]byte("request_status"), []byte("bb"), []byte("status")); r.Status != LookupUnknown {
		t.Errorf("pruned lookup = %v, want unknown", r.Status)
	}

	// cc is not provably absent: the fork it would sit in has a pruned
	// branch that could hide it, so the lookup is inconclusive.
	if r := tree.LookupPath([]byte("request_status"), []byte("cc"), []byte("status")); r.Status != LookupUnknown {
		t.Errorf("lookup beside pruned sibling = %v, want unknown", r.Status)
	}

	// A label missing from a fully visible fork is provably absent.
	if r := tree.LookupPath([]byte("missing")); r.Status != LookupAbsent {
		t.Errorf("absent lookup = %v, want absent", r.Status)
	}

	// Descending through a leaf contradicts the tree.
	if r := tree.LookupPath([]byte("time"), []byte("deeper")); r.Status != LookupInvalid {
		t.Errorf("leaf descent = %v, want invalid", r.Status)
	}

	// A path ending on an interior node has no concrete value.
	if r := tree.LookupPath([]byte("request_status")); r.Status != LookupInvalid {
		t.Errorf("interior value lookup = %v, want invalid", r.Status)
	}
}

func TestLookupSubtree(t *testing.T) {
	nodeA := labeled("node-a", labeled("public_key", leaf([]byte("key-a"))))
	nodeB := labeled("node-b", labeled("public_key", leaf([]byte("key-b"))))
	tree := labeled("subnet", labeled("s1", labeled("node", fork(nodeA, nodeB))))

	r := tree.LookupSubtree([]byte("subnet"), []byte("s1"), []byte("node"))
	if r.Status != LookupFound {
		t.Fatalf("subtree lookup = %v, want found", r.Status)
	}
	children := r.Subtree.FlattenForks()
	if len(children) != 2 {
		t.Fatalf("flattened %d children, want 2", len(children))
	}
	if string(children[0].Label) != "node-a" || string(children[1].Label) != "node-b" {
		t.Errorf("flatten order = %q, %q", children[0].Label, children[1].Label)
	}

	if r := tree.LookupSubtree([]byte("subnet"), []byte("s2")); r.Status != LookupAbsent {
		t.Errorf("missing subnet subtree = %v, want absent", r.Status)
	}
}

func TestFlattenForksSkipsEmpty(t *testing.T) {
	tree := fork(emptyTree(), fork(labeled("a", leaf(nil)), emptyTree()))
	children := tree.FlattenForks()
	if len(children) != 1 || string(children[0].Label) != "a" {
		t.Errorf("flatten = %d children", len(children))
	}
}

func TestHashTreeCBORRoundTrip(t *testing.T) {
	tree := fork(
		labeled("time", leaf([]byte{0x80, 0x01})),
		fork(
			pruned(t, labeled("hidden", leaf([]byte("gone")))),
			labeled("sig", leaf(bytes.Repeat([]byte{0xab}, 48))),
		),
	)
	wantRoot, err := tree.Reconstruct()
	if err != nil {
		t.Fatal(err)
	}

	encoded, err := cbor.Marshal(tree)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded HashTree
	if err := cbor.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	gotRoot, err := decoded.Reconstruct()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotRoot, wantRoot) {
		t.Errorf("root after round trip = %x, want %x", gotRoot, wantRoot)
	}
}

func TestHashTreeCBORRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not an array":     {0x01},
		"empty array":      {0x80},
		"unknown tag":      {0x82, 0x07, 0x40},
		"short pruned":     mustMarshal(t, []any{uint64(4), []byte{1, 2, 3}}),
		"fork arity":       mustMarshal(t, []any{uint64(1), []any{uint64(0)}}),
		"truncated":        {0x82, 0x03},
	}
	for name, data := range cases {
		var tree HashTree
		if err := tree.UnmarshalCBOR(data); err == nil {
			t.Errorf("%s: decode succeeded", name)
		}
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
