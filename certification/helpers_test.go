package certification

import (
	"math/big"
	"testing"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// Tree construction shorthands.

func emptyTree() *HashTree { return &HashTree{Kind: EmptyNode} }

func fork(left, right *HashTree) *HashTree {
	return &HashTree{Kind: ForkNode, Left: left, Right: right}
}

func labeled(label string, sub *HashTree) *HashTree {
	return &HashTree{Kind: LabeledNode, Label: []byte(label), Subtree: sub}
}

func labeledBytes(label []byte, sub *HashTree) *HashTree {
	return &HashTree{Kind: LabeledNode, Label: label, Subtree: sub}
}

func leaf(value []byte) *HashTree {
	return &HashTree{Kind: LeafNode, Value: value}
}

func pruned(t *testing.T, sub *HashTree) *HashTree {
	t.Helper()
	digest, err := sub.Reconstruct()
	if err != nil {
		t.Fatalf("reconstructing subtree for pruning: %v", err)
	}
	return &HashTree{Kind: PrunedNode, Digest: digest}
}

// testBLSKey is a throwaway BLS12-381 key pair for signing test
// certificates.
type testBLSKey struct {
	sk big.Int
	pk bls12381.G2Affine
}

func newTestBLSKey(t *testing.T, seed int64) *testBLSKey {
	t.Helper()
	var scalar fr.Element
	scalar.SetInt64(seed)
	// Mix the seed so adjacent seeds give unrelated scalars.
	scalar.Square(&scalar).Add(&scalar, new(fr.Element).SetInt64(7))

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

func (k *testBLSKey) publicKeyDER(t *testing.T) []byte {
	t.Helper()
	der, err := PublicKeyToDER(k.publicKey())
	if err != nil {
		t.Fatalf("wrapping test key: %v", err)
	}
	return der
}

func (k *testBLSKey) sign(t *testing.T, msg []byte) []byte {
	t.Helper()
	hm, err := bls12381.HashToG1(msg, []byte(blsDST))
	if err != nil {
		t.Fatalf("hashing message to curve: %v", err)
	}
	var sig bls12381.G1Affine
	sig.ScalarMultiplication(&hm, &k.sk)
	b := sig.Bytes()
	return b[:]
}

// signTree signs a tree's root the way subnets sign state roots.
func (k *testBLSKey) signTree(t *testing.T, tree *HashTree) []byte {
	t.Helper()
	root, err := tree.Reconstruct()
	if err != nil {
		t.Fatalf("reconstructing tree: %v", err)
	}
	return k.sign(t, append(domainSep("ic-state-root"), root...))
}
