package certification

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// HashTree node kinds, matching the wire tags of the CBOR array encoding.
type NodeKind int

const (
	EmptyNode NodeKind = iota
	ForkNode
	LabeledNode
	LeafNode
	PrunedNode
)

// HashTree is a possibly-pruned Merkle tree over labelled paths.
//
// It is a closed sum: exactly the fields for the node's Kind are set.
type HashTree struct {
	Kind NodeKind

	// Fork
	Left  *HashTree
	Right *HashTree

	// Labeled
	Label   []byte
	Subtree *HashTree

	// Leaf
	Value []byte

	// Pruned
	Digest []byte
}

// domainSep is the length-prefixed domain separator used in all tree and
// signature hashing.
func domainSep(s string) []byte {
	sep := make([]byte, 0, len(s)+1)
	sep = append(sep, byte(len(s)))
	return append(sep, s...)
}

// Reconstruct recomputes the 32-byte root hash of the tree.
func (t *HashTree) Reconstruct() ([]byte, error) {
	switch t.Kind {
	case EmptyNode:
		h := sha256.Sum256(domainSep("ic-hashtree-empty"))
		return h[:], nil
	case ForkNode:
		left, err := t.Left.Reconstruct()
		if err != nil {
			return nil, err
		}
		right, err := t.Right.Reconstruct()
		if err != nil {
			return nil, err
		}
		hasher := sha256.New()
		hasher.Write(domainSep("ic-hashtree-fork"))
		hasher.Write(left)
		hasher.Write(right)
		return hasher.Sum(nil), nil
	case LabeledNode:
		sub, err := t.Subtree.Reconstruct()
		if err != nil {
			return nil, err
		}
		hasher := sha256.New()
		hasher.Write(domainSep("ic-hashtree-labeled"))
		hasher.Write(t.Label)
		hasher.Write(sub)
		return hasher.Sum(nil), nil
	case LeafNode:
		hasher := sha256.New()
		hasher.Write(domainSep("ic-hashtree-leaf"))
		hasher.Write(t.Value)
		return hasher.Sum(nil), nil
	case PrunedNode:
		if len(t.Digest) != sha256.Size {
			return nil, fmt.Errorf("pruned node digest is %d bytes, want %d", len(t.Digest), sha256.Size)
		}
		return t.Digest, nil
	default:
		return nil, fmt.Errorf("unknown hash tree node kind %d", t.Kind)
	}
}

// LookupStatus classifies the outcome of a path lookup.
type LookupStatus int

const (
	// LookupFound means the path leads to a concrete value or subtree.
	LookupFound LookupStatus = iota
	// LookupAbsent means the tree proves the path does not exist.
	LookupAbsent
	// LookupUnknown means the information was pruned away; the tree neither
	// proves presence nor absence.
	LookupUnknown
	// LookupInvalid means the tree shape contradicts the request, e.g. a leaf
	// was hit before the path was exhausted.
	LookupInvalid
)

func (s LookupStatus) String() string {
	switch s {
	case LookupFound:
		return "found"
	case LookupAbsent:
		return "absent"
	case LookupUnknown:
		return "unknown"
	case LookupInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("lookup status %d", int(s))
	}
}

// LookupResult is the outcome of LookupPath. Value is set only for LookupFound.
type LookupResult struct {
	Status LookupStatus
	Value  []byte
}

// SubtreeLookupResult is the outcome of LookupSubtree. Subtree is set only for
// LookupFound.
type SubtreeLookupResult struct {
	Status  LookupStatus
	Subtree *HashTree
}

// LookupPath looks up the concrete value at the given label path.
func (t *HashTree) LookupPath(path ...[]byte) LookupResult {
	if len(path) == 0 {
		switch t.Kind {
		case LeafNode:
			return LookupResult{Status: LookupFound, Value: t.Value}
		case EmptyNode:
			return LookupResult{Status: LookupAbsent}
		case PrunedNode:
			return LookupResult{Status: LookupUnknown}
		default:
			// The path names an interior node, not a value.
			return LookupResult{Status: LookupInvalid}
		}
	}
	if t.Kind == LeafNode {
		// A leaf cannot have children; the request contradicts the tree.
		return LookupResult{Status: LookupInvalid}
	}
	r := findLabel(path[0], t)
	switch r.Status {
	case LookupFound:
		return r.Subtree.LookupPath(path[1:]...)
	case LookupUnknown:
		return LookupResult{Status: LookupUnknown}
	default:
		return LookupResult{Status: LookupAbsent}
	}
}

// LookupSubtree looks up the subtree rooted at the given label path.
func (t *HashTree) LookupSubtree(path ...[]byte) SubtreeLookupResult {
	if len(path) == 0 {
		return SubtreeLookupResult{Status: LookupFound, Subtree: t}
	}
	if t.Kind == LeafNode {
		return SubtreeLookupResult{Status: LookupInvalid}
	}
	r := findLabel(path[0], t)
	switch r.Status {
	case LookupFound:
		return r.Subtree.LookupSubtree(path[1:]...)
	case LookupUnknown:
		return SubtreeLookupResult{Status: LookupUnknown}
	default:
		return SubtreeLookupResult{Status: LookupAbsent}
	}
}

// findLabel searches the fork structure of t for a direct child with the
// given label. Absence is only proven when no pruned branch could hide it.
func findLabel(label []byte, t *HashTree) SubtreeLookupResult {
	switch t.Kind {
	case LabeledNode:
		if bytes.Equal(label, t.Label) {
			return SubtreeLookupResult{Status: LookupFound, Subtree: t.Subtree}
		}
		return SubtreeLookupResult{Status: LookupAbsent}
	case ForkNode:
		left := findLabel(label, t.Left)
		if left.Status == LookupFound {
			return left
		}
		right := findLabel(label, t.Right)
		if right.Status == LookupFound {
			return right
		}
		if left.Status == LookupUnknown || right.Status == LookupUnknown {
			return SubtreeLookupResult{Status: LookupUnknown}
		}
		return SubtreeLookupResult{Status: LookupAbsent}
	case PrunedNode:
		return SubtreeLookupResult{Status: LookupUnknown}
	default:
		return SubtreeLookupResult{Status: LookupAbsent}
	}
}

// FlattenForks flattens the fork structure of t into its ordered sequence of
// non-empty children. Labels stay in tree order.
func (t *HashTree) FlattenForks() []*HashTree {
	switch t.Kind {
	case EmptyNode:
		return nil
	case ForkNode:
		return append(t.Left.FlattenForks(), t.Right.FlattenForks()...)
	default:
		return []*HashTree{t}
	}
}

// UnmarshalCBOR decodes the wire form: a tagged array
// [0] | [1, left, right] | [2, label, subtree] | [3, leaf] | [4, digest].
func (t *HashTree) UnmarshalCBOR(data []byte) error {
	var elems []cbor.RawMessage
	if err := cbor.Unmarshal(data, &elems); err != nil {
		return fmt.Errorf("hash tree node is not an array: %w", err)
	}
	if len(elems) == 0 {
		return fmt.Errorf("hash tree node array is empty")
	}
	var tag uint64
	if err := cbor.Unmarshal(elems[0], &tag); err != nil {
		return fmt.Errorf("hash tree node tag: %w", err)
	}
	switch NodeKind(tag) {
	case EmptyNode:
		if len(elems) != 1 {
			return fmt.Errorf("empty node has %d elements, want 1", len(elems))
		}
		*t = HashTree{Kind: EmptyNode}
	case ForkNode:
		if len(elems) != 3 {
			return fmt.Errorf("fork node has %d elements, want 3", len(elems))
		}
		var left, right HashTree
		if err := left.UnmarshalCBOR(elems[1]); err != nil {
			return err
		}
		if err := right.UnmarshalCBOR(elems[2]); err != nil {
			return err
		}
		*t = HashTree{Kind: ForkNode, Left: &left, Right: &right}
	case LabeledNode:
		if len(elems) != 3 {
			return fmt.Errorf("labeled node has %d elements, want 3", len(elems))
		}
		label, err := decodeBytes(elems[1])
		if err != nil {
			return fmt.Errorf("labeled node label: %w", err)
		}
		var sub HashTree
		if err := sub.UnmarshalCBOR(elems[2]); err != nil {
			return err
		}
		*t = HashTree{Kind: LabeledNode, Label: label, Subtree: &sub}
	case LeafNode:
		if len(elems) != 2 {
			return fmt.Errorf("leaf node has %d elements, want 2", len(elems))
		}
		value, err := decodeBytes(elems[1])
		if err != nil {
			return fmt.Errorf("leaf node value: %w", err)
		}
		*t = HashTree{Kind: LeafNode, Value: value}
	case PrunedNode:
		if len(elems) != 2 {
			return fmt.Errorf("pruned node has %d elements, want 2", len(elems))
		}
		digest, err := decodeBytes(elems[1])
		if err != nil {
			return fmt.Errorf("pruned node digest: %w", err)
		}
		if len(digest) != sha256.Size {
			return fmt.Errorf("pruned node digest is %d bytes, want %d", len(digest), sha256.Size)
		}
		*t = HashTree{Kind: PrunedNode, Digest: digest}
	default:
		return fmt.Errorf("unknown hash tree node tag %d", tag)
	}
	return nil
}

// MarshalCBOR encodes the wire form. Used by tests and the development mocks;
// verification only ever decodes.
func (t *HashTree) MarshalCBOR() ([]byte, error) {
	switch t.Kind {
	case EmptyNode:
		return cbor.Marshal([]any{uint64(EmptyNode)})
	case ForkNode:
		return cbor.Marshal([]any{uint64(ForkNode), t.Left, t.Right})
	case LabeledNode:
		return cbor.Marshal([]any{uint64(LabeledNode), t.Label, t.Subtree})
	case LeafNode:
		return cbor.Marshal([]any{uint64(LeafNode), t.Value})
	case PrunedNode:
		return cbor.Marshal([]any{uint64(PrunedNode), t.Digest})
	default:
		return nil, fmt.Errorf("unknown hash tree node kind %d", t.Kind)
	}
}

// decodeBytes accepts both byte and text strings; labels and leaves must be
// preserved byte-for-byte either way.
func decodeBytes(raw cbor.RawMessage) ([]byte, error) {
	var b []byte
	if err := cbor.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var s string
	if err := cbor.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}
