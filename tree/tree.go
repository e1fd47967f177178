// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package tree implements the commitment tree: an arena of branch and leaf
// nodes whose 32-byte commitments digest node contents and, for branches,
// child commitments in fixed order. The root commitment plus the epoch is
// the tree's identity; every attested operation moves the tree from one
// (epoch, commitment) pair to the next.
package tree

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
)

var (
	ErrUnknownNode       = errors.New("unknown node index")
	ErrUnknownLeaf       = errors.New("unknown leaf")
	ErrDuplicateLeaf     = errors.New("leaf already present")
	ErrNotBranch         = errors.New("node is not a branch")
	ErrNotLeaf           = errors.New("node is not a leaf")
	ErrLeafTombstoned    = errors.New("leaf is tombstoned")
	ErrNoRecoveryPolicy  = errors.New("branch has no recovery policy")
	ErrNoSigningKey      = errors.New("branch has no group signing key")
	ErrNoEligibleSigners = errors.New("branch has no eligible signers")
)

// NodeIndex is the opaque handle of a node in the arena.
type NodeIndex uint32

// LeafID is the stable identity of a leaf, independent of its arena index.
type LeafID ids.ID

func (l LeafID) String() string {
	return ids.ID(l).String()
}

// Role distinguishes the two kinds of leaves.
type Role uint8

const (
	Device Role = iota + 1
	Guardian
)

func (r Role) String() string {
	switch r {
	case Device:
		return "device"
	case Guardian:
		return "guardian"
	default:
		return "unknown"
	}
}

// Leaf is a device or guardian identity under a branch.
type Leaf struct {
	LeafID     LeafID `serialize:"true" json:"leafID"`
	Authority  ids.ID `serialize:"true" json:"authority"`
	Role       Role   `serialize:"true" json:"role"`
	PublicKey  []byte `serialize:"true" json:"publicKey"`
	KeyEpoch   uint64 `serialize:"true" json:"keyEpoch"`
	Tombstoned bool   `serialize:"true" json:"tombstoned"`
}

// Branch is an interior node carrying the signing policy for its children.
// RecoveryPolicy, when set, is the alternative policy a RefreshPolicy
// operation activates (guardian authority during recovery).
type Branch struct {
	Policy         Policy  `serialize:"true" json:"policy"`
	RecoveryPolicy *Policy `serialize:"true" json:"recoveryPolicy"`
	GroupPublicKey []byte  `serialize:"true" json:"groupPublicKey"`
}

// Tree is the arena. The arena owns all nodes; lookups return views that
// must not be retained across mutations. Mutators do not recompute
// commitments; callers batch mutations and then call RecomputeCommitments
// with the affected nodes.
type Tree struct {
	nextIndex NodeIndex
	root      NodeIndex
	epoch     uint64

	branches map[NodeIndex]*Branch
	leaves   map[NodeIndex]*Leaf
	parents  map[NodeIndex]NodeIndex
	children map[NodeIndex]set.Set[NodeIndex]
	byLeafID map[LeafID]NodeIndex

	commitments map[NodeIndex]ids.ID
}

// New creates a tree holding a single root branch with [rootPolicy].
func New(rootPolicy Policy) (*Tree, error) {
	if err := rootPolicy.Verify(); err != nil {
		return nil, err
	}
	t := &Tree{
		branches:    make(map[NodeIndex]*Branch),
		leaves:      make(map[NodeIndex]*Leaf),
		parents:     make(map[NodeIndex]NodeIndex),
		children:    make(map[NodeIndex]set.Set[NodeIndex]),
		byLeafID:    make(map[LeafID]NodeIndex),
		commitments: make(map[NodeIndex]ids.ID),
	}
	t.root = t.allocIndex()
	t.branches[t.root] = &Branch{Policy: rootPolicy}
	t.children[t.root] = set.NewSet[NodeIndex](0)
	t.recomputeNode(t.root)
	return t, nil
}

func (t *Tree) allocIndex() NodeIndex {
	idx := t.nextIndex
	t.nextIndex++
	return idx
}

// Root returns the root branch index.
func (t *Tree) Root() NodeIndex {
	return t.root
}

// Epoch returns the current epoch.
func (t *Tree) Epoch() uint64 {
	return t.epoch
}

// AdvanceEpoch increments the epoch counter.
func (t *Tree) AdvanceEpoch() {
	t.epoch++
}

// RootCommitment returns the commitment identifying the tree's contents.
func (t *Tree) RootCommitment() ids.ID {
	return t.commitments[t.root]
}

// PrestateHash digests the (epoch, root commitment) pair that operations
// pin as their prestate.
func (t *Tree) PrestateHash() ids.ID {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], t.epoch)
	h.Write(buf[:])
	root := t.commitments[t.root]
	h.Write(root[:])
	var out ids.ID
	copy(out[:], h.Sum(nil))
	return out
}

// Commitment returns the commitment of [idx].
func (t *Tree) Commitment(idx NodeIndex) (ids.ID, bool) {
	c, ok := t.commitments[idx]
	return c, ok
}

// Parent returns the parent of [idx]. The root has no parent.
func (t *Tree) Parent(idx NodeIndex) (NodeIndex, bool) {
	p, ok := t.parents[idx]
	return p, ok
}

// Children returns the children of [idx] in ascending index order.
func (t *Tree) Children(idx NodeIndex) []NodeIndex {
	kids := t.children[idx].List()
	slices.Sort(kids)
	return kids
}

// PathToRoot returns the nodes from [idx] (inclusive) to the root.
func (t *Tree) PathToRoot(idx NodeIndex) ([]NodeIndex, error) {
	if !t.contains(idx) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, idx)
	}
	path := []NodeIndex{idx}
	for idx != t.root {
		parent, ok := t.parents[idx]
		if !ok {
			return nil, fmt.Errorf("%w: %d is detached", ErrUnknownNode, idx)
		}
		path = append(path, parent)
		idx = parent
	}
	return path, nil
}

func (t *Tree) contains(idx NodeIndex) bool {
	_, isBranch := t.branches[idx]
	_, isLeaf := t.leaves[idx]
	return isBranch || isLeaf
}

// GetBranch returns the branch at [idx].
func (t *Tree) GetBranch(idx NodeIndex) (*Branch, error) {
	b, ok := t.branches[idx]
	if !ok {
		if _, isLeaf := t.leaves[idx]; isLeaf {
			return nil, fmt.Errorf("%w: %d", ErrNotBranch, idx)
		}
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, idx)
	}
	return b, nil
}

// GetLeaf returns the leaf with [id].
func (t *Tree) GetLeaf(id LeafID) (*Leaf, error) {
	idx, ok := t.byLeafID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLeaf, id)
	}
	return t.leaves[idx], nil
}

// LeafIndex returns the arena index of leaf [id].
func (t *Tree) LeafIndex(id LeafID) (NodeIndex, error) {
	idx, ok := t.byLeafID[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownLeaf, id)
	}
	return idx, nil
}

// Leaves returns all leaves keyed by arena index.
func (t *Tree) Leaves() map[NodeIndex]*Leaf {
	return t.leaves
}

// AddBranch inserts a child branch under [parent].
func (t *Tree) AddBranch(parent NodeIndex, branch *Branch) (NodeIndex, error) {
	if _, err := t.GetBranch(parent); err != nil {
		return 0, err
	}
	if err := branch.Policy.Verify(); err != nil {
		return 0, err
	}
	idx := t.allocIndex()
	t.branches[idx] = branch
	t.parents[idx] = parent
	t.children[idx] = set.NewSet[NodeIndex](0)
	t.attach(parent, idx)
	return idx, nil
}

func (t *Tree) attach(parent, child NodeIndex) {
	kids := t.children[parent]
	kids.Add(child)
	t.children[parent] = kids
}

// AddLeaf inserts [leaf] under [parent].
func (t *Tree) AddLeaf(parent NodeIndex, leaf *Leaf) (NodeIndex, error) {
	if _, err := t.GetBranch(parent); err != nil {
		return 0, err
	}
	if _, ok := t.byLeafID[leaf.LeafID]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateLeaf, leaf.LeafID)
	}
	idx := t.allocIndex()
	t.leaves[idx] = leaf
	t.parents[idx] = parent
	t.attach(parent, idx)
	t.byLeafID[leaf.LeafID] = idx
	return idx, nil
}

// TombstoneLeaf marks leaf [id] removed. The node stays in the arena so the
// audit trail and commitments over historical state remain computable;
// physical removal happens only at snapshot GC points.
func (t *Tree) TombstoneLeaf(id LeafID) (NodeIndex, error) {
	idx, ok := t.byLeafID[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownLeaf, id)
	}
	leaf := t.leaves[idx]
	if leaf.Tombstoned {
		return 0, fmt.Errorf("%w: %s", ErrLeafTombstoned, id)
	}
	leaf.Tombstoned = true
	return idx, nil
}

// RekeyLeaf installs a new public key on leaf [id] and bumps its key epoch.
func (t *Tree) RekeyLeaf(id LeafID, newPublicKey []byte) (NodeIndex, error) {
	idx, ok := t.byLeafID[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownLeaf, id)
	}
	leaf := t.leaves[idx]
	if leaf.Tombstoned {
		return 0, fmt.Errorf("%w: %s", ErrLeafTombstoned, id)
	}
	leaf.PublicKey = newPublicKey
	leaf.KeyEpoch++
	return idx, nil
}

// SetGroupKey installs a new group signing key on branch [idx].
func (t *Tree) SetGroupKey(idx NodeIndex, key []byte) error {
	branch, err := t.GetBranch(idx)
	if err != nil {
		return err
	}
	branch.GroupPublicKey = key
	return nil
}

// SigningWitness returns the verification material governing branch [idx]:
// its group public key, the derived signer threshold, and the eligible
// (non-tombstoned) leaf children in ascending index order.
func (t *Tree) SigningWitness(idx NodeIndex) ([]byte, int, []*Leaf, error) {
	branch, err := t.GetBranch(idx)
	if err != nil {
		return nil, 0, nil, err
	}

	var members []*Leaf
	for _, child := range t.Children(idx) {
		leaf, ok := t.leaves[child]
		if !ok || leaf.Tombstoned {
			continue
		}
		members = append(members, leaf)
	}
	if len(members) == 0 {
		return nil, 0, nil, fmt.Errorf("%w: branch %d", ErrNoEligibleSigners, idx)
	}

	threshold, err := branch.Policy.RequiredSigners(len(members))
	if err != nil {
		return nil, 0, nil, err
	}
	return branch.GroupPublicKey, threshold, members, nil
}

// RecomputeCommitments recomputes the commitments of every node on the paths
// from [modified] to the root, bottom-up, and returns the new root
// commitment.
func (t *Tree) RecomputeCommitments(modified []NodeIndex) (ids.ID, error) {
	affected := set.NewSet[NodeIndex](len(modified))
	maxDepth := make(map[NodeIndex]int)
	for _, idx := range modified {
		path, err := t.PathToRoot(idx)
		if err != nil {
			return ids.Empty, err
		}
		// Nodes deeper in the tree must be recomputed before their parents;
		// depth from the root orders the recomputation.
		for i, node := range path {
			affected.Add(node)
			depth := len(path) - 1 - i
			if depth > maxDepth[node] {
				maxDepth[node] = depth
			}
		}
	}

	ordered := affected.List()
	slices.SortFunc(ordered, func(a, b NodeIndex) int {
		if d := maxDepth[b] - maxDepth[a]; d != 0 {
			return d
		}
		return int(a) - int(b)
	})
	for _, idx := range ordered {
		t.recomputeNode(idx)
	}
	return t.commitments[t.root], nil
}

// recomputeNode digests a node's contents into its commitment. Branch
// commitments concatenate child commitments in ascending NodeIndex order.
func (t *Tree) recomputeNode(idx NodeIndex) {
	h := sha256.New()
	var buf [8]byte

	if leaf, ok := t.leaves[idx]; ok {
		h.Write([]byte{0x00})
		h.Write(leaf.LeafID[:])
		h.Write(leaf.Authority[:])
		h.Write([]byte{byte(leaf.Role)})
		binary.BigEndian.PutUint64(buf[:], uint64(len(leaf.PublicKey)))
		h.Write(buf[:])
		h.Write(leaf.PublicKey)
		binary.BigEndian.PutUint64(buf[:], leaf.KeyEpoch)
		h.Write(buf[:])
		if leaf.Tombstoned {
			h.Write([]byte{0x01})
		} else {
			h.Write([]byte{0x00})
		}
	} else if branch, ok := t.branches[idx]; ok {
		h.Write([]byte{0x01})
		h.Write([]byte{byte(branch.Policy.Kind)})
		binary.BigEndian.PutUint64(buf[:], uint64(branch.Policy.K))
		h.Write(buf[:])
		// A presence byte keeps a branch without a recovery policy from
		// hashing identically to one with a policy folded into later fields.
		if branch.RecoveryPolicy != nil {
			h.Write([]byte{0x01})
			h.Write([]byte{byte(branch.RecoveryPolicy.Kind)})
			binary.BigEndian.PutUint64(buf[:], uint64(branch.RecoveryPolicy.K))
			h.Write(buf[:])
		} else {
			h.Write([]byte{0x00})
		}
		binary.BigEndian.PutUint64(buf[:], uint64(len(branch.GroupPublicKey)))
		h.Write(buf[:])
		h.Write(branch.GroupPublicKey)
		for _, child := range t.Children(idx) {
			childCommitment := t.commitments[child]
			h.Write(childCommitment[:])
		}
	} else {
		return
	}

	var commitment ids.ID
	copy(commitment[:], h.Sum(nil))
	t.commitments[idx] = commitment
}

// Clone returns a deep copy for snapshot readers.
func (t *Tree) Clone() *Tree {
	clone := &Tree{
		nextIndex:   t.nextIndex,
		root:        t.root,
		epoch:       t.epoch,
		branches:    make(map[NodeIndex]*Branch, len(t.branches)),
		leaves:      make(map[NodeIndex]*Leaf, len(t.leaves)),
		parents:     make(map[NodeIndex]NodeIndex, len(t.parents)),
		children:    make(map[NodeIndex]set.Set[NodeIndex], len(t.children)),
		byLeafID:    make(map[LeafID]NodeIndex, len(t.byLeafID)),
		commitments: make(map[NodeIndex]ids.ID, len(t.commitments)),
	}
	for idx, branch := range t.branches {
		b := *branch
		if branch.RecoveryPolicy != nil {
			rp := *branch.RecoveryPolicy
			b.RecoveryPolicy = &rp
		}
		b.GroupPublicKey = slices.Clone(branch.GroupPublicKey)
		clone.branches[idx] = &b
	}
	for idx, leaf := range t.leaves {
		l := *leaf
		l.PublicKey = slices.Clone(leaf.PublicKey)
		clone.leaves[idx] = &l
	}
	for idx, parent := range t.parents {
		clone.parents[idx] = parent
	}
	for idx, kids := range t.children {
		copied := set.NewSet[NodeIndex](kids.Len())
		for child := range kids {
			copied.Add(child)
		}
		clone.children[idx] = copied
	}
	for id, idx := range t.byLeafID {
		clone.byLeafID[id] = idx
	}
	for idx, c := range t.commitments {
		clone.commitments[idx] = c
	}
	return clone
}
