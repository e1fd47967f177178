// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package tree

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"
)

var (
	ErrEmptyPublicKey = errors.New("empty public key")

	_ Op = (*AddLeafOp)(nil)
	_ Op = (*RemoveLeafOp)(nil)
	_ Op = (*UpdatePolicyOp)(nil)
	_ Op = (*RotateEpochOp)(nil)
	_ Op = (*RefreshPolicyOp)(nil)
	_ Op = (*DeviceRekeyOp)(nil)
)

// Op is a requested tree mutation. Ops are pure data: Apply performs the
// mutation and reports the arena nodes whose commitments must be recomputed.
type Op interface {
	// GoverningBranch returns the branch whose policy authorizes this op.
	GoverningBranch(t *Tree) (NodeIndex, error)
	// Apply mutates the tree. Commitment recomputation and the epoch
	// advance are the caller's responsibility.
	Apply(t *Tree) ([]NodeIndex, error)
	// Verify checks structural validity without tree context.
	Verify() error
}

// Operation pins an op to the (epoch, commitment) prestate it was built
// against. An operation whose prestate no longer matches the tree is stale
// and must be reissued.
type Operation struct {
	ParentEpoch      uint64 `serialize:"true" json:"parentEpoch"`
	ParentCommitment ids.ID `serialize:"true" json:"parentCommitment"`
	Detail           Op     `serialize:"true" json:"detail"`
}

// Verify checks the wrapped op.
func (o *Operation) Verify() error {
	if o.Detail == nil {
		return errors.New("operation has no detail")
	}
	return o.Detail.Verify()
}

// AddLeafOp inserts a device or guardian leaf under a branch.
type AddLeafOp struct {
	Parent NodeIndex `serialize:"true" json:"parent"`
	Leaf   Leaf      `serialize:"true" json:"leaf"`
}

func (op *AddLeafOp) GoverningBranch(*Tree) (NodeIndex, error) {
	return op.Parent, nil
}

func (op *AddLeafOp) Apply(t *Tree) ([]NodeIndex, error) {
	idx, err := t.AddLeaf(op.Parent, &op.Leaf)
	if err != nil {
		return nil, err
	}
	return []NodeIndex{idx}, nil
}

func (op *AddLeafOp) Verify() error {
	if len(op.Leaf.PublicKey) == 0 {
		return ErrEmptyPublicKey
	}
	if op.Leaf.Tombstoned {
		return ErrLeafTombstoned
	}
	return nil
}

// RemoveLeafOp tombstones a leaf.
type RemoveLeafOp struct {
	Leaf LeafID `serialize:"true" json:"leaf"`
}

func (op *RemoveLeafOp) GoverningBranch(t *Tree) (NodeIndex, error) {
	idx, err := t.LeafIndex(op.Leaf)
	if err != nil {
		return 0, err
	}
	parent, ok := t.Parent(idx)
	if !ok {
		return 0, fmt.Errorf("%w: leaf %s is detached", ErrUnknownNode, op.Leaf)
	}
	return parent, nil
}

func (op *RemoveLeafOp) Apply(t *Tree) ([]NodeIndex, error) {
	idx, err := t.TombstoneLeaf(op.Leaf)
	if err != nil {
		return nil, err
	}
	return []NodeIndex{idx}, nil
}

func (op *RemoveLeafOp) Verify() error {
	return nil
}

// UpdatePolicyOp replaces a branch's policy. The op is governed by the old
// policy: the signers required are those the branch demanded before the
// change.
type UpdatePolicyOp struct {
	Target NodeIndex `serialize:"true" json:"target"`
	Policy Policy    `serialize:"true" json:"policy"`
}

func (op *UpdatePolicyOp) GoverningBranch(*Tree) (NodeIndex, error) {
	return op.Target, nil
}

func (op *UpdatePolicyOp) Apply(t *Tree) ([]NodeIndex, error) {
	branch, err := t.GetBranch(op.Target)
	if err != nil {
		return nil, err
	}
	childCount := len(t.Children(op.Target))
	if _, err := op.Policy.RequiredSigners(childCount); err != nil {
		return nil, err
	}
	branch.Policy = op.Policy
	return []NodeIndex{op.Target}, nil
}

func (op *UpdatePolicyOp) Verify() error {
	return op.Policy.Verify()
}

// RotateEpochOp installs a freshly-derived group signing key on a branch.
type RotateEpochOp struct {
	Target      NodeIndex `serialize:"true" json:"target"`
	NewGroupKey []byte    `serialize:"true" json:"newGroupKey"`
}

func (op *RotateEpochOp) GoverningBranch(*Tree) (NodeIndex, error) {
	return op.Target, nil
}

func (op *RotateEpochOp) Apply(t *Tree) ([]NodeIndex, error) {
	if err := t.SetGroupKey(op.Target, op.NewGroupKey); err != nil {
		return nil, err
	}
	return []NodeIndex{op.Target}, nil
}

func (op *RotateEpochOp) Verify() error {
	if len(op.NewGroupKey) == 0 {
		return ErrEmptyPublicKey
	}
	return nil
}

// RefreshPolicyOp activates a branch's recovery policy, swapping it with the
// standing policy. Unlike UpdatePolicyOp it is governed by the branch's
// parent, so guardians can arm recovery authority on a branch whose devices
// are unavailable.
type RefreshPolicyOp struct {
	Target NodeIndex `serialize:"true" json:"target"`
}

func (op *RefreshPolicyOp) GoverningBranch(t *Tree) (NodeIndex, error) {
	if parent, ok := t.Parent(op.Target); ok {
		return parent, nil
	}
	// The root refreshes under its own standing policy.
	return op.Target, nil
}

func (op *RefreshPolicyOp) Apply(t *Tree) ([]NodeIndex, error) {
	branch, err := t.GetBranch(op.Target)
	if err != nil {
		return nil, err
	}
	if branch.RecoveryPolicy == nil {
		return nil, fmt.Errorf("%w: branch %d", ErrNoRecoveryPolicy, op.Target)
	}
	branch.Policy, *branch.RecoveryPolicy = *branch.RecoveryPolicy, branch.Policy
	return []NodeIndex{op.Target}, nil
}

func (op *RefreshPolicyOp) Verify() error {
	return nil
}

// DeviceRekeyOp installs a new public key on a device leaf. CapabilityID
// names the recovery capability authorizing the rekey; the reducer verifies
// and tombstones it in the same reduction step.
type DeviceRekeyOp struct {
	Leaf         LeafID `serialize:"true" json:"leaf"`
	NewPublicKey []byte `serialize:"true" json:"newPublicKey"`
	CapabilityID ids.ID `serialize:"true" json:"capabilityID"`
}

func (op *DeviceRekeyOp) GoverningBranch(t *Tree) (NodeIndex, error) {
	idx, err := t.LeafIndex(op.Leaf)
	if err != nil {
		return 0, err
	}
	parent, ok := t.Parent(idx)
	if !ok {
		return 0, fmt.Errorf("%w: leaf %s is detached", ErrUnknownNode, op.Leaf)
	}
	return parent, nil
}

func (op *DeviceRekeyOp) Apply(t *Tree) ([]NodeIndex, error) {
	idx, err := t.RekeyLeaf(op.Leaf, op.NewPublicKey)
	if err != nil {
		return nil, err
	}
	return []NodeIndex{idx}, nil
}

func (op *DeviceRekeyOp) Verify() error {
	if len(op.NewPublicKey) == 0 {
		return ErrEmptyPublicKey
	}
	if op.CapabilityID == ids.Empty {
		return errors.New("device rekey without capability")
	}
	return nil
}
