// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package tree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"
)

func testLeaf(role Role) *Leaf {
	return &Leaf{
		LeafID:    LeafID(ids.GenerateTestID()),
		Authority: ids.GenerateTestID(),
		Role:      role,
		PublicKey: []byte{0x01, 0x02, 0x03},
	}
}

func TestNewTree(t *testing.T) {
	require := require.New(t)

	tr, err := New(AllPolicy())
	require.NoError(err)
	require.Zero(tr.Epoch())
	require.NotEqual(ids.Empty, tr.RootCommitment())
	require.Empty(tr.Children(tr.Root()))

	_, err = New(Policy{Kind: Threshold})
	require.ErrorIs(err, ErrZeroThreshold)
}

func TestAddLeafUpdatesSpine(t *testing.T) {
	require := require.New(t)

	tr, err := New(AnyPolicy())
	require.NoError(err)

	devices, err := tr.AddBranch(tr.Root(), &Branch{Policy: AllPolicy()})
	require.NoError(err)
	guardians, err := tr.AddBranch(tr.Root(), &Branch{Policy: ThresholdPolicy(2)})
	require.NoError(err)
	_, err = tr.RecomputeCommitments([]NodeIndex{devices, guardians})
	require.NoError(err)

	before := tr.RootCommitment()
	guardianCommitment, ok := tr.Commitment(guardians)
	require.True(ok)

	idx, err := tr.AddLeaf(devices, testLeaf(Device))
	require.NoError(err)
	after, err := tr.RecomputeCommitments([]NodeIndex{idx})
	require.NoError(err)

	// The device spine changed; the untouched guardian subtree did not.
	require.NotEqual(before, after)
	unchanged, ok := tr.Commitment(guardians)
	require.True(ok)
	require.Equal(guardianCommitment, unchanged)

	path, err := tr.PathToRoot(idx)
	require.NoError(err)
	require.Equal([]NodeIndex{idx, devices, tr.Root()}, path)
}

func TestCommitmentsDeterministic(t *testing.T) {
	require := require.New(t)

	leafA := testLeaf(Device)
	leafB := testLeaf(Guardian)

	build := func() ids.ID {
		tr, err := New(AnyPolicy())
		require.NoError(err)
		branch, err := tr.AddBranch(tr.Root(), &Branch{Policy: ThresholdPolicy(1)})
		require.NoError(err)
		a := *leafA
		b := *leafB
		idxA, err := tr.AddLeaf(branch, &a)
		require.NoError(err)
		idxB, err := tr.AddLeaf(branch, &b)
		require.NoError(err)
		root, err := tr.RecomputeCommitments([]NodeIndex{idxA, idxB})
		require.NoError(err)
		return root
	}

	require.Equal(build(), build())
}

func TestBranchCommitmentBindsRecoveryPolicy(t *testing.T) {
	require := require.New(t)

	// Without a presence byte the recovery policy bytes of the first branch
	// line up exactly with the crafted group key of the second, and the two
	// preimages coincide.
	withPolicy, err := New(AnyPolicy())
	require.NoError(err)
	a, err := withPolicy.AddBranch(withPolicy.Root(), &Branch{
		Policy:         ThresholdPolicy(1),
		RecoveryPolicy: &Policy{Kind: 0, K: 0x0A07},
		GroupPublicKey: []byte{0x09},
	})
	require.NoError(err)
	_, err = withPolicy.RecomputeCommitments([]NodeIndex{a})
	require.NoError(err)

	without, err := New(AnyPolicy())
	require.NoError(err)
	b, err := without.AddBranch(without.Root(), &Branch{
		Policy:         ThresholdPolicy(1),
		GroupPublicKey: []byte{0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x09},
	})
	require.NoError(err)
	_, err = without.RecomputeCommitments([]NodeIndex{b})
	require.NoError(err)

	ca, ok := withPolicy.Commitment(a)
	require.True(ok)
	cb, ok := without.Commitment(b)
	require.True(ok)
	require.NotEqual(ca, cb)
}

func TestDuplicateLeaf(t *testing.T) {
	require := require.New(t)

	tr, err := New(AllPolicy())
	require.NoError(err)
	leaf := testLeaf(Device)
	_, err = tr.AddLeaf(tr.Root(), leaf)
	require.NoError(err)
	dup := *leaf
	_, err = tr.AddLeaf(tr.Root(), &dup)
	require.ErrorIs(err, ErrDuplicateLeaf)
}

func TestTombstoneLeaf(t *testing.T) {
	require := require.New(t)

	tr, err := New(AllPolicy())
	require.NoError(err)
	leafA := testLeaf(Device)
	leafB := testLeaf(Device)
	_, err = tr.AddLeaf(tr.Root(), leafA)
	require.NoError(err)
	_, err = tr.AddLeaf(tr.Root(), leafB)
	require.NoError(err)

	_, err = tr.TombstoneLeaf(leafA.LeafID)
	require.NoError(err)
	_, err = tr.TombstoneLeaf(leafA.LeafID)
	require.ErrorIs(err, ErrLeafTombstoned)
	_, err = tr.RekeyLeaf(leafA.LeafID, []byte{0xff})
	require.ErrorIs(err, ErrLeafTombstoned)

	// Tombstoned leaves drop out of the signing witness.
	_, threshold, members, err := tr.SigningWitness(tr.Root())
	require.NoError(err)
	require.Equal(1, threshold)
	require.Len(members, 1)
	require.Equal(leafB.LeafID, members[0].LeafID)

	_, err = tr.TombstoneLeaf(leafB.LeafID)
	require.NoError(err)
	_, _, _, err = tr.SigningWitness(tr.Root())
	require.ErrorIs(err, ErrNoEligibleSigners)
}

func TestRekeyLeaf(t *testing.T) {
	require := require.New(t)

	tr, err := New(AllPolicy())
	require.NoError(err)
	leaf := testLeaf(Device)
	_, err = tr.AddLeaf(tr.Root(), leaf)
	require.NoError(err)

	_, err = tr.RekeyLeaf(leaf.LeafID, []byte{0xaa, 0xbb})
	require.NoError(err)
	got, err := tr.GetLeaf(leaf.LeafID)
	require.NoError(err)
	require.Equal([]byte{0xaa, 0xbb}, got.PublicKey)
	require.Equal(uint64(1), got.KeyEpoch)
}

func TestSigningWitnessThresholds(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		leaves  int
		want    int
		wantErr error
	}{
		{name: "all of three", policy: AllPolicy(), leaves: 3, want: 3},
		{name: "any of three", policy: AnyPolicy(), leaves: 3, want: 1},
		{name: "two of three", policy: ThresholdPolicy(2), leaves: 3, want: 2},
		{name: "threshold exceeds members", policy: ThresholdPolicy(4), leaves: 3, wantErr: ErrThresholdTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			tr, err := New(tt.policy)
			require.NoError(err)
			for i := 0; i < tt.leaves; i++ {
				_, err := tr.AddLeaf(tr.Root(), testLeaf(Guardian))
				require.NoError(err)
			}
			_, threshold, members, err := tr.SigningWitness(tr.Root())
			if tt.wantErr != nil {
				require.ErrorIs(err, tt.wantErr)
				return
			}
			require.NoError(err)
			require.Equal(tt.want, threshold)
			require.Len(members, tt.leaves)
		})
	}
}

func TestCloneIndependence(t *testing.T) {
	require := require.New(t)

	tr, err := New(AllPolicy())
	require.NoError(err)
	leaf := testLeaf(Device)
	idx, err := tr.AddLeaf(tr.Root(), leaf)
	require.NoError(err)
	_, err = tr.RecomputeCommitments([]NodeIndex{idx})
	require.NoError(err)
	tr.AdvanceEpoch()

	clone := tr.Clone()
	require.Equal(tr.Epoch(), clone.Epoch())
	require.Equal(tr.RootCommitment(), clone.RootCommitment())

	_, err = tr.RekeyLeaf(leaf.LeafID, []byte{0xff})
	require.NoError(err)
	cloned, err := clone.GetLeaf(leaf.LeafID)
	require.NoError(err)
	require.Equal([]byte{0x01, 0x02, 0x03}, cloned.PublicKey)
	require.Zero(cloned.KeyEpoch)
}

func TestAddLeafOp(t *testing.T) {
	require := require.New(t)

	tr, err := New(AnyPolicy())
	require.NoError(err)
	op := &AddLeafOp{Parent: tr.Root(), Leaf: *testLeaf(Device)}
	require.NoError(op.Verify())

	governing, err := op.GoverningBranch(tr)
	require.NoError(err)
	require.Equal(tr.Root(), governing)

	modified, err := op.Apply(tr)
	require.NoError(err)
	require.Len(modified, 1)
	_, err = tr.GetLeaf(op.Leaf.LeafID)
	require.NoError(err)

	bad := &AddLeafOp{Parent: tr.Root()}
	require.ErrorIs(bad.Verify(), ErrEmptyPublicKey)
}

func TestRemoveLeafOp(t *testing.T) {
	require := require.New(t)

	tr, err := New(AnyPolicy())
	require.NoError(err)
	branch, err := tr.AddBranch(tr.Root(), &Branch{Policy: AllPolicy()})
	require.NoError(err)
	leaf := testLeaf(Device)
	_, err = tr.AddLeaf(branch, leaf)
	require.NoError(err)

	op := &RemoveLeafOp{Leaf: leaf.LeafID}
	governing, err := op.GoverningBranch(tr)
	require.NoError(err)
	require.Equal(branch, governing)

	_, err = op.Apply(tr)
	require.NoError(err)
	got, err := tr.GetLeaf(leaf.LeafID)
	require.NoError(err)
	require.True(got.Tombstoned)

	unknown := &RemoveLeafOp{Leaf: LeafID(ids.GenerateTestID())}
	_, err = unknown.GoverningBranch(tr)
	require.ErrorIs(err, ErrUnknownLeaf)
}

func TestUpdatePolicyOp(t *testing.T) {
	require := require.New(t)

	tr, err := New(AnyPolicy())
	require.NoError(err)
	for i := 0; i < 2; i++ {
		_, err := tr.AddLeaf(tr.Root(), testLeaf(Guardian))
		require.NoError(err)
	}

	// A threshold larger than the branch's membership is rejected at apply
	// time, not just at signing time.
	tooBig := &UpdatePolicyOp{Target: tr.Root(), Policy: ThresholdPolicy(3)}
	require.NoError(tooBig.Verify())
	_, err = tooBig.Apply(tr)
	require.ErrorIs(err, ErrThresholdTooLarge)

	op := &UpdatePolicyOp{Target: tr.Root(), Policy: ThresholdPolicy(2)}
	_, err = op.Apply(tr)
	require.NoError(err)
	branch, err := tr.GetBranch(tr.Root())
	require.NoError(err)
	require.Equal(ThresholdPolicy(2), branch.Policy)
}

func TestRefreshPolicyOp(t *testing.T) {
	require := require.New(t)

	tr, err := New(AnyPolicy())
	require.NoError(err)
	recovery := ThresholdPolicy(2)
	branch, err := tr.AddBranch(tr.Root(), &Branch{
		Policy:         AllPolicy(),
		RecoveryPolicy: &recovery,
	})
	require.NoError(err)

	op := &RefreshPolicyOp{Target: branch}
	governing, err := op.GoverningBranch(tr)
	require.NoError(err)
	require.Equal(tr.Root(), governing)

	_, err = op.Apply(tr)
	require.NoError(err)
	got, err := tr.GetBranch(branch)
	require.NoError(err)
	require.Equal(ThresholdPolicy(2), got.Policy)
	require.Equal(AllPolicy(), *got.RecoveryPolicy)

	// Refreshing again swaps back.
	_, err = op.Apply(tr)
	require.NoError(err)
	got, err = tr.GetBranch(branch)
	require.NoError(err)
	require.Equal(AllPolicy(), got.Policy)

	bare, err := tr.AddBranch(tr.Root(), &Branch{Policy: AllPolicy()})
	require.NoError(err)
	_, err = (&RefreshPolicyOp{Target: bare}).Apply(tr)
	require.ErrorIs(err, ErrNoRecoveryPolicy)
}

func TestRotateEpochOp(t *testing.T) {
	require := require.New(t)

	tr, err := New(AllPolicy())
	require.NoError(err)
	op := &RotateEpochOp{Target: tr.Root(), NewGroupKey: []byte{0xde, 0xad}}
	require.NoError(op.Verify())
	_, err = op.Apply(tr)
	require.NoError(err)
	branch, err := tr.GetBranch(tr.Root())
	require.NoError(err)
	require.Equal([]byte{0xde, 0xad}, branch.GroupPublicKey)

	require.ErrorIs((&RotateEpochOp{Target: tr.Root()}).Verify(), ErrEmptyPublicKey)
}

func TestDeviceRekeyOp(t *testing.T) {
	require := require.New(t)

	tr, err := New(AnyPolicy())
	require.NoError(err)
	branch, err := tr.AddBranch(tr.Root(), &Branch{Policy: AllPolicy()})
	require.NoError(err)
	leaf := testLeaf(Device)
	_, err = tr.AddLeaf(branch, leaf)
	require.NoError(err)

	op := &DeviceRekeyOp{
		Leaf:         leaf.LeafID,
		NewPublicKey: []byte{0xaa},
		CapabilityID: ids.GenerateTestID(),
	}
	require.NoError(op.Verify())

	governing, err := op.GoverningBranch(tr)
	require.NoError(err)
	require.Equal(branch, governing)

	_, err = op.Apply(tr)
	require.NoError(err)
	got, err := tr.GetLeaf(leaf.LeafID)
	require.NoError(err)
	require.Equal([]byte{0xaa}, got.PublicKey)
	require.Equal(uint64(1), got.KeyEpoch)

	noCap := &DeviceRekeyOp{Leaf: leaf.LeafID, NewPublicKey: []byte{0xaa}}
	require.Error(noCap.Verify())
}

func TestOperationCodecRoundTrip(t *testing.T) {
	require := require.New(t)

	op := &Operation{
		ParentEpoch:      7,
		ParentCommitment: ids.GenerateTestID(),
		Detail: &AddLeafOp{
			Parent: 3,
			Leaf:   *testLeaf(Guardian),
		},
	}
	require.NoError(op.Verify())

	b, err := MarshalOperation(op)
	require.NoError(err)
	parsed, err := UnmarshalOperation(b)
	require.NoError(err)
	require.Equal(op, parsed)
}
