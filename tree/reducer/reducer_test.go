// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package reducer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"

	"github.com/auranet/aura/authority"
	"github.com/auranet/aura/journal"
	"github.com/auranet/aura/journal/timestamp"
	"github.com/auranet/aura/signing"
	"github.com/auranet/aura/tree"
)

const testWall = uint64(1_700_000_000_000_000_000)

type fixture struct {
	require *require.Assertions

	tree     *tree.Tree
	devices  tree.NodeIndex
	guards   tree.NodeIndex
	signers  map[ids.ID]*signing.Signer
	devIDs   []ids.ID
	devLeafs []tree.LeafID
	grdIDs   []ids.ID
}

// newFixture builds a genesis tree: root with a device branch (three
// devices, 2-of-n policy) and a guardian branch (three guardians).
func newFixture(t *testing.T) *fixture {
	r := require.New(t)

	tr, err := tree.New(tree.AllPolicy())
	r.NoError(err)

	fx := &fixture{
		require: r,
		tree:    tr,
		signers: make(map[ids.ID]*signing.Signer),
	}

	fx.devices, err = tr.AddBranch(tr.Root(), &tree.Branch{Policy: tree.ThresholdPolicy(2)})
	r.NoError(err)
	fx.guards, err = tr.AddBranch(tr.Root(), &tree.Branch{Policy: tree.ThresholdPolicy(2)})
	r.NoError(err)

	var modified []tree.NodeIndex
	for i := 0; i < 3; i++ {
		authID, leafID, idx := fx.addLeaf(fx.devices, tree.Device)
		fx.devIDs = append(fx.devIDs, authID)
		fx.devLeafs = append(fx.devLeafs, leafID)
		modified = append(modified, idx)
	}
	for i := 0; i < 3; i++ {
		authID, _, idx := fx.addLeaf(fx.guards, tree.Guardian)
		fx.grdIDs = append(fx.grdIDs, authID)
		modified = append(modified, idx)
	}
	_, err = tr.RecomputeCommitments(modified)
	r.NoError(err)
	return fx
}

func (fx *fixture) addLeaf(parent tree.NodeIndex, role tree.Role) (ids.ID, tree.LeafID, tree.NodeIndex) {
	signer, err := signing.NewSigner()
	fx.require.NoError(err)

	authID := ids.GenerateTestID()
	leafID := tree.LeafID(ids.GenerateTestID())
	idx, err := fx.tree.AddLeaf(parent, &tree.Leaf{
		LeafID:    leafID,
		Authority: authID,
		Role:      role,
		PublicKey: signer.PublicKeyBytes(),
	})
	fx.require.NoError(err)
	fx.signers[authID] = signer
	return authID, leafID, idx
}

func (fx *fixture) newReducer(t *testing.T) *Reducer {
	red, err := New(log.NewNoOpLogger(), metric.NewRegistry())
	require.NoError(t, err)
	return red
}

// attest aggregates shares from [signerIDs] over [msg] under the witness
// set of [members] with [threshold].
func (fx *fixture) attest(msg []byte, members []*tree.Leaf, threshold int, signerIDs ...ids.ID) signing.Attestation {
	witnesses := make([]*signing.Witness, len(members))
	for i, leaf := range members {
		witnesses[i] = &signing.Witness{
			AuthorityID:    leaf.Authority,
			PublicKeyBytes: leaf.PublicKey,
			KeyEpoch:       leaf.KeyEpoch,
		}
	}
	ws, err := signing.NewWitnessSet(witnesses, threshold)
	fx.require.NoError(err)

	shares := make(map[ids.ID]*bls.Signature, len(signerIDs))
	for _, id := range signerIDs {
		sig, err := fx.signers[id].Sign(msg)
		fx.require.NoError(err)
		shares[id] = sig
	}
	att, err := signing.Aggregate(ws, shares)
	fx.require.NoError(err)
	return *att
}

// attestedOp pins [detail] to the current prestate and signs it with
// [signerIDs] under the governing branch's witness set.
func (fx *fixture) attestedOp(detail tree.Op, signerIDs ...ids.ID) *journal.AttestedOp {
	content := &journal.AttestedOp{
		ConsensusID: ids.GenerateTestID(),
		Operation: tree.Operation{
			ParentEpoch:      fx.tree.Epoch(),
			ParentCommitment: fx.tree.RootCommitment(),
			Detail:           detail,
		},
	}
	msg, err := content.SignedBytes()
	fx.require.NoError(err)

	governing, err := detail.GoverningBranch(fx.tree)
	fx.require.NoError(err)
	_, threshold, members, err := fx.tree.SigningWitness(governing)
	fx.require.NoError(err)

	content.Attestation = fx.attest(msg, members, threshold, signerIDs...)
	return content
}

// recoveryGrant issues a capability for [device] signed by a 2-of-3
// guardian quorum.
func (fx *fixture) recoveryGrant(device int, issuedAt int64) (*journal.RecoveryGrant, ids.ID) {
	leafIdx, err := fx.tree.LeafIndex(fx.devLeafs[device])
	fx.require.NoError(err)

	capability := authority.RecoveryCapability{
		CapabilityID:      ids.GenerateTestID(),
		TargetDevice:      ids.ID(fx.devLeafs[device]),
		LeafIndex:         uint32(leafIdx),
		Epoch:             fx.tree.Epoch(),
		Guardians:         fx.grdIDs,
		GuardianThreshold: 2,
		Reason:            "device lost",
		IssuedAt:          issuedAt,
		Expiry:            issuedAt + int64(10*time.Minute),
	}
	msg, err := capability.Bytes()
	fx.require.NoError(err)

	var guardianLeaves []*tree.Leaf
	for _, leaf := range fx.tree.Leaves() {
		if leaf.Role == tree.Guardian {
			guardianLeaves = append(guardianLeaves, leaf)
		}
	}
	grant := &journal.RecoveryGrant{
		Capability:  capability,
		Attestation: fx.attest(msg, guardianLeaves, 2, fx.grdIDs[0], fx.grdIDs[1]),
	}
	return grant, capability.CapabilityID
}

func newFact(r *require.Assertions, ts timestamp.Timestamp, content journal.Content) *journal.Fact {
	f, err := journal.NewFact(ts, content)
	r.NoError(err)
	return f
}

func wallFact(r *require.Assertions, wall uint64, content journal.Content) *journal.Fact {
	return newFact(r, timestamp.NewPhysical(wall, 0), content)
}

func TestApplyAttestedOp(t *testing.T) {
	fx := newFixture(t)
	r := fx.require
	red := fx.newReducer(t)
	state := NewState(fx.tree, nil)

	newDevice, err := signing.NewSigner()
	r.NoError(err)
	leafID := tree.LeafID(ids.GenerateTestID())
	op := fx.attestedOp(&tree.AddLeafOp{
		Parent: fx.devices,
		Leaf: tree.Leaf{
			LeafID:    leafID,
			Authority: ids.GenerateTestID(),
			Role:      tree.Device,
			PublicKey: newDevice.PublicKeyBytes(),
		},
	}, fx.devIDs[0], fx.devIDs[1])

	before := state.Tree.RootCommitment()
	r.NoError(red.Apply(state, wallFact(r, testWall, op)))

	r.Equal(uint64(1), state.Tree.Epoch())
	r.NotEqual(before, state.Tree.RootCommitment())
	_, err = state.Tree.GetLeaf(leafID)
	r.NoError(err)
	r.Empty(state.Rejections())
}

func TestStalePrestateRecorded(t *testing.T) {
	fx := newFixture(t)
	r := fx.require
	red := fx.newReducer(t)
	state := NewState(fx.tree, nil)

	// Two operations built against the same prestate; the second loses
	// the race and must be recorded as stale, not rejected.
	first := fx.attestedOp(&tree.RemoveLeafOp{Leaf: fx.devLeafs[2]}, fx.devIDs[0], fx.devIDs[1])
	second := fx.attestedOp(&tree.RemoveLeafOp{Leaf: fx.devLeafs[1]}, fx.devIDs[0], fx.devIDs[2])

	r.NoError(red.Apply(state, wallFact(r, testWall, first)))
	r.Equal(uint64(1), state.Tree.Epoch())

	loser := wallFact(r, testWall+1, second)
	r.NoError(red.Apply(state, loser))
	r.Equal(uint64(1), state.Tree.Epoch())
	r.Equal([]ids.ID{loser.Order}, state.Stale())
	r.Empty(state.Rejections())

	// The losing device is still live; the op must be reissued.
	leaf, err := state.Tree.GetLeaf(fx.devLeafs[1])
	r.NoError(err)
	r.False(leaf.Tombstoned)
}

func TestInsufficientAttestationRefused(t *testing.T) {
	fx := newFixture(t)
	r := fx.require
	red := fx.newReducer(t)
	state := NewState(fx.tree, nil)

	// Sign the wrong bytes: the attestation covers a different op than
	// the one carried.
	op := fx.attestedOp(&tree.RemoveLeafOp{Leaf: fx.devLeafs[0]}, fx.devIDs[0], fx.devIDs[1])
	decoy := fx.attestedOp(&tree.RemoveLeafOp{Leaf: fx.devLeafs[1]}, fx.devIDs[0], fx.devIDs[1])
	op.Attestation = decoy.Attestation

	f := wallFact(r, testWall, op)
	r.NoError(red.Apply(state, f))

	r.Equal(uint64(0), state.Tree.Epoch())
	rejections := state.Rejections()
	r.Len(rejections, 1)
	r.Equal(f.Order, rejections[0].Order)
	r.Contains(rejections[0].Reason, signing.ErrInvalidSignature.Error())
}

func TestGuardianRecoveryRekey(t *testing.T) {
	fx := newFixture(t)
	r := fx.require
	red := fx.newReducer(t)
	state := NewState(fx.tree, nil)

	grant, capID := fx.recoveryGrant(0, int64(testWall))
	r.NoError(red.Apply(state, wallFact(r, testWall, grant)))
	_, granted := state.Recovery(capID)
	r.True(granted)

	replacement, err := signing.NewSigner()
	r.NoError(err)
	rekey := fx.attestedOp(&tree.DeviceRekeyOp{
		Leaf:         fx.devLeafs[0],
		NewPublicKey: replacement.PublicKeyBytes(),
		CapabilityID: capID,
	}, fx.devIDs[1], fx.devIDs[2])

	r.NoError(red.Apply(state, wallFact(r, testWall+uint64(time.Minute), rekey)))

	leaf, err := state.Tree.GetLeaf(fx.devLeafs[0])
	r.NoError(err)
	r.Equal(replacement.PublicKeyBytes(), leaf.PublicKey)
	r.Equal(uint64(1), leaf.KeyEpoch)

	// The capability is consumed atomically with the rekey.
	_, granted = state.Recovery(capID)
	r.False(granted)
	r.True(state.RecoveryUsed(capID))
	r.Empty(state.Rejections())
}

func TestRekeyReplayRefused(t *testing.T) {
	fx := newFixture(t)
	r := fx.require
	red := fx.newReducer(t)
	state := NewState(fx.tree, nil)

	grant, capID := fx.recoveryGrant(0, int64(testWall))
	r.NoError(red.Apply(state, wallFact(r, testWall, grant)))

	replacement, err := signing.NewSigner()
	r.NoError(err)
	rekey := fx.attestedOp(&tree.DeviceRekeyOp{
		Leaf:         fx.devLeafs[0],
		NewPublicKey: replacement.PublicKeyBytes(),
		CapabilityID: capID,
	}, fx.devIDs[1], fx.devIDs[2])
	r.NoError(red.Apply(state, wallFact(r, testWall+1, rekey)))

	// Advance the fixture tree to build a second, fresh-prestate rekey
	// presenting the spent capability.
	_, err = fx.tree.RekeyLeaf(fx.devLeafs[0], replacement.PublicKeyBytes())
	r.NoError(err)
	idx, err := fx.tree.LeafIndex(fx.devLeafs[0])
	r.NoError(err)
	_, err = fx.tree.RecomputeCommitments([]tree.NodeIndex{idx})
	r.NoError(err)
	fx.tree.AdvanceEpoch()
	fx.signers[fx.devIDs[0]] = replacement

	again, err := signing.NewSigner()
	r.NoError(err)
	replay := fx.attestedOp(&tree.DeviceRekeyOp{
		Leaf:         fx.devLeafs[0],
		NewPublicKey: again.PublicKeyBytes(),
		CapabilityID: capID,
	}, fx.devIDs[1], fx.devIDs[2])

	f := wallFact(r, testWall+2, replay)
	r.NoError(red.Apply(state, f))
	rejections := state.Rejections()
	r.Len(rejections, 1)
	r.Contains(rejections[0].Reason, ErrCapabilityUsed.Error())
}

func TestRekeyStaleEpochRefused(t *testing.T) {
	fx := newFixture(t)
	r := fx.require
	red := fx.newReducer(t)
	state := NewState(fx.tree, nil)

	grant, capID := fx.recoveryGrant(0, int64(testWall))
	r.NoError(red.Apply(state, wallFact(r, testWall, grant)))

	// An unrelated mutation advances the epoch past the one the capability
	// was issued against.
	newDevice, err := signing.NewSigner()
	r.NoError(err)
	added := tree.Leaf{
		LeafID:    tree.LeafID(ids.GenerateTestID()),
		Authority: ids.GenerateTestID(),
		Role:      tree.Device,
		PublicKey: newDevice.PublicKeyBytes(),
	}
	op := fx.attestedOp(&tree.AddLeafOp{
		Parent: fx.devices,
		Leaf:   added,
	}, fx.devIDs[0], fx.devIDs[1])
	r.NoError(red.Apply(state, wallFact(r, testWall+1, op)))
	r.Equal(uint64(1), state.Tree.Epoch())

	// Mirror the mutation on the fixture tree so the rekey pins a fresh
	// prestate and fails on the capability's epoch, not the prestate.
	mirrored := added
	idx, err := fx.tree.AddLeaf(fx.devices, &mirrored)
	r.NoError(err)
	_, err = fx.tree.RecomputeCommitments([]tree.NodeIndex{idx})
	r.NoError(err)
	fx.tree.AdvanceEpoch()

	replacement, err := signing.NewSigner()
	r.NoError(err)
	rekey := fx.attestedOp(&tree.DeviceRekeyOp{
		Leaf:         fx.devLeafs[0],
		NewPublicKey: replacement.PublicKeyBytes(),
		CapabilityID: capID,
	}, fx.devIDs[1], fx.devIDs[2])

	r.NoError(red.Apply(state, wallFact(r, testWall+2, rekey)))
	rejections := state.Rejections()
	r.Len(rejections, 1)
	r.Contains(rejections[0].Reason, ErrStaleCapability.Error())

	// The capability survives the refused rekey.
	_, granted := state.Recovery(capID)
	r.True(granted)
	r.False(state.RecoveryUsed(capID))
}

func TestRekeyWithoutWallTimeRefused(t *testing.T) {
	fx := newFixture(t)
	r := fx.require
	red := fx.newReducer(t)
	state := NewState(fx.tree, nil)

	grant, capID := fx.recoveryGrant(0, int64(testWall))
	r.NoError(red.Apply(state, wallFact(r, testWall, grant)))

	replacement, err := signing.NewSigner()
	r.NoError(err)
	rekey := fx.attestedOp(&tree.DeviceRekeyOp{
		Leaf:         fx.devLeafs[0],
		NewPublicKey: replacement.PublicKeyBytes(),
		CapabilityID: capID,
	}, fx.devIDs[1], fx.devIDs[2])

	// A logical clock cannot prove the short-TTL capability is fresh.
	f := newFact(r, timestamp.NewLogical(7, fx.devIDs[1]), rekey)
	r.NoError(red.Apply(state, f))

	rejections := state.Rejections()
	r.Len(rejections, 1)
	r.Contains(rejections[0].Reason, ErrNoWallTime.Error())
	_, granted := state.Recovery(capID)
	r.True(granted)
}

func TestExpiredRecoveryRefused(t *testing.T) {
	fx := newFixture(t)
	r := fx.require
	red := fx.newReducer(t)
	state := NewState(fx.tree, nil)

	grant, capID := fx.recoveryGrant(0, int64(testWall))
	r.NoError(red.Apply(state, wallFact(r, testWall, grant)))

	replacement, err := signing.NewSigner()
	r.NoError(err)
	rekey := fx.attestedOp(&tree.DeviceRekeyOp{
		Leaf:         fx.devLeafs[0],
		NewPublicKey: replacement.PublicKeyBytes(),
		CapabilityID: capID,
	}, fx.devIDs[1], fx.devIDs[2])

	late := testWall + uint64(11*time.Minute)
	r.NoError(red.Apply(state, wallFact(r, late, rekey)))

	rejections := state.Rejections()
	r.Len(rejections, 1)
	r.Contains(rejections[0].Reason, authority.ErrRecoveryExpired.Error())
}

func TestRecoveryGrantBadQuorum(t *testing.T) {
	fx := newFixture(t)
	r := fx.require
	red := fx.newReducer(t)
	state := NewState(fx.tree, nil)

	grant, capID := fx.recoveryGrant(0, int64(testWall))

	// A device share in place of a guardian's does not satisfy the
	// guardian quorum.
	msg, err := grant.Capability.Bytes()
	r.NoError(err)
	var guardianLeaves []*tree.Leaf
	for _, leaf := range fx.tree.Leaves() {
		if leaf.Role == tree.Guardian {
			guardianLeaves = append(guardianLeaves, leaf)
		}
	}
	forged := fx.attest(msg, guardianLeaves, 2, fx.grdIDs[0], fx.grdIDs[1])
	sig, err := fx.signers[fx.devIDs[0]].Sign(msg)
	r.NoError(err)
	bogus, err := bls.AggregateSignatures([]*bls.Signature{sig, sig})
	r.NoError(err)
	copy(forged.Signature[:], bls.SignatureToBytes(bogus))
	grant.Attestation = forged

	f := wallFact(r, testWall, grant)
	r.NoError(red.Apply(state, f))

	_, granted := state.Recovery(capID)
	r.False(granted)
	rejections := state.Rejections()
	r.Len(rejections, 1)
	r.Contains(rejections[0].Reason, signing.ErrInvalidSignature.Error())
}

func TestCapabilityFactsFeedGraph(t *testing.T) {
	fx := newFixture(t)
	r := fx.require
	red := fx.newReducer(t)
	state := NewState(fx.tree, nil)

	subject := ids.GenerateTestID()
	capID := ids.GenerateTestID()
	delegation := &journal.CapabilityDelegation{
		Delegation: authority.Delegation{
			CapabilityID: capID,
			Subject:      subject,
			Scope: authority.Scope{
				Class:      "storage",
				Resource:   "*",
				TrustLevel: authority.Elevated,
			},
			IssuedAt: int64(testWall),
			IssuedBy: fx.devIDs[0],
		},
	}
	r.NoError(red.Apply(state, wallFact(r, testWall, delegation)))

	required := authority.Scope{Class: "storage", Resource: "photos", TrustLevel: authority.Basic}
	status, err := state.Graph.Grants(subject, required, int64(testWall)+1)
	r.NoError(err)
	r.Equal(authority.Granted, status)

	revocation := &journal.CapabilityRevocation{
		Revocation: authority.Revocation{
			CapabilityID: capID,
			RevokedAt:    int64(testWall) + 2,
			Reason:       "device compromised",
			IssuedBy:     fx.devIDs[0],
		},
	}
	r.NoError(red.Apply(state, wallFact(r, testWall+1, revocation)))

	status, err = state.Graph.Grants(subject, required, int64(testWall)+3)
	r.NoError(err)
	r.Equal(authority.NotFound, status)
}

func TestEquivocationEvidenceTracked(t *testing.T) {
	fx := newFixture(t)
	r := fx.require
	red := fx.newReducer(t)
	state := NewState(fx.tree, nil)

	evidence := &journal.EquivocationEvidence{
		ConsensusID:  ids.GenerateTestID(),
		Witness:      fx.devIDs[2],
		FirstResult:  ids.GenerateTestID(),
		SecondResult: ids.GenerateTestID(),
		FirstShare:   []byte{1},
		SecondShare:  []byte{2},
	}
	r.NoError(red.Apply(state, wallFact(r, testWall, evidence)))
	r.Contains(state.Equivocators(), fx.devIDs[2])
}

func TestReduceConvergesUnderPermutation(t *testing.T) {
	fx := newFixture(t)
	r := fx.require
	red := fx.newReducer(t)

	ns := journal.AuthorityNamespace(ids.GenerateTestID())

	facts := []*journal.Fact{
		wallFact(r, testWall, &journal.CapabilityDelegation{
			Delegation: authority.Delegation{
				CapabilityID: ids.GenerateTestID(),
				Subject:      ids.GenerateTestID(),
				Scope:        authority.Scope{Class: "relay", Resource: "*", TrustLevel: authority.Basic},
				IssuedAt:     int64(testWall),
				IssuedBy:     fx.devIDs[0],
			},
		}),
		wallFact(r, testWall+1, &journal.EquivocationEvidence{
			ConsensusID:  ids.GenerateTestID(),
			Witness:      ids.GenerateTestID(),
			FirstResult:  ids.GenerateTestID(),
			SecondResult: ids.GenerateTestID(),
		}),
		wallFact(r, testWall+2, &journal.RendezvousReceipt{
			Peer:      ids.GenerateTestID(),
			Payload:   []byte("hello"),
			ExpiresAt: int64(testWall) + int64(time.Hour),
		}),
		wallFact(r, testWall+3, fx.attestedOp(
			&tree.RemoveLeafOp{Leaf: fx.devLeafs[2]}, fx.devIDs[0], fx.devIDs[1],
		)),
	}

	reduce := func(order []int) *State {
		j, err := journal.New(ns)
		r.NoError(err)
		for _, i := range order {
			_, err := j.Add(facts[i])
			r.NoError(err)
		}
		state, err := red.Reduce(fx.tree, j, nil)
		r.NoError(err)
		return state
	}

	base := reduce([]int{0, 1, 2, 3})
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 5; trial++ {
		state := reduce(rng.Perm(len(facts)))
		r.Equal(base.Tree.RootCommitment(), state.Tree.RootCommitment())
		r.Equal(base.Tree.Epoch(), state.Tree.Epoch())
		r.Equal(base.Equivocators(), state.Equivocators())
		r.Equal(base.Rejections(), state.Rejections())
		r.Equal(base.Stale(), state.Stale())
	}
}

func TestPreview(t *testing.T) {
	fx := newFixture(t)
	r := fx.require
	red := fx.newReducer(t)
	state := NewState(fx.tree, nil)

	detail := &tree.RemoveLeafOp{Leaf: fx.devLeafs[2]}
	op := tree.Operation{
		ParentEpoch:      state.Tree.Epoch(),
		ParentCommitment: state.Tree.RootCommitment(),
		Detail:           detail,
	}

	want, err := red.Preview(state.Tree, &op)
	r.NoError(err)
	r.Equal(uint64(0), state.Tree.Epoch())

	attested := fx.attestedOp(detail, fx.devIDs[0], fx.devIDs[1])
	r.NoError(red.Apply(state, wallFact(r, testWall, attested)))
	r.Equal(want, state.Tree.PrestateHash())

	_, err = red.Preview(state.Tree, &op)
	r.ErrorIs(err, ErrStalePrestate)
}
