// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package reducer

import (
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"

	"github.com/auranet/aura/authority"
	"github.com/auranet/aura/journal"
	"github.com/auranet/aura/signing"
	"github.com/auranet/aura/tree"
)

var (
	ErrHalted            = errors.New("reduction halted by integrity failure")
	ErrStalePrestate     = errors.New("operation prestate does not match the tree")
	ErrUnknownCapability = errors.New("recovery capability not granted")
	ErrCapabilityUsed    = errors.New("recovery capability already used")
	ErrWrongTarget       = errors.New("recovery capability targets another leaf")
	ErrStaleCapability   = errors.New("recovery capability pinned to an earlier epoch")
	ErrNoWallTime        = errors.New("fact timestamp carries no wall time")
	ErrIntegrityEpoch    = errors.New("integrity: epoch did not advance monotonically")
)

// Reducer folds journal facts into derived state.
type Reducer struct {
	log     log.Logger
	metrics *reducerMetrics

	// maxRecoveryTTL bounds accepted recovery grants.
	maxRecoveryTTL time.Duration
}

// New builds a reducer registering its metrics on [registerer].
func New(logger log.Logger, registerer metric.Registerer) (*Reducer, error) {
	metrics, err := newReducerMetrics(registerer)
	if err != nil {
		return nil, err
	}
	return &Reducer{
		log:            logger,
		metrics:        metrics,
		maxRecoveryTTL: authority.DefaultRecoveryTTL,
	}, nil
}

// Reduce folds the whole journal into a fresh state derived from [genesis].
func (r *Reducer) Reduce(genesis *tree.Tree, j *journal.Journal, charge authority.ChargeFunc) (*State, error) {
	state := NewState(genesis, charge)
	var applyErr error
	j.Ascend(func(f *journal.Fact) bool {
		if err := r.Apply(state, f); err != nil {
			applyErr = err
			return false
		}
		return true
	})
	return state, applyErr
}

// Apply folds one fact into [state]. Refused facts are recorded on the
// state, not returned as errors; only integrity failures (which halt the
// namespace) surface.
func (r *Reducer) Apply(state *State, f *journal.Fact) error {
	if state.halted != nil {
		return fmt.Errorf("%w: %w", ErrHalted, state.halted)
	}
	r.metrics.numFacts.Inc()

	switch content := f.Content.(type) {
	case *journal.AttestedOp:
		return r.applyOp(state, f, content)
	case *journal.CapabilityDelegation:
		if _, err := state.Graph.AddDelegation(&content.Delegation); err != nil {
			r.refuse(state, f, err)
		}
	case *journal.CapabilityRevocation:
		if _, err := state.Graph.AddRevocation(&content.Revocation); err != nil {
			r.refuse(state, f, err)
		}
	case *journal.RecoveryGrant:
		r.applyRecoveryGrant(state, f, content)
	case *journal.ChannelCheckpoint:
		if err := state.Channels.ApplyCheckpoint(&content.Checkpoint); err != nil {
			r.refuse(state, f, err)
		}
	case *journal.ChannelBumpProposal:
		if err := state.Channels.CheckProposal(&content.Proposal); err != nil {
			r.refuse(state, f, err)
		}
	case *journal.ChannelBumpCommit:
		transcript := content.Commit.DKGTranscript
		if err := state.Channels.ApplyCommitted(&content.Commit, transcript[:]); err != nil {
			r.refuse(state, f, err)
		}
	case *journal.ChannelPolicyUpdate:
		if err := state.Channels.SetPolicy(&content.Policy); err != nil {
			r.refuse(state, f, err)
		}
	case *journal.SnapshotMarker:
		cutoff := content.AsOf
		state.lastSnapshot = &cutoff
	case *journal.RendezvousReceipt:
		// Transport bookkeeping; no derived state.
	case *journal.EquivocationEvidence:
		state.equivocators.Add(content.Witness)
	default:
		r.refuse(state, f, fmt.Errorf("unhandled content %T", content))
	}
	return nil
}

// applyOp runs one attested tree operation: prestate check, threshold
// attestation verification under the governing branch, mutation, commitment
// recompute, epoch advance. Rekeys additionally consume their recovery
// capability in the same step.
func (r *Reducer) applyOp(state *State, f *journal.Fact, op *journal.AttestedOp) error {
	t := state.Tree
	if op.Operation.ParentEpoch != t.Epoch() || op.Operation.ParentCommitment != t.RootCommitment() {
		// Losers of a prestate race land here; the operation must be
		// rebuilt against the new prestate and reissued.
		state.stale = append(state.stale, f.Order)
		r.metrics.numStale.Inc()
		r.log.Debug("stale prestate",
			log.String("order", f.Order.String()),
			log.Uint64("opEpoch", op.Operation.ParentEpoch),
			log.Uint64("treeEpoch", t.Epoch()),
		)
		return nil
	}

	detail := op.Operation.Detail
	governing, err := detail.GoverningBranch(t)
	if err != nil {
		r.refuse(state, f, err)
		return nil
	}
	witnesses, err := r.signingWitnesses(t, governing)
	if err != nil {
		r.refuse(state, f, err)
		return nil
	}
	signed, err := op.SignedBytes()
	if err != nil {
		r.refuse(state, f, err)
		return nil
	}
	if err := op.Attestation.Verify(signed, witnesses); err != nil {
		r.refuse(state, f, err)
		return nil
	}

	var usedCapability ids.ID
	if rekey, ok := detail.(*tree.DeviceRekeyOp); ok {
		capability, err := r.checkRekey(state, f, rekey)
		if err != nil {
			r.refuse(state, f, err)
			return nil
		}
		usedCapability = capability.CapabilityID
	}

	modified, err := detail.Apply(t)
	if err != nil {
		r.refuse(state, f, err)
		return nil
	}
	prevEpoch := t.Epoch()
	if _, err := t.RecomputeCommitments(modified); err != nil {
		state.halted = err
		return fmt.Errorf("%w: %w", ErrHalted, err)
	}
	t.AdvanceEpoch()
	if t.Epoch() != prevEpoch+1 {
		state.halted = ErrIntegrityEpoch
		return fmt.Errorf("%w: %w", ErrHalted, ErrIntegrityEpoch)
	}

	// The capability is consumed in the same reduction step as the rekey;
	// no derived state ever shows both "capability valid" and "rekey
	// applied".
	if usedCapability != ids.Empty {
		delete(state.recoveries, usedCapability)
		state.usedRecoveries.Add(usedCapability)
	}

	r.metrics.numOps.Inc()
	return nil
}

// signingWitnesses builds the verification set for a governing branch from
// its non-tombstoned leaf children.
func (r *Reducer) signingWitnesses(t *tree.Tree, governing tree.NodeIndex) (*signing.WitnessSet, error) {
	_, threshold, members, err := t.SigningWitness(governing)
	if err != nil {
		return nil, err
	}
	witnesses := make([]*signing.Witness, len(members))
	for i, leaf := range members {
		witnesses[i] = &signing.Witness{
			AuthorityID:    leaf.Authority,
			PublicKeyBytes: leaf.PublicKey,
			KeyEpoch:       leaf.KeyEpoch,
		}
	}
	return signing.NewWitnessSet(witnesses, threshold)
}

// checkRekey validates the recovery capability a DeviceRekey presents: it
// must be granted, unused, unexpired at the fact's wall time, and must
// target the leaf being rekeyed.
func (r *Reducer) checkRekey(state *State, f *journal.Fact, rekey *tree.DeviceRekeyOp) (*authority.RecoveryCapability, error) {
	if state.usedRecoveries.Contains(rekey.CapabilityID) {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityUsed, rekey.CapabilityID)
	}
	capability, ok := state.recoveries[rekey.CapabilityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, rekey.CapabilityID)
	}

	// TTL needs wall time; a logical-only timestamp cannot prove the
	// capability is fresh, so it fails closed.
	if f.Timestamp.WallNanos == 0 {
		return nil, ErrNoWallTime
	}
	if err := capability.ValidAt(int64(f.Timestamp.WallNanos)); err != nil {
		return nil, err
	}

	if capability.TargetDevice != ids.ID(rekey.Leaf) {
		return nil, fmt.Errorf("%w: capability %s", ErrWrongTarget, capability.CapabilityID)
	}
	idx, err := state.Tree.LeafIndex(rekey.Leaf)
	if err != nil {
		return nil, err
	}
	if uint32(idx) != capability.LeafIndex {
		return nil, fmt.Errorf("%w: leaf index %d, capability %d", ErrWrongTarget, idx, capability.LeafIndex)
	}
	// The capability pins the tree epoch it was issued against; a rekey
	// after any later mutation must re-run recovery.
	if epoch := state.Tree.Epoch(); capability.Epoch != epoch {
		return nil, fmt.Errorf("%w: tree epoch %d, capability %d", ErrStaleCapability, epoch, capability.Epoch)
	}
	return capability, nil
}

// applyRecoveryGrant verifies a guardian-issued recovery capability: its
// structure, and the quorum attestation over its canonical bytes under the
// guardian set it names.
func (r *Reducer) applyRecoveryGrant(state *State, f *journal.Fact, grant *journal.RecoveryGrant) {
	capability := &grant.Capability
	if err := capability.Verify(r.maxRecoveryTTL); err != nil {
		r.refuse(state, f, err)
		return
	}
	if state.usedRecoveries.Contains(capability.CapabilityID) {
		r.refuse(state, f, fmt.Errorf("%w: %s", ErrCapabilityUsed, capability.CapabilityID))
		return
	}

	witnesses, err := r.guardianWitnesses(state.Tree, capability)
	if err != nil {
		r.refuse(state, f, err)
		return
	}
	signed, err := capability.Bytes()
	if err != nil {
		r.refuse(state, f, err)
		return
	}
	if err := grant.Attestation.Verify(signed, witnesses); err != nil {
		r.refuse(state, f, err)
		return
	}
	state.recoveries[capability.CapabilityID] = capability
}

// guardianWitnesses builds the verification set for a recovery grant from
// the tree's guardian leaves matching the capability's issuing set.
func (r *Reducer) guardianWitnesses(t *tree.Tree, capability *authority.RecoveryCapability) (*signing.WitnessSet, error) {
	named := make(map[ids.ID]bool, len(capability.Guardians))
	for _, g := range capability.Guardians {
		named[g] = true
	}
	var witnesses []*signing.Witness
	for _, leaf := range t.Leaves() {
		if leaf.Role != tree.Guardian || leaf.Tombstoned || !named[leaf.Authority] {
			continue
		}
		witnesses = append(witnesses, &signing.Witness{
			AuthorityID:    leaf.Authority,
			PublicKeyBytes: leaf.PublicKey,
			KeyEpoch:       leaf.KeyEpoch,
		})
	}
	return signing.NewWitnessSet(witnesses, int(capability.GuardianThreshold))
}

// Preview runs [op] against a clone of the tree and returns the post-state
// hash the operation would produce. Initiators use it to fix the result a
// signing round commits to; the live tree is untouched.
func (r *Reducer) Preview(t *tree.Tree, op *tree.Operation) (ids.ID, error) {
	if op.ParentEpoch != t.Epoch() || op.ParentCommitment != t.RootCommitment() {
		return ids.Empty, ErrStalePrestate
	}
	scratch := t.Clone()
	modified, err := op.Detail.Apply(scratch)
	if err != nil {
		return ids.Empty, err
	}
	if _, err := scratch.RecomputeCommitments(modified); err != nil {
		return ids.Empty, err
	}
	scratch.AdvanceEpoch()
	return scratch.PrestateHash(), nil
}

func (r *Reducer) refuse(state *State, f *journal.Fact, err error) {
	state.reject(f.Order, err.Error())
	r.metrics.numRejected.Inc()
	r.log.Warn("fact refused",
		log.String("order", f.Order.String()),
		log.String("reason", err.Error()),
	)
}

type reducerMetrics struct {
	numFacts    metric.Counter
	numOps      metric.Counter
	numStale    metric.Counter
	numRejected metric.Counter
}

func newReducerMetrics(registerer metric.Registerer) (*reducerMetrics, error) {
	m := &reducerMetrics{
		numFacts: metric.NewCounter(metric.CounterOpts{
			Name: "reducer_facts",
			Help: "Number of facts reduced",
		}),
		numOps: metric.NewCounter(metric.CounterOpts{
			Name: "reducer_ops_applied",
			Help: "Number of attested operations applied",
		}),
		numStale: metric.NewCounter(metric.CounterOpts{
			Name: "reducer_stale_prestates",
			Help: "Number of operations refused for a stale prestate",
		}),
		numRejected: metric.NewCounter(metric.CounterOpts{
			Name: "reducer_rejected_facts",
			Help: "Number of facts refused during reduction",
		}),
	}
	if registerer == nil {
		return m, nil
	}
	if err := registerer.Register(metric.AsCollector(m.numFacts)); err != nil {
		return nil, err
	}
	if err := registerer.Register(metric.AsCollector(m.numOps)); err != nil {
		return nil, err
	}
	if err := registerer.Register(metric.AsCollector(m.numStale)); err != nil {
		return nil, err
	}
	if err := registerer.Register(metric.AsCollector(m.numRejected)); err != nil {
		return nil, err
	}
	return m, nil
}
