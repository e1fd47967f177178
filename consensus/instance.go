// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package consensus runs one agreement instance per proposed operation: a
// fast path that aggregates witness shares optimistically, and a
// coordinator-rotation fallback for when the fast path stalls or a witness
// equivocates.
package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"

	"github.com/auranet/aura/journal"
	"github.com/auranet/aura/signing"
	"github.com/auranet/aura/utils/timer/mockable"
)

var (
	ErrWrongPhase        = errors.New("instance is not accepting this message")
	ErrEquivocation      = errors.New("witness equivocated")
	ErrEquivocator       = errors.New("witness already marked as equivocator")
	ErrWrongResult       = errors.New("proposal names a different result")
	ErrContradiction     = errors.New("aggregate signature failed verification")
	ErrStaleRound        = errors.New("fallback share answers an old round")
	ErrRotationsSpent    = errors.New("coordinator rotations exhausted")
	ErrMissingMessage    = errors.New("instance has no message")
	ErrMissingWitnessSet = errors.New("instance has no witness set")
)

// Phase is the lifecycle position of an instance.
type Phase uint8

const (
	Pending Phase = iota + 1
	FastPathActive
	FallbackActive
	Committed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Pending:
		return "pending"
	case FastPathActive:
		return "fast path active"
	case FallbackActive:
		return "fallback active"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the instance can no longer change.
func (p Phase) Terminal() bool {
	return p == Committed || p == Failed
}

// Parameters bound instance timing and fallback patience.
type Parameters struct {
	FastPathTimeout         time.Duration
	FallbackTimeout         time.Duration
	MaxCoordinatorRotations int
}

// DefaultParameters returns the production defaults.
func DefaultParameters() Parameters {
	return Parameters{
		FastPathTimeout:         5 * time.Second,
		FallbackTimeout:         10 * time.Second,
		MaxCoordinatorRotations: 3,
	}
}

// Config assembles everything an instance needs. ResultID is the digest of
// the result the initiator expects every honest witness to compute;
// Message is the canonical bytes the witnesses threshold-sign.
type Config struct {
	Log          log.Logger
	Clock        *mockable.Clock
	Params       Parameters
	ConsensusID  ids.ID
	PrestateHash ids.ID
	ResultID     ids.ID
	Message      []byte
	Witnesses    *signing.WitnessSet
	Initiator    ids.ID
}

// Instance is the state machine for one operation's agreement. Not safe for
// concurrent use; the engine serializes access.
type Instance struct {
	log    log.Logger
	clock  *mockable.Clock
	params Parameters

	consensusID  ids.ID
	prestateHash ids.ID
	resultID     ids.ID
	msg          []byte
	witnesses    *signing.WitnessSet
	initiator    ids.ID
	session      *signing.SignSession

	phase        Phase
	deadline     time.Time
	proposals    map[ids.ID]*ShareProposal
	equivocators set.Set[ids.ID]
	evidence     []*journal.EquivocationEvidence
	rotation     int
	coordinator  ids.ID
	commit       *CommitFact

	// observed marks that the engine already counted this instance's
	// terminal transition.
	observed bool
}

// NewInstance validates [cfg] and builds a Pending instance.
func NewInstance(cfg Config) (*Instance, error) {
	switch {
	case cfg.ConsensusID == ids.Empty:
		return nil, ErrMissingConsensusID
	case cfg.ResultID == ids.Empty:
		return nil, ErrMissingResult
	case len(cfg.Message) == 0:
		return nil, ErrMissingMessage
	case cfg.Witnesses == nil:
		return nil, ErrMissingWitnessSet
	}
	return &Instance{
		log:          cfg.Log,
		clock:        cfg.Clock,
		params:       cfg.Params,
		consensusID:  cfg.ConsensusID,
		prestateHash: cfg.PrestateHash,
		resultID:     cfg.ResultID,
		msg:          cfg.Message,
		witnesses:    cfg.Witnesses,
		initiator:    cfg.Initiator,
		session:      signing.NewSignSession(cfg.Witnesses, cfg.Message),
		phase:        Pending,
		proposals:    make(map[ids.ID]*ShareProposal),
		equivocators: set.NewSet[ids.ID](0),
	}, nil
}

func (in *Instance) ConsensusID() ids.ID {
	return in.consensusID
}

func (in *Instance) Phase() Phase {
	return in.phase
}

// CommitFact returns the committed outcome, if the instance committed.
func (in *Instance) CommitFact() (*CommitFact, bool) {
	return in.commit, in.commit != nil
}

// Evidence returns recorded equivocation evidence, oldest first.
func (in *Instance) Evidence() []*journal.EquivocationEvidence {
	return in.evidence
}

// Equivocators returns the witnesses caught equivocating.
func (in *Instance) Equivocators() []ids.ID {
	return in.equivocators.List()
}

// Coordinator returns the current fallback coordinator, if in fallback.
func (in *Instance) Coordinator() (ids.ID, bool) {
	return in.coordinator, in.phase == FallbackActive
}

// Start opens the fast path and arms its timer.
func (in *Instance) Start() error {
	if in.phase != Pending {
		return fmt.Errorf("%w: %s", ErrWrongPhase, in.phase)
	}
	in.phase = FastPathActive
	in.deadline = in.clock.Time().Add(in.params.FastPathTimeout)
	return nil
}

// AddCommitment records a witness's round-one nonce commitment.
func (in *Instance) AddCommitment(c *signing.NonceCommitment) error {
	if in.phase.Terminal() {
		return fmt.Errorf("%w: %s", ErrWrongPhase, in.phase)
	}
	return in.session.AddCommitment(c)
}

// CloseCommitRound force-closes round one with a quorum of commitments.
func (in *Instance) CloseCommitRound() error {
	return in.session.CloseRound()
}

// NonceBinding exposes the closed round's binding so witnesses can produce
// bound shares.
func (in *Instance) NonceBinding() (ids.ID, error) {
	return in.session.NonceBinding()
}

// HandleProposal processes a witness's share proposal on either path. A
// second proposal from one witness for a different result is equivocation:
// evidence is recorded, the witness's share is discarded, and the fast path
// abandons optimism immediately.
func (in *Instance) HandleProposal(p *ShareProposal) error {
	if in.phase != FastPathActive && in.phase != FallbackActive {
		return fmt.Errorf("%w: %s", ErrWrongPhase, in.phase)
	}
	if err := p.Verify(); err != nil {
		return err
	}
	if in.equivocators.Contains(p.Witness) {
		return fmt.Errorf("%w: %s", ErrEquivocator, p.Witness)
	}

	if prev, ok := in.proposals[p.Witness]; ok {
		if prev.ResultID == p.ResultID {
			return nil
		}
		in.recordEquivocation(prev, p)
		return fmt.Errorf("%w: %s", ErrEquivocation, p.Witness)
	}
	in.proposals[p.Witness] = p

	if p.ResultID != in.resultID {
		// A lone divergent result is disagreement, not equivocation. The
		// proposal stays recorded so a later flip-flop is provable.
		return fmt.Errorf("%w: witness %s proposed %s", ErrWrongResult, p.Witness, p.ResultID)
	}

	if err := in.session.AddShare(&signing.SignatureShare{
		Signer:       p.Witness,
		Share:        p.Share.ShareValue,
		NonceBinding: p.Share.NonceBinding,
		DataBinding:  p.Share.DataBinding,
	}); err != nil {
		return err
	}
	return in.tryCommit()
}

// HandleFallbackShare processes a share resent to the current coordinator.
func (in *Instance) HandleFallbackShare(fs *FallbackShare) error {
	if in.phase != FallbackActive {
		return fmt.Errorf("%w: %s", ErrWrongPhase, in.phase)
	}
	if err := fs.Verify(); err != nil {
		return err
	}
	if int(fs.Round) != in.rotation {
		return fmt.Errorf("%w: round %d, current %d", ErrStaleRound, fs.Round, in.rotation)
	}
	return in.HandleProposal(&fs.Proposal)
}

func (in *Instance) recordEquivocation(first, second *ShareProposal) {
	in.equivocators.Add(first.Witness)
	in.session.RemoveShare(first.Witness)
	delete(in.proposals, first.Witness)
	in.evidence = append(in.evidence, &journal.EquivocationEvidence{
		ConsensusID:  in.consensusID,
		Witness:      first.Witness,
		FirstResult:  first.ResultID,
		SecondResult: second.ResultID,
		FirstShare:   first.Share.ShareValue,
		SecondShare:  second.Share.ShareValue,
	})
	in.log.Warn("witness equivocated",
		log.String("consensusID", in.consensusID.String()),
		log.String("witness", first.Witness.String()),
	)
	if in.phase == FastPathActive {
		in.startFallback()
	}
}

func (in *Instance) tryCommit() error {
	if in.session.NumShares() < in.witnesses.Threshold() {
		return nil
	}
	attestation, err := in.session.Aggregate()
	if err != nil {
		return err
	}
	if err := attestation.Verify(in.msg, in.witnesses); err != nil {
		// Every share verified individually but the aggregate does not:
		// cryptographic contradiction, nothing to retry.
		in.phase = Failed
		in.log.Error("aggregate attestation contradiction",
			log.String("consensusID", in.consensusID.String()),
		)
		return fmt.Errorf("%w: %w", ErrContradiction, err)
	}
	in.commit = &CommitFact{
		ConsensusID:  in.consensusID,
		ResultID:     in.resultID,
		PrestateHash: in.prestateHash,
		Attestation:  *attestation,
	}
	in.phase = Committed
	return nil
}

// Tick advances time-driven transitions. It returns a FallbackRequest when
// this tick opened a new fallback round that needs broadcasting.
func (in *Instance) Tick() (*FallbackRequest, error) {
	if in.phase.Terminal() || in.phase == Pending {
		return nil, nil
	}
	now := in.clock.Time()
	if now.Before(in.deadline) {
		return nil, nil
	}

	if in.phase == FastPathActive {
		in.startFallback()
		return in.fallbackRequest(), nil
	}

	// Fallback round expired; rotate the coordinator.
	if in.rotation >= in.params.MaxCoordinatorRotations {
		in.phase = Failed
		return nil, fmt.Errorf("%w: %s", ErrRotationsSpent, in.consensusID)
	}
	in.rotation++
	in.coordinator = in.coordinatorFor(in.rotation)
	in.deadline = now.Add(in.params.FallbackTimeout)
	return in.fallbackRequest(), nil
}

func (in *Instance) startFallback() {
	in.phase = FallbackActive
	in.rotation = 0
	in.coordinator = in.coordinatorFor(0)
	in.deadline = in.clock.Time().Add(in.params.FallbackTimeout)
}

// coordinatorFor maps a round to a coordinator: the initiator first, then
// the witnesses in canonical order, skipping known equivocators.
func (in *Instance) coordinatorFor(round int) ids.ID {
	if round == 0 && in.initiator != ids.Empty && !in.equivocators.Contains(in.initiator) {
		return in.initiator
	}
	var eligible []ids.ID
	for _, id := range in.witnesses.AuthorityIDs() {
		if id == in.initiator || in.equivocators.Contains(id) {
			continue
		}
		eligible = append(eligible, id)
	}
	if len(eligible) == 0 {
		return in.initiator
	}
	if round == 0 {
		return eligible[0]
	}
	return eligible[(round-1)%len(eligible)]
}

func (in *Instance) fallbackRequest() *FallbackRequest {
	return &FallbackRequest{
		ConsensusID: in.consensusID,
		Coordinator: in.coordinator,
		Round:       uint32(in.rotation),
	}
}
