// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package channel

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/threshold/pkg/party"
	"github.com/luxfi/threshold/pkg/protocol"
	"github.com/luxfi/utils"

	"github.com/auranet/aura/signing/dkg"
	"github.com/auranet/aura/utils/timer/mockable"
)

var (
	ErrNoProposal     = errors.New("no bump proposal to commit")
	ErrNotParticipant = errors.New("local authority is not a rekey participant")
)

// Rekeyer turns a winning epoch-bump proposal into a committed bump by
// running the key regeneration for the new epoch. Every participant derives
// the same session id from the bump slot, so the runs rendezvous without
// extra coordination; the resulting transcript is what the committed bump
// carries into the journal.
type Rekeyer struct {
	log    log.Logger
	clock  *mockable.Clock
	self   ids.ID
	runner *dkg.Runner
}

func NewRekeyer(logger log.Logger, clock *mockable.Clock, self ids.ID) *Rekeyer {
	return &Rekeyer{
		log:    logger,
		clock:  clock,
		self:   self,
		runner: dkg.NewRunner(logger),
	}
}

// RekeySession derives the session id every participant uses for one bump
// slot.
func RekeySession(context, channel ids.ID, parentEpoch uint64) ids.ID {
	h := sha256.New()
	h.Write(context[:])
	h.Write(channel[:])
	var epoch [8]byte
	binary.BigEndian.PutUint64(epoch[:], parentEpoch)
	h.Write(epoch[:])
	var out ids.ID
	copy(out[:], h.Sum(nil))
	return out
}

// Execute selects the winning proposal from [proposals], validates it
// against [state], runs the key generation among [participants], and
// returns the committed bump for the caller to journal together with this
// party's share of the new group key. Blocks until the protocol finishes or
// [ctx] expires.
func (r *Rekeyer) Execute(
	ctx context.Context,
	state *State,
	proposals []*ProposedBump,
	participants []ids.ID,
	threshold int,
	router dkg.Router,
) (*CommittedBump, *dkg.Result, error) {
	winner := SelectProposal(proposals)
	if winner == nil {
		return nil, nil, ErrNoProposal
	}
	if err := state.CheckProposal(winner); err != nil {
		return nil, nil, err
	}

	sorted := make([]ids.ID, len(participants))
	copy(sorted, participants)
	utils.Sort(sorted)
	parties := make([]party.ID, len(sorted))
	included := false
	for i, id := range sorted {
		parties[i] = dkg.PartyID(id)
		included = included || id == r.self
	}
	if !included {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotParticipant, r.self)
	}

	sessionID := RekeySession(winner.Context, winner.Channel, winner.ParentEpoch)
	r.log.Debug("running channel rekey",
		log.String("channel", winner.Channel.String()),
		log.Uint64("parentEpoch", winner.ParentEpoch),
		log.String("reason", winner.Reason.String()),
		log.String("session", sessionID.String()),
	)

	result, err := r.runner.Keygen(ctx, sessionID, dkg.PartyID(r.self), parties, threshold, router)
	if err != nil {
		return nil, nil, fmt.Errorf("rekey for channel %s failed: %w", winner.Channel, err)
	}

	return &CommittedBump{
		Context:       winner.Context,
		Channel:       winner.Channel,
		ParentEpoch:   winner.ParentEpoch,
		Reason:        winner.Reason,
		DKGTranscript: result.Transcript,
		CommittedAt:   r.clock.Time().UnixNano(),
	}, result, nil
}

// Accept routes a protocol message from a peer into the in-flight run for
// [sessionID].
func (r *Rekeyer) Accept(sessionID ids.ID, msg *protocol.Message) error {
	return r.runner.Accept(sessionID, msg)
}

// Abort tears down the in-flight run for [sessionID], if any.
func (r *Rekeyer) Abort(sessionID ids.ID) {
	r.runner.Stop(sessionID)
}
