// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"
)

func TestRatchetDerivation(t *testing.T) {
	require := require.New(t)

	rootKey := []byte("test-channel-root-key-material-0")
	r, err := NewRatchet(0, rootKey, 4)
	require.NoError(err)

	k0, err := r.GenerationKey(0)
	require.NoError(err)
	require.Len(k0, GenerationKeyLen)
	k1, err := r.GenerationKey(1)
	require.NoError(err)
	require.NotEqual(k0, k1)

	// Same position, same key.
	again, err := r.GenerationKey(0)
	require.NoError(err)
	require.Equal(k0, again)

	// Outside the window.
	_, err = r.GenerationKey(4)
	require.ErrorIs(err, ErrGenerationBeyond)

	// Advancing forgets older generations.
	require.NoError(r.Advance(2))
	_, err = r.GenerationKey(1)
	require.ErrorIs(err, ErrGenerationBehind)
	_, err = r.GenerationKey(5)
	require.NoError(err)
	require.ErrorIs(r.Advance(1), ErrGenerationBehind)
}

func TestRatchetNextEpoch(t *testing.T) {
	require := require.New(t)

	rootKey := []byte("test-channel-root-key-material-0")
	r, err := NewRatchet(3, rootKey, 8)
	require.NoError(err)
	require.NoError(r.Advance(5))

	next, err := r.NextEpoch([]byte("transcript"))
	require.NoError(err)
	require.Equal(uint64(4), next.ChanEpoch())
	require.Zero(next.BaseGen())

	// Epoch keys diverge from the old epoch's, and the transcript binds the
	// derivation.
	oldKey, err := r.GenerationKey(5)
	require.NoError(err)
	newKey, err := next.GenerationKey(0)
	require.NoError(err)
	require.NotEqual(oldKey, newKey)

	other, err := r.NextEpoch([]byte("different transcript"))
	require.NoError(err)
	otherKey, err := other.GenerationKey(0)
	require.NoError(err)
	require.NotEqual(newKey, otherKey)
}

func TestSelectProposal(t *testing.T) {
	require := require.New(t)

	channelID := ids.GenerateTestID()
	routineEarly := &ProposedBump{
		Channel:    channelID,
		Reason:     Routine,
		ProposedAt: 100,
		Proposer:   ids.ID{0x01},
	}
	routineLate := &ProposedBump{
		Channel:    channelID,
		Reason:     Routine,
		ProposedAt: 200,
		Proposer:   ids.ID{0x02},
	}
	security := &ProposedBump{
		Channel:    channelID,
		Reason:     ConfirmedCompromise,
		ProposedAt: 300,
		Proposer:   ids.ID{0x03},
	}

	require.Nil(SelectProposal(nil))
	require.Equal(routineEarly, SelectProposal([]*ProposedBump{routineLate, routineEarly}))
	// A security bump wins regardless of time.
	require.Equal(security, SelectProposal([]*ProposedBump{routineEarly, security, routineLate}))

	// Tie on time breaks on proposer, in either arrival order.
	tied := &ProposedBump{Channel: channelID, Reason: Routine, ProposedAt: 100, Proposer: ids.ID{0x00}}
	require.Equal(tied, SelectProposal([]*ProposedBump{routineEarly, tied}))
	require.Equal(tied, SelectProposal([]*ProposedBump{tied, routineEarly}))
}

func TestStateBumpFlow(t *testing.T) {
	require := require.New(t)

	s := NewState()
	context := ids.GenerateTestID()
	channelID := ids.GenerateTestID()
	_, err := s.Open(context, channelID, []byte("test-channel-root-key-material-0"))
	require.NoError(err)

	bump := &CommittedBump{
		Context:     context,
		Channel:     channelID,
		ParentEpoch: 0,
		Reason:      Routine,
		CommittedAt: 1_000,
	}
	require.NoError(s.ApplyCommitted(bump, nil))
	require.Equal(uint64(1), s.Epoch(context, channelID))
	r, ok := s.Ratchet(context, channelID)
	require.True(ok)
	require.Equal(uint64(1), r.ChanEpoch())

	// Replaying the same bump fails the parent epoch check.
	err = s.ApplyCommitted(bump, nil)
	require.ErrorIs(err, ErrWrongParentEpoch)
}

func TestStateCheckProposalSpacing(t *testing.T) {
	require := require.New(t)

	s := NewState()
	context := ids.GenerateTestID()
	channelID := ids.GenerateTestID()
	bumpedAt := int64(1_000)
	require.NoError(s.ApplyCommitted(&CommittedBump{
		Context:     context,
		Channel:     channelID,
		ParentEpoch: 0,
		Reason:      Routine,
		CommittedAt: bumpedAt,
	}, nil))

	routine := &ProposedBump{
		Context:     context,
		Channel:     channelID,
		ParentEpoch: 1,
		Reason:      Routine,
		ProposedAt:  bumpedAt + int64(time.Minute),
	}
	require.ErrorIs(s.CheckProposal(routine), ErrBumpTooSoon)

	// Security reasons bypass spacing.
	suspicious := *routine
	suspicious.Reason = SuspiciousActivity
	require.NoError(s.CheckProposal(&suspicious))

	// Past the default spacing the routine bump is allowed.
	routine.ProposedAt = bumpedAt + int64(DefaultMinBumpSpacing)
	require.NoError(s.CheckProposal(routine))

	// A per-channel policy shortens the spacing.
	require.NoError(s.SetPolicy(&Policy{
		Channel:        channelID,
		MinBumpSpacing: int64(time.Minute),
	}))
	routine.ProposedAt = bumpedAt + int64(time.Minute)
	require.NoError(s.CheckProposal(routine))

	stale := *routine
	stale.ParentEpoch = 0
	require.ErrorIs(s.CheckProposal(&stale), ErrWrongParentEpoch)
}

func TestStateCheckpoint(t *testing.T) {
	require := require.New(t)

	s := NewState()
	context := ids.GenerateTestID()
	channelID := ids.GenerateTestID()
	r, err := s.Open(context, channelID, []byte("test-channel-root-key-material-0"))
	require.NoError(err)

	require.NoError(s.ApplyCheckpoint(&Checkpoint{
		Context:   context,
		Channel:   channelID,
		ChanEpoch: 0,
		BaseGen:   7,
		Window:    DefaultWindow,
	}))
	require.Equal(uint64(7), r.BaseGen())

	// Checkpoints for another epoch are ignored.
	require.NoError(s.ApplyCheckpoint(&Checkpoint{
		Context:   context,
		Channel:   channelID,
		ChanEpoch: 9,
		BaseGen:   50,
		Window:    DefaultWindow,
	}))
	require.Equal(uint64(7), r.BaseGen())
}
