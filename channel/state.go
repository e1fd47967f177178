// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/ids"
)

var ErrUnknownChannel = errors.New("unknown channel")

type channelKey struct {
	context ids.ID
	channel ids.ID
}

// State is the materialized channel layer for one namespace: current epoch
// and ratchet position per channel, plus per-channel policy overrides. The
// reducer owns it; bump facts apply in journal order, so every replica with
// the same fact set holds the same state. Ratchet root keys are local
// secrets and never appear in facts; a replica without the key still tracks
// epochs and positions.
type State struct {
	epochs   map[channelKey]uint64
	lastBump map[channelKey]int64
	ratchets map[channelKey]*Ratchet
	policies map[ids.ID]*Policy
}

func NewState() *State {
	return &State{
		epochs:   make(map[channelKey]uint64),
		lastBump: make(map[channelKey]int64),
		ratchets: make(map[channelKey]*Ratchet),
		policies: make(map[ids.ID]*Policy),
	}
}

// Open installs the local ratchet for a channel this replica holds the root
// key of, starting at the channel's current epoch.
func (s *State) Open(context, channel ids.ID, rootKey []byte) (*Ratchet, error) {
	key := channelKey{context, channel}
	policy := s.policies[channel]
	r, err := NewRatchet(s.epochs[key], rootKey, policy.window())
	if err != nil {
		return nil, err
	}
	s.ratchets[key] = r
	return r, nil
}

// Ratchet returns the local ratchet for a channel, if opened.
func (s *State) Ratchet(context, channel ids.ID) (*Ratchet, bool) {
	r, ok := s.ratchets[channelKey{context, channel}]
	return r, ok
}

// Epoch returns the channel's current epoch.
func (s *State) Epoch(context, channel ids.ID) uint64 {
	return s.epochs[channelKey{context, channel}]
}

// SetPolicy applies a ChannelPolicy fact.
func (s *State) SetPolicy(p *Policy) error {
	if err := p.Verify(); err != nil {
		return err
	}
	s.policies[p.Channel] = p
	return nil
}

// ApplyCheckpoint advances the local ratchet window to a checkpoint fact's
// position. Checkpoints for epochs other than the ratchet's are ignored;
// the epoch bump that follows resets the window anyway.
func (s *State) ApplyCheckpoint(cp *Checkpoint) error {
	if err := cp.Verify(); err != nil {
		return err
	}
	r, ok := s.ratchets[channelKey{cp.Context, cp.Channel}]
	if !ok || r.ChanEpoch() != cp.ChanEpoch {
		return nil
	}
	return r.Advance(cp.BaseGen)
}

// CheckProposal validates a bump proposal against the channel's epoch and
// its spacing policy. Routine bumps inside the minimum spacing are
// rejected; security bumps never are.
func (s *State) CheckProposal(p *ProposedBump) error {
	if err := p.Verify(); err != nil {
		return err
	}
	key := channelKey{p.Context, p.Channel}
	if epoch := s.epochs[key]; p.ParentEpoch != epoch {
		return fmt.Errorf("%w: proposal %d, channel %d", ErrWrongParentEpoch, p.ParentEpoch, epoch)
	}
	if p.Reason.Security() {
		return nil
	}
	last, ok := s.lastBump[key]
	if !ok {
		return nil
	}
	spacing := s.policies[p.Channel].spacing()
	if elapsed := time.Duration(p.ProposedAt - last); elapsed < spacing {
		return fmt.Errorf("%w: %s since last bump, minimum %s", ErrBumpTooSoon, elapsed, spacing)
	}
	return nil
}

// ApplyCommitted installs a committed epoch bump: the channel epoch
// advances and, when the local ratchet is open, it rolls to the next epoch
// bound to [transcript].
func (s *State) ApplyCommitted(b *CommittedBump, transcript []byte) error {
	if err := b.Verify(); err != nil {
		return err
	}
	key := channelKey{b.Context, b.Channel}
	if epoch := s.epochs[key]; b.ParentEpoch != epoch {
		return fmt.Errorf("%w: bump %d, channel %d", ErrWrongParentEpoch, b.ParentEpoch, epoch)
	}
	if r, ok := s.ratchets[key]; ok {
		next, err := r.NextEpoch(transcript)
		if err != nil {
			return err
		}
		s.ratchets[key] = next
	}
	s.epochs[key] = b.NewEpoch()
	s.lastBump[key] = b.CommittedAt
	return nil
}
