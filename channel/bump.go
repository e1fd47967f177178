// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package channel

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/ids"
)

// DefaultMinBumpSpacing is the minimum interval between routine epoch bumps
// of one channel. Security bumps ignore it.
const DefaultMinBumpSpacing = time.Hour

var (
	ErrUnknownBumpReason = errors.New("unknown bump reason")
	ErrBumpTooSoon       = errors.New("routine bump inside minimum spacing")
	ErrWrongParentEpoch  = errors.New("bump parent epoch does not match channel")
	ErrMissingChannel    = errors.New("channel id is empty")
)

// BumpReason states why a channel epoch bump was proposed.
type BumpReason uint8

const (
	Routine BumpReason = iota + 1
	SuspiciousActivity
	ConfirmedCompromise
)

func (r BumpReason) String() string {
	switch r {
	case Routine:
		return "routine"
	case SuspiciousActivity:
		return "suspicious activity"
	case ConfirmedCompromise:
		return "confirmed compromise"
	default:
		return "unknown"
	}
}

func (r BumpReason) Verify() error {
	switch r {
	case Routine, SuspiciousActivity, ConfirmedCompromise:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownBumpReason, r)
	}
}

// Security reports whether the reason bypasses routine spacing rules.
func (r BumpReason) Security() bool {
	return r == SuspiciousActivity || r == ConfirmedCompromise
}

// Checkpoint anchors a ratchet window in the journal so receivers can
// resynchronize without replaying the whole channel history.
type Checkpoint struct {
	Context   ids.ID `serialize:"true" json:"context"`
	Channel   ids.ID `serialize:"true" json:"channel"`
	ChanEpoch uint64 `serialize:"true" json:"chanEpoch"`
	BaseGen   uint64 `serialize:"true" json:"baseGen"`
	Window    uint32 `serialize:"true" json:"window"`
}

func (c *Checkpoint) Verify() error {
	if c.Channel == ids.Empty {
		return ErrMissingChannel
	}
	if c.Window == 0 {
		return ErrWindowZero
	}
	return nil
}

// ProposedBump is the optimistic half of an epoch bump: any device may
// propose; consensus selects one proposal per (context, channel, parent
// epoch).
type ProposedBump struct {
	Context     ids.ID     `serialize:"true" json:"context"`
	Channel     ids.ID     `serialize:"true" json:"channel"`
	ParentEpoch uint64     `serialize:"true" json:"parentEpoch"`
	Reason      BumpReason `serialize:"true" json:"reason"`
	ProposedAt  int64      `serialize:"true" json:"proposedAt"`
	Proposer    ids.ID     `serialize:"true" json:"proposer"`
}

func (p *ProposedBump) Verify() error {
	if p.Channel == ids.Empty {
		return ErrMissingChannel
	}
	return p.Reason.Verify()
}

// precedes orders competing proposals for one (context, channel, parent
// epoch) slot: security reasons outrank routine ones, then the earlier
// (ProposedAt, Proposer) pair wins. Total and deterministic, so every
// replica selects the same winner.
func (p *ProposedBump) precedes(o *ProposedBump) bool {
	if p.Reason.Security() != o.Reason.Security() {
		return p.Reason.Security()
	}
	if p.ProposedAt != o.ProposedAt {
		return p.ProposedAt < o.ProposedAt
	}
	return bytes.Compare(p.Proposer[:], o.Proposer[:]) < 0
}

// SelectProposal picks the winning proposal for one slot. Returns nil for
// an empty slate.
func SelectProposal(proposals []*ProposedBump) *ProposedBump {
	var winner *ProposedBump
	for _, p := range proposals {
		if winner == nil || p.precedes(winner) {
			winner = p
		}
	}
	return winner
}

// CommittedBump is the consensus outcome of a proposal. DKGTranscript, when
// set, names the fact carrying the key-regeneration transcript for the new
// epoch.
type CommittedBump struct {
	Context       ids.ID     `serialize:"true" json:"context"`
	Channel       ids.ID     `serialize:"true" json:"channel"`
	ParentEpoch   uint64     `serialize:"true" json:"parentEpoch"`
	Reason        BumpReason `serialize:"true" json:"reason"`
	DKGTranscript ids.ID     `serialize:"true" json:"dkgTranscript"`
	CommittedAt   int64      `serialize:"true" json:"committedAt"`
}

func (c *CommittedBump) Verify() error {
	if c.Channel == ids.Empty {
		return ErrMissingChannel
	}
	return c.Reason.Verify()
}

// NewEpoch returns the channel epoch the bump installs.
func (c *CommittedBump) NewEpoch() uint64 {
	return c.ParentEpoch + 1
}

// Policy overrides per-channel bump behavior. Zero values defer to the
// defaults.
type Policy struct {
	Channel        ids.ID `serialize:"true" json:"channel"`
	MinBumpSpacing int64  `serialize:"true" json:"minBumpSpacing"`
	SkipWindow     uint32 `serialize:"true" json:"skipWindow"`
}

func (p *Policy) Verify() error {
	if p.Channel == ids.Empty {
		return ErrMissingChannel
	}
	return nil
}

func (p *Policy) spacing() time.Duration {
	if p == nil || p.MinBumpSpacing == 0 {
		return DefaultMinBumpSpacing
	}
	return time.Duration(p.MinBumpSpacing)
}

func (p *Policy) window() uint32 {
	if p == nil || p.SkipWindow == 0 {
		return DefaultWindow
	}
	return p.SkipWindow
}
