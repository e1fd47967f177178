// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"

	"github.com/auranet/aura/signing"
)

var (
	ErrMissingWitness     = errors.New("message has no witness")
	ErrMissingResult      = errors.New("message has no result id")
	ErrMissingConsensusID = errors.New("message has no consensus id")
	ErrEmptyShare         = errors.New("message carries an empty share")
)

// ShareData is the payload of a share proposal. The three bindings tie the
// share to its nonce-commitment round, the candidate result, and the data
// transcript, so stale or replayed shares are detectable without any
// cryptography.
type ShareData struct {
	ShareValue   []byte `serialize:"true" json:"shareValue"`
	NonceBinding ids.ID `serialize:"true" json:"nonceBinding"`
	DataBinding  ids.ID `serialize:"true" json:"dataBinding"`
}

func (s *ShareData) Verify() error {
	if len(s.ShareValue) == 0 {
		return ErrEmptyShare
	}
	return nil
}

// ShareProposal is a witness's vote: the result it computed plus its
// signature share over that result.
type ShareProposal struct {
	Witness  ids.ID    `serialize:"true" json:"witness"`
	ResultID ids.ID    `serialize:"true" json:"resultID"`
	Share    ShareData `serialize:"true" json:"share"`
}

func (p *ShareProposal) Verify() error {
	switch {
	case p.Witness == ids.Empty:
		return ErrMissingWitness
	case p.ResultID == ids.Empty:
		return ErrMissingResult
	}
	return p.Share.Verify()
}

// CommitFact is the terminal message of an instance: the agreed result and
// the aggregate attestation over it. Byte-determinism matters here; every
// honest committer of an instance must produce the identical CommitFact.
type CommitFact struct {
	ConsensusID  ids.ID              `serialize:"true" json:"consensusID"`
	ResultID     ids.ID              `serialize:"true" json:"resultID"`
	PrestateHash ids.ID              `serialize:"true" json:"prestateHash"`
	Attestation  signing.Attestation `serialize:"true" json:"attestation"`
}

func (c *CommitFact) Verify() error {
	switch {
	case c.ConsensusID == ids.Empty:
		return ErrMissingConsensusID
	case c.ResultID == ids.Empty:
		return ErrMissingResult
	}
	return nil
}

// Bytes returns the canonical encoding of the commit.
func (c *CommitFact) Bytes() ([]byte, error) {
	return Codec.Marshal(codecVersion, c)
}

// FallbackRequest asks witnesses to resend their shares to the round's
// coordinator after the fast path stalled.
type FallbackRequest struct {
	ConsensusID ids.ID `serialize:"true" json:"consensusID"`
	Coordinator ids.ID `serialize:"true" json:"coordinator"`
	Round       uint32 `serialize:"true" json:"round"`
}

func (f *FallbackRequest) Verify() error {
	switch {
	case f.ConsensusID == ids.Empty:
		return ErrMissingConsensusID
	case f.Coordinator == ids.Empty:
		return fmt.Errorf("%w: coordinator", ErrMissingWitness)
	}
	return nil
}

// FallbackShare is a witness's response to a FallbackRequest. The share
// payload is identical to the fast path's; the round pins which coordinator
// view it answers.
type FallbackShare struct {
	ConsensusID ids.ID        `serialize:"true" json:"consensusID"`
	Round       uint32        `serialize:"true" json:"round"`
	Proposal    ShareProposal `serialize:"true" json:"proposal"`
}

func (f *FallbackShare) Verify() error {
	if f.ConsensusID == ids.Empty {
		return ErrMissingConsensusID
	}
	return f.Proposal.Verify()
}
