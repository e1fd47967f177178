// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package signing

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
)

var (
	ErrCommitRoundOpen     = errors.New("nonce commitment round still open")
	ErrCommitRoundClosed   = errors.New("nonce commitment round already closed")
	ErrWrongNonceBinding   = errors.New("share bound to a different nonce round")
	ErrWrongDataBinding    = errors.New("share bound to a different data transcript")
	ErrInvalidShare        = errors.New("invalid signature share")
	ErrInsufficientShares  = errors.New("insufficient signature shares")
	ErrDuplicateCommitment = errors.New("duplicate nonce commitment")
)

// AllSignersMax is the largest witness count that defaults to an all-signers
// scheme. Groups of four or more use the policy threshold as given.
const AllSignersMax = 3

// DefaultThreshold applies the small-group rule: all-signers for n <= 3,
// the requested k for larger groups.
func DefaultThreshold(k, n int) int {
	if n <= AllSignersMax {
		return n
	}
	return k
}

// NonceCommitment is a participant's round-one message: a hash commitment to
// a fresh per-signature nonce.
type NonceCommitment struct {
	Signer     ids.ID `serialize:"true" json:"signer"`
	Commitment ids.ID `serialize:"true" json:"commitment"`
}

// NewNonceCommitment draws a fresh nonce and commits to it.
func NewNonceCommitment(signer ids.ID) (*NonceCommitment, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write(signer[:])
	h.Write(nonce)
	var commitment ids.ID
	copy(commitment[:], h.Sum(nil))
	return &NonceCommitment{
		Signer:     signer,
		Commitment: commitment,
	}, nil
}

// SignatureShare is a participant's round-two message: its share over the
// session message, bound to the nonce round and the data transcript it was
// produced for.
type SignatureShare struct {
	Signer       ids.ID `serialize:"true" json:"signer"`
	Share        []byte `serialize:"true" json:"share"`
	NonceBinding ids.ID `serialize:"true" json:"nonceBinding"`
	DataBinding  ids.ID `serialize:"true" json:"dataBinding"`
}

// SignSession drives the share rounds for one message.
//
// Round one collects a nonce commitment from every participant. Once the
// round closes, the nonce binding is fixed; round two collects shares that
// must carry that binding plus the binding of the message transcript. Any
// party holding at least threshold valid shares aggregates them.
type SignSession struct {
	witnesses *WitnessSet
	msg       []byte

	dataBinding  ids.ID
	commitments  map[ids.ID]ids.ID
	nonceBinding ids.ID
	roundClosed  bool

	shares map[ids.ID]*bls.Signature
}

// NewSignSession opens a session for [msg] against [witnesses].
func NewSignSession(witnesses *WitnessSet, msg []byte) *SignSession {
	return &SignSession{
		witnesses:   witnesses,
		msg:         msg,
		dataBinding: DataBinding(msg),
		commitments: make(map[ids.ID]ids.ID),
		shares:      make(map[ids.ID]*bls.Signature),
	}
}

// DataBinding digests a message transcript into the binding carried by
// shares.
func DataBinding(msg []byte) ids.ID {
	return ids.ID(sha256.Sum256(msg))
}

// AddCommitment records a round-one commitment. The round closes once every
// witness has committed.
func (s *SignSession) AddCommitment(c *NonceCommitment) error {
	if s.roundClosed {
		return ErrCommitRoundClosed
	}
	if !s.witnesses.Contains(c.Signer) {
		return fmt.Errorf("%w: %s", ErrUnknownWitness, c.Signer)
	}
	if _, ok := s.commitments[c.Signer]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommitment, c.Signer)
	}
	s.commitments[c.Signer] = c.Commitment
	if len(s.commitments) == s.witnesses.Len() {
		s.closeRound()
	}
	return nil
}

// CloseRound forces round one closed with the commitments gathered so far.
// Used when a witness is unresponsive and the remaining quorum suffices.
func (s *SignSession) CloseRound() error {
	if s.roundClosed {
		return ErrCommitRoundClosed
	}
	if len(s.commitments) < s.witnesses.Threshold() {
		return fmt.Errorf("%w: %d of %d committed", ErrInsufficientShares, len(s.commitments), s.witnesses.Threshold())
	}
	s.closeRound()
	return nil
}

// closeRound fixes the nonce binding: the hash of all commitments in
// canonical witness order.
func (s *SignSession) closeRound() {
	h := sha256.New()
	for _, w := range s.witnesses.Members() {
		commitment, ok := s.commitments[w.AuthorityID]
		if !ok {
			continue
		}
		h.Write(w.AuthorityID[:])
		h.Write(commitment[:])
	}
	copy(s.nonceBinding[:], h.Sum(nil))
	s.roundClosed = true
}

// NonceBinding returns the fixed binding of the closed commitment round.
func (s *SignSession) NonceBinding() (ids.ID, error) {
	if !s.roundClosed {
		return ids.Empty, ErrCommitRoundOpen
	}
	return s.nonceBinding, nil
}

// Sign produces this participant's round-two share.
func (s *SignSession) Sign(authorityID ids.ID, signer *Signer) (*SignatureShare, error) {
	if !s.roundClosed {
		return nil, ErrCommitRoundOpen
	}
	sig, err := signer.Sign(s.msg)
	if err != nil {
		return nil, err
	}
	return &SignatureShare{
		Signer:       authorityID,
		Share:        bls.SignatureToBytes(sig),
		NonceBinding: s.nonceBinding,
		DataBinding:  s.dataBinding,
	}, nil
}

// AddShare validates and records a round-two share. A share with a stale
// nonce or data binding is rejected; a share that fails verification under
// the signer's current verifying key blames the signer.
func (s *SignSession) AddShare(share *SignatureShare) error {
	if !s.roundClosed {
		return ErrCommitRoundOpen
	}
	witness, ok := s.witnesses.Witness(share.Signer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWitness, share.Signer)
	}
	if share.NonceBinding != s.nonceBinding {
		return fmt.Errorf("%w: signer %s", ErrWrongNonceBinding, share.Signer)
	}
	if share.DataBinding != s.dataBinding {
		return fmt.Errorf("%w: signer %s", ErrWrongDataBinding, share.Signer)
	}

	sig, err := bls.SignatureFromBytes(share.Share)
	if err != nil {
		return fmt.Errorf("%w: signer %s: %w", ErrInvalidShare, share.Signer, err)
	}
	if !bls.Verify(witness.PublicKey, sig, s.msg) {
		return fmt.Errorf("%w: signer %s", ErrInvalidShare, share.Signer)
	}

	s.shares[share.Signer] = sig
	return nil
}

// RemoveShare discards a previously accepted share. Used when the signer is
// later caught equivocating and its contribution must not count toward the
// threshold.
func (s *SignSession) RemoveShare(signer ids.ID) {
	delete(s.shares, signer)
}

// NumShares returns the number of valid shares gathered.
func (s *SignSession) NumShares() int {
	return len(s.shares)
}

// Aggregate combines the gathered shares into an attestation. Fails with
// ErrInsufficientShares below the threshold.
func (s *SignSession) Aggregate() (*Attestation, error) {
	return Aggregate(s.witnesses, s.shares)
}
