// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package signing

import (
	"errors"
	"fmt"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
)

var (
	ErrInvalidBitSet      = errors.New("attester bitset is invalid")
	ErrParseSignature     = errors.New("failed to parse signature")
	ErrInvalidSignature   = errors.New("signature is invalid")
	ErrAttesterOutOfRange = errors.New("attester index out of range")
)

// Attestation is a threshold signature over a canonical message, produced by
// a quorum of a witness set. Signers is a bitset into the witness set's
// canonical ordering; Signature is the aggregate of the signers' shares.
// Because aggregation is performed in canonical order over a fixed signer
// set, two replicas aggregating the same shares produce byte-equal
// attestations.
type Attestation struct {
	Signers   []byte                 `serialize:"true" json:"signers"`
	Signature [bls.SignatureLen]byte `serialize:"true" json:"signature"`
}

// NumSigners returns how many witnesses participated.
func (a *Attestation) NumSigners() (int, error) {
	signerIndices := set.BitsFromBytes(a.Signers)
	if len(signerIndices.Bytes()) != len(a.Signers) {
		return 0, ErrInvalidBitSet
	}
	return signerIndices.Len(), nil
}

// Verify checks that the attestation was produced by at least the witness
// set's threshold of distinct witnesses and that the aggregate signature
// verifies over [msg] under the aggregate of the signers' public keys.
func (a *Attestation) Verify(msg []byte, witnesses *WitnessSet) error {
	signerIndices := set.BitsFromBytes(a.Signers)
	if len(signerIndices.Bytes()) != len(a.Signers) {
		return ErrInvalidBitSet
	}

	signers := make([]*bls.PublicKey, 0, witnesses.Len())
	for i, w := range witnesses.Members() {
		if signerIndices.Contains(i) {
			signers = append(signers, w.PublicKey)
		}
	}
	// Bits set beyond the witness count are forged indices.
	if signerIndices.Len() != len(signers) {
		return ErrAttesterOutOfRange
	}
	if len(signers) < witnesses.Threshold() {
		return fmt.Errorf("%w: %d of %d", ErrInsufficientShares, len(signers), witnesses.Threshold())
	}

	aggSig, err := bls.SignatureFromBytes(a.Signature[:])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrParseSignature, err)
	}
	aggPK, err := bls.AggregatePublicKeys(signers)
	if err != nil {
		return err
	}
	if !bls.Verify(aggPK, aggSig, msg) {
		return ErrInvalidSignature
	}
	return nil
}

// Attesters returns the authority IDs of the signers, in canonical order.
func (a *Attestation) Attesters(witnesses *WitnessSet) ([]ids.ID, error) {
	signerIndices := set.BitsFromBytes(a.Signers)
	if len(signerIndices.Bytes()) != len(a.Signers) {
		return nil, ErrInvalidBitSet
	}
	out := make([]ids.ID, 0, signerIndices.Len())
	for i, w := range witnesses.Members() {
		if signerIndices.Contains(i) {
			out = append(out, w.AuthorityID)
		}
	}
	return out, nil
}

// Aggregate combines [shares] (witness authority ID to signature) into an
// attestation. Shares from authorities outside the witness set are rejected;
// fewer shares than the threshold fail with ErrInsufficientShares.
// Aggregation order is the canonical witness order, so the output is
// deterministic for a given share set.
func Aggregate(witnesses *WitnessSet, shares map[ids.ID]*bls.Signature) (*Attestation, error) {
	if len(shares) < witnesses.Threshold() {
		return nil, fmt.Errorf("%w: %d of %d", ErrInsufficientShares, len(shares), witnesses.Threshold())
	}

	signerBits := set.NewBits()
	ordered := make([]*bls.Signature, 0, len(shares))
	for i, w := range witnesses.Members() {
		sig, ok := shares[w.AuthorityID]
		if !ok {
			continue
		}
		signerBits.Add(i)
		ordered = append(ordered, sig)
	}
	if len(ordered) != len(shares) {
		return nil, ErrUnknownWitness
	}

	aggSig, err := bls.AggregateSignatures(ordered)
	if err != nil {
		return nil, err
	}

	attestation := &Attestation{
		Signers: signerBits.Bytes(),
	}
	copy(attestation.Signature[:], bls.SignatureToBytes(aggSig))
	return attestation, nil
}
