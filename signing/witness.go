// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package signing implements the threshold attestation layer: witness sets,
// signature shares, and deterministic aggregation into attestations
// verifiable against a branch's witness set.
package signing

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/utils"
)

var _ utils.Sortable[*Witness] = (*Witness)(nil)

var (
	ErrNoWitnesses      = errors.New("witness set is empty")
	ErrDuplicateWitness = errors.New("duplicate witness")
	ErrBadThreshold     = errors.New("threshold exceeds witness count")
	ErrUnknownWitness   = errors.New("unknown witness")
	ErrInvalidPublicKey = errors.New("invalid witness public key")
)

// Witness is a single authority allowed to contribute signature shares.
type Witness struct {
	AuthorityID    ids.ID
	PublicKey      *bls.PublicKey
	PublicKeyBytes []byte
	// KeyEpoch is the share generation this key belongs to. Shares produced
	// under an older generation fail verification after a rekey.
	KeyEpoch uint64
}

func (w *Witness) Compare(other *Witness) int {
	return bytes.Compare(w.AuthorityID[:], other.AuthorityID[:])
}

// WitnessSet is the canonically ordered set of witnesses for one consensus
// instance, plus the signer threshold derived from the governing policy.
// The ordering (ascending authority ID bytes) is what attestation bitsets
// index into, so it must be identical on every replica.
type WitnessSet struct {
	members   []*Witness
	threshold int
	indices   map[ids.ID]int
}

// NewWitnessSet builds a witness set from [members]. Members are sorted into
// canonical order; duplicates and empty sets are rejected, as is a threshold
// larger than the member count.
func NewWitnessSet(members []*Witness, threshold int) (*WitnessSet, error) {
	if len(members) == 0 {
		return nil, ErrNoWitnesses
	}
	if threshold <= 0 || threshold > len(members) {
		return nil, fmt.Errorf("%w: %d of %d", ErrBadThreshold, threshold, len(members))
	}

	sorted := make([]*Witness, len(members))
	copy(sorted, members)
	utils.Sort(sorted)

	indices := make(map[ids.ID]int, len(sorted))
	for i, w := range sorted {
		if _, ok := indices[w.AuthorityID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateWitness, w.AuthorityID)
		}
		if w.PublicKey == nil {
			pk := bls.PublicKeyFromValidUncompressedBytes(w.PublicKeyBytes)
			if pk == nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidPublicKey, w.AuthorityID)
			}
			w.PublicKey = pk
		}
		indices[w.AuthorityID] = i
	}

	return &WitnessSet{
		members:   sorted,
		threshold: threshold,
		indices:   indices,
	}, nil
}

// Threshold returns the number of signers required for a valid attestation.
func (ws *WitnessSet) Threshold() int {
	return ws.threshold
}

// Len returns the number of witnesses.
func (ws *WitnessSet) Len() int {
	return len(ws.members)
}

// Members returns the witnesses in canonical order.
func (ws *WitnessSet) Members() []*Witness {
	return ws.members
}

// Index returns the canonical index of [authorityID].
func (ws *WitnessSet) Index(authorityID ids.ID) (int, bool) {
	i, ok := ws.indices[authorityID]
	return i, ok
}

// Witness returns the witness with [authorityID].
func (ws *WitnessSet) Witness(authorityID ids.ID) (*Witness, bool) {
	i, ok := ws.indices[authorityID]
	if !ok {
		return nil, false
	}
	return ws.members[i], true
}

// Contains reports whether [authorityID] is in the set.
func (ws *WitnessSet) Contains(authorityID ids.ID) bool {
	_, ok := ws.indices[authorityID]
	return ok
}

// AuthorityIDs returns the member authority IDs in canonical order.
func (ws *WitnessSet) AuthorityIDs() []ids.ID {
	out := make([]ids.ID, len(ws.members))
	for i, w := range ws.members {
		out[i] = w.AuthorityID
	}
	return out
}
