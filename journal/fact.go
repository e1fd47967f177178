// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package journal implements the append-only fact journal: a namespaced
// join-semilattice of facts merged by set union. A fact's order token is an
// opaque 32-byte value fixing iteration order; it carries no causality.
package journal

import (
	"bytes"
	"crypto/sha256"
	"errors"

	"github.com/luxfi/ids"

	"github.com/auranet/aura/authority"
	"github.com/auranet/aura/channel"
	"github.com/auranet/aura/journal/timestamp"
	"github.com/auranet/aura/signing"
	"github.com/auranet/aura/tree"
)

var (
	ErrMissingOrder   = errors.New("fact order is empty")
	ErrMissingContent = errors.New("fact has no content")

	_ Content = (*AttestedOp)(nil)
	_ Content = (*CapabilityDelegation)(nil)
	_ Content = (*CapabilityRevocation)(nil)
	_ Content = (*RecoveryGrant)(nil)
	_ Content = (*ChannelCheckpoint)(nil)
	_ Content = (*ChannelBumpProposal)(nil)
	_ Content = (*ChannelBumpCommit)(nil)
	_ Content = (*ChannelPolicyUpdate)(nil)
	_ Content = (*SnapshotMarker)(nil)
	_ Content = (*RendezvousReceipt)(nil)
	_ Content = (*EquivocationEvidence)(nil)
)

// Content is one fact payload variant.
type Content interface {
	Verify() error
}

// Fact is the unit of the journal. Order totally orders facts within a
// namespace; Timestamp is semantic time for conflict resolution and audit.
type Fact struct {
	Order     ids.ID              `serialize:"true" json:"order"`
	Timestamp timestamp.Timestamp `serialize:"true" json:"timestamp"`
	Content   Content             `serialize:"true" json:"content"`
}

// NewFact derives the order token from the canonical encoding of
// (timestamp, content), so the same logical fact gets the same order on
// every replica.
func NewFact(ts timestamp.Timestamp, content Content) (*Fact, error) {
	f := &Fact{Timestamp: ts, Content: content}
	order, err := computeOrder(f)
	if err != nil {
		return nil, err
	}
	f.Order = order
	if err := f.Verify(); err != nil {
		return nil, err
	}
	return f, nil
}

func computeOrder(f *Fact) (ids.ID, error) {
	unordered := &Fact{Timestamp: f.Timestamp, Content: f.Content}
	b, err := Codec.Marshal(codecVersion, unordered)
	if err != nil {
		return ids.Empty, err
	}
	return ids.ID(sha256.Sum256(b)), nil
}

// Verify checks structural validity. The order token is opaque: remote
// writers may derive theirs differently, so no binding between order and
// content is enforced here. Conflicting content under one token is caught
// at Add.
func (f *Fact) Verify() error {
	if f.Order == ids.Empty {
		return ErrMissingOrder
	}
	if f.Content == nil {
		return ErrMissingContent
	}
	if err := f.Timestamp.Verify(); err != nil {
		return err
	}
	return f.Content.Verify()
}

// Bytes returns the fact's canonical encoding.
func (f *Fact) Bytes() ([]byte, error) {
	return Codec.Marshal(codecVersion, f)
}

// ParseFact is the inverse of Bytes.
func ParseFact(b []byte) (*Fact, error) {
	f := &Fact{}
	if _, err := Codec.Unmarshal(b, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Less orders facts by order token bytes.
func (f *Fact) Less(than *Fact) bool {
	return bytes.Compare(f.Order[:], than.Order[:]) < 0
}

// AttestedOp carries a tree operation plus the threshold attestation
// authorizing it. The attestation signs the operation's canonical bytes.
type AttestedOp struct {
	ConsensusID ids.ID              `serialize:"true" json:"consensusID"`
	Operation   tree.Operation      `serialize:"true" json:"operation"`
	Attestation signing.Attestation `serialize:"true" json:"attestation"`
}

func (a *AttestedOp) Verify() error {
	if a.ConsensusID == ids.Empty {
		return errors.New("attested op has no consensus id")
	}
	return a.Operation.Verify()
}

// SignedBytes returns the bytes the attestation covers.
func (a *AttestedOp) SignedBytes() ([]byte, error) {
	return tree.MarshalOperation(&a.Operation)
}

// CapabilityDelegation records a capability grant.
type CapabilityDelegation struct {
	Delegation authority.Delegation `serialize:"true" json:"delegation"`
}

func (c *CapabilityDelegation) Verify() error {
	return c.Delegation.Verify()
}

// CapabilityRevocation records a capability revocation.
type CapabilityRevocation struct {
	Revocation authority.Revocation `serialize:"true" json:"revocation"`
}

func (c *CapabilityRevocation) Verify() error {
	return c.Revocation.Verify()
}

// RecoveryGrant records a guardian-issued recovery capability together with
// the quorum attestation over its canonical bytes.
type RecoveryGrant struct {
	Capability  authority.RecoveryCapability `serialize:"true" json:"capability"`
	Attestation signing.Attestation          `serialize:"true" json:"attestation"`
}

func (r *RecoveryGrant) Verify() error {
	return r.Capability.Verify(authority.DefaultRecoveryTTL)
}

// ChannelCheckpoint anchors a ratchet window.
type ChannelCheckpoint struct {
	Checkpoint channel.Checkpoint `serialize:"true" json:"checkpoint"`
}

func (c *ChannelCheckpoint) Verify() error {
	return c.Checkpoint.Verify()
}

// ChannelBumpProposal is an optimistic channel epoch bump.
type ChannelBumpProposal struct {
	Proposal channel.ProposedBump `serialize:"true" json:"proposal"`
}

func (c *ChannelBumpProposal) Verify() error {
	return c.Proposal.Verify()
}

// ChannelBumpCommit is a consensus-selected channel epoch bump.
type ChannelBumpCommit struct {
	Commit channel.CommittedBump `serialize:"true" json:"commit"`
}

func (c *ChannelBumpCommit) Verify() error {
	return c.Commit.Verify()
}

// ChannelPolicyUpdate overrides per-channel bump policy.
type ChannelPolicyUpdate struct {
	Policy channel.Policy `serialize:"true" json:"policy"`
}

func (c *ChannelPolicyUpdate) Verify() error {
	return c.Policy.Verify()
}

// SnapshotMarker anchors a garbage-collection point: state up to (and
// including) AsOf is reconstructible from the recorded tree identity alone.
type SnapshotMarker struct {
	AsOf           ids.ID `serialize:"true" json:"asOf"`
	Epoch          uint64 `serialize:"true" json:"epoch"`
	TreeCommitment ids.ID `serialize:"true" json:"treeCommitment"`
}

func (s *SnapshotMarker) Verify() error {
	if s.AsOf == ids.Empty {
		return errors.New("snapshot marker has no cutoff order")
	}
	return nil
}

// RendezvousReceipt proves a peer held a rendezvous payload for this
// namespace.
type RendezvousReceipt struct {
	Peer      ids.ID `serialize:"true" json:"peer"`
	Payload   []byte `serialize:"true" json:"payload"`
	ExpiresAt int64  `serialize:"true" json:"expiresAt"`
}

func (r *RendezvousReceipt) Verify() error {
	if r.Peer == ids.Empty {
		return errors.New("rendezvous receipt has no peer")
	}
	return nil
}

// EquivocationEvidence records a witness emitting two different results for
// one consensus instance. Both signed result ids and signatures are kept so
// any replica can re-verify the contradiction.
type EquivocationEvidence struct {
	ConsensusID  ids.ID `serialize:"true" json:"consensusID"`
	Witness      ids.ID `serialize:"true" json:"witness"`
	FirstResult  ids.ID `serialize:"true" json:"firstResult"`
	SecondResult ids.ID `serialize:"true" json:"secondResult"`
	FirstShare   []byte `serialize:"true" json:"firstShare"`
	SecondShare  []byte `serialize:"true" json:"secondShare"`
}

func (e *EquivocationEvidence) Verify() error {
	switch {
	case e.ConsensusID == ids.Empty:
		return errors.New("evidence has no consensus id")
	case e.Witness == ids.Empty:
		return errors.New("evidence has no witness")
	case e.FirstResult == e.SecondResult:
		return errors.New("evidence results do not conflict")
	}
	return nil
}
