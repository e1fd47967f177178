// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package signing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
)

type testWitness struct {
	authorityID ids.ID
	signer      *Signer
}

func newTestWitnesses(t *testing.T, n int) []*testWitness {
	t.Helper()

	out := make([]*testWitness, n)
	for i := range out {
		signer, err := NewSigner()
		require.NoError(t, err)
		out[i] = &testWitness{
			authorityID: ids.GenerateTestID(),
			signer:      signer,
		}
	}
	return out
}

func newTestWitnessSet(t *testing.T, tws []*testWitness, threshold int) *WitnessSet {
	t.Helper()

	members := make([]*Witness, len(tws))
	for i, tw := range tws {
		members[i] = &Witness{
			AuthorityID:    tw.authorityID,
			PublicKey:      tw.signer.PublicKey(),
			PublicKeyBytes: tw.signer.PublicKeyBytes(),
		}
	}
	ws, err := NewWitnessSet(members, threshold)
	require.NoError(t, err)
	return ws
}

func TestNewWitnessSetRejectsBadInput(t *testing.T) {
	require := require.New(t)

	tws := newTestWitnesses(t, 2)
	members := []*Witness{
		{AuthorityID: tws[0].authorityID, PublicKey: tws[0].signer.PublicKey()},
		{AuthorityID: tws[1].authorityID, PublicKey: tws[1].signer.PublicKey()},
	}

	_, err := NewWitnessSet(nil, 1)
	require.ErrorIs(err, ErrNoWitnesses)

	_, err = NewWitnessSet(members, 3)
	require.ErrorIs(err, ErrBadThreshold)

	_, err = NewWitnessSet(members, 0)
	require.ErrorIs(err, ErrBadThreshold)

	dup := []*Witness{members[0], {AuthorityID: members[0].AuthorityID, PublicKey: members[1].PublicKey}}
	_, err = NewWitnessSet(dup, 1)
	require.ErrorIs(err, ErrDuplicateWitness)
}

func TestSignSessionRounds(t *testing.T) {
	require := require.New(t)

	tws := newTestWitnesses(t, 5)
	ws := newTestWitnessSet(t, tws, 3)
	msg := []byte("canonical operation tuple")

	session := NewSignSession(ws, msg)

	// Shares are refused before the commitment round closes.
	_, err := session.Sign(tws[0].authorityID, tws[0].signer)
	require.ErrorIs(err, ErrCommitRoundOpen)

	for _, tw := range tws {
		commitment, err := NewNonceCommitment(tw.authorityID)
		require.NoError(err)
		require.NoError(session.AddCommitment(commitment))
	}

	binding, err := session.NonceBinding()
	require.NoError(err)
	require.NotEqual(ids.Empty, binding)

	for _, tw := range tws[:3] {
		share, err := session.Sign(tw.authorityID, tw.signer)
		require.NoError(err)
		require.Equal(binding, share.NonceBinding)
		require.NoError(session.AddShare(share))
	}

	attestation, err := session.Aggregate()
	require.NoError(err)
	require.NoError(attestation.Verify(msg, ws))

	numSigners, err := attestation.NumSigners()
	require.NoError(err)
	require.Equal(3, numSigners)
}

func TestAggregateInsufficientShares(t *testing.T) {
	require := require.New(t)

	tws := newTestWitnesses(t, 5)
	ws := newTestWitnessSet(t, tws, 3)
	msg := []byte("needs three signers")

	session := NewSignSession(ws, msg)
	for _, tw := range tws {
		commitment, err := NewNonceCommitment(tw.authorityID)
		require.NoError(err)
		require.NoError(session.AddCommitment(commitment))
	}
	for _, tw := range tws[:2] {
		share, err := session.Sign(tw.authorityID, tw.signer)
		require.NoError(err)
		require.NoError(session.AddShare(share))
	}

	_, err := session.Aggregate()
	require.ErrorIs(err, ErrInsufficientShares)
}

func TestAddShareBlamesInvalidShare(t *testing.T) {
	require := require.New(t)

	tws := newTestWitnesses(t, 3)
	ws := newTestWitnessSet(t, tws, 3)
	msg := []byte("message under signature")

	session := NewSignSession(ws, msg)
	for _, tw := range tws {
		commitment, err := NewNonceCommitment(tw.authorityID)
		require.NoError(err)
		require.NoError(session.AddCommitment(commitment))
	}

	// A share produced by a different key than the witness's registered key
	// is blamed on the claimed signer.
	rogue, err := NewSigner()
	require.NoError(err)
	share, err := session.Sign(tws[0].authorityID, rogue)
	require.NoError(err)

	err = session.AddShare(share)
	require.ErrorIs(err, ErrInvalidShare)
	require.Zero(session.NumShares())
}

func TestAddShareRejectsStaleBindings(t *testing.T) {
	require := require.New(t)

	tws := newTestWitnesses(t, 3)
	ws := newTestWitnessSet(t, tws, 3)
	msg := []byte("bindings must match")

	session := NewSignSession(ws, msg)
	for _, tw := range tws {
		commitment, err := NewNonceCommitment(tw.authorityID)
		require.NoError(err)
		require.NoError(session.AddCommitment(commitment))
	}

	share, err := session.Sign(tws[0].authorityID, tws[0].signer)
	require.NoError(err)

	stale := *share
	stale.NonceBinding = ids.GenerateTestID()
	require.ErrorIs(session.AddShare(&stale), ErrWrongNonceBinding)

	stale = *share
	stale.DataBinding = ids.GenerateTestID()
	require.ErrorIs(session.AddShare(&stale), ErrWrongDataBinding)
}

func TestThresholdSufficiency(t *testing.T) {
	require := require.New(t)

	tws := newTestWitnesses(t, 5)
	ws := newTestWitnessSet(t, tws, 3)
	msg := []byte("threshold sufficiency")

	// Two signers aggregated directly never verify.
	shares := make(map[ids.ID]*bls.Signature, 2)
	for _, tw := range tws[:2] {
		sig, err := tw.signer.Sign(msg)
		require.NoError(err)
		shares[tw.authorityID] = sig
	}
	_, err := Aggregate(ws, shares)
	require.ErrorIs(err, ErrInsufficientShares)

	// Exactly the threshold verifies.
	sig, err := tws[2].signer.Sign(msg)
	require.NoError(err)
	shares[tws[2].authorityID] = sig

	attestation, err := Aggregate(ws, shares)
	require.NoError(err)
	require.NoError(attestation.Verify(msg, ws))

	// Tampering with the signer bitset invalidates verification.
	tampered := &Attestation{
		Signers:   []byte{0x01},
		Signature: attestation.Signature,
	}
	require.Error(tampered.Verify(msg, ws))
}

func TestDeterministicAggregation(t *testing.T) {
	require := require.New(t)

	tws := newTestWitnesses(t, 4)
	ws := newTestWitnessSet(t, tws, 3)
	msg := []byte("byte-equal commit facts")

	shares := make(map[ids.ID]*bls.Signature, 3)
	for _, tw := range tws[:3] {
		sig, err := tw.signer.Sign(msg)
		require.NoError(err)
		shares[tw.authorityID] = sig
	}

	first, err := Aggregate(ws, shares)
	require.NoError(err)
	second, err := Aggregate(ws, shares)
	require.NoError(err)

	require.Equal(first.Signers, second.Signers)
	require.Equal(first.Signature, second.Signature)
}

func TestKeyShareRoundTrip(t *testing.T) {
	require := require.New(t)

	signer, err := NewSigner()
	require.NoError(err)
	authorityID := ids.GenerateTestID()

	share := signer.KeyShare(authorityID)
	parsed, err := ParseKeyShare(share.Bytes())
	require.NoError(err)
	require.Equal(share, parsed)

	restored, err := SignerFromShare(parsed)
	require.NoError(err)
	require.Equal(signer.PublicKeyBytes(), restored.PublicKeyBytes())
}

func TestParseKeyShareRejectsWrongLength(t *testing.T) {
	for _, n := range []int{0, 32, 64, 95, 97, 128} {
		_, err := ParseKeyShare(make([]byte, n))
		require.ErrorIs(t, err, ErrWrongKeyShareLen)
	}
}

func TestDefaultThreshold(t *testing.T) {
	require := require.New(t)

	// All-signers for the smallest groups.
	require.Equal(2, DefaultThreshold(1, 2))
	require.Equal(3, DefaultThreshold(2, 3))
	// k-of-n beyond that.
	require.Equal(2, DefaultThreshold(2, 4))
	require.Equal(3, DefaultThreshold(3, 7))
}
