// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package signing

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/crypto/bls/signer/localsigner"
	"github.com/luxfi/ids"
)

const (
	// IdentifierLen is the serialized length of a share identifier.
	IdentifierLen = 32
	// SigningShareLen is the serialized length of a signing share.
	SigningShareLen = 32
	// VerifyingKeyLen is the serialized length of a verifying-key digest.
	VerifyingKeyLen = 32

	// KeyShareLen is the exact serialized length of a key share. Any other
	// length is rejected.
	KeyShareLen = IdentifierLen + SigningShareLen + VerifyingKeyLen
)

var (
	ErrWrongKeyShareLen  = errors.New("key share must be exactly 96 bytes")
	ErrWrongSecretKeyLen = errors.New("secret key is not 32 bytes")
)

// KeyShare is the fixed serialized form of a witness's signing material:
// the holder's identifier, its secret signing share, and the digest of its
// verifying key. Full verifying keys are carried by tree leaves; the digest
// here binds the share to exactly one of them.
type KeyShare struct {
	Identifier   [IdentifierLen]byte
	SigningShare [SigningShareLen]byte
	VerifyingKey [VerifyingKeyLen]byte
}

// Bytes returns the canonical 96-byte serialization.
func (s *KeyShare) Bytes() []byte {
	out := make([]byte, KeyShareLen)
	copy(out, s.Identifier[:])
	copy(out[IdentifierLen:], s.SigningShare[:])
	copy(out[IdentifierLen+SigningShareLen:], s.VerifyingKey[:])
	return out
}

// ParseKeyShare decodes the fixed 3-tuple serialization. Inputs of any
// other length are rejected.
func ParseKeyShare(b []byte) (*KeyShare, error) {
	if len(b) != KeyShareLen {
		return nil, fmt.Errorf("%w: got %d", ErrWrongKeyShareLen, len(b))
	}
	share := &KeyShare{}
	copy(share.Identifier[:], b[:IdentifierLen])
	copy(share.SigningShare[:], b[IdentifierLen:IdentifierLen+SigningShareLen])
	copy(share.VerifyingKey[:], b[IdentifierLen+SigningShareLen:])
	return share, nil
}

// Zeroize overwrites the signing share in place. Holders must call this when
// a rekey retires the share's generation.
func (s *KeyShare) Zeroize() {
	for i := range s.SigningShare {
		s.SigningShare[i] = 0
	}
}

// Identifier derives the share identifier for an authority.
func Identifier(authorityID ids.ID) [IdentifierLen]byte {
	return sha256.Sum256(authorityID[:])
}

// Fingerprint digests a verifying key into its 32-byte bound form.
func Fingerprint(publicKeyBytes []byte) [VerifyingKeyLen]byte {
	return sha256.Sum256(publicKeyBytes)
}

// Signer wraps a witness's secret key.
type Signer struct {
	signer      bls.Signer
	secretBytes []byte
	pk          *bls.PublicKey
}

// NewSigner generates a fresh signing key.
func NewSigner() (*Signer, error) {
	sk, err := bls.NewSecretKey()
	if err != nil {
		return nil, err
	}
	return SignerFromBytes(bls.SecretKeyToBytes(sk))
}

// SignerFromBytes reconstructs a signer from its 32-byte secret.
func SignerFromBytes(secretBytes []byte) (*Signer, error) {
	if len(secretBytes) != SigningShareLen {
		return nil, fmt.Errorf("%w: got %d", ErrWrongSecretKeyLen, len(secretBytes))
	}
	signer, err := localsigner.FromBytes(secretBytes)
	if err != nil {
		return nil, err
	}
	return &Signer{
		signer:      signer,
		secretBytes: secretBytes,
		pk:          signer.PublicKey(),
	}, nil
}

// Sign produces a signature share over [msg].
func (s *Signer) Sign(msg []byte) (*bls.Signature, error) {
	return s.signer.Sign(msg)
}

// PublicKey returns the verifying key for this signer.
func (s *Signer) PublicKey() *bls.PublicKey {
	return s.pk
}

// PublicKeyBytes returns the uncompressed verifying key bytes.
func (s *Signer) PublicKeyBytes() []byte {
	return bls.PublicKeyToUncompressedBytes(s.pk)
}

// KeyShare renders this signer's material as the fixed share tuple for
// [authorityID].
func (s *Signer) KeyShare(authorityID ids.ID) *KeyShare {
	share := &KeyShare{
		Identifier:   Identifier(authorityID),
		VerifyingKey: Fingerprint(s.PublicKeyBytes()),
	}
	copy(share.SigningShare[:], s.secretBytes)
	return share
}

// SignerFromShare reconstructs a signer from a key share and checks the
// share's verifying-key digest against the reconstructed key.
func SignerFromShare(share *KeyShare) (*Signer, error) {
	signer, err := SignerFromBytes(share.SigningShare[:])
	if err != nil {
		return nil, err
	}
	if Fingerprint(signer.PublicKeyBytes()) != share.VerifyingKey {
		return nil, ErrInvalidPublicKey
	}
	return signer, nil
}
