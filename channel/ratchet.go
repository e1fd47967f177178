// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package channel implements the per-context, per-peer symmetric key
// ratchet and the epoch-bump control flow that rotates it.
package channel

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// GenerationKeyLen is the length of every derived message key.
	GenerationKeyLen = 32

	// DefaultWindow is how many generations ahead of the base a receiver
	// will derive before requiring a checkpoint.
	DefaultWindow = 64
)

var (
	ErrEmptyRootKey     = errors.New("ratchet root key is empty")
	ErrGenerationBehind = errors.New("generation is behind the ratchet base")
	ErrGenerationBeyond = errors.New("generation is beyond the ratchet window")
	ErrWindowZero       = errors.New("ratchet window must be positive")
)

// Ratchet derives per-generation message keys from a channel root key. The
// base generation only moves forward; keys behind the base are unreachable,
// which is what gives compromise of current state no purchase on past
// traffic.
type Ratchet struct {
	chanEpoch uint64
	baseGen   uint64
	window    uint32
	rootKey   []byte
}

// NewRatchet creates a ratchet at [chanEpoch] with its base at generation 0.
func NewRatchet(chanEpoch uint64, rootKey []byte, window uint32) (*Ratchet, error) {
	if len(rootKey) == 0 {
		return nil, ErrEmptyRootKey
	}
	if window == 0 {
		return nil, ErrWindowZero
	}
	return &Ratchet{
		chanEpoch: chanEpoch,
		window:    window,
		rootKey:   append([]byte(nil), rootKey...),
	}, nil
}

func (r *Ratchet) ChanEpoch() uint64 {
	return r.chanEpoch
}

func (r *Ratchet) BaseGen() uint64 {
	return r.baseGen
}

func (r *Ratchet) Window() uint32 {
	return r.window
}

// GenerationKey derives the key for [gen]. Only generations inside
// [baseGen, baseGen+window) are derivable.
func (r *Ratchet) GenerationKey(gen uint64) ([]byte, error) {
	if gen < r.baseGen {
		return nil, fmt.Errorf("%w: %d < %d", ErrGenerationBehind, gen, r.baseGen)
	}
	if gen >= r.baseGen+uint64(r.window) {
		return nil, fmt.Errorf("%w: %d >= %d", ErrGenerationBeyond, gen, r.baseGen+uint64(r.window))
	}

	var info [17]byte
	info[0] = 0x01
	binary.BigEndian.PutUint64(info[1:9], r.chanEpoch)
	binary.BigEndian.PutUint64(info[9:17], gen)
	kdf := hkdf.New(sha256.New, r.rootKey, nil, info[:])
	key := make([]byte, GenerationKeyLen)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Advance moves the base generation to [gen], discarding derivability of
// everything behind it. Moving backwards is rejected.
func (r *Ratchet) Advance(gen uint64) error {
	if gen < r.baseGen {
		return fmt.Errorf("%w: %d < %d", ErrGenerationBehind, gen, r.baseGen)
	}
	r.baseGen = gen
	return nil
}

// Checkpoint captures the ratchet position for a ChannelCheckpoint fact.
func (r *Ratchet) Checkpoint() (chanEpoch, baseGen uint64, window uint32) {
	return r.chanEpoch, r.baseGen, r.window
}

// NextEpoch derives the successor ratchet for a committed epoch bump. The
// new root key is bound to the old root, the new epoch, and the bump's DKG
// transcript hash when one exists.
func (r *Ratchet) NextEpoch(transcript []byte) (*Ratchet, error) {
	var info [9]byte
	info[0] = 0x02
	binary.BigEndian.PutUint64(info[1:9], r.chanEpoch+1)
	kdf := hkdf.New(sha256.New, r.rootKey, transcript, info[:])
	rootKey := make([]byte, GenerationKeyLen)
	if _, err := io.ReadFull(kdf, rootKey); err != nil {
		return nil, err
	}
	return &Ratchet{
		chanEpoch: r.chanEpoch + 1,
		window:    r.window,
		rootKey:   rootKey,
	}, nil
}
