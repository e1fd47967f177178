// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package authority

import (
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
)

// DefaultRecoveryTTL bounds how long an issued recovery capability stays
// presentable. Policy may override it, never silently.
const DefaultRecoveryTTL = 15 * time.Minute

var (
	ErrNoGuardians         = errors.New("recovery capability has no guardians")
	ErrDuplicateGuardian   = errors.New("recovery capability lists a guardian twice")
	ErrGuardianThreshold   = errors.New("recovery guardian threshold out of range")
	ErrRecoveryTTL         = errors.New("recovery capability TTL exceeds limit")
	ErrRecoveryExpired     = errors.New("recovery capability expired")
	ErrRecoveryNotYetValid = errors.New("recovery capability not yet valid")
	ErrMissingTarget       = errors.New("recovery capability has no target device")
)

// RecoveryCapability is a short-TTL capability issued by a guardian quorum
// authorizing exactly one device rekey. LeafIndex and Epoch pin the tree
// position and prestate the capability was issued against; they also name
// the capability's canonical URI.
type RecoveryCapability struct {
	CapabilityID      ids.ID   `serialize:"true" json:"capabilityID"`
	TargetDevice      ids.ID   `serialize:"true" json:"targetDevice"`
	LeafIndex         uint32   `serialize:"true" json:"leafIndex"`
	Epoch             uint64   `serialize:"true" json:"epoch"`
	Guardians         []ids.ID `serialize:"true" json:"guardians"`
	GuardianThreshold uint32   `serialize:"true" json:"guardianThreshold"`
	Reason            string   `serialize:"true" json:"reason"`
	IssuedAt          int64    `serialize:"true" json:"issuedAt"`
	Expiry            int64    `serialize:"true" json:"expiry"`
}

// Bytes returns the canonical encoding the guardian quorum signs.
func (c *RecoveryCapability) Bytes() ([]byte, error) {
	return Codec.Marshal(codecVersion, c)
}

// URI returns the capability's canonical journal address.
func (c *RecoveryCapability) URI() string {
	return fmt.Sprintf("journal://recovery/%d#%d", c.LeafIndex, c.Epoch)
}

// Verify checks structural validity against [maxTTL]. Signature and quorum
// checks happen at reduction, where the guardian witness set is known.
func (c *RecoveryCapability) Verify(maxTTL time.Duration) error {
	switch {
	case c.CapabilityID == ids.Empty:
		return ErrMissingCapabilityID
	case c.TargetDevice == ids.Empty:
		return ErrMissingTarget
	case len(c.Guardians) == 0:
		return ErrNoGuardians
	}
	seen := set.NewSet[ids.ID](len(c.Guardians))
	for _, g := range c.Guardians {
		if seen.Contains(g) {
			return fmt.Errorf("%w: %s", ErrDuplicateGuardian, g)
		}
		seen.Add(g)
	}
	if c.GuardianThreshold == 0 || int(c.GuardianThreshold) > len(c.Guardians) {
		return fmt.Errorf("%w: %d of %d", ErrGuardianThreshold, c.GuardianThreshold, len(c.Guardians))
	}
	if c.Expiry <= c.IssuedAt {
		return ErrRecoveryExpired
	}
	if ttl := time.Duration(c.Expiry - c.IssuedAt); ttl > maxTTL {
		return fmt.Errorf("%w: %s > %s", ErrRecoveryTTL, ttl, maxTTL)
	}
	return nil
}

// ValidAt reports whether the capability is presentable at unix-nanosecond
// time [at].
func (c *RecoveryCapability) ValidAt(at int64) error {
	if at < c.IssuedAt {
		return ErrRecoveryNotYetValid
	}
	if at > c.Expiry {
		return ErrRecoveryExpired
	}
	return nil
}
