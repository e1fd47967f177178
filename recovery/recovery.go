// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package recovery runs the interactive sessions behind lost-device
// recovery: guardians approving a short-TTL recovery capability, and the
// rekey round that spends it. Sessions produce journal content; writing
// the facts is the caller's concern.
package recovery

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/auranet/aura/authority"
	"github.com/auranet/aura/journal"
	"github.com/auranet/aura/signing"
	"github.com/auranet/aura/tree"
	"github.com/auranet/aura/utils/timer/mockable"
)

const (
	DefaultMaxActiveSessions = 16
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExpired   = errors.New("session expired")
	ErrTooManySessions  = errors.New("too many active sessions")
	ErrTargetNotDevice  = errors.New("recovery target is not a device leaf")
	ErrTargetTombstoned = errors.New("recovery target is tombstoned")
	ErrNoGuardians      = errors.New("tree has no eligible guardians")
	ErrCapabilityTarget = errors.New("capability does not match rekey target")
	ErrRecoveryInFlight = errors.New("recovery already in progress for leaf")
)

// Config parameterizes a Manager. Zero fields take defaults.
type Config struct {
	Log   log.Logger
	Clock *mockable.Clock
	// TTL bounds both session lifetime and the issued capability.
	TTL               time.Duration
	MaxActiveSessions int
}

// Manager tracks in-flight recovery sessions. Safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	log   log.Logger
	clock *mockable.Clock
	ttl   time.Duration
	max   int

	guardianSessions map[ids.ID]*GuardianSession
	rekeySessions    map[ids.ID]*RekeySession
}

// NewManager builds a Manager from [cfg].
func NewManager(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = log.NewNoOpLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = &mockable.Clock{}
	}
	if cfg.TTL == 0 {
		cfg.TTL = authority.DefaultRecoveryTTL
	}
	if cfg.MaxActiveSessions == 0 {
		cfg.MaxActiveSessions = DefaultMaxActiveSessions
	}
	return &Manager{
		log:              cfg.Log,
		clock:            cfg.Clock,
		ttl:              cfg.TTL,
		max:              cfg.MaxActiveSessions,
		guardianSessions: make(map[ids.ID]*GuardianSession),
		rekeySessions:    make(map[ids.ID]*RekeySession),
	}
}

// GuardianSession gathers guardian approvals of one recovery capability.
// Owned by the Manager; fields are immutable once created.
type GuardianSession struct {
	SessionID  ids.ID
	Capability authority.RecoveryCapability
	ExpiresAt  time.Time

	session *signing.SignSession
}

// RekeySession gathers device shares over the rekey operation spending a
// recovery capability.
type RekeySession struct {
	SessionID    ids.ID
	CapabilityID ids.ID
	Operation    tree.Operation
	ExpiresAt    time.Time

	session *signing.SignSession
}

// capabilityID derives a deterministic capability id so the guardians who
// co-sign a capability agree on it without coordination.
func capabilityID(target ids.ID, leafIndex uint32, epoch uint64, issuedAt int64) ids.ID {
	h := sha256.New()
	h.Write(target[:])
	var buf [20]byte
	binary.BigEndian.PutUint32(buf[0:4], leafIndex)
	binary.BigEndian.PutUint64(buf[4:12], epoch)
	binary.BigEndian.PutUint64(buf[12:20], uint64(issuedAt))
	h.Write(buf[:])
	var out ids.ID
	copy(out[:], h.Sum(nil))
	return out
}

// Initiate opens a guardian session recovering [target]. The capability is
// issued against the tree's current epoch and the eligible guardian set;
// its threshold follows the small-group rule over that set.
func (m *Manager) Initiate(t *tree.Tree, target tree.LeafID, reason string) (*GuardianSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	if len(m.guardianSessions)+len(m.rekeySessions) >= m.max {
		return nil, ErrTooManySessions
	}
	for _, s := range m.guardianSessions {
		if s.Capability.TargetDevice == ids.ID(target) {
			return nil, fmt.Errorf("%w: %s", ErrRecoveryInFlight, target)
		}
	}

	leaf, err := t.GetLeaf(target)
	if err != nil {
		return nil, err
	}
	if leaf.Role != tree.Device {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotDevice, target)
	}
	if leaf.Tombstoned {
		return nil, fmt.Errorf("%w: %s", ErrTargetTombstoned, target)
	}
	leafIdx, err := t.LeafIndex(target)
	if err != nil {
		return nil, err
	}

	var (
		witnesses    []*signing.Witness
		branch       tree.NodeIndex
		sharedBranch = true
	)
	for idx, g := range t.Leaves() {
		if g.Role != tree.Guardian || g.Tombstoned {
			continue
		}
		if parent, ok := t.Parent(idx); ok {
			if len(witnesses) == 0 {
				branch = parent
			} else if parent != branch {
				sharedBranch = false
			}
		}
		witnesses = append(witnesses, &signing.Witness{
			AuthorityID:    g.Authority,
			PublicKeyBytes: g.PublicKey,
			KeyEpoch:       g.KeyEpoch,
		})
	}
	if len(witnesses) == 0 {
		return nil, ErrNoGuardians
	}

	// Guardians kept under a single branch recover under that branch's
	// policy; a scattered guardian set falls back to the small-group rule
	// over a simple majority.
	threshold := signing.DefaultThreshold((len(witnesses)+2)/2, len(witnesses))
	if sharedBranch {
		if b, err := t.GetBranch(branch); err == nil {
			if k, err := b.Policy.RequiredSigners(len(witnesses)); err == nil {
				threshold = k
			}
		}
	}
	ws, err := signing.NewWitnessSet(witnesses, threshold)
	if err != nil {
		return nil, err
	}

	now := m.clock.Time()
	capability := authority.RecoveryCapability{
		TargetDevice:      ids.ID(target),
		LeafIndex:         uint32(leafIdx),
		Epoch:             t.Epoch(),
		Guardians:         ws.AuthorityIDs(),
		GuardianThreshold: uint32(threshold),
		Reason:            reason,
		IssuedAt:          now.UnixNano(),
		Expiry:            now.Add(m.ttl).UnixNano(),
	}
	capability.CapabilityID = capabilityID(capability.TargetDevice, capability.LeafIndex, capability.Epoch, capability.IssuedAt)
	if err := capability.Verify(m.ttl); err != nil {
		return nil, err
	}
	msg, err := capability.Bytes()
	if err != nil {
		return nil, err
	}

	session := &GuardianSession{
		SessionID:  capability.CapabilityID,
		Capability: capability,
		ExpiresAt:  now.Add(m.ttl),
		session:    signing.NewSignSession(ws, msg),
	}
	m.guardianSessions[session.SessionID] = session
	m.log.Info("recovery initiated",
		log.String("session", session.SessionID.String()),
		log.String("target", capability.TargetDevice.String()),
		log.String("reason", reason),
	)
	return session, nil
}

// Commit records a guardian's round-one nonce commitment.
func (m *Manager) Commit(sessionID ids.ID, c *signing.NonceCommitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.guardianLocked(sessionID)
	if err != nil {
		return err
	}
	return s.session.AddCommitment(c)
}

// CloseRound closes a guardian session's commitment round with whoever has
// committed, so an absent guardian cannot stall recovery.
func (m *Manager) CloseRound(sessionID ids.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.guardianLocked(sessionID)
	if err != nil {
		return err
	}
	return s.session.CloseRound()
}

// NonceBinding returns the binding guardians sign under after the round
// closes.
func (m *Manager) NonceBinding(sessionID ids.ID) (ids.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.guardianLocked(sessionID)
	if err != nil {
		return ids.Empty, err
	}
	return s.session.NonceBinding()
}

// Approve records a guardian's signature share over the capability.
func (m *Manager) Approve(sessionID ids.ID, share *signing.SignatureShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.guardianLocked(sessionID)
	if err != nil {
		return err
	}
	if err := s.session.AddShare(share); err != nil {
		return err
	}
	m.log.Debug("recovery approval",
		log.String("session", sessionID.String()),
		log.String("guardian", share.Signer.String()),
		log.Int("approvals", s.session.NumShares()),
	)
	return nil
}

// Grant aggregates the gathered approvals into a RecoveryGrant and retires
// the session. Below the guardian threshold it fails and the session stays
// open.
func (m *Manager) Grant(sessionID ids.ID) (*journal.RecoveryGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.guardianLocked(sessionID)
	if err != nil {
		return nil, err
	}
	attestation, err := s.session.Aggregate()
	if err != nil {
		return nil, err
	}
	delete(m.guardianSessions, sessionID)
	m.log.Info("recovery granted",
		log.String("session", sessionID.String()),
		log.String("target", s.Capability.TargetDevice.String()),
	)
	return &journal.RecoveryGrant{
		Capability:  s.Capability,
		Attestation: *attestation,
	}, nil
}

// Cancel discards a session.
func (m *Manager) Cancel(sessionID ids.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.guardianSessions[sessionID]; ok {
		delete(m.guardianSessions, sessionID)
		return nil
	}
	if _, ok := m.rekeySessions[sessionID]; ok {
		delete(m.rekeySessions, sessionID)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
}

// Session returns an open guardian session.
func (m *Manager) Session(sessionID ids.ID) (*GuardianSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guardianLocked(sessionID)
}

// ActiveSessions returns the ids of open sessions of both kinds.
func (m *Manager) ActiveSessions() []ids.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	out := make([]ids.ID, 0, len(m.guardianSessions)+len(m.rekeySessions))
	for id := range m.guardianSessions {
		out = append(out, id)
	}
	for id := range m.rekeySessions {
		out = append(out, id)
	}
	return out
}

// StartRekey opens the signing round for the rekey operation spending
// [capability]. The operation is pinned to the tree's current prestate and
// signed by the target leaf's governing branch.
func (m *Manager) StartRekey(t *tree.Tree, capability *authority.RecoveryCapability, newPublicKey []byte) (*RekeySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	if len(m.guardianSessions)+len(m.rekeySessions) >= m.max {
		return nil, ErrTooManySessions
	}

	now := m.clock.Time()
	if err := capability.ValidAt(now.UnixNano()); err != nil {
		return nil, err
	}
	target := tree.LeafID(capability.TargetDevice)
	leafIdx, err := t.LeafIndex(target)
	if err != nil {
		return nil, err
	}
	if uint32(leafIdx) != capability.LeafIndex {
		return nil, fmt.Errorf("%w: leaf index %d, capability %d", ErrCapabilityTarget, leafIdx, capability.LeafIndex)
	}

	detail := &tree.DeviceRekeyOp{
		Leaf:         target,
		NewPublicKey: newPublicKey,
		CapabilityID: capability.CapabilityID,
	}
	if err := detail.Verify(); err != nil {
		return nil, err
	}
	op := tree.Operation{
		ParentEpoch:      t.Epoch(),
		ParentCommitment: t.RootCommitment(),
		Detail:           detail,
	}
	msg, err := tree.MarshalOperation(&op)
	if err != nil {
		return nil, err
	}

	governing, err := detail.GoverningBranch(t)
	if err != nil {
		return nil, err
	}
	_, threshold, members, err := t.SigningWitness(governing)
	if err != nil {
		return nil, err
	}
	witnesses := make([]*signing.Witness, len(members))
	for i, leaf := range members {
		witnesses[i] = &signing.Witness{
			AuthorityID:    leaf.Authority,
			PublicKeyBytes: leaf.PublicKey,
			KeyEpoch:       leaf.KeyEpoch,
		}
	}
	ws, err := signing.NewWitnessSet(witnesses, threshold)
	if err != nil {
		return nil, err
	}

	session := &RekeySession{
		SessionID:    signing.DataBinding(msg),
		CapabilityID: capability.CapabilityID,
		Operation:    op,
		ExpiresAt:    now.Add(m.ttl),
		session:      signing.NewSignSession(ws, msg),
	}
	m.rekeySessions[session.SessionID] = session
	m.log.Info("rekey started",
		log.String("session", session.SessionID.String()),
		log.String("capability", capability.CapabilityID.String()),
	)
	return session, nil
}

// RekeyCommit records a device's round-one commitment.
func (m *Manager) RekeyCommit(sessionID ids.ID, c *signing.NonceCommitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.rekeyLocked(sessionID)
	if err != nil {
		return err
	}
	return s.session.AddCommitment(c)
}

// RekeyCloseRound closes a rekey session's commitment round.
func (m *Manager) RekeyCloseRound(sessionID ids.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.rekeyLocked(sessionID)
	if err != nil {
		return err
	}
	return s.session.CloseRound()
}

// RekeyShare records a device's signature share over the operation.
func (m *Manager) RekeyShare(sessionID ids.ID, share *signing.SignatureShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.rekeyLocked(sessionID)
	if err != nil {
		return err
	}
	return s.session.AddShare(share)
}

// RekeyFact aggregates the shares into the attested rekey operation and
// retires the session.
func (m *Manager) RekeyFact(sessionID ids.ID) (*journal.AttestedOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.rekeyLocked(sessionID)
	if err != nil {
		return nil, err
	}
	attestation, err := s.session.Aggregate()
	if err != nil {
		return nil, err
	}
	delete(m.rekeySessions, sessionID)
	return &journal.AttestedOp{
		ConsensusID: sessionID,
		Operation:   s.Operation,
		Attestation: *attestation,
	}, nil
}

func (m *Manager) guardianLocked(sessionID ids.ID) (*GuardianSession, error) {
	s, ok := m.guardianSessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !m.clock.Time().Before(s.ExpiresAt) {
		delete(m.guardianSessions, sessionID)
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, sessionID)
	}
	return s, nil
}

func (m *Manager) rekeyLocked(sessionID ids.ID) (*RekeySession, error) {
	s, ok := m.rekeySessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !m.clock.Time().Before(s.ExpiresAt) {
		delete(m.rekeySessions, sessionID)
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, sessionID)
	}
	return s, nil
}

func (m *Manager) expireLocked() {
	now := m.clock.Time()
	for id, s := range m.guardianSessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.guardianSessions, id)
			m.log.Debug("recovery session expired", log.String("session", id.String()))
		}
	}
	for id, s := range m.rekeySessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.rekeySessions, id)
			m.log.Debug("rekey session expired", log.String("session", id.String()))
		}
	}
}
