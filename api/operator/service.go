// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package operator exposes the namespace over JSON-RPC: derived-state
// reads, recovery sessions, device and guardian management, capability
// grants, and journal snapshots for replication.
package operator

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/rpc/v2"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/auranet/aura/authority"
	"github.com/auranet/aura/consensus"
	"github.com/auranet/aura/journal"
	"github.com/auranet/aura/journal/timestamp"
	"github.com/auranet/aura/node"
	"github.com/auranet/aura/recovery"
	"github.com/auranet/aura/signing"
	"github.com/auranet/aura/tree"
	"github.com/auranet/aura/tree/reducer"
	"github.com/auranet/aura/utils/formatting"
	"github.com/auranet/aura/utils/json"
	"github.com/auranet/aura/utils/timer/mockable"
)

var (
	ErrNoWriter       = errors.New("service has no namespace writer")
	ErrNoRecovery     = errors.New("service has no recovery manager")
	ErrNoConsensus    = errors.New("service has no consensus engine")
	ErrWrongOperation = errors.New("operation detail has the wrong type")
	ErrWrongSignature = errors.New("signature has the wrong length")
	ErrBadEncoding    = errors.New("malformed encoded field")
)

// Config wires the service's collaborators. Writer is required; Recovery
// and Consensus are optional and their endpoints fail without them.
type Config struct {
	Log       log.Logger
	Clock     *mockable.Clock
	Writer    *node.Writer
	Recovery  *recovery.Manager
	Consensus *consensus.Engine
}

// Service is the aura.* JSON-RPC handler.
type Service struct {
	log       log.Logger
	clock     *mockable.Clock
	writer    *node.Writer
	recovery  *recovery.Manager
	consensus *consensus.Engine
}

// NewService builds the HTTP handler serving the aura endpoint.
func NewService(cfg Config) (http.Handler, error) {
	if cfg.Writer == nil {
		return nil, ErrNoWriter
	}
	if cfg.Log == nil {
		cfg.Log = log.NewNoOpLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = &mockable.Clock{}
	}
	server := rpc.NewServer()
	codec := json.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")
	return server, server.RegisterService(
		&Service{
			log:       cfg.Log,
			clock:     cfg.Clock,
			writer:    cfg.Writer,
			recovery:  cfg.Recovery,
			consensus: cfg.Consensus,
		},
		"aura",
	)
}

func (s *Service) called(method string) {
	s.log.Debug("API called",
		log.String("service", "aura"),
		log.String("method", method),
	)
}

func (s *Service) now() timestamp.Timestamp {
	return timestamp.NewPhysical(uint64(s.clock.Time().UnixNano()), 0)
}

func (s *Service) append(r *http.Request, content journal.Content) (ids.ID, error) {
	f, err := journal.NewFact(s.now(), content)
	if err != nil {
		return ids.Empty, err
	}
	if err := s.writer.Append(r.Context(), f); err != nil {
		return ids.Empty, err
	}
	return f.Order, nil
}

// LeafState describes one tree leaf.
type LeafState struct {
	LeafID     ids.ID `json:"leafID"`
	Authority  ids.ID `json:"authority"`
	Role       string `json:"role"`
	KeyEpoch   uint64 `json:"keyEpoch"`
	Tombstoned bool   `json:"tombstoned"`
}

type GetTreeStateReply struct {
	Epoch          uint64      `json:"epoch"`
	RootCommitment ids.ID      `json:"rootCommitment"`
	Halted         bool        `json:"halted"`
	Leaves         []LeafState `json:"leaves"`
}

// GetTreeState returns the commitment tree's derived state.
func (s *Service) GetTreeState(r *http.Request, _ *struct{}, reply *GetTreeStateReply) error {
	s.called("getTreeState")

	return wrapErr(s.writer.Read(r.Context(), func(state *reducer.State) {
		reply.Epoch = state.Tree.Epoch()
		reply.RootCommitment = state.Tree.RootCommitment()
		reply.Halted = state.Halted() != nil
		for _, leaf := range state.Tree.Leaves() {
			reply.Leaves = append(reply.Leaves, LeafState{
				LeafID:     ids.ID(leaf.LeafID),
				Authority:  leaf.Authority,
				Role:       leaf.Role.String(),
				KeyEpoch:   leaf.KeyEpoch,
				Tombstoned: leaf.Tombstoned,
			})
		}
	}))
}

type GetAccountStateArgs struct {
	Subject ids.ID `json:"subject"`
}

type CapabilityState struct {
	CapabilityID ids.ID          `json:"capabilityID"`
	ParentID     ids.ID          `json:"parentID"`
	Scope        authority.Scope `json:"scope"`
	IssuedAt     int64           `json:"issuedAt"`
	Expiry       int64           `json:"expiry"`
	Revoked      bool            `json:"revoked"`
}

type GetAccountStateReply struct {
	Capabilities []CapabilityState `json:"capabilities"`
	Equivocator  bool              `json:"equivocator"`
}

// GetAccountState returns a subject's capabilities and standing.
func (s *Service) GetAccountState(r *http.Request, args *GetAccountStateArgs, reply *GetAccountStateReply) error {
	s.called("getAccountState")

	return wrapErr(s.writer.Read(r.Context(), func(state *reducer.State) {
		for _, capID := range state.Graph.SubjectCapabilities(args.Subject) {
			d, ok := state.Graph.GetDelegation(capID)
			if !ok {
				continue
			}
			_, revoked := state.Graph.GetRevocation(capID)
			reply.Capabilities = append(reply.Capabilities, CapabilityState{
				CapabilityID: d.CapabilityID,
				ParentID:     d.ParentID,
				Scope:        d.Scope,
				IssuedAt:     d.IssuedAt,
				Expiry:       d.Expiry,
				Revoked:      revoked,
			})
		}
		for _, witness := range state.Equivocators() {
			if witness == args.Subject {
				reply.Equivocator = true
			}
		}
	}))
}

type ListCapabilitiesArgs struct {
	Subject ids.ID `json:"subject"`
}

type ListCapabilitiesReply struct {
	CapabilityIDs []ids.ID `json:"capabilityIDs"`
}

// ListCapabilities returns the capability ids held by a subject.
func (s *Service) ListCapabilities(r *http.Request, args *ListCapabilitiesArgs, reply *ListCapabilitiesReply) error {
	s.called("listCapabilities")

	return wrapErr(s.writer.Read(r.Context(), func(state *reducer.State) {
		reply.CapabilityIDs = state.Graph.SubjectCapabilities(args.Subject)
	}))
}

type ListSessionsReply struct {
	Sessions []ids.ID `json:"sessions"`
}

// ListSessions returns open recovery and rekey sessions.
func (s *Service) ListSessions(_ *http.Request, _ *struct{}, reply *ListSessionsReply) error {
	s.called("listSessions")
	if s.recovery == nil {
		return ErrNoRecovery
	}
	reply.Sessions = s.recovery.ActiveSessions()
	return nil
}

type ListPendingConsensusReply struct {
	Pending []ids.ID `json:"pending"`
}

// ListPendingConsensus returns consensus instances that have not reached a
// terminal phase.
func (s *Service) ListPendingConsensus(_ *http.Request, _ *struct{}, reply *ListPendingConsensusReply) error {
	s.called("listPendingConsensus")
	if s.consensus == nil {
		return ErrNoConsensus
	}
	reply.Pending = s.consensus.Pending()
	return nil
}

type InitiateRecoveryArgs struct {
	LeafID ids.ID `json:"leafID"`
	Reason string `json:"reason"`
}

type InitiateRecoveryReply struct {
	SessionID    ids.ID `json:"sessionID"`
	CapabilityID ids.ID `json:"capabilityID"`
	Expiry       int64  `json:"expiry"`
	Threshold    uint32 `json:"threshold"`
}

// InitiateRecovery opens a guardian session recovering a device leaf.
func (s *Service) InitiateRecovery(r *http.Request, args *InitiateRecoveryArgs, reply *InitiateRecoveryReply) error {
	s.called("initiateRecovery")
	if s.recovery == nil {
		return ErrNoRecovery
	}

	var (
		session *recovery.GuardianSession
		initErr error
	)
	if err := s.writer.Read(r.Context(), func(state *reducer.State) {
		session, initErr = s.recovery.Initiate(state.Tree, tree.LeafID(args.LeafID), args.Reason)
	}); err != nil {
		return wrapErr(err)
	}
	if initErr != nil {
		return wrapErr(initErr)
	}
	reply.SessionID = session.SessionID
	reply.CapabilityID = session.Capability.CapabilityID
	reply.Expiry = session.Capability.Expiry
	reply.Threshold = session.Capability.GuardianThreshold
	return nil
}

type CommitRecoveryArgs struct {
	SessionID  ids.ID `json:"sessionID"`
	Signer     ids.ID `json:"signer"`
	Commitment ids.ID `json:"commitment"`
}

// CommitRecovery records a guardian's round-one nonce commitment.
func (s *Service) CommitRecovery(_ *http.Request, args *CommitRecoveryArgs, _ *struct{}) error {
	s.called("commitRecovery")
	if s.recovery == nil {
		return ErrNoRecovery
	}
	return wrapErr(s.recovery.Commit(args.SessionID, &signing.NonceCommitment{
		Signer:     args.Signer,
		Commitment: args.Commitment,
	}))
}

type CloseRecoveryRoundArgs struct {
	SessionID ids.ID `json:"sessionID"`
}

type CloseRecoveryRoundReply struct {
	NonceBinding ids.ID `json:"nonceBinding"`
}

// CloseRecoveryRound closes the commitment round and returns the binding
// guardians sign under.
func (s *Service) CloseRecoveryRound(_ *http.Request, args *CloseRecoveryRoundArgs, reply *CloseRecoveryRoundReply) error {
	s.called("closeRecoveryRound")
	if s.recovery == nil {
		return ErrNoRecovery
	}
	if err := s.recovery.CloseRound(args.SessionID); err != nil {
		return wrapErr(err)
	}
	binding, err := s.recovery.NonceBinding(args.SessionID)
	if err != nil {
		return wrapErr(err)
	}
	reply.NonceBinding = binding
	return nil
}

type ApproveRecoveryArgs struct {
	SessionID    ids.ID              `json:"sessionID"`
	Signer       ids.ID              `json:"signer"`
	Share        string              `json:"share"`
	NonceBinding ids.ID              `json:"nonceBinding"`
	DataBinding  ids.ID              `json:"dataBinding"`
	Encoding     formatting.Encoding `json:"encoding"`
}

// ApproveRecovery records a guardian's signature share.
func (s *Service) ApproveRecovery(_ *http.Request, args *ApproveRecoveryArgs, _ *struct{}) error {
	s.called("approveRecovery")
	if s.recovery == nil {
		return ErrNoRecovery
	}
	share, err := formatting.Decode(args.Encoding, args.Share)
	if err != nil {
		return wrapErr(fmt.Errorf("%w: share: %w", ErrBadEncoding, err))
	}
	return wrapErr(s.recovery.Approve(args.SessionID, &signing.SignatureShare{
		Signer:       args.Signer,
		Share:        share,
		NonceBinding: args.NonceBinding,
		DataBinding:  args.DataBinding,
	}))
}

type GrantRecoveryArgs struct {
	SessionID ids.ID `json:"sessionID"`
}

type GrantRecoveryReply struct {
	Order        ids.ID `json:"order"`
	CapabilityID ids.ID `json:"capabilityID"`
}

// GrantRecovery aggregates the approvals and journals the recovery grant.
func (s *Service) GrantRecovery(r *http.Request, args *GrantRecoveryArgs, reply *GrantRecoveryReply) error {
	s.called("grantRecovery")
	if s.recovery == nil {
		return ErrNoRecovery
	}
	grant, err := s.recovery.Grant(args.SessionID)
	if err != nil {
		return wrapErr(err)
	}
	order, err := s.append(r, grant)
	if err != nil {
		return wrapErr(err)
	}
	reply.Order = order
	reply.CapabilityID = grant.Capability.CapabilityID
	return nil
}

type CancelRecoveryArgs struct {
	SessionID ids.ID `json:"sessionID"`
}

// CancelRecovery discards an open session.
func (s *Service) CancelRecovery(_ *http.Request, args *CancelRecoveryArgs, _ *struct{}) error {
	s.called("cancelRecovery")
	if s.recovery == nil {
		return ErrNoRecovery
	}
	return wrapErr(s.recovery.Cancel(args.SessionID))
}

// AttestedOpArgs carries an attested tree operation: the operation's
// canonical bytes plus the threshold attestation over them.
type AttestedOpArgs struct {
	ConsensusID ids.ID              `json:"consensusID"`
	Operation   string              `json:"operation"`
	Signers     string              `json:"signers"`
	Signature   string              `json:"signature"`
	Encoding    formatting.Encoding `json:"encoding"`
}

type AttestedOpReply struct {
	Order ids.ID `json:"order"`
}

func (s *Service) decodeAttestedOp(args *AttestedOpArgs) (*journal.AttestedOp, error) {
	opBytes, err := formatting.Decode(args.Encoding, args.Operation)
	if err != nil {
		return nil, fmt.Errorf("%w: operation: %w", ErrBadEncoding, err)
	}
	op, err := tree.UnmarshalOperation(opBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: operation: %w", ErrBadEncoding, err)
	}
	signers, err := formatting.Decode(args.Encoding, args.Signers)
	if err != nil {
		return nil, fmt.Errorf("%w: signers: %w", ErrBadEncoding, err)
	}
	sig, err := formatting.Decode(args.Encoding, args.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %w", ErrBadEncoding, err)
	}
	if len(sig) != bls.SignatureLen {
		return nil, fmt.Errorf("%w: %d", ErrWrongSignature, len(sig))
	}
	content := &journal.AttestedOp{
		ConsensusID: args.ConsensusID,
		Operation:   *op,
		Attestation: signing.Attestation{Signers: signers},
	}
	copy(content.Attestation.Signature[:], sig)
	return content, nil
}

func (s *Service) submitLeafOp(r *http.Request, args *AttestedOpArgs, reply *AttestedOpReply, role tree.Role, add bool) error {
	content, err := s.decodeAttestedOp(args)
	if err != nil {
		return wrapErr(err)
	}
	if add {
		detail, ok := content.Operation.Detail.(*tree.AddLeafOp)
		if !ok {
			return wrapErr(fmt.Errorf("%w: %T", ErrWrongOperation, content.Operation.Detail))
		}
		if detail.Leaf.Role != role {
			return wrapErr(fmt.Errorf("%w: role %s", ErrWrongOperation, detail.Leaf.Role))
		}
	} else if _, ok := content.Operation.Detail.(*tree.RemoveLeafOp); !ok {
		return wrapErr(fmt.Errorf("%w: %T", ErrWrongOperation, content.Operation.Detail))
	}
	order, err := s.append(r, content)
	if err != nil {
		return wrapErr(err)
	}
	reply.Order = order
	return nil
}

// AddDevice journals an attested operation adding a device leaf.
func (s *Service) AddDevice(r *http.Request, args *AttestedOpArgs, reply *AttestedOpReply) error {
	s.called("addDevice")
	return s.submitLeafOp(r, args, reply, tree.Device, true)
}

// RemoveDevice journals an attested operation tombstoning a device leaf.
func (s *Service) RemoveDevice(r *http.Request, args *AttestedOpArgs, reply *AttestedOpReply) error {
	s.called("removeDevice")
	return s.submitLeafOp(r, args, reply, tree.Device, false)
}

// AddGuardian journals an attested operation adding a guardian leaf.
func (s *Service) AddGuardian(r *http.Request, args *AttestedOpArgs, reply *AttestedOpReply) error {
	s.called("addGuardian")
	return s.submitLeafOp(r, args, reply, tree.Guardian, true)
}

// RemoveGuardian journals an attested operation tombstoning a guardian
// leaf.
func (s *Service) RemoveGuardian(r *http.Request, args *AttestedOpArgs, reply *AttestedOpReply) error {
	s.called("removeGuardian")
	return s.submitLeafOp(r, args, reply, tree.Guardian, false)
}

// SubmitOperation journals any attested tree operation.
func (s *Service) SubmitOperation(r *http.Request, args *AttestedOpArgs, reply *AttestedOpReply) error {
	s.called("submitOperation")
	content, err := s.decodeAttestedOp(args)
	if err != nil {
		return wrapErr(err)
	}
	order, err := s.append(r, content)
	if err != nil {
		return wrapErr(err)
	}
	reply.Order = order
	return nil
}

type GrantCapabilityArgs struct {
	CapabilityID ids.ID          `json:"capabilityID"`
	ParentID     ids.ID          `json:"parentID"`
	Subject      ids.ID          `json:"subject"`
	Scope        authority.Scope `json:"scope"`
	Expiry       int64           `json:"expiry"`
	IssuedBy     ids.ID          `json:"issuedBy"`
}

type GrantCapabilityReply struct {
	Order ids.ID `json:"order"`
}

// GrantCapability journals a capability delegation.
func (s *Service) GrantCapability(r *http.Request, args *GrantCapabilityArgs, reply *GrantCapabilityReply) error {
	s.called("grantCapability")

	order, err := s.append(r, &journal.CapabilityDelegation{
		Delegation: authority.Delegation{
			CapabilityID: args.CapabilityID,
			ParentID:     args.ParentID,
			Subject:      args.Subject,
			Scope:        args.Scope,
			Expiry:       args.Expiry,
			IssuedAt:     s.clock.Time().UnixNano(),
			IssuedBy:     args.IssuedBy,
		},
	})
	if err != nil {
		return wrapErr(err)
	}
	reply.Order = order
	return nil
}

type RevokeCapabilityArgs struct {
	CapabilityID ids.ID `json:"capabilityID"`
	Reason       string `json:"reason"`
	IssuedBy     ids.ID `json:"issuedBy"`
	// Cascade also revokes every capability delegated under this one.
	Cascade bool `json:"cascade"`
}

type RevokeCapabilityReply struct {
	Orders []ids.ID `json:"orders"`
}

// RevokeCapability journals a revocation, optionally cascading through the
// delegation subtree.
func (s *Service) RevokeCapability(r *http.Request, args *RevokeCapabilityArgs, reply *RevokeCapabilityReply) error {
	s.called("revokeCapability")

	revokedAt := s.clock.Time().UnixNano()
	revocations := []*authority.Revocation{{
		CapabilityID: args.CapabilityID,
		RevokedAt:    revokedAt,
		Reason:       args.Reason,
		IssuedBy:     args.IssuedBy,
	}}
	if args.Cascade {
		if err := s.writer.Read(r.Context(), func(state *reducer.State) {
			revocations = append(revocations, state.Graph.FindCascadingRevocations(
				args.CapabilityID, args.IssuedBy, revokedAt, args.Reason,
			)...)
		}); err != nil {
			return wrapErr(err)
		}
	}
	for _, revocation := range revocations {
		order, err := s.append(r, &journal.CapabilityRevocation{Revocation: *revocation})
		if err != nil {
			return wrapErr(err)
		}
		reply.Orders = append(reply.Orders, order)
	}
	return nil
}

type ExportSnapshotReply struct {
	Snapshot string              `json:"snapshot"`
	Encoding formatting.Encoding `json:"encoding"`
}

// ExportSnapshot serializes the whole journal for replication.
func (s *Service) ExportSnapshot(r *http.Request, _ *struct{}, reply *ExportSnapshotReply) error {
	s.called("exportSnapshot")

	b, err := s.writer.Snapshot(r.Context())
	if err != nil {
		return wrapErr(err)
	}
	reply.Snapshot, err = formatting.Encode(formatting.Hex, b)
	reply.Encoding = formatting.Hex
	return wrapErr(err)
}

type ImportSnapshotArgs struct {
	Snapshot string              `json:"snapshot"`
	Encoding formatting.Encoding `json:"encoding"`
}

type ImportSnapshotReply struct {
	Facts int `json:"facts"`
}

// ImportSnapshot merges a replica's exported journal.
func (s *Service) ImportSnapshot(r *http.Request, args *ImportSnapshotArgs, reply *ImportSnapshotReply) error {
	s.called("importSnapshot")

	b, err := formatting.Decode(args.Encoding, args.Snapshot)
	if err != nil {
		return wrapErr(fmt.Errorf("%w: snapshot: %w", ErrBadEncoding, err))
	}
	other, err := journal.Restore(b)
	if err != nil {
		return wrapErr(fmt.Errorf("%w: snapshot: %w", ErrBadEncoding, err))
	}
	if err := s.writer.Merge(r.Context(), other); err != nil {
		return wrapErr(err)
	}
	reply.Facts = other.Len()
	return nil
}
