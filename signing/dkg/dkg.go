// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dkg runs the distributed key generation behind branch group keys
// and channel epoch bumps. Each run is a FROST protocol execution across
// the branch's witnesses; the output carries the group public key and the
// transcript hash that epoch-bump facts reference.
package dkg

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/threshold/pkg/math/curve"
	"github.com/luxfi/threshold/pkg/party"
	"github.com/luxfi/threshold/pkg/protocol"
	"github.com/luxfi/threshold/protocols/frost"
	frostkeygen "github.com/luxfi/threshold/protocols/frost/keygen"
)

var (
	ErrNoHandler     = errors.New("no active handler for session")
	ErrEmptyGroupKey = errors.New("protocol produced no group key")
)

// Router carries protocol messages between parties. A message with an empty
// To is a broadcast.
type Router interface {
	Send(msg *protocol.Message) error
	Receive() <-chan *protocol.Message
}

// Result is the outcome of one key generation or refresh.
type Result struct {
	// Config is this party's share of the new group key.
	Config *frostkeygen.Config
	// GroupKey is the group public key, serialized.
	GroupKey []byte
	// Transcript binds the run's session and output; committed channel
	// epoch bumps carry it so replicas agree on which DKG produced the
	// epoch.
	Transcript ids.ID
}

// Runner executes DKG sessions and routes their messages. Safe for
// concurrent use.
type Runner struct {
	log log.Logger

	mu       sync.RWMutex
	handlers map[ids.ID]*protocol.Handler
}

// NewRunner builds a Runner.
func NewRunner(logger log.Logger) *Runner {
	return &Runner{
		log:      logger,
		handlers: make(map[ids.ID]*protocol.Handler),
	}
}

// PartyID renders an authority id as a protocol party id.
func PartyID(authority ids.ID) party.ID {
	return party.ID(authority.String())
}

// Keygen runs a fresh FROST key generation for [selfID] among
// [participants] and returns this party's share of the result.
func (r *Runner) Keygen(
	ctx context.Context,
	sessionID ids.ID,
	selfID party.ID,
	participants []party.ID,
	threshold int,
	router Router,
) (*Result, error) {
	start := frost.Keygen(curve.Secp256k1{}, selfID, participants, threshold)
	return r.run(ctx, sessionID, start, router)
}

// Refresh re-derives shares for an existing group key without changing it,
// invalidating any share compromised under the old generation.
func (r *Runner) Refresh(
	ctx context.Context,
	sessionID ids.ID,
	config *frostkeygen.Config,
	participants []party.ID,
	router Router,
) (*Result, error) {
	start := frost.Refresh(config, participants)
	return r.run(ctx, sessionID, start, router)
}

// Accept routes an incoming message to the session's handler.
func (r *Runner) Accept(sessionID ids.ID, msg *protocol.Message) error {
	r.mu.RLock()
	handler, ok := r.handlers[sessionID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, sessionID)
	}
	handler.Accept(msg)
	return nil
}

// Stop aborts a session.
func (r *Runner) Stop(sessionID ids.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if handler, ok := r.handlers[sessionID]; ok {
		handler.Stop()
		delete(r.handlers, sessionID)
	}
}

func (r *Runner) run(
	ctx context.Context,
	sessionID ids.ID,
	start protocol.StartFunc,
	router Router,
) (*Result, error) {
	handler, err := protocol.NewHandler(
		ctx,
		r.log,
		nil,
		start,
		sessionID[:],
		protocol.DefaultConfig(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handler: %w", err)
	}

	r.mu.Lock()
	r.handlers[sessionID] = handler
	r.mu.Unlock()
	defer r.Stop(sessionID)

	done := make(chan struct{})
	var sendErr error
	go func() {
		defer close(done)
		for msg := range handler.Listen() {
			if err := router.Send(msg); err != nil {
				sendErr = err
				return
			}
		}
	}()
	go func() {
		for msg := range router.Receive() {
			handler.Accept(msg)
		}
	}()

	result, err := handler.WaitForResult()
	if err != nil {
		return nil, fmt.Errorf("protocol failed: %w", err)
	}
	<-done
	if sendErr != nil {
		return nil, fmt.Errorf("message routing failed: %w", sendErr)
	}

	config, ok := result.(*frostkeygen.Config)
	if !ok {
		return nil, fmt.Errorf("unexpected result type: %T", result)
	}
	return newResult(sessionID, config)
}

func newResult(sessionID ids.ID, config *frostkeygen.Config) (*Result, error) {
	groupKey, err := config.PublicKey.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if len(groupKey) == 0 {
		return nil, ErrEmptyGroupKey
	}
	return &Result{
		Config:     config,
		GroupKey:   groupKey,
		Transcript: Transcript(sessionID, groupKey),
	}, nil
}

// Transcript digests a run's session id and group key into the id that
// epoch-bump facts carry.
func Transcript(sessionID ids.ID, groupKey []byte) ids.ID {
	h := sha256.New()
	h.Write(sessionID[:])
	h.Write(groupKey)
	var out ids.ID
	copy(out[:], h.Sum(nil))
	return out
}
