// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package reducer materializes derived state from a journal: the commitment
// tree, the capability graph, and the channel layer, folded from facts in
// ascending order. Reduction is deterministic; replicas holding the same
// fact set hold byte-identical derived state.
package reducer

import (
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/auranet/aura/authority"
	"github.com/auranet/aura/channel"
	"github.com/auranet/aura/tree"
)

// Rejection records a fact that was accepted into the journal but refused
// by reduction, with the reason. Rejections are deterministic: every
// replica refuses the same facts for the same reasons.
type Rejection struct {
	Order  ids.ID
	Reason string
}

// State is everything derived from one namespace's journal.
type State struct {
	Tree     *tree.Tree
	Graph    *authority.Graph
	Channels *channel.State

	// recoveries holds granted, unused recovery capabilities; a used
	// capability moves to usedRecoveries in the same step that rekeys.
	recoveries     map[ids.ID]*authority.RecoveryCapability
	usedRecoveries set.Set[ids.ID]

	equivocators set.Set[ids.ID]
	stale        []ids.ID
	rejections   []Rejection
	lastSnapshot *ids.ID

	halted error
}

// NewState derives an empty state from [genesis]. The genesis tree is the
// out-of-band starting point every replica of the namespace shares; all
// later mutation flows through attested operations.
func NewState(genesis *tree.Tree, charge authority.ChargeFunc) *State {
	return &State{
		Tree:           genesis.Clone(),
		Graph:          authority.New(charge),
		Channels:       channel.NewState(),
		recoveries:     make(map[ids.ID]*authority.RecoveryCapability),
		usedRecoveries: set.NewSet[ids.ID](0),
		equivocators:   set.NewSet[ids.ID](0),
	}
}

// Recovery returns a granted, unused recovery capability.
func (s *State) Recovery(capID ids.ID) (*authority.RecoveryCapability, bool) {
	c, ok := s.recoveries[capID]
	return c, ok
}

// RecoveryUsed reports whether [capID] was consumed by a rekey.
func (s *State) RecoveryUsed(capID ids.ID) bool {
	return s.usedRecoveries.Contains(capID)
}

// Equivocators returns every witness named by accepted evidence facts.
func (s *State) Equivocators() []ids.ID {
	return s.equivocators.List()
}

// Stale returns the orders of operations refused for a stale prestate.
func (s *State) Stale() []ids.ID {
	return s.stale
}

// Rejections returns all refused facts with reasons, in reduction order.
func (s *State) Rejections() []Rejection {
	return s.rejections
}

// LastSnapshot returns the cutoff order of the newest snapshot marker.
func (s *State) LastSnapshot() (ids.ID, bool) {
	if s.lastSnapshot == nil {
		return ids.Empty, false
	}
	return *s.lastSnapshot, true
}

// Halted returns the integrity error that stopped reduction, if any.
func (s *State) Halted() error {
	return s.halted
}

func (s *State) reject(order ids.ID, reason string) {
	s.rejections = append(s.rejections, Rejection{Order: order, Reason: reason})
}
