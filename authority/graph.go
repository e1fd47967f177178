// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package authority materializes the capability graph from delegation and
// revocation facts. The graph is a join-semilattice: merging two graphs
// built from overlapping fact sets converges regardless of arrival order,
// with deterministic conflict resolution on duplicate capability ids.
package authority

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
)

var (
	ErrMissingCapabilityID = errors.New("capability id is empty")
	ErrMissingSubject      = errors.New("capability subject is empty")
	ErrMissingIssuer       = errors.New("capability issuer is empty")
	ErrSelfParent          = errors.New("capability cannot be its own parent")
	ErrBudget              = errors.New("authority evaluation budget exhausted")
)

// ChargeFunc debits an evaluation budget. Grants charges one unit per
// capability chain link visited; a non-nil error aborts the evaluation.
type ChargeFunc func(units uint64) error

// Status is the outcome of a Grants query.
type Status uint8

const (
	NotFound Status = iota
	Granted
)

func (s Status) String() string {
	if s == Granted {
		return "granted"
	}
	return "not found"
}

// Delegation grants [Scope] to [Subject], optionally chained under
// [ParentID]. Times are unix nanoseconds; a zero Expiry means no expiry.
type Delegation struct {
	CapabilityID ids.ID `serialize:"true" json:"capabilityID"`
	ParentID     ids.ID `serialize:"true" json:"parentID"`
	Subject      ids.ID `serialize:"true" json:"subject"`
	Scope        Scope  `serialize:"true" json:"scope"`
	Expiry       int64  `serialize:"true" json:"expiry"`
	Proof        []byte `serialize:"true" json:"proof"`
	IssuedAt     int64  `serialize:"true" json:"issuedAt"`
	IssuedBy     ids.ID `serialize:"true" json:"issuedBy"`
}

// Verify checks structural validity.
func (d *Delegation) Verify() error {
	switch {
	case d.CapabilityID == ids.Empty:
		return ErrMissingCapabilityID
	case d.Subject == ids.Empty:
		return ErrMissingSubject
	case d.IssuedBy == ids.Empty:
		return ErrMissingIssuer
	case d.ParentID == d.CapabilityID:
		return fmt.Errorf("%w: %s", ErrSelfParent, d.CapabilityID)
	}
	return nil
}

// precedes orders conflicting delegations for the same capability id. The
// earlier (IssuedAt, IssuedBy) pair wins.
func (d *Delegation) precedes(o *Delegation) bool {
	if d.IssuedAt != o.IssuedAt {
		return d.IssuedAt < o.IssuedAt
	}
	return bytes.Compare(d.IssuedBy[:], o.IssuedBy[:]) < 0
}

// Revocation is the append-only negation of a delegation.
type Revocation struct {
	CapabilityID ids.ID `serialize:"true" json:"capabilityID"`
	RevokedAt    int64  `serialize:"true" json:"revokedAt"`
	Reason       string `serialize:"true" json:"reason"`
	Proof        []byte `serialize:"true" json:"proof"`
	IssuedBy     ids.ID `serialize:"true" json:"issuedBy"`
}

func (r *Revocation) Verify() error {
	switch {
	case r.CapabilityID == ids.Empty:
		return ErrMissingCapabilityID
	case r.IssuedBy == ids.Empty:
		return ErrMissingIssuer
	}
	return nil
}

// Graph is the materialized capability state. Not safe for concurrent use;
// the namespace writer owns it.
type Graph struct {
	delegations map[ids.ID]*Delegation
	revocations map[ids.ID]*Revocation
	subjects    map[ids.ID]set.Set[ids.ID]
	children    map[ids.ID]set.Set[ids.ID]
	roots       set.Set[ids.ID]
	charge      ChargeFunc
}

// New returns an empty graph. A nil [charge] disables budget accounting.
func New(charge ChargeFunc) *Graph {
	return &Graph{
		delegations: make(map[ids.ID]*Delegation),
		revocations: make(map[ids.ID]*Revocation),
		subjects:    make(map[ids.ID]set.Set[ids.ID]),
		children:    make(map[ids.ID]set.Set[ids.ID]),
		roots:       set.NewSet[ids.ID](0),
		charge:      charge,
	}
}

// AddDelegation indexes [d]. A duplicate capability id keeps whichever
// delegation precedes the other, so concurrent writers converge. Returns
// whether [d] was installed.
func (g *Graph) AddDelegation(d *Delegation) (bool, error) {
	if err := d.Verify(); err != nil {
		return false, err
	}
	if existing, ok := g.delegations[d.CapabilityID]; ok {
		// Ties keep the already-indexed delegation, so replays are no-ops.
		if !d.precedes(existing) {
			return false, nil
		}
		g.unindex(existing)
	}
	g.delegations[d.CapabilityID] = d
	g.index(d)
	return true, nil
}

func (g *Graph) index(d *Delegation) {
	subjectCaps, ok := g.subjects[d.Subject]
	if !ok {
		subjectCaps = set.NewSet[ids.ID](1)
		g.subjects[d.Subject] = subjectCaps
	}
	subjectCaps.Add(d.CapabilityID)

	if d.ParentID == ids.Empty {
		g.roots.Add(d.CapabilityID)
		return
	}
	kids, ok := g.children[d.ParentID]
	if !ok {
		kids = set.NewSet[ids.ID](1)
		g.children[d.ParentID] = kids
	}
	kids.Add(d.CapabilityID)
}

func (g *Graph) unindex(d *Delegation) {
	if caps, ok := g.subjects[d.Subject]; ok {
		caps.Remove(d.CapabilityID)
	}
	if d.ParentID == ids.Empty {
		g.roots.Remove(d.CapabilityID)
	} else if kids, ok := g.children[d.ParentID]; ok {
		kids.Remove(d.CapabilityID)
	}
}

// AddRevocation indexes [r]. On conflict the earliest RevokedAt wins, so the
// merged graph is never more permissive than either input.
func (g *Graph) AddRevocation(r *Revocation) (bool, error) {
	if err := r.Verify(); err != nil {
		return false, err
	}
	if existing, ok := g.revocations[r.CapabilityID]; ok {
		if existing.RevokedAt <= r.RevokedAt {
			return false, nil
		}
	}
	g.revocations[r.CapabilityID] = r
	return true, nil
}

// GetDelegation returns the delegation for [capID], if indexed.
func (g *Graph) GetDelegation(capID ids.ID) (*Delegation, bool) {
	d, ok := g.delegations[capID]
	return d, ok
}

// GetRevocation returns the winning revocation for [capID], if any.
func (g *Graph) GetRevocation(capID ids.ID) (*Revocation, bool) {
	r, ok := g.revocations[capID]
	return r, ok
}

// Grants evaluates whether [subject] holds a capability subsuming [required]
// at unix-nanosecond time [at]. Only capabilities indexed under the subject
// are visited, and each chain link charges one budget unit.
func (g *Graph) Grants(subject ids.ID, required Scope, at int64) (Status, error) {
	for capID := range g.subjects[subject] {
		d := g.delegations[capID]
		if !d.Scope.Subsumes(required) {
			continue
		}
		valid, err := g.validAt(capID, at)
		if err != nil {
			return NotFound, err
		}
		if valid {
			return Granted, nil
		}
	}
	return NotFound, nil
}

// validAt walks from [capID] to its root, requiring every link to be known,
// unexpired, and unrevoked at [at]. A dangling parent reference (delegation
// fact not yet merged) fails closed.
func (g *Graph) validAt(capID ids.ID, at int64) (bool, error) {
	for capID != ids.Empty {
		if g.charge != nil {
			if err := g.charge(1); err != nil {
				return false, fmt.Errorf("%w: %w", ErrBudget, err)
			}
		}
		d, ok := g.delegations[capID]
		if !ok {
			return false, nil
		}
		if at < d.IssuedAt {
			return false, nil
		}
		if d.Expiry != 0 && at > d.Expiry {
			return false, nil
		}
		if r, ok := g.revocations[capID]; ok && at >= r.RevokedAt {
			return false, nil
		}
		capID = d.ParentID
	}
	return true, nil
}

// FindCascadingRevocations returns revocations for every indexed descendant
// of [capID], for callers revoking a delegation subtree in one batch. The
// revocation of [capID] itself is not included.
func (g *Graph) FindCascadingRevocations(capID, issuer ids.ID, revokedAt int64, reason string) []*Revocation {
	var (
		out     []*Revocation
		visited = set.Of(capID)
		queue   = []ids.ID{capID}
	)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for child := range g.children[next] {
			if visited.Contains(child) {
				continue
			}
			visited.Add(child)
			queue = append(queue, child)
			out = append(out, &Revocation{
				CapabilityID: child,
				RevokedAt:    revokedAt,
				Reason:       reason,
				IssuedBy:     issuer,
			})
		}
	}
	return out
}

// Merge folds [other] into g. Union on both fact kinds; per-id conflicts
// resolve exactly as AddDelegation and AddRevocation do, so merge is
// commutative, associative, and idempotent.
func (g *Graph) Merge(other *Graph) error {
	for _, d := range other.delegations {
		if _, err := g.AddDelegation(d); err != nil {
			return err
		}
	}
	for _, r := range other.revocations {
		if _, err := g.AddRevocation(r); err != nil {
			return err
		}
	}
	return nil
}

// NumDelegations returns the count of indexed delegations.
func (g *Graph) NumDelegations() int {
	return len(g.delegations)
}

// SubjectCapabilities returns the capability ids indexed for [subject].
func (g *Graph) SubjectCapabilities(subject ids.ID) []ids.ID {
	return g.subjects[subject].List()
}
