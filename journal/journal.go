// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package journal

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/btree"
	"github.com/luxfi/ids"
)

const defaultTreeDegree = 2

var (
	ErrNamespaceMismatch = errors.New("journals have different namespaces")
	ErrOrderConflict     = errors.New("conflicting facts under one order token")
)

// Journal is the namespaced fact set. Add is idempotent, Merge is set
// union, and iteration follows order-token bytes, so any two replicas that
// have exchanged their facts iterate identically. Not safe for concurrent
// use; the namespace writer owns it.
type Journal struct {
	namespace Namespace
	facts     *btree.BTreeG[*Fact]
	encoded   map[ids.ID][]byte
}

// New creates an empty journal for [namespace].
func New(namespace Namespace) (*Journal, error) {
	if err := namespace.Verify(); err != nil {
		return nil, err
	}
	return &Journal{
		namespace: namespace,
		facts:     btree.NewG(defaultTreeDegree, (*Fact).Less),
		encoded:   make(map[ids.ID][]byte),
	}, nil
}

func (j *Journal) Namespace() Namespace {
	return j.namespace
}

// Add accepts [f] into the journal. Re-adding a fact is a no-op; a
// different fact under an already-used order token is rejected, which is
// the journal-level equivocation signal. Returns whether the fact was new.
func (j *Journal) Add(f *Fact) (bool, error) {
	if err := f.Verify(); err != nil {
		return false, err
	}
	b, err := f.Bytes()
	if err != nil {
		return false, err
	}
	if existing, ok := j.encoded[f.Order]; ok {
		if bytes.Equal(existing, b) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrOrderConflict, f.Order)
	}
	j.facts.ReplaceOrInsert(f)
	j.encoded[f.Order] = b
	return true, nil
}

// Get returns the fact stored under [order].
func (j *Journal) Get(order ids.ID) (*Fact, bool) {
	return j.facts.Get(&Fact{Order: order})
}

// Has reports whether [order] is present.
func (j *Journal) Has(order ids.ID) bool {
	_, ok := j.encoded[order]
	return ok
}

// Len returns the number of accepted facts.
func (j *Journal) Len() int {
	return j.facts.Len()
}

// Ascend visits facts in ascending order until [fn] returns false.
func (j *Journal) Ascend(fn func(*Fact) bool) {
	j.facts.Ascend(fn)
}

// AscendGreaterOrEqual visits facts with order ≥ [from].
func (j *Journal) AscendGreaterOrEqual(from ids.ID, fn func(*Fact) bool) {
	j.facts.AscendGreaterOrEqual(&Fact{Order: from}, fn)
}

// Merge folds [other]'s facts into j. Both journals must share a namespace.
// All mergeable facts are applied even when some conflict; the joined
// conflict errors are returned after the pass.
func (j *Journal) Merge(other *Journal) error {
	if j.namespace != other.namespace {
		return fmt.Errorf("%w: %s and %s", ErrNamespaceMismatch, j.namespace, other.namespace)
	}
	var errs []error
	other.Ascend(func(f *Fact) bool {
		if _, err := j.Add(f); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// Snapshot exports every fact as canonical bytes, in order.
func (j *Journal) Snapshot() ([]byte, error) {
	export := &journalSnapshot{Namespace: j.namespace}
	j.facts.Ascend(func(f *Fact) bool {
		export.Facts = append(export.Facts, f)
		return true
	})
	return Codec.Marshal(codecVersion, export)
}

// Restore rebuilds a journal from Snapshot output.
func Restore(b []byte) (*Journal, error) {
	export := &journalSnapshot{}
	if _, err := Codec.Unmarshal(b, export); err != nil {
		return nil, err
	}
	j, err := New(export.Namespace)
	if err != nil {
		return nil, err
	}
	for _, f := range export.Facts {
		if _, err := j.Add(f); err != nil {
			return nil, err
		}
	}
	return j, nil
}

type journalSnapshot struct {
	Namespace Namespace `serialize:"true" json:"namespace"`
	Facts     []*Fact   `serialize:"true" json:"facts"`
}
