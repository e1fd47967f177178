// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package timestamp implements the semantic time attached to journal facts.
//
// A timestamp is one of three variants: a physical clock point with optional
// uncertainty, a logical counter scoped to an actor, or a hybrid of both. All
// variants are comparable with each other under a single total order, so a
// merged fact set always has a consistent timeline regardless of which clocks
// produced it.
package timestamp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/luxfi/ids"
)

var (
	ErrUnknownKind    = errors.New("unknown timestamp kind")
	ErrMalformed      = errors.New("malformed timestamp")
	ErrMalformedTrace = errors.New("malformed timestamp trace")
)

// Kind tags the variant of a Timestamp.
type Kind uint8

const (
	// Physical is a wall-clock point with optional symmetric uncertainty.
	Physical Kind = iota + 1
	// Logical is a Lamport-style counter scoped to an actor.
	Logical
	// Hybrid carries both a wall-clock point and a logical counter.
	Hybrid
)

func (k Kind) String() string {
	switch k {
	case Physical:
		return "physical"
	case Logical:
		return "logical"
	case Hybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// Timestamp is a closed tagged union. Fields that do not belong to the tagged
// variant must be zero; Verify enforces this so that the canonical encoding
// of a timestamp is unique.
type Timestamp struct {
	Kind        Kind   `serialize:"true" json:"kind"`
	WallNanos   uint64 `serialize:"true" json:"wallNanos"`
	Uncertainty uint64 `serialize:"true" json:"uncertainty"`
	Counter     uint64 `serialize:"true" json:"counter"`
	Actor       ids.ID `serialize:"true" json:"actor"`
}

// NewPhysical returns a physical-clock timestamp.
func NewPhysical(wallNanos, uncertainty uint64) Timestamp {
	return Timestamp{
		Kind:        Physical,
		WallNanos:   wallNanos,
		Uncertainty: uncertainty,
	}
}

// NewLogical returns a logical-clock timestamp.
func NewLogical(counter uint64, actor ids.ID) Timestamp {
	return Timestamp{
		Kind:    Logical,
		Counter: counter,
		Actor:   actor,
	}
}

// NewHybrid returns a hybrid timestamp.
func NewHybrid(wallNanos, counter uint64, actor ids.ID) Timestamp {
	return Timestamp{
		Kind:      Hybrid,
		WallNanos: wallNanos,
		Counter:   counter,
		Actor:     actor,
	}
}

// Verify returns nil iff the timestamp is a well-formed instance of its
// variant.
func (t Timestamp) Verify() error {
	switch t.Kind {
	case Physical:
		if t.Counter != 0 || t.Actor != ids.Empty {
			return fmt.Errorf("%w: physical timestamp carries logical fields", ErrMalformed)
		}
	case Logical:
		if t.WallNanos != 0 || t.Uncertainty != 0 {
			return fmt.Errorf("%w: logical timestamp carries physical fields", ErrMalformed)
		}
	case Hybrid:
		if t.Uncertainty != 0 {
			return fmt.Errorf("%w: hybrid timestamp carries uncertainty", ErrMalformed)
		}
	default:
		return ErrUnknownKind
	}
	return nil
}

// Compare implements the stated ordering policy: timestamps order first by
// their wall component (zero for purely logical clocks), then by counter,
// then by actor bytes, then by variant tag, then by uncertainty. The result
// is a total order over all well-formed timestamps: every field of the
// canonical encoding participates, so distinct encodings never compare
// equal.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.WallNanos < o.WallNanos:
		return -1
	case t.WallNanos > o.WallNanos:
		return 1
	case t.Counter < o.Counter:
		return -1
	case t.Counter > o.Counter:
		return 1
	}
	if c := bytes.Compare(t.Actor[:], o.Actor[:]); c != 0 {
		return c
	}
	switch {
	case t.Kind < o.Kind:
		return -1
	case t.Kind > o.Kind:
		return 1
	case t.Uncertainty < o.Uncertainty:
		return -1
	case t.Uncertainty > o.Uncertainty:
		return 1
	default:
		return 0
	}
}

func (t Timestamp) String() string {
	switch t.Kind {
	case Physical:
		return fmt.Sprintf("physical(%d±%d)", t.WallNanos, t.Uncertainty)
	case Logical:
		return fmt.Sprintf("logical(%d@%s)", t.Counter, t.Actor)
	case Hybrid:
		return fmt.Sprintf("hybrid(%d,%d@%s)", t.WallNanos, t.Counter, t.Actor)
	default:
		return "unknown"
	}
}

// ToTrace renders the timestamp in the stable textual form used at the trace
// boundary. ToTrace is total over well-formed timestamps and FromTrace is its
// inverse.
func (t Timestamp) ToTrace() string {
	switch t.Kind {
	case Physical:
		return fmt.Sprintf("physical:%d:%d", t.WallNanos, t.Uncertainty)
	case Logical:
		return fmt.Sprintf("logical:%d:%s", t.Counter, t.Actor)
	case Hybrid:
		return fmt.Sprintf("hybrid:%d:%d:%s", t.WallNanos, t.Counter, t.Actor)
	default:
		return "unknown"
	}
}

// FromTrace parses the textual trace form produced by ToTrace.
func FromTrace(s string) (Timestamp, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return Timestamp{}, ErrMalformedTrace
	}
	switch parts[0] {
	case "physical":
		if len(parts) != 3 {
			return Timestamp{}, ErrMalformedTrace
		}
		wall, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return Timestamp{}, fmt.Errorf("%w: %w", ErrMalformedTrace, err)
		}
		unc, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return Timestamp{}, fmt.Errorf("%w: %w", ErrMalformedTrace, err)
		}
		return NewPhysical(wall, unc), nil
	case "logical":
		if len(parts) != 3 {
			return Timestamp{}, ErrMalformedTrace
		}
		counter, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return Timestamp{}, fmt.Errorf("%w: %w", ErrMalformedTrace, err)
		}
		actor, err := ids.FromString(parts[2])
		if err != nil {
			return Timestamp{}, fmt.Errorf("%w: %w", ErrMalformedTrace, err)
		}
		return NewLogical(counter, actor), nil
	case "hybrid":
		if len(parts) != 4 {
			return Timestamp{}, ErrMalformedTrace
		}
		wall, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return Timestamp{}, fmt.Errorf("%w: %w", ErrMalformedTrace, err)
		}
		counter, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return Timestamp{}, fmt.Errorf("%w: %w", ErrMalformedTrace, err)
		}
		actor, err := ids.FromString(parts[3])
		if err != nil {
			return Timestamp{}, fmt.Errorf("%w: %w", ErrMalformedTrace, err)
		}
		return NewHybrid(wall, counter, actor), nil
	default:
		return Timestamp{}, ErrUnknownKind
	}
}
