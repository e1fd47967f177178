// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package tree

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPolicy      = errors.New("unknown policy kind")
	ErrThresholdTooLarge  = errors.New("policy threshold exceeds child count")
	ErrZeroThreshold      = errors.New("policy threshold must be positive")
)

// PolicyKind tags the rule a branch uses to derive its signer threshold.
type PolicyKind uint8

const (
	// All requires every child to sign.
	All PolicyKind = iota + 1
	// Any requires a single child to sign.
	Any
	// Threshold requires K children to sign.
	Threshold
)

func (k PolicyKind) String() string {
	switch k {
	case All:
		return "all"
	case Any:
		return "any"
	case Threshold:
		return "threshold"
	default:
		return "unknown"
	}
}

// Policy is a branch's signing rule.
type Policy struct {
	Kind PolicyKind `serialize:"true" json:"kind"`
	K    uint32     `serialize:"true" json:"k"`
}

// AllPolicy requires every child.
func AllPolicy() Policy {
	return Policy{Kind: All}
}

// AnyPolicy requires one child.
func AnyPolicy() Policy {
	return Policy{Kind: Any}
}

// ThresholdPolicy requires [k] children.
func ThresholdPolicy(k uint32) Policy {
	return Policy{Kind: Threshold, K: k}
}

// Verify checks structural validity independent of any child count.
func (p Policy) Verify() error {
	switch p.Kind {
	case All, Any:
		if p.K != 0 {
			return fmt.Errorf("%w: %s policy carries a threshold", ErrUnknownPolicy, p.Kind)
		}
		return nil
	case Threshold:
		if p.K == 0 {
			return ErrZeroThreshold
		}
		return nil
	default:
		return ErrUnknownPolicy
	}
}

// RequiredSigners derives the integer signer threshold for a branch with
// [childCount] children.
func (p Policy) RequiredSigners(childCount int) (int, error) {
	switch p.Kind {
	case All:
		return childCount, nil
	case Any:
		return 1, nil
	case Threshold:
		if p.K == 0 {
			return 0, ErrZeroThreshold
		}
		if int(p.K) > childCount {
			return 0, fmt.Errorf("%w: %d > %d", ErrThresholdTooLarge, p.K, childCount)
		}
		return int(p.K), nil
	default:
		return 0, ErrUnknownPolicy
	}
}

func (p Policy) String() string {
	if p.Kind == Threshold {
		return fmt.Sprintf("threshold(%d)", p.K)
	}
	return p.Kind.String()
}
