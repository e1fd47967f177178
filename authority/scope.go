// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package authority

import (
	"fmt"
	"strings"
)

// TrustLevel is a totally ordered privilege tier.
type TrustLevel uint8

const (
	Basic TrustLevel = iota + 1
	Elevated
	Admin
)

func (l TrustLevel) String() string {
	switch l {
	case Basic:
		return "basic"
	case Elevated:
		return "elevated"
	case Admin:
		return "admin"
	default:
		return "unknown"
	}
}

// Scope is what a capability authorizes: an operation class over a resource
// pattern at a trust level. Resource patterns are exact strings, a glob
// suffix ("backups/*"), or the bare wildcard "*".
type Scope struct {
	Class      string     `serialize:"true" json:"class"`
	Resource   string     `serialize:"true" json:"resource"`
	TrustLevel TrustLevel `serialize:"true" json:"trustLevel"`
}

// Subsumes reports whether a grant of [s] satisfies [required]. Classes must
// match exactly; the granted resource pattern must cover the required
// resource; the granted trust level must be at least the required one.
func (s Scope) Subsumes(required Scope) bool {
	if s.Class != required.Class {
		return false
	}
	if s.TrustLevel < required.TrustLevel {
		return false
	}
	return resourceMatches(s.Resource, required.Resource)
}

func resourceMatches(granted, required string) bool {
	if granted == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(granted, "/*"); ok {
		return strings.HasPrefix(required, prefix+"/")
	}
	return granted == required
}

func (s Scope) String() string {
	return fmt.Sprintf("%s:%s@%s", s.Class, s.Resource, s.TrustLevel)
}
