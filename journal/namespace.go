// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package journal

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"
)

var (
	ErrUnknownNamespaceKind = errors.New("unknown namespace kind")
	ErrMissingAuthority     = errors.New("namespace authority is empty")
	ErrMissingContext       = errors.New("context namespace has no context id")
	ErrUnexpectedContext    = errors.New("authority namespace carries a context id")
)

// NamespaceKind tags the two journal scopes.
type NamespaceKind uint8

const (
	// AuthorityKind scopes an account's own identity facts.
	AuthorityKind NamespaceKind = iota + 1
	// ContextKind scopes facts shared between an authority and a peer
	// context (a conversation, a shared workspace).
	ContextKind
)

// Namespace identifies one journal. Facts never move between namespaces and
// journals of different namespaces never merge.
type Namespace struct {
	Kind      NamespaceKind `serialize:"true" json:"kind"`
	Authority ids.ID        `serialize:"true" json:"authority"`
	Context   ids.ID        `serialize:"true" json:"context"`
}

// AuthorityNamespace scopes [authority]'s own identity journal.
func AuthorityNamespace(authority ids.ID) Namespace {
	return Namespace{Kind: AuthorityKind, Authority: authority}
}

// ContextNamespace scopes the journal [authority] shares with [context].
func ContextNamespace(authority, context ids.ID) Namespace {
	return Namespace{Kind: ContextKind, Authority: authority, Context: context}
}

// Verify checks structural validity.
func (n Namespace) Verify() error {
	switch n.Kind {
	case AuthorityKind:
		if n.Authority == ids.Empty {
			return ErrMissingAuthority
		}
		if n.Context != ids.Empty {
			return ErrUnexpectedContext
		}
	case ContextKind:
		if n.Authority == ids.Empty {
			return ErrMissingAuthority
		}
		if n.Context == ids.Empty {
			return ErrMissingContext
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownNamespaceKind, n.Kind)
	}
	return nil
}

// Bytes returns the namespace's canonical key prefix.
func (n Namespace) Bytes() []byte {
	b := make([]byte, 1+2*ids.IDLen)
	b[0] = byte(n.Kind)
	copy(b[1:], n.Authority[:])
	copy(b[1+ids.IDLen:], n.Context[:])
	return b
}

func (n Namespace) String() string {
	if n.Kind == ContextKind {
		return fmt.Sprintf("context/%s/%s", n.Authority, n.Context)
	}
	return fmt.Sprintf("authority/%s", n.Authority)
}
