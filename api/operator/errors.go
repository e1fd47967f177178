// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package operator

import (
	"errors"
	"fmt"

	"github.com/auranet/aura/authority"
	"github.com/auranet/aura/node"
	"github.com/auranet/aura/recovery"
	"github.com/auranet/aura/signing"
	"github.com/auranet/aura/tree"
	"github.com/auranet/aura/tree/reducer"
)

// ErrorKind classifies an error for callers that need to pick a response
// strategy without parsing messages.
type ErrorKind string

const (
	// KindValidation covers malformed inputs; retrying the same request
	// cannot succeed.
	KindValidation ErrorKind = "validation"
	// KindAuthorization covers missing or spent authority.
	KindAuthorization ErrorKind = "authorization"
	// KindCryptographic covers signature and share failures.
	KindCryptographic ErrorKind = "cryptographic"
	// KindIntegrity covers namespace halts; the namespace needs manual
	// intervention.
	KindIntegrity ErrorKind = "integrity"
	// KindNotFound covers unknown sessions, leaves, and capabilities.
	KindNotFound ErrorKind = "not_found"
	// KindResource covers exhausted budgets and full queues; back off.
	KindResource ErrorKind = "resource"
	// KindInternal is the fallback.
	KindInternal ErrorKind = "internal"
)

// KindOf maps an error to its kind using the sentinel it wraps.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, reducer.ErrHalted),
		errors.Is(err, reducer.ErrIntegrityEpoch):
		return KindIntegrity
	case errors.Is(err, recovery.ErrSessionNotFound),
		errors.Is(err, tree.ErrUnknownLeaf),
		errors.Is(err, tree.ErrUnknownNode),
		errors.Is(err, reducer.ErrUnknownCapability):
		return KindNotFound
	case errors.Is(err, reducer.ErrCapabilityUsed),
		errors.Is(err, recovery.ErrSessionExpired),
		errors.Is(err, recovery.ErrRecoveryInFlight),
		errors.Is(err, authority.ErrRecoveryExpired),
		errors.Is(err, authority.ErrRecoveryNotYetValid):
		return KindAuthorization
	case errors.Is(err, signing.ErrInvalidSignature),
		errors.Is(err, signing.ErrInvalidShare),
		errors.Is(err, signing.ErrInsufficientShares):
		return KindCryptographic
	case errors.Is(err, recovery.ErrTooManySessions),
		errors.Is(err, authority.ErrBudget),
		errors.Is(err, node.ErrShutdown):
		return KindResource
	case errors.Is(err, ErrWrongOperation),
		errors.Is(err, ErrWrongSignature),
		errors.Is(err, ErrBadEncoding),
		errors.Is(err, reducer.ErrStalePrestate),
		errors.Is(err, recovery.ErrTargetNotDevice),
		errors.Is(err, recovery.ErrTargetTombstoned),
		errors.Is(err, recovery.ErrCapabilityTarget):
		return KindValidation
	default:
		return KindInternal
	}
}

// wrapErr prefixes an error with its kind so JSON-RPC clients see both the
// class and the human reason.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", KindOf(err), err)
}
