// Package cmn holds the runtime's error taxonomy and global
// configuration: NewErrXxx constructors and a GCO global-config-owner
// pattern.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind discriminates the error taxonomy of spec.md §7. Most kinds are
// fatal contract violations; a few (InsertionRace, MigrationNoOp) are
// routine outcomes encoded as return values and never surfaced to user
// code as errors.
type Kind int

const (
	KindProxyMissing Kind = iota + 1
	KindElementMissing
	KindHolderDestroyed
	KindMapInvalid
	KindOptionConflict
	KindMigrationNoOp
	KindInsertionRace
)

func (k Kind) String() string {
	switch k {
	case KindProxyMissing:
		return "ProxyMissing"
	case KindElementMissing:
		return "ElementMissing"
	case KindHolderDestroyed:
		return "HolderDestroyed"
	case KindMapInvalid:
		return "MapInvalid"
	case KindOptionConflict:
		return "OptionConflict"
	case KindMigrationNoOp:
		return "MigrationNoOp"
	case KindInsertionRace:
		return "InsertionRace"
	default:
		return "Unknown"
	}
}

// Fatal reports whether errors of this kind represent a contract
// violation that should abort the handler/operation that hit it, as
// opposed to a routine, silently-handled outcome.
func (k Kind) Fatal() bool {
	switch k {
	case KindMigrationNoOp, KindInsertionRace, KindHolderDestroyed:
		return false
	default:
		return true
	}
}

// CoreError is the concrete error type for every taxonomy kind; callers
// type-switch on Kind() rather than on the concrete type.
type CoreError struct {
	kind    Kind
	detail  string
	wrapped error
}

func (e *CoreError) Kind() Kind { return e.kind }
func (e *CoreError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.detail, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.detail)
}
func (e *CoreError) Unwrap() error { return e.wrapped }
func (e *CoreError) Cause() error  { return errors.Cause(e.wrapped) }

func newErr(kind Kind, detail string) *CoreError { return &CoreError{kind: kind, detail: detail} }

func NewErrProxyMissing(proxy fmt.Stringer) error {
	return newErr(KindProxyMissing, fmt.Sprintf("no collection registered for proxy %s", proxy))
}

func NewErrElementMissing(proxy, idx fmt.Stringer) error {
	return newErr(KindElementMissing, fmt.Sprintf("no live element at %s[%s]", proxy, idx))
}

func NewErrHolderDestroyed(proxy fmt.Stringer) error {
	return newErr(KindHolderDestroyed, fmt.Sprintf("holder for %s was destroyed", proxy))
}

func NewErrMapInvalid(proxy fmt.Stringer) error {
	return newErr(KindMapInvalid, fmt.Sprintf("collection %s has no map handler or map object", proxy))
}

// NewErrOptionConflict names the conflicting construction-pipeline
// options explicitly rather than returning a bare diagnostic.
func NewErrOptionConflict(options ...string) error {
	return newErr(KindOptionConflict, fmt.Sprintf("conflicting construction options: %v", options))
}

func NewErrMigrationNoOp(reason string) error {
	return newErr(KindMigrationNoOp, reason)
}

func NewErrInsertionRace(proxy, idx fmt.Stringer) error {
	return newErr(KindInsertionRace, fmt.Sprintf("insert of %s[%s] cancelled: already reserved or present", proxy, idx))
}

// AsCoreError extracts the *CoreError and its Kind from err, unwrapping
// github.com/pkg/errors-style wrapping along the way.
func AsCoreError(err error) (*CoreError, bool) {
	for err != nil {
		if ce, ok := err.(*CoreError); ok {
			return ce, true
		}
		cause := errors.Unwrap(err)
		if cause == nil {
			return nil, false
		}
		err = cause
	}
	return nil, false
}

// IsKind reports whether err (however wrapped) carries the given Kind.
func IsKind(err error, k Kind) bool {
	ce, ok := AsCoreError(err)
	return ok && ce.kind == k
}
