// Package veddberr classifies engine errors into the kinds described in the
// error-handling design: input, auth, state, transient, durability, and
// external. The protocol layer maps a Kind to a response status in one place
// instead of re-deriving it per opcode.
package veddberr

import (
	"errors"
	"fmt"
)

// Kind partitions errors by how the caller should react to them.
type Kind int

const (
	// KindInput covers malformed requests the caller can retry after fixing.
	KindInput Kind = iota
	// KindAuth covers authentication/authorization failures.
	KindAuth
	// KindState covers well-formed requests that conflict with current state
	// (missing collection, unique violation, wrong role, not master, ...).
	KindState
	// KindTransient covers conditions that may clear on retry (queue full,
	// cache saturated, replica channel backed up).
	KindTransient
	// KindDurability covers corruption: CRC mismatch, non-monotone WAL,
	// torn rotation state. These are fatal to the affected operation.
	KindDurability
	// KindExternal covers I/O failures from disk or socket.
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindAuth:
		return "auth"
	case KindState:
		return "state"
	case KindTransient:
		return "transient"
	case KindDurability:
		return "durability"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Error is a classified engine error. Code names the specific condition
// (e.g. "CollectionNotFound") so callers and the protocol layer can branch
// on it without string-matching Msg.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Code, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Wrap builds a classified error around a lower-level cause.
func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// Is supports errors.Is(err, veddberr.New(...)) comparisons by Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to KindExternal for
// unclassified errors (I/O and other unexpected failures).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExternal
}

// CodeOf extracts the Code of err, or "" if unclassified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common state-kind errors shared across packages.
var (
	ErrCollectionNotFound = New(KindState, "CollectionNotFound", "collection does not exist")
	ErrCollectionExists   = New(KindState, "CollectionExists", "collection already exists")
	ErrDocNotFound        = New(KindState, "NotFound", "document not found")
	ErrUniqueViolation    = New(KindState, "UniqueViolation", "unique constraint violated")
	ErrVersionMismatch    = New(KindState, "VersionMismatch", "document version mismatch")
	ErrNotMaster          = New(KindState, "NotMaster", "node is not the replication master")
	ErrIndexNotFound      = New(KindState, "IndexNotFound", "index does not exist")
	ErrIndexExists        = New(KindState, "IndexExists", "index already exists")

	ErrValidation = New(KindInput, "ValidationError", "document failed schema validation")
	ErrOversize   = New(KindInput, "OversizeError", "payload exceeds configured limit")

	ErrAuthRequired     = New(KindAuth, "AuthRequired", "connection is not authenticated")
	ErrAuthFailed       = New(KindAuth, "AuthFailed", "invalid credentials")
	ErrPermissionDenied = New(KindAuth, "PermissionDenied", "operation not permitted for principal")

	ErrQueueFull  = New(KindTransient, "Full", "write-behind queue saturated")
	ErrTimeout    = New(KindTransient, "Timeout", "operation timed out")
	ErrCacheError = New(KindTransient, "CacheError", "cache operation failed")
	ErrArenaFull  = New(KindTransient, "ArenaFull", "shared arena out of space")
	ErrRingFull   = New(KindTransient, "RingFull", "spsc ring has no free slot")

	ErrCorruption = New(KindDurability, "Corruption", "durability invariant violated")
	ErrTruncated  = New(KindDurability, "Truncated", "log record truncated")

	ErrStorage = New(KindExternal, "StorageError", "persistent layer I/O failure")
)
