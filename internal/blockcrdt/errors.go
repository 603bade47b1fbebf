package blockcrdt

import (
	"fmt"

	"blockweave/internal/ids"
)

// ErrBlockNotFound is returned when an operation references a block ID not
// present in the document.
type ErrBlockNotFound struct{ ID ids.BlockId }

func (e ErrBlockNotFound) Error() string { return fmt.Sprintf("blockcrdt: block not found: %s", e.ID) }

// ErrInvalidReference is returned when a parent or "after" reference is
// structurally invalid for a local (non-merge) mutation.
type ErrInvalidReference struct {
	Field string // "parent" or "after"
	ID    ids.BlockId
}

func (e ErrInvalidReference) Error() string {
	return fmt.Sprintf("blockcrdt: invalid %s reference: %s", e.Field, e.ID)
}

// ErrDuplicateBlock is returned when inserting a block whose ID already
// exists in the document.
type ErrDuplicateBlock struct{ ID ids.BlockId }

func (e ErrDuplicateBlock) Error() string { return fmt.Sprintf("blockcrdt: duplicate block: %s", e.ID) }

// ErrPositionOutOfBounds is returned by text operations when pos exceeds the
// field's length.
type ErrPositionOutOfBounds struct{ Pos, Len int }

func (e ErrPositionOutOfBounds) Error() string {
	return fmt.Sprintf("blockcrdt: position %d out of bounds (len %d)", e.Pos, e.Len)
}

// ErrUnsupportedOperation is returned when an operation does not apply to
// the target node's type (e.g. Insert on a header field).
type ErrUnsupportedOperation struct{ Message string }

func (e ErrUnsupportedOperation) Error() string { return "blockcrdt: unsupported operation: " + e.Message }

// ErrSerialization wraps a failure encoding the document or an op set.
type ErrSerialization struct{ Err error }

func (e ErrSerialization) Error() string { return "blockcrdt: serialization: " + e.Err.Error() }
func (e ErrSerialization) Unwrap() error { return e.Err }

// ErrInternal is returned for invariant violations that indicate a bug
// rather than bad input.
type ErrInternal struct{ Message string }

func (e ErrInternal) Error() string { return "blockcrdt: internal: " + e.Message }

// ErrDataMissing is returned by MergeOps when an op depends causally on a
// node the local document has not yet seen. The caller should buffer the
// op set and retry after obtaining the missing dependency.
type ErrDataMissing struct{ Target ids.BlockId }

func (e ErrDataMissing) Error() string {
	return fmt.Sprintf("blockcrdt: merge missing causal dependency for %s", e.Target)
}

// ErrFrontierInvalidated is returned by OpsSince when the requested
// frontier predates the document's last compaction (spec §4.1 Compaction).
type ErrFrontierInvalidated struct{}

func (e ErrFrontierInvalidated) Error() string {
	return "blockcrdt: frontier predates last compaction, full resync required"
}
