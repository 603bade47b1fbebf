package persistence

import (
	"fmt"

	"blockweave/internal/ids"
)

// ErrDocumentNotFound is returned by LoadDocument when no row exists for
// the requested context.
type ErrDocumentNotFound struct{ ContextID ids.ContextId }

func (e ErrDocumentNotFound) Error() string {
	return fmt.Sprintf("persistence: document not found: %s", e.ContextID)
}
