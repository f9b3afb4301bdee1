package replication

import (
	"errors"
	"fmt"

	"github.com/replikv/replikv/internal/storage"
)

var (
	// ErrNotFound is returned when a key has never been written or its
	// winning record is a tombstone.
	ErrNotFound = errors.New("key not found")

	// ErrQuorumNotReached is returned when too few replicas answered
	// within the request timeout.
	ErrQuorumNotReached = errors.New("quorum not reached")

	// ErrVersionConflict marks reads that surfaced concurrent siblings.
	// Match with errors.Is; the full conflict set travels in
	// *VersionConflictError.
	ErrVersionConflict = errors.New("version conflict")
)

// VersionConflictError carries the concurrent siblings of a key so the
// caller can resolve and write back a merged value.
type VersionConflictError struct {
	Key      string
	Siblings []storage.Record
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %q: %d concurrent siblings", e.Key, len(e.Siblings))
}

// Is makes errors.Is(err, ErrVersionConflict) match.
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}
