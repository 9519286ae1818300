package tree

import (
	"errors"
	"fmt"
)

var (
	ErrNodeNotFound = errors.New("node not found")

	// ErrConcurrentModification marks retryable contention on the write
	// phase, distinct from validation failures.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// CycleError reports the node whose proposed parent assignment would close
// a cycle, so callers can highlight the offending move.
type CycleError struct {
	OffendingID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected at node %s", e.OffendingID)
}
