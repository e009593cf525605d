package lifecycle

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the failure record does not exist.
var ErrNotFound = errors.New("failure not found")

// ErrInvalidState is returned when a decision is not allowed from the
// record's current fix status. The record is left unchanged.
type ErrInvalidState struct {
	ID      int64
	Action  string
	Current string
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("cannot %s fix for failure %d in status %q", e.Action, e.ID, e.Current)
}
