package engine

import (
	"errors"
	"fmt"
	"time"
)

// Typed rejections returned by lifecycle operations. The caller maps these to
// user-facing messages; none of them indicate a storage failure.
var (
	ErrAlreadyActive     = errors.New("session already active")
	ErrNotActive         = errors.New("no active session")
	ErrAlreadyPaused     = errors.New("session already paused")
	ErrNotPaused         = errors.New("session not paused")
	ErrFrozen            = errors.New("guild is frozen")
	ErrBanned            = errors.New("worker is banned")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidAdjustment = errors.New("invalid adjustment")
)

// PenaltyError rejects a start while a temporary penalty is in effect.
type PenaltyError struct {
	Until time.Time
}

func (e PenaltyError) Error() string {
	return fmt.Sprintf("penalty active until %s", e.Until.UTC().Format(time.RFC3339))
}
