package engine

import (
	"time"

	"clockline/internal/domain"
)

// CalculateDuration computes the effective worked time of a session at the
// reference instant. Closed sessions use their end time; open sessions use
// ref. An in-progress pause counts against elapsed time even before it is
// folded into TotalPausedMs, so the result is frozen while paused. The manual
// adjustment applies to open and closed sessions alike.
func CalculateDuration(s domain.WorkSession, ref time.Time) time.Duration {
	end := ref
	if s.EndTime != nil {
		end = *s.EndTime
	}
	elapsed := end.Sub(s.StartTime)
	var livePause time.Duration
	if s.Open() && s.IsPaused && s.PauseStartTime != nil {
		livePause = ref.Sub(*s.PauseStartTime)
	}
	return elapsed -
		time.Duration(s.TotalPausedMs)*time.Millisecond -
		livePause +
		time.Duration(s.ManualAdjustmentMs)*time.Millisecond
}

// DurationMs is CalculateDuration truncated to whole milliseconds, the unit
// the store and the API speak.
func DurationMs(s domain.WorkSession, ref time.Time) int64 {
	return CalculateDuration(s, ref).Milliseconds()
}
