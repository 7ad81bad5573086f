package engine_test

import (
	"testing"
	"time"

	"clockline/internal/domain"
	"clockline/internal/engine"
)

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func openSession() domain.WorkSession {
	return domain.WorkSession{
		ID:        "s1",
		GuildID:   "g1",
		UserID:    "u1",
		StartedBy: "u1",
		StartTime: t0,
	}
}

func TestDurationGrowsWhileRunning(t *testing.T) {
	s := openSession()
	if got := engine.DurationMs(s, t0.Add(time.Minute)); got != 60_000 {
		t.Fatalf("after 1m: got %d", got)
	}
	if got := engine.DurationMs(s, t0.Add(2*time.Hour)); got != 7_200_000 {
		t.Fatalf("after 2h: got %d", got)
	}
}

func TestDurationFrozenWhilePaused(t *testing.T) {
	s := openSession()
	pausedAt := t0.Add(time.Hour)
	s.IsPaused = true
	s.PauseStartTime = &pausedAt

	atPause := engine.DurationMs(s, pausedAt)
	later := engine.DurationMs(s, pausedAt.Add(45*time.Minute))
	if atPause != later {
		t.Fatalf("duration moved during pause: %d vs %d", atPause, later)
	}
	if atPause != 3_600_000 {
		t.Fatalf("expected 1h at pause, got %d", atPause)
	}
}

func TestDurationAfterResume(t *testing.T) {
	// Worked 1h, paused 30m, then resumed. TotalPausedMs carries the pause.
	s := openSession()
	s.TotalPausedMs = 30 * 60 * 1000
	ref := t0.Add(2 * time.Hour)
	if got := engine.DurationMs(s, ref); got != 90*60*1000 {
		t.Fatalf("expected 90m, got %d", got)
	}
}

func TestDurationManualAdjustment(t *testing.T) {
	end := t0.Add(time.Hour)
	s := openSession()
	s.EndTime = &end

	s.ManualAdjustmentMs = 10 * 60 * 1000
	if got := engine.DurationMs(s, end); got != 70*60*1000 {
		t.Fatalf("with +10m: got %d", got)
	}
	s.ManualAdjustmentMs = -10 * 60 * 1000
	if got := engine.DurationMs(s, end); got != 50*60*1000 {
		t.Fatalf("with -10m: got %d", got)
	}
}

func TestClosedDurationIgnoresReference(t *testing.T) {
	end := t0.Add(20 * time.Minute)
	s := openSession()
	s.EndTime = &end
	s.TotalPausedMs = 5 * 60 * 1000

	want := int64(15 * 60 * 1000)
	if got := engine.DurationMs(s, end); got != want {
		t.Fatalf("at close: got %d want %d", got, want)
	}
	if got := engine.DurationMs(s, end.Add(72*time.Hour)); got != want {
		t.Fatalf("days later: got %d want %d", got, want)
	}
}

func TestNegativeDurationPossibleAfterOverAdjustment(t *testing.T) {
	end := t0.Add(10 * time.Minute)
	s := openSession()
	s.EndTime = &end
	s.ManualAdjustmentMs = -20 * 60 * 1000
	if got := engine.DurationMs(s, end); got >= 0 {
		t.Fatalf("expected negative raw duration, got %d", got)
	}
}
