package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"clockline/internal/config"
	"clockline/internal/db"
	"clockline/internal/domain"
	"clockline/internal/engine"
	"clockline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  time.Time
}

func (env *testEnv) Advance(d time.Duration) {
	env.clock = env.clock.Add(d)
}

var (
	worker  = engine.Actor{ID: "u1"}
	worker2 = engine.Actor{ID: "u2"}
	admin   = engine.Actor{ID: "boss", Roles: []string{"manager"}}
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Ctx:   context.Background(),
		clock: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
	}
	env.Engine = engine.New(conn, config.Default())
	env.Engine.Now = func() time.Time { return env.clock }
	if _, err := env.Engine.ConfigureGuild(env.Ctx, domain.GuildConfig{
		GuildID:    "g1",
		Mode:       domain.ModeHybrid,
		Timezone:   "UTC",
		AdminRoles: []string{"manager"},
	}, "tester"); err != nil {
		t.Fatalf("configure guild: %v", err)
	}
	return env
}

func (env *testEnv) start(t *testing.T, a engine.Actor, userID string) domain.WorkSession {
	t.Helper()
	s, err := env.Engine.Start(env.Ctx, engine.StartOptions{
		GuildID:   "g1",
		UserID:    userID,
		StartedBy: a,
	})
	if err != nil {
		t.Fatalf("start %s: %v", userID, err)
	}
	return s
}

func TestStartStopLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, worker, worker.ID)
	if !s.Open() || !s.SelfService() {
		t.Fatalf("expected open self-service session, got %+v", s)
	}

	env.Advance(2 * time.Hour)
	closed, dur, err := env.Engine.Stop(env.Ctx, "g1", worker.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if dur != 2*time.Hour {
		t.Fatalf("duration: got %v", dur)
	}
	if closed.EndTime == nil || !closed.EndTime.Equal(env.clock) {
		t.Fatalf("end time: %+v", closed.EndTime)
	}

	if _, _, err := env.Engine.Stop(env.Ctx, "g1", worker.ID); !errors.Is(err, engine.ErrNotActive) {
		t.Fatalf("second stop: got %v", err)
	}

	env.Advance(24 * time.Hour)
	total, err := env.Engine.TotalFor(env.Ctx, "g1", worker.ID, false)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 2*60*60*1000 {
		t.Fatalf("total drifted after close: %d", total)
	}
}

func TestDoubleStartRejected(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, worker, worker.ID)
	_, err := env.Engine.Start(env.Ctx, engine.StartOptions{GuildID: "g1", UserID: worker.ID, StartedBy: worker})
	if !errors.Is(err, engine.ErrAlreadyActive) {
		t.Fatalf("expected already active, got %v", err)
	}
}

func TestPauseResumeExcludesPausedTime(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, worker, worker.ID)

	env.Advance(time.Hour)
	if _, err := env.Engine.Pause(env.Ctx, "g1", worker.ID, admin); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := env.Engine.Pause(env.Ctx, "g1", worker.ID, admin); !errors.Is(err, engine.ErrAlreadyPaused) {
		t.Fatalf("double pause: got %v", err)
	}

	env.Advance(30 * time.Minute)
	if _, err := env.Engine.Resume(env.Ctx, "g1", worker.ID, admin); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := env.Engine.Resume(env.Ctx, "g1", worker.ID, admin); !errors.Is(err, engine.ErrNotPaused) {
		t.Fatalf("double resume: got %v", err)
	}

	env.Advance(30 * time.Minute)
	_, dur, err := env.Engine.Stop(env.Ctx, "g1", worker.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if dur != 90*time.Minute {
		t.Fatalf("expected 90m worked, got %v", dur)
	}
}

func TestStopWhilePausedResolvesPause(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, worker, worker.ID)

	env.Advance(time.Hour)
	if _, err := env.Engine.Pause(env.Ctx, "g1", worker.ID, admin); err != nil {
		t.Fatalf("pause: %v", err)
	}
	env.Advance(3 * time.Hour)
	closed, dur, err := env.Engine.Stop(env.Ctx, "g1", worker.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if dur != time.Hour {
		t.Fatalf("trailing pause counted as work: %v", dur)
	}
	if closed.IsPaused || closed.PauseStartTime != nil {
		t.Fatalf("pause not resolved on close: %+v", closed)
	}
}

func TestFrozenGuildRejectsStart(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.SetFrozen(env.Ctx, "g1", true, admin); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	_, err := env.Engine.Start(env.Ctx, engine.StartOptions{GuildID: "g1", UserID: worker.ID, StartedBy: worker})
	if !errors.Is(err, engine.ErrFrozen) {
		t.Fatalf("expected frozen, got %v", err)
	}
	if err := env.Engine.SetFrozen(env.Ctx, "g1", false, admin); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	env.start(t, worker, worker.ID)
}

func TestFreezeRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.SetFrozen(env.Ctx, "g1", true, worker); !errors.Is(err, engine.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestBannedWorkerCannotStart(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.SetWorkerState(env.Ctx, domain.WorkerState{
		GuildID:  "g1",
		UserID:   worker.ID,
		IsBanned: true,
	}, admin); err != nil {
		t.Fatalf("ban: %v", err)
	}
	_, err := env.Engine.Start(env.Ctx, engine.StartOptions{GuildID: "g1", UserID: worker.ID, StartedBy: worker})
	if !errors.Is(err, engine.ErrBanned) {
		t.Fatalf("expected banned, got %v", err)
	}
}

func TestPenaltyExpires(t *testing.T) {
	env := newTestEnv(t)
	until := env.clock.Add(time.Hour)
	if err := env.Engine.SetWorkerState(env.Ctx, domain.WorkerState{
		GuildID:      "g1",
		UserID:       worker.ID,
		PenaltyUntil: &until,
	}, admin); err != nil {
		t.Fatalf("penalty: %v", err)
	}
	_, err := env.Engine.Start(env.Ctx, engine.StartOptions{GuildID: "g1", UserID: worker.ID, StartedBy: worker})
	var pe engine.PenaltyError
	if !errors.As(err, &pe) {
		t.Fatalf("expected penalty error, got %v", err)
	}
	if !pe.Until.Equal(until) {
		t.Fatalf("penalty until: got %v want %v", pe.Until, until)
	}

	env.Advance(2 * time.Hour)
	env.start(t, worker, worker.ID)
}

func TestModePermissions(t *testing.T) {
	env := newTestEnv(t)

	// supervised-only guild rejects self-service
	if _, err := env.Engine.ConfigureGuild(env.Ctx, domain.GuildConfig{
		GuildID:    "g2",
		Mode:       domain.ModeSupervised,
		Timezone:   "UTC",
		AdminRoles: []string{"manager"},
		RoleRules:  map[string][]string{"foreman": {"crew"}},
	}, "tester"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	_, err := env.Engine.Start(env.Ctx, engine.StartOptions{GuildID: "g2", UserID: worker.ID, StartedBy: worker})
	if !errors.Is(err, engine.ErrPermissionDenied) {
		t.Fatalf("self start in supervised guild: got %v", err)
	}

	// a foreman may start crew members, nobody else
	foreman := engine.Actor{ID: "f1", Roles: []string{"foreman"}}
	if _, err := env.Engine.Start(env.Ctx, engine.StartOptions{
		GuildID: "g2", UserID: worker.ID, StartedBy: foreman, TargetRoles: []string{"crew"},
	}); err != nil {
		t.Fatalf("foreman start: %v", err)
	}
	_, err = env.Engine.Start(env.Ctx, engine.StartOptions{
		GuildID: "g2", UserID: worker2.ID, StartedBy: foreman, TargetRoles: []string{"office"},
	})
	if !errors.Is(err, engine.ErrPermissionDenied) {
		t.Fatalf("foreman start outside rules: got %v", err)
	}

	// admins bypass role rules
	if _, err := env.Engine.Start(env.Ctx, engine.StartOptions{
		GuildID: "g2", UserID: worker2.ID, StartedBy: admin,
	}); err != nil {
		t.Fatalf("admin start: %v", err)
	}

	// self_service-only guild rejects supervised starts
	if _, err := env.Engine.ConfigureGuild(env.Ctx, domain.GuildConfig{
		GuildID:    "g3",
		Mode:       domain.ModeSelfService,
		Timezone:   "UTC",
		AdminRoles: []string{"manager"},
	}, "tester"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	_, err = env.Engine.Start(env.Ctx, engine.StartOptions{GuildID: "g3", UserID: worker.ID, StartedBy: admin})
	if !errors.Is(err, engine.ErrPermissionDenied) {
		t.Fatalf("supervised start in self-service guild: got %v", err)
	}
}

func TestForceCloseRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, worker, worker.ID)
	if _, _, err := env.Engine.ForceClose(env.Ctx, "g1", worker.ID, worker2); !errors.Is(err, engine.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	env.Advance(time.Hour)
	_, dur, err := env.Engine.ForceClose(env.Ctx, "g1", worker.ID, admin)
	if err != nil {
		t.Fatalf("force close: %v", err)
	}
	if dur != time.Hour {
		t.Fatalf("duration: %v", dur)
	}
}

func TestCancelDiscardsSession(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, worker, worker.ID)
	env.Advance(time.Hour)
	if err := env.Engine.Cancel(env.Ctx, "g1", worker.ID, admin); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	total, err := env.Engine.TotalFor(env.Ctx, "g1", worker.ID, true)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 0 {
		t.Fatalf("cancelled time surfaced in total: %d", total)
	}
	env.start(t, worker, worker.ID)
}

func TestTransferContinuity(t *testing.T) {
	env := newTestEnv(t)
	supA := engine.Actor{ID: "supA", Roles: []string{"manager"}}
	env.start(t, supA, worker.ID)

	env.Advance(time.Hour)
	closed, opened, err := env.Engine.Transfer(env.Ctx, "g1", worker.ID, "supB", admin)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if closed.EndTime == nil || !closed.EndTime.Equal(opened.StartTime) {
		t.Fatalf("gap at transfer boundary: %+v vs %+v", closed.EndTime, opened.StartTime)
	}
	if opened.StartedBy != "supB" {
		t.Fatalf("new supervisor: %q", opened.StartedBy)
	}

	env.Advance(time.Hour)
	if _, _, err := env.Engine.Stop(env.Ctx, "g1", worker.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	total, err := env.Engine.TotalFor(env.Ctx, "g1", worker.ID, false)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 2*60*60*1000 {
		t.Fatalf("time lost across transfer: %d", total)
	}

	rows, err := env.Engine.HistoryReport(env.Ctx, "g1", worker.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(rows))
	}
	if rows[0].StartedByLabel != "supA" || rows[1].StartedByLabel != "supB" {
		t.Fatalf("labels: %q, %q", rows[0].StartedByLabel, rows[1].StartedByLabel)
	}
	if rows[1].RunningTotalMs != total {
		t.Fatalf("running total: %d want %d", rows[1].RunningTotalMs, total)
	}
}

func TestAdjustHistory(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Engine.AdjustHistory(env.Ctx, "g1", worker.ID, 10, admin); !errors.Is(err, engine.ErrSessionNotFound) {
		t.Fatalf("adjust with no history: got %v", err)
	}

	env.start(t, worker, worker.ID)
	env.Advance(time.Hour)
	if _, _, err := env.Engine.Stop(env.Ctx, "g1", worker.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := env.Engine.AdjustHistory(env.Ctx, "g1", worker.ID, 0, admin); !errors.Is(err, engine.ErrInvalidAdjustment) {
		t.Fatalf("zero delta: got %v", err)
	}
	if _, err := env.Engine.AdjustHistory(env.Ctx, "g1", worker.ID, 10, worker); !errors.Is(err, engine.ErrPermissionDenied) {
		t.Fatalf("non-admin adjust: got %v", err)
	}

	s, err := env.Engine.AdjustHistory(env.Ctx, "g1", worker.ID, 10, admin)
	if err != nil {
		t.Fatalf("adjust +10: %v", err)
	}
	if s.ManualAdjustmentMs != 600_000 {
		t.Fatalf("adjustment: %d", s.ManualAdjustmentMs)
	}
	s, err = env.Engine.AdjustHistory(env.Ctx, "g1", worker.ID, -25, admin)
	if err != nil {
		t.Fatalf("adjust -25: %v", err)
	}
	if s.ManualAdjustmentMs != -900_000 {
		t.Fatalf("accumulated adjustment: %d", s.ManualAdjustmentMs)
	}

	total, err := env.Engine.TotalFor(env.Ctx, "g1", worker.ID, false)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 45*60*1000 {
		t.Fatalf("total after adjustments: %d", total)
	}
}

func TestTotalClampedAtZero(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, worker, worker.ID)
	env.Advance(10 * time.Minute)
	if _, _, err := env.Engine.Stop(env.Ctx, "g1", worker.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := env.Engine.AdjustHistory(env.Ctx, "g1", worker.ID, -30, admin); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	total, err := env.Engine.TotalFor(env.Ctx, "g1", worker.ID, false)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected clamp to zero, got %d", total)
	}
}

func TestPayrollListing(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.SetWorkerState(env.Ctx, domain.WorkerState{
		GuildID: "g1", UserID: worker.ID, DisplayName: "Ana",
	}, admin); err != nil {
		t.Fatalf("name: %v", err)
	}

	// u1: 2h plus a separate 10m session
	env.start(t, worker, worker.ID)
	env.Advance(2 * time.Hour)
	if _, _, err := env.Engine.Stop(env.Ctx, "g1", worker.ID); err != nil {
		t.Fatalf("stop u1: %v", err)
	}
	env.start(t, worker, worker.ID)
	env.Advance(10 * time.Minute)
	if _, _, err := env.Engine.Stop(env.Ctx, "g1", worker.ID); err != nil {
		t.Fatalf("stop u1 again: %v", err)
	}

	// u2: 10m then adjusted to a negative total, dropped from the listing
	env.start(t, worker2, worker2.ID)
	env.Advance(10 * time.Minute)
	if _, _, err := env.Engine.Stop(env.Ctx, "g1", worker2.ID); err != nil {
		t.Fatalf("stop u2: %v", err)
	}
	if _, err := env.Engine.AdjustHistory(env.Ctx, "g1", worker2.ID, -30, admin); err != nil {
		t.Fatalf("adjust u2: %v", err)
	}

	// an open session must not appear in payroll
	env.start(t, engine.Actor{ID: "u3"}, "u3")

	listing, err := env.Engine.PayrollListing(env.Ctx, "g1")
	if err != nil {
		t.Fatalf("payroll: %v", err)
	}
	if len(listing) != 1 {
		t.Fatalf("expected only u1, got %+v", listing)
	}
	entry := listing[0]
	if entry.UserID != worker.ID || entry.DisplayName != "Ana" {
		t.Fatalf("entry identity: %+v", entry)
	}
	if entry.TotalMs != 130*60*1000 || entry.Sessions != 2 {
		t.Fatalf("entry totals: %+v", entry)
	}
}

func TestPayrollReset(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, worker, worker.ID)
	env.Advance(time.Hour)
	if _, _, err := env.Engine.Stop(env.Ctx, "g1", worker.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	env.start(t, worker, worker.ID)
	env.Advance(time.Hour)
	if _, _, err := env.Engine.Stop(env.Ctx, "g1", worker.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	env.start(t, worker, worker.ID) // open, must survive

	if _, err := env.Engine.PayrollReset(env.Ctx, "g1", worker.ID, worker2); !errors.Is(err, engine.ErrPermissionDenied) {
		t.Fatalf("non-admin reset: got %v", err)
	}
	deleted, err := env.Engine.PayrollReset(env.Ctx, "g1", worker.ID, admin)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted: %d", deleted)
	}

	total, err := env.Engine.TotalFor(env.Ctx, "g1", worker.ID, false)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 0 {
		t.Fatalf("closed sessions survived reset: %d", total)
	}
	if _, err := env.Engine.Repo.FindOpenByUser(env.Ctx, "g1", worker.ID); err != nil {
		t.Fatalf("open session lost in reset: %v", err)
	}
}

func TestConfigureGuildValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ConfigureGuild(env.Ctx, domain.GuildConfig{
		GuildID: "g9", Mode: "anarchy", Timezone: "UTC",
	}, "tester"); err == nil {
		t.Fatalf("expected invalid mode error")
	}
	if _, err := env.Engine.ConfigureGuild(env.Ctx, domain.GuildConfig{
		GuildID: "g9", Mode: domain.ModeHybrid, Timezone: "Mars/Olympus",
	}, "tester"); err == nil {
		t.Fatalf("expected invalid timezone error")
	}
	if _, err := env.Engine.ConfigureGuild(env.Ctx, domain.GuildConfig{
		GuildID:  "g9",
		Mode:     domain.ModeHybrid,
		Timezone: "UTC",
		AutoCut:  &domain.AutoCut{Day: "sunday", Time: "25:99"},
	}, "tester"); err == nil {
		t.Fatalf("expected invalid auto-cut time error")
	}
	saved, err := env.Engine.ConfigureGuild(env.Ctx, domain.GuildConfig{
		GuildID:  "g9",
		Mode:     domain.ModeHybrid,
		Timezone: "America/Mexico_City",
		AutoCut:  &domain.AutoCut{Day: "domingo", Time: "23:59"},
	}, "tester")
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if saved.AutoCut == nil || saved.AutoCut.Day != "domingo" {
		t.Fatalf("auto-cut not persisted: %+v", saved.AutoCut)
	}
}
