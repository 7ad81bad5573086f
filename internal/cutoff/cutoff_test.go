package cutoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"clockline/internal/config"
	"clockline/internal/cutoff"
	"clockline/internal/db"
	"clockline/internal/domain"
	"clockline/internal/engine"
	"clockline/internal/migrate"
)

func newTestEngine(t *testing.T, clock *time.Time) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return *clock }
	return e
}

func TestSweepClosesAndFreezes(t *testing.T) {
	// Monday 2026-01-05; the cut fires at 09:00 UTC.
	clock := time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC)
	e := newTestEngine(t, &clock)
	ctx := context.Background()

	if _, err := e.ConfigureGuild(ctx, domain.GuildConfig{
		GuildID:  "g1",
		Mode:     domain.ModeSelfService,
		Timezone: "UTC",
		AutoCut:  &domain.AutoCut{Day: "monday", Time: "09:00"},
	}, "tester"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	for _, u := range []string{"u1", "u2"} {
		if _, err := e.Start(ctx, engine.StartOptions{GuildID: "g1", UserID: u, StartedBy: engine.Actor{ID: u}}); err != nil {
			t.Fatalf("start %s: %v", u, err)
		}
	}

	sweeper := cutoff.New(e, time.Minute)

	// before the scheduled minute nothing happens
	closed, err := sweeper.SweepOnce(ctx, clock)
	if err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	if closed != 0 {
		t.Fatalf("early sweep closed %d sessions", closed)
	}

	clock = time.Date(2026, 1, 5, 9, 0, 30, 0, time.UTC)
	closed, err = sweeper.SweepOnce(ctx, clock)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if closed != 2 {
		t.Fatalf("expected 2 sessions closed, got %d", closed)
	}

	cfg, err := e.Repo.GetGuildConfig(ctx, "g1")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if !cfg.IsFrozen {
		t.Fatalf("guild not frozen after cut")
	}
	open, err := e.Repo.ListOpenByGuild(ctx, "g1")
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("open sessions left: %d", len(open))
	}
	total, err := e.TotalFor(ctx, "g1", "u1", false)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 2*60*60*1000+30*1000 {
		t.Fatalf("cut total: %d", total)
	}

	// the freeze latch keeps the same minute from firing again
	closed, err = sweeper.SweepOnce(ctx, clock)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if closed != 0 {
		t.Fatalf("second sweep closed %d sessions", closed)
	}

	// frozen guild rejects new clock-ins until an admin unfreezes
	_, err = e.Start(ctx, engine.StartOptions{GuildID: "g1", UserID: "u1", StartedBy: engine.Actor{ID: "u1"}})
	if !errors.Is(err, engine.ErrFrozen) {
		t.Fatalf("expected frozen, got %v", err)
	}
}

func TestSweepSkipsGuildsWithoutSchedule(t *testing.T) {
	clock := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	e := newTestEngine(t, &clock)
	ctx := context.Background()

	if _, err := e.ConfigureGuild(ctx, domain.GuildConfig{
		GuildID:  "g1",
		Mode:     domain.ModeSelfService,
		Timezone: "UTC",
	}, "tester"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := e.Start(ctx, engine.StartOptions{GuildID: "g1", UserID: "u1", StartedBy: engine.Actor{ID: "u1"}}); err != nil {
		t.Fatalf("start: %v", err)
	}

	closed, err := cutoff.New(e, time.Minute).SweepOnce(ctx, clock)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if closed != 0 {
		t.Fatalf("closed %d sessions in unscheduled guild", closed)
	}
	open, err := e.Repo.ListOpenByGuild(ctx, "g1")
	if err != nil || len(open) != 1 {
		t.Fatalf("open sessions: %d, %v", len(open), err)
	}
}
