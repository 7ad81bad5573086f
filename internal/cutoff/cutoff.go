package cutoff

import (
	"context"
	"log"
	"time"

	"clockline/internal/engine"
	"clockline/internal/events"
)

// Sweeper periodically checks every guild's auto-cut schedule and, on a
// match, freezes the guild and force-closes all of its open sessions. The
// freeze flag doubles as the latch that keeps a matching minute from firing
// twice.
type Sweeper struct {
	Engine   engine.Engine
	Interval time.Duration
	Logger   *log.Logger
}

func New(e engine.Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{Engine: e, Interval: interval}
}

func (s *Sweeper) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Run sweeps on a fixed ticker until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx, s.Engine.Now()); err != nil {
			s.logger().Printf("cutoff: sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs a single pass at the given instant and returns the number of
// sessions closed. Guilds already frozen are skipped by the store query, so a
// second pass in the same minute is a no-op.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	guilds, err := s.Engine.Repo.ListAutoCutGuilds(ctx)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, cfg := range guilds {
		match, err := engine.ScheduleMatches(cfg, now)
		if err != nil {
			s.logger().Printf("cutoff: guild %s: %v", cfg.GuildID, err)
			continue
		}
		if !match {
			continue
		}
		n, err := s.cutGuild(ctx, cfg.GuildID)
		if err != nil {
			s.logger().Printf("cutoff: guild %s: %v", cfg.GuildID, err)
			continue
		}
		closed += n
	}
	return closed, nil
}

// cutGuild latches the freeze flag first, then closes the open sessions.
// Latching first means a crash mid-close cannot re-trigger the cut; the
// remaining sessions are still closeable by an admin.
func (s *Sweeper) cutGuild(ctx context.Context, guildID string) (int, error) {
	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := s.Engine.Repo.SetGuildFrozen(ctx, tx, guildID, true); err != nil {
		return 0, err
	}
	if err := s.Engine.Events.Append(ctx, tx, events.GuildCutoff, guildID, "guild", guildID, "auto-cutoff", nil); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	open, err := s.Engine.Repo.ListOpenByGuild(ctx, guildID)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, sess := range open {
		if _, _, err := s.Engine.CloseForCutoff(ctx, guildID, sess.UserID); err != nil {
			s.logger().Printf("cutoff: close session %s: %v", sess.ID, err)
			continue
		}
		closed++
	}
	return closed, nil
}
