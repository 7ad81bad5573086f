package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"clockline/internal/config"
	"clockline/internal/domain"
	"clockline/internal/events"
	"clockline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Actor identifies who invoked an operation, with the roles they hold in the
// guild. Role sets come from the chat adapter; the engine only matches them
// against the guild config.
type Actor struct {
	ID    string
	Roles []string
}

// IsAdmin reports whether the actor holds one of the guild's admin roles.
func (a Actor) IsAdmin(cfg domain.GuildConfig) bool {
	for _, role := range a.Roles {
		for _, admin := range cfg.AdminRoles {
			if role == admin {
				return true
			}
		}
	}
	return false
}

func requireAdmin(cfg domain.GuildConfig, actor Actor) error {
	if !actor.IsAdmin(cfg) {
		return ErrPermissionDenied
	}
	return nil
}

// canStartFor checks the role-permission rules: some role of the starter must
// map to some role of the target.
func canStartFor(cfg domain.GuildConfig, starterRoles, targetRoles []string) bool {
	for _, sr := range starterRoles {
		allowed, ok := cfg.RoleRules[sr]
		if !ok {
			continue
		}
		for _, tr := range targetRoles {
			for _, a := range allowed {
				if tr == a {
					return true
				}
			}
		}
	}
	return false
}

// StartOptions are parameters for opening a session.
type StartOptions struct {
	GuildID     string
	UserID      string
	StartedBy   Actor
	TargetRoles []string
}

// Start opens a new running session for the target worker after checking the
// guild freeze latch, the operating mode, the starter's permissions, and the
// worker's moderation state. At most one open session per (user, guild) is
// enforced by check-then-create, with the partial unique index as a backstop
// against a concurrent double submit.
func (e Engine) Start(ctx context.Context, opts StartOptions) (domain.WorkSession, error) {
	cfg, err := e.Repo.GetGuildConfig(ctx, opts.GuildID)
	if err != nil {
		return domain.WorkSession{}, err
	}
	if cfg.IsFrozen {
		return domain.WorkSession{}, ErrFrozen
	}
	selfService := opts.StartedBy.ID == opts.UserID
	if selfService {
		if !cfg.SelfServiceAllowed() {
			return domain.WorkSession{}, ErrPermissionDenied
		}
	} else {
		if !cfg.SupervisedAllowed() {
			return domain.WorkSession{}, ErrPermissionDenied
		}
		if !opts.StartedBy.IsAdmin(cfg) && !canStartFor(cfg, opts.StartedBy.Roles, opts.TargetRoles) {
			return domain.WorkSession{}, ErrPermissionDenied
		}
	}
	worker, err := e.Repo.GetWorkerState(ctx, opts.GuildID, opts.UserID)
	if err != nil {
		return domain.WorkSession{}, err
	}
	now := e.now()
	if worker.IsBanned {
		return domain.WorkSession{}, ErrBanned
	}
	if worker.PenaltyUntil != nil && worker.PenaltyUntil.After(now) {
		return domain.WorkSession{}, PenaltyError{Until: *worker.PenaltyUntil}
	}
	if _, err := e.Repo.FindOpenByUser(ctx, opts.GuildID, opts.UserID); err == nil {
		return domain.WorkSession{}, ErrAlreadyActive
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.WorkSession{}, err
	}

	s := domain.WorkSession{
		ID:        uuid.New().String(),
		GuildID:   opts.GuildID,
		UserID:    opts.UserID,
		StartedBy: opts.StartedBy.ID,
		StartTime: now.UTC(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkSession{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		if isUniqueViolation(err) {
			return domain.WorkSession{}, ErrAlreadyActive
		}
		return domain.WorkSession{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.SessionStarted, s.GuildID, "session", s.ID, opts.StartedBy.ID, events.EventPayload{
		"user_id":      s.UserID,
		"self_service": selfService,
	}); err != nil {
		return domain.WorkSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkSession{}, err
	}
	return s, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// resolvePause folds an in-progress pause into TotalPausedMs. Closing a
// paused session goes through here first so the final pause interval never
// retroactively counts as worked time.
func resolvePause(s *domain.WorkSession, now time.Time) {
	if s.IsPaused && s.PauseStartTime != nil {
		s.TotalPausedMs += now.Sub(*s.PauseStartTime).Milliseconds()
	}
	s.IsPaused = false
	s.PauseStartTime = nil
}

// Stop closes the worker's open session and returns the final duration.
func (e Engine) Stop(ctx context.Context, guildID, userID string) (domain.WorkSession, time.Duration, error) {
	return e.close(ctx, guildID, userID, userID, events.SessionStopped)
}

// ForceClose is Stop performed by an admin on someone else's session.
func (e Engine) ForceClose(ctx context.Context, guildID, userID string, actor Actor) (domain.WorkSession, time.Duration, error) {
	cfg, err := e.Repo.GetGuildConfig(ctx, guildID)
	if err != nil {
		return domain.WorkSession{}, 0, err
	}
	if err := requireAdmin(cfg, actor); err != nil {
		return domain.WorkSession{}, 0, err
	}
	return e.close(ctx, guildID, userID, actor.ID, events.SessionStopped)
}

// CloseForCutoff closes an open session on behalf of the auto-cutoff sweeper,
// bypassing the admin check.
func (e Engine) CloseForCutoff(ctx context.Context, guildID, userID string) (domain.WorkSession, time.Duration, error) {
	return e.close(ctx, guildID, userID, "auto-cutoff", events.SessionStopped)
}

func (e Engine) close(ctx context.Context, guildID, userID, actorID, evtType string) (domain.WorkSession, time.Duration, error) {
	s, err := e.Repo.FindOpenByUser(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WorkSession{}, 0, ErrNotActive
		}
		return domain.WorkSession{}, 0, err
	}
	now := e.now().UTC()
	resolvePause(&s, now)
	end := now
	s.EndTime = &end
	dur := CalculateDuration(s, now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkSession{}, 0, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return domain.WorkSession{}, 0, err
	}
	if err := e.Events.Append(ctx, tx, evtType, guildID, "session", s.ID, actorID, events.EventPayload{
		"user_id":     userID,
		"duration_ms": dur.Milliseconds(),
	}); err != nil {
		return domain.WorkSession{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkSession{}, 0, err
	}
	return s, dur, nil
}

// Pause suspends the clock on an open session. Admin remote control.
func (e Engine) Pause(ctx context.Context, guildID, userID string, actor Actor) (domain.WorkSession, error) {
	cfg, err := e.Repo.GetGuildConfig(ctx, guildID)
	if err != nil {
		return domain.WorkSession{}, err
	}
	if err := requireAdmin(cfg, actor); err != nil {
		return domain.WorkSession{}, err
	}
	s, err := e.Repo.FindOpenByUser(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WorkSession{}, ErrNotActive
		}
		return domain.WorkSession{}, err
	}
	if s.IsPaused {
		return domain.WorkSession{}, ErrAlreadyPaused
	}
	now := e.now().UTC()
	s.IsPaused = true
	s.PauseStartTime = &now
	if err := e.saveWithEvent(ctx, s, events.SessionPaused, actor.ID, nil); err != nil {
		return domain.WorkSession{}, err
	}
	return s, nil
}

// Resume folds the finished pause into TotalPausedMs and restarts the clock.
func (e Engine) Resume(ctx context.Context, guildID, userID string, actor Actor) (domain.WorkSession, error) {
	cfg, err := e.Repo.GetGuildConfig(ctx, guildID)
	if err != nil {
		return domain.WorkSession{}, err
	}
	if err := requireAdmin(cfg, actor); err != nil {
		return domain.WorkSession{}, err
	}
	s, err := e.Repo.FindOpenByUser(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WorkSession{}, ErrNotActive
		}
		return domain.WorkSession{}, err
	}
	if !s.IsPaused {
		return domain.WorkSession{}, ErrNotPaused
	}
	now := e.now().UTC()
	pausedMs := now.Sub(*s.PauseStartTime).Milliseconds()
	resolvePause(&s, now)
	if err := e.saveWithEvent(ctx, s, events.SessionResumed, actor.ID, events.EventPayload{"paused_ms": pausedMs}); err != nil {
		return domain.WorkSession{}, err
	}
	return s, nil
}

// Cancel deletes the open session entirely; no duration is recorded.
func (e Engine) Cancel(ctx context.Context, guildID, userID string, actor Actor) error {
	cfg, err := e.Repo.GetGuildConfig(ctx, guildID)
	if err != nil {
		return err
	}
	if err := requireAdmin(cfg, actor); err != nil {
		return err
	}
	s, err := e.Repo.FindOpenByUser(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotActive
		}
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteSession(ctx, tx, s.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.SessionCancelled, guildID, "session", s.ID, actor.ID, events.EventPayload{"user_id": userID}); err != nil {
		return err
	}
	return tx.Commit()
}

// Transfer closes the current open session and immediately opens a fresh one
// for the same worker under a new supervisor. Time before the split credits
// the old startedBy, time after credits the new one; no time is gained or
// lost at the boundary.
func (e Engine) Transfer(ctx context.Context, guildID, userID, newStartedBy string, actor Actor) (domain.WorkSession, domain.WorkSession, error) {
	cfg, err := e.Repo.GetGuildConfig(ctx, guildID)
	if err != nil {
		return domain.WorkSession{}, domain.WorkSession{}, err
	}
	if err := requireAdmin(cfg, actor); err != nil {
		return domain.WorkSession{}, domain.WorkSession{}, err
	}
	old, err := e.Repo.FindOpenByUser(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WorkSession{}, domain.WorkSession{}, ErrNotActive
		}
		return domain.WorkSession{}, domain.WorkSession{}, err
	}
	now := e.now().UTC()
	resolvePause(&old, now)
	end := now
	old.EndTime = &end

	next := domain.WorkSession{
		ID:        uuid.New().String(),
		GuildID:   guildID,
		UserID:    userID,
		StartedBy: newStartedBy,
		StartTime: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkSession{}, domain.WorkSession{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, old); err != nil {
		return domain.WorkSession{}, domain.WorkSession{}, err
	}
	if err := e.Repo.InsertSession(ctx, tx, next); err != nil {
		return domain.WorkSession{}, domain.WorkSession{}, err
	}
	if err := e.Events.Append(ctx, tx, events.SessionTransferred, guildID, "session", next.ID, actor.ID, events.EventPayload{
		"user_id":        userID,
		"closed_session": old.ID,
		"new_started_by": newStartedBy,
	}); err != nil {
		return domain.WorkSession{}, domain.WorkSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkSession{}, domain.WorkSession{}, err
	}
	return old, next, nil
}

// AdjustHistory applies a signed minute correction to the worker's most
// recently closed session. Zero is rejected; there is nothing to correct.
func (e Engine) AdjustHistory(ctx context.Context, guildID, userID string, deltaMinutes int64, actor Actor) (domain.WorkSession, error) {
	if deltaMinutes == 0 {
		return domain.WorkSession{}, ErrInvalidAdjustment
	}
	cfg, err := e.Repo.GetGuildConfig(ctx, guildID)
	if err != nil {
		return domain.WorkSession{}, err
	}
	if err := requireAdmin(cfg, actor); err != nil {
		return domain.WorkSession{}, err
	}
	s, err := e.Repo.LatestClosedByUser(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WorkSession{}, ErrSessionNotFound
		}
		return domain.WorkSession{}, err
	}
	s.ManualAdjustmentMs += deltaMinutes * 60_000
	if err := e.saveWithEvent(ctx, s, events.SessionAdjusted, actor.ID, events.EventPayload{
		"user_id":       userID,
		"delta_minutes": deltaMinutes,
	}); err != nil {
		return domain.WorkSession{}, err
	}
	return s, nil
}

func (e Engine) saveWithEvent(ctx context.Context, s domain.WorkSession, evtType, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return err
	}
	if payload == nil {
		payload = events.EventPayload{"user_id": s.UserID}
	}
	if err := e.Events.Append(ctx, tx, evtType, s.GuildID, "session", s.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// ConfigureGuild validates and upserts a guild configuration.
func (e Engine) ConfigureGuild(ctx context.Context, cfg domain.GuildConfig, actorID string) (domain.GuildConfig, error) {
	if cfg.GuildID == "" {
		return cfg, errors.New("guild_id is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = e.defaultMode()
	}
	switch cfg.Mode {
	case domain.ModeSelfService, domain.ModeSupervised, domain.ModeHybrid:
	default:
		return cfg, fmt.Errorf("invalid mode %q", cfg.Mode)
	}
	if cfg.Timezone == "" {
		cfg.Timezone = e.defaultTimezone()
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return cfg, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.AutoCut != nil {
		if _, err := NormalizeDay(cfg.AutoCut.Day); err != nil {
			return cfg, err
		}
		if _, err := time.Parse("15:04", cfg.AutoCut.Time); err != nil {
			return cfg, fmt.Errorf("invalid auto-cut time %q: expected HH:MM", cfg.AutoCut.Time)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return cfg, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertGuildConfigTx(ctx, tx, cfg); err != nil {
		return cfg, err
	}
	if err := e.Events.Append(ctx, tx, events.GuildConfigured, cfg.GuildID, "guild", cfg.GuildID, actorID, events.EventPayload{"mode": cfg.Mode}); err != nil {
		return cfg, err
	}
	if err := tx.Commit(); err != nil {
		return cfg, err
	}
	return e.Repo.GetGuildConfig(ctx, cfg.GuildID)
}

// SetFrozen flips the guild freeze latch manually (admin).
func (e Engine) SetFrozen(ctx context.Context, guildID string, frozen bool, actor Actor) error {
	cfg, err := e.Repo.GetGuildConfig(ctx, guildID)
	if err != nil {
		return err
	}
	if err := requireAdmin(cfg, actor); err != nil {
		return err
	}
	evtType := events.GuildUnfrozen
	if frozen {
		evtType = events.GuildFrozen
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetGuildFrozen(ctx, tx, guildID, frozen); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, guildID, "guild", guildID, actor.ID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SetWorkerState updates a worker's ban, penalty, or display name (admin).
func (e Engine) SetWorkerState(ctx context.Context, w domain.WorkerState, actor Actor) error {
	cfg, err := e.Repo.GetGuildConfig(ctx, w.GuildID)
	if err != nil {
		return err
	}
	if err := requireAdmin(cfg, actor); err != nil {
		return err
	}
	if err := e.Repo.UpsertWorkerState(ctx, w); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.WorkerUpdated, w.GuildID, "worker", w.UserID, actor.ID, events.EventPayload{
		"banned": w.IsBanned,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) defaultMode() string {
	if e.Config != nil && e.Config.GuildDefaults.Mode != "" {
		return e.Config.GuildDefaults.Mode
	}
	return domain.ModeSelfService
}

func (e Engine) defaultTimezone() string {
	if e.Config != nil && e.Config.GuildDefaults.Timezone != "" {
		return e.Config.GuildDefaults.Timezone
	}
	return "UTC"
}
