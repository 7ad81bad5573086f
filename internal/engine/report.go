package engine

import (
	"context"
	"errors"
	"sort"

	"clockline/internal/domain"
	"clockline/internal/events"
	"clockline/internal/repo"
)

// SelfServiceLabel marks history rows where the worker clocked in themselves.
const SelfServiceLabel = "self-service"

// TotalFor sums the durations of a worker's closed sessions, optionally adding
// the live duration of an open one. The result is clamped at zero so
// over-aggressive negative adjustments never surface as negative pay.
func (e Engine) TotalFor(ctx context.Context, guildID, userID string, includeActive bool) (int64, error) {
	sessions, err := e.Repo.ListClosedByUser(ctx, guildID, userID)
	if err != nil {
		return 0, err
	}
	now := e.now()
	var total int64
	for _, s := range sessions {
		total += DurationMs(s, now)
	}
	if includeActive {
		open, err := e.Repo.FindOpenByUser(ctx, guildID, userID)
		if err == nil {
			total += DurationMs(open, now)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return 0, err
		}
	}
	if total < 0 {
		total = 0
	}
	return total, nil
}

// PayrollListing aggregates closed sessions per worker, drops non-positive
// totals, and sorts descending by total (user id breaks ties for a stable
// order). Read-only.
func (e Engine) PayrollListing(ctx context.Context, guildID string) ([]domain.PayrollEntry, error) {
	sessions, err := e.Repo.ListClosedByGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	totals := map[string]*domain.PayrollEntry{}
	for _, s := range sessions {
		entry, ok := totals[s.UserID]
		if !ok {
			entry = &domain.PayrollEntry{UserID: s.UserID}
			totals[s.UserID] = entry
		}
		entry.TotalMs += DurationMs(s, now)
		entry.Sessions++
	}
	names, err := e.Repo.DisplayNames(ctx, guildID)
	if err != nil {
		return nil, err
	}
	var listing []domain.PayrollEntry
	for _, entry := range totals {
		if entry.TotalMs <= 0 {
			continue
		}
		entry.DisplayName = names[entry.UserID]
		listing = append(listing, *entry)
	}
	sort.Slice(listing, func(i, j int) bool {
		if listing[i].TotalMs != listing[j].TotalMs {
			return listing[i].TotalMs > listing[j].TotalMs
		}
		return listing[i].UserID < listing[j].UserID
	})
	return listing, nil
}

// PayrollReset deletes all closed sessions for a worker, marking them paid.
// Open sessions are untouched. Returns the number of sessions removed.
func (e Engine) PayrollReset(ctx context.Context, guildID, userID string, actor Actor) (int64, error) {
	cfg, err := e.Repo.GetGuildConfig(ctx, guildID)
	if err != nil {
		return 0, err
	}
	if err := requireAdmin(cfg, actor); err != nil {
		return 0, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	deleted, err := e.Repo.DeleteClosedByUser(ctx, tx, guildID, userID)
	if err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, events.PayrollReset, guildID, "worker", userID, actor.ID, events.EventPayload{
		"deleted": deleted,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

// HistoryReport returns a worker's closed sessions ordered by start time with
// per-row durations, startedBy labels, and a running grand total. Rendering
// (PDF, table, embed) is the caller's concern.
func (e Engine) HistoryReport(ctx context.Context, guildID, userID string) ([]domain.HistoryRow, error) {
	sessions, err := e.Repo.ListClosedByUser(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	names, err := e.Repo.DisplayNames(ctx, guildID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var running int64
	rows := make([]domain.HistoryRow, 0, len(sessions))
	for _, s := range sessions {
		dur := DurationMs(s, now)
		running += dur
		label := SelfServiceLabel
		if !s.SelfService() {
			label = names[s.StartedBy]
			if label == "" {
				label = s.StartedBy
			}
		}
		rows = append(rows, domain.HistoryRow{
			Session:        s,
			DurationMs:     dur,
			StartedByLabel: label,
			RunningTotalMs: running,
		})
	}
	return rows, nil
}

// ActiveSessions returns the guild's open sessions with live elapsed time,
// the feed behind a presence dashboard.
func (e Engine) ActiveSessions(ctx context.Context, guildID string) ([]domain.ActiveSession, error) {
	sessions, err := e.Repo.ListOpenByGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	rows := make([]domain.ActiveSession, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, domain.ActiveSession{Session: s, ElapsedMs: DurationMs(s, now)})
	}
	return rows, nil
}
