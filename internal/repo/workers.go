package repo

import (
	"context"
	"database/sql"

	"clockline/internal/domain"
)

// GetWorkerState returns the worker's moderation state; a clean zero state
// when no row exists yet.
func (r Repo) GetWorkerState(ctx context.Context, guildID, userID string) (domain.WorkerState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT guild_id,user_id,display_name,is_banned,penalty_until_ms FROM worker_states WHERE guild_id=? AND user_id=?`, guildID, userID)
	var w domain.WorkerState
	var name sql.NullString
	var banned int
	var penaltyMs sql.NullInt64
	err := row.Scan(&w.GuildID, &w.UserID, &name, &banned, &penaltyMs)
	if err == sql.ErrNoRows {
		return domain.WorkerState{GuildID: guildID, UserID: userID}, nil
	}
	if err != nil {
		return w, err
	}
	w.DisplayName = name.String
	w.IsBanned = banned != 0
	w.PenaltyUntil = timePtrFromNull(penaltyMs)
	return w, nil
}

func (r Repo) UpsertWorkerState(ctx context.Context, w domain.WorkerState) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO worker_states(guild_id,user_id,display_name,is_banned,penalty_until_ms) VALUES (?,?,?,?,?)
ON CONFLICT(guild_id,user_id) DO UPDATE SET display_name=excluded.display_name, is_banned=excluded.is_banned, penalty_until_ms=excluded.penalty_until_ms`,
		w.GuildID, w.UserID, nullable(w.DisplayName), boolToInt(w.IsBanned), msOrNil(w.PenaltyUntil))
	return err
}

// DisplayNames returns the known display names for a guild keyed by user id.
func (r Repo) DisplayNames(ctx context.Context, guildID string) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id, display_name FROM worker_states WHERE guild_id=? AND display_name IS NOT NULL`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var userID string
		var name sql.NullString
		if err := rows.Scan(&userID, &name); err != nil {
			return nil, err
		}
		if name.String != "" {
			res[userID] = name.String
		}
	}
	return res, rows.Err()
}
