package repo

import (
	"context"
	"database/sql"

	"clockline/internal/domain"
)

const sessionCols = `id,guild_id,user_id,started_by,start_ms,end_ms,is_paused,pause_start_ms,total_paused_ms,manual_adjustment_ms`

func scanSession(scan func(dest ...any) error) (domain.WorkSession, error) {
	var s domain.WorkSession
	var startMs int64
	var endMs, pauseStartMs sql.NullInt64
	var paused int
	err := scan(&s.ID, &s.GuildID, &s.UserID, &s.StartedBy, &startMs, &endMs, &paused, &pauseStartMs, &s.TotalPausedMs, &s.ManualAdjustmentMs)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.StartTime = timeFromMs(startMs)
	s.EndTime = timePtrFromNull(endMs)
	s.IsPaused = paused != 0
	s.PauseStartTime = timePtrFromNull(pauseStartMs)
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.WorkSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_sessions(`+sessionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.GuildID, s.UserID, s.StartedBy, s.StartTime.UnixMilli(), msOrNil(s.EndTime),
		boolToInt(s.IsPaused), msOrNil(s.PauseStartTime), s.TotalPausedMs, s.ManualAdjustmentMs)
	return err
}

// UpdateSession saves the mutable accounting fields of a session.
func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.WorkSession) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_sessions SET end_ms=?, is_paused=?, pause_start_ms=?, total_paused_ms=?, manual_adjustment_ms=? WHERE id=?`,
		msOrNil(s.EndTime), boolToInt(s.IsPaused), msOrNil(s.PauseStartTime), s.TotalPausedMs, s.ManualAdjustmentMs, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.WorkSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM work_sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

// FindOpenByUser returns the user's open session, if any.
func (r Repo) FindOpenByUser(ctx context.Context, guildID, userID string) (domain.WorkSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM work_sessions WHERE guild_id=? AND user_id=? AND end_ms IS NULL`, guildID, userID)
	return scanSession(row.Scan)
}

// ListOpenByGuild returns all open sessions for a guild ordered by start time.
func (r Repo) ListOpenByGuild(ctx context.Context, guildID string) ([]domain.WorkSession, error) {
	return r.querySessions(ctx, `SELECT `+sessionCols+` FROM work_sessions WHERE guild_id=? AND end_ms IS NULL ORDER BY start_ms ASC, id ASC`, guildID)
}

// ListClosedByUser returns a user's closed sessions ordered by start time.
func (r Repo) ListClosedByUser(ctx context.Context, guildID, userID string) ([]domain.WorkSession, error) {
	return r.querySessions(ctx, `SELECT `+sessionCols+` FROM work_sessions WHERE guild_id=? AND user_id=? AND end_ms IS NOT NULL ORDER BY start_ms ASC, id ASC`, guildID, userID)
}

// ListClosedByGuild returns all closed sessions in a guild, for payroll aggregation.
func (r Repo) ListClosedByGuild(ctx context.Context, guildID string) ([]domain.WorkSession, error) {
	return r.querySessions(ctx, `SELECT `+sessionCols+` FROM work_sessions WHERE guild_id=? AND end_ms IS NOT NULL ORDER BY user_id ASC, start_ms ASC`, guildID)
}

// LatestClosedByUser returns the most recently closed session for a user.
func (r Repo) LatestClosedByUser(ctx context.Context, guildID, userID string) (domain.WorkSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM work_sessions WHERE guild_id=? AND user_id=? AND end_ms IS NOT NULL ORDER BY end_ms DESC, id DESC LIMIT 1`, guildID, userID)
	return scanSession(row.Scan)
}

func (r Repo) DeleteSession(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM work_sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteClosedByUser removes all closed sessions for a user and returns the count.
func (r Repo) DeleteClosedByUser(ctx context.Context, tx *sql.Tx, guildID, userID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM work_sessions WHERE guild_id=? AND user_id=? AND end_ms IS NOT NULL`, guildID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountOpenSessions returns the number of open sessions, optionally per guild.
func (r Repo) CountOpenSessions(ctx context.Context, guildID string) (int, error) {
	query := `SELECT count(*) FROM work_sessions WHERE end_ms IS NULL`
	var args []any
	if guildID != "" {
		query += ` AND guild_id=?`
		args = append(args, guildID)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (r Repo) querySessions(ctx context.Context, query string, args ...any) ([]domain.WorkSession, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkSession
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
