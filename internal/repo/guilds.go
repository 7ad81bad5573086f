package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"clockline/internal/domain"
)

const guildCols = `guild_id,mode,timezone,admin_roles_json,role_rules_json,auto_cut_day,auto_cut_time,is_frozen,created_at,updated_at`

func scanGuildConfig(scan func(dest ...any) error) (domain.GuildConfig, error) {
	var c domain.GuildConfig
	var adminRoles, roleRules, cutDay, cutTime sql.NullString
	var frozen int
	var createdAt, updatedAt string
	err := scan(&c.GuildID, &c.Mode, &c.Timezone, &adminRoles, &roleRules, &cutDay, &cutTime, &frozen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if adminRoles.Valid && adminRoles.String != "" {
		if err := json.Unmarshal([]byte(adminRoles.String), &c.AdminRoles); err != nil {
			return c, fmt.Errorf("decode admin roles: %w", err)
		}
	}
	if roleRules.Valid && roleRules.String != "" {
		if err := json.Unmarshal([]byte(roleRules.String), &c.RoleRules); err != nil {
			return c, fmt.Errorf("decode role rules: %w", err)
		}
	}
	if cutDay.Valid && cutDay.String != "" {
		c.AutoCut = &domain.AutoCut{Day: cutDay.String, Time: cutTime.String}
	}
	c.IsFrozen = frozen != 0
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return c, nil
}

func (r Repo) GetGuildConfig(ctx context.Context, guildID string) (domain.GuildConfig, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+guildCols+` FROM guild_configs WHERE guild_id=?`, guildID)
	return scanGuildConfig(row.Scan)
}

func (r Repo) UpsertGuildConfig(ctx context.Context, c domain.GuildConfig) error {
	return r.upsertGuildConfig(ctx, nil, c)
}

func (r Repo) UpsertGuildConfigTx(ctx context.Context, tx *sql.Tx, c domain.GuildConfig) error {
	return r.upsertGuildConfig(ctx, tx, c)
}

func (r Repo) upsertGuildConfig(ctx context.Context, tx *sql.Tx, c domain.GuildConfig) error {
	adminRoles, err := json.Marshal(c.AdminRoles)
	if err != nil {
		return err
	}
	roleRules, err := json.Marshal(c.RoleRules)
	if err != nil {
		return err
	}
	var cutDay, cutTime string
	if c.AutoCut != nil {
		cutDay, cutTime = c.AutoCut.Day, c.AutoCut.Time
	}
	now := time.Now().UTC().Format(time.RFC3339)
	created := c.CreatedAt.UTC().Format(time.RFC3339)
	if c.CreatedAt.IsZero() {
		created = now
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err = exec(ctx, `INSERT INTO guild_configs(`+guildCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(guild_id) DO UPDATE SET mode=excluded.mode, timezone=excluded.timezone,
admin_roles_json=excluded.admin_roles_json, role_rules_json=excluded.role_rules_json,
auto_cut_day=excluded.auto_cut_day, auto_cut_time=excluded.auto_cut_time,
is_frozen=excluded.is_frozen, updated_at=excluded.updated_at`,
		c.GuildID, c.Mode, c.Timezone, string(adminRoles), string(roleRules),
		nullable(cutDay), nullable(cutTime), boolToInt(c.IsFrozen), created, now)
	return err
}

// SetGuildFrozen flips the freeze latch.
func (r Repo) SetGuildFrozen(ctx context.Context, tx *sql.Tx, guildID string, frozen bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE guild_configs SET is_frozen=?, updated_at=? WHERE guild_id=?`, boolToInt(frozen), now, guildID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAutoCutGuilds returns guilds with a cutoff schedule that are not frozen.
func (r Repo) ListAutoCutGuilds(ctx context.Context) ([]domain.GuildConfig, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+guildCols+` FROM guild_configs WHERE auto_cut_day IS NOT NULL AND auto_cut_time IS NOT NULL AND is_frozen=0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GuildConfig
	for rows.Next() {
		c, err := scanGuildConfig(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) ListGuilds(ctx context.Context) ([]domain.GuildConfig, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+guildCols+` FROM guild_configs ORDER BY guild_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GuildConfig
	for rows.Next() {
		c, err := scanGuildConfig(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CountGuilds(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM guild_configs`).Scan(&n)
	return n, err
}
