package domain

import "time"

// WorkSession is one attributable interval of work for a user in a guild.
// EndTime nil means the session is open. StartedBy differs from UserID for
// supervisor-initiated sessions.
type WorkSession struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	GuildID            string     `json:"guild_id"`
	StartedBy          string     `json:"started_by"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	IsPaused           bool       `json:"is_paused"`
	PauseStartTime     *time.Time `json:"pause_start_time,omitempty"`
	TotalPausedMs      int64      `json:"total_paused_ms"`
	ManualAdjustmentMs int64      `json:"manual_adjustment_ms"`
}

// Open reports whether the session is still running or paused.
func (s WorkSession) Open() bool { return s.EndTime == nil }

// SelfService reports whether the worker opened the session themselves.
func (s WorkSession) SelfService() bool { return s.StartedBy == s.UserID }

// Guild operating modes.
const (
	ModeSelfService = "self_service"
	ModeSupervised  = "supervised"
	ModeHybrid      = "hybrid"
)

// AutoCut is an optional weekly cutoff schedule in the guild's timezone.
type AutoCut struct {
	Day  string `json:"day"`
	Time string `json:"time"`
}

// GuildConfig holds per-guild settings consumed by the lifecycle engine.
// RoleRules maps a starter role to the target roles it may clock in.
type GuildConfig struct {
	GuildID    string              `json:"guild_id"`
	Mode       string              `json:"mode" enum:"self_service,supervised,hybrid"`
	Timezone   string              `json:"timezone"`
	AdminRoles []string            `json:"admin_roles,omitempty"`
	RoleRules  map[string][]string `json:"role_rules,omitempty"`
	AutoCut    *AutoCut            `json:"auto_cut,omitempty"`
	IsFrozen   bool                `json:"is_frozen"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// SelfServiceAllowed reports whether workers may start their own sessions.
func (c GuildConfig) SelfServiceAllowed() bool {
	return c.Mode == ModeSelfService || c.Mode == ModeHybrid
}

// SupervisedAllowed reports whether sessions may be started on behalf of others.
func (c GuildConfig) SupervisedAllowed() bool {
	return c.Mode == ModeSupervised || c.Mode == ModeHybrid
}

// WorkerState is per-(user, guild) moderation and display state.
type WorkerState struct {
	UserID       string     `json:"user_id"`
	GuildID      string     `json:"guild_id"`
	DisplayName  string     `json:"display_name,omitempty"`
	IsBanned     bool       `json:"is_banned"`
	PenaltyUntil *time.Time `json:"penalty_until,omitempty"`
}

// PayrollEntry is one row of a guild payroll listing.
type PayrollEntry struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	TotalMs     int64  `json:"total_ms"`
	Sessions    int    `json:"sessions"`
}

// HistoryRow annotates a closed session for reporting. StartedByLabel is the
// supervisor's display name, or "self-service" when the worker clocked in
// themselves. RunningTotalMs accumulates over the ordered report.
type HistoryRow struct {
	Session        WorkSession `json:"session"`
	DurationMs     int64       `json:"duration_ms"`
	StartedByLabel string      `json:"started_by_label"`
	RunningTotalMs int64       `json:"running_total_ms"`
}

// ActiveSession is a live dashboard row for an open session.
type ActiveSession struct {
	Session   WorkSession `json:"session"`
	ElapsedMs int64       `json:"elapsed_ms"`
}

// Event is one audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	GuildID    string `json:"guild_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey grants HTTP API access as an actor.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
