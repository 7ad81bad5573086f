package server

import (
	"time"

	"clockline/internal/domain"
)

type GuildConfigRequest struct {
	Mode       string              `json:"mode,omitempty" enum:"self_service,supervised,hybrid"`
	Timezone   string              `json:"timezone,omitempty"`
	AdminRoles []string            `json:"admin_roles,omitempty"`
	RoleRules  map[string][]string `json:"role_rules,omitempty"`
	AutoCut    *domain.AutoCut     `json:"auto_cut,omitempty"`
	// AutoCutSpec is the "<day> <HH:MM>" shorthand; ignored when AutoCut is set.
	AutoCutSpec string `json:"auto_cut_spec,omitempty"`
}

type GuildConfigResponse struct {
	GuildID    string              `json:"guild_id"`
	Mode       string              `json:"mode"`
	Timezone   string              `json:"timezone"`
	AdminRoles []string            `json:"admin_roles,omitempty"`
	RoleRules  map[string][]string `json:"role_rules,omitempty"`
	AutoCut    *domain.AutoCut     `json:"auto_cut,omitempty"`
	IsFrozen   bool                `json:"is_frozen"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

func guildConfigResponse(c domain.GuildConfig) GuildConfigResponse {
	return GuildConfigResponse{
		GuildID:    c.GuildID,
		Mode:       c.Mode,
		Timezone:   c.Timezone,
		AdminRoles: c.AdminRoles,
		RoleRules:  c.RoleRules,
		AutoCut:    c.AutoCut,
		IsFrozen:   c.IsFrozen,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

type StartSessionRequest struct {
	UserID      string   `json:"user_id,omitempty"`
	TargetRoles []string `json:"target_roles,omitempty"`
}

type TargetUserRequest struct {
	UserID string `json:"user_id,omitempty"`
}

type TransferRequest struct {
	UserID       string `json:"user_id"`
	NewStartedBy string `json:"new_started_by"`
}

type AdjustRequest struct {
	DeltaMinutes int64 `json:"delta_minutes"`
}

type WorkerStateRequest struct {
	DisplayName  string     `json:"display_name,omitempty"`
	IsBanned     bool       `json:"is_banned"`
	PenaltyUntil *time.Time `json:"penalty_until,omitempty"`
}

type SessionResponse struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	GuildID            string     `json:"guild_id"`
	StartedBy          string     `json:"started_by"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	IsPaused           bool       `json:"is_paused"`
	TotalPausedMs      int64      `json:"total_paused_ms"`
	ManualAdjustmentMs int64      `json:"manual_adjustment_ms"`
}

func sessionResponse(s domain.WorkSession) SessionResponse {
	return SessionResponse{
		ID:                 s.ID,
		UserID:             s.UserID,
		GuildID:            s.GuildID,
		StartedBy:          s.StartedBy,
		StartTime:          s.StartTime,
		EndTime:            s.EndTime,
		IsPaused:           s.IsPaused,
		TotalPausedMs:      s.TotalPausedMs,
		ManualAdjustmentMs: s.ManualAdjustmentMs,
	}
}

type StopSessionResponse struct {
	Session    SessionResponse `json:"session"`
	DurationMs int64           `json:"duration_ms"`
	TotalMs    int64           `json:"total_ms"`
}

type TransferResponse struct {
	Closed SessionResponse `json:"closed"`
	Opened SessionResponse `json:"opened"`
}

type ActiveSessionResponse struct {
	Session   SessionResponse `json:"session"`
	ElapsedMs int64           `json:"elapsed_ms"`
}

type TotalResponse struct {
	UserID  string `json:"user_id"`
	GuildID string `json:"guild_id"`
	TotalMs int64  `json:"total_ms"`
}

type HistoryRowResponse struct {
	Session        SessionResponse `json:"session"`
	DurationMs     int64           `json:"duration_ms"`
	StartedByLabel string          `json:"started_by_label"`
	RunningTotalMs int64           `json:"running_total_ms"`
}

type PayrollResetResponse struct {
	UserID  string `json:"user_id"`
	Deleted int64  `json:"deleted"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	GuildID    string `json:"guild_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		GuildID:    e.GuildID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is only returned at creation time; the server stores a hash.
	Key string `json:"key"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}
