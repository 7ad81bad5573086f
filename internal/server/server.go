package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"clockline/internal/app"
	"clockline/internal/domain"
	"clockline/internal/engine"
	"clockline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_active"`
	Message string         `json:"message" example:"worker already has an open session"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Clockline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope shape.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Clockline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	limiter := newRateLimiter(3*time.Second, cfg.Engine.Now)

	registerHealth(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	registerGuilds(group, cfg.Engine)
	registerSessions(group, cfg.Engine, limiter)
	registerWorkers(group, cfg.Engine)
	registerPayroll(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var pe engine.PenaltyError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusForbidden, "penalty_active", err.Error(), map[string]any{
			"until": pe.Until.UTC().Format(time.RFC3339),
		})
	}
	switch {
	case errors.Is(err, engine.ErrAlreadyActive):
		return newAPIError(http.StatusConflict, "already_active", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyPaused):
		return newAPIError(http.StatusConflict, "already_paused", err.Error(), nil)
	case errors.Is(err, engine.ErrNotPaused):
		return newAPIError(http.StatusConflict, "not_paused", err.Error(), nil)
	case errors.Is(err, engine.ErrFrozen):
		return newAPIError(http.StatusLocked, "frozen", err.Error(), nil)
	case errors.Is(err, engine.ErrBanned):
		return newAPIError(http.StatusForbidden, "banned", err.Error(), nil)
	case errors.Is(err, engine.ErrPermissionDenied):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, engine.ErrNotActive):
		return newAPIError(http.StatusNotFound, "no_active_session", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidAdjustment):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_adjustment", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusLocked:
		return "frozen"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func actorFromRequest(ctx context.Context) (engine.Actor, huma.StatusError) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return engine.Actor{}, authErr
	}
	return engine.Actor{ID: principal.ActorID, Roles: principal.Roles}, nil
}

// rateLimiter enforces a per-actor cooldown on clock-in/out, the same
// anti-spam guard the chat frontends apply to their buttons.
type rateLimiter struct {
	mu       sync.Mutex
	last     map[string]time.Time
	cooldown time.Duration
	now      func() time.Time
}

func newRateLimiter(cooldown time.Duration, now func() time.Time) *rateLimiter {
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{last: map[string]time.Time{}, cooldown: cooldown, now: now}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.cooldown {
		return false
	}
	l.last[key] = now
	return true
}

func requireCooldown(l *rateLimiter, actorID string) huma.StatusError {
	if l == nil || l.allow(actorID) {
		return nil
	}
	return newAPIError(http.StatusTooManyRequests, "rate_limited", "slow down", nil)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		body := map[string]string{"status": "ok"}
		if err := e.DB.PingContext(ctx); err != nil {
			body["status"] = "degraded"
			body["db"] = err.Error()
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: body}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Service status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		guilds, err := e.Repo.CountGuilds(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		open, err := e.Repo.CountOpenSessions(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"guilds":        guilds,
			"open_sessions": open,
		}}, nil
	})
}

func registerGuilds(api huma.API, e engine.Engine) {
	type guildPath struct {
		GuildID string `path:"guild_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-guild-config",
		Method:      http.MethodGet,
		Path:        "/guilds/{guild_id}/config",
		Summary:     "Get guild configuration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *guildPath) (*struct {
		Body GuildConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetGuildConfig(ctx, input.GuildID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GuildConfigResponse `json:"body"`
		}{Body: guildConfigResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "configure-guild",
		Method:      http.MethodPut,
		Path:        "/guilds/{guild_id}/config",
		Summary:     "Configure guild",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		GuildID string             `path:"guild_id"`
		Body    GuildConfigRequest `json:"body"`
	}) (*struct {
		Body GuildConfigResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// First configuration bootstraps the guild; afterwards only admins
		// may change it.
		existing, err := e.Repo.GetGuildConfig(ctx, input.GuildID)
		if err == nil {
			if !actor.IsAdmin(existing) {
				return nil, handleError(engine.ErrPermissionDenied)
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		cut := input.Body.AutoCut
		if cut == nil && input.Body.AutoCutSpec != "" {
			cut, err = engine.ParseAutoCut(input.Body.AutoCutSpec)
			if err != nil {
				return nil, handleError(err)
			}
		}
		cfg := domain.GuildConfig{
			GuildID:    input.GuildID,
			Mode:       input.Body.Mode,
			Timezone:   input.Body.Timezone,
			AdminRoles: input.Body.AdminRoles,
			RoleRules:  input.Body.RoleRules,
			AutoCut:    cut,
			IsFrozen:   existing.IsFrozen,
		}
		saved, err := e.ConfigureGuild(ctx, cfg, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GuildConfigResponse `json:"body"`
		}{Body: guildConfigResponse(saved)}, nil
	})

	freeze := func(frozen bool) func(ctx context.Context, input *guildPath) (*struct {
		Body GuildConfigResponse `json:"body"`
	}, error) {
		return func(ctx context.Context, input *guildPath) (*struct {
			Body GuildConfigResponse `json:"body"`
		}, error) {
			actor, authErr := actorFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := e.SetFrozen(ctx, input.GuildID, frozen, actor); err != nil {
				return nil, handleError(err)
			}
			cfg, err := e.Repo.GetGuildConfig(ctx, input.GuildID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body GuildConfigResponse `json:"body"`
			}{Body: guildConfigResponse(cfg)}, nil
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "freeze-guild",
		Method:      http.MethodPost,
		Path:        "/guilds/{guild_id}/freeze",
		Summary:     "Freeze guild",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, freeze(true))
	huma.Register(api, huma.Operation{
		OperationID: "unfreeze-guild",
		Method:      http.MethodPost,
		Path:        "/guilds/{guild_id}/unfreeze",
		Summary:     "Unfreeze guild",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, freeze(false))
}

func registerSessions(api huma.API, e engine.Engine, limiter *rateLimiter) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/guilds/{guild_id}/sessions/start",
		Summary:       "Clock a worker in",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusLocked,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		GuildID string              `path:"guild_id"`
		Body    StartSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if rlErr := requireCooldown(limiter, actor.ID); rlErr != nil {
			return nil, rlErr
		}
		if _, err := app.ResolveGuild(ctx, input.GuildID, e.Config, e.Repo); err != nil {
			return nil, handleError(err)
		}
		userID := input.Body.UserID
		if userID == "" {
			userID = actor.ID
		}
		s, err := e.Start(ctx, engine.StartOptions{
			GuildID:     input.GuildID,
			UserID:      userID,
			StartedBy:   actor,
			TargetRoles: input.Body.TargetRoles,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-session",
		Method:      http.MethodPost,
		Path:        "/guilds/{guild_id}/sessions/stop",
		Summary:     "Clock the caller out",
		Errors:      []int{http.StatusNotFound, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		GuildID string `path:"guild_id"`
	}) (*struct {
		Body StopSessionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if rlErr := requireCooldown(limiter, actor.ID); rlErr != nil {
			return nil, rlErr
		}
		s, dur, err := e.Stop(ctx, input.GuildID, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		total, err := e.TotalFor(ctx, input.GuildID, actor.ID, false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StopSessionResponse `json:"body"`
		}{Body: StopSessionResponse{
			Session:    sessionResponse(s),
			DurationMs: dur.Milliseconds(),
			TotalMs:    total,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "force-close-session",
		Method:      http.MethodPost,
		Path:        "/guilds/{guild_id}/sessions/force-close",
		Summary:     "Force-close a worker's session",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GuildID string            `path:"guild_id"`
		Body    TargetUserRequest `json:"body"`
	}) (*struct {
		Body StopSessionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		s, dur, err := e.ForceClose(ctx, input.GuildID, input.Body.UserID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		total, err := e.TotalFor(ctx, input.GuildID, input.Body.UserID, false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StopSessionResponse `json:"body"`
		}{Body: StopSessionResponse{
			Session:    sessionResponse(s),
			DurationMs: dur.Milliseconds(),
			TotalMs:    total,
		}}, nil
	})

	pauseResume := func(pause bool) func(ctx context.Context, input *struct {
		GuildID string            `path:"guild_id"`
		Body    TargetUserRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		return func(ctx context.Context, input *struct {
			GuildID string            `path:"guild_id"`
			Body    TargetUserRequest `json:"body"`
		}) (*struct {
			Body SessionResponse `json:"body"`
		}, error) {
			actor, authErr := actorFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if input.Body.UserID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
			}
			var s domain.WorkSession
			var err error
			if pause {
				s, err = e.Pause(ctx, input.GuildID, input.Body.UserID, actor)
			} else {
				s, err = e.Resume(ctx, input.GuildID, input.Body.UserID, actor)
			}
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body SessionResponse `json:"body"`
			}{Body: sessionResponse(s)}, nil
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "pause-session",
		Method:      http.MethodPost,
		Path:        "/guilds/{guild_id}/sessions/pause",
		Summary:     "Pause a worker's session",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, pauseResume(true))
	huma.Register(api, huma.Operation{
		OperationID: "resume-session",
		Method:      http.MethodPost,
		Path:        "/guilds/{guild_id}/sessions/resume",
		Summary:     "Resume a worker's session",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, pauseResume(false))

	huma.Register(api, huma.Operation{
		OperationID: "cancel-session",
		Method:      http.MethodPost,
		Path:        "/guilds/{guild_id}/sessions/cancel",
		Summary:     "Cancel a worker's session without recording time",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GuildID string            `path:"guild_id"`
		Body    TargetUserRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		if err := e.Cancel(ctx, input.GuildID, input.Body.UserID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "cancelled"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transfer-session",
		Method:      http.MethodPost,
		Path:        "/guilds/{guild_id}/sessions/transfer",
		Summary:     "Transfer a session to a new supervisor",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		GuildID string          `path:"guild_id"`
		Body    TransferRequest `json:"body"`
	}) (*struct {
		Body TransferResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.UserID == "" || input.Body.NewStartedBy == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id and new_started_by are required", nil)
		}
		closed, opened, err := e.Transfer(ctx, input.GuildID, input.Body.UserID, input.Body.NewStartedBy, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransferResponse `json:"body"`
		}{Body: TransferResponse{
			Closed: sessionResponse(closed),
			Opened: sessionResponse(opened),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-sessions",
		Method:      http.MethodGet,
		Path:        "/guilds/{guild_id}/sessions/active",
		Summary:     "List open sessions with live elapsed time",
	}, func(ctx context.Context, input *struct {
		GuildID string `path:"guild_id"`
	}) (*struct {
		Body []ActiveSessionResponse `json:"body"`
	}, error) {
		rows, err := e.ActiveSessions(ctx, input.GuildID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ActiveSessionResponse, 0, len(rows))
		for _, r := range rows {
			out = append(out, ActiveSessionResponse{Session: sessionResponse(r.Session), ElapsedMs: r.ElapsedMs})
		}
		return &struct {
			Body []ActiveSessionResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerWorkers(api huma.API, e engine.Engine) {
	type workerPath struct {
		GuildID string `path:"guild_id"`
		UserID  string `path:"user_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "worker-total",
		Method:      http.MethodGet,
		Path:        "/guilds/{guild_id}/workers/{user_id}/total",
		Summary:     "Total accumulated time for a worker",
	}, func(ctx context.Context, input *struct {
		GuildID       string `path:"guild_id"`
		UserID        string `path:"user_id"`
		IncludeActive bool   `query:"include_active"`
	}) (*struct {
		Body TotalResponse `json:"body"`
	}, error) {
		total, err := e.TotalFor(ctx, input.GuildID, input.UserID, input.IncludeActive)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TotalResponse `json:"body"`
		}{Body: TotalResponse{UserID: input.UserID, GuildID: input.GuildID, TotalMs: total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "worker-history",
		Method:      http.MethodGet,
		Path:        "/guilds/{guild_id}/workers/{user_id}/history",
		Summary:     "Closed session history with running totals",
	}, func(ctx context.Context, input *workerPath) (*struct {
		Body []HistoryRowResponse `json:"body"`
	}, error) {
		rows, err := e.HistoryReport(ctx, input.GuildID, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]HistoryRowResponse, 0, len(rows))
		for _, r := range rows {
			out = append(out, HistoryRowResponse{
				Session:        sessionResponse(r.Session),
				DurationMs:     r.DurationMs,
				StartedByLabel: r.StartedByLabel,
				RunningTotalMs: r.RunningTotalMs,
			})
		}
		return &struct {
			Body []HistoryRowResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-history",
		Method:      http.MethodPost,
		Path:        "/guilds/{guild_id}/workers/{user_id}/adjust",
		Summary:     "Apply a signed minute correction to the latest closed session",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		GuildID string        `path:"guild_id"`
		UserID  string        `path:"user_id"`
		Body    AdjustRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.AdjustHistory(ctx, input.GuildID, input.UserID, input.Body.DeltaMinutes, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "payroll-reset",
		Method:      http.MethodPost,
		Path:        "/guilds/{guild_id}/workers/{user_id}/payroll-reset",
		Summary:     "Delete a worker's closed sessions after payout",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *workerPath) (*struct {
		Body PayrollResetResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		deleted, err := e.PayrollReset(ctx, input.GuildID, input.UserID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PayrollResetResponse `json:"body"`
		}{Body: PayrollResetResponse{UserID: input.UserID, Deleted: deleted}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-worker-state",
		Method:      http.MethodPut,
		Path:        "/guilds/{guild_id}/workers/{user_id}/state",
		Summary:     "Update a worker's ban, penalty, or display name",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GuildID string             `path:"guild_id"`
		UserID  string             `path:"user_id"`
		Body    WorkerStateRequest `json:"body"`
	}) (*struct {
		Body domain.WorkerState `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w := domain.WorkerState{
			GuildID:      input.GuildID,
			UserID:       input.UserID,
			DisplayName:  input.Body.DisplayName,
			IsBanned:     input.Body.IsBanned,
			PenaltyUntil: input.Body.PenaltyUntil,
		}
		if err := e.SetWorkerState(ctx, w, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkerState `json:"body"`
		}{Body: w}, nil
	})
}

func registerPayroll(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "payroll-listing",
		Method:      http.MethodGet,
		Path:        "/guilds/{guild_id}/payroll",
		Summary:     "Aggregate payroll listing, highest total first",
	}, func(ctx context.Context, input *struct {
		GuildID string `path:"guild_id"`
	}) (*struct {
		Body []domain.PayrollEntry `json:"body"`
	}, error) {
		listing, err := e.PayrollListing(ctx, input.GuildID)
		if err != nil {
			return nil, handleError(err)
		}
		if listing == nil {
			listing = []domain.PayrollEntry{}
		}
		return &struct {
			Body []domain.PayrollEntry `json:"body"`
		}{Body: listing}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/guilds/{guild_id}/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		GuildID    string `path:"guild_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"session,guild,worker"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.GuildID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		raw := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:      uuid.NewString(),
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(raw),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     raw,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "deleted"}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
