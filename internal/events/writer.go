package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine and the cutoff sweeper.
const (
	SessionStarted     = "session.started"
	SessionStopped     = "session.stopped"
	SessionPaused      = "session.paused"
	SessionResumed     = "session.resumed"
	SessionCancelled   = "session.cancelled"
	SessionTransferred = "session.transferred"
	SessionAdjusted    = "session.adjusted"
	GuildConfigured    = "guild.configured"
	GuildFrozen        = "guild.frozen"
	GuildUnfrozen      = "guild.unfrozen"
	GuildCutoff        = "guild.cutoff"
	PayrollReset       = "payroll.reset"
	WorkerUpdated      = "worker.updated"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, guildID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,guild_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(guildID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
