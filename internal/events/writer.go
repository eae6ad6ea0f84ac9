package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends to the agent_events log. The log is append-only; the
// trigger evaluator and reaction queue read from it, nothing rewrites it.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one event inside the caller's transaction and returns its ID.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, agentID, eventType string, missionID, stepID string, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO agent_events(agent_id,event_type,event_data,mission_id,step_id,created_at) VALUES (?,?,?,?,?,?)`,
		agentID, eventType, string(data), nullable(missionID), nullable(stepID), ts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
