package repo

import (
	"context"
	"database/sql"
	"strings"

	"opsline/internal/domain"
)

const eventCols = `id,agent_id,event_type,event_data,mission_id,step_id,created_at`

func scanEvent(scan func(dest ...any) error) (domain.AgentEvent, error) {
	var e domain.AgentEvent
	var missionID, stepID sql.NullString
	err := scan(&e.ID, &e.AgentID, &e.EventType, &e.EventData, &missionID, &stepID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if missionID.Valid {
		e.MissionID = &missionID.String
	}
	if stepID.Valid {
		e.StepID = &stepID.String
	}
	return e, nil
}

func (r Repo) GetEvent(ctx context.Context, id int64) (domain.AgentEvent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventCols+` FROM agent_events WHERE id=?`, id)
	return scanEvent(row.Scan)
}

// EventsSince returns events created at or after the given instant, oldest
// first. The trigger evaluator scans it as its trailing window.
func (r Repo) EventsSince(ctx context.Context, since string) ([]domain.AgentEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM agent_events WHERE created_at >= ? ORDER BY id ASC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentEvent
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type EventFilters struct {
	EventType string
	MissionID string
	Cursor    int64
	Limit     int
}

// LatestEvents returns events newest first, optionally filtered and paged by
// a descending ID cursor.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.AgentEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.MissionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := `SELECT ` + eventCols + ` FROM agent_events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentEvent
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order. The webhook dispatcher tails the log with it.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.AgentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM agent_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentEvent
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM agent_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
