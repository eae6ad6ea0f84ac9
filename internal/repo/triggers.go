package repo

import (
	"context"
	"database/sql"

	"opsline/internal/domain"
)

const triggerCols = `id,name,condition_json,cooldown_seconds,action_json,enabled,last_triggered,created_at`

func scanTrigger(scan func(dest ...any) error) (domain.Trigger, error) {
	var t domain.Trigger
	var enabled int
	var lastTriggered sql.NullString
	err := scan(&t.ID, &t.Name, &t.ConditionJSON, &t.CooldownSeconds, &t.ActionJSON, &enabled, &lastTriggered, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Enabled = enabled == 1
	if lastTriggered.Valid {
		t.LastTriggered = &lastTriggered.String
	}
	return t, nil
}

func (r Repo) InsertTrigger(ctx context.Context, t domain.Trigger) error {
	enabled := 0
	if t.Enabled {
		enabled = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO triggers(id,name,condition_json,cooldown_seconds,action_json,enabled,last_triggered,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.ConditionJSON, t.CooldownSeconds, t.ActionJSON, enabled, nullableStringPtr(t.LastTriggered), t.CreatedAt)
	return err
}

func (r Repo) GetTrigger(ctx context.Context, id string) (domain.Trigger, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+triggerCols+` FROM triggers WHERE id=?`, id)
	return scanTrigger(row.Scan)
}

func (r Repo) GetTriggerByName(ctx context.Context, name string) (domain.Trigger, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+triggerCols+` FROM triggers WHERE name=?`, name)
	return scanTrigger(row.Scan)
}

func (r Repo) ListTriggers(ctx context.Context, enabledOnly bool) ([]domain.Trigger, error) {
	query := `SELECT ` + triggerCols + ` FROM triggers`
	if enabledOnly {
		query += ` WHERE enabled=1`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) SetTriggerEnabled(ctx context.Context, id string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE triggers SET enabled=? WHERE id=?`, v, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTriggerFired advances last_triggered with a compare-and-set on the
// value the evaluator observed. Two overlapping heartbeats can both see a
// trigger as out of cooldown; only the one whose expected value still holds
// wins, so a trigger fires at most once per cooldown window.
func (r Repo) MarkTriggerFired(ctx context.Context, id string, expected *string, now string) (bool, error) {
	var res sql.Result
	var err error
	if expected == nil {
		res, err = r.DB.ExecContext(ctx, `UPDATE triggers SET last_triggered=? WHERE id=? AND last_triggered IS NULL`, now, id)
	} else {
		res, err = r.DB.ExecContext(ctx, `UPDATE triggers SET last_triggered=? WHERE id=? AND last_triggered=?`, now, id, *expected)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) DeleteTrigger(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM triggers WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
