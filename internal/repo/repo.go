package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"opsline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const missionCols = `id,proposal_id,title,status,step_count,completed_count,failed_count,created_at,finalized_at`

func scanMission(scan func(dest ...any) error) (domain.Mission, error) {
	var m domain.Mission
	var finalized sql.NullString
	err := scan(&m.ID, &m.ProposalID, &m.Title, &m.Status, &m.StepCount, &m.CompletedCount, &m.FailedCount, &m.CreatedAt, &finalized)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if finalized.Valid {
		m.FinalizedAt = &finalized.String
	}
	return m, nil
}

func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(id,proposal_id,title,status,step_count,completed_count,failed_count,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.ProposalID, m.Title, m.Status, m.StepCount, m.CompletedCount, m.FailedCount, m.CreatedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

type MissionFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + missionCols + ` FROM missions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// FinalizeMissionTx writes the derived mission status and counts. The guard
// on finalized_at keeps finalization idempotent under concurrent callers.
func (r Repo) FinalizeMissionTx(ctx context.Context, tx *sql.Tx, id, status string, completed, failed int, finalizedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET status=?, completed_count=?, failed_count=?, finalized_at=? WHERE id=? AND finalized_at IS NULL`,
		status, completed, failed, finalizedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

const stepCols = `id,mission_id,step_kind,step_order,status,reserved_by,reserved_at,started_at,completed_at,result,error,created_at`

func scanStep(scan func(dest ...any) error) (domain.MissionStep, error) {
	var s domain.MissionStep
	var reservedBy, reservedAt, startedAt, completedAt, result, stepErr sql.NullString
	err := scan(&s.ID, &s.MissionID, &s.StepKind, &s.StepOrder, &s.Status, &reservedBy, &reservedAt, &startedAt, &completedAt, &result, &stepErr, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if reservedBy.Valid {
		s.ReservedBy = &reservedBy.String
	}
	if reservedAt.Valid {
		s.ReservedAt = &reservedAt.String
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	if result.Valid {
		s.Result = result.String
	}
	if stepErr.Valid {
		s.Error = stepErr.String
	}
	return s, nil
}

func (r Repo) InsertStepTx(ctx context.Context, tx *sql.Tx, s domain.MissionStep) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO mission_steps(id,mission_id,step_kind,step_order,status,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.MissionID, s.StepKind, s.StepOrder, s.Status, s.CreatedAt)
	return err
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.MissionStep, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stepCols+` FROM mission_steps WHERE id=?`, id)
	return scanStep(row.Scan)
}

func (r Repo) ListMissionSteps(ctx context.Context, missionID string) ([]domain.MissionStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepCols+` FROM mission_steps WHERE mission_id=? ORDER BY step_order ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MissionStep
	for rows.Next() {
		s, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListMissionStepsTx(ctx context.Context, tx *sql.Tx, missionID string) ([]domain.MissionStep, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+stepCols+` FROM mission_steps WHERE mission_id=? ORDER BY step_order ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MissionStep
	for rows.Next() {
		s, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// StepFields carries the writable columns of a step transition. Nil fields
// are left untouched.
type StepFields struct {
	ReservedBy  *string
	ReservedAt  *string
	StartedAt   *string
	CompletedAt *string
	Result      *string
	Error       *string
}

// TransitionStep performs the single conditional update that is the only
// legal way a step changes status. The WHERE clause is keyed on the expected
// prior status: if another actor already moved the step, zero rows are
// affected and the caller observes moved=false instead of corrupted state.
func (r Repo) TransitionStep(ctx context.Context, stepID, from, to string, fields StepFields) (bool, error) {
	return transitionStep(ctx, r.DB.ExecContext, stepID, from, to, fields)
}

func (r Repo) TransitionStepTx(ctx context.Context, tx *sql.Tx, stepID, from, to string, fields StepFields) (bool, error) {
	return transitionStep(ctx, tx.ExecContext, stepID, from, to, fields)
}

type execFunc func(ctx context.Context, query string, args ...any) (sql.Result, error)

func transitionStep(ctx context.Context, exec execFunc, stepID, from, to string, fields StepFields) (bool, error) {
	if !legalStepEdge(from, to) {
		return false, fmt.Errorf("invalid step status transition %s -> %s", from, to)
	}
	sets := []string{"status=?"}
	args := []any{to}
	if fields.ReservedBy != nil {
		sets = append(sets, "reserved_by=?")
		args = append(args, *fields.ReservedBy)
	}
	if fields.ReservedAt != nil {
		sets = append(sets, "reserved_at=?")
		args = append(args, *fields.ReservedAt)
	}
	if fields.StartedAt != nil {
		sets = append(sets, "started_at=?")
		args = append(args, *fields.StartedAt)
	}
	if fields.CompletedAt != nil {
		sets = append(sets, "completed_at=?")
		args = append(args, *fields.CompletedAt)
	}
	if fields.Result != nil {
		sets = append(sets, "result=?")
		args = append(args, *fields.Result)
	}
	if fields.Error != nil {
		sets = append(sets, "error=?")
		args = append(args, *fields.Error)
	}
	args = append(args, stepID, from)
	res, err := exec(ctx, fmt.Sprintf(`UPDATE mission_steps SET %s WHERE id=? AND status=?`, strings.Join(sets, ",")), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func legalStepEdge(from, to string) bool {
	switch from {
	case domain.StepQueued:
		return to == domain.StepRunning
	case domain.StepRunning:
		return to == domain.StepCompleted || to == domain.StepFailed
	}
	return false
}

// ClaimCandidates returns queued steps matching the capability kinds, oldest
// first. Callers race on the conditional transition; this read is advisory.
func (r Repo) ClaimCandidates(ctx context.Context, kinds []string, limit int) ([]domain.MissionStep, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	placeholders := strings.Repeat("?,", len(kinds))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{domain.StepQueued}
	for _, k := range kinds {
		args = append(args, k)
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepCols+` FROM mission_steps WHERE status=? AND step_kind IN (`+placeholders+`) ORDER BY created_at ASC, step_order ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MissionStep
	for rows.Next() {
		s, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// StaleRunningSteps returns running steps whose started_at is older than the
// cutoff.
func (r Repo) StaleRunningSteps(ctx context.Context, cutoff string) ([]domain.MissionStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepCols+` FROM mission_steps WHERE status=? AND started_at IS NOT NULL AND started_at < ?`, domain.StepRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MissionStep
	for rows.Next() {
		s, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountCompletedSince counts steps the agent completed at or after the given
// instant. The cap gate calls it with the start of the current UTC day.
func (r Repo) CountCompletedSince(ctx context.Context, agentID, since string) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM mission_steps WHERE reserved_by=? AND status=? AND completed_at >= ?`,
		agentID, domain.StepCompleted, since).Scan(&count)
	return count, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
