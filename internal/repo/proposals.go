package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"opsline/internal/domain"
)

const proposalCols = `id,title,description,step_kinds_json,source,created_by,status,rejection_reason,auto_approve_requested,created_at,approved_at`

func scanProposal(scan func(dest ...any) error) (domain.Proposal, error) {
	var p domain.Proposal
	var desc, createdBy, reason, approvedAt sql.NullString
	var kindsJSON string
	var autoApprove int
	err := scan(&p.ID, &p.Title, &desc, &kindsJSON, &p.Source, &createdBy, &p.Status, &reason, &autoApprove, &p.CreatedAt, &approvedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if desc.Valid {
		p.Description = desc.String
	}
	if createdBy.Valid {
		p.CreatedBy = createdBy.String
	}
	if reason.Valid {
		p.RejectionReason = reason.String
	}
	if approvedAt.Valid {
		p.ApprovedAt = &approvedAt.String
	}
	p.AutoApproveRequested = autoApprove == 1
	if err := json.Unmarshal([]byte(kindsJSON), &p.StepKinds); err != nil {
		return p, fmt.Errorf("decode step kinds for proposal %s: %w", p.ID, err)
	}
	return p, nil
}

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	kindsJSON, err := json.Marshal(p.StepKinds)
	if err != nil {
		return err
	}
	autoApprove := 0
	if p.AutoApproveRequested {
		autoApprove = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO proposals(id,title,description,step_kinds_json,source,created_by,status,rejection_reason,auto_approve_requested,created_at,approved_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, nullable(p.Description), string(kindsJSON), p.Source, nullable(p.CreatedBy), p.Status, nullable(p.RejectionReason), autoApprove, p.CreatedAt, nullableStringPtr(p.ApprovedAt))
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalCols+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

// ApproveProposalTx moves a pending proposal to approved. Approval is the
// only status change a proposal sees after creation besides rejection, and
// terminal proposals are immutable, so the update is keyed on pending.
func (r Repo) ApproveProposalTx(ctx context.Context, tx *sql.Tx, id, approvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, approved_at=? WHERE id=? AND status=?`,
		domain.ProposalApproved, approvedAt, id, domain.ProposalPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proposal %s is not pending", id)
	}
	return nil
}

type ProposalFilters struct {
	Status string
	Source string
	Limit  int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, f.Source)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + proposalCols + ` FROM proposals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
