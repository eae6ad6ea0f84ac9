package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"opsline/internal/domain"
)

func (r Repo) GetPolicy(ctx context.Context, name string) (domain.Policy, error) {
	var p domain.Policy
	err := r.DB.QueryRowContext(ctx, `SELECT name,value_json,updated_at FROM policies WHERE name=?`, name).
		Scan(&p.Name, &p.ValueJSON, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// UpsertPolicy writes a policy record. The orchestrator never calls this at
// runtime; it serves operator tooling and seeding.
func (r Repo) UpsertPolicy(ctx context.Context, name, valueJSON string) error {
	var tmp any
	if err := json.Unmarshal([]byte(valueJSON), &tmp); err != nil {
		return fmt.Errorf("policy %s value: %w", name, err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO policies(name,value_json,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`, name, valueJSON, now)
	return err
}

func (r Repo) ListPolicies(ctx context.Context, prefix string) ([]domain.Policy, error) {
	query := `SELECT name,value_json,updated_at FROM policies`
	var args []any
	if prefix != "" {
		query += ` WHERE name LIKE ?`
		args = append(args, prefix+"%")
	}
	query += ` ORDER BY name ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		var p domain.Policy
		if err := rows.Scan(&p.Name, &p.ValueJSON, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// AutoApprovePolicy reads and decodes auto_approve_step_kinds. ErrNotFound
// propagates when the record is absent; the evaluator fails closed on it.
func (r Repo) AutoApprovePolicy(ctx context.Context) (domain.AutoApprovePolicy, error) {
	var value domain.AutoApprovePolicy
	p, err := r.GetPolicy(ctx, domain.PolicyAutoApprove)
	if err != nil {
		return value, err
	}
	if err := json.Unmarshal([]byte(p.ValueJSON), &value); err != nil {
		return value, fmt.Errorf("decode %s: %w", domain.PolicyAutoApprove, err)
	}
	return value, nil
}

// AgentCaps returns the daily caps keyed by agent id, from every
// agent_daily_cap_<agent> policy present.
func (r Repo) AgentCaps(ctx context.Context) (map[string]int, error) {
	policies, err := r.ListPolicies(ctx, domain.PolicyAgentCapPref)
	if err != nil {
		return nil, err
	}
	caps := map[string]int{}
	for _, p := range policies {
		agent := strings.TrimPrefix(p.Name, domain.PolicyAgentCapPref)
		if agent == "" {
			continue
		}
		var value domain.AgentCapPolicy
		if err := json.Unmarshal([]byte(p.ValueJSON), &value); err != nil {
			return nil, fmt.Errorf("decode %s: %w", p.Name, err)
		}
		caps[agent] = value.MaxTasks
	}
	return caps, nil
}
