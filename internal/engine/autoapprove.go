package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"opsline/internal/domain"
	"opsline/internal/repo"
)

// AutoApprover decides whether a proposal's step kinds may bypass human
// review, against the auto_approve_step_kinds allow-list.
type AutoApprover struct {
	Repo repo.Repo
}

type ApprovalDecision struct {
	Approved bool
	Reason   string
}

// Evaluate approves only when every requested kind is allow-listed. An
// absent policy record fails closed: nothing is ever approved by default.
func (a AutoApprover) Evaluate(ctx context.Context, stepKinds []string) (ApprovalDecision, error) {
	policy, err := a.Repo.AutoApprovePolicy(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ApprovalDecision{Reason: PolicyMissingError{Name: domain.PolicyAutoApprove}.Error()}, nil
		}
		return ApprovalDecision{}, err
	}
	allowed := make(map[string]bool, len(policy.Allowed))
	for _, k := range policy.Allowed {
		allowed[k] = true
	}
	var disallowed []string
	for _, k := range stepKinds {
		if !allowed[k] {
			disallowed = append(disallowed, k)
		}
	}
	if len(disallowed) > 0 {
		return ApprovalDecision{Reason: fmt.Sprintf("step kinds not auto-approvable: %s", strings.Join(disallowed, ", "))}, nil
	}
	return ApprovalDecision{Approved: true}, nil
}
