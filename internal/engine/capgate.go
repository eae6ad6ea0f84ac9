package engine

import (
	"context"
	"time"

	"opsline/internal/repo"
)

// CapGate admits or rejects proposals against per-agent daily caps before
// any proposal record exists. It only reads: completed-step counters and the
// agent_daily_cap_<agent> policies.
type CapGate struct {
	Repo repo.Repo
	// Capabilities maps agent id to the step kinds it executes; a proposal
	// falls under an agent's cap when any of its step kinds is in that set.
	Capabilities map[string][]string
	Now          func() time.Time
}

type CapDecision struct {
	OK     bool
	Reason string
}

// Check returns ok=false with a human-readable reason when any agent
// implied by the step kinds has already completed its daily cap.
func (g CapGate) Check(ctx context.Context, stepKinds []string) (CapDecision, error) {
	caps, err := g.Repo.AgentCaps(ctx)
	if err != nil {
		return CapDecision{}, err
	}
	if len(caps) == 0 {
		return CapDecision{OK: true}, nil
	}
	dayStart := g.now().UTC().Truncate(24 * time.Hour).Format(time.RFC3339)
	for agent, max := range caps {
		if !g.agentCovers(agent, stepKinds) {
			continue
		}
		count, err := g.Repo.CountCompletedSince(ctx, agent, dayStart)
		if err != nil {
			return CapDecision{}, err
		}
		if count >= max {
			return CapDecision{Reason: CapExceededError{Agent: agent, Count: count, Cap: max}.Error()}, nil
		}
	}
	return CapDecision{OK: true}, nil
}

func (g CapGate) agentCovers(agent string, stepKinds []string) bool {
	kinds, ok := g.Capabilities[agent]
	if !ok {
		// No declared capability set: the agent's name doubles as a step
		// kind, so dedicated single-kind agents need no config entry.
		kinds = []string{agent}
	}
	for _, sk := range stepKinds {
		for _, k := range kinds {
			if sk == k {
				return true
			}
		}
	}
	return false
}

func (g CapGate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}
