// Package agent hosts the worker side of the orchestrator: a runner that
// claims queued steps it has executors for, runs them, and reports the
// outcome back.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/repo"
)

// Executor runs the business logic for one step kind. Implementations are
// opaque to the orchestrator; it only observes the returned result or error.
type Executor interface {
	Execute(ctx context.Context, step domain.MissionStep) (result string, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, step domain.MissionStep) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, step domain.MissionStep) (string, error) {
	return f(ctx, step)
}

// Runner claims and executes steps for one agent identity. Any number of
// runners may poll the same store; the conditional claim picks one winner
// per step.
type Runner struct {
	Engine    engine.Engine
	AgentID   string
	Executors map[string]Executor
	Poll      time.Duration
	Logger    *log.Logger
}

// Kinds returns the runner's declared capability set, sorted for stable
// claim queries.
func (r *Runner) Kinds() []string {
	kinds := make([]string, 0, len(r.Executors))
	for k := range r.Executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Runner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Run polls for claimable steps until the context is cancelled. Cancellation
// stops claiming; a step already claimed finishes executing and reports its
// outcome before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	if r.AgentID == "" {
		return errors.New("agent id is required")
	}
	if len(r.Executors) == 0 {
		return errors.New("at least one executor is required")
	}
	poll := r.Poll
	if poll <= 0 {
		poll = 5 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if err := r.drain(ctx); err != nil {
			r.logger().Printf("agent %s: %v", r.AgentID, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drain claims and executes steps until nothing is claimable or the context
// is cancelled.
func (r *Runner) drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		claimed, err := r.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
	}
}

// RunOnce claims at most one step and executes it. It reports whether a
// step was claimed.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	step, err := r.Engine.ClaimNextStep(ctx, r.AgentID, r.Kinds())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("claim: %w", err)
	}
	// The claim is ours; execution survives runner shutdown so the step is
	// never abandoned mid-flight.
	execCtx := context.WithoutCancel(ctx)
	r.execute(execCtx, step)
	return true, nil
}

func (r *Runner) execute(ctx context.Context, step domain.MissionStep) {
	exec, ok := r.Executors[step.StepKind]
	outcome := engine.StepOutcome{Status: domain.StepCompleted}
	if !ok {
		outcome = engine.StepOutcome{Status: domain.StepFailed, Error: fmt.Sprintf("no executor for step kind %s", step.StepKind)}
	} else {
		result, err := exec.Execute(ctx, step)
		if err != nil {
			outcome = engine.StepOutcome{Status: domain.StepFailed, Error: err.Error()}
		} else {
			outcome.Result = result
		}
	}
	if _, err := r.Engine.CompleteStep(ctx, step.ID, outcome); err != nil {
		r.logger().Printf("agent %s: complete step %s: %v", r.AgentID, step.ID, err)
	}
}
