package engine

import (
	"context"
	"fmt"
	"time"

	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/repo"
)

// SweepStaleSteps force-fails steps stuck running past the configured
// threshold. The running-keyed transition means a step an agent completed in
// the interim is left alone, and re-running the sweep never double-fails.
func (e Engine) SweepStaleSteps(ctx context.Context) (int, []error) {
	threshold := e.Config.StaleThreshold()
	now := e.now().UTC()
	cutoff := now.Add(-threshold).Format(time.RFC3339)

	stale, err := e.Repo.StaleRunningSteps(ctx, cutoff)
	if err != nil {
		return 0, []error{fmt.Errorf("scan stale steps: %w", err)}
	}
	recovered := 0
	var errs []error
	for _, s := range stale {
		nowStr := now.Format(time.RFC3339)
		staleErr := fmt.Sprintf("stale timeout: exceeded %s limit", threshold)
		moved, err := e.Repo.TransitionStep(ctx, s.ID, domain.StepRunning, domain.StepFailed, repo.StepFields{
			CompletedAt: &nowStr,
			Error:       &staleErr,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("fail stale step %s: %w", s.ID, err))
			continue
		}
		if !moved {
			continue
		}
		if err := e.emit(ctx, SystemActor, domain.EventStepFailed, s.MissionID, s.ID, events.EventPayload{
			"step_kind": s.StepKind,
			"reason":    "timeout",
			"error":     staleErr,
		}); err != nil {
			errs = append(errs, fmt.Errorf("stale step %s event: %w", s.ID, err))
			continue
		}
		if _, err := e.FinalizeIfDone(ctx, s.MissionID); err != nil {
			errs = append(errs, fmt.Errorf("finalize mission %s: %w", s.MissionID, err))
			continue
		}
		recovered++
	}
	return recovered, errs
}
