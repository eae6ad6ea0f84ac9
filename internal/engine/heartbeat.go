package engine

import (
	"context"
	"time"
)

// HeartbeatReport aggregates one heartbeat run.
type HeartbeatReport struct {
	Success            bool     `json:"success"`
	HeartbeatAt        string   `json:"heartbeat_at" format:"date-time"`
	DurationMS         int64    `json:"duration_ms"`
	TriggersEvaluated  int      `json:"triggers_evaluated"`
	ReactionsProcessed int      `json:"reactions_processed"`
	StaleRecovered     int      `json:"stale_recovered"`
	Errors             []string `json:"errors,omitempty"`
}

// RunHeartbeat drives one tick: trigger evaluation, reaction processing,
// stale recovery, in that order. A stage error is recorded but never skips
// the later stages, and every state change underneath is a conditional
// write, so overlapping heartbeats are safe.
func (e Engine) RunHeartbeat(ctx context.Context) (HeartbeatReport, error) {
	started := time.Now()
	report := HeartbeatReport{
		Success:     true,
		HeartbeatAt: e.now().UTC().Format(time.RFC3339),
	}
	collect := func(errs []error) {
		for _, err := range errs {
			report.Errors = append(report.Errors, err.Error())
		}
	}

	fired, errs := e.EvaluateTriggers(ctx)
	report.TriggersEvaluated = fired
	collect(errs)

	processed, errs := e.ProcessReactions(ctx)
	report.ReactionsProcessed = processed
	collect(errs)

	recovered, errs := e.SweepStaleSteps(ctx)
	report.StaleRecovered = recovered
	collect(errs)

	report.DurationMS = time.Since(started).Milliseconds()
	report.Success = len(report.Errors) == 0
	return report, nil
}
