package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opsline/internal/domain"
	"opsline/internal/predicate"
)

// EvaluateTriggers scans events from the trailing window against every
// enabled trigger and fires matches through the admission service. It
// returns the number of firings. A malformed trigger or a failed firing is
// collected and logged; it never aborts the remaining pairs.
func (e Engine) EvaluateTriggers(ctx context.Context) (int, []error) {
	now := e.now().UTC()
	since := now.Add(-e.Config.TriggerWindow()).Format(time.RFC3339)

	triggers, err := e.Repo.ListTriggers(ctx, true)
	if err != nil {
		return 0, []error{fmt.Errorf("list triggers: %w", err)}
	}
	if len(triggers) == 0 {
		return 0, nil
	}
	evts, err := e.Repo.EventsSince(ctx, since)
	if err != nil {
		return 0, []error{fmt.Errorf("scan events: %w", err)}
	}

	fired := 0
	var errs []error
	for _, t := range triggers {
		cond, err := predicate.Parse(t.ConditionJSON)
		if err != nil {
			errs = append(errs, e.skipTrigger(t, err))
			continue
		}
		action, err := domain.ParseTriggerAction(t.ActionJSON)
		if err != nil {
			errs = append(errs, e.skipTrigger(t, err))
			continue
		}
		// Cooldown state is tracked locally across events so a zero-cooldown
		// trigger still advances between matches in the same scan.
		last := t.LastTriggered
		for _, evt := range evts {
			if inCooldown(last, t.CooldownSeconds, now) {
				break
			}
			subject := predicate.Subject{
				EventType: evt.EventType,
				StepKind:  evt.StepKind(),
				AgentID:   evt.AgentID,
			}
			if !cond.Eval(subject) {
				continue
			}
			nowStr := now.Format(time.RFC3339)
			won, err := e.Repo.MarkTriggerFired(ctx, t.ID, last, nowStr)
			if err != nil {
				errs = append(errs, e.skipTrigger(t, err))
				break
			}
			if !won {
				// A concurrent heartbeat fired this trigger first.
				break
			}
			last = &nowStr
			tpl := action.CreateProposal
			if _, err := e.AdmitProposal(ctx, AdmitOptions{
				Source:               domain.SourceTrigger,
				Title:                tpl.Title,
				Description:          tpl.Description,
				StepKinds:            tpl.StepKinds,
				AutoApproveRequested: tpl.AutoApprove,
				CreatedBy:            "trigger:" + t.Name,
			}); err != nil {
				errs = append(errs, e.skipTrigger(t, err))
				break
			}
			fired++
		}
	}
	return fired, errs
}

func (e Engine) skipTrigger(t domain.Trigger, err error) error {
	wrapped := TriggerEvaluationError{TriggerName: t.Name, Err: err}
	e.logger().Printf("trigger evaluation: %v", wrapped)
	return wrapped
}

func inCooldown(last *string, cooldownSeconds int, now time.Time) bool {
	if last == nil || cooldownSeconds <= 0 {
		return false
	}
	t, err := time.Parse(time.RFC3339, *last)
	if err != nil {
		return false
	}
	return now.Sub(t) < time.Duration(cooldownSeconds)*time.Second
}

// CreateTrigger validates the condition and action before persisting.
func (e Engine) CreateTrigger(ctx context.Context, name, conditionJSON string, cooldownSeconds int, actionJSON string, enabled bool) (domain.Trigger, error) {
	if name == "" {
		return domain.Trigger{}, ValidationError{Msg: "trigger name is required"}
	}
	if cooldownSeconds < 0 {
		return domain.Trigger{}, ValidationError{Msg: "cooldown must not be negative"}
	}
	if _, err := predicate.Parse(conditionJSON); err != nil {
		return domain.Trigger{}, ValidationError{Msg: err.Error()}
	}
	if _, err := domain.ParseTriggerAction(actionJSON); err != nil {
		return domain.Trigger{}, ValidationError{Msg: err.Error()}
	}
	t := domain.Trigger{
		ID:              uuid.New().String(),
		Name:            name,
		ConditionJSON:   conditionJSON,
		CooldownSeconds: cooldownSeconds,
		ActionJSON:      actionJSON,
		Enabled:         enabled,
		CreatedAt:       e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertTrigger(ctx, t); err != nil {
		return domain.Trigger{}, err
	}
	return t, nil
}
