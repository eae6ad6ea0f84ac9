package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/repo"
)

// SystemActor is the agent identity stamped on events the orchestrator
// emits itself.
const SystemActor = "orchestrator"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	// Config is never nil; New always sets it and callers construct
	// engines through New.
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Logger: log.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) capGate() CapGate {
	return CapGate{Repo: e.Repo, Capabilities: e.Config.Agents.Capabilities, Now: e.Now}
}

func (e Engine) autoApprover() AutoApprover {
	return AutoApprover{Repo: e.Repo}
}

// AdmitOptions are the admission parameters shared by every proposal source.
type AdmitOptions struct {
	Source               string
	Title                string
	Description          string
	StepKinds            []string
	AutoApproveRequested bool
	CreatedBy            string
}

type AdmitResult struct {
	Status     string `json:"status" enum:"approved,rejected,pending"`
	ProposalID string `json:"proposal_id"`
	MissionID  string `json:"mission_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// AdmitProposal is the single entry point for every proposal source. It runs
// the cap gate before any record exists, persists the proposal, evaluates
// auto-approval, and on approval atomically creates the mission with its
// steps. No other code path creates missions.
func (e Engine) AdmitProposal(ctx context.Context, opts AdmitOptions) (AdmitResult, error) {
	if err := validateAdmit(opts); err != nil {
		return AdmitResult{}, err
	}

	gate, err := e.capGate().Check(ctx, opts.StepKinds)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("cap gate: %w", err)
	}

	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Proposal{
		ID:                   uuid.New().String(),
		Title:                opts.Title,
		Description:          opts.Description,
		StepKinds:            opts.StepKinds,
		Source:               opts.Source,
		CreatedBy:            opts.CreatedBy,
		Status:               domain.ProposalPending,
		AutoApproveRequested: opts.AutoApproveRequested,
		CreatedAt:            now,
	}

	if !gate.OK {
		// Capped proposals still leave an audit record but never reach
		// the scheduler.
		p.Status = domain.ProposalRejected
		p.RejectionReason = gate.Reason
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return AdmitResult{}, err
		}
		defer tx.Rollback()
		if err := e.Repo.InsertProposalTx(ctx, tx, p); err != nil {
			return AdmitResult{}, fmt.Errorf("insert proposal: %w", err)
		}
		if err := e.emitTx(ctx, tx, SystemActor, domain.EventProposalRejected, "", "", events.EventPayload{
			"proposal_id": p.ID,
			"reason":      gate.Reason,
		}); err != nil {
			return AdmitResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return AdmitResult{}, err
		}
		return AdmitResult{Status: domain.ProposalRejected, ProposalID: p.ID, Reason: gate.Reason}, nil
	}

	decision, err := e.autoApprover().Evaluate(ctx, opts.StepKinds)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("auto-approve: %w", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AdmitResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProposalTx(ctx, tx, p); err != nil {
		return AdmitResult{}, fmt.Errorf("insert proposal: %w", err)
	}

	if !decision.Approved {
		if err := e.emitTx(ctx, tx, SystemActor, domain.EventProposalPendingReview, "", "", events.EventPayload{
			"proposal_id": p.ID,
			"reason":      decision.Reason,
		}); err != nil {
			return AdmitResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return AdmitResult{}, err
		}
		return AdmitResult{Status: domain.ProposalPending, ProposalID: p.ID, Reason: decision.Reason}, nil
	}

	if err := e.Repo.ApproveProposalTx(ctx, tx, p.ID, now); err != nil {
		return AdmitResult{}, err
	}
	mission, err := e.createMissionWithSteps(ctx, tx, p, now)
	if err != nil {
		return AdmitResult{}, err
	}
	if err := e.emitTx(ctx, tx, SystemActor, domain.EventProposalApproved, mission.ID, "", events.EventPayload{
		"proposal_id": p.ID,
		"mission_id":  mission.ID,
		"step_count":  mission.StepCount,
	}); err != nil {
		return AdmitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AdmitResult{}, err
	}
	return AdmitResult{Status: domain.ProposalApproved, ProposalID: p.ID, MissionID: mission.ID}, nil
}

func validateAdmit(opts AdmitOptions) error {
	switch opts.Source {
	case domain.SourceAPI, domain.SourceTrigger, domain.SourceReaction:
	default:
		return ValidationError{Msg: fmt.Sprintf("invalid proposal source %q", opts.Source)}
	}
	if opts.Title == "" {
		return ValidationError{Msg: "title is required"}
	}
	if len(opts.StepKinds) == 0 {
		return ValidationError{Msg: "at least one step kind is required"}
	}
	for _, k := range opts.StepKinds {
		if k == "" {
			return ValidationError{Msg: "step kinds must not be empty"}
		}
	}
	return nil
}

// createMissionWithSteps writes the mission and its queued steps in the
// caller's transaction, step_order 1..N in the given kind order.
func (e Engine) createMissionWithSteps(ctx context.Context, tx *sql.Tx, p domain.Proposal, now string) (domain.Mission, error) {
	m := domain.Mission{
		ID:         uuid.New().String(),
		ProposalID: p.ID,
		Title:      p.Title,
		Status:     domain.MissionPending,
		StepCount:  len(p.StepKinds),
		CreatedAt:  now,
	}
	if err := e.Repo.InsertMissionTx(ctx, tx, m); err != nil {
		return m, fmt.Errorf("insert mission: %w", err)
	}
	for i, kind := range p.StepKinds {
		step := domain.MissionStep{
			ID:        uuid.New().String(),
			MissionID: m.ID,
			StepKind:  kind,
			StepOrder: i + 1,
			Status:    domain.StepQueued,
			CreatedAt: now,
		}
		if err := e.Repo.InsertStepTx(ctx, tx, step); err != nil {
			return m, fmt.Errorf("insert step %d: %w", i+1, err)
		}
	}
	return m, nil
}

// ClaimNextStep atomically claims one queued step matching the agent's
// capability kinds. Any number of agents may race; the conditional
// queued->running transition picks exactly one winner per step. Returns
// repo.ErrNotFound when nothing is claimable.
func (e Engine) ClaimNextStep(ctx context.Context, agentID string, kinds []string) (domain.MissionStep, error) {
	if agentID == "" {
		return domain.MissionStep{}, ValidationError{Msg: "agent id is required"}
	}
	if len(kinds) == 0 {
		return domain.MissionStep{}, ValidationError{Msg: "capability kinds are required"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	for {
		candidates, err := e.Repo.ClaimCandidates(ctx, kinds, 5)
		if err != nil {
			return domain.MissionStep{}, err
		}
		if len(candidates) == 0 {
			return domain.MissionStep{}, repo.ErrNotFound
		}
		for _, c := range candidates {
			moved, err := e.Repo.TransitionStep(ctx, c.ID, domain.StepQueued, domain.StepRunning, repo.StepFields{
				ReservedBy: &agentID,
				ReservedAt: &now,
				StartedAt:  &now,
			})
			if err != nil {
				return domain.MissionStep{}, err
			}
			if !moved {
				// Another agent won this one; try the next candidate.
				continue
			}
			if err := e.emit(ctx, agentID, domain.EventStepClaimed, c.MissionID, c.ID, events.EventPayload{
				"step_kind": c.StepKind,
			}); err != nil {
				return domain.MissionStep{}, err
			}
			return e.Repo.GetStep(ctx, c.ID)
		}
		// Every candidate in this batch was raced away; re-query in case
		// more queued steps sit beyond the batch limit.
	}
}

// StepOutcome is the terminal result an agent reports for a running step.
type StepOutcome struct {
	Status string
	Result string
	Error  string
}

// CompleteStep moves a running step to completed or failed, emits the
// matching event, and finalizes the mission when it was the last open step.
func (e Engine) CompleteStep(ctx context.Context, stepID string, outcome StepOutcome) (domain.MissionStep, error) {
	if outcome.Status != domain.StepCompleted && outcome.Status != domain.StepFailed {
		return domain.MissionStep{}, ValidationError{Msg: fmt.Sprintf("invalid outcome status %q", outcome.Status)}
	}
	step, err := e.Repo.GetStep(ctx, stepID)
	if err != nil {
		return domain.MissionStep{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	fields := repo.StepFields{CompletedAt: &now}
	if outcome.Status == domain.StepCompleted {
		fields.Result = &outcome.Result
	} else {
		fields.Error = &outcome.Error
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MissionStep{}, err
	}
	defer tx.Rollback()
	moved, err := e.Repo.TransitionStepTx(ctx, tx, stepID, domain.StepRunning, outcome.Status, fields)
	if err != nil {
		return domain.MissionStep{}, err
	}
	if !moved {
		return domain.MissionStep{}, StepConflictError{StepID: stepID, Expected: domain.StepRunning}
	}
	evtType := domain.EventStepCompleted
	payload := events.EventPayload{"step_kind": step.StepKind}
	actor := SystemActor
	if step.ReservedBy != nil {
		actor = *step.ReservedBy
	}
	if outcome.Status == domain.StepFailed {
		evtType = domain.EventStepFailed
		payload["reason"] = "execution"
		payload["error"] = outcome.Error
	}
	if err := e.emitTx(ctx, tx, actor, evtType, step.MissionID, step.ID, payload); err != nil {
		return domain.MissionStep{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MissionStep{}, err
	}
	if _, err := e.FinalizeIfDone(ctx, step.MissionID); err != nil {
		return domain.MissionStep{}, err
	}
	return e.Repo.GetStep(ctx, stepID)
}

// FinalizeIfDone derives the mission status once every step is terminal:
// failed if any step failed, else succeeded. The finalized_at guard makes
// repeat calls no-ops.
func (e Engine) FinalizeIfDone(ctx context.Context, missionID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return false, err
	}
	if m.FinalizedAt != nil {
		return false, nil
	}
	steps, err := e.Repo.ListMissionStepsTx(ctx, tx, missionID)
	if err != nil {
		return false, err
	}
	completed, failed := 0, 0
	for _, s := range steps {
		switch s.Status {
		case domain.StepCompleted:
			completed++
		case domain.StepFailed:
			failed++
		default:
			return false, nil
		}
	}
	status := domain.MissionSucceeded
	if failed > 0 {
		status = domain.MissionFailed
	}
	now := e.now().UTC().Format(time.RFC3339)
	won, err := e.Repo.FinalizeMissionTx(ctx, tx, missionID, status, completed, failed, now)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	if err := e.emitTx(ctx, tx, SystemActor, domain.EventMissionFinalized, missionID, "", events.EventPayload{
		"status":    status,
		"completed": completed,
		"failed":    failed,
		"total":     len(steps),
	}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// emitTx appends an event inside the caller's transaction and enqueues a
// reaction item when the event type is configured to warrant one.
func (e Engine) emitTx(ctx context.Context, tx *sql.Tx, agentID, eventType, missionID, stepID string, payload events.EventPayload) error {
	eventID, err := e.Events.Append(ctx, tx, agentID, eventType, missionID, stepID, payload)
	if err != nil {
		return fmt.Errorf("append event %s: %w", eventType, err)
	}
	if !e.Config.ReactsTo(eventType) {
		return nil
	}
	item := domain.ReactionQueueItem{
		ID:            uuid.New().String(),
		SourceEventID: eventID,
		Status:        domain.ReactionPending,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertReactionTx(ctx, tx, item); err != nil {
		return fmt.Errorf("enqueue reaction: %w", err)
	}
	return nil
}

// emit wraps emitTx in its own transaction.
func (e Engine) emit(ctx context.Context, agentID, eventType, missionID, stepID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.emitTx(ctx, tx, agentID, eventType, missionID, stepID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// SeedPolicies writes the config's seed policies for any name not already
// present. Existing operator-set values are never overwritten.
func (e Engine) SeedPolicies(ctx context.Context) error {
	seed := func(name, valueJSON string) error {
		if _, err := e.Repo.GetPolicy(ctx, name); err == nil {
			return nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return e.Repo.UpsertPolicy(ctx, name, valueJSON)
	}
	if kinds := e.Config.SeedPolicies.AutoApproveStepKinds; len(kinds) > 0 {
		value, err := encodeJSON(domain.AutoApprovePolicy{Allowed: kinds})
		if err != nil {
			return err
		}
		if err := seed(domain.PolicyAutoApprove, value); err != nil {
			return err
		}
	}
	for agent, max := range e.Config.SeedPolicies.AgentDailyCaps {
		value, err := encodeJSON(domain.AgentCapPolicy{MaxTasks: max})
		if err != nil {
			return err
		}
		if err := seed(domain.PolicyAgentCapPref+agent, value); err != nil {
			return err
		}
	}
	return nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
