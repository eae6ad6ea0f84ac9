package domain

import (
	"encoding/json"
	"fmt"
)

// Proposal statuses.
const (
	ProposalPending  = "pending"
	ProposalApproved = "approved"
	ProposalRejected = "rejected"
)

// Proposal sources.
const (
	SourceAPI      = "api"
	SourceTrigger  = "trigger"
	SourceReaction = "reaction"
)

type Proposal struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Description          string   `json:"description,omitempty"`
	StepKinds            []string `json:"step_kinds"`
	Source               string   `json:"source" enum:"api,trigger,reaction"`
	CreatedBy            string   `json:"created_by,omitempty"`
	Status               string   `json:"status" enum:"pending,approved,rejected"`
	RejectionReason      string   `json:"rejection_reason,omitempty"`
	AutoApproveRequested bool     `json:"auto_approve_requested"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
	ApprovedAt           *string  `json:"approved_at,omitempty" format:"date-time"`
}

// Mission statuses. A mission stays pending until finalization derives
// succeeded or failed from its steps; finalized_at is written exactly once.
const (
	MissionPending   = "pending"
	MissionSucceeded = "succeeded"
	MissionFailed    = "failed"
)

type Mission struct {
	ID             string  `json:"id"`
	ProposalID     string  `json:"proposal_id"`
	Title          string  `json:"title"`
	Status         string  `json:"status" enum:"pending,succeeded,failed"`
	StepCount      int     `json:"step_count"`
	CompletedCount int     `json:"completed_count"`
	FailedCount    int     `json:"failed_count"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	FinalizedAt    *string `json:"finalized_at,omitempty" format:"date-time"`
}

// Step statuses. The only legal edges are queued->running->{completed,failed}.
const (
	StepQueued    = "queued"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

type MissionStep struct {
	ID          string  `json:"id"`
	MissionID   string  `json:"mission_id"`
	StepKind    string  `json:"step_kind"`
	StepOrder   int     `json:"step_order"`
	Status      string  `json:"status" enum:"queued,running,completed,failed"`
	ReservedBy  *string `json:"reserved_by,omitempty"`
	ReservedAt  *string `json:"reserved_at,omitempty" format:"date-time"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Result      string  `json:"result,omitempty"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

func (s MissionStep) Terminal() bool {
	return s.Status == StepCompleted || s.Status == StepFailed
}

// ProposalTemplate is the action payload shared by triggers and reactions.
type ProposalTemplate struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	StepKinds   []string `json:"step_kinds"`
	AutoApprove bool     `json:"auto_approve,omitempty"`
}

// TriggerAction is the tagged action variant stored on a trigger. Only
// create_proposal is defined today.
type TriggerAction struct {
	CreateProposal *ProposalTemplate `json:"create_proposal,omitempty"`
}

func (a TriggerAction) Validate() error {
	if a.CreateProposal == nil {
		return fmt.Errorf("action requires create_proposal")
	}
	if a.CreateProposal.Title == "" {
		return fmt.Errorf("action create_proposal.title is required")
	}
	if len(a.CreateProposal.StepKinds) == 0 {
		return fmt.Errorf("action create_proposal.step_kinds is required")
	}
	return nil
}

// ParseTriggerAction decodes and validates an action JSON blob.
func ParseTriggerAction(raw string) (TriggerAction, error) {
	var a TriggerAction
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return a, fmt.Errorf("invalid action json: %w", err)
	}
	if err := a.Validate(); err != nil {
		return a, err
	}
	return a, nil
}

type Trigger struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	ConditionJSON   string  `json:"condition_json"`
	CooldownSeconds int     `json:"cooldown_seconds"`
	ActionJSON      string  `json:"action_json"`
	Enabled         bool    `json:"enabled"`
	LastTriggered   *string `json:"last_triggered,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

// Event types emitted by the orchestrator itself.
const (
	EventProposalApproved      = "proposal_approved"
	EventProposalPendingReview = "proposal_pending_review"
	EventProposalRejected      = "proposal_rejected"
	EventMissionFinalized      = "mission_finalized"
	EventStepClaimed           = "step_claimed"
	EventStepCompleted         = "step_completed"
	EventStepFailed            = "step_failed"
)

type AgentEvent struct {
	ID        int64   `json:"id"`
	AgentID   string  `json:"agent_id"`
	EventType string  `json:"event_type"`
	EventData string  `json:"event_data"`
	MissionID *string `json:"mission_id,omitempty"`
	StepID    *string `json:"step_id,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// StepKind reads the step_kind field out of the event payload, if present.
// Trigger predicates match against it.
func (e AgentEvent) StepKind() string {
	var data struct {
		StepKind string `json:"step_kind"`
	}
	_ = json.Unmarshal([]byte(e.EventData), &data)
	return data.StepKind
}

// Reaction queue item statuses.
const (
	ReactionPending   = "pending"
	ReactionCompleted = "completed"
	ReactionFailed    = "failed"
)

type ReactionQueueItem struct {
	ID            string  `json:"id"`
	SourceEventID int64   `json:"source_event_id"`
	Status        string  `json:"status" enum:"pending,completed,failed"`
	ProcessedAt   *string `json:"processed_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// Policy names understood by the orchestrator. Policies are written out of
// band by operators; the orchestrator only reads them.
const (
	PolicyAutoApprove  = "auto_approve_step_kinds"
	PolicyAgentCapPref = "agent_daily_cap_"
)

type Policy struct {
	Name      string `json:"name"`
	ValueJSON string `json:"value_json"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// AutoApprovePolicy is the value shape of auto_approve_step_kinds.
type AutoApprovePolicy struct {
	Allowed []string `json:"allowed"`
}

// AgentCapPolicy is the value shape of agent_daily_cap_<agent>.
type AgentCapPolicy struct {
	MaxTasks int `json:"max_tasks"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
