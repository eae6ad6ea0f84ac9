package server

import (
	"encoding/json"

	"opsline/internal/domain"
	"opsline/internal/engine"
)

// Request payloads

type CreateProposalRequest struct {
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	StepKinds   []string `json:"step_kinds"`
	AutoApprove bool     `json:"auto_approve,omitempty"`
}

type ClaimStepRequest struct {
	AgentID string   `json:"agent_id"`
	Kinds   []string `json:"kinds,omitempty"`
}

type CompleteStepRequest struct {
	Status string  `json:"status" enum:"completed,failed"`
	Result *string `json:"result,omitempty"`
	Error  *string `json:"error,omitempty"`
}

type CreateTriggerRequest struct {
	Name            string         `json:"name"`
	Condition       map[string]any `json:"condition"`
	CooldownSeconds int            `json:"cooldown_seconds,omitempty"`
	Action          map[string]any `json:"action"`
	Enabled         *bool          `json:"enabled,omitempty"`
}

type SetPolicyRequest struct {
	Value map[string]any `json:"value"`
}

// Response payloads

type AdmitResponse struct {
	Status     string `json:"status" enum:"approved,rejected,pending"`
	ProposalID string `json:"proposal_id"`
	MissionID  string `json:"mission_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type ProposalResponse struct {
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

type MissionResponse struct {
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

type StepResponse struct {
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

type TriggerResponse struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Condition       map[string]any `json:"condition"`
	CooldownSeconds int            `json:"cooldown_seconds"`
	Action          map[string]any `json:"action"`
	Enabled         bool           `json:"enabled"`
	LastTriggered   *string        `json:"last_triggered,omitempty" format:"date-time"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
}

type PolicyResponse struct {
	Name      string         `json:"name"`
	Value     map[string]any `json:"value"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	AgentID   string         `json:"agent_id"`
	EventType string         `json:"event_type"`
	MissionID *string        `json:"mission_id,omitempty"`
	StepID    *string        `json:"step_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type HeartbeatResponse struct {
	Success            bool     `json:"success"`
	HeartbeatAt        string   `json:"heartbeat_at" format:"date-time"`
	DurationMS         int64    `json:"duration_ms"`
	TriggersEvaluated  int      `json:"triggers_evaluated"`
	ReactionsProcessed int      `json:"reactions_processed"`
	StaleRecovered     int      `json:"stale_recovered"`
	Errors             []string `json:"errors"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func proposalResponse(p domain.Proposal) ProposalResponse {
	resp := ProposalResponse(p)
	resp.StepKinds = nonNilSlice(resp.StepKinds)
	return resp
}

func missionResponse(m domain.Mission) MissionResponse {
	return MissionResponse(m)
}

func stepResponse(s domain.MissionStep) StepResponse {
	return StepResponse(s)
}

func triggerResponse(t domain.Trigger) TriggerResponse {
	return TriggerResponse{
		ID:              t.ID,
		Name:            t.Name,
		Condition:       decodeJSONMap(t.ConditionJSON),
		CooldownSeconds: t.CooldownSeconds,
		Action:          decodeJSONMap(t.ActionJSON),
		Enabled:         t.Enabled,
		LastTriggered:   t.LastTriggered,
		CreatedAt:       t.CreatedAt,
	}
}

func policyResponse(p domain.Policy) PolicyResponse {
	return PolicyResponse{
		Name:      p.Name,
		Value:     decodeJSONMap(p.ValueJSON),
		UpdatedAt: p.UpdatedAt,
	}
}

func eventResponse(e domain.AgentEvent) EventResponse {
	return EventResponse{
		ID:        e.ID,
		AgentID:   e.AgentID,
		EventType: e.EventType,
		MissionID: e.MissionID,
		StepID:    e.StepID,
		Payload:   decodeJSONMap(e.EventData),
		CreatedAt: e.CreatedAt,
	}
}

func heartbeatResponse(r engine.HeartbeatReport) HeartbeatResponse {
	return HeartbeatResponse{
		Success:            r.Success,
		HeartbeatAt:        r.HeartbeatAt,
		DurationMS:         r.DurationMS,
		TriggersEvaluated:  r.TriggersEvaluated,
		ReactionsProcessed: r.ReactionsProcessed,
		StaleRecovered:     r.StaleRecovered,
		Errors:             nonNilSlice(r.Errors),
	}
}

func admitResponse(r engine.AdmitResult) AdmitResponse {
	return AdmitResponse(r)
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
