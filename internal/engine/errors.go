package engine

import "fmt"

// ValidationError rejects malformed admission input before any record is
// written.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// CapExceededError names the agent whose daily cap blocks admission. It is
// surfaced as a rejected proposal, never as a transport failure.
type CapExceededError struct {
	Agent string
	Count int
	Cap   int
}

func (e CapExceededError) Error() string {
	return fmt.Sprintf("agent %s reached daily cap (%d/%d completed steps today)", e.Agent, e.Count, e.Cap)
}

// PolicyMissingError marks an absent policy record. Auto-approval fails
// closed on it.
type PolicyMissingError struct {
	Name string
}

func (e PolicyMissingError) Error() string {
	return fmt.Sprintf("policy %s not configured", e.Name)
}

// TriggerEvaluationError wraps a per-trigger failure. It is logged and
// skipped; it never aborts the rest of the batch.
type TriggerEvaluationError struct {
	TriggerName string
	Err         error
}

func (e TriggerEvaluationError) Error() string {
	return fmt.Sprintf("trigger %s: %v", e.TriggerName, e.Err)
}

func (e TriggerEvaluationError) Unwrap() error { return e.Err }

// StepConflictError reports a conditional step transition that found the
// step already moved past the expected status.
type StepConflictError struct {
	StepID   string
	Expected string
}

func (e StepConflictError) Error() string {
	return fmt.Sprintf("step %s is not %s", e.StepID, e.Expected)
}
