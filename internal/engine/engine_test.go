package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/events"
	"opsline/internal/migrate"
	"opsline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	eng.Now = func() time.Time { return *clock }
	eng.Events.Now = eng.Now
	return testEnv{Engine: eng, Ctx: context.Background(), clock: clock}
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func seedAutoApprove(t *testing.T, env testEnv, kinds ...string) {
	t.Helper()
	value := `{"allowed":["` + strings.Join(kinds, `","`) + `"]}`
	if err := env.Engine.Repo.UpsertPolicy(env.Ctx, domain.PolicyAutoApprove, value); err != nil {
		t.Fatalf("seed auto-approve policy: %v", err)
	}
}

func admit(t *testing.T, env testEnv, kinds ...string) engine.AdmitResult {
	t.Helper()
	res, err := env.Engine.AdmitProposal(env.Ctx, engine.AdmitOptions{
		Source:    domain.SourceAPI,
		Title:     "test proposal",
		StepKinds: kinds,
		CreatedBy: "tester",
	})
	if err != nil {
		t.Fatalf("admit proposal: %v", err)
	}
	return res
}

func appendEvent(t *testing.T, env testEnv, agentID, eventType string, payload events.EventPayload) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	if _, err := env.Engine.Events.Append(env.Ctx, tx, agentID, eventType, "", "", payload); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit event: %v", err)
	}
}

func TestAdmitAutoApprovedCreatesOrderedSteps(t *testing.T) {
	env := newTestEnv(t)
	seedAutoApprove(t, env, "build", "test")

	res := admit(t, env, "build", "test")
	if res.Status != domain.ProposalApproved {
		t.Fatalf("expected approved, got %s (%s)", res.Status, res.Reason)
	}
	if res.MissionID == "" {
		t.Fatalf("approved proposal must create a mission")
	}
	steps, err := env.Engine.Repo.ListMissionSteps(env.Ctx, res.MissionID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	for i, s := range steps {
		if s.StepOrder != i+1 {
			t.Fatalf("step %d has order %d", i, s.StepOrder)
		}
		if s.Status != domain.StepQueued {
			t.Fatalf("new step status %s", s.Status)
		}
	}
	if steps[0].StepKind != "build" || steps[1].StepKind != "test" {
		t.Fatalf("steps out of order: %s, %s", steps[0].StepKind, steps[1].StepKind)
	}
}

func TestAdmitPendingWhenKindNotAllowListed(t *testing.T) {
	env := newTestEnv(t)
	seedAutoApprove(t, env, "build")

	res := admit(t, env, "code_review")
	if res.Status != domain.ProposalPending {
		t.Fatalf("expected pending, got %s", res.Status)
	}
	if res.MissionID != "" {
		t.Fatalf("pending proposal must not create a mission")
	}
	if !strings.Contains(res.Reason, "code_review") {
		t.Fatalf("reason should name the kind: %q", res.Reason)
	}
	p, err := env.Engine.Repo.GetProposal(env.Ctx, res.ProposalID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != domain.ProposalPending {
		t.Fatalf("persisted status %s", p.Status)
	}
}

func TestAdmitFailsClosedWithoutPolicy(t *testing.T) {
	env := newTestEnv(t)

	res := admit(t, env, "build")
	if res.Status != domain.ProposalPending {
		t.Fatalf("expected pending without policy, got %s", res.Status)
	}
	if !strings.Contains(res.Reason, domain.PolicyAutoApprove) {
		t.Fatalf("reason should name the missing policy: %q", res.Reason)
	}
}

func TestAdmitRejectedByDailyCap(t *testing.T) {
	env := newTestEnv(t)
	seedAutoApprove(t, env, "build")
	if err := env.Engine.Repo.UpsertPolicy(env.Ctx, domain.PolicyAgentCapPref+"builder", `{"max_tasks":0}`); err != nil {
		t.Fatalf("seed cap policy: %v", err)
	}

	res := admit(t, env, "build")
	if res.Status != domain.ProposalRejected {
		t.Fatalf("expected rejected, got %s", res.Status)
	}
	if res.MissionID != "" {
		t.Fatalf("rejected proposal must not create a mission")
	}
	if !strings.Contains(res.Reason, "builder") {
		t.Fatalf("reason should name the capped agent: %q", res.Reason)
	}
	p, err := env.Engine.Repo.GetProposal(env.Ctx, res.ProposalID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != domain.ProposalRejected || p.RejectionReason == "" {
		t.Fatalf("persisted rejection missing: %s %q", p.Status, p.RejectionReason)
	}
}

func TestAdmitValidation(t *testing.T) {
	env := newTestEnv(t)
	var verr engine.ValidationError

	_, err := env.Engine.AdmitProposal(env.Ctx, engine.AdmitOptions{Source: "webhook", Title: "x", StepKinds: []string{"build"}})
	if !errors.As(err, &verr) {
		t.Fatalf("unknown source: %v", err)
	}
	_, err = env.Engine.AdmitProposal(env.Ctx, engine.AdmitOptions{Source: domain.SourceAPI, StepKinds: []string{"build"}})
	if !errors.As(err, &verr) {
		t.Fatalf("missing title: %v", err)
	}
	_, err = env.Engine.AdmitProposal(env.Ctx, engine.AdmitOptions{Source: domain.SourceAPI, Title: "x"})
	if !errors.As(err, &verr) {
		t.Fatalf("no step kinds: %v", err)
	}
}

func TestClaimNextStepInOrder(t *testing.T) {
	env := newTestEnv(t)
	seedAutoApprove(t, env, "build", "test")
	res := admit(t, env, "build", "test")

	step, err := env.Engine.ClaimNextStep(env.Ctx, "builder", []string{"build", "test"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if step.StepOrder != 1 || step.StepKind != "build" {
		t.Fatalf("expected first step, got order %d kind %s", step.StepOrder, step.StepKind)
	}
	if step.Status != domain.StepRunning {
		t.Fatalf("claimed step status %s", step.Status)
	}
	if step.ReservedBy == nil || *step.ReservedBy != "builder" {
		t.Fatalf("claimed step not reserved by builder")
	}

	second, err := env.Engine.ClaimNextStep(env.Ctx, "builder", []string{"build", "test"})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second.ID == step.ID {
		t.Fatalf("same step claimed twice")
	}
	if second.MissionID != res.MissionID || second.StepOrder != 2 {
		t.Fatalf("expected second step, got order %d", second.StepOrder)
	}

	if _, err := env.Engine.ClaimNextStep(env.Ctx, "builder", []string{"build", "test"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("empty queue should return not found, got %v", err)
	}
}

func TestClaimRespectsKinds(t *testing.T) {
	env := newTestEnv(t)
	seedAutoApprove(t, env, "build")
	admit(t, env, "build")

	if _, err := env.Engine.ClaimNextStep(env.Ctx, "deployer", []string{"deploy"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("non-matching kinds should find nothing, got %v", err)
	}
}

func TestCompleteStepFinalizesMission(t *testing.T) {
	env := newTestEnv(t)
	seedAutoApprove(t, env, "build")
	res := admit(t, env, "build")

	step, err := env.Engine.ClaimNextStep(env.Ctx, "builder", []string{"build"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	done, err := env.Engine.CompleteStep(env.Ctx, step.ID, engine.StepOutcome{Status: domain.StepCompleted, Result: "ok"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.StepCompleted || done.Result != "ok" || done.CompletedAt == nil {
		t.Fatalf("step not completed: %+v", done)
	}
	m, err := env.Engine.Repo.GetMission(env.Ctx, res.MissionID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if m.Status != domain.MissionSucceeded {
		t.Fatalf("mission status %s", m.Status)
	}
	if m.CompletedCount != 1 || m.FailedCount != 0 || m.FinalizedAt == nil {
		t.Fatalf("mission counters wrong: %+v", m)
	}
}

func TestCompleteStepConflictOnRepeat(t *testing.T) {
	env := newTestEnv(t)
	seedAutoApprove(t, env, "build")
	admit(t, env, "build")

	step, err := env.Engine.ClaimNextStep(env.Ctx, "builder", []string{"build"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, step.ID, engine.StepOutcome{Status: domain.StepCompleted}); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	_, err = env.Engine.CompleteStep(env.Ctx, step.ID, engine.StepOutcome{Status: domain.StepFailed, Error: "late"})
	var conflict engine.StepConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMissionFailsWhenAnyStepFails(t *testing.T) {
	env := newTestEnv(t)
	seedAutoApprove(t, env, "build", "test")
	res := admit(t, env, "build", "test")

	first, err := env.Engine.ClaimNextStep(env.Ctx, "builder", []string{"build", "test"})
	if err != nil {
		t.Fatalf("claim first: %v", err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, first.ID, engine.StepOutcome{Status: domain.StepCompleted, Result: "ok"}); err != nil {
		t.Fatalf("complete first: %v", err)
	}
	second, err := env.Engine.ClaimNextStep(env.Ctx, "builder", []string{"build", "test"})
	if err != nil {
		t.Fatalf("claim second: %v", err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, second.ID, engine.StepOutcome{Status: domain.StepFailed, Error: "boom"}); err != nil {
		t.Fatalf("complete second: %v", err)
	}

	m, err := env.Engine.Repo.GetMission(env.Ctx, res.MissionID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if m.Status != domain.MissionFailed || m.CompletedCount != 1 || m.FailedCount != 1 {
		t.Fatalf("mission not failed correctly: %+v", m)
	}

	// finalization already happened; a repeat call is a no-op
	won, err := env.Engine.FinalizeIfDone(env.Ctx, res.MissionID)
	if err != nil {
		t.Fatalf("refinalize: %v", err)
	}
	if won {
		t.Fatalf("finalization must happen exactly once")
	}
}

func TestSweepStaleSteps(t *testing.T) {
	env := newTestEnv(t)
	seedAutoApprove(t, env, "build")
	res := admit(t, env, "build")

	step, err := env.Engine.ClaimNextStep(env.Ctx, "builder", []string{"build"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	env.advance(31 * time.Minute)
	recovered, errs := env.Engine.SweepStaleSteps(env.Ctx)
	if len(errs) > 0 {
		t.Fatalf("sweep errors: %v", errs)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered, got %d", recovered)
	}
	s, err := env.Engine.Repo.GetStep(env.Ctx, step.ID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if s.Status != domain.StepFailed || !strings.Contains(s.Error, "stale timeout") {
		t.Fatalf("step not force-failed: %s %q", s.Status, s.Error)
	}
	m, err := env.Engine.Repo.GetMission(env.Ctx, res.MissionID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if m.Status != domain.MissionFailed {
		t.Fatalf("mission status %s", m.Status)
	}

	recovered, errs = env.Engine.SweepStaleSteps(env.Ctx)
	if recovered != 0 || len(errs) > 0 {
		t.Fatalf("second sweep should be empty, got %d %v", recovered, errs)
	}
}

func TestSweepLeavesFreshStepsAlone(t *testing.T) {
	env := newTestEnv(t)
	seedAutoApprove(t, env, "build")
	admit(t, env, "build")
	if _, err := env.Engine.ClaimNextStep(env.Ctx, "builder", []string{"build"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	env.advance(10 * time.Minute)
	recovered, errs := env.Engine.SweepStaleSteps(env.Ctx)
	if recovered != 0 || len(errs) > 0 {
		t.Fatalf("fresh step swept: %d %v", recovered, errs)
	}
}

func TestTriggerFiresAndCoolsDown(t *testing.T) {
	env := newTestEnv(t)
	seedAutoApprove(t, env, "build")

	condition := `{"all":[{"field":"event_type","op":"eq","value":"step_failed"}]}`
	action := `{"create_proposal":{"title":"Retry build","step_kinds":["build"],"auto_approve":true}}`
	trg, err := env.Engine.CreateTrigger(env.Ctx, "retry-on-failure", condition, 60, action, true)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	appendEvent(t, env, "builder", domain.EventStepFailed, events.EventPayload{"step_kind": "build"})
	fired, errs := env.Engine.EvaluateTriggers(env.Ctx)
	if len(errs) > 0 {
		t.Fatalf("evaluate errors: %v", errs)
	}
	if fired != 1 {
		t.Fatalf("expected 1 firing, got %d", fired)
	}
	proposals, err := env.Engine.Repo.ListProposals(env.Ctx, repo.ProposalFilters{Source: domain.SourceTrigger})
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	if len(proposals) != 1 || proposals[0].CreatedBy != "trigger:retry-on-failure" {
		t.Fatalf("trigger proposal missing: %+v", proposals)
	}

	// still inside the cooldown window
	env.advance(30 * time.Second)
	fired, _ = env.Engine.EvaluateTriggers(env.Ctx)
	if fired != 0 {
		t.Fatalf("fired during cooldown: %d", fired)
	}

	// cooldown expired and a fresh event arrived
	env.advance(31 * time.Second)
	appendEvent(t, env, "builder", domain.EventStepFailed, events.EventPayload{"step_kind": "build"})
	fired, errs = env.Engine.EvaluateTriggers(env.Ctx)
	if len(errs) > 0 {
		t.Fatalf("evaluate errors: %v", errs)
	}
	if fired != 1 {
		t.Fatalf("expected refire after cooldown, got %d", fired)
	}

	got, err := env.Engine.Repo.GetTrigger(env.Ctx, trg.ID)
	if err != nil {
		t.Fatalf("get trigger: %v", err)
	}
	if got.LastTriggered == nil {
		t.Fatalf("last_triggered not recorded")
	}
}

func TestTriggerIgnoresNonMatchingEvents(t *testing.T) {
	env := newTestEnv(t)
	seedAutoApprove(t, env, "build")

	condition := `{"all":[{"field":"event_type","op":"eq","value":"step_failed"},{"field":"step_kind","op":"in","values":["deploy"]}]}`
	action := `{"create_proposal":{"title":"Roll back","step_kinds":["build"]}}`
	if _, err := env.Engine.CreateTrigger(env.Ctx, "rollback", condition, 0, action, true); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	appendEvent(t, env, "builder", domain.EventStepFailed, events.EventPayload{"step_kind": "build"})
	fired, errs := env.Engine.EvaluateTriggers(env.Ctx)
	if fired != 0 || len(errs) > 0 {
		t.Fatalf("expected no firing, got %d %v", fired, errs)
	}
}

func TestCreateTriggerValidation(t *testing.T) {
	env := newTestEnv(t)
	action := `{"create_proposal":{"title":"x","step_kinds":["build"]}}`
	var verr engine.ValidationError

	_, err := env.Engine.CreateTrigger(env.Ctx, "", `{"all":[]}`, 0, action, true)
	if !errors.As(err, &verr) {
		t.Fatalf("empty name: %v", err)
	}
	_, err = env.Engine.CreateTrigger(env.Ctx, "t", `{"all":[{"field":"severity","op":"eq","value":"high"}]}`, 0, action, true)
	if !errors.As(err, &verr) {
		t.Fatalf("unknown field: %v", err)
	}
	_, err = env.Engine.CreateTrigger(env.Ctx, "t", `{"all":[{"field":"event_type","op":"eq","value":"x"}]}`, -1, action, true)
	if !errors.As(err, &verr) {
		t.Fatalf("negative cooldown: %v", err)
	}
	_, err = env.Engine.CreateTrigger(env.Ctx, "t", `{"all":[{"field":"event_type","op":"eq","value":"x"}]}`, 0, `{}`, true)
	if !errors.As(err, &verr) {
		t.Fatalf("empty action: %v", err)
	}
}

func TestReactionsProcessQueuedItems(t *testing.T) {
	env := newTestEnv(t)
	seedAutoApprove(t, env, "build", "analysis")
	env.Engine.Config.Reactions = map[string]config.ReactionAction{
		domain.EventStepFailed: {CreateProposal: &config.ReactionProposal{
			Title:     "Investigate failure",
			StepKinds: []string{"analysis"},
		}},
	}

	admit(t, env, "build")
	step, err := env.Engine.ClaimNextStep(env.Ctx, "builder", []string{"build"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	// a failed step enqueues reactions for step_failed and mission_finalized
	if _, err := env.Engine.CompleteStep(env.Ctx, step.ID, engine.StepOutcome{Status: domain.StepFailed, Error: "boom"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	processed, errs := env.Engine.ProcessReactions(env.Ctx)
	if len(errs) > 0 {
		t.Fatalf("process errors: %v", errs)
	}
	if processed != 2 {
		t.Fatalf("expected 2 processed, got %d", processed)
	}
	proposals, err := env.Engine.Repo.ListProposals(env.Ctx, repo.ProposalFilters{Source: domain.SourceReaction})
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	if len(proposals) != 1 || proposals[0].CreatedBy != "reaction:"+domain.EventStepFailed {
		t.Fatalf("reaction proposal missing: %+v", proposals)
	}

	processed, errs = env.Engine.ProcessReactions(env.Ctx)
	if processed != 0 || len(errs) > 0 {
		t.Fatalf("queue should be drained, got %d %v", processed, errs)
	}
}

func TestHeartbeatOnQuietSystem(t *testing.T) {
	env := newTestEnv(t)
	report, err := env.Engine.RunHeartbeat(env.Ctx)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !report.Success {
		t.Fatalf("quiet heartbeat should succeed: %+v", report)
	}
	if report.TriggersEvaluated != 0 || report.ReactionsProcessed != 0 || report.StaleRecovered != 0 {
		t.Fatalf("quiet heartbeat did work: %+v", report)
	}
}

func TestSeedPoliciesDoesNotOverwrite(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.UpsertPolicy(env.Ctx, domain.PolicyAutoApprove, `{"allowed":["custom"]}`); err != nil {
		t.Fatalf("preset policy: %v", err)
	}
	if err := env.Engine.SeedPolicies(env.Ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	p, err := env.Engine.Repo.GetPolicy(env.Ctx, domain.PolicyAutoApprove)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if p.ValueJSON != `{"allowed":["custom"]}` {
		t.Fatalf("operator policy overwritten: %s", p.ValueJSON)
	}
	if _, err := env.Engine.Repo.GetPolicy(env.Ctx, domain.PolicyAgentCapPref+"builder"); err != nil {
		t.Fatalf("cap policy not seeded: %v", err)
	}
}

func TestClaimRaceSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	seedAutoApprove(t, env, "build")
	res := admit(t, env, "build")

	steps, err := env.Engine.Repo.ListMissionSteps(env.Ctx, res.MissionID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	step := steps[0]

	// Two agents racing for the same queued step issue the same
	// conditional transition; the row moves exactly once.
	rivalA, rivalB := "rival-a", "rival-b"
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	won, err := env.Engine.Repo.TransitionStep(env.Ctx, step.ID, domain.StepQueued, domain.StepRunning, repo.StepFields{
		ReservedBy: &rivalA,
		ReservedAt: &now,
		StartedAt:  &now,
	})
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if !won {
		t.Fatal("first claim attempt should win")
	}
	won, err = env.Engine.Repo.TransitionStep(env.Ctx, step.ID, domain.StepQueued, domain.StepRunning, repo.StepFields{
		ReservedBy: &rivalB,
		ReservedAt: &now,
		StartedAt:  &now,
	})
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if won {
		t.Fatal("second claim attempt on the same step must lose")
	}

	got, err := env.Engine.Repo.GetStep(env.Ctx, step.ID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if got.ReservedBy == nil || *got.ReservedBy != rivalA {
		t.Fatalf("step reserved by %v, want %s", got.ReservedBy, rivalA)
	}

	// Nothing else is claimable once the only step is running.
	if _, err := env.Engine.ClaimNextStep(env.Ctx, "builder", []string{"build"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimDrainsQueueDeeperThanCandidateBatch(t *testing.T) {
	env := newTestEnv(t)
	seedAutoApprove(t, env, "build")

	// Seven steps of one kind, more than a single candidate batch holds.
	kinds := make([]string, 7)
	for i := range kinds {
		kinds[i] = "build"
	}
	res := admit(t, env, kinds...)

	for i := 1; i <= 7; i++ {
		step, err := env.Engine.ClaimNextStep(env.Ctx, "builder", []string{"build"})
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if step.StepOrder != i {
			t.Fatalf("claim %d returned step order %d", i, step.StepOrder)
		}
		if step.MissionID != res.MissionID {
			t.Fatalf("claim %d returned step from mission %s", i, step.MissionID)
		}
	}
	if _, err := env.Engine.ClaimNextStep(env.Ctx, "builder", []string{"build"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after queue drained, got %v", err)
	}
}
