package agent_test

import (
	"context"
	"errors"
	"testing"

	"opsline/internal/agent"
	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/migrate"
)

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	if err := eng.Repo.UpsertPolicy(context.Background(), domain.PolicyAutoApprove, `{"allowed":["build","deploy"]}`); err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	return eng
}

func submit(t *testing.T, eng engine.Engine, kinds ...string) string {
	t.Helper()
	res, err := eng.AdmitProposal(context.Background(), engine.AdmitOptions{
		Source:    domain.SourceAPI,
		Title:     "work",
		StepKinds: kinds,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if res.Status != domain.ProposalApproved {
		t.Fatalf("expected approved, got %s (%s)", res.Status, res.Reason)
	}
	return res.MissionID
}

func TestRunOnceExecutesClaimedStep(t *testing.T) {
	eng := newTestEngine(t)
	missionID := submit(t, eng, "build")

	var got domain.MissionStep
	runner := &agent.Runner{
		Engine:  eng,
		AgentID: "builder",
		Executors: map[string]agent.Executor{
			"build": agent.ExecutorFunc(func(ctx context.Context, step domain.MissionStep) (string, error) {
				got = step
				return "built rev abc123", nil
			}),
		},
	}

	claimed, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !claimed {
		t.Fatalf("expected a claim")
	}
	if got.StepKind != "build" || got.MissionID != missionID {
		t.Fatalf("executor saw wrong step: %+v", got)
	}
	steps, err := eng.Repo.ListMissionSteps(context.Background(), missionID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if steps[0].Status != domain.StepCompleted || steps[0].Result != "built rev abc123" {
		t.Fatalf("step not completed: %+v", steps[0])
	}

	claimed, err = runner.RunOnce(context.Background())
	if err != nil || claimed {
		t.Fatalf("queue should be empty: %v %v", claimed, err)
	}
}

func TestRunOnceReportsExecutorFailure(t *testing.T) {
	eng := newTestEngine(t)
	missionID := submit(t, eng, "build")

	runner := &agent.Runner{
		Engine:  eng,
		AgentID: "builder",
		Executors: map[string]agent.Executor{
			"build": agent.ExecutorFunc(func(ctx context.Context, step domain.MissionStep) (string, error) {
				return "", errors.New("compiler exploded")
			}),
		},
	}
	if _, err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	steps, err := eng.Repo.ListMissionSteps(context.Background(), missionID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if steps[0].Status != domain.StepFailed || steps[0].Error != "compiler exploded" {
		t.Fatalf("failure not reported: %+v", steps[0])
	}
	m, err := eng.Repo.GetMission(context.Background(), missionID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if m.Status != domain.MissionFailed {
		t.Fatalf("mission status %s", m.Status)
	}
}

func TestRunOnceSkipsKindsWithoutExecutor(t *testing.T) {
	eng := newTestEngine(t)
	submit(t, eng, "deploy")

	runner := &agent.Runner{
		Engine:  eng,
		AgentID: "builder",
		Executors: map[string]agent.Executor{
			"build": agent.ExecutorFunc(func(ctx context.Context, step domain.MissionStep) (string, error) {
				return "", nil
			}),
		},
	}
	// the claim query only covers declared kinds, so the deploy step stays queued
	claimed, err := runner.RunOnce(context.Background())
	if err != nil || claimed {
		t.Fatalf("expected no claim: %v %v", claimed, err)
	}
}

func TestKindsAreSorted(t *testing.T) {
	runner := &agent.Runner{Executors: map[string]agent.Executor{
		"test":   agent.ExecutorFunc(func(context.Context, domain.MissionStep) (string, error) { return "", nil }),
		"build":  agent.ExecutorFunc(func(context.Context, domain.MissionStep) (string, error) { return "", nil }),
		"deploy": agent.ExecutorFunc(func(context.Context, domain.MissionStep) (string, error) { return "", nil }),
	}}
	kinds := runner.Kinds()
	if len(kinds) != 3 || kinds[0] != "build" || kinds[1] != "deploy" || kinds[2] != "test" {
		t.Fatalf("kinds %v", kinds)
	}
}

func TestRunRequiresIdentityAndExecutors(t *testing.T) {
	eng := newTestEngine(t)
	r := &agent.Runner{Engine: eng}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected error without agent id")
	}
	r.AgentID = "builder"
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected error without executors")
	}
}
