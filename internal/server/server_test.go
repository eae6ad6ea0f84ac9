package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/engine"
	"opsline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.Repo.UpsertPolicy(context.Background(), "auto_approve_step_kinds", `{"allowed":["build","test"]}`); err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowLegacyAgentHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestProposalToCompletionRoundtrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"title":      "Deploy build",
		"step_kinds": []string{"build"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create proposal status %d: %s", res.StatusCode, string(data))
	}
	var admit AdmitResponse
	if err := json.Unmarshal(data, &admit); err != nil {
		t.Fatalf("unmarshal admit: %v", err)
	}
	if admit.Status != "approved" {
		t.Fatalf("expected approved, got %s (%s)", admit.Status, admit.Reason)
	}
	if admit.MissionID == "" {
		t.Fatalf("approved proposal should carry a mission id")
	}

	claimRes, claimBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/steps/claim", map[string]any{
		"agent_id": "builder",
		"kinds":    []string{"build"},
	}, nil)
	if claimRes.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", claimRes.StatusCode, string(claimBody))
	}
	var step StepResponse
	if err := json.Unmarshal(claimBody, &step); err != nil {
		t.Fatalf("unmarshal step: %v", err)
	}
	if step.Status != "running" {
		t.Fatalf("claimed step should be running, got %s", step.Status)
	}

	doneRes, doneBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/steps/"+step.ID+"/complete", map[string]any{
		"status": "completed",
		"result": "ok",
	}, nil)
	if doneRes.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", doneRes.StatusCode, string(doneBody))
	}

	missionRes, missionBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/"+admit.MissionID, nil, nil)
	if missionRes.StatusCode != http.StatusOK {
		t.Fatalf("get mission status %d: %s", missionRes.StatusCode, string(missionBody))
	}
	var mission MissionResponse
	if err := json.Unmarshal(missionBody, &mission); err != nil {
		t.Fatalf("unmarshal mission: %v", err)
	}
	if mission.Status != "succeeded" {
		t.Fatalf("expected succeeded mission, got %s", mission.Status)
	}
	if mission.FinalizedAt == nil {
		t.Fatalf("finalized mission should carry finalized_at")
	}
}

func TestCompleteStepConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"title":      "One step",
		"step_kinds": []string{"build"},
	}, nil)
	var admit AdmitResponse
	_ = json.Unmarshal(data, &admit)

	_, claimBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/steps/claim", map[string]any{
		"agent_id": "builder",
	}, nil)
	var step StepResponse
	_ = json.Unmarshal(claimBody, &step)

	first, firstBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/steps/"+step.ID+"/complete", map[string]any{
		"status": "completed",
	}, nil)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first completion: %d %s", first.StatusCode, string(firstBody))
	}
	second, secondBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/steps/"+step.ID+"/complete", map[string]any{
		"status": "failed",
		"error":  "late report",
	}, nil)
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", second.StatusCode, string(secondBody))
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/steps/claim", map[string]any{
		"agent_id": "builder",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on empty queue, got %d %s", res.StatusCode, string(body))
	}
}

func TestPendingReviewWhenKindNotAllowed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"title":      "Needs a human",
		"step_kinds": []string{"analysis"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create proposal status %d: %s", res.StatusCode, string(data))
	}
	var admit AdmitResponse
	_ = json.Unmarshal(data, &admit)
	if admit.Status != "pending" {
		t.Fatalf("expected pending, got %s", admit.Status)
	}
	if admit.MissionID != "" {
		t.Fatalf("pending proposal must not create a mission")
	}
}

func TestHeartbeatEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/heartbeat", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status %d: %s", res.StatusCode, string(data))
	}
	var report HeartbeatResponse
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if !report.Success {
		t.Fatalf("empty system heartbeat should succeed: %v", report.Errors)
	}
	if report.TriggersEvaluated != 0 || report.ReactionsProcessed != 0 || report.StaleRecovered != 0 {
		t.Fatalf("empty system should report zero work: %+v", report)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/missions", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestAuthenticateJWT(t *testing.T) {
	const secret = "server-test-secret"
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "builder"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	p, err := authenticateJWT(signed, secret)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.AgentID != "builder" {
		t.Errorf("expected agent builder, got %q", p.AgentID)
	}
	if p.Source != "jwt" {
		t.Errorf("expected source jwt, got %q", p.Source)
	}

	if _, err := authenticateJWT(signed, "wrong-secret"); err == nil {
		t.Error("expected error for wrong secret")
	}

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := authenticateJWT(noSubject, secret); err == nil {
		t.Error("expected error for token without subject")
	}
}
