package opslinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Opsline HTTP API client.
type Client struct {
	BaseURL     string
	AgentID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, agentID string) *Client {
	return &Client{
		BaseURL: baseURL,
		AgentID: agentID,
		Timeout: 10 * time.Second,
	}
}

// AdmitResult reports what admission did with a proposal.
type AdmitResult struct {
	Status     string `json:"status"`
	ProposalID string `json:"proposal_id"`
	MissionID  string `json:"mission_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Mission represents the API mission model.
type Mission struct {
	ID             string  `json:"id"`
	ProposalID     string  `json:"proposal_id"`
	Title          string  `json:"title"`
	Status         string  `json:"status"`
	StepCount      int     `json:"step_count"`
	CompletedCount int     `json:"completed_count"`
	FailedCount    int     `json:"failed_count"`
	FinalizedAt    *string `json:"finalized_at,omitempty"`
}

// Step represents the API step model.
type Step struct {
	ID         string  `json:"id"`
	MissionID  string  `json:"mission_id"`
	StepKind   string  `json:"step_kind"`
	StepOrder  int     `json:"step_order"`
	Status     string  `json:"status"`
	ReservedBy *string `json:"reserved_by,omitempty"`
	Result     string  `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID        int64          `json:"id"`
	AgentID   string         `json:"agent_id"`
	EventType string         `json:"event_type"`
	MissionID *string        `json:"mission_id,omitempty"`
	StepID    *string        `json:"step_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

// HeartbeatReport aggregates one heartbeat tick.
type HeartbeatReport struct {
	Success            bool     `json:"success"`
	HeartbeatAt        string   `json:"heartbeat_at"`
	DurationMS         int64    `json:"duration_ms"`
	TriggersEvaluated  int      `json:"triggers_evaluated"`
	ReactionsProcessed int      `json:"reactions_processed"`
	StaleRecovered     int      `json:"stale_recovered"`
	Errors             []string `json:"errors"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether the error is a 404. Claim loops treat it as an
// empty queue, not a failure.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// SubmitProposal submits a proposal for admission.
func (c *Client) SubmitProposal(ctx context.Context, title string, stepKinds []string, autoApprove bool) (AdmitResult, error) {
	body := map[string]any{
		"title":        title,
		"step_kinds":   stepKinds,
		"auto_approve": autoApprove,
	}
	var resp AdmitResult
	err := c.do(ctx, http.MethodPost, "v0/proposals", body, &resp)
	return resp, err
}

// ClaimStep claims the next queued step for the client's agent. The kinds
// slice may be nil to use the server-side capability table.
func (c *Client) ClaimStep(ctx context.Context, kinds []string) (Step, error) {
	body := map[string]any{
		"agent_id": c.AgentID,
	}
	if len(kinds) > 0 {
		body["kinds"] = kinds
	}
	var resp Step
	err := c.do(ctx, http.MethodPost, "v0/steps/claim", body, &resp)
	return resp, err
}

// CompleteStep reports a step outcome.
func (c *Client) CompleteStep(ctx context.Context, stepID, status, result, stepErr string) (Step, error) {
	body := map[string]any{
		"status": status,
	}
	if result != "" {
		body["result"] = result
	}
	if stepErr != "" {
		body["error"] = stepErr
	}
	var resp Step
	endpoint := fmt.Sprintf("v0/steps/%s/complete", url.PathEscape(stepID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetMission fetches a mission by id.
func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	endpoint := fmt.Sprintf("v0/missions/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MissionSteps lists the steps of a mission in order.
func (c *Client) MissionSteps(ctx context.Context, id string) ([]Step, error) {
	var resp []Step
	endpoint := fmt.Sprintf("v0/missions/%s/steps", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Heartbeat runs one heartbeat tick on the server.
func (c *Client) Heartbeat(ctx context.Context) (HeartbeatReport, error) {
	var resp HeartbeatReport
	err := c.do(ctx, http.MethodPost, "v0/heartbeat", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
