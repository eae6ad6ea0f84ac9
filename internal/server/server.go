package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"opsline/internal/engine"
	"opsline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"cap_exceeded"`
	Message string         `json:"message" example:"agent builder reached daily cap (3/3 completed steps today)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"agent\":\"builder\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Opsline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Opsline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProposals(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerSteps(group, cfg.Engine)
	registerTriggers(group, cfg.Engine)
	registerPolicies(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerHeartbeat(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ce engine.CapExceededError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusUnprocessableEntity, "cap_exceeded", err.Error(), map[string]any{"agent": ce.Agent})
	}
	var sc engine.StepConflictError
	if errors.As(err, &sc) {
		return newAPIError(http.StatusConflict, "step_conflict", err.Error(), map[string]any{"step_id": sc.StepID})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var pm engine.PolicyMissingError
	if errors.As(err, &pm) {
		return newAPIError(http.StatusUnprocessableEntity, "policy_missing", err.Error(), map[string]any{"policy": pm.Name})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Opsline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Submit proposal",
		Description:   "Runs the cap gate and auto-approval; an approved proposal gets its mission and steps in the same call.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProposalRequest `json:"body"`
	}) (*struct {
		Body AdmitResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if len(input.Body.StepKinds) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "step_kinds is required", nil)
		}
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AdmitProposal(ctx, engine.AdmitOptions{
			Source:               "api",
			Title:                input.Body.Title,
			Description:          stringOrEmpty(input.Body.Description),
			StepKinds:            input.Body.StepKinds,
			AutoApproveRequested: input.Body.AutoApprove,
			CreatedBy:            agentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdmitResponse `json:"body"`
		}{Body: admitResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,approved,rejected"`
		Source string `query:"source" enum:"api,trigger,reaction"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ProposalResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
			Status: input.Status,
			Source: input.Source,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ProposalResponse, 0, len(items))
		for _, p := range items {
			res = append(res, proposalResponse(p))
		}
		return &struct {
			Body []ProposalResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProposal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,succeeded,failed"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []MissionResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListMissions(ctx, repo.MissionFilters{
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]MissionResponse, 0, len(items))
		for _, m := range items {
			res = append(res, missionResponse(m))
		}
		return &struct {
			Body []MissionResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		m, err := e.Repo.GetMission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-mission-steps",
		Method:      http.MethodGet,
		Path:        "/missions/{id}/steps",
		Summary:     "List mission steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []StepResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetMission(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListMissionSteps(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]StepResponse, 0, len(steps))
		for _, s := range steps {
			res = append(res, stepResponse(s))
		}
		return &struct {
			Body []StepResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerSteps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-step",
		Method:      http.MethodPost,
		Path:        "/steps/claim",
		Summary:     "Claim next queued step",
		Description: "Atomically claims the oldest queued step matching the agent's kinds. 404 when nothing is claimable.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ClaimStepRequest `json:"body"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		agentID := input.Body.AgentID
		if agentID == "" {
			id, authErr := agentIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			agentID = id
		}
		kinds := input.Body.Kinds
		if len(kinds) == 0 {
			kinds = e.Config.Agents.Capabilities[agentID]
		}
		if len(kinds) == 0 {
			kinds = []string{agentID}
		}
		step, err := e.ClaimNextStep(ctx, agentID, kinds)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "no claimable step", nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: stepResponse(step)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-step",
		Method:      http.MethodGet,
		Path:        "/steps/{id}",
		Summary:     "Get step",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStep(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: stepResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-step",
		Method:      http.MethodPost,
		Path:        "/steps/{id}/complete",
		Summary:     "Report step outcome",
		Description: "Moves a running step to completed or failed and finalizes the mission when it was the last open step.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body CompleteStepRequest `json:"body"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Status != "completed" && input.Body.Status != "failed" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status must be completed or failed", nil)
		}
		s, err := e.CompleteStep(ctx, input.ID, engine.StepOutcome{
			Status: input.Body.Status,
			Result: stringOrEmpty(input.Body.Result),
			Error:  stringOrEmpty(input.Body.Error),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: stepResponse(s)}, nil
	})
}

func registerTriggers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-trigger",
		Method:        http.MethodPost,
		Path:          "/triggers",
		Summary:       "Create trigger",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTriggerRequest `json:"body"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		condJSON, err := json.Marshal(input.Body.Condition)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid condition", nil)
		}
		actionJSON, err := json.Marshal(input.Body.Action)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid action", nil)
		}
		enabled := true
		if input.Body.Enabled != nil {
			enabled = *input.Body.Enabled
		}
		t, err := e.CreateTrigger(ctx, input.Body.Name, string(condJSON), input.Body.CooldownSeconds, string(actionJSON), enabled)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: triggerResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-triggers",
		Method:      http.MethodGet,
		Path:        "/triggers",
		Summary:     "List triggers",
	}, func(ctx context.Context, input *struct {
		Enabled bool `query:"enabled"`
	}) (*struct {
		Body []TriggerResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTriggers(ctx, input.Enabled)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]TriggerResponse, 0, len(items))
		for _, t := range items {
			res = append(res, triggerResponse(t))
		}
		return &struct {
			Body []TriggerResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-trigger-enabled",
		Method:      http.MethodPatch,
		Path:        "/triggers/{id}",
		Summary:     "Enable or disable trigger",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Enabled *bool `json:"enabled"`
		} `json:"body"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		if input.Body.Enabled == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "enabled is required", nil)
		}
		if err := e.Repo.SetTriggerEnabled(ctx, input.ID, *input.Body.Enabled); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTrigger(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: triggerResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-trigger",
		Method:      http.MethodDelete,
		Path:        "/triggers/{id}",
		Summary:     "Delete trigger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteTrigger(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerPolicies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List policies",
	}, func(ctx context.Context, input *struct {
		Prefix string `query:"prefix"`
	}) (*struct {
		Body []PolicyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListPolicies(ctx, input.Prefix)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]PolicyResponse, 0, len(items))
		for _, p := range items {
			res = append(res, policyResponse(p))
		}
		return &struct {
			Body []PolicyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policies/{name}",
		Summary:     "Get policy",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetPolicy(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: policyResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-policy",
		Method:      http.MethodPut,
		Path:        "/policies/{name}",
		Summary:     "Set policy",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Name string           `path:"name"`
		Body SetPolicyRequest `json:"body"`
	}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		valueJSON, err := json.Marshal(input.Body.Value)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid value", nil)
		}
		if err := e.Repo.UpsertPolicy(ctx, input.Name, string(valueJSON)); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetPolicy(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: policyResponse(p)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type      string `query:"type"`
		MissionID string `query:"mission_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			EventType: input.Type,
			MissionID: input.MissionID,
			Cursor:    cursorID,
			Limit:     limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerHeartbeat(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "heartbeat",
		Method:      http.MethodPost,
		Path:        "/heartbeat",
		Summary:     "Run one heartbeat tick",
		Description: "Evaluates triggers, drains the reaction queue, and recovers stale steps. Partial failures are reported, never fatal.",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HeartbeatResponse `json:"body"`
	}, error) {
		report, err := e.RunHeartbeat(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HeartbeatResponse `json:"body"`
		}{Body: heartbeatResponse(report)}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	if r, ok := ctx.Value(requestKey{}).(*http.Request); ok && r.Body != nil {
		b, _ := io.ReadAll(r.Body)
		return b
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
