// Package server exposes the staffing engine over HTTP: inbound SMS
// webhooks, goal execution, fill-request inspection, and the audit log.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"rosterline/internal/app"
	"rosterline/internal/directory"
	"rosterline/internal/dispatch"
	"rosterline/internal/domain"
	"rosterline/internal/registry"
	"rosterline/internal/repo"
	"rosterline/internal/runner"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Rosterline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Repo))
	hcfg := huma.DefaultConfig("Rosterline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerInbound(group, cfg.App)
	registerRequests(group, cfg.App)
	registerGoals(group, cfg.App)
	registerEventLog(group, cfg.App)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, directory.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, registry.ErrInvalidTarget), errors.Is(err, registry.ErrNoPendingRelease):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unparsable") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerInbound(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "inbound-sms",
		Method:      http.MethodPost,
		Path:        "/inbound",
		Summary:     "Route an inbound SMS",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body dispatch.Message `json:"body"`
	}) (*struct {
		Body dispatch.Result `json:"body"`
	}, error) {
		if input.Body.From == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "from is required", nil)
		}
		if strings.TrimSpace(input.Body.Body) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body is required", nil)
		}
		res, err := a.Dispatch.Handle(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dispatch.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerRequests(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List active fill requests",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []registry.FillRequest `json:"body"`
	}, error) {
		active := a.Registry.ListActive()
		items := make([]registry.FillRequest, 0, len(active))
		for _, req := range active {
			items = append(items, *req)
		}
		return &struct {
			Body []registry.FillRequest `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get a fill request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body registry.FillRequest `json:"body"`
	}, error) {
		req, ok := a.Registry.GetByID(input.ID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "request not found", nil)
		}
		return &struct {
			Body registry.FillRequest `json:"body"`
		}{Body: *req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/close",
		Summary:     "Close a fill request",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body registry.FillRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, ok := a.Registry.GetByID(input.ID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "request not found", nil)
		}
		key := req.ResourceKey
		err := a.Locks.WithLock(key, func() error {
			return a.Registry.Close(key, actorID)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body registry.FillRequest `json:"body"`
		}{Body: *req}, nil
	})
}

func registerGoals(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "run-goal",
		Method:      http.MethodPost,
		Path:        "/goals",
		Summary:     "Plan and execute a goal",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Goal   domain.Goal    `json:"goal"`
			Campus string         `json:"campus,omitempty"`
			Extra  map[string]any `json:"ctx,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body runner.RunResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Goal.Kind == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "goal.kind is required", nil)
		}
		sess := domain.Session{TenantID: a.Config.Project.ID, Campus: input.Body.Campus}
		res, err := a.Runner.Run(ctx, input.Body.Goal, sess, input.Body.Extra)
		if err != nil {
			return nil, handleError(err)
		}
		_ = a.Events.Append(ctx, nil, "goal.api", "goal", input.Body.Goal.RequestID, actorID, map[string]any{
			"kind": input.Body.Goal.Kind, "success": res.Execution.Success,
		})
		return &struct {
			Body runner.RunResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEventLog(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit log entries",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.EventLogEntry `json:"body"`
	}, error) {
		entries, err := a.Repo.ListEventLog(ctx, input.EntityKind, input.EntityID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.EventLogEntry{}
		}
		return &struct {
			Body []domain.EventLogEntry `json:"body"`
		}{Body: entries}, nil
	})
}
