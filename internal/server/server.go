// Package server exposes the caseflow HTTP API: triggers in, replies
// in, case state out, operator controls for paused cases.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"caseflow/internal/coordinator"
	"caseflow/internal/correlate"
	"caseflow/internal/domain"
	"caseflow/internal/repo"
	"caseflow/internal/source"
	"caseflow/internal/status"
)

// Config for the HTTP API handler.
type Config struct {
	Coord    *coordinator.Coordinator
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"unknown case"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the caseflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Caseflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTriggers(group, cfg.Coord)
	registerReplies(group, cfg.Coord, cfg.Repo)
	registerCases(group, cfg.Coord, cfg.Repo)
	registerRecover(group, cfg.Coord)
	registerOpenAPI(router, api, basePath)

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
	if errors.Is(err, coordinator.ErrUnknownCase) || errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, correlate.ErrNoCorrelation) {
		return newAPIError(http.StatusUnprocessableEntity, "unmatched_reply", err.Error(), nil)
	}
	var verr *source.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(),
			map[string]any{"missing": verr.MissingFields, "cause": verr.Cause})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, ", not "):
		return newAPIError(http.StatusConflict, "wrong_state", msg, nil)
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

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTriggers(api huma.API, coord *coordinator.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-trigger",
		Method:        http.MethodPost,
		Path:          "/triggers",
		Summary:       "Start a research case",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body TriggerRequest
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		if strings.TrimSpace(input.Body.Creator) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "creator is required", nil)
		}
		corrID, eventID, err := coord.Trigger(ctx, domain.TriggerInput{
			CorrelationID: input.Body.CorrelationID,
			Creator:       input.Body.Creator,
			Recipient:     input.Body.Recipient,
			Payload:       input.Body.Payload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		st, err := coord.Status(ctx, corrID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: TriggerResponse{CorrelationID: corrID, EventID: eventID, Status: string(st)}}, nil
	})
}

func registerReplies(api huma.API, coord *coordinator.Coordinator, r repo.Repo) {
	resolver := correlate.Resolver{Repo: r, Bus: coord.Bus}
	huma.Register(api, huma.Operation{
		OperationID: "ingest-reply",
		Method:      http.MethodPost,
		Path:        "/replies",
		Summary:     "Ingest a raw RFC 5322 reply mail",
	}, func(ctx context.Context, input *struct {
		RawBody []byte `contentType:"message/rfc822"`
	}) (*struct {
		Body ReplyResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		res, err := resolver.Ingest(ctx, strings.NewReader(string(input.RawBody)))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReplyResponse `json:"body"`
		}{Body: ReplyResponse{
			CorrelationID: res.CorrelationID,
			EventID:       res.EventID,
			Duplicate:     res.Duplicate,
			Fields:        res.Fields,
		}}, nil
	})
}

func registerCases(api huma.API, coord *coordinator.Coordinator, r repo.Repo) {
	type casePath struct {
		CorrelationID string `path:"correlation_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cached cases",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Optional status filter"`
	}) (*struct {
		Body []repo.CachedCase `json:"body"`
	}, error) {
		if input.Status != "" {
			if _, err := status.Parse(input.Status); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
		}
		cases, err := r.ListCases(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []repo.CachedCase `json:"body"`
		}{Body: cases}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{correlation_id}",
		Summary:     "Project a case from its event history",
	}, func(ctx context.Context, input *casePath) (*struct {
		Body CaseDTO `json:"body"`
	}, error) {
		c, err := coord.Get(ctx, input.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseDTO `json:"body"`
		}{Body: caseDTO(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case-status",
		Method:      http.MethodGet,
		Path:        "/cases/{correlation_id}/status",
		Summary:     "Current case status",
	}, func(ctx context.Context, input *casePath) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		st, err := coord.Status(ctx, input.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			CorrelationID: input.CorrelationID,
			Status:        string(st),
			Terminal:      st.IsTerminal(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case-events",
		Method:      http.MethodGet,
		Path:        "/cases/{correlation_id}/events",
		Summary:     "Full recorded event history",
	}, func(ctx context.Context, input *casePath) (*struct {
		Body []EventDTO `json:"body"`
	}, error) {
		events, err := coord.Events(ctx, input.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventDTO `json:"body"`
		}{Body: eventDTOs(events)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-case",
		Method:      http.MethodPost,
		Path:        "/cases/{correlation_id}/abort",
		Summary:     "Abort an open case",
	}, func(ctx context.Context, input *struct {
		CorrelationID string `path:"correlation_id"`
		Body          struct {
			Reason string `json:"reason,omitempty"`
		}
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		if err := coord.Abort(ctx, input.CorrelationID, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		st, err := coord.Status(ctx, input.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			CorrelationID: input.CorrelationID,
			Status:        string(st),
			Terminal:      st.IsTerminal(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fix-case",
		Method:      http.MethodPost,
		Path:        "/cases/{correlation_id}/fix",
		Summary:     "Apply an operator fix to a paused case",
	}, func(ctx context.Context, input *struct {
		CorrelationID string `path:"correlation_id"`
		Body          struct {
			Fields map[string]any `json:"fields,omitempty"`
		}
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		if err := coord.Fix(ctx, input.CorrelationID, input.Body.Fields); err != nil {
			return nil, handleError(err)
		}
		st, err := coord.Status(ctx, input.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			CorrelationID: input.CorrelationID,
			Status:        string(st),
			Terminal:      st.IsTerminal(),
		}}, nil
	})
}

func registerRecover(api huma.API, coord *coordinator.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "recover",
		Method:      http.MethodPost,
		Path:        "/recover",
		Summary:     "Replay the event log and resume stale cases",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body coordinator.RecoveryReport `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		rep, err := coord.Recover(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body coordinator.RecoveryReport `json:"body"`
		}{Body: rep}, nil
	})
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	healthPath := path.Join(basePath, "healthz")
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
    <title>Caseflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui',
        });
      };
    </script>
  </body>
</html>`, specURL)
}
