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

	"dealline/internal/domain"
	"dealline/internal/engine"
	"dealline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_stage"`
	Message string         `json:"message" example:"invalid stage: won"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope used on every failure.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Dealline API.
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Dealline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDeals(group, cfg.Engine)
	registerSweep(group, cfg.Engine)
	registerFollowups(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerQuotes(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvalidStage) {
		return newAPIError(http.StatusBadRequest, "invalid_stage", err.Error(), nil)
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

func registerDeals(api huma.API, e engine.Engine) {
	type dealPath struct {
		ProjectID string `path:"project_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-deals",
		Method:      http.MethodGet,
		Path:        "/deals",
		Summary:     "List deals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Deal `json:"body"`
	}, error) {
		deals, err := e.Repo.ListDeals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if deals == nil {
			deals = []domain.Deal{}
		}
		return &struct {
			Body []domain.Deal `json:"body"`
		}{Body: deals}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-deal",
		Method:        http.MethodPost,
		Path:          "/deals",
		Summary:       "Register a deal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDealRequest `json:"body"`
	}) (*struct {
		Body domain.Deal `json:"body"`
	}, error) {
		d, err := e.CreateDeal(ctx, engine.CreateDealOptions{
			ProjectID:  input.Body.ProjectID,
			Name:       input.Body.Name,
			Customer:   input.Body.Customer,
			Owner:      input.Body.Owner,
			Stage:      input.Body.Stage,
			Amount:     input.Body.Amount,
			Currency:   input.Body.Currency,
			FollowupAt: input.Body.FollowupAt,
			Note:       input.Body.Note,
			Source:     input.Body.Source,
			Actor:      actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deal `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deal",
		Method:      http.MethodGet,
		Path:        "/deals/{project_id}",
		Summary:     "Get one deal",
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body domain.Deal `json:"body"`
	}, error) {
		d, err := e.Repo.GetDeal(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deal `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-deal",
		Method:      http.MethodPost,
		Path:        "/deals/{project_id}/transition",
		Summary:     "Move a deal to a stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.Deal `json:"body"`
	}, error) {
		if input.Body.Stage == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "stage is required", nil)
		}
		d, _, err := e.ApplyTransition(ctx, engine.TransitionOptions{
			ProjectID: input.ProjectID,
			Stage:     input.Body.Stage,
			Deadline:  input.Body.Deadline,
			Note:      input.Body.Note,
			Source:    input.Body.Source,
			Actor:     actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deal `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "classify-deal",
		Method:      http.MethodPost,
		Path:        "/deals/{project_id}/classify",
		Summary:     "Advance a deal from chat text",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      ClassifyRequest `json:"body"`
	}) (*struct {
		Body engine.ClassifyResult `json:"body"`
	}, error) {
		if input.Body.Text == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		res, err := e.ClassifyIntent(ctx, input.ProjectID, input.Body.Text, input.Body.Source)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ClassifyResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerSweep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Run the scheduler pass",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.SweepReport `json:"body"`
	}, error) {
		report, err := e.RunSweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SweepReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerFollowups(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "due-followups",
		Method:      http.MethodGet,
		Path:        "/followups/due",
		Summary:     "Deals due for outreach today",
		Description: "Computes the follow-up queue without persisting; the per-day ping guard is not advanced.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.DueFollowup `json:"body"`
	}, error) {
		report, err := e.PreviewSweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DueFollowup `json:"body"`
		}{Body: report.DueFollowups}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List derived tasks",
	}, func(ctx context.Context, input *struct {
		Project string `query:"project" doc:"filter by linked project id"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		var (
			tasks []domain.Task
			err   error
		)
		if input.Project != "" {
			tasks, err = e.Repo.ListTasksByProject(ctx, input.Project)
		} else {
			tasks, err = e.Repo.ListTasks(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})
}

func registerQuotes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-quotes",
		Method:      http.MethodGet,
		Path:        "/quotes",
		Summary:     "List quote reference records",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Quote `json:"body"`
	}, error) {
		quotes, err := e.Repo.ListQuotes(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if quotes == nil {
			quotes = []domain.Quote{}
		}
		return &struct {
			Body []domain.Quote `json:"body"`
		}{Body: quotes}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent mutation events",
	}, func(ctx context.Context, input *struct {
		Project string `query:"project" doc:"full history of one project"`
		Limit   int    `query:"limit" doc:"number of events, newest first"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		var (
			evts []domain.Event
			err  error
		)
		if input.Project != "" {
			evts, err = e.Repo.EventsForEntity(ctx, input.Project)
		} else {
			evts, err = e.Repo.LatestEvents(ctx, input.Limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if evts == nil {
			evts = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
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
	security := []map[string][]string{
		{"bearerAuth": {}},
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
    <title>Dealline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}
