package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
	"icpilot/internal/engine"
	"icpilot/internal/executors"
	"icpilot/internal/store"
)

// Check reports the health of one dependency for the readiness probe.
type Check func(ctx context.Context) error

// Config for the HTTP API handler. RunContext bounds runs started through
// the API; it defaults to context.Background.
type Config struct {
	Engine     engine.Engine
	Events     store.EventLog
	BasePath   string
	Auth       AuthConfig
	Checks     map[string]Check
	Logger     *slog.Logger
	RunContext context.Context
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"run not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"run_id\":\"abc\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the icpilot API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Runs == nil || cfg.Engine.Artifacts == nil || cfg.Engine.Bus == nil {
		return nil, errors.New("server requires an engine with run, artifact and event stores")
	}
	if cfg.Events == nil {
		return nil, errors.New("server requires an event log")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "api")
	if cfg.RunContext == nil {
		cfg.RunContext = context.Background()
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("icpilot API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Checks)
	registerRuns(group, cfg)
	registerEvents(group, cfg)
	registerArtifacts(group, cfg.Engine)
	registerMandates(group)
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
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "unavailable"
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
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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

// applyAuthSecurity marks mutating operations as bearer protected. Reads
// are public.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				op.Security = security
			}
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
    <title>icpilot API Docs</title>
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
      Starting a run requires Authorization: Bearer &lt;token&gt; when the server has a JWT secret.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, checks map[string]Check) {
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

	huma.Register(api, huma.Operation{
		OperationID: "ready",
		Method:      http.MethodGet,
		Path:        "/ready",
		Summary:     "Readiness check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Status int
		Body   ReadyResponse `json:"body"`
	}, error) {
		resp := ReadyResponse{Ready: true, Checks: map[string]string{"api": "ok"}}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				resp.Ready = false
				resp.Checks[name] = err.Error()
				continue
			}
			resp.Checks[name] = "ok"
		}
		status := http.StatusOK
		if !resp.Ready {
			status = http.StatusServiceUnavailable
		}
		return &struct {
			Status int
			Body   ReadyResponse `json:"body"`
		}{Status: status, Body: resp}, nil
	})
}

func registerRuns(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Create and start a run",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest `json:"body"`
	}) (*struct {
		Body CreateRunResponse `json:"body"`
	}, error) {
		requestedBy := strings.TrimSpace(input.Body.RequestedBy)
		if p, ok := principalFromContext(ctx); ok && requestedBy == "" {
			requestedBy = p.Subject
		}
		run, err := e.CreateRun(ctx, engine.CreateOptions{
			MandateID:   strings.TrimSpace(input.Body.MandateID),
			Seed:        input.Body.Seed,
			Config:      input.Body.Config,
			RequestedBy: requestedBy,
			Tags:        input.Body.Tags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		e.Start(cfg.RunContext, run.RunID)
		cfg.Logger.Info("run_started", "run_id", run.RunID, "mandate_id", run.MandateID, "seed", run.Seed, "requested_by", requestedBy)
		return &struct {
			Body CreateRunResponse `json:"body"`
		}{Body: CreateRunResponse{
			RunID:   run.RunID,
			Status:  "started",
			Message: fmt.Sprintf("Run started. Follow /runs/%s/events/stream for progress.", run.RunID),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"pending,running,completed,failed,cancelled"`
		MandateID string `query:"mandate_id"`
		Limit     int    `query:"limit" default:"50"`
		Offset    int    `query:"offset" minimum:"0"`
	}) (*struct {
		Body paginatedRuns `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		runs, err := e.Runs.ListRuns(ctx, store.RunFilter{
			Status:    domain.RunStatus(input.Status),
			MandateID: input.MandateID,
			Limit:     limit,
			Offset:    input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		items := mapRuns(runs)
		return &struct {
			Body paginatedRuns `json:"body"`
		}{Body: paginatedRuns{Items: items, Count: len(items), Limit: limit, Offset: input.Offset}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run with stages and candidates",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := e.Runs.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

// heartbeatEvent and streamError only exist to give the stream its own SSE
// event names.
type heartbeatEvent domain.Event

type streamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const streamRetryMS = 5000

func registerEvents(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-run-events",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/events",
		Summary:     "List run events by sequence",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID  string `path:"run_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := e.Runs.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursor, err := parseCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := cfg.Events.EventsAfter(ctx, input.RunID, cursor, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Sequence, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	sse.Register(api, huma.Operation{
		OperationID: "stream-run-events",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/events/stream",
		Summary:     "Stream run events",
		Description: "Replays events after `since` (or Last-Event-ID), follows the live log with heartbeats while idle, and ends after the run's terminal event.",
	}, map[string]any{
		"workflow_event": domain.Event{},
		"heartbeat":      heartbeatEvent{},
		"error":          streamError{},
	}, func(ctx context.Context, input *struct {
		RunID       string `path:"run_id"`
		Since       string `query:"since"`
		LastEventID string `header:"Last-Event-ID"`
	}, send sse.Sender) {
		logger := cfg.Logger.With("run_id", input.RunID)
		raw := input.Since
		if raw == "" {
			raw = input.LastEventID
		}
		cursor, err := parseCursor(raw)
		if err != nil {
			send.Data(streamError{Code: "bad_request", Message: "invalid cursor"})
			return
		}
		if _, err := e.Runs.GetRun(ctx, input.RunID); err != nil {
			code := "internal_error"
			if errors.Is(err, store.ErrNotFound) {
				code = "not_found"
			}
			send.Data(streamError{Code: code, Message: err.Error()})
			return
		}
		ch, err := e.Bus.Subscribe(ctx, input.RunID, cursor)
		if err != nil {
			send.Data(streamError{Code: "internal_error", Message: err.Error()})
			return
		}
		logger.Debug("sse_connection_started", "cursor", cursor)
		for evt := range ch {
			msg := sse.Message{ID: int(evt.Sequence), Data: evt, Retry: streamRetryMS}
			if evt.Kind == domain.EventHeartbeat {
				msg = sse.Message{Data: heartbeatEvent(evt)}
			}
			if err := send(msg); err != nil {
				logger.Debug("sse_client_disconnected", "error", err)
				return
			}
		}
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-run-artifacts",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/artifacts",
		Summary:     "List artifact types and versions of a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body ArtifactIndexResponse `json:"body"`
	}, error) {
		if _, err := e.Runs.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		index, err := e.Artifacts.ListArtifacts(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ArtifactIndexResponse{RunID: input.RunID, Artifacts: []ArtifactIndexEntry{}}
		for kind, latest := range index {
			versions, err := e.Artifacts.ListVersions(ctx, input.RunID, kind)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Artifacts = append(resp.Artifacts, ArtifactIndexEntry{
				Type:          kind,
				LatestVersion: latest,
				Versions:      versions,
				Location:      store.Location(input.RunID, kind, latest),
			})
		}
		sort.Slice(resp.Artifacts, func(i, j int) bool { return resp.Artifacts[i].Type < resp.Artifacts[j].Type })
		return &struct {
			Body ArtifactIndexResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-artifact",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/artifacts/{type}",
		Summary:     "Get an artifact version, latest by default",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID   string `path:"run_id"`
		Type    string `path:"type"`
		Version int    `query:"version" minimum:"0" doc:"0 or absent selects the latest version"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		kind := artifact.Kind(input.Type)
		if !kind.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown artifact type", map[string]any{"type": input.Type})
		}
		a, err := e.Artifacts.Load(ctx, input.RunID, kind, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(input.RunID, a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-audit",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/audit",
		Summary:     "Export the audit bundle of a run",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body AuditResponse `json:"body"`
	}, error) {
		if _, err := e.Runs.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		bundle, err := store.BuildAuditBundle(ctx, e.Artifacts, input.RunID, time.Now().UTC())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditResponse `json:"body"`
		}{Body: auditResponse(bundle)}, nil
	})
}

func registerMandates(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-mandates",
		Method:      http.MethodGet,
		Path:        "/mandates",
		Summary:     "List mandate templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []executors.MandateTemplate `json:"items"`
		} `json:"body"`
	}, error) {
		templates, err := executors.Mandates()
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []executors.MandateTemplate `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = templates
		return out, nil
	})
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

func parseCursor(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid cursor %q", raw)
	}
	return v, nil
}
