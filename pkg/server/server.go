package server

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

// HealthChecker reports whether a backing service is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config for the HTTP API handler.
type Config struct {
	Commands *engine.CommandService
	Health   HealthChecker
	Metrics  http.Handler
	Logger   *telemetry.Logger
	BasePath string
	Version  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"VALIDATION_ERROR"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the error envelope of every failed request.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the command API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Commands == nil {
		return nil, errors.New("server: command service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNopLogger()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			messages := make([]string, 0, len(errs))
			for _, err := range errs {
				messages = append(messages, err.Error())
			}
			details = map[string]any{"errors": messages}
		}
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(chimid.RequestID)
	router.Use(chimid.Recoverer)
	router.Use(requestLogger(cfg.Logger))

	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}

	hcfg := huma.DefaultConfig("TeamCloud Command API", cfg.Version)
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg)
	registerCommands(group, cfg.Commands, basePath)
	registerCallbacks(group, cfg.Commands)

	return router, nil
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, func(ctx context.Context, _ *struct{}) (*healthResponse, error) {
		if cfg.Health != nil {
			if err := cfg.Health.HealthCheck(ctx); err != nil {
				return nil, newAPIError(http.StatusServiceUnavailable, "UNAVAILABLE", err.Error(), nil)
			}
		}
		resp := &healthResponse{}
		resp.Body.Status = "ok"
		resp.Body.Version = cfg.Version
		return resp, nil
	})
}

func registerCommands(api huma.API, svc *engine.CommandService, basePath string) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-command",
		Method:        http.MethodPost,
		Path:          "/commands",
		Summary:       "Submit a command",
		Description:   "Validates and admits the command, records a pending result, and starts its orchestration.",
		Tags:          []string{"commands"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *submitRequest) (*submitResponse, error) {
		cmd, err := input.Body.Command()
		if err != nil {
			return nil, handleError(err)
		}
		result, err := svc.Submit(ctx, cmd)
		if err != nil {
			return nil, handleError(err)
		}
		return &submitResponse{
			Location: path.Join(basePath, "commands", result.CommandID),
			Body:     result,
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-command-result",
		Method:      http.MethodGet,
		Path:        "/commands/{command_id}",
		Summary:     "Get the result of a command",
		Tags:        []string{"commands"},
	}, func(ctx context.Context, input *commandPath) (*resultResponse, error) {
		result, err := svc.GetResult(ctx, input.CommandID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &resultResponse{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-command-result",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/commands/{command_id}",
		Summary:     "Get the result of a project command",
		Tags:        []string{"commands"},
	}, func(ctx context.Context, input *projectCommandPath) (*resultResponse, error) {
		result, err := svc.GetResult(ctx, input.CommandID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &resultResponse{Body: result}, nil
	})
}

func registerCallbacks(api huma.API, svc *engine.CommandService) {
	huma.Register(api, huma.Operation{
		OperationID:   "raise-callback",
		Method:        http.MethodPost,
		Path:          "/callbacks/{instance_id}/{command_id}",
		Summary:       "Deliver a provider callback",
		Description:   "Raises the callback payload as an external event named after the command on the waiting instance.",
		Tags:          []string{"callbacks"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *callbackRequest) (*struct{}, error) {
		if err := svc.RaiseCallback(ctx, input.InstanceID, input.CommandID, input.Body); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
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

// handleError maps engine errors onto HTTP statuses: codes first, then the
// error class.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusGatewayTimeout, engine.ErrCodeTimeout, err.Error(), nil)
	}

	ee := engine.Classify(err)
	var details map[string]any
	if ee.Resource != "" || len(ee.Details) > 0 {
		details = make(map[string]any, len(ee.Details)+1)
		for k, v := range ee.Details {
			details[k] = v
		}
		if ee.Resource != "" {
			details["resource"] = ee.Resource
		}
	}

	return newAPIError(statusFor(ee), ee.Code, ee.Message, details)
}

func statusFor(ee *engine.EngineError) int {
	switch ee.Code {
	case engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodePermissionDenied:
		return http.StatusForbidden
	case engine.ErrCodeAlreadyExists, engine.ErrCodeConflict, engine.ErrCodeResultFinal:
		return http.StatusConflict
	case engine.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case engine.ErrCodeTimeout, engine.ErrCodeLockTimeout:
		return http.StatusGatewayTimeout
	}

	switch ee.Class {
	case engine.ErrorClassValidation:
		return http.StatusBadRequest
	case engine.ErrorClassConflict:
		return http.StatusConflict
	case engine.ErrorClassThrottled:
		return http.StatusTooManyRequests
	case engine.ErrorClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return engine.ErrCodeValidation
	case http.StatusNotFound:
		return engine.ErrCodeNotFound
	case http.StatusConflict:
		return engine.ErrCodeConflict
	case http.StatusForbidden:
		return engine.ErrCodePermissionDenied
	case http.StatusInternalServerError:
		return engine.ErrCodeInternal
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requestLogger logs one line per request with the chi request ID.
func requestLogger(logger *telemetry.Logger) func(http.Handler) http.Handler {
	zl := logger.NewComponentLogger("http").Zerolog()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimid.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			zl.Debug().
				Str("request_id", chimid.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("Request handled")
		})
	}
}
