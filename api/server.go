// Package api exposes the controller over HTTP.
package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/caserecord"
	"github.com/taloric/df-evaluation/results"
)

const (
	DefaultBasePath = "/v1"
	statusSuccess   = "SUCCESS"
)

// CaseService is the case lifecycle surface the API drives.
type CaseService interface {
	Submit(ctx context.Context, params evaluation.CaseParams) (evaluation.CaseRecord, error)
	RequestStatusChange(ctx context.Context, uuids []string, action evaluation.Action) ([]evaluation.CaseRecord, error)
	ForceEnd(ctx context.Context, uuids []string) ([]evaluation.CaseRecord, error)
	UpdateImageTag(ctx context.Context, uuids []string, tag string) ([]evaluation.CaseRecord, error)
	List(ctx context.Context, f caserecord.Filter) ([]evaluation.CaseRecord, error)
}

// Config for the HTTP handler.
type Config struct {
	Cases    CaseService
	Logs     *results.LogStore
	DataDir  string
	BasePath string
	Logger   evaluation.Logger
	// MaxUploadBytes bounds result archive uploads.
	MaxUploadBytes int64
}

// envelope is the response shape executors and dashboards already parse.
type envelope[T any] struct {
	Status      string `json:"OPT_STATUS" example:"SUCCESS"`
	Description string `json:"DESCRIPTION"`
	Data        T      `json:"DATA"`
}

type response[T any] struct {
	Body envelope[T]
}

func ok[T any](data T) *response[T] {
	return &response[T]{Body: envelope[T]{Status: statusSuccess, Data: data}}
}

// New returns the router serving every route under cfg.BasePath.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 512 << 20
	}
	logger := evaluation.WithLoggerFields(cfg.Logger, map[string]any{"component": "api"})

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		for _, e := range errs {
			if e != nil {
				msg += ": " + e.Error()
				break
			}
		}
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(recoverer(logger))
	router.Use(requestLogger(logger))

	hcfg := huma.DefaultConfig("Evaluation Controller API", "1.0.0")
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerCases(group, cfg.Cases)
	registerResults(group, cfg.Logs, cfg.DataDir)
	router.Post(basePath+"/result/zip", uploadArchive(cfg.DataDir, cfg.MaxUploadBytes, logger))

	return router, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*response[map[string]string], error) {
		return ok(map[string]string{"status": "ok"}), nil
	})
}

func recoverer(logger evaluation.Logger) func(http.Handler) http.Handler {
	panicLogger := evaluation.LoggerPanicLogger(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					panicLogger("api "+r.Method+" "+r.URL.Path, rec, debug.Stack())
					writeError(w, newAPIError(http.StatusInternalServerError, evaluation.ErrCodePanic, "internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger evaluation.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request served",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start).String(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
