package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/results"
)

// Result payload types. Zero selects the only supported kind.
const (
	ResultTypeLogRaw        = 1
	ResultTypePerformanceMD = 1
)

type PostLogRequest struct {
	UUID string `json:"uuid" minLength:"1"`
	Type int    `json:"type,omitempty"`
	Data string `json:"data,omitempty"`
}

func checkType(got, want int, what string) error {
	if got != 0 && got != want {
		return newAPIError(http.StatusBadRequest, evaluation.ErrCodeInvalidParams, fmt.Sprintf("%s type %d is not supported", what, got))
	}
	return nil
}

func registerResults(api huma.API, logs *results.LogStore, dataDir string) {
	huma.Register(api, huma.Operation{
		OperationID: "post-result-log",
		Method:      http.MethodPost,
		Path:        "/result/log",
		Summary:     "Append executor log text",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body PostLogRequest
	}) (*response[any], error) {
		if err := checkType(input.Body.Type, ResultTypeLogRaw, "log"); err != nil {
			return nil, err
		}
		if err := logs.Append(strings.TrimSpace(input.Body.UUID), input.Body.Data); err != nil {
			return nil, handleError(err)
		}
		return ok[any](nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-result-log",
		Method:      http.MethodGet,
		Path:        "/result/log",
		Summary:     "Read a window of a case log",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		UUID      string `query:"uuid" required:"true" minLength:"1"`
		Type      int    `query:"type"`
		LineIndex int    `query:"line_index" default:"1"`
		LineSize  int    `query:"line_size" default:"100" doc:"Lines to return, below 1 reads to the end"`
	}) (*response[results.LogWindow], error) {
		if err := checkType(input.Type, ResultTypeLogRaw, "log"); err != nil {
			return nil, err
		}
		win, err := logs.Read(input.UUID, input.LineIndex, input.LineSize)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(win), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-result-performance",
		Method:      http.MethodGet,
		Path:        "/result/performance",
		Summary:     "Markdown performance reports of a case",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		UUID string `query:"uuid" required:"true" minLength:"1"`
		Type int    `query:"type"`
	}) (*response[[]results.PerformanceReport], error) {
		if err := checkType(input.Type, ResultTypePerformanceMD, "performance"); err != nil {
			return nil, err
		}
		reports, err := results.PerformanceReports(evaluation.NewCaseDirs(dataDir, input.UUID))
		if err != nil {
			return nil, handleError(err)
		}
		if reports == nil {
			reports = []results.PerformanceReport{}
		}
		return ok(reports), nil
	})
}

// uploadArchive accepts a multipart "file" zip and unpacks it under dataDir.
func uploadArchive(dataDir string, maxBytes int64, logger evaluation.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, newAPIError(http.StatusBadRequest, evaluation.ErrCodeInvalidParams, "No file part"))
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, newAPIError(http.StatusBadRequest, evaluation.ErrCodeInvalidParams, "No file part"))
			return
		}
		defer file.Close()
		if header.Filename == "" {
			writeError(w, newAPIError(http.StatusBadRequest, evaluation.ErrCodeInvalidParams, "No selected file"))
			return
		}

		names, err := results.ExtractArchive(dataDir, file, header.Size)
		if err != nil {
			logger.Warn("result archive rejected", "file", header.Filename, "error", err)
			writeError(w, newAPIError(http.StatusBadRequest, evaluation.ErrCodeInvalidParams, err.Error()))
			return
		}
		logger.Info("result archive extracted", "file", header.Filename, "entries", len(names))
		writeJSON(w, http.StatusOK, envelope[[]string]{Status: statusSuccess, Data: names})
	}
}
