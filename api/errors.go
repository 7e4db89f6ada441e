package api

import (
	"encoding/json"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	evaluation "github.com/taloric/df-evaluation"
)

// apiError renders in the same envelope as successful responses.
type apiError struct {
	status      int
	Status      string `json:"OPT_STATUS"`
	Description string `json:"DESCRIPTION"`
	Data        any    `json:"DATA"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Description }

func newAPIError(status int, code, message string) *apiError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Status: code, Description: message}
}

// handleError maps a domain error onto an HTTP status by category.
func handleError(err error) error {
	if err == nil {
		return nil
	}
	code := evaluation.ErrorCode(err)
	switch evaluation.ErrorCategory(err) {
	case goerrors.CategoryValidation, goerrors.CategoryBadInput:
		return newAPIError(http.StatusBadRequest, code, err.Error())
	case goerrors.CategoryNotFound:
		return newAPIError(http.StatusNotFound, code, err.Error())
	case goerrors.CategoryConflict:
		return newAPIError(http.StatusConflict, code, err.Error())
	}
	return newAPIError(http.StatusInternalServerError, code, err.Error())
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusInternalServerError:
		return "SERVER_ERROR"
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func writeError(w http.ResponseWriter, err *apiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.status)
	_ = json.NewEncoder(w).Encode(err)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
