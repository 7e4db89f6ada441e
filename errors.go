package evaluation

import (
	stderrors "errors"
	"strings"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeCapacityExceeded       = "ADMISSION_CAPACITY_EXCEEDED"
	ErrCodeInvalidAction          = "ADMISSION_INVALID_ACTION"
	ErrCodeNoEligibleCase         = "ADMISSION_NO_ELIGIBLE_CASE"
	ErrCodeInvalidParams          = "CASE_PARAMS_INVALID"
	ErrCodeCaseNotFound           = "CASE_NOT_FOUND"
	ErrCodeCaseExists             = "CASE_ALREADY_EXISTS"
	ErrCodeIllegalTransition      = "CASE_ILLEGAL_TRANSITION"
	ErrCodeConvergenceTimeout     = "CONVERGENCE_TIMEOUT"
	ErrCodeEnvironmentUnreachable = "ENVIRONMENT_UNREACHABLE"
	ErrCodeProvisionerFailed      = "PROVISIONER_FAILED"
	ErrCodeCrashRecovery          = "CRASH_RECOVERY"
	ErrCodeLockTimeout            = "RUNTIME_LOCK_TIMEOUT"
	ErrCodeStateNotFound          = "RUNTIME_STATE_NOT_FOUND"
	ErrCodePanic                  = "PANIC_RECOVERED"
)

const admissionCodePrefix = "ADMISSION_"

var (
	ErrCapacityExceeded = errors.New("runner capacity reached", errors.CategoryConflict).
				WithTextCode(ErrCodeCapacityExceeded)
	ErrInvalidAction = errors.New("invalid action", errors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidAction)
	ErrNoEligibleCase = errors.New("no test cases available to modify the status", errors.CategoryBadInput).
				WithTextCode(ErrCodeNoEligibleCase)
	ErrInvalidParams = errors.New("invalid case parameters", errors.CategoryValidation).
				WithTextCode(ErrCodeInvalidParams)
	ErrCaseNotFound = errors.New("case not found", errors.CategoryNotFound).
			WithTextCode(ErrCodeCaseNotFound)
	ErrCaseExists = errors.New("case already exists", errors.CategoryConflict).
			WithTextCode(ErrCodeCaseExists)
	ErrIllegalTransition = errors.New("illegal status transition", errors.CategoryConflict).
				WithTextCode(ErrCodeIllegalTransition)
	ErrConvergenceTimeout = errors.New("state change not observed in time", errors.CategoryOperation).
				WithTextCode(ErrCodeConvergenceTimeout)
	ErrEnvironmentUnreachable = errors.New("runner environment unreachable", errors.CategoryExternal).
					WithTextCode(ErrCodeEnvironmentUnreachable)
	ErrProvisionerFailed = errors.New("provisioner failed", errors.CategoryExternal).
				WithTextCode(ErrCodeProvisionerFailed)
	ErrCrashRecovery = errors.New("case abandoned by a previous controller", errors.CategoryInternal).
				WithTextCode(ErrCodeCrashRecovery)
	ErrLockTimeout = errors.New("timed out acquiring runtime lock", errors.CategoryConflict).
			WithTextCode(ErrCodeLockTimeout)
	ErrStateNotFound = errors.New("runtime state not found", errors.CategoryNotFound).
				WithTextCode(ErrCodeStateNotFound)
	ErrPanic = errors.New("recovered from panic", errors.CategoryInternal).
			WithTextCode(ErrCodePanic)
)

// NewError clones base, optionally replacing the message and attaching
// a source error and metadata.
func NewError(base *errors.Error, message string, source error, metadata map[string]any) *errors.Error {
	if base == nil {
		base = errors.New("internal error", errors.CategoryInternal)
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of the first go-errors value in err's chain.
func ErrorCode(err error) string {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// ErrorCategory returns the category of the first go-errors value in err's chain.
func ErrorCategory(err error) errors.Category {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.Category
	}
	return ""
}

// IsAdmissionError reports whether err was raised while admitting a request.
func IsAdmissionError(err error) bool {
	return strings.HasPrefix(ErrorCode(err), admissionCodePrefix)
}
