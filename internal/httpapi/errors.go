package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/statacorp/stata-mcp-server/internal/logger"
	"github.com/statacorp/stata-mcp-server/internal/session"
)

// Error kinds carried in the `code` field of error responses.
const (
	KindBadRequest        = "bad_request"
	KindSessionNotFound   = "session_not_found"
	KindSessionBusy       = "session_busy"
	KindCapacity          = "capacity"
	KindEngineUnavailable = "engine_unavailable"
	KindEngineError       = "engine_error"
	KindTimeout           = "timeout"
	KindCancelled         = "cancelled"
	KindWorkerDead        = "worker_dead"
	KindInternal          = "internal"
)

// APIError is a client-visible failure with a machine-readable kind.
type APIError struct {
	Kind    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

// HTTPStatus maps an error kind to its response status code.
func (e *APIError) HTTPStatus() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindSessionBusy:
		return http.StatusConflict
	case KindCapacity, KindEngineUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewError builds an APIError with a formatted message.
func NewError(kind, format string, args ...any) *APIError {
	return &APIError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// asAPIError translates manager errors into the wire taxonomy.
// Anything unrecognized becomes an internal error with sanitized text.
func asAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, session.ErrNotFound):
		return &APIError{Kind: KindSessionNotFound, Message: err.Error()}
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrRestartInProgress):
		return &APIError{Kind: KindSessionBusy, Message: err.Error()}
	case errors.Is(err, session.ErrCapacity):
		return &APIError{Kind: KindCapacity, Message: err.Error()}
	case errors.Is(err, session.ErrWorkerDead):
		return &APIError{Kind: KindWorkerDead, Message: err.Error()}
	case errors.Is(err, session.ErrSingleSession), errors.Is(err, session.ErrDefaultSession):
		return &APIError{Kind: KindBadRequest, Message: err.Error()}
	default:
		return &APIError{Kind: KindInternal, Message: SanitizeError(err, "request").Error()}
	}
}

// internalErrorPatterns flags error text that describes server
// internals rather than anything the client did.
var internalErrorPatterns = []string{
	"failed to exec",
	"failed to start",
	"connection refused",
	"no such file",
	"permission denied",
	"broken pipe",
	"context canceled",
	"EOF",
}

// SanitizeError returns a client-safe error. Internal details are
// logged, never echoed to clients.
func SanitizeError(err error, operation string) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()

	for _, pattern := range internalErrorPatterns {
		if strings.Contains(strings.ToLower(errStr), strings.ToLower(pattern)) {
			logger.Error("%s failed (internal): %v", operation, err)
			return fmt.Errorf("%s failed: internal error", operation)
		}
	}

	if isUserFacingError(errStr) {
		return err
	}

	logger.Error("%s failed: %v", operation, err)
	if len(errStr) < 120 {
		return err
	}
	return fmt.Errorf("%s failed: an unexpected error occurred", operation)
}

func isUserFacingError(errStr string) bool {
	userFacingPatterns := []string{
		"not found",
		"invalid",
		"required",
		"must be",
		"cannot be",
		"is not",
		"busy",
		"capacity",
		"exceeded",
	}
	lower := strings.ToLower(errStr)
	for _, pattern := range userFacingPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
