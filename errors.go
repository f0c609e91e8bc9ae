package wipi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrorCode represents a machine-readable error code.
type ErrorCode string

const (
	// CodeUnknownController: request names a controller that is not present
	// or not enabled.
	CodeUnknownController ErrorCode = "unknown_controller"
	// CodeBadRequest: malformed body, unknown field, unparseable time spec.
	CodeBadRequest ErrorCode = "bad_request"
	// CodeDeviceError: a controller operation failed at the device level.
	CodeDeviceError ErrorCode = "device_error"
	// CodeUpstreamUnavailable: a controller worker did not reply within the
	// timeout or has exited.
	CodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	// CodeSchedulerError: invalid repeat specification.
	CodeSchedulerError ErrorCode = "scheduler_error"
	// CodeInternal: anything else.
	CodeInternal ErrorCode = "internal"
)

// Error is the standard API error.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a new API error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Errorf creates a new API error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrUnknownController is returned for operations on a controller name that
// is not present. The message is part of the wire contract.
var ErrUnknownController = NewError(
	CodeUnknownController, "No such controller or not enabled")

// ErrUpstreamUnavailable is returned when a controller worker did not reply
// within the reply timeout or has already exited.
var ErrUpstreamUnavailable = NewError(
	CodeUpstreamUnavailable, "controller worker unavailable")

// DefaultErrorTransformer maps application errors to API errors.
func DefaultErrorTransformer(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrUpstreamUnavailable
	}

	var valErrs validator.ValidationErrors
	if errors.As(err, &valErrs) {
		fields := make([]string, len(valErrs))
		for i, ve := range valErrs {
			fields[i] = fmt.Sprintf("%s (%s)", ve.Field(), ve.Tag())
		}
		return Errorf(CodeBadRequest, "validation failed: %s", strings.Join(fields, ", "))
	}

	return NewError(CodeInternal, err.Error())
}

// HTTPStatusFromCode maps an ErrorCode to an HTTP status code.
func HTTPStatusFromCode(code ErrorCode) int {
	switch code {
	case CodeUnknownController:
		return http.StatusNotFound
	case CodeBadRequest, CodeSchedulerError:
		return http.StatusBadRequest
	case CodeDeviceError:
		return http.StatusBadGateway
	case CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse is the wire envelope for error responses.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error, logger *slog.Logger) {
	apiErr := DefaultErrorTransformer(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatusFromCode(apiErr.Code))
	if encErr := json.NewEncoder(w).Encode(errorResponse{Error: apiErr.Message}); encErr != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("failed to encode error response",
			slog.Any("error", encErr),
			slog.Any("original_error", err))
	}
}
