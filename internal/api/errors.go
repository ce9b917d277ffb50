package api

import (
	"net/http"
	"time"

	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string      `json:"error"`
	Code      errors.Code `json:"code"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

func newErrorResponse(err error) ErrorResponse {
	status := statusOf(err)
	return ErrorResponse{
		Error:     http.StatusText(status),
		Code:      errors.CodeOf(err),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	}
}

// statusOf maps error codes onto HTTP statuses.
func statusOf(err error) int {
	switch errors.CodeOf(err) {
	case errors.CodeNotFound, errors.CodeExpired:
		return http.StatusNotFound
	case errors.CodeInsufficientCapacity:
		return http.StatusConflict
	case errors.CodeNoCapacity:
		return http.StatusUnprocessableEntity
	case errors.CodeInvalidRequest:
		return http.StatusBadRequest
	case errors.CodeNodeUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
