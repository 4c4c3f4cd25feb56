package httpx

import (
	"context"
	"errors"
	"net/http"
)

// Sentinel errors shared by handlers that have no richer domain mapping.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
)

// RespondError maps generic errors to problem documents. Unknown errors
// become a 500 without leaking the message.
func RespondError(w http.ResponseWriter, err error) {
	p := ProblemDetail{Status: http.StatusInternalServerError, Title: "Internal Error", Code: "internal_error"}
	switch {
	case errors.Is(err, ErrNotFound):
		p = ProblemDetail{Status: http.StatusNotFound, Title: "Not Found", Code: "not_found", Detail: err.Error()}
	case errors.Is(err, ErrDuplicate):
		p = ProblemDetail{Status: http.StatusConflict, Title: "Duplicate", Code: "duplicate", Detail: err.Error()}
	case errors.Is(err, ErrValidation):
		p = ProblemDetail{Status: http.StatusBadRequest, Title: "Validation Failed", Code: "validation_failed", Detail: err.Error()}
	case errors.Is(err, ErrUnauthorized):
		p = ProblemDetail{Status: http.StatusUnauthorized, Title: "Unauthorized", Code: "unauthorized", Detail: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		p = ProblemDetail{Status: http.StatusGatewayTimeout, Title: "Timeout", Code: "timeout"}
	}
	WriteProblem(w, p)
}
