// Package httperrors maps domain errors onto the HTTP error envelope.
package httperrors

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"github.com/basin-global/terroir/internal/custody"
	"github.com/basin-global/terroir/internal/tba"
	"github.com/basin-global/terroir/internal/txn"
	"github.com/basin-global/terroir/internal/txn/broadcast"
	"github.com/basin-global/terroir/internal/txn/retry"
)

// HTTPError is the JSON error envelope returned by all endpoints.
type HTTPError struct {
	Code   int    `json:"status"`
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTPError %d (%s): %s", e.Code, e.Type, e.Detail)
}

func New(code int, errorType string, detail string) *HTTPError {
	return &HTTPError{
		Code:   code,
		Type:   errorType,
		Detail: detail,
	}
}

// FromDomain translates engine errors into HTTP errors. Unknown errors map
// to 500 with the detail withheld by the caller if configured.
func FromDomain(err error) *HTTPError {
	switch {
	case errors.Is(err, txn.ErrValidation), errors.Is(err, tba.ErrInvalidRequest):
		return New(http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, custody.ErrSignerRejected):
		return New(http.StatusUnprocessableEntity, "SIGNER_REJECTED", err.Error())
	case errors.Is(err, custody.ErrSignerUnavailable):
		return New(http.StatusServiceUnavailable, "SIGNER_UNAVAILABLE", err.Error())
	case errors.Is(err, broadcast.ErrChainRejected):
		return New(http.StatusConflict, "CHAIN_REJECTED", err.Error())
	case errors.Is(err, retry.ErrExhausted):
		return New(http.StatusGatewayTimeout, "SUBMISSION_EXHAUSTED", err.Error())
	case errors.Is(err, tba.ErrDeploymentFailed):
		return New(http.StatusBadGateway, "DEPLOYMENT_FAILED", err.Error())
	default:
		return New(http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
