package v1

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/auditwatch/internal/domain"
)

// toHumaError maps session and backend errors onto HTTP problems.
func toHumaError(err error, msg string) error {
	switch {
	case errors.Is(err, domain.ErrNoTask):
		return huma.Error409Conflict("no task selected")
	case errors.Is(err, domain.ErrNotFound):
		return huma.Error404NotFound(msg)
	case errors.Is(err, domain.ErrUnexpectedStatus):
		return huma.Error502BadGateway(msg, err)
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}
