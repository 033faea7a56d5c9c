package handlers

import (
	"errors"
	"net/http"

	"github.com/veridian-labs/stepfactor/internal/models"
	"github.com/veridian-labs/stepfactor/pkg/httpx"
)

// writeError maps domain sentinel errors onto their HTTP representation.
// Anything unrecognized is treated as an internal failure; the message is
// the client-facing text, never the error itself.
func writeError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		httpx.WriteNotFound(w, message)
	case errors.Is(err, models.ErrConflict):
		httpx.WriteConflict(w, message)
	case errors.Is(err, models.ErrBadRequest), errors.Is(err, models.ErrUnknownMethod):
		httpx.WriteBadRequest(w, message)
	case errors.Is(err, models.ErrUnauthorized):
		httpx.WriteUnauthorized(w, message)
	case errors.Is(err, models.ErrForbidden):
		httpx.WriteForbidden(w, message)
	default:
		httpx.WriteInternalError(w, message)
	}
}
