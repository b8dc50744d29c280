package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/policypulse/policypulse-go/internal/backend"
	"github.com/policypulse/policypulse-go/internal/control"
	"github.com/policypulse/policypulse-go/internal/stream"
)

// statusFor maps an operation error onto an HTTP status. Precondition
// failures are the caller's fault; anything else came from the backend.
func statusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrNoProject),
		errors.Is(err, stream.ErrNoProject),
		errors.Is(err, control.ErrMissingMode),
		errors.Is(err, control.ErrInvalidMode),
		errors.Is(err, stream.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, control.ErrStepNotTracked),
		errors.Is(err, control.ErrRejected),
		errors.Is(err, stream.ErrStepPaused),
		errors.Is(err, stream.ErrAlreadyOpen),
		errors.Is(err, stream.ErrClosed),
		errors.Is(err, backend.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

func respondWithOpError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusBadGateway {
		log.Error().Err(err).Msg("backend request failed")
	}
	RespondWithError(w, code, err.Error())
}
