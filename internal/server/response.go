package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/lox/cryptoroulette/internal/game"
	"github.com/lox/cryptoroulette/internal/guard"
	"github.com/lox/cryptoroulette/internal/protocol"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Status     int    `json:"status"`
	Code       string `json:"code"`
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

var errMissingUser = errors.New("missing X-User-ID header")

// statusFor maps engine and guard errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, game.ErrInvalidBet):
		return http.StatusBadRequest
	case errors.Is(err, game.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, game.ErrSessionNotFound), errors.Is(err, game.ErrLineageNotFound):
		return http.StatusNotFound
	case errors.Is(err, game.ErrSessionNotActive),
		errors.Is(err, game.ErrSessionNotComplete),
		errors.Is(err, game.ErrActiveSessionExists),
		errors.Is(err, game.ErrSeedInUse):
		return http.StatusConflict
	case errors.Is(err, guard.ErrRateLimited), errors.Is(err, guard.ErrSuspiciousPattern):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its mapped status and Retry-After header
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	data := protocol.ErrorFrom(err)
	resp := ErrorResponse{
		Status:     statusFor(err),
		Code:       data.Code,
		Error:      data.Message,
		RetryAfter: data.RetryAfter,
	}
	if data.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(data.RetryAfter))
	}
	render.Status(r, resp.Status)
	render.JSON(w, r, resp)
}

// writeBadRequest renders a 400 that does not originate from the engine
func writeBadRequest(w http.ResponseWriter, r *http.Request, code, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{Status: http.StatusBadRequest, Code: code, Error: msg})
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, ErrorResponse{Status: http.StatusUnauthorized, Code: "unauthorized", Error: errMissingUser.Error()})
}

// validationMessage flattens validator errors into one line
func validationMessage(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	var msgs []string
	for _, e := range errs {
		switch e.ActualTag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("field %s is required", e.Field()))
		case "min", "max", "gte", "lte":
			msgs = append(msgs, fmt.Sprintf("field %s is out of range", e.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("field %s is invalid", e.Field()))
		}
	}
	return strings.Join(msgs, ", ")
}
