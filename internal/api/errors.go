package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/clawger/backend/internal/core"
)

// errorBody is the structured error shape every endpoint returns.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Hint  string `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("JSON encode error: %v", err)
	}
}

// writeError maps a domain error onto a status code and the stable wire
// code. Internal details never leak: unrecognised errors become a plain 500.
func writeError(w http.ResponseWriter, err error, hint string) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: core.ErrorCode(err), Hint: hint})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidInput),
		errors.Is(err, core.ErrInvalidDirectHire),
		errors.Is(err, core.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrForbidden),
		errors.Is(err, core.ErrNotAssigned),
		errors.Is(err, core.ErrSafetyRejection):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidState),
		errors.Is(err, core.ErrDoubleLock),
		errors.Is(err, core.ErrDuplicateVote),
		errors.Is(err, core.ErrConflictingClaim),
		errors.Is(err, core.ErrInsufficientFunds),
		errors.Is(err, core.ErrNoBidders),
		errors.Is(err, core.ErrNoEligibleAgents),
		errors.Is(err, core.ErrDeadlineExpired):
		return http.StatusConflict
	case errors.Is(err, core.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
