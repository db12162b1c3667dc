package core

import "errors"

// Domain errors. Each carries a stable code the HTTP layer maps to a status;
// internals are never exposed to callers.
var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrDoubleLock          = errors.New("lock already held for this owner and mission")
	ErrNotAssigned         = errors.New("caller is not the assigned agent")
	ErrInvalidState        = errors.New("operation not valid in current mission state")
	ErrNoBidders           = errors.New("bidding closed with no valid bids")
	ErrNoEligibleAgents    = errors.New("no eligible agents for mission")
	ErrInvalidDirectHire   = errors.New("direct hire target is not eligible")
	ErrSafetyRejection     = errors.New("pre-sign safety check rejected request")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrABIDrift            = errors.New("chain event signature does not match expected ABI")
	ErrDeadlineExpired     = errors.New("mission deadline expired")
	ErrDuplicateVote       = errors.New("verifier already voted on this mission")
	ErrInvalidSignature    = errors.New("signature invalid")
	ErrConflictingClaim    = errors.New("conflicting claim on resource")
	ErrNotFound            = errors.New("resource not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnauthorized        = errors.New("missing or invalid credentials")
	ErrForbidden           = errors.New("role not permitted")
)

// ErrorCode returns the stable wire code for a domain error, or "INTERNAL"
// for anything unrecognised.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrDoubleLock):
		return "DOUBLE_LOCK"
	case errors.Is(err, ErrNotAssigned):
		return "NOT_ASSIGNED"
	case errors.Is(err, ErrInvalidState):
		return "INVALID_STATE"
	case errors.Is(err, ErrNoBidders):
		return "NO_BIDDERS"
	case errors.Is(err, ErrNoEligibleAgents):
		return "NO_ELIGIBLE_AGENTS"
	case errors.Is(err, ErrInvalidDirectHire):
		return "INVALID_DIRECT_HIRE"
	case errors.Is(err, ErrSafetyRejection):
		return "SAFETY_REJECTION"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "UPSTREAM_UNAVAILABLE"
	case errors.Is(err, ErrABIDrift):
		return "ABI_DRIFT"
	case errors.Is(err, ErrDeadlineExpired):
		return "DEADLINE_EXPIRED"
	case errors.Is(err, ErrDuplicateVote):
		return "DUPLICATE_VOTE"
	case errors.Is(err, ErrInvalidSignature):
		return "INVALID_SIGNATURE"
	case errors.Is(err, ErrConflictingClaim):
		return "CONFLICTING_CLAIM"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	}
	return "INTERNAL"
}
