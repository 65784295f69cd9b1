package domain

import "errors"

// Domain errors
var (
	ErrPlayerNotFound   = errors.New("player not found")
	ErrScoreNotFound    = errors.New("player score not found")
	ErrInvalidWallet    = errors.New("invalid wallet address format")
	ErrInvalidUsername  = errors.New("invalid username")
	ErrInvalidScore     = errors.New("invalid score value")
	ErrInvalidAmount    = errors.New("invalid reward amount")
	ErrInvalidTxHash    = errors.New("invalid transaction hash")
	ErrInvalidPolicy    = errors.New("invalid allowance policy")
	ErrIdentityMismatch = errors.New("token data mismatch")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInternalError    = errors.New("internal server error")

	// ErrStorage marks a failed storage round trip. Every mutation is a single
	// atomic operation, so a request that fails with ErrStorage had no effect
	// and may be retried.
	ErrStorage = errors.New("storage unavailable")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrPlayerNotFound) || errors.Is(err, ErrScoreNotFound)
}

// IsRetryable reports whether the caller may safely retry the request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}
