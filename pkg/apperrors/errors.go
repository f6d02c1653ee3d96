// Package apperrors defines the sentinel errors the execution core
// classifies exchange and validation failures into. Components compare
// against these with errors.Is rather than inspecting raw strings.
package apperrors

import (
	"errors"
	"strings"
)

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")

	ErrAccountInactive  = errors.New("account inactive")
	ErrAccountNotFound  = errors.New("account not found")
	ErrStrategyInactive = errors.New("strategy inactive")
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrBelowMinNotional = errors.New("below minimum notional")
	ErrBelowMinQuantity = errors.New("below minimum quantity")
	ErrImmediateTrigger = errors.New("order would immediately trigger")
	ErrConflict         = errors.New("conflict")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnauthorized     = errors.New("unauthorized")
)

// nonRetryableSubstrings mirrors the exchange error-message set that must
// never be retried, regardless of transport-level classification.
var nonRetryableSubstrings = []string{
	"must be greater than minimum",
	"insufficient balance",
	"invalid api key",
	"permission denied",
	"amount too small",
	"precision",
	"invalid symbol",
	"notional must be no smaller",
	"order would immediately trigger",
}

// IsNonRetryable reports whether an exchange error message matches one of
// the known non-retryable patterns. Matching is case-insensitive since
// exchanges are inconsistent about casing in their error bodies.
func IsNonRetryable(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range nonRetryableSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
