package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Broker Specific Errors
	ErrBrokerUnavailable    = errors.New("broker API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the broker")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("broker authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found at the broker")
	ErrBrokerRejected       = errors.New("broker refused the submitted order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")

	// Market Data Errors
	ErrStaleData = errors.New("tick price is stale or malformed")

	// Persistence Errors
	ErrDuplicateEntry     = errors.New("store record already exists")
	ErrStoreConnection    = errors.New("store connection error")
	ErrQueryFailed        = errors.New("store query failed")
	ErrPersistenceFailure = errors.New("durable write failed")
)
