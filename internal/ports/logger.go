package ports

import "context"

// Logger is the logging boundary used throughout the engine. Call sites pass
// structured fields rather than formatted strings so an adapter can emit
// plain text or JSON without the engine caring which.
type Logger interface {
	// Debug records diagnostic detail such as tick drops and ratchet moves.
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	// Info records lifecycle events: triggers, submissions, fills.
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	// Warn records recoverable anomalies.
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	// Error records failures, including those flagged for manual review.
	Error(ctx context.Context, err error, msg string, fields ...map[string]interface{})
}
