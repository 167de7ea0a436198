package util

import (
	"fmt"

	"github.com/aquilax/truncate"
	"github.com/real-rm/golog"
	"github.com/real-rm/notifier/internal/constants"
)

// LogError logs an error with component and operation context.
//
// Example:
//
//	LogError(logger, "pipeline", "persist message", err, "sender", "Arya")
func LogError(logger *golog.Logger, component, operation string, err error, fields ...interface{}) {
	allFields := []interface{}{"error", err, "component", component}
	allFields = append(allFields, fields...)
	logger.Error(fmt.Sprintf("Failed to %s", operation), allFields...)
}

// RedactEndpoint shortens a push endpoint for logs. Endpoints embed a
// per-device capability token, so only the head and tail are kept.
func RedactEndpoint(endpoint string) string {
	return truncate.Truncate(endpoint, constants.EndpointLogLength, "...", truncate.PositionMiddle)
}
