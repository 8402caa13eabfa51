// Package logging builds the zap loggers used by the service.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

const serviceName = "progress-tracker"

// New returns the service logger: JSON at info level in production, console
// output at debug level in development. Every entry carries the service name.
func New(development bool) (*zap.Logger, error) {
	build := zap.NewProduction
	if development {
		build = zap.NewDevelopment
	}
	logger, err := build(zap.Fields(zap.String("service", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}
