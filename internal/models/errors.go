package models

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError reports an invalid hyperparameter combination detected at
// construction time: unknown readout/activation names, dense-layer/activation
// length mismatches, invalid ensemble modes or weight counts. Construction-time
// errors are never recovered, they abort instantiation. Match with errors.As.
type ConfigurationError struct {
	Reason string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// Configurationf creates a ConfigurationError with a stack trace.
func Configurationf(format string, args ...any) error {
	return errors.WithStack(&ConfigurationError{Reason: fmt.Sprintf(format, args...)})
}

// ArgumentError reports a malformed argument to a model call, e.g. the wrong
// number of graph batches passed to a paired classifier. Match with errors.As.
type ArgumentError struct {
	Argument string
	Reason   string
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Argument, e.Reason)
}

func argumentf(argument, format string, args ...any) error {
	return errors.WithStack(&ArgumentError{Argument: argument, Reason: fmt.Sprintf(format, args...)})
}
