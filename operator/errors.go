package operator

import "errors"

var (
	// ErrUnknownOperator is returned when a service code is requested for
	// the Unknown record.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrServiceNotFound is returned when an operator has no code for the
	// requested service.
	ErrServiceNotFound = errors.New("service not available for operator")

	// ErrMissingParameter is returned when a code template references a
	// parameter the caller did not supply.
	ErrMissingParameter = errors.New("missing code parameter")

	// ErrInvalidRecord is returned for records failing validation.
	ErrInvalidRecord = errors.New("invalid operator record")
)
