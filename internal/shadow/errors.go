package shadow

import "errors"

// Domain-specific errors for shadow operations.
var (
	// ErrDeviceNotFound is returned when no record exists for a device id.
	ErrDeviceNotFound = errors.New("shadow: device not found")

	// ErrUnknownField is returned for a field name outside ReportedFields.
	ErrUnknownField = errors.New("shadow: unknown field")

	// ErrReadOnlyField is returned when a command targets a telemetry field.
	ErrReadOnlyField = errors.New("shadow: field is read-only")

	// ErrInvalidValue is returned when a command value is not a known option.
	ErrInvalidValue = errors.New("shadow: invalid value")
)
