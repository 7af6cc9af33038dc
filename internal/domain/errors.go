package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the engine. Callers match them with errors.Is;
// every engine error wraps exactly one of these.
var (
	ErrOutOfBounds     = errors.New("out of bounds")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrStore           = errors.New("store failure")
)

// OutOfBounds reports coordinates outside the configured envelope.
func OutOfBounds(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrOutOfBounds, fmt.Sprintf(format, args...))
}

// InvalidArgument reports a bad precision, day range, depth or identifier.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// NotFound reports a cell without any aggregate history.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// StoreError wraps an aggregate or event store failure. It returns nil for a
// nil err. The engine never retries these; retry policy belongs to the caller.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStore) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// ErrorKind returns a stable label for err, suitable for metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrOutOfBounds):
		return "out_of_bounds"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStore):
		return "store"
	default:
		return "internal"
	}
}
