package capability

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when invoking a capability that was never registered.
	ErrNotFound = errors.New("capability not found")

	// ErrDuplicate is returned when registering a name that is already taken.
	ErrDuplicate = errors.New("capability already registered")

	// ErrInvalidDefinition is returned when a registration is missing its name,
	// schema, or handler.
	ErrInvalidDefinition = errors.New("invalid capability definition")
)

// FieldError describes a single schema violation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when invocation parameters fail schema
// validation. The handler is never called in that case.
type ValidationError struct {
	Capability string
	Fields     []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Message)
	}
	return fmt.Sprintf("invalid params for %s: %s", e.Capability, strings.Join(parts, "; "))
}

// TimeoutError is returned when a handler attempt outlives its timeout. The
// attempt's eventual result is discarded.
type TimeoutError struct {
	Capability string
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("capability %s timed out after %s", e.Capability, e.Timeout)
}

// ExecutionError wraps the last underlying error once all attempts of an
// invocation are exhausted.
type ExecutionError struct {
	Capability string
	Attempts   int
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("capability %s failed after %d attempt(s): %v", e.Capability, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
