// Package exitcodes defines the process exit codes of the dataflows CLI.
// Schedulers and container orchestrators use them to decide whether a failed
// invocation is worth retrying.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"
)

const (
	// Success - command completed without errors
	Success = 0

	// ConfigError - configuration/YAML parsing or validation errors (non-recoverable, don't retry)
	ConfigError = 1

	// ConnectionError - source, destination, state store or queue unreachable (recoverable)
	ConnectionError = 2

	// PipelineError - a stage failed or work ended in the hard-stop channel (non-recoverable)
	PipelineError = 3

	// ValidationError - record validation or unknown pipeline (non-recoverable)
	ValidationError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - runtime state missing, halted, or concurrently modified (non-recoverable)
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
// It examines error types first and falls back to message keywords.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, context.Canceled) {
		return Cancelled
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	// Checked before ConfigError so "record validation failed" is not read as a config problem
	if containsAny(errStr, []string{
		"validation failed",
		"required field",
		"unknown pipeline",
		"invalid record",
	}) {
		return ValidationError
	}

	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid config",
		"missing required",
		"invalid value",
		"parsing config",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"ping",
		"login failed",
		"authentication",
		"redis",
		"mongo",
		"server selection",
	}) {
		return ConnectionError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context deadline",
	}) {
		return Cancelled
	}

	if containsAny(errStr, []string{
		"state",
		"version conflict",
		"run not found",
		"halted",
		"cursor",
	}) {
		return StateError
	}

	return PipelineError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case PipelineError:
		return "pipeline error"
	case ValidationError:
		return "validation error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
