// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for malformed scenario files, bad flags, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested scenario, program, or breakpoint does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "scenario", "program", "breakpoint")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "debugger.path")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when waiting on the debugger exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "command bpmd -list")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// InitError reports that the relay could not start inside the debugger.
// It is fatal: the hosting process terminates after printing it.
type InitError struct {
	// Component names what failed to load (e.g., "scripting bindings")
	Component string

	// Cause is the underlying load failure
	Cause error
}

// Error implements the error interface.
func (e *InitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load %s: %v", e.Component, e.Cause)
	}
	return fmt.Sprintf("failed to load %s", e.Component)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InitError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *InitError) ErrorType() string { return "init" }

// IsRetryable implements ErrorClassifier.
func (e *InitError) IsRetryable() bool { return false }

// IsUserVisible implements UserVisibleError.
func (e *InitError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *InitError) UserMessage() string {
	return fmt.Sprintf("could not load %s", e.Component)
}

// Suggestion implements UserVisibleError.
func (e *InitError) Suggestion() string {
	return "run the relay from inside a debugger that provides scripting bindings"
}

// CommandError is raised when a scenario treats a failed debugger command
// as unexpected. A failed command on its own is a normal result.
type CommandError struct {
	// Command is the text sent to the interpreter
	Command string

	// Output is whatever the command printed before failing
	Output string

	// ErrText is the interpreter's error text
	ErrText string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.ErrText)
	if msg == "" {
		msg = "command failed"
	}
	return fmt.Sprintf("command %q: %s", e.Command, msg)
}

// ErrorType implements ErrorClassifier.
func (e *CommandError) ErrorType() string { return "command" }

// IsRetryable implements ErrorClassifier.
func (e *CommandError) IsRetryable() bool { return false }

// AssertionError is a failed scenario expectation.
type AssertionError struct {
	// Message describes the expectation
	Message string

	// Expected and Actual are rendered with %v. Both are empty for
	// plain boolean assertions.
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "assertion failed"
	}
	if e.Expected == "" && e.Actual == "" {
		return msg
	}
	return fmt.Sprintf("%s: expected %q, got %q", msg, e.Expected, e.Actual)
}

// ErrorType implements ErrorClassifier.
func (e *AssertionError) ErrorType() string { return "assertion" }

// IsRetryable implements ErrorClassifier.
func (e *AssertionError) IsRetryable() bool { return false }

// UnexpectedExitError reports that the debuggee was not where a primitive
// needed it to be, typically because it exited before a breakpoint was hit.
type UnexpectedExitError struct {
	// Operation is the primitive that observed the state
	Operation string

	// State is the process state at the time of the check
	State string

	// ExitCode is only meaningful when State is "exited"
	ExitCode int
}

// Error implements the error interface.
func (e *UnexpectedExitError) Error() string {
	if e.State == "exited" {
		return fmt.Sprintf("%s: process exited with code %d", e.Operation, e.ExitCode)
	}
	return fmt.Sprintf("%s: unexpected process state %s", e.Operation, e.State)
}

// ErrorType implements ErrorClassifier.
func (e *UnexpectedExitError) ErrorType() string { return "unexpected_exit" }

// IsRetryable implements ErrorClassifier.
func (e *UnexpectedExitError) IsRetryable() bool { return false }

// ProtocolError is a violation of the sentinel framing between the driver
// and the debugger process.
type ProtocolError struct {
	// Reason describes the violation
	Reason string

	// Partial holds any output read before the violation
	Partial string

	// Cause is the underlying I/O error (if any)
	Cause error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ProtocolError) ErrorType() string { return "protocol" }

// IsRetryable implements ErrorClassifier.
func (e *ProtocolError) IsRetryable() bool { return false }
