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

package testutils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/dbgrelay/internal/debugger"
	relayerrors "github.com/tombee/dbgrelay/pkg/errors"
)

// message renders testify-style msgAndArgs.
func message(def string, msgAndArgs []any) string {
	switch len(msgAndArgs) {
	case 0:
		return def
	case 1:
		if s, ok := msgAndArgs[0].(string); ok {
			return s
		}
		return fmt.Sprint(msgAndArgs[0])
	default:
		if format, ok := msgAndArgs[0].(string); ok {
			return fmt.Sprintf(format, msgAndArgs[1:]...)
		}
		return fmt.Sprint(msgAndArgs...)
	}
}

// AssertTrue returns an *errors.AssertionError when cond is false.
func AssertTrue(cond bool, msgAndArgs ...any) error {
	if cond {
		return nil
	}
	return &relayerrors.AssertionError{Message: message("condition is false", msgAndArgs)}
}

// AssertEqual returns an *errors.AssertionError when actual and expected
// differ. Equality follows testify's ObjectsAreEqual.
func AssertEqual(actual, expected any, msgAndArgs ...any) error {
	if assert.ObjectsAreEqual(expected, actual) {
		return nil
	}
	return &relayerrors.AssertionError{
		Message:  message("values differ", msgAndArgs),
		Expected: fmt.Sprintf("%v", expected),
		Actual:   fmt.Sprintf("%v", actual),
	}
}

// AssertContains checks that s contains substr.
func AssertContains(s, substr string, msgAndArgs ...any) error {
	if strings.Contains(s, substr) {
		return nil
	}
	return &relayerrors.AssertionError{
		Message:  message("output does not contain expected text", msgAndArgs),
		Expected: substr,
		Actual:   s,
	}
}

// AssertMatch checks s against a multiline regular expression.
func AssertMatch(s, pattern string, msgAndArgs ...any) error {
	re, err := regexp.Compile("(?m)" + pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if re.MatchString(s) {
		return nil
	}
	return &relayerrors.AssertionError{
		Message:  message("output does not match", msgAndArgs),
		Expected: pattern,
		Actual:   s,
	}
}

// AssertNotMatch checks that s does not match a multiline regular expression.
func AssertNotMatch(s, pattern string, msgAndArgs ...any) error {
	re, err := regexp.Compile("(?m)" + pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if !re.MatchString(s) {
		return nil
	}
	return &relayerrors.AssertionError{
		Message:  message("output unexpectedly matches", msgAndArgs),
		Expected: "no match for " + pattern,
		Actual:   s,
	}
}

// AssertSucceeded checks a command result: success and empty error text.
func AssertSucceeded(res debugger.CommandResult, msgAndArgs ...any) error {
	if res.Succeeded && res.Error == "" {
		return nil
	}
	return &relayerrors.AssertionError{
		Message:  message("command failed", msgAndArgs),
		Expected: "success",
		Actual:   strings.TrimSpace(res.Error),
	}
}

// AssertFailed checks that a command result reports failure.
func AssertFailed(res debugger.CommandResult, msgAndArgs ...any) error {
	if !res.Succeeded {
		return nil
	}
	return &relayerrors.AssertionError{
		Message:  message("command unexpectedly succeeded", msgAndArgs),
		Expected: "failure",
		Actual:   strings.TrimSpace(res.Output),
	}
}

// AssertStoppedAtBreakpoint checks the debuggee is stopped on a breakpoint.
// A non-zero id also requires that specific breakpoint.
func (d *Driver) AssertStoppedAtBreakpoint(id int) error {
	ev := d.StopEvent()
	if err := AssertEqual(ev.Cause, debugger.StopCauseBreakpointHit, "stop event"); err != nil {
		return err
	}
	if id != 0 {
		return AssertEqual(ev.BreakpointID, id, "breakpoint id")
	}
	return nil
}

// AssertExited checks the debuggee exited with code.
func (d *Driver) AssertExited(code int) error {
	proc := d.Process()
	if proc == nil {
		return &relayerrors.AssertionError{Message: "process state", Expected: "exited", Actual: "not-started"}
	}
	if err := AssertEqual(proc.State(), debugger.StateExited, "process state"); err != nil {
		return err
	}
	return AssertEqual(proc.ExitStatus(), code, "exit code")
}
