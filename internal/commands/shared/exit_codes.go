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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	pkgerrors "github.com/tombee/dbgrelay/pkg/errors"
)

// Exit codes for dbgrelay commands
const (
	ExitSuccess       = 0
	ExitTestsFailed   = 1
	ExitInvalidInput  = 2 // config, scenario files, flags
	ExitDebuggerError = 3 // debugger would not start, died, or broke the protocol
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewTestsFailedError reports failed or errored scenarios or scripts.
func NewTestsFailedError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitTestsFailed, Message: msg, Cause: cause}
}

// NewInvalidInputError reports bad configuration, flags or scenario files.
func NewInvalidInputError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidInput, Message: msg, Cause: cause}
}

// NewDebuggerError reports that the debugger could not be driven.
func NewDebuggerError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitDebuggerError, Message: msg, Cause: cause}
}

// ClassifyError wraps err with the exit code its type implies. Errors that
// already carry a code are returned unchanged.
func ClassifyError(msg string, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}

	var (
		configErr     *pkgerrors.ConfigError
		validationErr *pkgerrors.ValidationError
		notFoundErr   *pkgerrors.NotFoundError
		assertionErr  *pkgerrors.AssertionError
		commandErr    *pkgerrors.CommandError
		protocolErr   *pkgerrors.ProtocolError
		timeoutErr    *pkgerrors.TimeoutError
		initErr       *pkgerrors.InitError
	)
	switch {
	case errors.As(err, &configErr), errors.As(err, &validationErr), errors.As(err, &notFoundErr):
		return NewInvalidInputError(msg, err)
	case errors.As(err, &assertionErr), errors.As(err, &commandErr):
		return NewTestsFailedError(msg, err)
	case errors.As(err, &protocolErr), errors.As(err, &timeoutErr), errors.As(err, &initErr):
		return NewDebuggerError(msg, err)
	default:
		return NewTestsFailedError(msg, err)
	}
}

// ExitCode returns the code HandleExitError would exit with.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitTestsFailed
}

// HandleExitError prints err and exits with its code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	PrintError(os.Stderr, err)
	os.Exit(ExitCode(err))
}

// PrintError writes err and any user-visible suggestion to w.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, "Error:", err.Error())
	printUserVisibleSuggestion(w, err)
}

// printUserVisibleSuggestion checks if an error implements UserVisibleError
// and prints the suggestion if available.
func printUserVisibleSuggestion(w io.Writer, err error) {
	for err != nil {
		if userErr, ok := err.(pkgerrors.UserVisibleError); ok {
			if userErr.IsUserVisible() {
				if suggestion := userErr.Suggestion(); suggestion != "" {
					fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
				}
			}
			return
		}
		err = errors.Unwrap(err)
	}
}
