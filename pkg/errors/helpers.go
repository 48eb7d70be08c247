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
	"errors"
	"fmt"
	"io/fs"
)

// Wrap adds context to err. It returns nil when err is nil.
//
//	if err := session.Quit(ctx); err != nil {
//	    return errors.Wrap(err, "exit_lldb")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// WrapRead classifies a failure to read a scenario, script or program file.
// A missing file becomes a *NotFoundError for resource; anything else is
// wrapped with the path.
func WrapRead(err error, resource, path string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return &NotFoundError{Resource: resource, ID: path}
	}
	return Wrapf(err, "failed to read %s %s", resource, path)
}
