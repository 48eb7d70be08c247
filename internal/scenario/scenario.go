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

// Package scenario defines debugger test scenarios and runs them against a
// fresh debugger session each. Every scenario starts stopped in main and is
// torn down with ExitLLDB, whatever happens in between.
package scenario

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/dbgrelay/internal/debugger/sim"
	"github.com/tombee/dbgrelay/internal/testutils"
	relayerrors "github.com/tombee/dbgrelay/pkg/errors"
)

// Scenario is one debugger test.
type Scenario struct {
	Name        string
	Description string
	Tags        []string
	Target      testutils.TargetSpec

	// Program overrides the simulated debuggee. Nil resolves Target.Program.
	Program *sim.Program

	// Source is the file a loaded scenario came from.
	Source string

	// Run is the body, executed after StopInMain succeeded. Nil is a no-op.
	Run func(ctx context.Context, d *testutils.Driver) error
}

// HasTag reports whether the scenario carries tag.
func (s Scenario) HasTag(tag string) bool {
	return slices.Contains(s.Tags, tag)
}

// Status is the outcome of a scenario run.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Result records one scenario run.
type Result struct {
	RunID       string               `json:"run_id"`
	Scenario    string               `json:"scenario"`
	Description string               `json:"description,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
	Source      string               `json:"source,omitempty"`
	Status      Status               `json:"status"`
	Message     string               `json:"message,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	Duration    time.Duration        `json:"duration_ns"`
	Transcript  []testutils.Exchange `json:"transcript,omitempty"`

	Err error `json:"-"`
}

// Filter selects scenarios by name glob and tags. Zero value selects all.
type Filter struct {
	// Names are doublestar patterns matched against the scenario name.
	Names []string

	// Tags requires at least one matching tag when non-empty.
	Tags []string

	// ExcludeTags rejects scenarios carrying any of these tags.
	ExcludeTags []string
}

// Match reports whether s passes the filter.
func (f Filter) Match(s Scenario) bool {
	if len(f.Names) > 0 {
		matched := false
		for _, pattern := range f.Names {
			if ok, _ := doublestar.Match(pattern, s.Name); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, tag := range f.ExcludeTags {
		if s.HasTag(tag) {
			return false
		}
	}
	if len(f.Tags) == 0 {
		return true
	}
	for _, tag := range f.Tags {
		if s.HasTag(tag) {
			return true
		}
	}
	return false
}

// Validate checks filter patterns.
func (f Filter) Validate() error {
	for _, pattern := range f.Names {
		if !doublestar.ValidatePattern(pattern) {
			return &relayerrors.ValidationError{Field: "filter", Message: "invalid name pattern " + pattern}
		}
	}
	return nil
}

// classify maps body and teardown errors to a status. A failed assertion is
// a fail; anything else, including teardown trouble after a clean body, is
// an error. An exit code mismatch found during teardown is an assertion.
func classify(bodyErr, teardownErr error) Status {
	var assertion *relayerrors.AssertionError
	switch {
	case bodyErr != nil:
		if errors.As(bodyErr, &assertion) {
			return StatusFail
		}
		return StatusError
	case teardownErr != nil:
		if onlyAssertions(teardownErr) {
			return StatusFail
		}
		return StatusError
	default:
		return StatusPass
	}
}

func onlyAssertions(err error) bool {
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}
	for _, e := range errs {
		var assertion *relayerrors.AssertionError
		if !errors.As(e, &assertion) {
			return false
		}
	}
	return true
}
