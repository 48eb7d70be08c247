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

package scenario

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/tombee/dbgrelay/internal/debugger"
	"github.com/tombee/dbgrelay/internal/expect"
	"github.com/tombee/dbgrelay/internal/testutils"
	relayerrors "github.com/tombee/dbgrelay/pkg/errors"
)

// DefaultPattern matches scenario files under a scenario directory.
const DefaultPattern = "**/*.scenario.yaml"

// File is the YAML form of a scenario.
type File struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Tags        []string   `yaml:"tags,omitempty"`
	Target      FileTarget `yaml:"target"`
	Steps       []Step     `yaml:"steps"`
}

// FileTarget is the YAML form of a target. Unset fields take their value
// from TargetDefaults.
type FileTarget struct {
	Program     string   `yaml:"program,omitempty"`
	Args        []string `yaml:"args,omitempty"`
	EntrySymbol string   `yaml:"entry,omitempty"`
	ExitCode    *int     `yaml:"exit_code,omitempty"`
	Attach      *bool    `yaml:"attach,omitempty"`
	PID         int      `yaml:"pid,omitempty"`
}

// TargetDefaults are the session settings applied to scenario files.
type TargetDefaults struct {
	EntrySymbol      string
	ExpectedExitCode int
	Attach           bool
	PID              int
}

func (t FileTarget) resolve(d TargetDefaults) testutils.TargetSpec {
	spec := testutils.TargetSpec{
		Program:          t.Program,
		Args:             t.Args,
		EntrySymbol:      t.EntrySymbol,
		ExpectedExitCode: d.ExpectedExitCode,
		Attach:           d.Attach,
		PID:              t.PID,
	}
	if spec.EntrySymbol == "" {
		spec.EntrySymbol = d.EntrySymbol
	}
	if t.ExitCode != nil {
		spec.ExpectedExitCode = *t.ExitCode
	}
	if t.Attach != nil {
		spec.Attach = *t.Attach
	}
	if spec.Attach && spec.PID == 0 {
		spec.PID = d.PID
	}
	return spec
}

// LoadOption configures Parse, LoadFile and Discover.
type LoadOption func(*TargetDefaults)

// WithTargetDefaults fills target fields the scenario files leave unset.
func WithTargetDefaults(d TargetDefaults) LoadOption {
	return func(td *TargetDefaults) { *td = d }
}

// Step is one action of a YAML scenario. Exactly one of Command, Relay and
// Continue is set.
type Step struct {
	Name     string `yaml:"name,omitempty"`
	Command  string `yaml:"command,omitempty"`
	Relay    string `yaml:"relay,omitempty"`
	Continue bool   `yaml:"continue,omitempty"`

	// Expect is an expression that must hold after the step.
	Expect string `yaml:"expect,omitempty"`
}

func (s Step) describe(i int) string {
	if s.Name != "" {
		return s.Name
	}
	switch {
	case s.Command != "":
		return fmt.Sprintf("step %d: %s", i+1, s.Command)
	case s.Relay != "":
		return fmt.Sprintf("step %d: relay %s", i+1, s.Relay)
	default:
		return fmt.Sprintf("step %d: continue", i+1)
	}
}

// Validate checks the file's structure and expressions.
func (f *File) Validate(eval *expect.Evaluator) error {
	if f.Name == "" {
		return &relayerrors.ValidationError{Field: "name", Message: "scenario name is required"}
	}
	if len(f.Steps) == 0 {
		return &relayerrors.ValidationError{Field: "steps", Message: "at least one step is required"}
	}
	for i, st := range f.Steps {
		set := 0
		if st.Command != "" {
			set++
		}
		if st.Relay != "" {
			set++
		}
		if st.Continue {
			set++
		}
		if set != 1 {
			return &relayerrors.ValidationError{
				Field:   fmt.Sprintf("steps[%d]", i),
				Message: "exactly one of command, relay, continue must be set",
			}
		}
		if err := eval.Check(st.Expect); err != nil {
			return &relayerrors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].expect", i),
				Message: err.Error(),
			}
		}
	}
	return nil
}

// Parse decodes and validates a YAML scenario. source names it in errors
// and anchors a relative target program path.
func Parse(data []byte, source string, opts ...LoadOption) (Scenario, error) {
	var defaults TargetDefaults
	for _, opt := range opts {
		opt(&defaults)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Scenario{}, relayerrors.Wrapf(err, "failed to parse scenario %s", source)
	}

	eval := expect.New()
	if err := f.Validate(eval); err != nil {
		return Scenario{}, relayerrors.Wrapf(err, "scenario %s", source)
	}

	target := f.Target.resolve(defaults)
	if target.Program != "" && source != "" && isProgramFile(target.Program) && !filepath.IsAbs(target.Program) {
		target.Program = filepath.Join(filepath.Dir(source), target.Program)
	}

	steps := slices.Clone(f.Steps)
	return Scenario{
		Name:        f.Name,
		Description: f.Description,
		Tags:        f.Tags,
		Target:      target,
		Source:      source,
		Run: func(ctx context.Context, d *testutils.Driver) error {
			return runSteps(ctx, d, eval, steps)
		},
	}, nil
}

// LoadFile reads one YAML scenario.
func LoadFile(path string, opts ...LoadOption) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, relayerrors.WrapRead(err, "scenario", path)
	}
	return Parse(data, path, opts...)
}

// Discover finds scenario files under dirs matching patterns (default
// DefaultPattern) and loads them in path order. A path is loaded once even
// when several patterns match it.
func Discover(dirs, patterns []string, opts ...LoadOption) ([]Scenario, error) {
	if len(patterns) == 0 {
		patterns = []string{DefaultPattern}
	}

	var paths []string
	for _, dir := range dirs {
		fsys := os.DirFS(dir)
		for _, pattern := range patterns {
			matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
			if err != nil {
				return nil, &relayerrors.ValidationError{Field: "pattern", Message: fmt.Sprintf("%s: %v", pattern, err)}
			}
			for _, m := range matches {
				paths = append(paths, filepath.Join(dir, filepath.FromSlash(m)))
			}
		}
	}
	slices.Sort(paths)
	paths = slices.Compact(paths)

	scenarios := make([]Scenario, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		s, err := LoadFile(p, opts...)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[s.Name]; dup {
			return nil, &relayerrors.ValidationError{
				Field:   "name",
				Message: fmt.Sprintf("scenario %q defined in both %s and %s", s.Name, prev, p),
			}
		}
		seen[s.Name] = p
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func runSteps(ctx context.Context, d *testutils.Driver, eval *expect.Evaluator, steps []Step) error {
	for i, st := range steps {
		var res debugger.CommandResult
		switch {
		case st.Command != "":
			res = d.RunCommand(ctx, st.Command)
		case st.Relay != "":
			res = d.Relay(ctx, st.Relay)
		case st.Continue:
			if _, err := d.Continue(ctx); err != nil {
				return relayerrors.Wrap(err, st.describe(i))
			}
			res = debugger.CommandResult{Succeeded: true}
		}

		if err := eval.Evaluate(st.Expect, stepEnv(d, res)).Err(); err != nil {
			return relayerrors.Wrap(err, st.describe(i))
		}
	}
	return nil
}

// stepEnv exposes a step result and the process state to expressions.
func stepEnv(d *testutils.Driver, res debugger.CommandResult) map[string]any {
	env := map[string]any{
		"output":    res.Output,
		"error":     res.Error,
		"succeeded": res.Succeeded,
		"state":     debugger.StateNotStarted.String(),
		"exit_code": nil,
	}
	if p := d.Process(); p != nil {
		env["state"] = p.State().String()
		env["pid"] = p.PID()
		if p.State() == debugger.StateExited {
			env["exit_code"] = p.ExitStatus()
		}
	}
	ev := d.StopEvent()
	env["stop"] = map[string]any{
		"cause":         string(ev.Cause),
		"breakpoint_id": ev.BreakpointID,
		"description":   ev.Description,
	}
	return env
}
