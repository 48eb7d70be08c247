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

package sim

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	relayerrors "github.com/tombee/dbgrelay/pkg/errors"
)

// DefaultPID is used when a program does not set one.
const DefaultPID = 4242

// Event is one step of a simulated debuggee. Exactly one field is set.
type Event struct {
	// Call enters a function. Managed functions are written module!method;
	// plain names belong to the main image.
	Call string `yaml:"call,omitempty"`

	// Load maps a module into the process.
	Load string `yaml:"load,omitempty"`

	// Signal stops the process with the named signal.
	Signal string `yaml:"signal,omitempty"`
}

// Program describes the deterministic execution of a simulated debuggee.
type Program struct {
	Name     string  `yaml:"name"`
	PID      int     `yaml:"pid,omitempty"`
	ExitCode int     `yaml:"exit_code"`
	Events   []Event `yaml:"events"`
}

// DefaultProgram returns the debuggee used by the builtin scenarios: a
// native main that loads a managed Test.dll and calls through a few methods.
func DefaultProgram() *Program {
	return &Program{
		Name:     "Test",
		PID:      DefaultPID,
		ExitCode: 0,
		Events: []Event{
			{Call: "main"},
			{Load: "System.Private.CoreLib.dll"},
			{Load: "Test.dll"},
			{Call: "Test.dll!Test.Main"},
			{Call: "Test.dll!Test.UnlikelyInlined"},
			{Call: "Test.dll!Test.LikelyInlined"},
			{Call: "Test.dll!Test.Done"},
		},
	}
}

// LoadProgram reads a program definition from a YAML file.
func LoadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, relayerrors.WrapRead(err, "program", path)
	}
	p, err := ParseProgram(data)
	return p, relayerrors.Wrapf(err, "program %s", path)
}

// ParseProgram decodes and validates a program definition.
func ParseProgram(data []byte) (*Program, error) {
	var p Program
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse program: %w", err)
	}
	if p.PID == 0 {
		p.PID = DefaultPID
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that every event sets exactly one action.
func (p *Program) Validate() error {
	if p.Name == "" {
		return &relayerrors.ValidationError{Field: "name", Message: "program name is required"}
	}
	for i, ev := range p.Events {
		set := 0
		for _, v := range []string{ev.Call, ev.Load, ev.Signal} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return &relayerrors.ValidationError{
				Field:   fmt.Sprintf("events[%d]", i),
				Message: "exactly one of call, load, signal must be set",
			}
		}
	}
	return nil
}

// hasSymbol reports whether any call event enters symbol, and the module
// that owns it ("" for the main image).
func (p *Program) hasSymbol(symbol string) (string, bool) {
	for _, ev := range p.Events {
		if ev.Call == "" {
			continue
		}
		module, method := splitSymbol(ev.Call)
		if symbol == method || symbol == ev.Call {
			return module, true
		}
	}
	return "", false
}

// splitSymbol splits module!method. Main image symbols have no module.
func splitSymbol(s string) (module, method string) {
	if i := strings.IndexByte(s, '!'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}
