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

// Package sim provides an in-memory debugger implementing the debugger
// interfaces. It runs a deterministic Program instead of a real debuggee and
// understands an lldb-flavoured command set plus the bpmd managed-breakpoint
// extension, which is enough to exercise the relay and every scenario.
package sim

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/tombee/dbgrelay/internal/debugger"
)

// DefaultVersion is reported by the version command.
const DefaultVersion = "18.1.8"

// ModuleLoader is run by "command script import <name>".
type ModuleLoader func(b debugger.Bindings) error

type registeredCommand struct {
	handler debugger.CommandHandler
	help    string
}

// Debugger is a simulated debugger session over one Program.
type Debugger struct {
	version string
	logger  *slog.Logger
	target  *target
	interp  *interpreter

	mu       sync.RWMutex
	commands map[string]registeredCommand
	modules  map[string]ModuleLoader
	imported map[string]bool
}

// Option configures a Debugger.
type Option func(*Debugger)

// WithVersion sets the version string reported by the interpreter.
func WithVersion(v string) Option {
	return func(d *Debugger) { d.version = v }
}

// WithLogger sets the logger used for debug tracing.
func WithLogger(l *slog.Logger) Option {
	return func(d *Debugger) { d.logger = l }
}

// WithScriptModule makes a module importable by name.
func WithScriptModule(name string, loader ModuleLoader) Option {
	return func(d *Debugger) { d.modules[name] = loader }
}

// New creates a debugger session for p. A nil program uses DefaultProgram.
func New(p *Program, opts ...Option) *Debugger {
	if p == nil {
		p = DefaultProgram()
	}
	d := &Debugger{
		version:  DefaultVersion,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		commands: make(map[string]registeredCommand),
		modules:  make(map[string]ModuleLoader),
		imported: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.target = newTarget(p, d.logger)
	d.interp = &interpreter{d: d}
	return d
}

// Program returns the program this session runs.
func (d *Debugger) Program() *Program {
	return d.target.program
}

// CommandInterpreter implements debugger.Bindings.
func (d *Debugger) CommandInterpreter() debugger.Interpreter {
	return d.interp
}

// Target implements debugger.Bindings.
func (d *Debugger) Target() debugger.Target {
	return d.target
}

// AddCommand implements debugger.Bindings. Builtin names cannot be replaced.
func (d *Debugger) AddCommand(name string, handler debugger.CommandHandler, help string) error {
	if name == "" {
		return fmt.Errorf("command name is empty")
	}
	if handler == nil {
		return fmt.Errorf("command %s: handler is nil", name)
	}
	if isBuiltin(name) {
		return fmt.Errorf("command %s: conflicts with a builtin command", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.commands[name]; exists {
		return fmt.Errorf("command %s: already registered", name)
	}
	d.commands[name] = registeredCommand{handler: handler, help: help}
	d.logger.Debug("command registered", "command", name)
	return nil
}

// RegisterScriptModule makes a module importable after construction.
func (d *Debugger) RegisterScriptModule(name string, loader ModuleLoader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modules[name] = loader
}

// Import runs the named module loader once, as "command script import" does.
func (d *Debugger) Import(name string) error {
	d.mu.Lock()
	loader, ok := d.modules[name]
	already := d.imported[name]
	if ok && !already {
		d.imported[name] = true
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("module importing failed: No module named '%s'", name)
	}
	if already {
		return nil
	}
	if err := loader(d); err != nil {
		d.mu.Lock()
		delete(d.imported, name)
		d.mu.Unlock()
		return fmt.Errorf("module importing failed: %w", err)
	}
	return nil
}

func (d *Debugger) lookupCommand(name string) (registeredCommand, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.commands[name]
	return c, ok
}

func (d *Debugger) commandHelp() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	lines := make([]string, 0, len(d.commands))
	for name, c := range d.commands {
		lines = append(lines, fmt.Sprintf("  %-16s -- %s", name, c.help))
	}
	sort.Strings(lines)
	return lines
}

var _ debugger.Bindings = (*Debugger)(nil)
