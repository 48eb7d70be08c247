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

// Package debugger defines the capability surface the relay and scenario
// driver consume from a hosting debugger: a command interpreter, a target
// with breakpoints, and the process and thread it controls.
//
// The harness only calls these interfaces; it never extends them.
package debugger

import (
	"context"
	"fmt"
)

// ProcessState is the lifecycle state of the debuggee.
type ProcessState int

const (
	StateNotStarted ProcessState = iota
	StateRunning
	StateStopped
	StateExited
)

// String returns the lowercase state name used in logs and assertions.
func (s ProcessState) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StopReason is why a thread last stopped.
type StopReason int

const (
	StopReasonNone StopReason = iota
	StopReasonBreakpoint
	StopReasonSignal
	StopReasonOther
)

// String returns the lowercase reason name.
func (r StopReason) String() string {
	switch r {
	case StopReasonNone:
		return "none"
	case StopReasonBreakpoint:
		return "breakpoint"
	case StopReasonSignal:
		return "signal"
	case StopReasonOther:
		return "other"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// CommandResult is the outcome of one interpreter command.
type CommandResult struct {
	Output    string
	Error     string
	Succeeded bool
}

// Interpreter executes debugger commands given as text.
type Interpreter interface {
	HandleCommand(ctx context.Context, text string) CommandResult
}

// LaunchOptions configures a new debuggee.
type LaunchOptions struct {
	Args []string
	Env  []string

	// StopAtEntry leaves the process stopped before it runs any code.
	StopAtEntry bool
}

// Target is the debuggee image plus its breakpoints.
type Target interface {
	Launch(ctx context.Context, opts LaunchOptions) (Process, error)
	Attach(ctx context.Context, pid int) (Process, error)

	// Process returns the current process, or nil before launch.
	Process() Process

	BreakpointCreateByName(symbol string) (Breakpoint, error)
	BreakpointDelete(id int) bool
	DeleteAllBreakpoints()
	Breakpoints() []Breakpoint
}

// Process is a launched or attached debuggee.
type Process interface {
	PID() int
	State() ProcessState

	// Continue resumes the process and blocks until it stops or exits.
	Continue(ctx context.Context) error
	Kill() error

	// ExitStatus is only meaningful once State is StateExited.
	ExitStatus() int
	SelectedThread() Thread
}

// Thread exposes the stop information of a debuggee thread.
type Thread interface {
	StopReason() StopReason

	// StopReasonData holds reason-specific values. For breakpoint stops
	// the first element is the breakpoint id.
	StopReasonData() []int
	StopDescription() string
}

// Breakpoint is a native breakpoint owned by a Target.
type Breakpoint interface {
	ID() int
	Symbol() string
	NumLocations() int
	IsPending() bool
	SetOneShot(oneShot bool)
}

// CommandHandler is a user command registered with the interpreter.
type CommandHandler interface {
	RunCommand(ctx context.Context, args string) CommandResult
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, args string) CommandResult

// RunCommand calls f.
func (f CommandHandlerFunc) RunCommand(ctx context.Context, args string) CommandResult {
	return f(ctx, args)
}

// Bindings is what the scripting environment hands to a loaded module.
type Bindings interface {
	CommandInterpreter() Interpreter
	Target() Target
	AddCommand(name string, handler CommandHandler, help string) error
}
