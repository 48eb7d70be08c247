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

// Package testutils provides the primitives scenarios are written against:
// StopInMain to bring the debuggee to its entry point, ExitLLDB to tear
// everything down, and assertion helpers that return errors instead of
// failing a *testing.T, so scenarios can run outside of go test.
package testutils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/tombee/dbgrelay/internal/debugger"
	"github.com/tombee/dbgrelay/internal/log"
	"github.com/tombee/dbgrelay/internal/relay"
	"github.com/tombee/dbgrelay/internal/tracing"
	relayerrors "github.com/tombee/dbgrelay/pkg/errors"
)

// DefaultEntrySymbol is where StopInMain stops when the TargetSpec names none.
const DefaultEntrySymbol = "main"

// Bound on resumes during teardown before the process is killed.
const maxTeardownResumes = 32

// TargetSpec identifies the debuggee and how a scenario expects it to end.
type TargetSpec struct {
	// Program names the debuggee (informational for simulated targets).
	Program string `yaml:"program,omitempty" json:"program,omitempty"`

	// Args are passed on launch.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// EntrySymbol is the temporary breakpoint location. Default "main".
	EntrySymbol string `yaml:"entry,omitempty" json:"entry,omitempty"`

	// ExpectedExitCode is asserted by ExitLLDB.
	ExpectedExitCode int `yaml:"exit_code" json:"exit_code"`

	// Attach selects attaching to PID instead of launching.
	Attach bool `yaml:"attach,omitempty" json:"attach,omitempty"`
	PID    int  `yaml:"pid,omitempty" json:"pid,omitempty"`
}

// Entry returns the entry symbol, applying the default.
func (s TargetSpec) Entry() string {
	if s.EntrySymbol == "" {
		return DefaultEntrySymbol
	}
	return s.EntrySymbol
}

// Exchange is one command and its result, kept for reports.
type Exchange struct {
	Command string                 `json:"command"`
	Relayed bool                   `json:"relayed,omitempty"`
	Result  debugger.CommandResult `json:"result"`
}

// Driver drives one debugger session on behalf of a scenario.
type Driver struct {
	bindings debugger.Bindings
	relay    *relay.Relay
	logger   *slog.Logger

	mu         sync.Mutex
	transcript []Exchange
	entryBP    int
}

// Option configures a Driver.
type Option func(*driverOptions)

type driverOptions struct {
	logger *slog.Logger
	output io.Writer
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *driverOptions) { o.logger = l }
}

// WithOutput sets the output channel used by Relay. Default discards.
func WithOutput(w io.Writer) Option {
	return func(o *driverOptions) { o.output = w }
}

// New creates a driver over the given bindings.
func New(b debugger.Bindings, opts ...Option) *Driver {
	o := &driverOptions{logger: log.Discard(), output: io.Discard}
	for _, opt := range opts {
		opt(o)
	}
	logger := log.WithComponent(o.logger, "driver")
	return &Driver{
		bindings: b,
		relay:    relay.New(b.CommandInterpreter(), o.output, relay.WithLogger(o.logger)),
		logger:   logger,
	}
}

// Bindings returns the underlying debugger bindings.
func (d *Driver) Bindings() debugger.Bindings { return d.bindings }

// Process returns the current debuggee, or nil before launch.
func (d *Driver) Process() debugger.Process { return d.bindings.Target().Process() }

// StopEvent returns why the debuggee is stopped right now.
func (d *Driver) StopEvent() debugger.StopEvent {
	return debugger.StopEventOf(d.Process())
}

// EntryBreakpointID is the id of the temporary entry breakpoint used by the
// last successful StopInMain. It no longer exists.
func (d *Driver) EntryBreakpointID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entryBP
}

// Transcript returns the commands issued so far.
func (d *Driver) Transcript() []Exchange {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Exchange, len(d.transcript))
	copy(out, d.transcript)
	return out
}

func (d *Driver) record(cmd string, relayed bool, res debugger.CommandResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transcript = append(d.transcript, Exchange{Command: cmd, Relayed: relayed, Result: res})
}

// StopInMain launches (or attaches to) the debuggee, sets a temporary
// breakpoint at the entry symbol, and resumes until it is hit.
//
// On success the process is stopped with a breakpoint-hit stop event and the
// temporary breakpoint is gone. If the process exits first an
// *errors.UnexpectedExitError is returned.
func (d *Driver) StopInMain(ctx context.Context, spec TargetSpec) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, "stop_in_main")
	defer func() { tracing.EndSpan(span, err) }()

	tgt := d.bindings.Target()
	entry := spec.Entry()

	var proc debugger.Process
	if spec.Attach {
		proc, err = tgt.Attach(ctx, spec.PID)
	} else {
		proc, err = tgt.Launch(ctx, debugger.LaunchOptions{Args: spec.Args, StopAtEntry: true})
	}
	if err != nil {
		return relayerrors.Wrapf(err, "stop_in_main: start %s", spec.Program)
	}

	bp, err := tgt.BreakpointCreateByName(entry)
	if err != nil {
		return relayerrors.Wrapf(err, "stop_in_main: breakpoint at %s", entry)
	}
	bp.SetOneShot(true)
	defer tgt.BreakpointDelete(bp.ID())
	span.SetAttributes(tracing.String("entry", entry), tracing.Int("breakpoint_id", bp.ID()))

	for {
		switch proc.State() {
		case debugger.StateExited:
			return &relayerrors.UnexpectedExitError{
				Operation: "stop_in_main",
				State:     debugger.StateExited.String(),
				ExitCode:  proc.ExitStatus(),
			}
		case debugger.StateStopped:
			ev := debugger.StopEventOf(proc)
			if ev.Cause == debugger.StopCauseBreakpointHit && ev.BreakpointID == bp.ID() {
				d.mu.Lock()
				d.entryBP = bp.ID()
				d.mu.Unlock()
				d.logger.Debug("stopped at entry", "entry", entry, log.BreakpointKey, bp.ID(), "pid", proc.PID())
				return nil
			}
		}

		if err := proc.Continue(ctx); err != nil {
			return fmt.Errorf("stop_in_main: continue: %w", err)
		}
	}
}

// ExitLLDB removes every breakpoint, resumes the debuggee to completion, and
// checks its exit code against spec.ExpectedExitCode.
//
// It is safe to call on every exit path: before launch, after the process
// already exited, after an assertion failure, and more than once. It always
// leaves no breakpoints and no live process behind.
func (d *Driver) ExitLLDB(ctx context.Context, spec TargetSpec) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, "exit_lldb")
	defer func() { tracing.EndSpan(span, err) }()

	tgt := d.bindings.Target()

	// Managed breakpoints live in the extension; a debugger without it
	// rejects the command, which is fine.
	if res := d.bindings.CommandInterpreter().HandleCommand(ctx, "bpmd -clearall"); !res.Succeeded {
		d.logger.Debug("managed breakpoint clear skipped", "error", strings.TrimSpace(res.Error))
	}
	tgt.DeleteAllBreakpoints()

	proc := tgt.Process()
	if proc == nil {
		return nil
	}

	var errs []error
	for resumes := 0; proc.State() != debugger.StateExited; resumes++ {
		if resumes >= maxTeardownResumes {
			d.logger.Warn("debuggee keeps stopping during teardown, killing", "pid", proc.PID())
			errs = append(errs, &relayerrors.UnexpectedExitError{
				Operation: "exit_lldb",
				State:     proc.State().String(),
			})
			if kerr := proc.Kill(); kerr != nil {
				errs = append(errs, fmt.Errorf("exit_lldb: kill: %w", kerr))
			}
			break
		}
		if cerr := proc.Continue(ctx); cerr != nil {
			errs = append(errs, fmt.Errorf("exit_lldb: continue: %w", cerr))
			if kerr := proc.Kill(); kerr != nil {
				errs = append(errs, fmt.Errorf("exit_lldb: kill: %w", kerr))
			}
			break
		}
	}

	if n := len(tgt.Breakpoints()); n != 0 {
		errs = append(errs, fmt.Errorf("exit_lldb: %d breakpoints remain", n))
	}

	if proc.State() == debugger.StateExited {
		code := proc.ExitStatus()
		span.SetAttributes(tracing.Int("exit_code", code))
		if aerr := AssertEqual(code, spec.ExpectedExitCode, "exit code"); aerr != nil {
			errs = append(errs, aerr)
		}
	}

	return errors.Join(errs...)
}

// RunCommand executes text directly through the interpreter.
func (d *Driver) RunCommand(ctx context.Context, text string) debugger.CommandResult {
	res := d.bindings.CommandInterpreter().HandleCommand(ctx, text)
	d.record(text, false, res)
	return res
}

// Relay executes text through the relay, so its framed result also appears
// on the output channel.
func (d *Driver) Relay(ctx context.Context, text string) debugger.CommandResult {
	res := d.relay.Execute(ctx, text)
	d.record(text, true, res)
	return res
}

// MustSucceed runs text and converts a failed result into *errors.CommandError.
func (d *Driver) MustSucceed(ctx context.Context, text string) (debugger.CommandResult, error) {
	res := d.RunCommand(ctx, text)
	if !res.Succeeded {
		return res, &relayerrors.CommandError{Command: text, Output: res.Output, ErrText: res.Error}
	}
	return res, nil
}

// Continue resumes the debuggee and returns the resulting stop event. An
// exit is not an error here; callers check the event or the process state.
func (d *Driver) Continue(ctx context.Context) (debugger.StopEvent, error) {
	proc := d.Process()
	if proc == nil {
		return debugger.StopEvent{}, errors.New("continue: no process")
	}
	if err := proc.Continue(ctx); err != nil {
		return debugger.StopEvent{}, fmt.Errorf("continue: %w", err)
	}
	return debugger.StopEventOf(proc), nil
}
