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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tombee/dbgrelay/internal/debugger"
)

// Exit status reported for a killed process.
const killedExitStatus = 9

var (
	// ErrNoProcess is returned by process operations before launch.
	ErrNoProcess = errors.New("no process")

	// ErrProcessExited is returned when resuming an exited process.
	ErrProcessExited = errors.New("process has exited")

	// ErrProcessRunning is returned when launching over a live process.
	ErrProcessRunning = errors.New("a process is already being debugged")
)

// target owns the program, its breakpoints, and the current process.
// A single mutex guards all of it; breakpoints and the process lock the
// target they belong to.
type target struct {
	mu      sync.Mutex
	program *Program
	logger  *slog.Logger

	nextBP int
	bps    []*breakpoint

	nextManaged int
	managed     []*managedBreakpoint

	proc     *process
	launches int
}

func newTarget(p *Program, logger *slog.Logger) *target {
	return &target{program: p, logger: logger}
}

// Launch starts a new process. Unless StopAtEntry is set it runs until the
// first stop or exit.
func (t *target) Launch(ctx context.Context, opts debugger.LaunchOptions) (debugger.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.proc != nil && t.proc.state != debugger.StateExited {
		return nil, ErrProcessRunning
	}

	p := t.newProcessLocked(opts.Args)
	t.logger.Debug("process launched", "pid", p.pid, "args", opts.Args)

	if opts.StopAtEntry {
		p.stopLocked(stopInfo{reason: debugger.StopReasonSignal, desc: "signal SIGSTOP"})
		return p, nil
	}
	p.state = debugger.StateRunning
	if err := t.runLocked(ctx, p); err != nil {
		return p, err
	}
	return p, nil
}

// Attach connects to the program's process. The process is stopped on attach.
func (t *target) Attach(ctx context.Context, pid int) (debugger.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if pid != t.program.PID {
		return nil, fmt.Errorf("attach failed: no such process: %d", pid)
	}
	if t.proc != nil && t.proc.state != debugger.StateExited {
		return nil, ErrProcessRunning
	}

	p := t.newProcessLocked(nil)
	p.pid = pid
	p.stopLocked(stopInfo{reason: debugger.StopReasonSignal, desc: "signal SIGSTOP"})
	t.logger.Debug("process attached", "pid", p.pid)
	return p, nil
}

func (t *target) newProcessLocked(args []string) *process {
	t.launches++
	p := &process{
		target: t,
		pid:    t.program.PID + t.launches - 1,
		args:   args,
		loaded: make(map[string]bool),
	}
	t.proc = p
	return p
}

func (t *target) Process() debugger.Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proc == nil {
		return nil
	}
	return t.proc
}

func (t *target) BreakpointCreateByName(symbol string) (debugger.Breakpoint, error) {
	if symbol == "" {
		return nil, errors.New("breakpoint symbol is empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.createBreakpointLocked(symbol), nil
}

func (t *target) createBreakpointLocked(symbol string) *breakpoint {
	t.nextBP++
	bp := &breakpoint{target: t, id: t.nextBP, symbol: symbol}
	t.bps = append(t.bps, bp)
	return bp
}

func (t *target) BreakpointDelete(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteBreakpointLocked(id)
}

func (t *target) deleteBreakpointLocked(id int) bool {
	n := len(t.bps)
	t.bps = slices.DeleteFunc(t.bps, func(bp *breakpoint) bool { return bp.id == id })
	return len(t.bps) != n
}

func (t *target) DeleteAllBreakpoints() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bps = nil
}

func (t *target) Breakpoints() []debugger.Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]debugger.Breakpoint, 0, len(t.bps))
	for _, bp := range t.bps {
		out = append(out, bp)
	}
	return out
}

// resolvedLocked reports whether symbol maps to code in the current image set.
func (t *target) resolvedLocked(symbol string) bool {
	module, ok := t.program.hasSymbol(symbol)
	if !ok {
		return false
	}
	if module == "" {
		return true
	}
	return t.proc != nil && t.proc.state != debugger.StateExited && t.proc.loaded[module]
}

// runLocked executes events until the process stops or exits.
func (t *target) runLocked(ctx context.Context, p *process) error {
	events := t.program.Events
	for p.pc < len(events) {
		if err := ctx.Err(); err != nil {
			p.stopLocked(stopInfo{reason: debugger.StopReasonOther, desc: "interrupted"})
			return err
		}

		ev := events[p.pc]
		p.pc++

		switch {
		case ev.Load != "":
			p.loaded[ev.Load] = true
			p.modules = append(p.modules, ev.Load)
			t.resolveManagedLocked(ev.Load)
		case ev.Signal != "":
			p.stopLocked(stopInfo{reason: debugger.StopReasonSignal, desc: "signal " + ev.Signal})
			return nil
		case ev.Call != "":
			if bp := t.hitLocked(ev.Call); bp != nil {
				bp.hits++
				p.stopLocked(stopInfo{
					reason: debugger.StopReasonBreakpoint,
					data:   []int{bp.id},
					desc:   fmt.Sprintf("breakpoint %d.1", bp.id),
					frame:  ev.Call,
				})
				if bp.oneShot {
					t.deleteBreakpointLocked(bp.id)
				}
				return nil
			}
		}
	}

	p.state = debugger.StateExited
	p.exitCode = t.program.ExitCode
	p.stop = stopInfo{}
	t.logger.Debug("process exited", "pid", p.pid, "exit_code", p.exitCode)
	return nil
}

// hitLocked returns the lowest-id resolved breakpoint matching call.
func (t *target) hitLocked(call string) *breakpoint {
	_, method := splitSymbol(call)
	for _, bp := range t.bps {
		if (bp.symbol == method || bp.symbol == call) && t.resolvedLocked(bp.symbol) {
			return bp
		}
	}
	return nil
}

type stopInfo struct {
	reason debugger.StopReason
	data   []int
	desc   string
	frame  string
}

type process struct {
	target *target

	pid      int
	args     []string
	state    debugger.ProcessState
	exitCode int
	pc       int
	loaded   map[string]bool
	modules  []string
	stop     stopInfo
}

func (p *process) stopLocked(info stopInfo) {
	p.state = debugger.StateStopped
	p.stop = info
}

func (p *process) PID() int { return p.pid }

func (p *process) State() debugger.ProcessState {
	p.target.mu.Lock()
	defer p.target.mu.Unlock()
	return p.state
}

func (p *process) Continue(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := p.target
	t.mu.Lock()
	defer t.mu.Unlock()

	switch p.state {
	case debugger.StateExited:
		return ErrProcessExited
	case debugger.StateNotStarted:
		return ErrNoProcess
	}
	p.state = debugger.StateRunning
	p.stop = stopInfo{}
	return t.runLocked(ctx, p)
}

func (p *process) Kill() error {
	t := p.target
	t.mu.Lock()
	defer t.mu.Unlock()

	if p.state == debugger.StateExited {
		return ErrProcessExited
	}
	p.state = debugger.StateExited
	p.exitCode = killedExitStatus
	p.stop = stopInfo{}
	return nil
}

func (p *process) ExitStatus() int {
	p.target.mu.Lock()
	defer p.target.mu.Unlock()
	return p.exitCode
}

func (p *process) SelectedThread() debugger.Thread {
	p.target.mu.Lock()
	defer p.target.mu.Unlock()
	if p.state == debugger.StateExited {
		return nil
	}
	return &thread{tid: p.pid, stop: p.stop}
}

// thread is a snapshot of the stop info at the time it was selected.
type thread struct {
	tid  int
	stop stopInfo
}

func (th *thread) StopReason() debugger.StopReason { return th.stop.reason }
func (th *thread) StopReasonData() []int           { return slices.Clone(th.stop.data) }
func (th *thread) StopDescription() string         { return th.stop.desc }

type breakpoint struct {
	target *target

	id      int
	symbol  string
	oneShot bool
	hits    int
}

func (bp *breakpoint) ID() int        { return bp.id }
func (bp *breakpoint) Symbol() string { return bp.symbol }

func (bp *breakpoint) NumLocations() int {
	bp.target.mu.Lock()
	defer bp.target.mu.Unlock()
	if bp.target.resolvedLocked(bp.symbol) {
		return 1
	}
	return 0
}

func (bp *breakpoint) IsPending() bool { return bp.NumLocations() == 0 }

func (bp *breakpoint) SetOneShot(oneShot bool) {
	bp.target.mu.Lock()
	defer bp.target.mu.Unlock()
	bp.oneShot = oneShot
}
