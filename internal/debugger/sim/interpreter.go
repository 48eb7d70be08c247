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
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/kballard/go-shellquote"

	"github.com/tombee/dbgrelay/internal/debugger"
)

var builtinCommands = []string{
	"b", "bpmd", "br", "breakpoint", "c", "command", "continue",
	"help", "image", "process", "quit", "sos", "thread", "version",
}

func isBuiltin(name string) bool {
	return slices.Contains(builtinCommands, name)
}

// interpreter dispatches command text against a Debugger.
type interpreter struct {
	d *Debugger
}

func ok(format string, args ...any) debugger.CommandResult {
	return debugger.CommandResult{Output: fmt.Sprintf(format, args...), Succeeded: true}
}

func fail(format string, args ...any) debugger.CommandResult {
	return debugger.CommandResult{Error: fmt.Sprintf(format, args...)}
}

// HandleCommand implements debugger.Interpreter.
func (in *interpreter) HandleCommand(ctx context.Context, text string) debugger.CommandResult {
	text = strings.TrimSpace(text)
	if text == "" {
		return debugger.CommandResult{Succeeded: true}
	}

	// Registered commands own their argument text, quotes included.
	name, rest := splitCommand(text)
	if c, found := in.d.lookupCommand(name); found {
		return c.handler.RunCommand(ctx, rest)
	}

	in.d.logger.Debug("interpreter command", "command", text)

	args, err := shellquote.Split(text)
	if err != nil {
		return fail("error: %v\n", err)
	}
	name = args[0]

	switch name {
	case "breakpoint", "br":
		return in.breakpoint(args[1:])
	case "b":
		if len(args) < 2 {
			return in.breakpointList()
		}
		return in.breakpointSet(args[1])
	case "bpmd":
		return in.bpmd(args[1:])
	case "sos":
		return in.sos(args[1:])
	case "process":
		return in.process(ctx, args[1:])
	case "continue", "c":
		return in.processContinue(ctx)
	case "thread":
		return in.thread(args[1:])
	case "image":
		return in.image(args[1:])
	case "version":
		return ok("lldb version %s\n", in.d.version)
	case "help":
		return in.help()
	case "command":
		return in.command(args[1:])
	case "quit":
		return fail("error: 'quit' is handled by the debugger console, not the interpreter.\n")
	default:
		return fail("error: '%s' is not a valid command.\n", name)
	}
}

// splitCommand returns the first whitespace-delimited word of text and the
// untouched remainder.
func splitCommand(text string) (name, rest string) {
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

func (in *interpreter) breakpoint(args []string) debugger.CommandResult {
	if len(args) == 0 {
		return fail("error: 'breakpoint' requires a subcommand: set, list, delete\n")
	}
	switch args[0] {
	case "set":
		symbol := ""
		for i := 1; i < len(args); i++ {
			if (args[i] == "-n" || args[i] == "--name") && i+1 < len(args) {
				symbol = args[i+1]
				i++
			}
		}
		if symbol == "" {
			return fail("error: breakpoint set requires a symbol name (-n)\n")
		}
		return in.breakpointSet(symbol)
	case "list":
		return in.breakpointList()
	case "delete":
		return in.breakpointDelete(args[1:])
	default:
		return fail("error: '%s' is not a valid subcommand of \"breakpoint\"\n", args[0])
	}
}

func (in *interpreter) breakpointSet(symbol string) debugger.CommandResult {
	t := in.d.target
	t.mu.Lock()
	defer t.mu.Unlock()

	bp := t.createBreakpointLocked(symbol)
	if !t.resolvedLocked(symbol) {
		return ok("Breakpoint %d: no locations (pending).\nWARNING:  Unable to resolve breakpoint to any actual locations.\n", bp.id)
	}
	return ok("Breakpoint %d: where = %s`%s\n", bp.id, t.imageOfLocked(symbol), symbol)
}

func (in *interpreter) breakpointList() debugger.CommandResult {
	t := in.d.target
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.bps) == 0 {
		return ok("No breakpoints currently set.\n")
	}
	var b strings.Builder
	b.WriteString("Current breakpoints:\n")
	for _, bp := range t.bps {
		if t.resolvedLocked(bp.symbol) {
			fmt.Fprintf(&b, "%d: name = '%s', locations = 1, resolved = 1, hit count = %d\n", bp.id, bp.symbol, bp.hits)
		} else {
			fmt.Fprintf(&b, "%d: name = '%s', locations = 0 (pending)\n", bp.id, bp.symbol)
		}
	}
	return ok("%s", b.String())
}

func (in *interpreter) breakpointDelete(args []string) debugger.CommandResult {
	t := in.d.target
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(args) == 0 {
		n := len(t.bps)
		t.bps = nil
		return ok("All breakpoints removed. (%d breakpoints)\n", n)
	}

	deleted := 0
	for _, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil || !t.deleteBreakpointLocked(id) {
			return fail("error: '%s' is not a currently valid breakpoint ID.\n", a)
		}
		deleted++
	}
	return ok("%d breakpoints deleted; 0 breakpoint locations disabled.\n", deleted)
}

// imageOfLocked names the image that owns symbol.
func (t *target) imageOfLocked(symbol string) string {
	if module, found := t.program.hasSymbol(symbol); found && module != "" {
		return module
	}
	return t.program.Name
}

const bpmdUsage = "Usage: bpmd <module name> <managed function name>\n" +
	"       bpmd -list\n" +
	"       bpmd -clear <pending breakpoint number>\n" +
	"       bpmd -clearall\n"

func (in *interpreter) bpmd(args []string) debugger.CommandResult {
	if len(args) == 0 {
		return fail("%s", bpmdUsage)
	}

	t := in.d.target
	t.mu.Lock()
	defer t.mu.Unlock()

	switch args[0] {
	case "-list":
		if len(t.managed) == 0 {
			return ok("No managed breakpoints set.\n")
		}
		var b strings.Builder
		b.WriteString("Managed breakpoints:\n")
		for _, m := range t.managed {
			if m.pending() {
				fmt.Fprintf(&b, "  %d: %s (pending)\n", m.index, m.name())
			} else {
				fmt.Fprintf(&b, "  %d: %s (bound to breakpoint %d)\n", m.index, m.name(), m.nativeID)
			}
		}
		return ok("%s", b.String())

	case "-clear":
		if len(args) != 2 {
			return fail("%s", bpmdUsage)
		}
		index, err := strconv.Atoi(args[1])
		if err != nil || index < 1 {
			return fail("Invalid pending breakpoint index.\n")
		}
		m, found := t.clearManagedLocked(index)
		if !found {
			return fail("Invalid pending breakpoint index.\n")
		}
		return ok("Cleared breakpoint %d for %s\n", m.index, m.name())

	case "-clearall":
		t.clearAllManagedLocked()
		return ok("All pending breakpoints cleared.\n")
	}

	if strings.HasPrefix(args[0], "-") || len(args) != 2 {
		return fail("%s", bpmdUsage)
	}

	module, method := args[0], args[1]
	loaded := t.proc != nil && t.proc.state != debugger.StateExited && t.proc.loaded[module]
	if loaded {
		if owner, found := t.program.hasSymbol(module + "!" + method); !found || owner != module {
			return fail("Could not find %s in %s\n", method, module)
		}
	}

	m := t.addManagedLocked(module, method)
	if m.pending() {
		return ok("Adding pending breakpoint %d for %s\n", m.index, m.name())
	}
	return ok("Breakpoint %d set at %s (breakpoint %d)\n", m.index, m.name(), m.nativeID)
}

// sos dispatches extension commands given with the "sos" prefix.
func (in *interpreter) sos(args []string) debugger.CommandResult {
	if len(args) == 0 {
		return fail("error: sos requires a command\n")
	}
	if args[0] == "bpmd" {
		return in.bpmd(args[1:])
	}
	return fail("Unrecognized SOS command '%s'\n", args[0])
}

func (in *interpreter) process(ctx context.Context, args []string) debugger.CommandResult {
	if len(args) == 0 {
		return fail("error: 'process' requires a subcommand: launch, attach, continue, status, kill\n")
	}
	switch args[0] {
	case "launch":
		p, err := in.d.target.Launch(ctx, debugger.LaunchOptions{Args: args[1:]})
		if errors.Is(err, ErrProcessRunning) {
			return fail("error: %v\n", err)
		}
		if err != nil {
			return fail("error: launch failed: %v\n", err)
		}
		return ok("Process %d launched: '%s'\n%s", p.PID(), in.d.target.program.Name, in.status())
	case "attach":
		pid := 0
		for i := 1; i+1 < len(args); i++ {
			if args[i] == "-p" || args[i] == "--pid" {
				pid, _ = strconv.Atoi(args[i+1])
			}
		}
		if pid == 0 {
			return fail("error: process attach requires a pid (-p)\n")
		}
		if _, err := in.d.target.Attach(ctx, pid); err != nil {
			return fail("error: %v\n", err)
		}
		return ok("%s", in.status())
	case "continue":
		return in.processContinue(ctx)
	case "status":
		if !in.hasProcess() {
			return fail("error: Command requires a current process.\n")
		}
		return ok("%s", in.status())
	case "kill":
		p := in.d.target.Process()
		if p == nil {
			return fail("error: Command requires a current process.\n")
		}
		if err := p.Kill(); err != nil {
			return fail("error: %v\n", err)
		}
		return ok("%s", in.status())
	default:
		return fail("error: '%s' is not a valid subcommand of \"process\"\n", args[0])
	}
}

func (in *interpreter) processContinue(ctx context.Context) debugger.CommandResult {
	p := in.d.target.Process()
	if p == nil || p.State() == debugger.StateExited {
		return fail("error: Process must be launched.\n")
	}
	pid := p.PID()
	if err := p.Continue(ctx); err != nil {
		return fail("error: %v\n", err)
	}
	return ok("Process %d resuming\n%s", pid, in.status())
}

func (in *interpreter) thread(args []string) debugger.CommandResult {
	if len(args) == 0 || args[0] != "list" {
		return fail("error: 'thread' requires a subcommand: list\n")
	}
	t := in.d.target
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.proc
	if p == nil || p.state == debugger.StateExited {
		return fail("error: Command requires a current process.\n")
	}
	reason := "none"
	if p.state == debugger.StateStopped {
		reason = p.stop.desc
	}
	return ok("Process %d %s\n* thread #1: tid = %d, stop reason = %s\n", p.pid, p.state, p.pid, reason)
}

func (in *interpreter) image(args []string) debugger.CommandResult {
	if len(args) == 0 || args[0] != "list" {
		return fail("error: 'image' requires a subcommand: list\n")
	}
	t := in.d.target
	t.mu.Lock()
	defer t.mu.Unlock()

	images := []string{t.program.Name}
	if t.proc != nil && t.proc.state != debugger.StateExited {
		images = append(images, t.proc.modules...)
	}
	var b strings.Builder
	for i, name := range images {
		fmt.Fprintf(&b, "[%3d] %s\n", i, name)
	}
	return ok("%s", b.String())
}

func (in *interpreter) help() debugger.CommandResult {
	var b strings.Builder
	b.WriteString("Debugger commands:\n")
	b.WriteString("  breakpoint       -- Set, list and delete breakpoints (b, br).\n")
	b.WriteString("  bpmd             -- Manage breakpoints on managed methods.\n")
	b.WriteString("  command          -- Import script modules.\n")
	b.WriteString("  continue         -- Resume the process (c).\n")
	b.WriteString("  image            -- List loaded images.\n")
	b.WriteString("  process          -- Launch, attach, continue, kill or inspect the process.\n")
	b.WriteString("  thread           -- List threads.\n")
	b.WriteString("  version          -- Show the debugger version.\n")
	b.WriteString("  quit             -- Exit the debugger.\n")
	if user := in.d.commandHelp(); len(user) > 0 {
		b.WriteString("\nUser-defined commands:\n")
		for _, line := range user {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return ok("%s", b.String())
}

func (in *interpreter) command(args []string) debugger.CommandResult {
	if len(args) < 3 || args[0] != "script" || args[1] != "import" {
		return fail("error: usage: command script import <module>\n")
	}
	name := strings.TrimSuffix(args[2], ".py")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if err := in.d.Import(name); err != nil {
		return fail("error: %v\n", err)
	}
	return debugger.CommandResult{Succeeded: true}
}

func (in *interpreter) hasProcess() bool {
	return in.d.target.Process() != nil
}

// status renders the process state the way lldb prints it after a stop.
func (in *interpreter) status() string {
	t := in.d.target
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.proc
	if p == nil {
		return ""
	}
	switch p.state {
	case debugger.StateExited:
		return fmt.Sprintf("Process %d exited with status = %d (0x%08x)\n", p.pid, p.exitCode, p.exitCode)
	case debugger.StateStopped:
		var b strings.Builder
		fmt.Fprintf(&b, "Process %d stopped\n", p.pid)
		fmt.Fprintf(&b, "* thread #1, name = '%s', stop reason = %s\n", t.program.Name, p.stop.desc)
		if p.stop.frame != "" {
			module, method := splitSymbol(p.stop.frame)
			if module == "" {
				module = t.program.Name
			}
			fmt.Fprintf(&b, "    frame #0: %s`%s\n", module, method)
		}
		return b.String()
	default:
		return fmt.Sprintf("Process %d is %s.\n", p.pid, p.state)
	}
}
