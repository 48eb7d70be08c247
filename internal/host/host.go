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

// Package host runs a debugger console over line-oriented input: each line
// is a command for the interpreter. With the relay imported, a driver sends
// "runcommand <cmd>" lines and reads sentinel-framed results from stdout.
package host

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tombee/dbgrelay/internal/debugger"
	"github.com/tombee/dbgrelay/internal/log"
)

// QuitCommand ends the console loop.
const QuitCommand = "quit"

// Host is a debugger console reading commands from an input stream.
type Host struct {
	interp       debugger.Interpreter
	input        io.Reader
	output       io.Writer
	errOut       io.Writer
	prompt       string
	initCommands []string
	logger       *slog.Logger
}

// Option configures a Host.
type Option func(*Host)

// WithInput sets the command source (default os.Stdin).
func WithInput(r io.Reader) Option { return func(h *Host) { h.input = r } }

// WithOutput sets where command output is echoed (default os.Stdout).
func WithOutput(w io.Writer) Option { return func(h *Host) { h.output = w } }

// WithErrorOutput sets where command errors are echoed (default os.Stderr).
func WithErrorOutput(w io.Writer) Option { return func(h *Host) { h.errOut = w } }

// WithPrompt prints prompt before reading each line. Empty disables it.
func WithPrompt(prompt string) Option { return func(h *Host) { h.prompt = prompt } }

// WithInitCommands runs commands before reading input, like "lldb -o".
func WithInitCommands(cmds ...string) Option {
	return func(h *Host) { h.initCommands = append(h.initCommands, cmds...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(h *Host) { h.logger = l } }

// New creates a console for interp.
func New(interp debugger.Interpreter, opts ...Option) *Host {
	h := &Host{
		interp: interp,
		input:  os.Stdin,
		output: os.Stdout,
		errOut: os.Stderr,
		logger: log.Discard(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = log.WithComponent(h.logger, "host")
	return h
}

// Run executes the init commands, then reads and dispatches input lines
// until quit, end of input, or ctx is done. Empty lines are skipped.
func (h *Host) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, cmd := range h.initCommands {
		if res := h.dispatch(ctx, cmd); !res.Succeeded {
			h.logger.Warn("init command failed", log.CommandKey, cmd, "error", strings.TrimSpace(res.Error))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go h.readLines(ctx, lines, readErr)

	for {
		h.showPrompt()

		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig := <-sigCh:
			if sig == syscall.SIGTERM {
				return nil
			}
			fmt.Fprintln(h.errOut, "\nInterrupt received. Type 'quit' to exit.")

		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("input error: %w", err)
			}
			h.logger.Debug("input closed")
			return nil

		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == QuitCommand {
				h.logger.Debug("quit received")
				return nil
			}
			h.dispatch(ctx, line)
		}
	}
}

func (h *Host) readLines(ctx context.Context, lines chan<- string, readErr chan<- error) {
	scanner := bufio.NewScanner(h.input)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
	readErr <- scanner.Err()
}

func (h *Host) showPrompt() {
	if h.prompt != "" {
		fmt.Fprint(h.output, h.prompt)
	}
}

// dispatch runs one command and echoes whatever the interpreter returned.
// The relay command returns nothing here; its frame is already written.
func (h *Host) dispatch(ctx context.Context, line string) debugger.CommandResult {
	log.Trace(h.logger, "dispatch", log.String(log.CommandKey, line))
	res := h.interp.HandleCommand(ctx, line)
	if res.Output != "" {
		fmt.Fprint(h.output, res.Output)
	}
	if res.Error != "" {
		fmt.Fprint(h.errOut, res.Error)
	}
	return res
}
