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

// Package relay implements the command relay that runs inside a debugger's
// scripting environment. It registers a "runcommand" command which executes
// its argument through the debugger's own interpreter and writes the output,
// the error text, and then exactly one completion sentinel to the output
// channel, so an external driver knows when each command is finished.
//
// Initialization is all-or-nothing: if the scripting bindings cannot be
// obtained the relay prints a diagnostic and terminates the hosting process.
// Command failures, on the other hand, are never fatal; they are reported
// through the failure sentinel and the relay keeps serving.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tombee/dbgrelay/internal/debugger"
	"github.com/tombee/dbgrelay/internal/log"
	"github.com/tombee/dbgrelay/internal/protocol"
	relayerrors "github.com/tombee/dbgrelay/pkg/errors"
)

// CommandName is the name the relay registers with the interpreter.
const CommandName = "runcommand"

// CommandHelp is the help text shown for CommandName.
const CommandHelp = "Run a debugger command and terminate its output with a completion sentinel."

// Exit code used when initialization fails.
const initFailureExitCode = 1

// Loader obtains the scripting bindings of the hosting debugger.
type Loader func() (debugger.Bindings, error)

// Relay forwards command text to an interpreter and frames the results.
type Relay struct {
	interp debugger.Interpreter
	out    *protocol.Writer
	logger *slog.Logger
	mw     *log.CommandMiddleware
}

type options struct {
	logger *slog.Logger
	stderr io.Writer
	exit   func(code int)
}

// Option configures a Relay.
type Option func(*options)

// WithLogger sets the logger. Logs must not go to the output channel.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStderr sets where the fatal initialization diagnostic is printed.
func WithStderr(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

// WithExit replaces os.Exit for the fatal initialization path.
func WithExit(exit func(code int)) Option {
	return func(o *options) { o.exit = exit }
}

func buildOptions(opts []Option) *options {
	o := &options{
		logger: log.Discard(),
		stderr: os.Stderr,
		exit:   os.Exit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Init loads the bindings, registers the relay command, and writes the
// initialization sentinel to out.
//
// If the bindings cannot be loaded Init prints a diagnostic and calls the
// exit function; it returns nil only when that function returns (tests).
// A failure to register the command is logged and does not stop the relay.
func Init(load Loader, out io.Writer, opts ...Option) *Relay {
	o := buildOptions(opts)

	b, err := load()
	if err == nil && b == nil {
		err = errors.New("loader returned no bindings")
	}
	if err != nil {
		initErr := &relayerrors.InitError{Component: "scripting bindings", Cause: err}
		fmt.Fprintf(o.stderr, "dbgrelay: %v\n", initErr)
		fmt.Fprintf(o.stderr, "dbgrelay: %s\n", initErr.Suggestion())
		recordInit("fatal")
		o.exit(initFailureExitCode)
		return nil
	}

	r := newRelay(b.CommandInterpreter(), out, o)

	if err := b.AddCommand(CommandName, r, CommandHelp); err != nil {
		o.logger.Warn("failed to register relay command", "command", CommandName, log.Error(err))
		recordInit("register_failed")
	} else {
		recordInit("ok")
	}

	if err := r.out.Ready(); err != nil {
		o.logger.Error("failed to write ready sentinel", log.Error(err))
	}
	return r
}

// New creates a relay over an interpreter without registering it anywhere.
func New(interp debugger.Interpreter, out io.Writer, opts ...Option) *Relay {
	return newRelay(interp, out, buildOptions(opts))
}

func newRelay(interp debugger.Interpreter, out io.Writer, o *options) *Relay {
	logger := log.WithComponent(o.logger, "relay")
	return &Relay{
		interp: interp,
		out:    protocol.NewWriter(out),
		logger: logger,
		mw:     log.NewCommandMiddleware(logger),
	}
}

// RunCommand implements debugger.CommandHandler. The framed result goes to
// the output channel; the returned result only reports that the relay ran.
func (r *Relay) RunCommand(ctx context.Context, args string) debugger.CommandResult {
	r.Execute(ctx, args)
	return debugger.CommandResult{Succeeded: true}
}

// Execute runs text through the interpreter, writes output, error text and
// the sentinel to the output channel, and returns the interpreter's result.
// It never fails: write errors are logged, and a panicking interpreter is
// reported as a failed command.
func (r *Relay) Execute(ctx context.Context, text string) debugger.CommandResult {
	var res debugger.CommandResult

	r.mw.Handler(&log.CommandRequest{Command: text, Source: "relay"}, func() (bool, string) {
		res = r.handle(ctx, text)
		return res.Succeeded, res.Error
	})

	if err := r.out.WriteResult(res.Output, res.Error, res.Succeeded); err != nil {
		r.logger.Error("failed to write command result", log.CommandKey, text, log.Error(err))
	}
	recordCommand(res.Succeeded)
	return res
}

func (r *Relay) handle(ctx context.Context, text string) (res debugger.CommandResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("interpreter panicked", log.CommandKey, text, "panic", p)
			res = debugger.CommandResult{Error: fmt.Sprintf("internal error: %v", p)}
		}
	}()
	return r.interp.HandleCommand(ctx, text)
}
