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

package driver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/tombee/dbgrelay/internal/log"
	relayerrors "github.com/tombee/dbgrelay/pkg/errors"
)

// Script directives.
const (
	directiveIfdef      = "IFDEF:"
	directiveIfndef     = "!IFDEF:"
	directiveEndif      = "ENDIF:"
	directiveCommand    = "COMMAND:"
	directiveSOSCommand = "SOSCOMMAND:"
	directiveExtCommand = "EXTCOMMAND:"
	directiveVerify     = "VERIFY:"
	directiveNotVerify  = "!VERIFY:"
	directiveContinue   = "CONTINUE"

	poutTag     = "<POUT>"
	prevPoutTag = "<PREVPOUT>"
)

// Regex fragments available in every script.
const (
	HexValueRegex = "[A-Fa-f0-9]+(`[A-Fa-f0-9]+)?"
	DecValueRegex = "[,0-9]+(`[,0-9]+)?"
)

// Executor runs one relayed command. *Session implements it.
type Executor interface {
	Execute(ctx context.Context, command string) (Result, error)
}

// Quitter is implemented by executors that can end the debugger.
type Quitter interface {
	Quit(ctx context.Context) error
}

// Script is a parsed script file.
type Script struct {
	Path  string
	Lines []string
}

// LoadScript reads a script from disk.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, relayerrors.WrapRead(err, "script", path)
	}
	return ParseScript(path, data), nil
}

// ParseScript splits data into lines. Directives are interpreted by Run.
func ParseScript(path string, data []byte) *Script {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	return &Script{Path: path, Lines: lines}
}

// ScriptError locates a script failure.
type ScriptError struct {
	Path    string
	Line    int
	Excerpt string
	Err     error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script error at %s:%d: %v\nExcerpt from %s:\n%s", e.Path, e.Line, e.Err, e.Path, e.Excerpt)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// excerpt returns the lines around index i (zero based), two either side.
func excerpt(lines []string, i int) string {
	var b strings.Builder
	for j := max(0, i-2); j < min(i+3, len(lines)); j++ {
		fmt.Fprintf(&b, "%5d %s\n", j+1, lines[j])
	}
	return b.String()
}

type activeDefine struct {
	name string
	want bool
}

// ScriptRunner interprets scripts against an Executor.
type ScriptRunner struct {
	exec      Executor
	defines   map[string]bool
	variables map[string]string
	logger    *slog.Logger

	lastOutput  *string
	prevCapture *string
}

// ScriptOption configures a ScriptRunner.
type ScriptOption func(*ScriptRunner)

// WithDefines enables names for IFDEF blocks.
func WithDefines(names ...string) ScriptOption {
	return func(r *ScriptRunner) {
		for _, n := range names {
			r.defines[n] = true
		}
	}
}

// WithVariables adds text substitutions applied to commands and patterns.
func WithVariables(vars map[string]string) ScriptOption {
	return func(r *ScriptRunner) {
		for k, v := range vars {
			r.variables[k] = v
		}
	}
}

// WithScriptLogger sets the logger.
func WithScriptLogger(l *slog.Logger) ScriptOption {
	return func(r *ScriptRunner) { r.logger = l }
}

// NewScriptRunner creates a runner over exec.
func NewScriptRunner(exec Executor, opts ...ScriptOption) *ScriptRunner {
	r := &ScriptRunner{
		exec:    exec,
		defines: make(map[string]bool),
		variables: map[string]string{
			"<HEXVAL>": HexValueRegex,
			"<DECVAL>": DecValueRegex,
		},
		logger: log.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.WithComponent(r.logger, "script")
	return r
}

// LastOutput returns the output of the last command, if any ran.
func (r *ScriptRunner) LastOutput() (string, bool) {
	if r.lastOutput == nil {
		return "", false
	}
	return *r.lastOutput, true
}

// Run executes every active line of s, then quits the debugger when the
// executor supports it. Failures are returned as *ScriptError.
func (r *ScriptRunner) Run(ctx context.Context, s *Script) error {
	var stack []activeDefine
	enabled := true

	fail := func(i int, err error) error {
		scriptFailures.Inc()
		return &ScriptError{Path: s.Path, Line: i + 1, Excerpt: excerpt(s.Lines, i), Err: err}
	}

	for i, raw := range s.Lines {
		line := strings.TrimLeft(raw, " \t")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, directiveIfndef):
			stack = append(stack, activeDefine{name: strings.TrimSpace(line[len(directiveIfndef):]), want: false})
			enabled = r.regionEnabled(stack)
			continue
		case strings.HasPrefix(line, directiveIfdef):
			stack = append(stack, activeDefine{name: strings.TrimSpace(line[len(directiveIfdef):]), want: true})
			enabled = r.regionEnabled(stack)
			continue
		case strings.HasPrefix(line, directiveEndif):
			name := strings.TrimSpace(line[len(directiveEndif):])
			if len(stack) == 0 {
				return fail(i, fmt.Errorf("ENDIF: %s without IFDEF", name))
			}
			if top := stack[len(stack)-1]; top.name != name {
				return fail(i, fmt.Errorf("mismatched IFDEF/ENDIF. IFDEF: %s ENDIF: %s", top.name, name))
			}
			stack = stack[:len(stack)-1]
			enabled = r.regionEnabled(stack)
			continue
		}

		if !enabled {
			r.logger.Debug("skipping", "line", line)
			continue
		}

		var err error
		switch {
		case strings.HasPrefix(line, directiveContinue):
			err = r.command(ctx, "process continue")
		case strings.HasPrefix(line, directiveSOSCommand):
			err = r.command(ctx, "sos "+strings.TrimLeft(line[len(directiveSOSCommand):], " \t"))
		case strings.HasPrefix(line, directiveExtCommand):
			err = r.command(ctx, "sos "+strings.TrimLeft(line[len(directiveExtCommand):], " \t"))
		case strings.HasPrefix(line, directiveCommand):
			err = r.command(ctx, strings.TrimLeft(line[len(directiveCommand):], " \t"))
		case strings.HasPrefix(line, directiveNotVerify):
			err = r.verify(line[len(directiveNotVerify):], false)
		case strings.HasPrefix(line, directiveVerify):
			err = r.verify(line[len(directiveVerify):], true)
		default:
			r.logger.Debug("ignoring unknown directive", "line", line)
		}
		if err != nil {
			return fail(i, err)
		}
	}

	if len(stack) != 0 {
		return fail(len(s.Lines)-1, fmt.Errorf("unbalanced IFDEFs: %s has no ENDIF", stack[0].name))
	}

	if q, ok := r.exec.(Quitter); ok {
		if err := q.Quit(ctx); err != nil {
			return fmt.Errorf("quit: %w", err)
		}
	}
	return nil
}

func (r *ScriptRunner) regionEnabled(stack []activeDefine) bool {
	for _, d := range stack {
		if r.defines[d.name] != d.want {
			return false
		}
	}
	return true
}

func (r *ScriptRunner) command(ctx context.Context, input string) error {
	cmd, err := r.expandCaptures(input)
	if err != nil {
		return err
	}
	cmd = r.replaceVariables(cmd)

	res, err := r.exec.Execute(ctx, cmd)
	if err != nil {
		if errors.Is(err, ErrDebuggerExited) {
			return fmt.Errorf("debugger exited unexpectedly executing %q: %w", cmd, err)
		}
		return err
	}
	out := res.Output
	r.lastOutput = &out
	r.logger.Debug("command", log.CommandKey, cmd, "succeeded", res.Succeeded)

	if !res.Succeeded {
		return &relayerrors.CommandError{Command: cmd, Output: res.Output}
	}
	return nil
}

// expandCaptures substitutes <PREVPOUT> and one <POUT>regex<POUT> region.
func (r *ScriptRunner) expandCaptures(input string) (string, error) {
	if strings.Contains(input, prevPoutTag) {
		if r.prevCapture == nil {
			return "", fmt.Errorf("%s requires a previous command with a %s that matched something", prevPoutTag, poutTag)
		}
		input = strings.ReplaceAll(input, prevPoutTag, *r.prevCapture)
	}

	first := strings.Index(input, poutTag)
	if first == -1 {
		return input, nil
	}
	rest := input[first+len(poutTag):]
	second := strings.Index(rest, poutTag)
	if second == -1 {
		return "", fmt.Errorf("script is missing closing %s tag", poutTag)
	}
	if r.lastOutput == nil {
		return "", fmt.Errorf("%s can't be used when there is no previous command output", poutTag)
	}

	pattern := rest[:second]
	re, err := regexp.Compile("(?m)" + r.replaceVariables(pattern))
	if err != nil {
		return "", fmt.Errorf("invalid %s expression %q: %w", poutTag, pattern, err)
	}
	if re.NumSubexp() < 1 {
		return "", fmt.Errorf("the %s regular expression must have a capture group", poutTag)
	}
	m := re.FindStringSubmatch(*r.lastOutput)
	if m == nil {
		return "", fmt.Errorf("the previous command output did not match the %s expression: %s", poutTag, pattern)
	}
	capture := m[1]
	r.prevCapture = &capture
	return input[:first] + capture + rest[second+len(poutTag):], nil
}

func (r *ScriptRunner) verify(pattern string, match bool) error {
	expr := r.replaceVariables(strings.TrimLeft(pattern, " \t"))
	if r.lastOutput == nil {
		return fmt.Errorf("no last command output to verify: %s", expr)
	}
	re, err := regexp.Compile("(?m)" + expr)
	if err != nil {
		return fmt.Errorf("invalid VERIFY expression %q: %w", expr, err)
	}
	if re.MatchString(*r.lastOutput) != match {
		msg := "debugger output did not match the expression"
		if !match {
			msg = "debugger output unexpectedly matched the expression"
		}
		return &relayerrors.AssertionError{Message: msg, Expected: expr, Actual: *r.lastOutput}
	}
	return nil
}

// replaceVariables applies substitutions in key order so results do not
// depend on map iteration.
func (r *ScriptRunner) replaceVariables(s string) string {
	keys := make([]string, 0, len(r.variables))
	for k := range r.variables {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		s = strings.ReplaceAll(s, k, r.variables[k])
	}
	return s
}
