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

package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/dbgrelay/internal/commands/shared"
	"github.com/tombee/dbgrelay/internal/config"
	"github.com/tombee/dbgrelay/internal/driver"
	"github.com/tombee/dbgrelay/internal/log"
)

// FileResult is the outcome of one script file.
type FileResult struct {
	Path     string        `json:"path"`
	Passed   bool          `json:"passed"`
	Line     int           `json:"line,omitempty"`
	Error    string        `json:"error,omitempty"`
	Excerpt  string        `json:"excerpt,omitempty"`
	Duration time.Duration `json:"duration_ns"`

	err error
}

type options struct {
	defines      []string
	vars         []string
	debugger     string
	debuggerArgs []string
	initCommands []string
	timeout      time.Duration
	lockFile     string
}

// NewCommand creates the script command
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "script <file>...",
		Short: "Drive an external debugger with command scripts",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Script starts the configured debugger once per file, loads the command
relay and runs the file line by line. Each command is sent as
"runcommand <text>" and its output is read up to the completion sentinel.

Directives:
  COMMAND: <cmd>          run a debugger command
  SOSCOMMAND: <cmd>       run "sos <cmd>"
  EXTCOMMAND: <cmd>       run "sos <cmd>"
  CONTINUE                run "process continue"
  VERIFY: <regex>         last output must match
  !VERIFY: <regex>        last output must not match
  IFDEF: / !IFDEF: / ENDIF: <name>
                          conditional blocks, enabled with --define

<POUT>regex<POUT> in a command is replaced with the first capture group
of the regex matched against the previous output. <PREVPOUT> repeats the
last capture.`,
		Example: `  dbgrelay script tests/bpmd.script
  dbgrelay script --define MAJOR_RUNTIME_VERSION_GE_8 --var '<MODULE>=Test.dll' tests/*.script
  dbgrelay script --debugger dbgrelay --debugger-arg host tests/bpmd.script`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScripts(cmd, args, opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.defines, "define", "D", nil, "Enable an IFDEF name (repeatable)")
	cmd.Flags().StringArrayVar(&opts.vars, "var", nil, "Substitute NAME=VALUE in commands and patterns (repeatable)")
	cmd.Flags().StringVar(&opts.debugger, "debugger", "", "Debugger executable (overrides config)")
	cmd.Flags().StringArrayVar(&opts.debuggerArgs, "debugger-arg", nil, "Argument passed to the debugger (repeatable)")
	cmd.Flags().StringArrayVarP(&opts.initCommands, "one-line", "o", nil, "Debugger start-up command (replaces config init_commands)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Per-command timeout (overrides config)")
	cmd.Flags().StringVar(&opts.lockFile, "lock-file", "", "Serialize debugger sessions on this file")

	return cmd
}

func runScripts(cmd *cobra.Command, paths []string, opts options) error {
	vars, err := parseVars(opts.vars)
	if err != nil {
		return err
	}

	env, err := shared.Setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer env.Close(context.Background())

	cfg := sessionConfig(env.Config, opts)
	logger := log.WithComponent(env.Logger, "script")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results := make([]FileResult, 0, len(paths))
	for _, path := range paths {
		res := runFile(ctx, path, cfg, vars, opts.defines, logger)
		results = append(results, res)
		if ctx.Err() != nil {
			break
		}
	}

	if shared.GetJSON() {
		if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
			return err
		}
	} else if !shared.GetQuiet() {
		writeHuman(cmd.OutOrStdout(), results)
	}

	return resultError(results)
}

func sessionConfig(cfg *config.Config, opts options) driver.Config {
	dc := driver.Config{
		Path:           cfg.Debugger.Path,
		Args:           cfg.Debugger.Args,
		InitCommands:   cfg.Debugger.InitCommands,
		Env:            cfg.Debugger.Env,
		CommandTimeout: cfg.Debugger.CommandTimeout,
		StartTimeout:   cfg.Debugger.StartTimeout,
		LockFile:       cfg.Debugger.LockFile,
		MinVersion:     cfg.Debugger.MinVersion,
	}
	if opts.debugger != "" {
		dc.Path = opts.debugger
	}
	if len(opts.debuggerArgs) > 0 {
		dc.Args = opts.debuggerArgs
	}
	if len(opts.initCommands) > 0 {
		dc.InitCommands = opts.initCommands
	}
	if opts.timeout > 0 {
		dc.CommandTimeout = opts.timeout
	}
	if opts.lockFile != "" {
		dc.LockFile = opts.lockFile
	}
	return dc
}

func runFile(ctx context.Context, path string, cfg driver.Config, vars map[string]string, defines []string, logger *slog.Logger) FileResult {
	start := time.Now()
	res := FileResult{Path: path}
	defer func() { res.Duration = time.Since(start) }()

	s, err := driver.LoadScript(path)
	if err != nil {
		res.err = err
		res.Error = err.Error()
		return res
	}

	session, err := driver.Start(ctx, cfg, driver.WithLogger(logger))
	if err != nil {
		res.err = err
		res.Error = err.Error()
		return res
	}
	defer session.Close()

	runner := driver.NewScriptRunner(session,
		driver.WithDefines(defines...),
		driver.WithVariables(vars),
		driver.WithScriptLogger(logger),
	)
	err = runner.Run(ctx, s)
	if err == nil {
		res.Passed = true
		logger.Debug("script passed", "path", path)
		return res
	}

	res.err = err
	var scriptErr *driver.ScriptError
	if errors.As(err, &scriptErr) {
		res.Line = scriptErr.Line
		res.Excerpt = scriptErr.Excerpt
		res.Error = scriptErr.Err.Error()
	} else {
		res.Error = err.Error()
	}
	logger.Debug("script failed", "path", path, log.Error(err))
	return res
}

// parseVars turns NAME=VALUE pairs into substitutions. A bare NAME is
// wrapped in angle brackets so --var MODULE=x replaces <MODULE>.
func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, shared.NewInvalidInputError(fmt.Sprintf("invalid --var %q, expected NAME=VALUE", pair), nil)
		}
		if !strings.HasPrefix(name, "<") {
			name = "<" + name + ">"
		}
		vars[name] = value
	}
	return vars, nil
}

func writeJSON(w io.Writer, results []FileResult) error {
	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	resp := struct {
		Version string       `json:"@version"`
		Command string       `json:"command"`
		Success bool         `json:"success"`
		Passed  int          `json:"passed"`
		Total   int          `json:"total"`
		Results []FileResult `json:"results"`
	}{"1.0", "script", passed == len(results), passed, len(results), results}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func writeHuman(w io.Writer, results []FileResult) {
	for _, r := range results {
		if r.Passed {
			fmt.Fprintf(w, "%s %s\n", shared.RenderOK(r.Path), shared.Muted.Render(r.Duration.Round(time.Millisecond).String()))
			continue
		}
		where := r.Path
		if r.Line > 0 {
			where = fmt.Sprintf("%s:%d", r.Path, r.Line)
		}
		fmt.Fprintln(w, shared.RenderError(where))
		fmt.Fprintf(w, "    %s\n", r.Error)
		if r.Excerpt != "" {
			fmt.Fprint(w, r.Excerpt)
		}
	}
}

// resultError returns the error of the failure with the highest exit code.
func resultError(results []FileResult) error {
	var worst error
	for _, r := range results {
		if r.err == nil {
			continue
		}
		err := classify(r)
		if worst == nil || shared.ExitCode(err) > shared.ExitCode(worst) {
			worst = err
		}
	}
	return worst
}

func classify(r FileResult) error {
	msg := fmt.Sprintf("script %s failed", r.Path)
	switch {
	case errors.Is(r.err, driver.ErrDebuggerExited),
		errors.Is(r.err, driver.ErrSessionBroken),
		errors.Is(r.err, driver.ErrSessionLocked):
		return shared.NewDebuggerError(msg, r.err)
	default:
		return shared.ClassifyError(msg, r.err)
	}
}
