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

package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/dbgrelay/internal/commands/shared"
	"github.com/tombee/dbgrelay/internal/config"
	"github.com/tombee/dbgrelay/internal/log"
	"github.com/tombee/dbgrelay/internal/report"
	"github.com/tombee/dbgrelay/internal/scenario"
	"github.com/tombee/dbgrelay/internal/watch"
)

type options struct {
	tags        []string
	excludeTags []string
	dirs        []string
	patterns    []string
	noBuiltin   bool
	timeout     time.Duration
	outputChan  string
	junit       string
	jq          string
	watch       bool
	metricsAddr string
	transcripts bool
}

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "run [name-pattern]...",
		Short: "Run debugger scenarios",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run executes debugger scenarios against the simulated debugger. Each
scenario gets a fresh session: it stops in main, runs its body and then
tears the session down, clearing every breakpoint and checking the exit
code.

Scenarios come from the builtin set and from *.scenario.yaml files in the
configured scenario directories. Arguments are glob patterns matched
against scenario names.

Exit codes:
  0  all selected scenarios passed
  1  a scenario failed or errored
  2  invalid configuration, scenario file or filter
  3  the debugger could not be driven`,
		Example: `  dbgrelay run
  dbgrelay run 'bpmd-*' --tag managed
  dbgrelay run --dir ./scenarios --no-builtin --junit report.xml
  dbgrelay run --json --jq '.results[] | select(.status != "pass") | .scenario'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, args, opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.tags, "tag", "t", nil, "Run only scenarios with one of these tags")
	cmd.Flags().StringSliceVar(&opts.excludeTags, "exclude-tag", nil, "Skip scenarios with any of these tags")
	cmd.Flags().StringArrayVar(&opts.dirs, "dir", nil, "Scenario directory (repeatable, overrides config)")
	cmd.Flags().StringArrayVar(&opts.patterns, "pattern", nil, "Scenario file glob (repeatable, overrides config)")
	cmd.Flags().BoolVar(&opts.noBuiltin, "no-builtin", false, "Skip the builtin scenarios")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Per-scenario timeout (overrides config)")
	cmd.Flags().StringVar(&opts.junit, "junit", "", "Write a JUnit XML report to this file")
	cmd.Flags().StringVar(&opts.jq, "jq", "", "Filter the --json report with a jq expression")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "Re-run when scenario files change")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&opts.transcripts, "transcripts", false, "Show command transcripts for passing scenarios too")
	cmd.Flags().StringVar(&opts.outputChan, "output-channel", "", "Write relayed command frames to this file (- for stderr)")

	return cmd
}

func runScenarios(cmd *cobra.Command, names []string, opts options) error {
	if opts.jq != "" {
		if !shared.GetJSON() {
			return shared.NewInvalidInputError("--jq requires --json", nil)
		}
		if err := report.ValidateFilter(opts.jq); err != nil {
			return shared.NewInvalidInputError("invalid --jq expression", err)
		}
	}

	env, err := shared.Setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer env.Close(context.Background())

	cfg := env.Config
	filter := scenario.Filter{
		Names:       names,
		Tags:        firstNonEmpty(opts.tags, cfg.Scenarios.Tags),
		ExcludeTags: firstNonEmpty(opts.excludeTags, cfg.Scenarios.ExcludeTags),
	}
	if err := filter.Validate(); err != nil {
		return shared.ClassifyError("invalid scenario filter", err)
	}

	addr := opts.metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if err := env.ServeMetrics(addr); err != nil {
		return err
	}

	frames, closeFrames, err := openOutputChannel(opts.outputChan, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeFrames()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &runner{
		cfg:    cfg,
		opts:   opts,
		filter: filter,
		logger: log.WithComponent(env.Logger, "run"),
		out:    cmd.OutOrStdout(),
		frames: frames,
	}

	summary, err := r.once(ctx)
	if !opts.watch {
		if err != nil {
			return err
		}
		return summaryError(summary)
	}
	if err != nil {
		shared.PrintError(cmd.ErrOrStderr(), err)
	}
	return r.watch(ctx)
}

type runner struct {
	cfg    *config.Config
	opts   options
	filter scenario.Filter
	logger *slog.Logger
	out    io.Writer
	frames io.Writer
}

// openOutputChannel returns where relayed frames go: nowhere for "",
// stderr for "-", otherwise a new file.
func openOutputChannel(path string, stderr io.Writer) (io.Writer, func(), error) {
	switch path {
	case "":
		return io.Discard, func() {}, nil
	case "-":
		return stderr, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, shared.NewInvalidInputError("failed to open output channel file", err)
	}
	return f, func() { f.Close() }, nil
}

// dirs returns the scenario directories to search. Configured directories
// that do not exist are skipped; directories named on the command line
// must exist.
func (r *runner) dirs() ([]string, error) {
	if len(r.opts.dirs) > 0 {
		for _, dir := range r.opts.dirs {
			if _, err := os.Stat(dir); err != nil {
				return nil, shared.NewInvalidInputError(fmt.Sprintf("scenario directory %s", dir), err)
			}
		}
		return r.opts.dirs, nil
	}

	var dirs []string
	for _, dir := range r.cfg.Scenarios.Dirs {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			r.logger.Debug("skipping scenario directory", "dir", dir)
			continue
		}
		dirs = append(dirs, dir)
	}
	return dirs, nil
}

func (r *runner) patterns() []string {
	return firstNonEmpty(r.opts.patterns, r.cfg.Scenarios.Patterns)
}

func (r *runner) load() ([]scenario.Scenario, error) {
	var scenarios []scenario.Scenario
	if r.cfg.Scenarios.IncludeBuiltin() && !r.opts.noBuiltin {
		scenarios = append(scenarios, scenario.Builtin()...)
	}

	dirs, err := r.dirs()
	if err != nil {
		return nil, err
	}
	loaded, err := scenario.Discover(dirs, r.patterns(), scenario.WithTargetDefaults(scenario.TargetDefaults{
		EntrySymbol:      r.cfg.Session.EntrySymbol,
		ExpectedExitCode: r.cfg.Session.ExpectedExitCode,
		Attach:           r.cfg.Session.Attach,
		PID:              r.cfg.Session.PID,
	}))
	if err != nil {
		return nil, shared.ClassifyError("failed to load scenarios", err)
	}
	for _, s := range loaded {
		if slices.ContainsFunc(scenarios, func(b scenario.Scenario) bool { return b.Name == s.Name }) {
			return nil, shared.NewInvalidInputError(fmt.Sprintf("scenario %q in %s shadows a builtin scenario", s.Name, s.Source), nil)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// once loads, runs and reports every scenario a single time.
func (r *runner) once(ctx context.Context) (scenario.Summary, error) {
	scenarios, err := r.load()
	if err != nil {
		return scenario.Summary{}, err
	}

	timeout := r.cfg.Session.Timeout
	if r.opts.timeout > 0 {
		timeout = r.opts.timeout
	}

	sr := scenario.NewRunner(
		scenario.WithLogger(r.logger),
		scenario.WithTimeout(timeout),
		scenario.WithTeardownTimeout(r.cfg.Session.TeardownTimeout),
		scenario.WithOutput(r.frames),
	)
	results := sr.RunAll(ctx, scenarios, r.filter)
	summary := scenario.Summarize(results)
	if summary.Total == summary.Skipped {
		return summary, shared.NewInvalidInputError("no scenarios matched", nil)
	}

	if err := r.report(ctx, results); err != nil {
		return summary, err
	}
	return summary, nil
}

func (r *runner) report(ctx context.Context, results []scenario.Result) error {
	if r.opts.junit != "" {
		if err := writeJUnit(r.opts.junit, results); err != nil {
			return err
		}
	}

	if shared.GetJSON() {
		if err := report.JSON(ctx, r.out, report.NewEnvelope("run", results), r.opts.jq); err != nil {
			return shared.NewInvalidInputError("failed to write report", err)
		}
		return nil
	}
	if shared.GetQuiet() {
		return nil
	}
	return report.Human(r.out, results, report.HumanOptions{Verbose: r.opts.transcripts || shared.GetVerbose()})
}

func writeJUnit(path string, results []scenario.Result) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return shared.NewInvalidInputError("failed to create JUnit report", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = shared.NewInvalidInputError("failed to write JUnit report", cerr)
		}
	}()
	if err := report.JUnit(f, "", results); err != nil {
		return shared.NewInvalidInputError("failed to write JUnit report", err)
	}
	return nil
}

// watch re-runs the scenarios whenever a scenario file changes, until ctx
// is cancelled.
func (r *runner) watch(ctx context.Context) error {
	dirs, err := r.dirs()
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		return shared.NewInvalidInputError("--watch needs at least one existing scenario directory", nil)
	}

	w, err := watch.New(dirs, r.patterns(), watch.WithLogger(r.logger))
	if err != nil {
		return shared.NewInvalidInputError("failed to watch scenario directories", err)
	}
	defer w.Close()

	r.logger.Info("watching for scenario changes", "dirs", dirs)
	err = w.Run(ctx, func(paths []string) {
		r.logger.Info("scenario files changed, re-running", "files", len(paths))
		if _, err := r.once(ctx); err != nil {
			r.logger.Error("run failed", log.Error(err))
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func summaryError(s scenario.Summary) error {
	if s.OK() {
		return nil
	}
	return shared.NewTestsFailedError(
		fmt.Sprintf("%d of %d scenarios did not pass", s.Failed+s.Errored, s.Total-s.Skipped), nil)
}

func firstNonEmpty(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}
