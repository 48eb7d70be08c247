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

package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/dbgrelay/internal/debugger"
	"github.com/tombee/dbgrelay/internal/debugger/sim"
	"github.com/tombee/dbgrelay/internal/log"
	"github.com/tombee/dbgrelay/internal/testutils"
	"github.com/tombee/dbgrelay/internal/tracing"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultTeardownTimeout = 10 * time.Second
)

// SessionFactory creates a fresh debugger session for a scenario.
type SessionFactory func(s Scenario) (debugger.Bindings, error)

// SimSession returns a factory backed by the simulated debugger. The
// debuggee is s.Program, else the YAML program file named by
// s.Target.Program, else the default program.
func SimSession(opts ...sim.Option) SessionFactory {
	return func(s Scenario) (debugger.Bindings, error) {
		p := s.Program
		if p == nil && isProgramFile(s.Target.Program) {
			loaded, err := sim.LoadProgram(s.Target.Program)
			if err != nil {
				return nil, err
			}
			p = loaded
		}
		return sim.New(p, opts...), nil
	}
}

func isProgramFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Runner executes scenarios.
type Runner struct {
	logger          *slog.Logger
	output          io.Writer
	session         SessionFactory
	timeout         time.Duration
	teardownTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithOutput sets the output channel relayed commands are framed on.
func WithOutput(w io.Writer) Option { return func(r *Runner) { r.output = w } }

// WithSessionFactory replaces the simulated debugger.
func WithSessionFactory(f SessionFactory) Option { return func(r *Runner) { r.session = f } }

// WithTimeout bounds each scenario body, including StopInMain.
func WithTimeout(d time.Duration) Option { return func(r *Runner) { r.timeout = d } }

// WithTeardownTimeout bounds ExitLLDB.
func WithTeardownTimeout(d time.Duration) Option { return func(r *Runner) { r.teardownTimeout = d } }

// NewRunner creates a runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		logger:          log.Discard(),
		output:          io.Discard,
		session:         SimSession(),
		timeout:         defaultTimeout,
		teardownTimeout: defaultTeardownTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one scenario in a new session. ExitLLDB runs exactly once
// after the body on every path, including a panicking body.
func (r *Runner) Run(ctx context.Context, s Scenario) (res Result) {
	res = Result{
		RunID:       uuid.NewString(),
		Scenario:    s.Name,
		Description: s.Description,
		Tags:        s.Tags,
		Source:      s.Source,
		StartedAt:   time.Now(),
	}
	logger := log.WithRunContext(r.logger, res.RunID, s.Name)

	ctx, span := tracing.Tracer().Start(ctx, "scenario")
	span.SetAttributes(tracing.String("scenario", s.Name), tracing.String("run_id", res.RunID))

	defer func() {
		res.Duration = time.Since(res.StartedAt)
		if res.Err != nil {
			res.Message = res.Err.Error()
		}
		span.SetAttributes(tracing.String("status", string(res.Status)))
		tracing.EndSpan(span, res.Err)
		recordResult(res.Status, res.Duration)
		logger.Info("scenario finished",
			log.String(log.OutcomeKey, string(res.Status)),
			log.Duration(res.Duration),
		)
		if res.Err != nil {
			logger.Debug("scenario error", "error", res.Err)
		}
	}()

	b, err := r.session(s)
	if err != nil {
		res.Status = StatusError
		res.Err = fmt.Errorf("create session: %w", err)
		return res
	}
	d := testutils.New(b, testutils.WithLogger(logger), testutils.WithOutput(r.output))

	bodyCtx, cancel := context.WithTimeout(ctx, r.timeout)
	bodyErr := runBody(bodyCtx, d, s)
	cancel()

	teardownCtx, cancelTeardown := context.WithTimeout(context.WithoutCancel(ctx), r.teardownTimeout)
	teardownErr := d.ExitLLDB(teardownCtx, s.Target)
	cancelTeardown()

	res.Transcript = d.Transcript()
	res.Status = classify(bodyErr, teardownErr)
	if teardownErr != nil {
		teardownErr = fmt.Errorf("teardown: %w", teardownErr)
	}
	res.Err = errors.Join(bodyErr, teardownErr)
	return res
}

func runBody(ctx context.Context, d *testutils.Driver, s Scenario) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scenario panicked: %v", p)
		}
	}()

	if err := d.StopInMain(ctx, s.Target); err != nil {
		return err
	}
	if s.Run == nil {
		return nil
	}
	return s.Run(ctx, d)
}

// RunAll runs every scenario selected by f, one at a time against one
// debuggee each. Unselected scenarios are reported as skipped. Once ctx is
// done the remaining selected scenarios are reported as errors.
func (r *Runner) RunAll(ctx context.Context, scenarios []Scenario, f Filter) []Result {
	results := make([]Result, len(scenarios))

	for i, s := range scenarios {
		if !f.Match(s) {
			results[i] = Result{
				RunID:    uuid.NewString(),
				Scenario: s.Name,
				Tags:     s.Tags,
				Source:   s.Source,
				Status:   StatusSkipped,
			}
			recordResult(StatusSkipped, 0)
			continue
		}
		if err := ctx.Err(); err != nil {
			results[i] = Result{RunID: uuid.NewString(), Scenario: s.Name, Tags: s.Tags, Source: s.Source, Status: StatusError, Err: err, Message: err.Error()}
			continue
		}
		results[i] = r.Run(ctx, s)
	}
	return results
}

// Summary counts results by status.
type Summary struct {
	Total   int           `json:"total"`
	Passed  int           `json:"passed"`
	Failed  int           `json:"failed"`
	Errored int           `json:"errored"`
	Skipped int           `json:"skipped"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// OK reports whether nothing failed or errored.
func (s Summary) OK() bool { return s.Failed == 0 && s.Errored == 0 }

// Summarize counts results.
func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		s.Total++
		s.Elapsed += r.Duration
		switch r.Status {
		case StatusPass:
			s.Passed++
		case StatusFail:
			s.Failed++
		case StatusError:
			s.Errored++
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}
