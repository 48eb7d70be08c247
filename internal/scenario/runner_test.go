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
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dbgrelay/internal/debugger"
	"github.com/tombee/dbgrelay/internal/debugger/sim"
	"github.com/tombee/dbgrelay/internal/protocol"
	"github.com/tombee/dbgrelay/internal/testutils"
	relayerrors "github.com/tombee/dbgrelay/pkg/errors"
)

// captureSession records the debugger created for each run.
func captureSession(got **sim.Debugger) SessionFactory {
	return func(s Scenario) (debugger.Bindings, error) {
		d := sim.New(s.Program)
		*got = d
		return d, nil
	}
}

func assertTornDown(t *testing.T, d *sim.Debugger) {
	t.Helper()
	require.NotNil(t, d)
	assert.Empty(t, d.Target().Breakpoints(), "no native breakpoints remain")
	assert.Empty(t, d.ManagedBreakpoints(), "no managed breakpoints remain")
	require.NotNil(t, d.Target().Process())
	assert.Equal(t, debugger.StateExited, d.Target().Process().State())
}

func TestBuiltin_AllPass(t *testing.T) {
	runner := NewRunner()
	for _, s := range Builtin() {
		t.Run(s.Name, func(t *testing.T) {
			res := runner.Run(context.Background(), s)
			assert.Equal(t, StatusPass, res.Status, res.Message)
			assert.NotEmpty(t, res.RunID)
			assert.NotEmpty(t, res.Transcript)
		})
	}
}

func TestBuiltin_BpmdClearFrames(t *testing.T) {
	var out bytes.Buffer
	var dbg *sim.Debugger
	runner := NewRunner(WithOutput(&out), WithSessionFactory(captureSession(&dbg)))

	s := findBuiltin(t, "bpmd-clear")
	res := runner.Run(context.Background(), s)
	require.Equal(t, StatusPass, res.Status, res.Message)
	assertTornDown(t, dbg)
	assert.Equal(t, 0, dbg.Target().Process().ExitStatus())

	sc := protocol.NewScanner(&out)
	var frames []*protocol.Response
	for {
		resp, err := sc.Next()
		if errors.Is(err, protocol.ErrStreamClosed) {
			break
		}
		require.NoError(t, err)
		frames = append(frames, resp)
	}

	require.Len(t, frames, len(res.Transcript), "one sentinel per relayed command")
	assert.Contains(t, frames[0].Output, "Adding pending breakpoint 1 for Test.dll!Test.UnlikelyInlined")
	assert.Contains(t, frames[2].Output, "Cleared")
	assert.NotContains(t, frames[3].Output, "1: ")
	for _, f := range frames {
		assert.True(t, f.Succeeded)
	}
}

func findBuiltin(t *testing.T, name string) Scenario {
	t.Helper()
	for _, s := range Builtin() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no builtin scenario %q", name)
	return Scenario{}
}

func TestRunner_TeardownOnEveryPath(t *testing.T) {
	tests := []struct {
		name       string
		target     testutils.TargetSpec
		program    *sim.Program
		run        func(ctx context.Context, d *testutils.Driver) error
		wantStatus Status
		wantErrAs  any
	}{
		{
			name: "pass",
			run: func(ctx context.Context, d *testutils.Driver) error {
				d.RunCommand(ctx, "bpmd Test.dll Test.Done")
				return nil
			},
			wantStatus: StatusPass,
		},
		{
			name: "assertion failure",
			run: func(ctx context.Context, d *testutils.Driver) error {
				d.RunCommand(ctx, "breakpoint set -n Test.Done")
				return testutils.AssertTrue(false, "forced")
			},
			wantStatus: StatusFail,
			wantErrAs:  new(*relayerrors.AssertionError),
		},
		{
			name: "command error",
			run: func(ctx context.Context, d *testutils.Driver) error {
				_, err := d.MustSucceed(ctx, "bogus")
				return err
			},
			wantStatus: StatusError,
			wantErrAs:  new(*relayerrors.CommandError),
		},
		{
			name: "panic",
			run: func(ctx context.Context, d *testutils.Driver) error {
				d.RunCommand(ctx, "bpmd Test.dll Test.Done")
				panic("boom")
			},
			wantStatus: StatusError,
		},
		{
			name:       "exit code mismatch",
			target:     testutils.TargetSpec{ExpectedExitCode: 4},
			wantStatus: StatusFail,
			wantErrAs:  new(*relayerrors.AssertionError),
		},
		{
			name:       "process exits before main",
			program:    &sim.Program{Name: "NoMain", PID: sim.DefaultPID, Events: []sim.Event{{Call: "start"}}},
			wantStatus: StatusError,
			wantErrAs:  new(*relayerrors.UnexpectedExitError),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dbg *sim.Debugger
			runner := NewRunner(WithSessionFactory(captureSession(&dbg)))

			res := runner.Run(context.Background(), Scenario{
				Name:    tt.name,
				Target:  tt.target,
				Program: tt.program,
				Run:     tt.run,
			})

			assert.Equal(t, tt.wantStatus, res.Status, res.Message)
			if tt.wantErrAs != nil {
				assert.ErrorAs(t, res.Err, tt.wantErrAs)
			}
			if tt.wantStatus != StatusPass {
				assert.NotEmpty(t, res.Message)
			}
			assertTornDown(t, dbg)
		})
	}
}

func TestRunner_SessionError(t *testing.T) {
	runner := NewRunner(WithSessionFactory(func(Scenario) (debugger.Bindings, error) {
		return nil, errors.New("no debugger")
	}))

	res := runner.Run(context.Background(), Scenario{Name: "broken"})
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Message, "no debugger")
}

func TestRunner_ProgramFile(t *testing.T) {
	runner := NewRunner()
	res := runner.Run(context.Background(), Scenario{
		Name:   "missing program",
		Target: testutils.TargetSpec{Program: "does-not-exist.yaml"},
	})
	assert.Equal(t, StatusError, res.Status)
	var nf *relayerrors.NotFoundError
	assert.ErrorAs(t, res.Err, &nf)
}

func TestRunner_RunAll(t *testing.T) {
	var scenarios []Scenario
	for i := range 6 {
		tag := "even"
		if i%2 == 1 {
			tag = "odd"
		}
		scenarios = append(scenarios, Scenario{Name: fmt.Sprintf("s%d", i), Tags: []string{tag}})
	}

	before := testutil.ToFloat64(resultsTotal.WithLabelValues(string(StatusSkipped)))

	runner := NewRunner()
	results := runner.RunAll(context.Background(), scenarios, Filter{Tags: []string{"even"}})

	require.Len(t, results, len(scenarios))
	for i, res := range results {
		assert.Equal(t, scenarios[i].Name, res.Scenario, "order is preserved")
		if i%2 == 0 {
			assert.Equal(t, StatusPass, res.Status, res.Message)
		} else {
			assert.Equal(t, StatusSkipped, res.Status)
		}
	}

	after := testutil.ToFloat64(resultsTotal.WithLabelValues(string(StatusSkipped)))
	assert.Equal(t, 3.0, after-before)

	sum := Summarize(results)
	assert.Equal(t, Summary{Total: 6, Passed: 3, Skipped: 3, Elapsed: sum.Elapsed}, sum)
	assert.True(t, sum.OK())
}

func TestRunner_RunAllOneAtATime(t *testing.T) {
	var out bytes.Buffer
	var inFlight, maxInFlight atomic.Int32

	var scenarios []Scenario
	for i := range 4 {
		cmd := fmt.Sprintf("bpmd Test.dll Method%d", i)
		scenarios = append(scenarios, Scenario{
			Name: fmt.Sprintf("s%d", i),
			Run: func(ctx context.Context, d *testutils.Driver) error {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)
				if n > maxInFlight.Load() {
					maxInFlight.Store(n)
				}
				d.Relay(ctx, cmd)
				return nil
			},
		})
	}

	results := NewRunner(WithOutput(&out)).RunAll(context.Background(), scenarios, Filter{})
	require.True(t, Summarize(results).OK())
	assert.Equal(t, int32(1), maxInFlight.Load())

	sc := protocol.NewScanner(&out)
	for i := range 4 {
		resp, err := sc.Next()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("Adding pending breakpoint 1 for Test.dll!Method%d\n", i), resp.Output)
	}
}

func TestRunner_RunAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := NewRunner().RunAll(ctx, []Scenario{{Name: "a"}}, Filter{})
	require.Len(t, results, 1)
	assert.Equal(t, StatusError, results[0].Status)
	assert.False(t, Summarize(results).OK())
}

func TestFilter_Match(t *testing.T) {
	s := Scenario{Name: "bpmd-clear", Tags: []string{"bpmd", "smoke"}}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{name: "empty", filter: Filter{}, want: true},
		{name: "exact name", filter: Filter{Names: []string{"bpmd-clear"}}, want: true},
		{name: "glob name", filter: Filter{Names: []string{"bpmd-*"}}, want: true},
		{name: "other name", filter: Filter{Names: []string{"signal-*"}}, want: false},
		{name: "tag", filter: Filter{Tags: []string{"smoke"}}, want: true},
		{name: "any tag", filter: Filter{Tags: []string{"nope", "bpmd"}}, want: true},
		{name: "missing tag", filter: Filter{Tags: []string{"signal"}}, want: false},
		{name: "excluded tag", filter: Filter{ExcludeTags: []string{"smoke"}}, want: false},
		{name: "name and tag", filter: Filter{Names: []string{"bpmd-*"}, Tags: []string{"signal"}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(s))
		})
	}
}

func TestFilter_Validate(t *testing.T) {
	assert.NoError(t, Filter{Names: []string{"bpmd-*", "**"}}.Validate())
	assert.Error(t, Filter{Names: []string{"bpmd-["}}.Validate())
}

func TestClassify(t *testing.T) {
	assertion := &relayerrors.AssertionError{Message: "x"}
	exit := &relayerrors.UnexpectedExitError{Operation: "exit_lldb", State: "stopped"}

	tests := []struct {
		name     string
		body     error
		teardown error
		want     Status
	}{
		{name: "clean", want: StatusPass},
		{name: "body assertion", body: assertion, want: StatusFail},
		{name: "wrapped body assertion", body: fmt.Errorf("step 1: %w", assertion), want: StatusFail},
		{name: "body error", body: errors.New("x"), want: StatusError},
		{name: "teardown assertion", teardown: errors.Join(assertion), want: StatusFail},
		{name: "teardown mixed", teardown: errors.Join(exit, assertion), want: StatusError},
		{name: "body assertion wins", body: assertion, teardown: exit, want: StatusFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.body, tt.teardown))
		})
	}
}
