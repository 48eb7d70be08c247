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

package report

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dbgrelay/internal/debugger"
	"github.com/tombee/dbgrelay/internal/scenario"
	"github.com/tombee/dbgrelay/internal/testutils"
)

func sampleResults() []scenario.Result {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return []scenario.Result{
		{
			RunID:     "r1",
			Scenario:  "bpmd-clear",
			Status:    scenario.StatusPass,
			StartedAt: start,
			Duration:  12 * time.Millisecond,
			Transcript: []testutils.Exchange{
				{Command: "bpmd -clear 1", Relayed: true, Result: debugger.CommandResult{Output: "Cleared breakpoint 1 for Test.dll!Test.UnlikelyInlined\n", Succeeded: true}},
			},
		},
		{
			RunID:     "r2",
			Scenario:  "yaml-wrong",
			Source:    "scenarios/wrong.scenario.yaml",
			Status:    scenario.StatusFail,
			Message:   "step 1: bpmd -clear 1: expectation failed\nmore detail",
			StartedAt: start,
			Duration:  3 * time.Millisecond,
			Transcript: []testutils.Exchange{
				{Command: "bpmd -clear 1", Result: debugger.CommandResult{Output: "Invalid pending breakpoint index.\n"}},
			},
		},
		{
			RunID:    "r3",
			Scenario: "exits-early",
			Status:   scenario.StatusError,
			Message:  "stop_in_main: process exited with code 3",
			Duration: time.Millisecond,
		},
		{RunID: "r4", Scenario: "signal-stop", Status: scenario.StatusSkipped},
	}
}

func TestHuman(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Human(&buf, sampleResults(), HumanOptions{}))
	out := buf.String()

	assert.Contains(t, out, SymbolPass+" bpmd-clear")
	assert.Contains(t, out, SymbolFail+" yaml-wrong")
	assert.Contains(t, out, SymbolError+" exits-early")
	assert.Contains(t, out, SymbolSkip+" signal-stop")
	assert.Contains(t, out, "    step 1: bpmd -clear 1: expectation failed\n    more detail\n")
	assert.Contains(t, out, "(lldb) bpmd -clear 1\n        Invalid pending breakpoint index.")
	assert.NotContains(t, out, "(relay) bpmd -clear 1", "passing transcripts are hidden")
	assert.Contains(t, out, "4 scenarios: 1 passed, 1 failed, 1 errors, 1 skipped")
	assert.NotContains(t, out, "\x1b[", "no colour for a non-terminal writer")

	buf.Reset()
	require.NoError(t, Human(&buf, sampleResults(), HumanOptions{Verbose: true}))
	assert.Contains(t, buf.String(), "(relay) bpmd -clear 1")
}

func TestJUnit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JUnit(&buf, "", sampleResults()))

	var doc junitSuites
	require.NoError(t, xml.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Suites, 1)

	s := doc.Suites[0]
	assert.Equal(t, DefaultSuiteName, s.Name)
	assert.Equal(t, 4, s.Tests)
	assert.Equal(t, 1, s.Failures)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, "2025-03-01T12:00:00Z", s.Timestamp)
	require.Len(t, s.Cases, 4)

	assert.Equal(t, "dbgrelay.builtin", s.Cases[0].Classname)
	assert.Equal(t, "0.012", s.Cases[0].Time)
	assert.Nil(t, s.Cases[0].Failure)
	assert.Contains(t, s.Cases[0].SystemOut, "Cleared breakpoint 1")

	assert.Equal(t, "dbgrelay.wrong", s.Cases[1].Classname)
	require.NotNil(t, s.Cases[1].Failure)
	assert.Equal(t, "step 1: bpmd -clear 1: expectation failed", s.Cases[1].Failure.Message)

	require.NotNil(t, s.Cases[2].Error)
	require.NotNil(t, s.Cases[3].Skipped)
}

func TestJSON(t *testing.T) {
	env := NewEnvelope("run", sampleResults())
	assert.False(t, env.Success)

	var buf bytes.Buffer
	require.NoError(t, JSON(context.Background(), &buf, env, ""))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, Version, decoded["@version"])
	assert.Equal(t, "run", decoded["command"])
	assert.Len(t, decoded["results"], 4)
}

func TestJSON_EmptyResults(t *testing.T) {
	env := NewEnvelope("run", nil)
	assert.True(t, env.Success)

	var buf bytes.Buffer
	require.NoError(t, JSON(context.Background(), &buf, env, ".results"))
	assert.Equal(t, "[]\n", buf.String())
}

func TestFilter(t *testing.T) {
	env := NewEnvelope("run", sampleResults())

	tests := []struct {
		name    string
		expr    string
		want    []any
		wantErr string
	}{
		{name: "summary field", expr: ".summary.passed", want: []any{float64(1)}},
		{name: "failed names", expr: `[.results[] | select(.status != "pass" and .status != "skipped") | .scenario]`, want: []any{[]any{"yaml-wrong", "exits-early"}}},
		{name: "stream", expr: ".results[0:2][] | .run_id", want: []any{"r1", "r2"}},
		{name: "relayed commands", expr: `[.results[].transcript[]? | select(.relayed) | .command]`, want: []any{[]any{"bpmd -clear 1"}}},
		{name: "parse error", expr: ".[", wantErr: "invalid jq expression"},
		{name: "runtime error", expr: ".summary.total | keys", wantErr: "jq:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Filter(context.Background(), tt.expr, env)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateFilter(t *testing.T) {
	assert.NoError(t, ValidateFilter(""))
	assert.NoError(t, ValidateFilter(".summary"))
	assert.Error(t, ValidateFilter(".["))
}
