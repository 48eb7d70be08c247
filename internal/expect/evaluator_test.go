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

package expect

import (
	"errors"
	"testing"

	relayerrors "github.com/tombee/dbgrelay/pkg/errors"
)

const listing = "Active managed breakpoints:\n" +
	"  2: Test.dll!Test.LikelyInlined (pending)\n" +
	"  5: Test.dll!Test.Done (bound to breakpoint 3)\n"

func TestEvaluator_Evaluate(t *testing.T) {
	eval := New()

	tests := []struct {
		name       string
		expression string
		env        map[string]any
		wantPassed bool
	}{
		{
			name:       "succeeded flag",
			expression: "succeeded",
			env:        map[string]any{"succeeded": true},
			wantPassed: true,
		},
		{
			name:       "has output",
			expression: `succeeded && has(output, "Cleared")`,
			env:        map[string]any{"succeeded": true, "output": "Cleared breakpoint 1\n"},
			wantPassed: true,
		},
		{
			name:       "has output - fail",
			expression: `has(output, "Cleared")`,
			env:        map[string]any{"output": "Invalid pending breakpoint index.\n"},
			wantPassed: false,
		},
		{
			name:       "match is multiline",
			expression: `match(output, "^\\s*5: .*bound")`,
			env:        map[string]any{"output": listing},
			wantPassed: true,
		},
		{
			name:       "indices with in operator",
			expression: `2 in indices(output) && !(1 in indices(output))`,
			env:        map[string]any{"output": listing},
			wantPassed: true,
		},
		{
			name:       "indices with notIn",
			expression: `notIn(1, indices(output))`,
			env:        map[string]any{"output": listing},
			wantPassed: true,
		},
		{
			name:       "includes",
			expression: `includes(5, indices(output))`,
			env:        map[string]any{"output": listing},
			wantPassed: true,
		},
		{
			name:       "lines count",
			expression: `len(lines(output)) == 3`,
			env:        map[string]any{"output": listing},
			wantPassed: true,
		},
		{
			name:       "nested stop event",
			expression: `stop.cause == "breakpoint-hit" && stop.breakpoint_id == 3`,
			env:        map[string]any{"stop": map[string]any{"cause": "breakpoint-hit", "breakpoint_id": 3}},
			wantPassed: true,
		},
		{
			name:       "exit code",
			expression: `state == "exited" && exit_code == 0`,
			env:        map[string]any{"state": "exited", "exit_code": 0},
			wantPassed: true,
		},
		{
			name:       "undefined variable is nil",
			expression: `missing == nil`,
			env:        map[string]any{},
			wantPassed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := eval.Evaluate(tt.expression, tt.env)
			if result.Error != nil {
				t.Fatalf("unexpected error: %v", result.Error)
			}
			if result.Passed != tt.wantPassed {
				t.Errorf("Passed = %v, want %v", result.Passed, tt.wantPassed)
			}
		})
	}
}

func TestEvaluator_EmptyExpression(t *testing.T) {
	result := New().Evaluate("", nil)
	if !result.Passed || result.Err() != nil {
		t.Errorf("empty expression should pass, got %+v", result)
	}
}

func TestEvaluator_InvalidExpression(t *testing.T) {
	eval := New()

	tests := []struct {
		name       string
		expression string
	}{
		{name: "assignment", expression: "exit_code = 0"},
		{name: "syntax", expression: "has(output,"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := eval.Evaluate(tt.expression, map[string]any{"exit_code": 0})
			if result.Error == nil {
				t.Fatal("expected an error")
			}
			if err := eval.Check(tt.expression); err == nil {
				t.Error("Check should reject the expression")
			}
		})
	}
}

func TestResult_Err(t *testing.T) {
	eval := New()

	failed := eval.Evaluate(`has(output, "Cleared")`, map[string]any{"output": "nope"})
	var aerr *relayerrors.AssertionError
	if !errors.As(failed.Err(), &aerr) {
		t.Fatalf("expected AssertionError, got %v", failed.Err())
	}
	if aerr.Expected != `has(output, "Cleared")` {
		t.Errorf("Expected = %q", aerr.Expected)
	}

	broken := eval.Evaluate(`match(output, "(")`, map[string]any{"output": "x"})
	if broken.Error == nil || broken.Err() == nil {
		t.Errorf("invalid pattern should surface as an evaluation error, got %+v", broken)
	}
}

func TestEvaluator_Cache(t *testing.T) {
	eval := New()
	for range 3 {
		eval.Evaluate("succeeded", map[string]any{"succeeded": true})
	}
	eval.Evaluate("!succeeded", map[string]any{"succeeded": true})

	if got := eval.CacheSize(); got != 2 {
		t.Errorf("CacheSize() = %d, want 2", got)
	}
}
