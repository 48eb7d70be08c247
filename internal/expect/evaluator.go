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

// Package expect evaluates expectation expressions attached to scenario
// steps, such as `succeeded && has(output, "Cleared")`.
package expect

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	relayerrors "github.com/tombee/dbgrelay/pkg/errors"
)

// Evaluator compiles and runs expectation expressions. Compiled programs are
// cached by expression text.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Result is the outcome of one evaluation.
type Result struct {
	Passed     bool
	Expression string

	// Error is set when the expression did not compile or run.
	Error error
}

// Err converts a failed result to an error. A passing result returns nil.
func (r Result) Err() error {
	switch {
	case r.Error != nil:
		return fmt.Errorf("expect %q: %w", r.Expression, r.Error)
	case !r.Passed:
		return &relayerrors.AssertionError{Message: "expectation failed", Expected: r.Expression, Actual: "false"}
	default:
		return nil
	}
}

// Evaluate runs expression against env. An empty expression always passes.
//
// Typical variables, as provided by the scenario runner:
//
//	output     string   command output
//	error      string   command error text
//	succeeded  bool
//	state      string   process state
//	stop       map      cause, breakpoint_id, description
//	exit_code  int
func (e *Evaluator) Evaluate(expression string, env map[string]any) Result {
	if expression == "" {
		return Result{Passed: true}
	}

	program, err := e.compile(expression)
	if err != nil {
		return Result{Expression: expression, Error: fmt.Errorf("failed to compile expression: %w", err)}
	}

	evalEnv := make(map[string]any, len(env)+len(functions))
	for k, v := range env {
		evalEnv[k] = v
	}
	for name, fn := range functions {
		evalEnv[name] = fn
	}

	out, err := expr.Run(program, evalEnv)
	if err != nil {
		return Result{Expression: expression, Error: fmt.Errorf("expression evaluation failed: %w", err)}
	}

	passed, ok := out.(bool)
	if !ok {
		return Result{Expression: expression, Error: fmt.Errorf("expression must return boolean, got %T (%v)", out, out)}
	}
	return Result{Passed: passed, Expression: expression}
}

// Check compiles expression without running it.
func (e *Evaluator) Check(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := e.compile(expression)
	return err
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := make(map[string]any, len(functions))
	for name, fn := range functions {
		env[name] = fn
	}

	prog, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
