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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/itchyny/gojq"

	"github.com/tombee/dbgrelay/internal/scenario"
)

// Version of the JSON report envelope.
const Version = "1.0"

// DefaultFilterTimeout bounds a jq filter over a report.
const DefaultFilterTimeout = time.Second

// Envelope is the JSON report.
type Envelope struct {
	Version string            `json:"@version"`
	Command string            `json:"command"`
	Success bool              `json:"success"`
	Summary scenario.Summary  `json:"summary"`
	Results []scenario.Result `json:"results"`
}

// NewEnvelope wraps results for command.
func NewEnvelope(command string, results []scenario.Result) Envelope {
	sum := scenario.Summarize(results)
	if results == nil {
		results = []scenario.Result{}
	}
	return Envelope{
		Version: Version,
		Command: command,
		Success: sum.OK(),
		Summary: sum,
		Results: results,
	}
}

// JSON writes the envelope indented. A non-empty filter is applied first
// and each value it produces is written on its own.
func JSON(ctx context.Context, w io.Writer, env Envelope, filter string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if filter == "" {
		return enc.Encode(env)
	}

	values, err := Filter(ctx, filter, env)
	if err != nil {
		return err
	}
	for _, v := range values {
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

// ValidateFilter checks that expression compiles.
func ValidateFilter(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := compile(expression)
	return err
}

func compile(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}
	return code, nil
}

// Filter runs a jq expression over data and returns every value it
// produces. data is round-tripped through JSON so struct tags apply.
func Filter(ctx context.Context, expression string, data any) ([]any, error) {
	code, err := compile(expression)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultFilterTimeout)
	defer cancel()

	var out []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("jq filter timed out after %v", DefaultFilterTimeout)
			}
			return nil, fmt.Errorf("jq: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
