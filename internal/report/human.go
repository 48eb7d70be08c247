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

// Package report renders scenario results for people and for tools: a
// styled terminal summary, JUnit XML for CI, and JSON that can be narrowed
// with a jq expression.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tombee/dbgrelay/internal/scenario"
)

// Status symbols
const (
	SymbolPass  = "✓"
	SymbolFail  = "✗"
	SymbolError = "!"
	SymbolSkip  = "-"
)

// HumanOptions controls the terminal report.
type HumanOptions struct {
	// Verbose prints transcripts for passing scenarios too.
	Verbose bool
}

type styles struct {
	pass  lipgloss.Style
	fail  lipgloss.Style
	warn  lipgloss.Style
	muted lipgloss.Style
}

// newStyles binds styles to w so colour is only emitted for terminals.
func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		pass:  r.NewStyle().Foreground(lipgloss.Color("42")),
		fail:  r.NewStyle().Foreground(lipgloss.Color("196")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("214")),
		muted: r.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

func (s styles) status(st scenario.Status) string {
	switch st {
	case scenario.StatusPass:
		return s.pass.Render(SymbolPass)
	case scenario.StatusFail:
		return s.fail.Render(SymbolFail)
	case scenario.StatusError:
		return s.warn.Render(SymbolError)
	default:
		return s.muted.Render(SymbolSkip)
	}
}

// Human writes one line per scenario, details for failures, and a summary.
func Human(w io.Writer, results []scenario.Result, opts HumanOptions) error {
	st := newStyles(w)
	var b strings.Builder

	width := 0
	for _, r := range results {
		width = max(width, len(r.Scenario))
	}

	for _, r := range results {
		timing := formatDuration(r.Duration)
		if r.Status == scenario.StatusSkipped {
			timing = "skipped"
		}
		fmt.Fprintf(&b, "%s %-*s  %s\n", st.status(r.Status), width, r.Scenario, st.muted.Render(timing))

		failed := r.Status == scenario.StatusFail || r.Status == scenario.StatusError
		if failed && r.Message != "" {
			for _, line := range strings.Split(strings.TrimRight(r.Message, "\n"), "\n") {
				fmt.Fprintf(&b, "    %s\n", line)
			}
		}
		if (failed || opts.Verbose) && len(r.Transcript) > 0 {
			fmt.Fprintf(&b, "    %s\n", st.muted.Render("transcript:"))
			for _, ex := range r.Transcript {
				prompt := "(lldb)"
				if ex.Relayed {
					prompt = "(relay)"
				}
				fmt.Fprintf(&b, "      %s %s\n", st.muted.Render(prompt), ex.Command)
				text := ex.Result.Output + ex.Result.Error
				for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
					if line != "" {
						fmt.Fprintf(&b, "        %s\n", line)
					}
				}
			}
		}
	}

	sum := scenario.Summarize(results)
	headline := st.pass
	if !sum.OK() {
		headline = st.fail
	}
	fmt.Fprintf(&b, "\n%s %s\n",
		headline.Bold(true).Render(fmt.Sprintf("%d scenarios:", sum.Total)),
		fmt.Sprintf("%d passed, %d failed, %d errors, %d skipped (%s)",
			sum.Passed, sum.Failed, sum.Errored, sum.Skipped, formatDuration(sum.Elapsed)))

	_, err := io.WriteString(w, b.String())
	return err
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.Round(time.Microsecond).String()
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}
