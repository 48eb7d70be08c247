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
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tombee/dbgrelay/internal/scenario"
)

// DefaultSuiteName names the JUnit suite when none is given.
const DefaultSuiteName = "dbgrelay"

type junitSuites struct {
	XMLName xml.Name     `xml:"testsuites"`
	Suites  []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Name      string      `xml:"name,attr"`
	Tests     int         `xml:"tests,attr"`
	Failures  int         `xml:"failures,attr"`
	Errors    int         `xml:"errors,attr"`
	Skipped   int         `xml:"skipped,attr"`
	Time      string      `xml:"time,attr"`
	Timestamp string      `xml:"timestamp,attr,omitempty"`
	Cases     []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitMessage `xml:"failure,omitempty"`
	Error     *junitMessage `xml:"error,omitempty"`
	Skipped   *junitMessage `xml:"skipped,omitempty"`
	SystemOut string        `xml:"system-out,omitempty"`
}

type junitMessage struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
	Body    string `xml:",chardata"`
}

// JUnit writes results as a single JUnit test suite.
func JUnit(w io.Writer, suite string, results []scenario.Result) error {
	if suite == "" {
		suite = DefaultSuiteName
	}
	sum := scenario.Summarize(results)

	s := junitSuite{
		Name:     suite,
		Tests:    sum.Total,
		Failures: sum.Failed,
		Errors:   sum.Errored,
		Skipped:  sum.Skipped,
		Time:     seconds(sum.Elapsed),
	}
	if len(results) > 0 && !results[0].StartedAt.IsZero() {
		s.Timestamp = results[0].StartedAt.UTC().Format(time.RFC3339)
	}

	for _, r := range results {
		c := junitCase{
			Name:      r.Scenario,
			Classname: classname(suite, r),
			Time:      seconds(r.Duration),
			SystemOut: transcript(r),
		}
		firstLine, _, _ := strings.Cut(r.Message, "\n")
		switch r.Status {
		case scenario.StatusFail:
			c.Failure = &junitMessage{Message: firstLine, Type: "assertion", Body: r.Message}
		case scenario.StatusError:
			c.Error = &junitMessage{Message: firstLine, Type: "error", Body: r.Message}
		case scenario.StatusSkipped:
			c.Skipped = &junitMessage{Message: "filtered"}
		}
		s.Cases = append(s.Cases, c)
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(junitSuites{Suites: []junitSuite{s}}); err != nil {
		return fmt.Errorf("failed to encode junit report: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func classname(suite string, r scenario.Result) string {
	if r.Source != "" && r.Source != "builtin" {
		return suite + "." + strings.TrimSuffix(baseName(r.Source), ".scenario.yaml")
	}
	return suite + ".builtin"
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

func transcript(r scenario.Result) string {
	if len(r.Transcript) == 0 {
		return ""
	}
	var b strings.Builder
	for _, ex := range r.Transcript {
		fmt.Fprintf(&b, "(lldb) %s\n", ex.Command)
		b.WriteString(ex.Result.Output)
		b.WriteString(ex.Result.Error)
	}
	return b.String()
}
