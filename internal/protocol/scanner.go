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

package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"

	relayerrors "github.com/tombee/dbgrelay/pkg/errors"
)

// ErrStreamClosed is returned when the output channel ends before a sentinel.
var ErrStreamClosed = errors.New("output stream closed before sentinel")

// maxLineSize bounds a single output line. Debugger dumps can be long.
const maxLineSize = 4 * 1024 * 1024

// Response is one completed command as seen by the driver.
type Response struct {
	// Output is everything printed before the sentinel, newline-joined.
	Output string

	// Succeeded reports whether the success sentinel ended the frame.
	Succeeded bool
}

// Scanner reads framed responses from an output channel.
// It is not safe for concurrent use.
type Scanner struct {
	sc *bufio.Scanner

	// OnLine, if set, is called with every raw line read.
	OnLine func(line string)
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Scanner{sc: sc}
}

// Next reads lines until one ends with a sentinel and returns the frame.
//
// Text on the sentinel line before the marker belongs to the output; some
// debuggers do not terminate the last output line. If the stream ends first,
// Next returns the partial output wrapped in a ProtocolError that matches
// ErrStreamClosed.
func (s *Scanner) Next() (*Response, error) {
	var lines []string

	for s.sc.Scan() {
		line := s.sc.Text()
		if s.OnLine != nil {
			s.OnLine(line)
		}

		for _, marker := range []string{SentinelOutput, SentinelError} {
			if !strings.HasSuffix(line, marker) {
				continue
			}
			if prefix := strings.TrimSuffix(line, marker); prefix != "" {
				lines = append(lines, prefix)
			}
			return &Response{
				Output:    joinLines(lines),
				Succeeded: marker == SentinelOutput,
			}, nil
		}

		lines = append(lines, line)
	}

	cause := s.sc.Err()
	if cause == nil {
		cause = ErrStreamClosed
	} else {
		cause = errors.Join(ErrStreamClosed, cause)
	}
	return nil, &relayerrors.ProtocolError{
		Reason:  "stream closed before sentinel",
		Partial: joinLines(lines),
		Cause:   cause,
	}
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
