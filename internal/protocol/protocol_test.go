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
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/tombee/dbgrelay/pkg/errors"
)

func TestWriter_WriteResult(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		errText   string
		succeeded bool
		want      string
	}{
		{
			name:      "output only",
			output:    "Cleared breakpoint 1\n",
			succeeded: true,
			want:      "Cleared breakpoint 1\n<END_COMMAND_OUTPUT>\n",
		},
		{
			name:      "missing trailing newline",
			output:    "lldb version 18.1.0",
			succeeded: true,
			want:      "lldb version 18.1.0\n<END_COMMAND_OUTPUT>\n",
		},
		{
			name:      "error only",
			errText:   "error: 'bogus' is not a valid command.\n",
			succeeded: false,
			want:      "error: 'bogus' is not a valid command.\n<END_COMMAND_ERROR>\n",
		},
		{
			name:      "output then error",
			output:    "partial\n",
			errText:   "failed",
			succeeded: false,
			want:      "partial\nfailed\n<END_COMMAND_ERROR>\n",
		},
		{
			name:      "empty success",
			succeeded: true,
			want:      "<END_COMMAND_OUTPUT>\n",
		},
		{
			name:      "empty failure",
			succeeded: false,
			want:      "<END_COMMAND_ERROR>\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(&buf)
			require.NoError(t, w.WriteResult(tt.output, tt.errText, tt.succeeded))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestWriter_Ready(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).Ready())
	assert.Equal(t, SentinelOutput+"\n", buf.String())
}

func TestWriter_ConcurrentFramesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = w.WriteResult(fmt.Sprintf("line-a %d\nline-b %d\n", i, i), "", true)
		}(i)
	}
	wg.Wait()

	sc := NewScanner(&buf)
	for i := 0; i < 50; i++ {
		resp, err := sc.Next()
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSuffix(resp.Output, "\n"), "\n")
		require.Len(t, lines, 2)
		var a, b int
		_, err = fmt.Sscanf(lines[0], "line-a %d", &a)
		require.NoError(t, err)
		_, err = fmt.Sscanf(lines[1], "line-b %d", &b)
		require.NoError(t, err)
		assert.Equal(t, a, b, "frame lines must come from the same command")
	}
}

func TestScanner_Next(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      []Response
		wantClose bool
	}{
		{
			name:  "ready then command",
			input: "<END_COMMAND_OUTPUT>\nhello\nworld\n<END_COMMAND_OUTPUT>\n",
			want: []Response{
				{Output: "", Succeeded: true},
				{Output: "hello\nworld\n", Succeeded: true},
			},
		},
		{
			name:  "error sentinel",
			input: "error: nope\n<END_COMMAND_ERROR>\n",
			want:  []Response{{Output: "error: nope\n", Succeeded: false}},
		},
		{
			name:  "sentinel at end of line",
			input: "no newline<END_COMMAND_OUTPUT>\n",
			want:  []Response{{Output: "no newline\n", Succeeded: true}},
		},
		{
			name:  "sentinel mid line is output",
			input: "x <END_COMMAND_OUTPUT> y\n<END_COMMAND_ERROR>\n",
			want:  []Response{{Output: "x <END_COMMAND_OUTPUT> y\n", Succeeded: false}},
		},
		{
			name:      "stream closes before sentinel",
			input:     "<END_COMMAND_OUTPUT>\npartial\n",
			want:      []Response{{Output: "", Succeeded: true}},
			wantClose: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := NewScanner(strings.NewReader(tt.input))
			for _, want := range tt.want {
				got, err := sc.Next()
				require.NoError(t, err)
				assert.Equal(t, want, *got)
			}
			if tt.wantClose {
				_, err := sc.Next()
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrStreamClosed))
				var protoErr *relayerrors.ProtocolError
				require.ErrorAs(t, err, &protoErr)
				assert.Equal(t, "partial\n", protoErr.Partial)
			}
		})
	}
}

func TestScanner_OnLine(t *testing.T) {
	var seen []string
	sc := NewScanner(strings.NewReader("a\nb\n<END_COMMAND_OUTPUT>\n"))
	sc.OnLine = func(line string) { seen = append(seen, line) }

	_, err := sc.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", SentinelOutput}, seen)
}

func TestRoundTrip_OneSentinelPerCommand(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Ready())
	require.NoError(t, w.WriteResult("out", "", true))
	require.NoError(t, w.WriteResult("", "err", false))

	assert.Equal(t, 2, strings.Count(buf.String(), SentinelOutput))
	assert.Equal(t, 1, strings.Count(buf.String(), SentinelError))
	assert.True(t, strings.HasSuffix(buf.String(), SentinelError+"\n"))
}
