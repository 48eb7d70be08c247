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

package relay

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dbgrelay/internal/debugger"
	"github.com/tombee/dbgrelay/internal/debugger/sim"
	"github.com/tombee/dbgrelay/internal/protocol"
)

// stubBindings wraps a sim debugger and can refuse registration.
type stubBindings struct {
	*sim.Debugger
	addErr error
}

func (s *stubBindings) AddCommand(name string, h debugger.CommandHandler, help string) error {
	if s.addErr != nil {
		return s.addErr
	}
	return s.Debugger.AddCommand(name, h, help)
}

type panicInterpreter struct{}

func (panicInterpreter) HandleCommand(context.Context, string) debugger.CommandResult {
	panic("interpreter exploded")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestInit_WritesReadySentinelAndRegisters(t *testing.T) {
	var out bytes.Buffer
	d := sim.New(nil)

	exited := false
	r := Init(func() (debugger.Bindings, error) { return d, nil }, &out,
		WithExit(func(int) { exited = true }))

	require.NotNil(t, r)
	assert.False(t, exited)
	assert.Equal(t, protocol.SentinelOutput+"\n", out.String())

	res := d.CommandInterpreter().HandleCommand(context.Background(), "runcommand version")
	assert.True(t, res.Succeeded)
	assert.Empty(t, res.Output, "framed output goes to the channel, not the interpreter result")
	assert.Equal(t, protocol.SentinelOutput+"\nlldb version "+sim.DefaultVersion+"\n"+protocol.SentinelOutput+"\n", out.String())
}

func TestInit_MissingBindingsIsFatal(t *testing.T) {
	tests := []struct {
		name string
		load Loader
	}{
		{
			name: "loader error",
			load: func() (debugger.Bindings, error) { return nil, errors.New("No module named 'lldb'") },
		},
		{
			name: "nil bindings",
			load: func() (debugger.Bindings, error) { return nil, nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, stderr bytes.Buffer
			before := testutil.ToFloat64(relayInits.WithLabelValues("fatal"))

			exitCode := -1
			r := Init(tt.load, &out, WithStderr(&stderr), WithExit(func(code int) { exitCode = code }))

			assert.Nil(t, r)
			assert.Equal(t, 1, exitCode)
			assert.Empty(t, out.String(), "no sentinel is written when initialization fails")
			assert.Contains(t, stderr.String(), "failed to load scripting bindings")
			assert.Equal(t, before+1, testutil.ToFloat64(relayInits.WithLabelValues("fatal")))
		})
	}
}

func TestInit_RegistrationFailureIsNotFatal(t *testing.T) {
	var out bytes.Buffer
	b := &stubBindings{Debugger: sim.New(nil), addErr: errors.New("already registered")}

	exited := false
	r := Init(func() (debugger.Bindings, error) { return b, nil }, &out, WithExit(func(int) { exited = true }))

	require.NotNil(t, r)
	assert.False(t, exited)
	assert.Equal(t, protocol.SentinelOutput+"\n", out.String())
}

func TestExecute_Framing(t *testing.T) {
	tests := []struct {
		name      string
		setup     []string
		command   string
		wantOK    bool
		wantFrame string
	}{
		{
			name:      "success",
			command:   "bpmd Test.dll Test.UnlikelyInlined",
			wantOK:    true,
			wantFrame: "Adding pending breakpoint 1 for Test.dll!Test.UnlikelyInlined\n<END_COMMAND_OUTPUT>\n",
		},
		{
			name:      "invalid command",
			command:   "bogus",
			wantOK:    false,
			wantFrame: "error: 'bogus' is not a valid command.\n<END_COMMAND_ERROR>\n",
		},
		{
			name:      "empty output success",
			command:   "",
			wantOK:    true,
			wantFrame: "<END_COMMAND_OUTPUT>\n",
		},
		{
			name:      "clear invalid index",
			command:   "bpmd -clear 4",
			wantOK:    false,
			wantFrame: "Invalid pending breakpoint index.\n<END_COMMAND_ERROR>\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			r := New(sim.New(nil).CommandInterpreter(), &out)

			res := r.Execute(context.Background(), tt.command)
			assert.Equal(t, tt.wantOK, res.Succeeded)
			assert.Equal(t, tt.wantFrame, out.String())
		})
	}
}

func TestExecute_OneSentinelPerCommand(t *testing.T) {
	var out bytes.Buffer
	r := New(sim.New(nil).CommandInterpreter(), &out)
	ctx := context.Background()

	commands := []string{"version", "bogus", "b main", "process launch", "bpmd -list", "c", "c"}
	for _, c := range commands {
		r.Execute(ctx, c)
	}

	frames := 0
	sc := protocol.NewScanner(&out)
	for {
		_, err := sc.Next()
		if err != nil {
			assert.ErrorIs(t, err, protocol.ErrStreamClosed)
			break
		}
		frames++
	}
	assert.Equal(t, len(commands), frames)
}

func TestExecute_PanicBecomesFailure(t *testing.T) {
	var out bytes.Buffer
	r := New(panicInterpreter{}, &out)

	res := r.Execute(context.Background(), "anything")
	assert.False(t, res.Succeeded)
	assert.Contains(t, res.Error, "interpreter exploded")
	assert.True(t, strings.HasSuffix(out.String(), protocol.SentinelError+"\n"))
}

func TestExecute_WriteFailureDoesNotPanic(t *testing.T) {
	r := New(sim.New(nil).CommandInterpreter(), failingWriter{})
	before := testutil.ToFloat64(relayCommands.WithLabelValues("success"))

	res := r.Execute(context.Background(), "version")
	assert.True(t, res.Succeeded)
	assert.Equal(t, before+1, testutil.ToFloat64(relayCommands.WithLabelValues("success")))
}
