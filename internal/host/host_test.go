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

package host

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dbgrelay/internal/debugger/sim"
	"github.com/tombee/dbgrelay/internal/protocol"
	"github.com/tombee/dbgrelay/internal/relay"
)

func newSimHost(t *testing.T, input string, withBindings bool, exit func(int)) (*Host, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer

	d := sim.New(nil)
	d.RegisterScriptModule(RelayModuleName, RelayModule(&stdout, withBindings,
		relay.WithStderr(&stderr), relay.WithExit(exit)))

	h := New(d.CommandInterpreter(),
		WithInput(strings.NewReader(input)),
		WithOutput(&stdout),
		WithErrorOutput(&stderr),
		WithInitCommands("command script import relay"),
	)
	return h, &stdout, &stderr
}

func TestHost_RelaysCommands(t *testing.T) {
	input := strings.Join([]string{
		"runcommand version",
		"",
		"   ",
		"runcommand bogus",
		"runcommand bpmd Test.dll Test.UnlikelyInlined",
		"quit",
		"runcommand version",
	}, "\n") + "\n"

	h, stdout, _ := newSimHost(t, input, true, func(int) { t.Fatal("unexpected exit") })
	require.NoError(t, h.Run(context.Background()))

	sc := protocol.NewScanner(stdout)

	ready, err := sc.Next()
	require.NoError(t, err)
	assert.True(t, ready.Succeeded)
	assert.Empty(t, ready.Output)

	resp, err := sc.Next()
	require.NoError(t, err)
	assert.True(t, resp.Succeeded)
	assert.Equal(t, "lldb version "+sim.DefaultVersion+"\n", resp.Output)

	resp, err = sc.Next()
	require.NoError(t, err)
	assert.False(t, resp.Succeeded)
	assert.Contains(t, resp.Output, "'bogus' is not a valid command")

	resp, err = sc.Next()
	require.NoError(t, err)
	assert.True(t, resp.Succeeded)
	assert.Contains(t, resp.Output, "pending breakpoint 1")

	_, err = sc.Next()
	assert.ErrorIs(t, err, protocol.ErrStreamClosed, "nothing after quit is processed")
}

func TestHost_RelaysUnbalancedQuotes(t *testing.T) {
	input := strings.Join([]string{
		"runcommand bpmd Test.dll Test's",
		"runcommand sos dumpobj 00007ff8'`12345678",
		"runcommand version",
	}, "\n") + "\n"

	h, stdout, stderr := newSimHost(t, input, true, func(int) { t.Fatal("unexpected exit") })
	require.NoError(t, h.Run(context.Background()))
	assert.Empty(t, stderr.String())

	sc := protocol.NewScanner(stdout)
	ready, err := sc.Next()
	require.NoError(t, err)
	assert.True(t, ready.Succeeded)

	for _, want := range []string{"Unterminated single-quoted string", "Unterminated single-quoted string"} {
		resp, err := sc.Next()
		require.NoError(t, err)
		assert.False(t, resp.Succeeded)
		assert.Contains(t, resp.Output, want)
	}

	resp, err := sc.Next()
	require.NoError(t, err)
	assert.True(t, resp.Succeeded)
	assert.Equal(t, "lldb version "+sim.DefaultVersion+"\n", resp.Output)

	_, err = sc.Next()
	assert.ErrorIs(t, err, protocol.ErrStreamClosed)
}

func TestHost_MissingBindingsExitsProcess(t *testing.T) {
	exitCode := -1
	h, stdout, stderr := newSimHost(t, "runcommand version\n", false, func(code int) { exitCode = code })

	require.NoError(t, h.Run(context.Background()))
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "No module named 'lldb'")
	assert.NotContains(t, stdout.String(), protocol.SentinelOutput)
}

func TestHost_EchoesPlainCommands(t *testing.T) {
	var stdout, stderr bytes.Buffer
	h := New(sim.New(nil).CommandInterpreter(),
		WithInput(strings.NewReader("version\nbogus\n")),
		WithOutput(&stdout),
		WithErrorOutput(&stderr),
		WithPrompt("(lldb) "),
	)

	require.NoError(t, h.Run(context.Background()))
	assert.Contains(t, stdout.String(), "(lldb) lldb version")
	assert.Contains(t, stderr.String(), "'bogus' is not a valid command")
}

func TestHost_StopsOnContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	h := New(sim.New(nil).CommandInterpreter(), WithInput(pr), WithOutput(io.Discard), WithErrorOutput(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("host did not stop after cancel")
	}
}
