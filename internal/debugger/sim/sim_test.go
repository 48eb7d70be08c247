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

package sim

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dbgrelay/internal/debugger"
	relayerrors "github.com/tombee/dbgrelay/pkg/errors"
)

func TestParseProgram(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, p *Program)
	}{
		{
			name: "valid program",
			yaml: `
name: Crashy
exit_code: 3
events:
  - call: main
  - signal: SIGUSR1
`,
			check: func(t *testing.T, p *Program) {
				assert.Equal(t, "Crashy", p.Name)
				assert.Equal(t, DefaultPID, p.PID)
				assert.Equal(t, 3, p.ExitCode)
				assert.Len(t, p.Events, 2)
			},
		},
		{
			name:    "missing name",
			yaml:    "events: [{call: main}]",
			wantErr: true,
		},
		{
			name:    "event with two actions",
			yaml:    "name: x\nevents: [{call: main, load: a.dll}]",
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    "name: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseProgram([]byte(tt.yaml))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, p)
			}
		})
	}
}

func TestLoadProgram(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: Test\nevents:\n  - call: main\n"), 0o644))

	p, err := LoadProgram(path)
	require.NoError(t, err)
	assert.Equal(t, "Test", p.Name)

	_, err = LoadProgram(filepath.Join(dir, "missing.yaml"))
	var nf *relayerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestTarget_LaunchRunsToBreakpoint(t *testing.T) {
	ctx := context.Background()
	d := New(nil)
	tgt := d.Target()

	bp, err := tgt.BreakpointCreateByName("main")
	require.NoError(t, err)
	assert.Equal(t, 1, bp.ID())
	assert.Equal(t, 1, bp.NumLocations())

	p, err := tgt.Launch(ctx, debugger.LaunchOptions{})
	require.NoError(t, err)
	assert.Equal(t, debugger.StateStopped, p.State())

	ev := debugger.StopEventOf(p)
	assert.Equal(t, debugger.StopCauseBreakpointHit, ev.Cause)
	assert.Equal(t, 1, ev.BreakpointID)

	require.NoError(t, p.Continue(ctx))
	assert.Equal(t, debugger.StateExited, p.State())
	assert.Equal(t, 0, p.ExitStatus())
	assert.Nil(t, p.SelectedThread())

	assert.ErrorIs(t, p.Continue(ctx), ErrProcessExited)
}

func TestTarget_StopAtEntry(t *testing.T) {
	d := New(nil)
	p, err := d.Target().Launch(context.Background(), debugger.LaunchOptions{StopAtEntry: true})
	require.NoError(t, err)
	assert.Equal(t, debugger.StateStopped, p.State())
	assert.Equal(t, debugger.StopCauseSignal, debugger.StopEventOf(p).Cause)

	_, err = d.Target().Launch(context.Background(), debugger.LaunchOptions{})
	assert.ErrorIs(t, err, ErrProcessRunning)
}

func TestTarget_PendingNativeBreakpointResolvesOnLoad(t *testing.T) {
	ctx := context.Background()
	d := New(nil)
	tgt := d.Target()

	bp, err := tgt.BreakpointCreateByName("Test.LikelyInlined")
	require.NoError(t, err)
	assert.True(t, bp.IsPending())

	p, err := tgt.Launch(ctx, debugger.LaunchOptions{})
	require.NoError(t, err)
	assert.False(t, bp.IsPending())
	assert.Equal(t, bp.ID(), debugger.StopEventOf(p).BreakpointID)
}

func TestTarget_OneShotBreakpoint(t *testing.T) {
	d := New(nil)
	tgt := d.Target()

	bp, err := tgt.BreakpointCreateByName("main")
	require.NoError(t, err)
	bp.SetOneShot(true)

	p, err := tgt.Launch(context.Background(), debugger.LaunchOptions{})
	require.NoError(t, err)
	assert.Equal(t, debugger.StopCauseBreakpointHit, debugger.StopEventOf(p).Cause)
	assert.Empty(t, tgt.Breakpoints())
}

func TestTarget_Signal(t *testing.T) {
	prog := &Program{Name: "Sig", PID: 10, ExitCode: 1, Events: []Event{{Call: "main"}, {Signal: "SIGUSR1"}}}
	d := New(prog)

	p, err := d.Target().Launch(context.Background(), debugger.LaunchOptions{})
	require.NoError(t, err)
	ev := debugger.StopEventOf(p)
	assert.Equal(t, debugger.StopCauseSignal, ev.Cause)
	assert.Equal(t, "signal SIGUSR1", ev.Description)

	require.NoError(t, p.Continue(context.Background()))
	assert.Equal(t, 1, p.ExitStatus())
}

func TestTarget_AttachAndKill(t *testing.T) {
	d := New(nil)
	tgt := d.Target()

	_, err := tgt.Attach(context.Background(), 1)
	assert.Error(t, err)

	p, err := tgt.Attach(context.Background(), DefaultPID)
	require.NoError(t, err)
	assert.Equal(t, DefaultPID, p.PID())
	assert.Equal(t, debugger.StateStopped, p.State())

	require.NoError(t, p.Kill())
	assert.Equal(t, debugger.StateExited, p.State())
	assert.Equal(t, killedExitStatus, p.ExitStatus())
	assert.ErrorIs(t, p.Kill(), ErrProcessExited)
}

func TestProcess_ContinueHonoursCancelledContext(t *testing.T) {
	d := New(nil)
	p, err := d.Target().Launch(context.Background(), debugger.LaunchOptions{StopAtEntry: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(p.Continue(ctx), context.Canceled))
	assert.Equal(t, debugger.StateStopped, p.State())
}

func TestDebugger_AddCommand(t *testing.T) {
	d := New(nil)
	h := debugger.CommandHandlerFunc(func(ctx context.Context, args string) debugger.CommandResult {
		return debugger.CommandResult{Output: "args=" + args, Succeeded: true}
	})

	require.NoError(t, d.AddCommand("echo", h, "echo arguments"))
	assert.Error(t, d.AddCommand("echo", h, "again"))
	assert.Error(t, d.AddCommand("process", h, "builtin"))
	assert.Error(t, d.AddCommand("", h, "empty"))
	assert.Error(t, d.AddCommand("nil", nil, "nil handler"))

	res := d.CommandInterpreter().HandleCommand(context.Background(), "echo  bpmd -list ")
	assert.True(t, res.Succeeded)
	assert.Equal(t, "args=bpmd -list", res.Output)

	help := d.CommandInterpreter().HandleCommand(context.Background(), "help")
	assert.Contains(t, help.Output, "echo arguments")
}

func TestDebugger_Import(t *testing.T) {
	calls := 0
	d := New(nil, WithScriptModule("relay", func(b debugger.Bindings) error {
		calls++
		return nil
	}))
	d.RegisterScriptModule("broken", func(b debugger.Bindings) error {
		return errors.New("boom")
	})

	in := d.CommandInterpreter()
	ctx := context.Background()

	res := in.HandleCommand(ctx, "command script import relay")
	assert.True(t, res.Succeeded)
	res = in.HandleCommand(ctx, "command script import /opt/scripts/relay.py")
	assert.True(t, res.Succeeded)
	assert.Equal(t, 1, calls, "module is imported once")

	res = in.HandleCommand(ctx, "command script import missing")
	assert.False(t, res.Succeeded)
	assert.Contains(t, res.Error, "No module named 'missing'")

	res = in.HandleCommand(ctx, "command script import broken")
	assert.False(t, res.Succeeded)
	assert.Contains(t, res.Error, "boom")
}
