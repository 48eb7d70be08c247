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

// Package host implements "dbgrelay host", a simulated debugger process
// that external drivers can start in place of lldb.
package host

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/dbgrelay/internal/commands/shared"
	"github.com/tombee/dbgrelay/internal/debugger/sim"
	hostpkg "github.com/tombee/dbgrelay/internal/host"
	"github.com/tombee/dbgrelay/internal/log"
	"github.com/tombee/dbgrelay/internal/relay"
)

// NewCommand creates the host command
func NewCommand() *cobra.Command {
	var (
		initCommands []string
		programFile  string
		noBindings   bool
		prompt       string
		version      string
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run a simulated debugger on stdin/stdout",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Host starts a simulated lldb that reads commands from stdin and writes
their output to stdout. "command script import relay" loads the command
relay, after which every "runcommand <text>" is framed with a completion
sentinel.

Use it as the debugger for 'dbgrelay script':

  dbgrelay script --debugger dbgrelay --debugger-arg host test.script

Logs go to stderr so stdout stays a clean output channel.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := shared.Setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close(context.Background())

			program := sim.DefaultProgram()
			if programFile != "" {
				program, err = sim.LoadProgram(programFile)
				if err != nil {
					return shared.ClassifyError("failed to load program", err)
				}
			}

			logger := log.WithComponent(env.Logger, "host")
			out := cmd.OutOrStdout()
			d := sim.New(program, sim.WithVersion(version), sim.WithLogger(logger))
			d.RegisterScriptModule(hostpkg.RelayModuleName, hostpkg.RelayModule(out, !noBindings,
				relay.WithLogger(logger),
				relay.WithStderr(cmd.ErrOrStderr()),
			))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			h := hostpkg.New(d.CommandInterpreter(),
				hostpkg.WithInput(cmd.InOrStdin()),
				hostpkg.WithOutput(out),
				hostpkg.WithErrorOutput(cmd.ErrOrStderr()),
				hostpkg.WithPrompt(prompt),
				hostpkg.WithInitCommands(initCommands...),
				hostpkg.WithLogger(logger),
			)
			if err := h.Run(ctx); err != nil && ctx.Err() == nil {
				return shared.NewDebuggerError("host stopped", err)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&initCommands, "one-line", "o", nil, "Run a command after start-up (repeatable)")
	cmd.Flags().StringVar(&programFile, "program", "", "YAML file describing the simulated debuggee")
	cmd.Flags().BoolVar(&noBindings, "no-bindings", false, "Simulate a debugger without scripting bindings")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt to print before each command")
	cmd.Flags().StringVar(&version, "lldb-version", sim.DefaultVersion, "Version reported by the version command")

	return cmd
}
