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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/dbgrelay/internal/commands/host"
	"github.com/tombee/dbgrelay/internal/commands/run"
	"github.com/tombee/dbgrelay/internal/commands/script"
	"github.com/tombee/dbgrelay/internal/commands/shared"
	"github.com/tombee/dbgrelay/internal/commands/version"
	"github.com/tombee/dbgrelay/internal/config"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command with every subcommand
// registered.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dbgrelay",
		Short: "dbgrelay - debugger command relay and scenario driver",
		Long: `dbgrelay relays debugger commands with completion sentinels so that a
driver can tell exactly where each command's output ends, and runs
debugger test scenarios on top of that relay.

Run 'dbgrelay run' to execute the builtin and YAML scenarios.
Run 'dbgrelay script <file>' to drive an external debugger with a script.
Run 'dbgrelay host' to start a simulated debugger on stdin/stdout.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	// Get flag pointers from shared package
	verbose, quiet, json, cfg := shared.RegisterFlagPointers()

	// Add global flags
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(cfg, "config", "", "Path to config file (default: "+defaultConfigPath()+")")

	cmd.AddCommand(run.NewCommand())
	cmd.AddCommand(script.NewCommand())
	cmd.AddCommand(host.NewCommand())
	cmd.AddCommand(version.NewVersionCommand())

	// Custom help command with JSON support
	cmd.SetHelpCommand(NewHelpCommand(cmd))

	return cmd
}

func defaultConfigPath() string {
	path, err := config.ConfigPath()
	if err != nil {
		return "~/.config/dbgrelay/config.yaml"
	}
	return path
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
