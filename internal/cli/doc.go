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

/*
Package cli provides the root command for the dbgrelay CLI.

The command tree is:

	dbgrelay
	├── run       Run builtin and YAML debugger scenarios
	├── script    Drive an external debugger with command scripts
	├── host      Simulated debugger on stdin/stdout
	├── version   Show version
	└── help      Show help (supports --json)

From main.go:

	cli.SetVersion(version, commit, date)
	if err := cli.NewRootCommand().Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

	--verbose, -v    Enable verbose output
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--config         Path to config file

# Exit Codes

  - 0: every selected scenario or script passed
  - 1: a scenario or script failed
  - 2: invalid configuration, input file or filter
  - 3: the debugger could not be started or driven
*/
package cli
