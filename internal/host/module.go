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
	"errors"
	"io"

	"github.com/tombee/dbgrelay/internal/debugger"
	"github.com/tombee/dbgrelay/internal/debugger/sim"
	"github.com/tombee/dbgrelay/internal/relay"
)

// RelayModuleName is the script module that loads the relay.
const RelayModuleName = "relay"

// ErrNoBindings is what a debugger without scripting support reports.
var ErrNoBindings = errors.New("No module named 'lldb'")

// RelayModule returns a loader for "command script import relay" that
// initializes the relay on out. Without bindings the import is fatal for
// the whole process, exactly as for a real debugger lacking them.
func RelayModule(out io.Writer, withBindings bool, opts ...relay.Option) sim.ModuleLoader {
	return func(b debugger.Bindings) error {
		relay.Init(func() (debugger.Bindings, error) {
			if !withBindings {
				return nil, ErrNoBindings
			}
			return b, nil
		}, out, opts...)
		return nil
	}
}
