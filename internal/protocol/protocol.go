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

// Package protocol implements the line-oriented framing used between a
// debugger process hosting the relay and the driver that feeds it commands.
//
// Every command produces its output, then its error text, then exactly one
// sentinel line. The sentinel tells the reader the command is complete and
// whether it succeeded:
//
//	Cleared breakpoint 1 for Test.dll!Test.UnlikelyInlined
//	<END_COMMAND_OUTPUT>
//
// A single success sentinel is also written once when the relay finishes
// initializing, before any command is accepted.
package protocol

// Sentinel markers. These are a wire contract with the driver and must not change.
const (
	SentinelOutput = "<END_COMMAND_OUTPUT>"
	SentinelError  = "<END_COMMAND_ERROR>"
)

// Sentinel returns the marker for a command outcome.
func Sentinel(succeeded bool) string {
	if succeeded {
		return SentinelOutput
	}
	return SentinelError
}
