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

package debugger

// StopCause classifies the most recent stop of a process.
type StopCause string

const (
	StopCauseNone          StopCause = "none"
	StopCauseBreakpointHit StopCause = "breakpoint-hit"
	StopCauseSignal        StopCause = "signal"
	StopCauseOther         StopCause = "other"
)

// StopEvent describes why the process is stopped right now.
type StopEvent struct {
	Cause StopCause

	// BreakpointID is set when Cause is StopCauseBreakpointHit.
	BreakpointID int

	Description string
}

// StopEventOf derives the stop event from the selected thread at the time of
// the call. It reflects only the latest stop; there is no event queue.
func StopEventOf(p Process) StopEvent {
	if p == nil || p.State() != StateStopped {
		return StopEvent{Cause: StopCauseNone}
	}
	th := p.SelectedThread()
	if th == nil {
		return StopEvent{Cause: StopCauseOther}
	}

	ev := StopEvent{Description: th.StopDescription()}
	switch th.StopReason() {
	case StopReasonBreakpoint:
		ev.Cause = StopCauseBreakpointHit
		if data := th.StopReasonData(); len(data) > 0 {
			ev.BreakpointID = data[0]
		}
	case StopReasonSignal:
		ev.Cause = StopCauseSignal
	case StopReasonNone:
		ev.Cause = StopCauseNone
	default:
		ev.Cause = StopCauseOther
	}
	return ev
}
