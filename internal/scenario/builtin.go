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

package scenario

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/tombee/dbgrelay/internal/debugger"
	"github.com/tombee/dbgrelay/internal/debugger/sim"
	"github.com/tombee/dbgrelay/internal/testutils"
)

const (
	testModule      = "Test.dll"
	unlikelyInlined = "Test.UnlikelyInlined"
	likelyInlined   = "Test.LikelyInlined"
)

var (
	managedIndexRe = regexp.MustCompile(`(?:pending breakpoint|Breakpoint) (\d+)`)
	nativeIDRe     = regexp.MustCompile(`^Breakpoint (\d+):`)
)

// Builtin returns the scenarios shipped with dbgrelay.
func Builtin() []Scenario {
	return []Scenario{
		{
			Name:        "bpmd-clear",
			Description: "Clearing a managed breakpoint leaves the others active",
			Tags:        []string{"bpmd", "smoke"},
			Run:         bpmdClear,
		},
		{
			Name:        "bpmd-pending-resolves",
			Description: "A pending managed breakpoint binds when its module loads and is hit",
			Tags:        []string{"bpmd"},
			Run:         bpmdPendingResolves,
		},
		{
			Name:        "bpmd-clearall",
			Description: "Clearing all managed breakpoints lets the process run to exit",
			Tags:        []string{"bpmd"},
			Run:         bpmdClearAll,
		},
		{
			Name:        "bpmd-invalid-clear",
			Description: "Clearing an unknown or already cleared index fails",
			Tags:        []string{"bpmd", "errors"},
			Run:         bpmdInvalidClear,
		},
		{
			Name:        "invalid-command",
			Description: "A rejected command reports failure and the relay keeps working",
			Tags:        []string{"relay", "errors"},
			Run:         invalidCommand,
		},
		{
			Name:        "breakpoint-roundtrip",
			Description: "A deleted native breakpoint disappears from the listing",
			Tags:        []string{"breakpoint"},
			Run:         breakpointRoundTrip,
		},
		{
			Name:        "signal-stop",
			Description: "A signal stop is reported as a signal, not a breakpoint hit",
			Tags:        []string{"signal"},
			Program:     signalProgram(),
			Run:         signalStop,
		},
		{
			Name:        "attach",
			Description: "Attaching to a running process stops it in main",
			Tags:        []string{"attach"},
			Target:      testutils.TargetSpec{Attach: true, PID: sim.DefaultPID},
			Run:         attach,
		},
	}
}

// relayOK relays cmd and fails unless it succeeded.
func relayOK(ctx context.Context, d *testutils.Driver, cmd string) (debugger.CommandResult, error) {
	res := d.Relay(ctx, cmd)
	if err := testutils.AssertSucceeded(res, "%s", cmd); err != nil {
		return res, err
	}
	return res, nil
}

// setManaged creates a managed breakpoint and returns its index.
func setManaged(ctx context.Context, d *testutils.Driver, method string) (int, error) {
	res, err := relayOK(ctx, d, fmt.Sprintf("bpmd %s %s", testModule, method))
	if err != nil {
		return 0, err
	}
	m := managedIndexRe.FindStringSubmatch(res.Output)
	if m == nil {
		return 0, fmt.Errorf("bpmd %s: no index in output %q", method, res.Output)
	}
	return strconv.Atoi(m[1])
}

// boundNativeID returns the native breakpoint a managed index is bound to.
func boundNativeID(ctx context.Context, d *testutils.Driver, index int) (int, error) {
	res, err := relayOK(ctx, d, "bpmd -list")
	if err != nil {
		return 0, err
	}
	re := regexp.MustCompile(fmt.Sprintf(`(?m)^\s*%d: .*\(bound to breakpoint (\d+)\)`, index))
	m := re.FindStringSubmatch(res.Output)
	if m == nil {
		return 0, testutils.AssertTrue(false, "managed breakpoint %d is not bound", index)
	}
	return strconv.Atoi(m[1])
}

func stoppedIn(ctx context.Context, d *testutils.Driver, method string) error {
	res, err := relayOK(ctx, d, "process status")
	if err != nil {
		return err
	}
	return testutils.AssertContains(res.Output, "`"+method, "stopped frame")
}

func bpmdClear(ctx context.Context, d *testutils.Driver) error {
	first, err := setManaged(ctx, d, unlikelyInlined)
	if err != nil {
		return err
	}
	if err := testutils.AssertEqual(first, 1, "first managed breakpoint index"); err != nil {
		return err
	}

	second, err := setManaged(ctx, d, likelyInlined)
	if err != nil {
		return err
	}

	res, err := relayOK(ctx, d, fmt.Sprintf("bpmd -clear %d", first))
	if err != nil {
		return err
	}
	if err := testutils.AssertContains(res.Output, "Cleared", "clear output"); err != nil {
		return err
	}

	list, err := relayOK(ctx, d, "bpmd -list")
	if err != nil {
		return err
	}
	if err := testutils.AssertNotMatch(list.Output, fmt.Sprintf(`^\s*%d:`, first), "cleared index is listed"); err != nil {
		return err
	}

	ev, err := d.Continue(ctx)
	if err != nil {
		return err
	}
	if err := testutils.AssertEqual(ev.Cause, debugger.StopCauseBreakpointHit, "stop after clear"); err != nil {
		return err
	}

	native, err := boundNativeID(ctx, d, second)
	if err != nil {
		return err
	}
	if err := d.AssertStoppedAtBreakpoint(native); err != nil {
		return err
	}
	return stoppedIn(ctx, d, likelyInlined)
}

func bpmdPendingResolves(ctx context.Context, d *testutils.Driver) error {
	res, err := relayOK(ctx, d, fmt.Sprintf("bpmd %s %s", testModule, unlikelyInlined))
	if err != nil {
		return err
	}
	if err := testutils.AssertContains(res.Output, "pending", "module not loaded yet"); err != nil {
		return err
	}

	if _, err := d.Continue(ctx); err != nil {
		return err
	}
	native, err := boundNativeID(ctx, d, 1)
	if err != nil {
		return err
	}
	if err := d.AssertStoppedAtBreakpoint(native); err != nil {
		return err
	}
	if err := stoppedIn(ctx, d, unlikelyInlined); err != nil {
		return err
	}

	// With the module loaded a new managed breakpoint binds immediately.
	res, err = relayOK(ctx, d, fmt.Sprintf("bpmd %s %s", testModule, likelyInlined))
	if err != nil {
		return err
	}
	return testutils.AssertMatch(res.Output, `^Breakpoint 2 set at .* \(breakpoint \d+\)`, "immediate bind")
}

func bpmdClearAll(ctx context.Context, d *testutils.Driver) error {
	for _, method := range []string{unlikelyInlined, likelyInlined} {
		if _, err := setManaged(ctx, d, method); err != nil {
			return err
		}
	}
	if _, err := relayOK(ctx, d, "bpmd -clearall"); err != nil {
		return err
	}
	list, err := relayOK(ctx, d, "bpmd -list")
	if err != nil {
		return err
	}
	if err := testutils.AssertContains(list.Output, "No managed breakpoints set", "list after clearall"); err != nil {
		return err
	}

	if _, err := d.Continue(ctx); err != nil {
		return err
	}
	return d.AssertExited(0)
}

func bpmdInvalidClear(ctx context.Context, d *testutils.Driver) error {
	res := d.Relay(ctx, "bpmd -clear 7")
	if err := testutils.AssertFailed(res, "clear unknown index"); err != nil {
		return err
	}
	if err := testutils.AssertContains(res.Output+res.Error, "Invalid pending breakpoint index", "clear unknown index"); err != nil {
		return err
	}

	index, err := setManaged(ctx, d, unlikelyInlined)
	if err != nil {
		return err
	}
	if _, err := relayOK(ctx, d, fmt.Sprintf("bpmd -clear %d", index)); err != nil {
		return err
	}
	res = d.Relay(ctx, fmt.Sprintf("bpmd -clear %d", index))
	if err := testutils.AssertFailed(res, "clear twice"); err != nil {
		return err
	}

	// Indices are never reused.
	next, err := setManaged(ctx, d, likelyInlined)
	if err != nil {
		return err
	}
	return testutils.AssertEqual(next, index+1, "index after clear")
}

func invalidCommand(ctx context.Context, d *testutils.Driver) error {
	res := d.Relay(ctx, "not-a-command --really")
	if err := testutils.AssertFailed(res, "unknown command"); err != nil {
		return err
	}
	if err := testutils.AssertContains(res.Output+res.Error, "is not a valid command", "unknown command"); err != nil {
		return err
	}
	_, err := relayOK(ctx, d, "version")
	return err
}

func breakpointRoundTrip(ctx context.Context, d *testutils.Driver) error {
	res, err := relayOK(ctx, d, "breakpoint set -n "+likelyInlined)
	if err != nil {
		return err
	}
	m := nativeIDRe.FindStringSubmatch(res.Output)
	if m == nil {
		return fmt.Errorf("breakpoint set: no id in output %q", res.Output)
	}
	id, _ := strconv.Atoi(m[1])

	list, err := relayOK(ctx, d, "breakpoint list")
	if err != nil {
		return err
	}
	if err := testutils.AssertMatch(list.Output, fmt.Sprintf(`^%d: name = '%s'`, id, likelyInlined), "listed"); err != nil {
		return err
	}

	if _, err := relayOK(ctx, d, fmt.Sprintf("breakpoint delete %d", id)); err != nil {
		return err
	}
	list, err = relayOK(ctx, d, "breakpoint list")
	if err != nil {
		return err
	}
	if err := testutils.AssertNotMatch(list.Output, fmt.Sprintf(`^%d:`, id), "deleted breakpoint is listed"); err != nil {
		return err
	}

	if _, err := d.Continue(ctx); err != nil {
		return err
	}
	return d.AssertExited(0)
}

func signalProgram() *sim.Program {
	p := sim.DefaultProgram()
	p.Name = "Signal"
	p.Events = append(p.Events[:1:1], append([]sim.Event{{Signal: "SIGUSR1"}}, p.Events[1:]...)...)
	return p
}

func signalStop(ctx context.Context, d *testutils.Driver) error {
	ev, err := d.Continue(ctx)
	if err != nil {
		return err
	}
	if err := testutils.AssertEqual(ev.Cause, debugger.StopCauseSignal, "stop cause"); err != nil {
		return err
	}
	res, err := relayOK(ctx, d, "thread list")
	if err != nil {
		return err
	}
	return testutils.AssertContains(res.Output, "SIGUSR1", "thread stop reason")
}

func attach(ctx context.Context, d *testutils.Driver) error {
	if err := testutils.AssertEqual(d.Process().PID(), sim.DefaultPID, "attached pid"); err != nil {
		return err
	}
	res, err := relayOK(ctx, d, "process status")
	if err != nil {
		return err
	}
	return testutils.AssertMatch(res.Output, fmt.Sprintf(`^Process %d stopped`, sim.DefaultPID), "status after attach")
}
