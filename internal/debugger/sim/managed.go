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
	"slices"
)

// managedBreakpoint is an extension-level breakpoint on module!method.
// It stays pending until the module loads, then binds a native breakpoint.
// Indices start at 1 and are never reused within a session.
type managedBreakpoint struct {
	index    int
	module   string
	method   string
	nativeID int
}

func (m *managedBreakpoint) name() string {
	return m.module + "!" + m.method
}

func (m *managedBreakpoint) pending() bool {
	return m.nativeID == 0
}

// ManagedBreakpoint is a read-only view used by tests and listings.
type ManagedBreakpoint struct {
	Index    int
	Module   string
	Method   string
	Pending  bool
	NativeID int
}

// addManagedLocked creates a managed breakpoint and binds it immediately
// when its module is already loaded.
func (t *target) addManagedLocked(module, method string) *managedBreakpoint {
	t.nextManaged++
	m := &managedBreakpoint{index: t.nextManaged, module: module, method: method}
	t.managed = append(t.managed, m)
	if t.proc != nil && t.proc.loaded[module] {
		t.bindManagedLocked(m)
	}
	return m
}

func (t *target) bindManagedLocked(m *managedBreakpoint) {
	bp := t.createBreakpointLocked(m.name())
	m.nativeID = bp.id
	t.logger.Debug("managed breakpoint resolved", "index", m.index, "symbol", m.name(), "breakpoint_id", bp.id)
}

// resolveManagedLocked binds every pending breakpoint for a newly loaded module.
func (t *target) resolveManagedLocked(module string) {
	for _, m := range t.managed {
		if m.module == module && m.pending() {
			t.bindManagedLocked(m)
		}
	}
}

// clearManagedLocked removes the managed breakpoint with index and the native
// breakpoint bound to it.
func (t *target) clearManagedLocked(index int) (*managedBreakpoint, bool) {
	i := slices.IndexFunc(t.managed, func(m *managedBreakpoint) bool { return m.index == index })
	if i < 0 {
		return nil, false
	}
	m := t.managed[i]
	t.managed = slices.Delete(t.managed, i, i+1)
	if !m.pending() {
		t.deleteBreakpointLocked(m.nativeID)
	}
	return m, true
}

func (t *target) clearAllManagedLocked() int {
	n := len(t.managed)
	for _, m := range t.managed {
		if !m.pending() {
			t.deleteBreakpointLocked(m.nativeID)
		}
	}
	t.managed = nil
	return n
}

// ManagedBreakpoints returns a snapshot of the managed breakpoints in index order.
func (d *Debugger) ManagedBreakpoints() []ManagedBreakpoint {
	t := d.target
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ManagedBreakpoint, 0, len(t.managed))
	for _, m := range t.managed {
		out = append(out, ManagedBreakpoint{
			Index:    m.index,
			Module:   m.module,
			Method:   m.method,
			Pending:  m.pending(),
			NativeID: m.nativeID,
		})
	}
	return out
}
