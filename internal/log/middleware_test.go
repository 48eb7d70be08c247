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

package log

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var entry map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			t.Fatalf("expected valid JSON line: %v", err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestCommandMiddleware_Success(t *testing.T) {
	var buf bytes.Buffer
	m := NewCommandMiddleware(New(&Config{Level: "debug", Format: FormatJSON, Output: &buf}))

	called := false
	ok, errText := m.Handler(&CommandRequest{Command: "bpmd -list", Source: "relay", SessionID: "s-1"}, func() (bool, string) {
		called = true
		return true, ""
	})

	if !called || !ok || errText != "" {
		t.Fatalf("unexpected handler result: called=%v ok=%v err=%q", called, ok, errText)
	}

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0][EventKey] != "command_request" {
		t.Errorf("expected first event to be command_request, got %v", entries[0][EventKey])
	}
	if entries[1][OutcomeKey] != "success" {
		t.Errorf("expected outcome success, got %v", entries[1][OutcomeKey])
	}
	if entries[1][SessionIDKey] != "s-1" {
		t.Errorf("expected session id s-1, got %v", entries[1][SessionIDKey])
	}
}

func TestCommandMiddleware_FailureLoggedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	m := NewCommandMiddleware(New(&Config{Level: "info", Format: FormatJSON, Output: &buf}))

	ok, errText := m.Handler(&CommandRequest{Command: "bogus", Source: "driver"}, func() (bool, string) {
		return false, "error: 'bogus' is not a valid command."
	})
	if ok || errText == "" {
		t.Fatalf("expected failure to pass through, got ok=%v err=%q", ok, errText)
	}

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected only the failure entry at info level, got %d", len(entries))
	}
	if entries[0]["msg"] != "command failed" {
		t.Errorf("expected msg 'command failed', got %v", entries[0]["msg"])
	}
	if entries[0]["error"] != "error: 'bogus' is not a valid command." {
		t.Errorf("unexpected error field: %v", entries[0]["error"])
	}
}
