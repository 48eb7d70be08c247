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
	"context"
	"log/slog"
	"time"
)

// CommandRequest describes a debugger command for logging purposes.
type CommandRequest struct {
	// Command is the command text as sent to the interpreter.
	Command string

	// Source identifies who issued it (e.g., "relay", "driver", "scenario").
	Source string

	// SessionID correlates commands of one debugger session.
	SessionID string
}

// CommandResponse describes a command outcome for logging purposes.
type CommandResponse struct {
	// Succeeded reports the interpreter's success flag.
	Succeeded bool

	// Error is the interpreter's error text, or a transport error.
	Error string

	// DurationMs is how long the command took in milliseconds.
	DurationMs int64
}

// LogCommandRequest logs a command about to be executed.
func LogCommandRequest(logger *slog.Logger, req *CommandRequest) {
	attrs := []any{
		EventKey, "command_request",
		CommandKey, req.Command,
		"source", req.Source,
	}
	if req.SessionID != "" {
		attrs = append(attrs, SessionIDKey, req.SessionID)
	}
	logger.Debug("command received", attrs...)
}

// LogCommandResponse logs a completed command. Failed commands are logged
// at info: a failing debugger command is an expected outcome, not a fault.
func LogCommandResponse(logger *slog.Logger, req *CommandRequest, resp *CommandResponse) {
	outcome := "success"
	if !resp.Succeeded {
		outcome = "failure"
	}
	attrs := []any{
		EventKey, "command_response",
		CommandKey, req.Command,
		"source", req.Source,
		OutcomeKey, outcome,
		DurationKey, resp.DurationMs,
	}
	if req.SessionID != "" {
		attrs = append(attrs, SessionIDKey, req.SessionID)
	}
	if resp.Error != "" {
		attrs = append(attrs, "error", resp.Error)
	}

	level := slog.LevelDebug
	message := "command completed"
	if !resp.Succeeded {
		level = slog.LevelInfo
		message = "command failed"
	}
	logger.Log(context.Background(), level, message, attrs...)
}

// CommandMiddleware wraps command execution with request/response logging.
type CommandMiddleware struct {
	logger *slog.Logger
}

// NewCommandMiddleware creates a new command logging middleware.
func NewCommandMiddleware(logger *slog.Logger) *CommandMiddleware {
	return &CommandMiddleware{logger: logger}
}

// Handler runs handler, logging the request before and the outcome after.
// The handler reports the interpreter's success flag and error text.
func (m *CommandMiddleware) Handler(req *CommandRequest, handler func() (bool, string)) (bool, string) {
	start := time.Now()
	LogCommandRequest(m.logger, req)

	succeeded, errText := handler()

	LogCommandResponse(m.logger, req, &CommandResponse{
		Succeeded:  succeeded,
		Error:      errText,
		DurationMs: time.Since(start).Milliseconds(),
	})
	return succeeded, errText
}
