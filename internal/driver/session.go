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

// Package driver runs a debugger as a child process and talks to the relay
// inside it: commands go to stdin as "runcommand <cmd>" lines and each
// result is read back from stdout up to its completion sentinel.
package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/tombee/dbgrelay/internal/log"
	"github.com/tombee/dbgrelay/internal/protocol"
	relayerrors "github.com/tombee/dbgrelay/pkg/errors"
)

const (
	// DefaultCommandPrefix routes a line through the relay.
	DefaultCommandPrefix = "runcommand "

	defaultCommandTimeout = 60 * time.Second
	defaultStartTimeout   = 30 * time.Second
	defaultQuitTimeout    = 10 * time.Second

	stderrTailLines = 50
)

var (
	// ErrCommandOutstanding is returned when a command is sent while another
	// is still waiting for its sentinel.
	ErrCommandOutstanding = errors.New("a command is already outstanding")

	// ErrDebuggerExited is returned when the debugger process is gone.
	ErrDebuggerExited = errors.New("debugger exited")

	// ErrSessionLocked is returned when another session holds the lock file.
	ErrSessionLocked = errors.New("another debugger session is running")

	// ErrSessionBroken is returned after a timeout left a response unread.
	ErrSessionBroken = errors.New("session is out of sync after a timeout")
)

var reVersionCore = regexp.MustCompile(`\d+\.\d+\.\d+`)

// Config describes how to start the debugger.
type Config struct {
	// Path is the debugger executable.
	Path string

	// Args are passed before the init commands.
	Args []string

	// InitCommands are passed as "-o <cmd>" and must load the relay.
	InitCommands []string

	// Env is appended to the current environment.
	Env []string

	CommandTimeout time.Duration
	StartTimeout   time.Duration

	// LockFile, when set, serializes sessions across processes.
	LockFile string

	// MinVersion, when set, is checked against the "version" command.
	MinVersion string

	// CommandPrefix defaults to DefaultCommandPrefix.
	CommandPrefix string
}

func (c *Config) applyDefaults() {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = DefaultCommandPrefix
	}
}

func (c *Config) argv() []string {
	args := append([]string(nil), c.Args...)
	for _, cmd := range c.InitCommands {
		args = append(args, "-o", cmd)
	}
	return args
}

// Result is one relayed command's outcome.
type Result struct {
	Command   string
	Output    string
	Succeeded bool
	Duration  time.Duration
}

type response struct {
	resp *protocol.Response
	err  error
}

// Session is a running debugger with the relay loaded.
type Session struct {
	id     string
	cfg    Config
	logger *slog.Logger

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	responses chan response
	closing   chan struct{}
	exited    chan struct{}
	exitErr   error
	pumps     conc.WaitGroup
	lock      *flock.Flock

	busy   sync.Mutex
	mu     sync.Mutex
	broken bool
	stderr []string

	closeOnce sync.Once
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

// Start launches the debugger, waits for the relay's ready sentinel and
// checks the minimum version when configured.
func Start(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	cfg.applyDefaults()
	if cfg.Path == "" {
		return nil, &relayerrors.ConfigError{Key: "debugger.path", Reason: "debugger path is required"}
	}

	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		logger:    log.Discard(),
		responses: make(chan response, 1),
		closing:   make(chan struct{}),
		exited:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.WithSession(log.WithComponent(s.logger, "driver"), s.id)

	if cfg.LockFile != "" {
		lock := flock.New(cfg.LockFile)
		ok, err := lock.TryLock()
		if err != nil {
			return nil, relayerrors.Wrapf(err, "failed to lock %s", cfg.LockFile)
		}
		if !ok {
			_ = lock.Close()
			return nil, fmt.Errorf("%w: %s is held", ErrSessionLocked, cfg.LockFile)
		}
		s.lock = lock
	}

	if err := s.start(); err != nil {
		s.unlock()
		return nil, err
	}
	sessionsStarted.Inc()

	resp, err := s.await(ctx, "start", cfg.StartTimeout)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("waiting for relay: %w", err)
	}
	if !resp.Succeeded {
		s.Close()
		return nil, &relayerrors.InitError{Component: "relay", Cause: errors.New(strings.TrimSpace(resp.Output))}
	}
	s.logger.Debug("relay ready", "path", cfg.Path, "pid", s.cmd.Process.Pid)

	if cfg.MinVersion != "" {
		if err := s.checkVersion(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) start() error {
	cmd := exec.Command(s.cfg.Path, s.cfg.argv()...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return &relayerrors.InitError{Component: "debugger " + s.cfg.Path, Cause: err}
	}

	s.cmd = cmd
	s.stdin = stdin

	s.pumps.Go(func() { s.pumpStdout(stdout) })
	s.pumps.Go(func() { s.pumpStderr(stderr) })
	go func() {
		s.pumps.Wait()
		s.exitErr = cmd.Wait()
		close(s.exited)
	}()
	return nil
}

// pumpStdout frames stdout into responses until the stream closes. The
// final response is the stream-closed error.
func (s *Session) pumpStdout(r io.Reader) {
	sc := protocol.NewScanner(r)
	sc.OnLine = func(line string) {
		log.Trace(s.logger, "stdout", log.String("line", line))
	}
	for {
		resp, err := sc.Next()
		select {
		case s.responses <- response{resp: resp, err: err}:
		case <-s.closing:
			_, _ = io.Copy(io.Discard, r)
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) pumpStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		s.logger.Debug("debugger stderr", "line", line)
		s.mu.Lock()
		s.stderr = append(s.stderr, line)
		if len(s.stderr) > stderrTailLines {
			s.stderr = s.stderr[len(s.stderr)-stderrTailLines:]
		}
		s.mu.Unlock()
	}
}

// await reads the next response within timeout.
func (s *Session) await(ctx context.Context, op string, timeout time.Duration) (*protocol.Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-s.responses:
		if r.err != nil {
			var perr *relayerrors.ProtocolError
			if errors.Is(r.err, protocol.ErrStreamClosed) && errors.As(r.err, &perr) {
				// Let the stderr pump finish so the tail is complete.
				select {
				case <-s.exited:
				case <-time.After(time.Second):
				}
				return nil, &relayerrors.ProtocolError{
					Reason:  "debugger exited during " + op,
					Partial: perr.Partial + s.StderrTail(),
					Cause:   ErrDebuggerExited,
				}
			}
			return nil, r.err
		}
		return r.resp, nil
	case <-timer.C:
		s.markBroken()
		return nil, &relayerrors.TimeoutError{Operation: op, Duration: timeout}
	case <-ctx.Done():
		s.markBroken()
		return nil, ctx.Err()
	}
}

func (s *Session) markBroken() {
	s.mu.Lock()
	s.broken = true
	s.mu.Unlock()
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// PID returns the debugger's process id.
func (s *Session) PID() int { return s.cmd.Process.Pid }

// StderrTail returns the last lines the debugger wrote to stderr.
func (s *Session) StderrTail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stderr) == 0 {
		return ""
	}
	return strings.Join(s.stderr, "\n") + "\n"
}

// Execute sends command through the relay and waits for its sentinel. Only
// one command may be outstanding at a time.
func (s *Session) Execute(ctx context.Context, command string) (Result, error) {
	if !s.busy.TryLock() {
		return Result{}, ErrCommandOutstanding
	}
	defer s.busy.Unlock()

	s.mu.Lock()
	broken := s.broken
	s.mu.Unlock()
	if broken {
		return Result{}, ErrSessionBroken
	}

	select {
	case <-s.exited:
		return Result{}, ErrDebuggerExited
	default:
	}

	start := time.Now()
	line := s.cfg.CommandPrefix + escapeCommand(command)
	s.logger.Debug("sending command", log.CommandKey, command)
	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDebuggerExited, err)
	}

	resp, err := s.await(ctx, "command "+command, s.cfg.CommandTimeout)
	if err != nil {
		recordCommand("error")
		return Result{Command: command}, err
	}

	res := Result{
		Command:   command,
		Output:    resp.Output,
		Succeeded: resp.Succeeded,
		Duration:  time.Since(start),
	}
	if res.Succeeded {
		recordCommand("success")
	} else {
		recordCommand("failure")
	}
	return res, nil
}

// escapeCommand keeps lldb from treating backquotes as expressions.
func escapeCommand(command string) string {
	return strings.ReplaceAll(command, "`", "'`")
}

func (s *Session) checkVersion(ctx context.Context) error {
	want, err := semver.New(strings.TrimPrefix(s.cfg.MinVersion, "v"))
	if err != nil {
		return &relayerrors.ConfigError{Key: "debugger.min_version", Reason: err.Error(), Cause: err}
	}

	res, err := s.Execute(ctx, "version")
	if err != nil {
		return fmt.Errorf("version check: %w", err)
	}
	got, err := ParseVersion(res.Output)
	if err != nil {
		return err
	}
	if got.LT(*want) {
		return &relayerrors.ValidationError{
			Field:   "debugger.version",
			Message: fmt.Sprintf("debugger version %s is older than required %s", got, want),
		}
	}
	s.logger.Debug("debugger version", "version", got.String())
	return nil
}

// ParseVersion extracts the first major.minor.patch from version output.
func ParseVersion(output string) (*semver.Version, error) {
	core := reVersionCore.FindString(output)
	if core == "" {
		return nil, fmt.Errorf("couldn't parse version string %q", strings.TrimSpace(output))
	}
	v, err := semver.New(core)
	if err != nil {
		return nil, fmt.Errorf("couldn't parse version string %q: %v", core, err)
	}
	return v, nil
}

// Quit asks the debugger to exit and waits for it. The process is killed
// if it is still running after the timeout.
func (s *Session) Quit(ctx context.Context) error {
	select {
	case <-s.exited:
		return nil
	default:
	}

	_, _ = io.WriteString(s.stdin, "quit\n")
	_ = s.stdin.Close()

	timer := time.NewTimer(defaultQuitTimeout)
	defer timer.Stop()

	select {
	case <-s.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	s.kill()
	return errors.New("debugger did not exit after quit")
}

// Done is closed when the debugger process has exited.
func (s *Session) Done() <-chan struct{} { return s.exited }

// ExitErr returns the process exit error once Done is closed.
func (s *Session) ExitErr() error {
	<-s.exited
	return s.exitErr
}

// Close kills the debugger if it is still running and releases the lock.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		if s.cmd != nil {
			select {
			case <-s.exited:
			default:
				_ = s.stdin.Close()
				s.kill()
			}
			<-s.exited
		}
		s.unlock()
	})
	return nil
}

func (s *Session) kill() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

func (s *Session) unlock() {
	if s.lock != nil {
		_ = s.lock.Close()
		s.lock = nil
	}
}
