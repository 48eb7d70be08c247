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

package shared

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/tombee/dbgrelay/internal/config"
	"github.com/tombee/dbgrelay/internal/log"
	"github.com/tombee/dbgrelay/internal/tracing"
)

// Env is what every command needs: configuration, a logger on stderr and
// the tracer provider. Close releases it.
type Env struct {
	Config *config.Config
	Logger *slog.Logger

	tracer   *tracing.Provider
	closers  []io.Closer
	shutdown []func(context.Context) error
}

// Setup loads configuration and builds logging and tracing from it and the
// global flags. Logs always go to stderr.
func Setup(stderr io.Writer) (*Env, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, NewInvalidInputError("failed to load configuration", err)
	}

	logCfg := &log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    stderr,
		AddSource: cfg.Log.AddSource,
	}
	switch {
	case GetQuiet():
		logCfg.Level = "error"
	case GetVerbose():
		logCfg.Level = "debug"
	}
	if f, ok := stderr.(*os.File); !ok || !IsTerminal(f) {
		logCfg.NoColor = true
	}

	env := &Env{Config: cfg, Logger: log.New(logCfg)}

	traceCfg := tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "dbgrelay",
		ServiceVersion: version,
		Writer:         stderr,
		PrettyPrint:    cfg.Tracing.PrettyPrint,
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Output != "stderr" {
		f, err := os.Create(cfg.Tracing.Output)
		if err != nil {
			return nil, NewInvalidInputError("failed to open trace output", err)
		}
		env.closers = append(env.closers, f)
		traceCfg.Writer = f
	}
	env.tracer, err = tracing.NewProvider(traceCfg)
	if err != nil {
		env.Close(context.Background())
		return nil, NewInvalidInputError("failed to set up tracing", err)
	}
	return env, nil
}

// ServeMetrics exposes /metrics on addr until Close. The listener is bound
// before returning so a bad address fails the command.
func (e *Env) ServeMetrics(addr string) error {
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return NewInvalidInputError(fmt.Sprintf("failed to listen on %s", addr), err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", tracing.MetricsHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Logger.Error("metrics server failed", log.Error(err))
		}
	}()
	e.Logger.Info("serving metrics", "addr", ln.Addr().String())
	e.shutdown = append(e.shutdown, srv.Shutdown)
	return nil
}

// Close flushes spans and stops anything Setup or ServeMetrics started.
func (e *Env) Close(ctx context.Context) error {
	var errs []error
	for _, fn := range e.shutdown {
		errs = append(errs, fn(ctx))
	}
	if e.tracer != nil {
		errs = append(errs, e.tracer.Shutdown(ctx))
	}
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
