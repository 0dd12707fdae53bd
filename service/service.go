// Copyright 2025 The Lingti Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package service manages the lifecycle of a tunnel session: asynchronous start and stop, live traffic and latency
// statistics, the LAN snapshot and the last error.
//
// All methods are safe for concurrent use. Operations that fail record their message, which [Service.LastError]
// returns until the next failure.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ruilisi/lingti-sdk/config"
	"github.com/ruilisi/lingti-sdk/console"
	"github.com/ruilisi/lingti-sdk/dnsflush"
	"github.com/ruilisi/lingti-sdk/internal/logging"
	"github.com/ruilisi/lingti-sdk/latency"
	"github.com/ruilisi/lingti-sdk/traffic"
	"github.com/ruilisi/lingti-sdk/tunnel"
)

// Version is the version of the service core.
const Version = "1.0.0"

// DefaultStopTimeout bounds the session teardown started by [Service.Stop].
const DefaultStopTimeout = 15 * time.Second

// Options configure a [Service].
type Options struct {
	// Engine opens tunnel sessions. Nil selects the platform engine with default options.
	Engine tunnel.Engine
	// PingInterval and PingTimeout tune the latency monitor. Zero values select its defaults.
	PingInterval time.Duration
	PingTimeout  time.Duration
	// StopTimeout bounds session teardown. Zero selects DefaultStopTimeout.
	StopTimeout time.Duration
	// LogWriter, when set, receives the process log at the level of each started config.
	LogWriter io.Writer
	// FlushDNS clears the system DNS cache. Nil selects [dnsflush.Flush].
	FlushDNS func(context.Context) error
}

// Service is the tunnel service. Create it with [New].
type Service struct {
	engine      tunnel.Engine
	stopTimeout time.Duration
	logWriter   io.Writer
	flushDNS    func(context.Context) error

	// counter belongs to the current or last established session.
	counter atomic.Pointer[traffic.Counter]
	monitor *latency.Monitor
	diag    diagnostics

	// phase mirrors state.phase for lock-free reads.
	phase atomic.Int32

	mu      sync.Mutex
	state   Phase
	changed chan struct{}
	cfg     *config.Config
	session tunnel.Session
	cancel  context.CancelFunc
	console console.Config
}

// New creates a stopped service.
func New(opts Options) *Service {
	s := &Service{
		engine:      opts.Engine,
		stopTimeout: opts.StopTimeout,
		logWriter:   opts.LogWriter,
		flushDNS:    opts.FlushDNS,
		monitor:     latency.NewMonitor(opts.PingInterval, opts.PingTimeout),
		changed:     make(chan struct{}),
	}
	s.counter.Store(new(traffic.Counter))
	if s.engine == nil {
		s.engine = tunnel.NewEngine(tunnel.Options{})
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = DefaultStopTimeout
	}
	if s.flushDNS == nil {
		s.flushDNS = dnsflush.Flush
	}
	return s
}

// fail records err and returns it classified.
func (s *Service) fail(err error) error {
	e := classify(err)
	s.diag.record(e)
	return e
}

func stateError(err error) *Error {
	return &Error{Kind: StateError, Err: err}
}

// setPhase must be called with mu held.
func (s *Service) setPhase(p Phase) {
	if s.state == p {
		return
	}
	slog.Debug("service phase changed", "from", s.state, "to", p)
	s.state = p
	s.phase.Store(int32(p))
	close(s.changed)
	s.changed = make(chan struct{})
}

// Phase returns the current lifecycle phase.
func (s *Service) Phase() Phase {
	return Phase(s.phase.Load())
}

// IsRunning reports whether a session is established. It is false while starting or stopping.
func (s *Service) IsRunning() bool {
	return s.Phase() == Running
}

// WaitPhase blocks until the service is in phase want or ctx is done.
func (s *Service) WaitPhase(ctx context.Context, want Phase) error {
	for {
		s.mu.Lock()
		current, changed := s.state, s.changed
		s.mu.Unlock()
		if current == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("service did not reach phase %v, still %v: %w", want, current, ctx.Err())
		}
	}
}

// Start begins a session for cfg. It returns once the service is Starting; the session is set up in the
// background. Poll [Service.IsRunning] or use [Service.WaitPhase] to learn the outcome, and [Service.LastError]
// for the reason of a failed setup.
func (s *Service) Start(cfg *config.Config) error {
	if cfg == nil {
		return s.fail(&Error{Kind: ConfigError, Err: ErrNullConfig})
	}
	s.mu.Lock()
	if s.state != Stopped {
		s.mu.Unlock()
		return s.fail(stateError(ErrAlreadyRunning))
	}
	cfg = cfg.Clone()
	ctx, cancel := context.WithCancel(context.Background())
	s.cfg, s.cancel = cfg, cancel
	s.setPhase(Starting)
	s.mu.Unlock()

	if s.logWriter != nil {
		logging.Setup(s.logWriter, cfg.LogLevel.Slog())
	}
	slog.Info("starting service", "config", cfg)
	go s.setup(ctx, cfg)
	return nil
}

// StartJSON parses jsonText with [config.Parse] and starts a session for it.
func (s *Service) StartJSON(jsonText string) error {
	if s.Phase() != Stopped {
		return s.fail(stateError(ErrAlreadyRunning))
	}
	cfg, err := config.Parse(jsonText)
	if err != nil {
		return s.fail(err)
	}
	return s.Start(cfg)
}

// StartFromFile loads the config at path with [config.LoadFromFile] and starts a session for it. An empty path
// selects [config.DefaultPath].
func (s *Service) StartFromFile(path string) error {
	if s.Phase() != Stopped {
		return s.fail(stateError(ErrAlreadyRunning))
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return s.fail(err)
	}
	return s.Start(cfg)
}

func (s *Service) setup(ctx context.Context, cfg *config.Config) {
	// Each session counts into its own counter, published once the session is up.
	counter := new(traffic.Counter)
	s.monitor.Reset()

	sess, err := s.engine.Open(ctx, cfg, counter)
	if err != nil {
		if ctx.Err() == nil {
			s.fail(err)
			slog.Error("failed to start session", "err", err)
		} else {
			slog.Info("session setup cancelled", "err", err)
		}
		s.mu.Lock()
		s.cancel, s.cfg = nil, nil
		s.setPhase(Stopped)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		// Stopped while setting up.
		s.mu.Unlock()
		s.teardown(sess)
		return
	}
	s.session = sess
	s.counter.Store(counter)
	s.console = sess.Console()
	if err := s.monitor.Run(sess.Targets()); err != nil {
		slog.Warn("ping monitor not started", "err", err)
	}
	s.setPhase(Running)
	s.mu.Unlock()

	slog.Info("service running", "lan", sess.Console())
	go s.watch(sess)
}

// watch tears the service down when the session ends on its own.
func (s *Service) watch(sess tunnel.Session) {
	<-sess.Done()
	s.mu.Lock()
	if s.state != Running || s.session != sess {
		s.mu.Unlock()
		return
	}
	s.setPhase(Stopping)
	s.cancel()
	s.mu.Unlock()

	reason := sess.Err()
	if reason == nil {
		reason = errors.New("session ended")
	}
	s.fail(fmt.Errorf("session lost: %w", reason))
	slog.Error("session lost", "err", reason)
	s.teardown(sess)
}

// Stop ends the session. It returns once the service is Stopping; teardown continues in the background and the
// service reaches Stopped without further calls. Stopping a service that is already stopping succeeds.
func (s *Service) Stop() error {
	if err := s.stop(); err != nil {
		return s.fail(err)
	}
	return nil
}

// stop is Stop without recording the failure.
func (s *Service) stop() error {
	s.mu.Lock()
	switch s.state {
	case Stopped:
		s.mu.Unlock()
		return stateError(ErrNotRunning)
	case Stopping:
		s.mu.Unlock()
		return nil
	case Starting:
		// The setup goroutine sees the cancellation and finishes the transition.
		s.cancel()
		s.setPhase(Stopping)
		s.mu.Unlock()
		slog.Info("stopping service during setup")
		return nil
	}
	sess := s.session
	s.cancel()
	s.setPhase(Stopping)
	s.mu.Unlock()

	slog.Info("stopping service")
	go s.teardown(sess)
	return nil
}

// teardown closes sess and moves the service to Stopped. Failures are recorded, never returned.
func (s *Service) teardown(sess tunnel.Session) {
	if err := s.monitor.Stop(); err != nil && !errors.Is(err, latency.ErrNotRunning) {
		slog.Warn("failed to stop ping monitor", "err", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		s.fail(fmt.Errorf("session teardown incomplete: %w", err))
		slog.Warn("session teardown incomplete", "err", err)
	}

	s.mu.Lock()
	s.session, s.cancel, s.cfg = nil, nil, nil
	s.setPhase(Stopped)
	s.mu.Unlock()
	slog.Info("service stopped")
}

// Close stops the service and waits up to the stop timeout for it to reach Stopped. It is meant to run at process
// exit. Closing a stopped service succeeds and leaves the last error untouched.
func (s *Service) Close() error {
	if err := s.stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return s.fail(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout+time.Second)
	defer cancel()
	if err := s.WaitPhase(ctx, Stopped); err != nil {
		return s.fail(&Error{Kind: Timeout, Err: err})
	}
	return nil
}

// Config returns a copy of the config of the current session, or nil when stopped.
func (s *Service) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// Traffic returns the traffic counters of the current or last session.
func (s *Service) Traffic() traffic.Stats {
	return s.counter.Load().Snapshot()
}

// LastPing returns the last latency sample. Hops without a successful probe report [latency.Unavailable].
func (s *Service) LastPing() latency.Sample {
	return s.monitor.Last()
}

// Console returns the LAN snapshot captured by the last successful start. All fields are nil before that.
func (s *Service) Console() console.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.console
}

// LastError returns the message of the most recent failure, or [NoError].
func (s *Service) LastError() string {
	return s.diag.last()
}

// RunPingMonitor starts probing the hops of the running session.
func (s *Service) RunPingMonitor() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running || s.session == nil {
		return s.fail(stateError(ErrInvalidTarget))
	}
	if err := s.monitor.Run(s.session.Targets()); err != nil {
		return s.fail(stateError(err))
	}
	return nil
}

// StopPingMonitor stops the ping monitor. The last sample is kept.
func (s *Service) StopPingMonitor() error {
	if err := s.monitor.Stop(); err != nil {
		return s.fail(stateError(err))
	}
	return nil
}

// FlushDNS clears the system DNS cache.
func (s *Service) FlushDNS(ctx context.Context) error {
	if err := s.flushDNS(ctx); err != nil {
		return s.fail(&Error{Kind: PlatformError, Err: err})
	}
	return nil
}
