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

package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ruilisi/lingti-sdk/config"
	"github.com/ruilisi/lingti-sdk/console"
	"github.com/ruilisi/lingti-sdk/latency"
	"github.com/ruilisi/lingti-sdk/traffic"
	"github.com/ruilisi/lingti-sdk/tunnel"
	"github.com/stretchr/testify/require"
)

const exampleConfig = `{"Mode":"tun_switch","Server":"a.example:443","Token":"t","GameExes":["g.exe"],"GameID":"G1"}`

type fakeSession struct {
	console  console.Config
	targets  latency.Targets
	done     chan struct{}
	doneOnce sync.Once
	err      error
	closeErr error
	closed   chan struct{}
}

func newFakeSession() *fakeSession {
	gw := "192.168.1.1"
	return &fakeSession{
		console: console.Config{Gateway: &gw},
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (f *fakeSession) Console() console.Config  { return f.console }
func (f *fakeSession) Targets() latency.Targets { return f.targets }
func (f *fakeSession) Done() <-chan struct{}    { return f.done }
func (f *fakeSession) Err() error               { return f.err }

func (f *fakeSession) lose(err error) {
	f.err = err
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeSession) Close(context.Context) error {
	f.doneOnce.Do(func() { close(f.done) })
	close(f.closed)
	return f.closeErr
}

type fakeEngine struct {
	// gate, when set, blocks Open until it is closed or the context is done.
	gate    chan struct{}
	openErr error
	next    func() *fakeSession

	mu       sync.Mutex
	counters []*traffic.Counter
	sessions []*fakeSession
}

func (e *fakeEngine) Open(ctx context.Context, _ *config.Config, counter *traffic.Counter) (tunnel.Session, error) {
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.openErr != nil {
		return nil, e.openErr
	}
	sess := newFakeSession()
	if e.next != nil {
		sess = e.next()
	}
	e.mu.Lock()
	e.counters = append(e.counters, counter)
	e.sessions = append(e.sessions, sess)
	e.mu.Unlock()
	return sess, nil
}

func (e *fakeEngine) session(i int) *fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[i]
}

func newTestService(engine tunnel.Engine) *Service {
	return New(Options{Engine: engine, PingInterval: 10 * time.Millisecond, PingTimeout: 50 * time.Millisecond, StopTimeout: time.Second})
}

func waitPhase(t *testing.T, s *Service, p Phase) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitPhase(ctx, p))
}

func TestService_EndToEnd(t *testing.T) {
	s := newTestService(&fakeEngine{})
	require.Equal(t, Stopped, s.Phase())

	require.NoError(t, s.StartJSON(exampleConfig))
	waitPhase(t, s, Running)
	require.True(t, s.IsRunning())
	require.Equal(t, traffic.Stats{}, s.Traffic())
	require.Equal(t, "G1", s.Config().GameID)

	require.NoError(t, s.Stop())
	waitPhase(t, s, Stopped)
	require.False(t, s.IsRunning())
	require.Nil(t, s.Config())
}

func TestService_StartIsAsynchronous(t *testing.T) {
	engine := &fakeEngine{gate: make(chan struct{})}
	s := newTestService(engine)

	require.NoError(t, s.StartJSON(exampleConfig))
	require.Equal(t, Starting, s.Phase())
	require.False(t, s.IsRunning())

	close(engine.gate)
	waitPhase(t, s, Running)
}

func TestService_MalformedConfig(t *testing.T) {
	for name, text := range map[string]string{
		"missing server": `{"Mode":"tun_switch","Token":"t","GameExes":["g.exe"]}`,
		"missing token":  `{"Mode":"tun_switch","Server":"a.example:443","GameExes":["g.exe"]}`,
		"unknown mode":   `{"Mode":"tun_magic","Server":"a.example:443","Token":"t","GameExes":["g.exe"]}`,
		"not json":       `{"Mode":`,
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestService(&fakeEngine{})
			err := s.StartJSON(text)
			require.Error(t, err)
			require.Equal(t, ConfigError, KindOf(err))
			var parseErr *config.ParseError
			require.ErrorAs(t, err, &parseErr)
			require.Equal(t, Stopped, s.Phase())
			require.Equal(t, err.Error(), s.LastError())
		})
	}
}

func TestService_NullConfig(t *testing.T) {
	s := newTestService(&fakeEngine{})
	err := s.Start(nil)
	require.ErrorIs(t, err, ErrNullConfig)
	require.Equal(t, Stopped, s.Phase())
}

func TestService_StartTwice(t *testing.T) {
	engine := &fakeEngine{gate: make(chan struct{})}
	s := newTestService(engine)
	require.NoError(t, s.StartJSON(exampleConfig))

	other := `{"Mode":"tun_global","Server":"b.example:443","Token":"u"}`
	err := s.StartJSON(other)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Equal(t, StateError, KindOf(err))
	require.Equal(t, Starting, s.Phase())
	require.Equal(t, "a.example:443", s.Config().Server)

	close(engine.gate)
	waitPhase(t, s, Running)
	require.ErrorIs(t, s.StartJSON(exampleConfig), ErrAlreadyRunning)
	require.Equal(t, Running, s.Phase())
	require.Len(t, engine.sessions, 1)
}

func TestService_StopWhenStopped(t *testing.T) {
	s := newTestService(&fakeEngine{})
	err := s.Stop()
	require.ErrorIs(t, err, ErrNotRunning)
	require.Equal(t, StateError, KindOf(err))
	require.Equal(t, "service is not running", s.LastError())
}

func TestService_StopWhileStopping(t *testing.T) {
	sess := newFakeSession()
	block := make(chan struct{})
	engine := &fakeEngine{next: func() *fakeSession { return sess }}
	s := newTestService(engine)
	require.NoError(t, s.StartJSON(exampleConfig))
	waitPhase(t, s, Running)

	// Keep teardown in progress.
	s.monitor.Stop()
	require.NoError(t, s.monitor.Run(latency.Targets{Router: latency.ProberFunc(func(ctx context.Context) (time.Duration, error) {
		<-block
		return 0, nil
	})}))
	require.NoError(t, s.Stop())
	require.Equal(t, Stopping, s.Phase())
	require.NoError(t, s.Stop())
	close(block)
	waitPhase(t, s, Stopped)
}

func TestService_CountersResetOnStart(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(engine)

	require.NoError(t, s.StartJSON(exampleConfig))
	waitPhase(t, s, Running)
	engine.counters[0].AddTx(100, 1)
	engine.counters[0].AddRx(300, 2)
	require.Equal(t, traffic.Stats{TxBytes: 100, RxBytes: 300, TxPackets: 1, RxPackets: 2}, s.Traffic())

	require.NoError(t, s.Stop())
	waitPhase(t, s, Stopped)
	// Last values stay readable after stop.
	require.Equal(t, uint64(100), s.Traffic().TxBytes)

	require.NoError(t, s.StartJSON(exampleConfig))
	waitPhase(t, s, Running)
	require.Equal(t, traffic.Stats{}, s.Traffic())
}

func TestService_FailedStartKeepsLastTraffic(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(engine)

	require.NoError(t, s.StartJSON(exampleConfig))
	waitPhase(t, s, Running)
	engine.counters[0].AddTx(100, 1)
	require.NoError(t, s.Stop())
	waitPhase(t, s, Stopped)

	engine.openErr = &tunnel.Error{Op: tunnel.OpHandshake, Err: tunnel.ErrTokenRejected}
	require.NoError(t, s.StartJSON(exampleConfig))
	waitPhase(t, s, Stopped)
	require.Equal(t, traffic.Stats{TxBytes: 100, TxPackets: 1}, s.Traffic())
}

func TestService_AbandonedSessionDoesNotCountIntoNext(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(engine)

	require.NoError(t, s.StartJSON(exampleConfig))
	waitPhase(t, s, Running)
	require.NoError(t, s.Stop())
	waitPhase(t, s, Stopped)

	require.NoError(t, s.StartJSON(exampleConfig))
	waitPhase(t, s, Running)
	// Late writes from the first session's forwarding goroutines.
	engine.counters[0].AddTx(500, 5)
	engine.counters[1].AddRx(40, 1)
	require.Equal(t, traffic.Stats{RxBytes: 40, RxPackets: 1}, s.Traffic())
	require.NoError(t, s.Close())
}

func TestService_SetupFailure(t *testing.T) {
	openErr := &tunnel.Error{Op: tunnel.OpHandshake, Err: tunnel.ErrTokenRejected}
	s := newTestService(&fakeEngine{openErr: openErr})

	require.NoError(t, s.StartJSON(exampleConfig))
	waitPhase(t, s, Stopped)
	require.Equal(t, openErr.Error(), s.LastError())
	require.Nil(t, s.Config())
	require.ErrorIs(t, s.Stop(), ErrNotRunning)
}

func TestService_StopDuringSetup(t *testing.T) {
	engine := &fakeEngine{gate: make(chan struct{})}
	s := newTestService(engine)
	require.NoError(t, s.StartJSON(exampleConfig))

	require.NoError(t, s.Stop())
	require.Equal(t, Stopping, s.Phase())
	waitPhase(t, s, Stopped)
	require.Equal(t, NoError, s.LastError())
	require.Empty(t, engine.sessions)
}

func TestService_SessionLost(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(engine)
	require.NoError(t, s.StartJSON(exampleConfig))
	waitPhase(t, s, Running)

	sess := engine.session(0)
	sess.lose(fmt.Errorf("%w: EOF", tunnel.ErrControlLost))
	waitPhase(t, s, Stopped)
	<-sess.closed
	require.Contains(t, s.LastError(), "session lost")
	require.Contains(t, s.LastError(), "relay control channel lost")
}

func TestService_TeardownFailureStillStops(t *testing.T) {
	sess := newFakeSession()
	sess.closeErr = fmt.Errorf("clean up routing table: %w", tunnel.ErrStepTimeout)
	s := newTestService(&fakeEngine{next: func() *fakeSession { return sess }})
	require.NoError(t, s.StartJSON(exampleConfig))
	waitPhase(t, s, Running)

	require.NoError(t, s.Stop())
	waitPhase(t, s, Stopped)
	require.Contains(t, s.LastError(), "teardown step timed out")
}

func TestService_LastErrorSurvivesSuccess(t *testing.T) {
	s := newTestService(&fakeEngine{})
	require.Equal(t, NoError, s.LastError())

	require.Error(t, s.Stop())
	msg := s.LastError()
	require.NotEqual(t, NoError, msg)

	require.NoError(t, s.StartJSON(exampleConfig))
	waitPhase(t, s, Running)
	require.Equal(t, msg, s.LastError())
}

func TestService_Console(t *testing.T) {
	s := newTestService(&fakeEngine{})
	require.Equal(t, console.Config{}, s.Console())

	require.NoError(t, s.StartJSON(exampleConfig))
	waitPhase(t, s, Running)
	require.NotNil(t, s.Console().Gateway)
	require.Equal(t, "192.168.1.1", *s.Console().Gateway)
	require.Nil(t, s.Console().DNS)
}

func TestService_PingMonitor(t *testing.T) {
	fixed := func(d time.Duration) latency.Prober {
		return latency.ProberFunc(func(context.Context) (time.Duration, error) { return d, nil })
	}
	failing := latency.ProberFunc(func(context.Context) (time.Duration, error) { return 0, errors.New("timeout") })
	engine := &fakeEngine{next: func() *fakeSession {
		sess := newFakeSession()
		sess.targets = latency.Targets{Router: fixed(2 * time.Millisecond), Takeoff: failing, Landing: fixed(30 * time.Millisecond)}
		return sess
	}}
	s := newTestService(engine)
	require.Equal(t, latency.NoSample, s.LastPing())
	require.ErrorIs(t, s.RunPingMonitor(), ErrInvalidTarget)

	require.NoError(t, s.StartJSON(exampleConfig))
	waitPhase(t, s, Running)
	require.Eventually(t, func() bool {
		return s.LastPing() == latency.Sample{RouterMs: 2, TakeoffMs: latency.Unavailable, LandingMs: 30}
	}, 2*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, s.RunPingMonitor(), latency.ErrAlreadyRunning)
	require.NoError(t, s.StopPingMonitor())
	require.ErrorIs(t, s.StopPingMonitor(), latency.ErrNotRunning)
	require.NoError(t, s.RunPingMonitor())
	require.ErrorIs(t, s.RunPingMonitor(), latency.ErrAlreadyRunning)
}

func TestService_StartFromFile(t *testing.T) {
	s := newTestService(&fakeEngine{})
	err := s.StartFromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Equal(t, IOError, KindOf(err))
	var loadErr *config.LoadError
	require.ErrorAs(t, err, &loadErr)

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(exampleConfig), 0o600))
	require.NoError(t, s.StartFromFile(path))
	waitPhase(t, s, Running)
}

func TestService_FlushDNS(t *testing.T) {
	s := New(Options{Engine: &fakeEngine{}, FlushDNS: func(context.Context) error { return errors.New("resolvectl: not found") }})
	err := s.FlushDNS(context.Background())
	require.Equal(t, PlatformError, KindOf(err))
	require.Equal(t, "resolvectl: not found", s.LastError())

	s = New(Options{Engine: &fakeEngine{}, FlushDNS: func(context.Context) error { return nil }})
	require.NoError(t, s.FlushDNS(context.Background()))
}

func TestService_Close(t *testing.T) {
	s := newTestService(&fakeEngine{})
	require.NoError(t, s.Close())
	require.Equal(t, NoError, s.LastError())

	require.NoError(t, s.StartJSON(exampleConfig))
	waitPhase(t, s, Running)
	require.NoError(t, s.Close())
	require.Equal(t, Stopped, s.Phase())
}

func TestService_CloseKeepsLastError(t *testing.T) {
	s := New(Options{Engine: &fakeEngine{}, FlushDNS: func(context.Context) error { return errors.New("flush failed") }})
	require.Error(t, s.FlushDNS(context.Background()))

	require.NoError(t, s.Close())
	require.Equal(t, "flush failed", s.LastError())
}

func TestService_WaitPhaseTimeout(t *testing.T) {
	s := newTestService(&fakeEngine{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.WaitPhase(ctx, Running), context.DeadlineExceeded)
}

func TestClassify(t *testing.T) {
	require.Equal(t, NetworkError, classify(&tunnel.Error{Op: tunnel.OpRelay, Err: errors.New("x")}).Kind)
	require.Equal(t, IOError, classify(&tunnel.Error{Op: tunnel.OpAdapter, Err: errors.New("x")}).Kind)
	require.Equal(t, PlatformError, classify(&tunnel.Error{Op: tunnel.OpRouting, Err: errors.New("x")}).Kind)
	require.Equal(t, Timeout, classify(fmt.Errorf("step: %w", tunnel.ErrStepTimeout)).Kind)
	require.Equal(t, StateError, classify(stateError(ErrNotRunning)).Kind)
	require.Equal(t, "network error", NetworkError.String())
}
