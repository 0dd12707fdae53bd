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

// Package latency samples round-trip times to the three hops of a tunnel: the local router, the entry
// ("takeoff") server and the exit ("landing") server.
package latency

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Unavailable is the value reported for a hop whose probe failed or was never run.
const Unavailable int64 = -1

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 2 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("ping monitor is already running")
	ErrNotRunning     = errors.New("ping monitor is not running")
)

// Sample holds the round-trip times of one probe cycle, in milliseconds.
type Sample struct {
	RouterMs  int64
	TakeoffMs int64
	LandingMs int64
}

// NoSample is the value of [Monitor.Last] before any cycle completes.
var NoSample = Sample{RouterMs: Unavailable, TakeoffMs: Unavailable, LandingMs: Unavailable}

// Prober measures the round-trip time to a single hop.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// ProberFunc is a [Prober] implemented by a function.
type ProberFunc func(ctx context.Context) (time.Duration, error)

func (f ProberFunc) Probe(ctx context.Context) (time.Duration, error) {
	return f(ctx)
}

// Targets are the probers for the three hops. A nil prober always reports [Unavailable].
type Targets struct {
	Router  Prober
	Takeoff Prober
	Landing Prober
}

// Monitor runs a periodic probe task and keeps the latest [Sample]. At most one task runs at a time.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration

	last atomic.Pointer[Sample]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a stopped monitor. Non-positive values select [DefaultInterval] and [DefaultTimeout].
func NewMonitor(interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &Monitor{interval: interval, timeout: timeout}
	m.Reset()
	return m
}

// Last returns the most recently published sample, or [NoSample].
func (m *Monitor) Last() Sample {
	return *m.last.Load()
}

// Reset forgets the last sample.
func (m *Monitor) Reset() {
	s := NoSample
	m.last.Store(&s)
}

// Running reports whether a probe task is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Run starts probing targets in the background. The first cycle starts immediately.
func (m *Monitor) Run(targets Targets) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	go func() {
		defer close(done)
		m.loop(ctx, targets)
	}()
	slog.Debug("ping monitor started", "interval", m.interval)
	return nil
}

// Stop cancels the probe task and waits for the in-flight cycle to finish. No sample is published once Stop
// returns.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}
	cancel()
	<-done
	slog.Debug("ping monitor stopped")
	return nil
}

func (m *Monitor) loop(ctx context.Context, targets Targets) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		sample := m.cycle(ctx, targets)
		if ctx.Err() != nil {
			return
		}
		m.last.Store(&sample)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle probes the three hops in parallel.
func (m *Monitor) cycle(ctx context.Context, targets Targets) Sample {
	var wg sync.WaitGroup
	var sample Sample
	probe := func(name string, p Prober, out *int64) {
		defer wg.Done()
		*out = m.probe(ctx, name, p)
	}
	wg.Add(3)
	go probe("router", targets.Router, &sample.RouterMs)
	go probe("takeoff", targets.Takeoff, &sample.TakeoffMs)
	go probe("landing", targets.Landing, &sample.LandingMs)
	wg.Wait()
	return sample
}

func (m *Monitor) probe(ctx context.Context, hop string, p Prober) int64 {
	if p == nil {
		return Unavailable
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	rtt, err := p.Probe(ctx)
	if err != nil {
		slog.Debug("probe failed", "hop", hop, "err", err)
		return Unavailable
	}
	return rtt.Milliseconds()
}
