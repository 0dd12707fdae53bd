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

package tunnel

import (
	"context"
	"sync"

	"github.com/ruilisi/lingti-sdk/console"
	"github.com/ruilisi/lingti-sdk/latency"
)

type session struct {
	console console.Config
	targets latency.Targets

	// cancel stops the background workers of the session.
	cancel context.CancelFunc
	undo   *teardown

	done     chan struct{}
	doneOnce sync.Once

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	closeErr  error
}

var _ Session = (*session)(nil)

func newSession(cancel context.CancelFunc, undo *teardown) *session {
	return &session{cancel: cancel, undo: undo, done: make(chan struct{})}
}

func (s *session) Console() console.Config  { return s.console }
func (s *session) Targets() latency.Targets { return s.targets }
func (s *session) Done() <-chan struct{}    { return s.done }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail ends the session with err. Only the first failure is kept.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.undo.run(ctx)
		s.doneOnce.Do(func() { close(s.done) })
	})
	return s.closeErr
}
