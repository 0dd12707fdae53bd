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
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// step is one unit of teardown.
type step struct {
	name string
	fn   func() error
}

// teardown collects the undo steps of a setup sequence. Steps run in reverse order of registration.
type teardown struct {
	steps   []step
	timeout time.Duration
}

func (t *teardown) push(name string, fn func() error) {
	t.steps = append(t.steps, step{name: name, fn: fn})
}

// run executes every step, newest first. A step that does not finish within the timeout, or before ctx is done, is
// abandoned and reported as [ErrStepTimeout]; its goroutine keeps running in the background. The remaining steps
// still run.
func (t *teardown) run(ctx context.Context) error {
	var errs error
	for i := len(t.steps) - 1; i >= 0; i-- {
		if err := runStep(ctx, t.steps[i], t.timeout); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	t.steps = nil
	return errs
}

func runStep(ctx context.Context, s step, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- s.fn()
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return stepResult(s, err)
	case <-timer.C:
	case <-ctx.Done():
	}
	select {
	case err := <-done:
		return stepResult(s, err)
	default:
	}
	slog.Warn("teardown step abandoned", "step", s.name, "timeout", timeout)
	return fmt.Errorf("%s: %w", s.name, ErrStepTimeout)
}

func stepResult(s step, err error) error {
	if err != nil {
		slog.Warn("teardown step failed", "step", s.name, "err", err)
		return fmt.Errorf("%s: %w", s.name, err)
	}
	slog.Debug("teardown step done", "step", s.name)
	return nil
}
