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

// Package dnsflush clears the operating system's DNS resolver cache.
package dnsflush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrUnsupported is returned by [Flush] on platforms without a known flush mechanism.
var ErrUnsupported = errors.New("DNS cache flush is not supported on this platform")

// Flush clears the system DNS cache.
func Flush(ctx context.Context) error {
	return flush(ctx, execCommand)
}

type command []string

func (c command) String() string {
	return strings.Join(c, " ")
}

// runner executes a command. It is replaced in tests.
type runner func(ctx context.Context, name string, arg ...string) error

// runFirst runs the candidates in order and stops at the first one that succeeds.
func runFirst(ctx context.Context, run runner, candidates []command) error {
	var errs error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := run(ctx, c[0], c[1:]...)
		if err == nil {
			slog.Debug("DNS cache flushed", "cmd", c)
			return nil
		}
		errs = errors.Join(errs, fmt.Errorf("%v: %w", c, err))
	}
	return fmt.Errorf("failed to flush DNS cache: %w", errs)
}

// runAll runs every command in order and fails on the first error.
func runAll(ctx context.Context, run runner, cmds []command) error {
	for _, c := range cmds {
		if err := run(ctx, c[0], c[1:]...); err != nil {
			return fmt.Errorf("failed to flush DNS cache: %v: %w", c, err)
		}
	}
	return nil
}

func execCommand(ctx context.Context, name string, arg ...string) error {
	out, err := exec.CommandContext(ctx, name, arg...).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
