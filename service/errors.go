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
	"sync"

	"github.com/ruilisi/lingti-sdk/config"
	"github.com/ruilisi/lingti-sdk/tunnel"
)

// NoError is the diagnostic message before any operation has failed.
const NoError = "No error"

var (
	ErrNullConfig     = errors.New("config is null")
	ErrAlreadyRunning = errors.New("service is already running")
	ErrNotRunning     = errors.New("service is not running")
	// ErrInvalidTarget is returned when the ping monitor is requested without a running session to probe.
	ErrInvalidTarget = errors.New("no ping target: service is not running")
)

// Kind classifies failures.
type Kind int

const (
	ConfigError Kind = iota + 1
	StateError
	IOError
	NetworkError
	PlatformError
	Timeout
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "config error"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error"
	case NetworkError:
		return "network error"
	case PlatformError:
		return "platform error"
	case Timeout:
		return "timeout"
	default:
		return "unknown error"
	}
}

// Error is the error type returned by [Service] operations. Its message is suitable for display.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or 0 if err is not an [*Error].
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// classify wraps err with the kind that matches its origin.
func classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var loadErr *config.LoadError
	var parseErr *config.ParseError
	var tunnelErr *tunnel.Error
	switch {
	case errors.As(err, &loadErr):
		return &Error{Kind: IOError, Err: err}
	case errors.As(err, &parseErr):
		return &Error{Kind: ConfigError, Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, tunnel.ErrStepTimeout):
		return &Error{Kind: Timeout, Err: err}
	case errors.As(err, &tunnelErr):
		switch tunnelErr.Op {
		case tunnel.OpHandshake, tunnel.OpRelay:
			return &Error{Kind: NetworkError, Err: err}
		case tunnel.OpAdapter:
			return &Error{Kind: IOError, Err: err}
		default:
			return &Error{Kind: PlatformError, Err: err}
		}
	case errors.Is(err, tunnel.ErrControlLost):
		return &Error{Kind: NetworkError, Err: err}
	}
	return &Error{Kind: PlatformError, Err: err}
}

// diagnostics holds the message of the last failure. It is never cleared by a success.
type diagnostics struct {
	mu  sync.RWMutex
	msg string
}

func (d *diagnostics) record(err error) {
	d.mu.Lock()
	d.msg = err.Error()
	d.mu.Unlock()
}

func (d *diagnostics) last() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.msg == "" {
		return NoError
	}
	return d.msg
}
