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

// Package sdk is the flat, process-wide interface of the tunnel service, with the numeric result codes of the C
// library. Each function operates on [Default].
package sdk

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/ruilisi/lingti-sdk/config"
	"github.com/ruilisi/lingti-sdk/console"
	"github.com/ruilisi/lingti-sdk/latency"
	"github.com/ruilisi/lingti-sdk/service"
	"github.com/ruilisi/lingti-sdk/traffic"
)

// Result codes. The value -1 is shared: it means a null config for the start functions, no running service for
// [StopTun2R] and [StopPing], and no ping target for [RunPing].
const (
	Success           = 0
	ErrNullConfig     = -1
	ErrNotRunning     = -1
	ErrInvalidTarget  = -1
	ErrJSONParse      = -2
	ErrAlreadyRunning = -3
	ErrLoadConfig     = -4
	ErrPlatform       = -5
)

// FlushTimeout bounds [FlushDNSCache].
const FlushTimeout = 10 * time.Second

var defaultService = sync.OnceValue(func() *service.Service {
	return service.New(service.Options{LogWriter: os.Stderr})
})

// Default returns the process-wide service, creating it on first use.
func Default() *service.Service {
	return defaultService()
}

// Code maps an error returned by the service to its result code.
func Code(err error) int {
	var parseErr *config.ParseError
	var loadErr *config.LoadError
	switch {
	case err == nil:
		return Success
	case errors.Is(err, service.ErrNullConfig):
		return ErrNullConfig
	case errors.Is(err, service.ErrNotRunning), errors.Is(err, latency.ErrNotRunning):
		return ErrNotRunning
	case errors.Is(err, service.ErrInvalidTarget):
		return ErrInvalidTarget
	case errors.Is(err, service.ErrAlreadyRunning), errors.Is(err, latency.ErrAlreadyRunning):
		return ErrAlreadyRunning
	case errors.As(err, &loadErr):
		return ErrLoadConfig
	case errors.As(err, &parseErr):
		return ErrJSONParse
	default:
		return ErrPlatform
	}
}

// StartTun2R starts the service with a JSON config. It returns once setup has begun; poll [IsServiceRunning].
func StartTun2R(configJSON string) int {
	return Code(Default().StartJSON(configJSON))
}

// StartTun2RNull records and reports a missing config, for callers that received no config at all.
func StartTun2RNull() int {
	return Code(Default().Start(nil))
}

// StartTun2RWithConfigFile starts the service with the config file at path. An empty path selects the default
// file next to the executable.
func StartTun2RWithConfigFile(path string) int {
	return Code(Default().StartFromFile(path))
}

// StopTun2R stops the service. It returns before cleanup completes.
func StopTun2R() int {
	return Code(Default().Stop())
}

// IsServiceRunning reports whether the tunnel is established.
func IsServiceRunning() bool {
	return Default().IsRunning()
}

// GetSDKVersion returns the version of the service.
func GetSDKVersion() string {
	return service.Version
}

// GetLastErrorMessage returns the message of the most recent failure, or "No error".
func GetLastErrorMessage() string {
	return Default().LastError()
}

// GetTrafficStats returns the traffic counters of the current or last session.
func GetTrafficStats() traffic.Stats {
	return Default().Traffic()
}

// GetLastPingStats returns the last router, takeoff and landing round-trip times in milliseconds, -1 for
// unavailable hops.
func GetLastPingStats() latency.Sample {
	return Default().LastPing()
}

// RunPing starts the ping monitor of the running session.
func RunPing() int {
	return Code(Default().RunPingMonitor())
}

// StopPing stops the ping monitor.
func StopPing() int {
	return Code(Default().StopPingMonitor())
}

// FlushDNSCache clears the system DNS cache.
func FlushDNSCache() int {
	ctx, cancel := context.WithTimeout(context.Background(), FlushTimeout)
	defer cancel()
	return Code(Default().FlushDNS(ctx))
}

// GetConsoleConfig returns the LAN snapshot of the last successful start.
func GetConsoleConfig() console.Config {
	return Default().Console()
}

// Shutdown stops the service and waits for its teardown. It is meant to run at process exit.
func Shutdown() int {
	return Code(Default().Close())
}
