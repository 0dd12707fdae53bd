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

package sdk

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/ruilisi/lingti-sdk/config"
	"github.com/ruilisi/lingti-sdk/console"
	"github.com/ruilisi/lingti-sdk/latency"
	"github.com/ruilisi/lingti-sdk/service"
	"github.com/ruilisi/lingti-sdk/traffic"
	"github.com/stretchr/testify/require"
)

func TestCode(t *testing.T) {
	require.Equal(t, Success, Code(nil))
	require.Equal(t, ErrNullConfig, Code(&service.Error{Kind: service.ConfigError, Err: service.ErrNullConfig}))
	require.Equal(t, ErrNotRunning, Code(&service.Error{Kind: service.StateError, Err: service.ErrNotRunning}))
	require.Equal(t, ErrNotRunning, Code(latency.ErrNotRunning))
	require.Equal(t, ErrInvalidTarget, Code(service.ErrInvalidTarget))
	require.Equal(t, ErrAlreadyRunning, Code(service.ErrAlreadyRunning))
	require.Equal(t, ErrAlreadyRunning, Code(latency.ErrAlreadyRunning))
	require.Equal(t, ErrJSONParse, Code(&config.ParseError{Field: "Mode", Err: errors.New("required")}))
	require.Equal(t, ErrLoadConfig, Code(&config.LoadError{Path: "x", Err: errors.New("missing")}))
	require.Equal(t, ErrPlatform, Code(errors.New("resolvectl failed")))
}

func TestVersion(t *testing.T) {
	require.Equal(t, "1.0.0", GetSDKVersion())
}

func TestDefaultIsShared(t *testing.T) {
	require.Same(t, Default(), Default())
}

func TestStoppedServiceGetters(t *testing.T) {
	require.False(t, IsServiceRunning())
	require.Equal(t, traffic.Stats{}, GetTrafficStats())
	require.Equal(t, latency.NoSample, GetLastPingStats())
	require.Equal(t, console.Config{}, GetConsoleConfig())
}

func TestFailuresAndLastError(t *testing.T) {
	require.Equal(t, ErrJSONParse, StartTun2R(`{"Mode":"tun_switch","Token":"t","GameExes":["g.exe"]}`))
	require.Contains(t, GetLastErrorMessage(), "Server")

	require.Equal(t, ErrNullConfig, StartTun2RNull())
	require.Equal(t, "config is null", GetLastErrorMessage())

	require.Equal(t, ErrLoadConfig, StartTun2RWithConfigFile(filepath.Join(t.TempDir(), "missing.json")))
	require.Contains(t, GetLastErrorMessage(), "missing.json")

	require.Equal(t, ErrNotRunning, StopTun2R())
	msg := GetLastErrorMessage()
	require.Equal(t, "service is not running", msg)

	require.Equal(t, ErrInvalidTarget, RunPing())
	require.Equal(t, ErrNotRunning, StopPing())

	// Successful calls leave the message untouched.
	require.Equal(t, "1.0.0", GetSDKVersion())
	require.False(t, IsServiceRunning())
	require.Equal(t, "ping monitor is not running", GetLastErrorMessage())
	require.Equal(t, Success, Shutdown())
	require.Equal(t, "ping monitor is not running", GetLastErrorMessage())
}
