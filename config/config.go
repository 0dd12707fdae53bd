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

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
)

// Mode selects which traffic is sent through the tunnel.
type Mode string

const (
	// ModeSwitch tunnels only the traffic of the configured game processes.
	ModeSwitch Mode = "tun_switch"
	// ModeGlobal tunnels all traffic of the host.
	ModeGlobal Mode = "tun_global"
)

// TunnelsAll reports whether the mode reroutes every flow regardless of the owning process.
func (m Mode) TunnelsAll() bool {
	return m == ModeGlobal
}

func parseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSwitch, ModeGlobal:
		return m, nil
	}
	return "", fmt.Errorf("unsupported mode %q", s)
}

// LogLevel is the verbosity requested by the configuration.
type LogLevel string

const (
	LevelTrace LogLevel = "trace"
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// SlogTrace is the slog level used for "trace". It sits below [slog.LevelDebug].
const SlogTrace = slog.LevelDebug - 4

// Slog returns the [slog.Level] matching l. An empty level maps to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LevelTrace:
		return SlogTrace
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseLogLevel(s string) (LogLevel, error) {
	switch l := LogLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case "":
		return LevelInfo, nil
	case "warning":
		return LevelWarn, nil
	case LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError:
		return l, nil
	}
	return "", fmt.Errorf("unsupported log level %q", s)
}

// Config is a validated tunnel configuration. A Config returned by [Parse] or [LoadFromFile] is never modified by
// this module; use [Config.Clone] before changing it.
type Config struct {
	Mode     Mode     `json:"Mode"`
	Server   string   `json:"Server"`
	Token    string   `json:"Token"`
	LogLevel LogLevel `json:"LogLevel,omitempty"`
	GameExes []string `json:"GameExes,omitempty"`
	GameID   string   `json:"GameID,omitempty"`
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	cp.GameExes = append([]string(nil), c.GameExes...)
	return &cp
}

// String implements [fmt.Stringer]. The token is redacted.
func (c *Config) String() string {
	return fmt.Sprintf("mode=%s server=%s token=%s game=%s exes=%v", c.Mode, c.Server, redact(c.Token), c.GameID, c.GameExes)
}

// LogValue implements [slog.LogValuer] so configs can be logged without leaking the token.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("mode", string(c.Mode)),
		slog.String("server", c.Server),
		slog.String("token", redact(c.Token)),
		slog.String("game", c.GameID),
		slog.Any("exes", c.GameExes),
	)
}

func redact(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:2] + "****" + token[len(token)-2:]
}

// MatchesExe reports whether the executable name belongs to the configured game set. The comparison is
// case-insensitive and tolerates a missing or extra ".exe" suffix, so "Game.EXE" matches "game".
func (c *Config) MatchesExe(name string) bool {
	want := normalizeExe(name)
	if want == "" {
		return false
	}
	for _, exe := range c.GameExes {
		if normalizeExe(exe) == want {
			return true
		}
	}
	return false
}

func normalizeExe(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".exe")
}

// ErrEmpty is returned by [Parse] when the input has no content.
var ErrEmpty = errors.New("config is empty")

// ParseError reports a malformed or invalid configuration.
type ParseError struct {
	// Field is the offending key, or empty when the document itself is malformed.
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Err.Error()
	}
	return fmt.Sprintf("invalid config: %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// document mirrors the JSON layout. Pointers distinguish absent keys from empty values.
type document struct {
	Mode     *string  `json:"Mode"`
	Server   *string  `json:"Server"`
	Token    *string  `json:"Token"`
	LogLevel *string  `json:"LogLevel"`
	GameExes []string `json:"GameExes"`
	GameID   *string  `json:"GameID"`
}

// Parse decodes and validates a JSON configuration. Unknown keys are ignored. It performs no I/O.
//
// Every failure is a [*ParseError].
func Parse(jsonText string) (*Config, error) {
	return parseBytes([]byte(jsonText))
}

func parseBytes(data []byte) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ParseError{Err: ErrEmpty}
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &ParseError{Field: typeErr.Field, Err: fmt.Errorf("expected %v, got %s", typeErr.Type, typeErr.Value)}
		}
		return nil, &ParseError{Err: err}
	}
	return doc.validate()
}

func (doc *document) validate() (*Config, error) {
	if doc.Mode == nil {
		return nil, &ParseError{Field: "Mode", Err: errors.New("required")}
	}
	mode, err := parseMode(*doc.Mode)
	if err != nil {
		return nil, &ParseError{Field: "Mode", Err: err}
	}
	if doc.Server == nil || strings.TrimSpace(*doc.Server) == "" {
		return nil, &ParseError{Field: "Server", Err: errors.New("required")}
	}
	server := strings.TrimSpace(*doc.Server)
	if err := validateServer(server); err != nil {
		return nil, &ParseError{Field: "Server", Err: err}
	}
	if doc.Token == nil || *doc.Token == "" {
		return nil, &ParseError{Field: "Token", Err: errors.New("required")}
	}
	level := ""
	if doc.LogLevel != nil {
		level = *doc.LogLevel
	}
	logLevel, err := parseLogLevel(level)
	if err != nil {
		return nil, &ParseError{Field: "LogLevel", Err: err}
	}
	exes := dedupeExes(doc.GameExes)
	if len(exes) == 0 && !mode.TunnelsAll() {
		return nil, &ParseError{Field: "GameExes", Err: fmt.Errorf("at least one executable is required in %s mode", mode)}
	}
	cfg := &Config{
		Mode:     mode,
		Server:   server,
		Token:    *doc.Token,
		LogLevel: logLevel,
		GameExes: exes,
	}
	if doc.GameID != nil {
		cfg.GameID = *doc.GameID
	}
	return cfg, nil
}

func validateServer(server string) error {
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		return fmt.Errorf("must be host:port: %w", err)
	}
	if host == "" {
		return errors.New("host is empty")
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// dedupeExes trims names and drops empty and case-insensitive duplicates, keeping the first spelling.
func dedupeExes(exes []string) []string {
	seen := make(map[string]struct{}, len(exes))
	out := make([]string, 0, len(exes))
	for _, exe := range exes {
		exe = strings.TrimSpace(exe)
		key := strings.ToLower(exe)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, exe)
	}
	return out
}
