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

// Package tunnel establishes a tunnel session: it negotiates the session with the relay, creates the TUN adapter,
// reroutes traffic into it and forwards packets through a user-space IP stack to the relay.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ruilisi/lingti-sdk/config"
	"github.com/ruilisi/lingti-sdk/console"
	"github.com/ruilisi/lingti-sdk/latency"
	"github.com/ruilisi/lingti-sdk/traffic"
)

// Session is an established tunnel.
type Session interface {
	// Console returns the LAN parameters captured before the host's network settings were changed.
	Console() console.Config
	// Targets returns the probers for the router, takeoff and landing hops of this session.
	Targets() latency.Targets
	// Done is closed when the session ends, either because Close was called or because it failed.
	Done() <-chan struct{}
	// Err returns the reason the session ended on its own, or nil.
	Err() error
	// Close tears down the session and restores the host's network settings. Each teardown step is bounded; the
	// returned error joins the failures of all steps.
	Close(ctx context.Context) error
}

// Engine opens tunnel sessions.
type Engine interface {
	// Open establishes a session for cfg. Forwarded traffic is accounted in counter. Resources created before a
	// failure are released before Open returns.
	Open(ctx context.Context, cfg *config.Config, counter *traffic.Counter) (Session, error)
}

// Options tune the engine. Zero values select the defaults.
type Options struct {
	TunName          string
	TunIP            string
	GatewayCIDR      string
	RoutingTable     int
	RoutingPriority  int
	DNSServer        string
	StepTimeout      time.Duration
	HandshakeTimeout time.Duration
	LearnInterval    time.Duration
}

const (
	DefaultTunName          = "lingti0"
	DefaultTunIP            = "10.233.233.1"
	DefaultGatewayCIDR      = "10.233.233.2/32"
	DefaultRoutingTable     = 233
	DefaultRoutingPriority  = 23333
	DefaultDNSServer        = "1.1.1.1"
	DefaultStepTimeout      = 3 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultLearnInterval    = 2 * time.Second
)

func (o Options) withDefaults() Options {
	if o.TunName == "" {
		o.TunName = DefaultTunName
	}
	if o.TunIP == "" {
		o.TunIP = DefaultTunIP
	}
	if o.GatewayCIDR == "" {
		o.GatewayCIDR = DefaultGatewayCIDR
	}
	if o.RoutingTable == 0 {
		o.RoutingTable = DefaultRoutingTable
	}
	if o.RoutingPriority == 0 {
		o.RoutingPriority = DefaultRoutingPriority
	}
	if o.DNSServer == "" {
		o.DNSServer = DefaultDNSServer
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = DefaultStepTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.LearnInterval <= 0 {
		o.LearnInterval = DefaultLearnInterval
	}
	return o
}

// Op names the part of session setup that failed.
type Op string

const (
	OpHandshake Op = "handshake"
	OpRelay     Op = "relay"
	OpAdapter   Op = "adapter"
	OpRouting   Op = "routing"
	OpDNS       Op = "dns"
)

// Error is returned by [Engine.Open].
type Error struct {
	Op  Op
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tunnel %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	// ErrTokenRejected is returned when the relay refuses the session token.
	ErrTokenRejected = errors.New("relay rejected token")
	// ErrControlLost ends a session whose control channel to the relay was closed.
	ErrControlLost = errors.New("relay control channel lost")
	// ErrStepTimeout is reported for teardown steps abandoned after their timeout.
	ErrStepTimeout = errors.New("teardown step timed out")
)
