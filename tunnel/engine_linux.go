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
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/ruilisi/lingti-sdk/config"
	"github.com/ruilisi/lingti-sdk/console"
	"github.com/ruilisi/lingti-sdk/latency"
	"github.com/ruilisi/lingti-sdk/traffic"
)

type engine struct {
	opts Options
}

// NewEngine returns the engine for this platform.
func NewEngine(opts Options) Engine {
	return &engine{opts: opts.withDefaults()}
}

func (e *engine) Open(ctx context.Context, cfg *config.Config, counter *traffic.Counter) (_ Session, err error) {
	// Captured before any change to routes or DNS.
	lan := console.Capture(ctx)
	slog.Debug("captured LAN parameters", "lan", lan)

	undo := &teardown{timeout: e.opts.StepTimeout}
	workCtx, cancel := context.WithCancel(context.Background())
	s := newSession(cancel, undo)
	s.console = lan
	defer func() {
		if err != nil {
			cancel()
			if cerr := undo.run(context.Background()); cerr != nil {
				slog.Warn("failed to release partial session", "err", cerr)
			}
		}
	}()

	ctrl, grant, err := dialControl(ctx, cfg, e.opts.HandshakeTimeout)
	if err != nil {
		return nil, &Error{Op: OpHandshake, Err: err}
	}
	undo.push("close control channel", ctrl.Close)

	relayAddr, relayIP, err := resolveRelay(ctx, grant.Relay)
	if err != nil {
		return nil, &Error{Op: OpRelay, Err: err}
	}
	global := cfg.Mode.TunnelsAll()

	// Registered first so that it runs after both ends of the pump are closed.
	var p *pump
	undo.push("stop packet pump", func() error {
		if p != nil {
			p.wait()
		}
		return nil
	})

	tun, err := newTunAdapter(e.opts.TunName, e.opts.TunIP)
	if err != nil {
		return nil, &Error{Op: OpAdapter, Err: err}
	}
	undo.push("close TUN device", tun.Close)

	if global {
		// The relay cannot report failed connections, so IPv6 is off for the whole session.
		prevIPv6, err := setIPv6(disableIPv6ProcFile, false)
		if err != nil {
			return nil, &Error{Op: OpRouting, Err: fmt.Errorf("failed to disable IPv6: %w", err)}
		}
		undo.push("restore IPv6", func() error {
			_, err := setIPv6(disableIPv6ProcFile, prevIPv6)
			return err
		})
	}

	dev, err := newRelayDevice(relayAddr, grant, cfg.Token, global)
	if err != nil {
		return nil, &Error{Op: OpRelay, Err: err}
	}
	undo.push("close relay device", dev.Close)

	resolver := grant.DNS
	if resolver == "" {
		resolver = e.opts.DNSServer
	}
	if err := dev.Refresh(ctx, resolver); err != nil {
		return nil, &Error{Op: OpRelay, Err: err}
	}

	var tracker *gameTracker
	p = &pump{tun: tun, dev: dev, counter: counter}
	if !global {
		tunIP, _ := netip.ParseAddr(e.opts.TunIP)
		tracker = newGameTracker(cfg, relayIP, tunIP)
		p.allow = func(info packetInfo) bool { return tracker.Allowed(info.Dst) }
	}
	stopped := p.start(workCtx)

	if global {
		dns := newSystemDNS()
		undo.push("restore system DNS", dns.Restore)
		if err := dns.Set(resolver); err != nil {
			return nil, &Error{Op: OpDNS, Err: err}
		}
	}

	rt := &routing{table: e.opts.RoutingTable, priority: e.opts.RoutingPriority, link: tun.Index()}
	undo.push("clean up routing table", rt.cleanUpTable)
	undo.push("clean up IP rules", rt.cleanUpRules)
	if err := rt.setupTable(e.opts.GatewayCIDR, e.opts.TunIP, global); err != nil {
		return nil, &Error{Op: OpRouting, Err: err}
	}
	if lanNet := lanSubnet(lan); lanNet != nil {
		if err := rt.bypass(lanNet); err != nil {
			return nil, &Error{Op: OpRouting, Err: err}
		}
	}
	if global {
		if peer, ok := peerAddr(ctrl.conn.RemoteAddr()); ok && peer != relayIP {
			if err := rt.bypass(hostNet(peer)); err != nil {
				return nil, &Error{Op: OpRouting, Err: err}
			}
		}
		if err := rt.addRule(hostNet(relayIP)); err != nil {
			return nil, &Error{Op: OpRouting, Err: err}
		}
	} else {
		if err := rt.addRule(nil); err != nil {
			return nil, &Error{Op: OpRouting, Err: err}
		}
		learned := e.learn(workCtx, tracker, rt)
		undo.push("stop game tracker", func() error {
			<-learned
			return nil
		})
	}

	s.targets = latency.Targets{Takeoff: latency.NewTCPProber(relayAddr, nil)}
	if lan.Gateway != nil {
		s.targets.Router = latency.NewICMPProber(*lan.Gateway)
	}
	if grant.Landing != "" {
		s.targets.Landing = latency.NewTCPProber(grant.Landing, nil)
	}

	go watch(workCtx, s, ctrl, stopped)
	slog.Info("tunnel session established", "mode", cfg.Mode, "relay", relayAddr, "session", grant.SessionID)
	return s, nil
}

// learn routes new game destinations through the tunnel until ctx is done. The returned channel is closed when it
// has stopped.
func (e *engine) learn(ctx context.Context, tracker *gameTracker, rt *routing) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.opts.LearnInterval)
		defer ticker.Stop()
		for {
			learned, err := tracker.Poll(ctx)
			if err != nil && ctx.Err() == nil {
				slog.Debug("game connection scan failed", "err", err)
			}
			for _, addr := range learned {
				if ctx.Err() != nil {
					return
				}
				if err := rt.addDestination(addr); err != nil {
					slog.Warn("failed to route game destination", "addr", addr, "err", err)
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return done
}

// watch ends the session when the control channel or the packet pump stops on its own.
func watch(ctx context.Context, s *session, ctrl *control, stopped <-chan error) {
	select {
	case <-ctx.Done():
	case <-ctrl.done:
		if ctx.Err() == nil {
			s.fail(ctrl.Err())
		}
	case err := <-stopped:
		if ctx.Err() == nil {
			if err == nil {
				err = io.EOF
			}
			s.fail(fmt.Errorf("packet forwarding stopped: %w", err))
		}
	}
}

