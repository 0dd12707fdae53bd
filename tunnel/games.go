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
	"log/slog"
	"net/netip"
	"sync"

	"github.com/ruilisi/lingti-sdk/config"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// connLister returns the host's IPv4 connections.
type connLister func(ctx context.Context) ([]psnet.ConnectionStat, error)

// processNamer returns the executable name of a process.
type processNamer func(ctx context.Context, pid int32) (string, error)

func listConnections(ctx context.Context) ([]psnet.ConnectionStat, error) {
	return psnet.ConnectionsWithContext(ctx, "inet4")
}

func processName(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}

var broadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// gameTracker learns the remote addresses that the configured game processes talk to.
type gameTracker struct {
	cfg     *config.Config
	exclude map[netip.Addr]struct{}
	list    connLister
	name    processNamer

	mu    sync.RWMutex
	known map[netip.Addr]struct{}
}

func newGameTracker(cfg *config.Config, exclude ...netip.Addr) *gameTracker {
	t := &gameTracker{
		cfg:     cfg,
		exclude: make(map[netip.Addr]struct{}, len(exclude)),
		list:    listConnections,
		name:    processName,
		known:   make(map[netip.Addr]struct{}),
	}
	for _, addr := range exclude {
		t.exclude[addr.Unmap()] = struct{}{}
	}
	return t
}

// Poll scans the connection table once and returns the destinations seen for the first time.
func (t *gameTracker) Poll(ctx context.Context) ([]netip.Addr, error) {
	conns, err := t.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	names := make(map[int32]bool)
	var learned []netip.Addr
	for _, conn := range conns {
		if conn.Pid <= 0 || conn.Raddr.IP == "" {
			continue
		}
		addr, err := netip.ParseAddr(conn.Raddr.IP)
		if err != nil || !t.routable(addr.Unmap()) {
			continue
		}
		addr = addr.Unmap()
		isGame, ok := names[conn.Pid]
		if !ok {
			name, err := t.name(ctx, conn.Pid)
			isGame = err == nil && t.cfg.MatchesExe(name)
			names[conn.Pid] = isGame
		}
		if !isGame {
			continue
		}
		t.mu.Lock()
		if _, seen := t.known[addr]; !seen {
			t.known[addr] = struct{}{}
			learned = append(learned, addr)
			slog.Info("learned game destination", "addr", addr, "pid", conn.Pid)
		}
		t.mu.Unlock()
	}
	return learned, nil
}

// Allowed reports whether addr was learned as a game destination.
func (t *gameTracker) Allowed(addr netip.Addr) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.known[addr.Unmap()]
	return ok
}

func (t *gameTracker) routable(addr netip.Addr) bool {
	if !addr.Is4() || addr.IsLoopback() || addr.IsUnspecified() || addr.IsMulticast() || addr.IsLinkLocalUnicast() || addr == broadcast {
		return false
	}
	_, excluded := t.exclude[addr]
	return !excluded
}
