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

// Package console captures the LAN parameters of the host: the default gateway, the address and mask of the
// interface that reaches it, and the first configured DNS server.
package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/miekg/dns"
	psnet "github.com/shirou/gopsutil/v4/net"
)

// ResolvConfPath is the resolver configuration read by [Capture].
const ResolvConfPath = "/etc/resolv.conf"

// Config is a snapshot of the LAN parameters. A nil field means the value could not be determined.
type Config struct {
	Gateway *string
	Mask    *string
	IP      *string
	DNS     *string
}

func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("gateway", deref(c.Gateway)),
		slog.String("mask", deref(c.Mask)),
		slog.String("ip", deref(c.IP)),
		slog.String("dns", deref(c.DNS)),
	)
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Capture takes a snapshot of the current LAN parameters. Values that cannot be found are left nil; Capture
// itself never fails.
func Capture(ctx context.Context) Config {
	var cfg Config
	gw, ifName, err := defaultGateway()
	if err != nil {
		slog.Debug("default gateway not found", "err", err)
	} else {
		cfg.Gateway = ptr(gw.String())
	}

	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		slog.Debug("failed to list interfaces", "err", err)
	} else if ip, mask, ok := interfaceAddr(ifaces, ifName, gw); ok {
		cfg.IP, cfg.Mask = ptr(ip), ptr(mask)
	}

	if f, err := os.Open(ResolvConfPath); err != nil {
		slog.Debug("resolver config unavailable", "err", err)
	} else {
		cfg.DNS = firstNameserver(f)
		f.Close()
	}
	return cfg
}

// interfaceAddr picks the IPv4 address of the interface named ifName. Without a name, it picks the first
// interface whose subnet contains gw.
func interfaceAddr(ifaces psnet.InterfaceStatList, ifName string, gw net.IP) (ip, mask string, ok bool) {
	for _, iface := range ifaces {
		if ifName != "" && iface.Name != ifName {
			continue
		}
		for _, addr := range iface.Addrs {
			ipAddr, subnet, err := net.ParseCIDR(addr.Addr)
			if err != nil || ipAddr.To4() == nil || ipAddr.IsLoopback() {
				continue
			}
			if ifName == "" && (gw == nil || !subnet.Contains(gw)) {
				continue
			}
			return ipAddr.String(), dottedMask(subnet.Mask), true
		}
	}
	return "", "", false
}

// dottedMask formats an IPv4 mask as "255.255.255.0".
func dottedMask(mask net.IPMask) string {
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return mask.String()
	}
	return fmt.Sprintf("%d.%d.%d.%d", mask[0], mask[1], mask[2], mask[3])
}

func firstNameserver(r io.Reader) *string {
	cfg, err := dns.ClientConfigFromReader(r)
	if err != nil {
		slog.Debug("invalid resolver config", "err", err)
		return nil
	}
	for _, server := range cfg.Servers {
		if ip := net.ParseIP(server); ip != nil && !ip.IsLoopback() {
			return ptr(server)
		}
	}
	if len(cfg.Servers) > 0 {
		return ptr(cfg.Servers[0])
	}
	return nil
}
