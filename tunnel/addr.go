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
	"net"
	"net/netip"

	"github.com/ruilisi/lingti-sdk/console"
)

// resolveRelay resolves the host of a host:port relay address to an IPv4 address. The returned address uses the IP,
// so that the dialed destination matches the routing exclusion.
func resolveRelay(ctx context.Context, relay string) (string, netip.Addr, error) {
	host, port, err := net.SplitHostPort(relay)
	if err != nil {
		return "", netip.Addr{}, fmt.Errorf("invalid relay address %q: %w", relay, err)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		if !ip.Unmap().Is4() {
			return "", netip.Addr{}, fmt.Errorf("relay %s is not an IPv4 address", host)
		}
		return net.JoinHostPort(ip.Unmap().String(), port), ip.Unmap(), nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return "", netip.Addr{}, fmt.Errorf("failed to resolve relay %s: %w", host, err)
	}
	if len(ips) == 0 {
		return "", netip.Addr{}, fmt.Errorf("relay %s has no IPv4 address", host)
	}
	ip := ips[0].Unmap()
	return net.JoinHostPort(ip.String(), port), ip, nil
}

func hostNet(addr netip.Addr) *net.IPNet {
	addr = addr.Unmap()
	return &net.IPNet{IP: net.IP(addr.AsSlice()), Mask: net.CIDRMask(addr.BitLen(), addr.BitLen())}
}

// lanSubnet returns the LAN network described by the console snapshot, or the gateway alone when the interface
// address is unknown.
func lanSubnet(lan console.Config) *net.IPNet {
	if lan.IP != nil && lan.Mask != nil {
		ip := net.ParseIP(*lan.IP).To4()
		mask := net.ParseIP(*lan.Mask).To4()
		if ip != nil && mask != nil {
			m := net.IPMask(mask)
			return &net.IPNet{IP: ip.Mask(m), Mask: m}
		}
	}
	if lan.Gateway != nil {
		if gw, err := netip.ParseAddr(*lan.Gateway); err == nil && gw.Unmap().Is4() {
			return hostNet(gw)
		}
	}
	return nil
}

// peerAddr extracts the IP of a connection's remote address.
func peerAddr(addr net.Addr) (netip.Addr, bool) {
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr().Unmap(), true
}
