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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// routing owns the policy routing table that steers traffic into the TUN adapter.
type routing struct {
	table    int
	priority int
	link     int
	gw       net.IP
	rules    []*netlink.Rule
}

// setupTable adds the link route to the TUN gateway. With defaultRoute, the table also gets a default route through
// it, which sends everything looked up in the table into the tunnel.
func (r *routing) setupTable(gwCIDR, tunIP string, defaultRoute bool) error {
	dst, err := netlink.ParseIPNet(gwCIDR)
	if err != nil {
		return fmt.Errorf("failed to parse gateway '%s': %w", gwCIDR, err)
	}
	r.gw = dst.IP

	route := netlink.Route{
		LinkIndex: r.link,
		Table:     r.table,
		Dst:       dst,
		Src:       net.ParseIP(tunIP),
		Scope:     netlink.SCOPE_LINK,
	}
	if err := netlink.RouteAdd(&route); err != nil {
		return fmt.Errorf("failed to add routing entry '%v' -> '%v': %w", route.Src, route.Dst, err)
	}
	slog.Info("routing traffic to TUN gateway", "src", route.Src, "dst", route.Dst, "table", r.table)

	if !defaultRoute {
		return nil
	}
	route = netlink.Route{LinkIndex: r.link, Table: r.table, Gw: r.gw}
	if err := netlink.RouteAdd(&route); err != nil {
		return fmt.Errorf("failed to add default routing entry via '%v': %w", r.gw, err)
	}
	slog.Info("routing all traffic via TUN gateway", "gw", r.gw, "table", r.table)
	return nil
}

// bypass makes lookups for dst skip the table, so that such traffic keeps using the main table.
func (r *routing) bypass(dst *net.IPNet) error {
	route := netlink.Route{Table: r.table, Dst: dst, Type: unix.RTN_THROW}
	if err := netlink.RouteAdd(&route); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("failed to add bypass for %v: %w", dst, err)
	}
	slog.Debug("bypassing tunnel", "dst", dst)
	return nil
}

// addDestination sends traffic for a single host through the TUN gateway.
func (r *routing) addDestination(addr netip.Addr) error {
	route := netlink.Route{LinkIndex: r.link, Table: r.table, Dst: hostNet(addr), Gw: r.gw}
	if err := netlink.RouteAdd(&route); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("failed to route %v through tunnel: %w", addr, err)
	}
	return nil
}

// addRule installs the rule that sends lookups to the table. A non-nil excluded destination is matched inverted, as
// in "from all not to excluded lookup table".
func (r *routing) addRule(excluded *net.IPNet) error {
	rule := netlink.NewRule()
	rule.Priority = r.priority
	rule.Family = netlink.FAMILY_V4
	rule.Table = r.table
	if excluded != nil {
		rule.Dst = excluded
		rule.Invert = true
	}
	if err := netlink.RuleAdd(rule); err != nil {
		return fmt.Errorf("failed to add IP rule (table %v, dst %v): %w", rule.Table, rule.Dst, err)
	}
	r.rules = append(r.rules, rule)
	slog.Info("ip rule created", "table", rule.Table, "not_to", rule.Dst)
	return nil
}

func (r *routing) cleanUpRules() error {
	var errs error
	for _, rule := range r.rules {
		if err := netlink.RuleDel(rule); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to delete IP rule of routing table '%v': %w", rule.Table, err))
		}
	}
	r.rules = nil
	return errs
}

func (r *routing) cleanUpTable() error {
	filter := netlink.Route{Table: r.table}
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4, &filter, netlink.RT_FILTER_TABLE)
	if err != nil {
		return fmt.Errorf("failed to list entries in routing table '%v': %w", r.table, err)
	}
	var errs error
	for _, route := range routes {
		if err := netlink.RouteDel(&route); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to remove routing entry: %w", err))
		}
	}
	if errs == nil {
		slog.Info("routing table cleaned up", "table", r.table)
	}
	return errs
}
