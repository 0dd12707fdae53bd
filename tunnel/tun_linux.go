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

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

// tunAdapter is the TUN interface that rerouted traffic enters.
type tunAdapter struct {
	*water.Interface
	link netlink.Link
}

func newTunAdapter(name, ip string) (t *tunAdapter, err error) {
	if name == "" {
		return nil, errors.New("name is required for TUN device")
	}
	if ip == "" {
		return nil, errors.New("ip is required for TUN device")
	}

	iface, err := water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device: %w", err)
	}
	defer func() {
		if err != nil {
			iface.Close()
		}
	}()

	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("newly created TUN device '%s' not found: %w", name, err)
	}
	t = &tunAdapter{Interface: iface, link: link}

	addr, err := netlink.ParseAddr(ip + "/32")
	if err != nil {
		return nil, fmt.Errorf("TUN address '%s' is not valid: %w", ip, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return nil, fmt.Errorf("failed to assign %v to TUN device '%s': %w", addr, name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return nil, fmt.Errorf("failed to bring TUN device '%s' up: %w", name, err)
	}
	return t, nil
}

func (t *tunAdapter) Index() int {
	return t.link.Attrs().Index
}
