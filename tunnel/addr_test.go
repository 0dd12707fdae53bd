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
	"net"
	"net/netip"
	"testing"

	"github.com/ruilisi/lingti-sdk/console"
	"github.com/stretchr/testify/require"
)

func str(s string) *string { return &s }

func TestResolveRelay_Literal(t *testing.T) {
	addr, ip, err := resolveRelay(context.Background(), "192.0.2.1:8388")
	require.NoError(t, err)
	require.Equal(t, "192.0.2.1:8388", addr)
	require.Equal(t, netip.MustParseAddr("192.0.2.1"), ip)
}

func TestResolveRelay_Invalid(t *testing.T) {
	_, _, err := resolveRelay(context.Background(), "no-port")
	require.Error(t, err)
	_, _, err = resolveRelay(context.Background(), "[2001:db8::1]:443")
	require.ErrorContains(t, err, "not an IPv4 address")
}

func TestHostNet(t *testing.T) {
	require.Equal(t, "192.0.2.1/32", hostNet(netip.MustParseAddr("::ffff:192.0.2.1")).String())
}

func TestLANSubnet(t *testing.T) {
	lan := console.Config{Gateway: str("192.168.1.1"), IP: str("192.168.1.23"), Mask: str("255.255.255.0")}
	require.Equal(t, "192.168.1.0/24", lanSubnet(lan).String())

	require.Equal(t, "192.168.1.1/32", lanSubnet(console.Config{Gateway: str("192.168.1.1")}).String())
	require.Nil(t, lanSubnet(console.Config{}))
}

func TestPeerAddr(t *testing.T) {
	ip, ok := peerAddr(&net.TCPAddr{IP: net.ParseIP("192.0.2.5"), Port: 443})
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("192.0.2.5"), ip)
}
