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
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func udp4Packet(t *testing.T, dst string, port uint16) []byte {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("10.233.233.1"),
		DstIP:    net.ParseIP(dst),
	}
	udp := &layers.UDP{SrcPort: 50000, DstPort: layers.UDPPort(port)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload([]byte("hello")))
}

func TestClassify_UDPv4(t *testing.T) {
	info, err := newClassifier().classify(udp4Packet(t, "203.0.113.7", 27015))
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("203.0.113.7"), info.Dst)
	require.Equal(t, layers.IPProtocolUDP, info.Proto)
	require.Equal(t, uint16(27015), info.DstPort)
}

func TestClassify_TCPv6(t *testing.T) {
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolTCP,
		SrcIP:      net.ParseIP("fd00::1"),
		DstIP:      net.ParseIP("2001:db8::9"),
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	info, err := newClassifier().classify(serialize(t, ip, tcp))
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("2001:db8::9"), info.Dst)
	require.Equal(t, layers.IPProtocolTCP, info.Proto)
	require.Equal(t, uint16(443), info.DstPort)
}

func TestClassify_ICMPv4(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.ParseIP("10.233.233.1"),
		DstIP:    net.ParseIP("198.51.100.1"),
	}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}

	info, err := newClassifier().classify(serialize(t, ip, icmp))
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("198.51.100.1"), info.Dst)
	require.Equal(t, layers.IPProtocolICMPv4, info.Proto)
	require.Zero(t, info.DstPort)
}

func TestClassify_NotIP(t *testing.T) {
	c := newClassifier()
	_, err := c.classify(nil)
	require.ErrorIs(t, err, errNotIP)
	_, err = c.classify([]byte{0x00, 0x01, 0x02})
	require.ErrorIs(t, err, errNotIP)
}

func TestClassify_Truncated(t *testing.T) {
	_, err := newClassifier().classify([]byte{0x45, 0x00, 0x00})
	require.Error(t, err)
}

func TestClassify_Reuse(t *testing.T) {
	c := newClassifier()
	first, err := c.classify(udp4Packet(t, "203.0.113.7", 1))
	require.NoError(t, err)
	second, err := c.classify(udp4Packet(t, "203.0.113.8", 2))
	require.NoError(t, err)
	require.NotEqual(t, first.Dst, second.Dst)
	require.Equal(t, uint16(2), second.DstPort)
}
