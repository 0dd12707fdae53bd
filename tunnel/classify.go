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
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// packetInfo describes an outgoing IP packet.
type packetInfo struct {
	Dst     netip.Addr
	Proto   layers.IPProtocol
	DstPort uint16
}

var errNotIP = errors.New("not an IP packet")

// classifier decodes the headers of raw IP packets. It is not safe for concurrent use.
type classifier struct {
	v4, v6  *gopacket.DecodingLayerParser
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload
	decoded []gopacket.LayerType
}

func newClassifier() *classifier {
	c := &classifier{decoded: make([]gopacket.LayerType, 0, 4)}
	c.v4 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &c.ip4, &c.tcp, &c.udp, &c.payload)
	c.v6 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6, &c.ip6, &c.tcp, &c.udp, &c.payload)
	c.v4.IgnoreUnsupported = true
	c.v6.IgnoreUnsupported = true
	return c
}

func (c *classifier) classify(pkt []byte) (packetInfo, error) {
	if len(pkt) == 0 {
		return packetInfo{}, errNotIP
	}
	var parser *gopacket.DecodingLayerParser
	switch pkt[0] >> 4 {
	case 4:
		parser = c.v4
	case 6:
		parser = c.v6
	default:
		return packetInfo{}, errNotIP
	}
	if err := parser.DecodeLayers(pkt, &c.decoded); err != nil {
		return packetInfo{}, fmt.Errorf("failed to decode packet: %w", err)
	}

	var info packetInfo
	for _, lt := range c.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			info.Dst, _ = netip.AddrFromSlice(c.ip4.DstIP.To4())
			info.Proto = c.ip4.Protocol
		case layers.LayerTypeIPv6:
			info.Dst, _ = netip.AddrFromSlice(c.ip6.DstIP)
			info.Proto = c.ip6.NextHeader
		case layers.LayerTypeTCP:
			info.DstPort = uint16(c.tcp.DstPort)
		case layers.LayerTypeUDP:
			info.DstPort = uint16(c.udp.DstPort)
		}
	}
	if !info.Dst.IsValid() {
		return packetInfo{}, errNotIP
	}
	return info, nil
}
