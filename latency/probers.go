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

package latency

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// protocolICMP is the IANA protocol number of ICMP for IPv4.
const protocolICMP = 1

type tcpProber struct {
	addr   string
	dialer transport.StreamDialer
}

// NewTCPProber returns a [Prober] that measures the time to establish a stream to addr through dialer.
// A nil dialer dials plain TCP.
func NewTCPProber(addr string, dialer transport.StreamDialer) Prober {
	if dialer == nil {
		dialer = &transport.TCPDialer{}
	}
	return &tcpProber{addr: addr, dialer: dialer}
}

func (p *tcpProber) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	conn, err := p.dialer.DialStream(ctx, p.addr)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	conn.Close()
	return rtt, nil
}

type icmpProber struct {
	host string
	seq  atomic.Uint32
}

// NewICMPProber returns a [Prober] that sends ICMP echo requests to host. It uses an unprivileged datagram socket
// where the OS allows it and falls back to a raw socket.
func NewICMPProber(host string) Prober {
	return &icmpProber{host: host}
}

func (p *icmpProber) Probe(ctx context.Context) (time.Duration, error) {
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", p.host)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s: %w", p.host, err)
	}
	if len(ips) == 0 {
		return 0, fmt.Errorf("no IPv4 address for %s", p.host)
	}
	ip := net.IP(ips[0].Unmap().AsSlice())

	conn, privileged, err := listenICMP()
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	var dst net.Addr = &net.UDPAddr{IP: ip}
	if privileged {
		dst = &net.IPAddr{IP: ip}
	}
	seq := int(p.seq.Add(1) & 0xffff)
	req := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: os.Getpid() & 0xffff, Seq: seq, Data: []byte("lingti")},
	}
	wire, err := req.Marshal(nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.WriteTo(wire, dst); err != nil {
		return 0, fmt.Errorf("failed to send echo request: %w", err)
	}
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("failed to read echo reply: %w", err)
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		// The kernel rewrites the ID of unprivileged echoes, so only the sequence is matched.
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq == seq {
			return time.Since(start), nil
		}
	}
}

func listenICMP() (*icmp.PacketConn, bool, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err == nil {
		return conn, false, nil
	}
	raw, rawErr := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if rawErr != nil {
		return nil, false, fmt.Errorf("failed to open ICMP socket: %w", errors.Join(err, rawErr))
	}
	return raw, true, nil
}
