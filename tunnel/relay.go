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
	"net"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/dns"
	"github.com/Jigsaw-Code/outline-sdk/network"
	"github.com/Jigsaw-Code/outline-sdk/network/dnstruncate"
	"github.com/Jigsaw-Code/outline-sdk/network/lwip2transport"
	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/transport/shadowsocks"
	"golang.org/x/net/dns/dnsmessage"
)

const (
	connectivityTestDomain = "www.google.com"
	connectivityTestPort   = "53"
	connectivityTimeout    = 5 * time.Second
)

// relayDevice is the user-space IP stack whose TCP and UDP flows are carried to the relay.
type relayDevice struct {
	network.IPDevice
	sd transport.StreamDialer
	pp *relayPacketProxy
}

// newRelayDevice connects the lwIP stack to the relay at relayAddr. When ipv4Only is set, streams to IPv6
// destinations are refused locally, since the relay cannot report failed connections.
func newRelayDevice(relayAddr string, grant Grant, token string, ipv4Only bool) (*relayDevice, error) {
	key, err := shadowsocks.NewEncryptionKey(grant.Cipher, token)
	if err != nil {
		return nil, fmt.Errorf("invalid relay cipher %q: %w", grant.Cipher, err)
	}

	endpoint := &transport.StreamDialerEndpoint{Dialer: &transport.TCPDialer{}, Address: relayAddr}
	ssDialer, err := shadowsocks.NewStreamDialer(endpoint, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay stream dialer: %w", err)
	}
	var sd transport.StreamDialer = ssDialer
	if ipv4Only {
		sd = transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
				return nil, fmt.Errorf("IPv6 not supported")
			}
			return ssDialer.DialStream(ctx, addr)
		})
	}

	listener, err := shadowsocks.NewPacketListener(&transport.UDPEndpoint{Address: relayAddr}, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay packet listener: %w", err)
	}
	pp, err := newRelayPacketProxy(listener)
	if err != nil {
		return nil, err
	}

	d := &relayDevice{sd: sd, pp: pp}
	if d.IPDevice, err = lwip2transport.ConfigureDevice(d.sd, d.pp); err != nil {
		return nil, fmt.Errorf("failed to configure lwIP: %w", err)
	}
	return d, nil
}

// Refresh checks UDP connectivity through the relay by resolving a name through it, and selects between relaying
// UDP and truncating DNS responses accordingly.
func (d *relayDevice) Refresh(ctx context.Context, resolverIP string) error {
	ctx, cancel := context.WithTimeout(ctx, connectivityTimeout)
	defer cancel()
	return d.pp.testConnectivityAndRefresh(ctx, net.JoinHostPort(resolverIP, connectivityTestPort), connectivityTestDomain)
}

type relayPacketProxy struct {
	network.DelegatePacketProxy

	listener         transport.PacketListener
	remote, fallback network.PacketProxy
}

func newRelayPacketProxy(listener transport.PacketListener) (*relayPacketProxy, error) {
	var err error
	proxy := &relayPacketProxy{listener: listener}
	if proxy.fallback, err = dnstruncate.NewPacketProxy(); err != nil {
		return nil, fmt.Errorf("failed to create DNS truncate proxy: %w", err)
	}
	if proxy.remote, err = network.NewPacketProxyFromPacketListener(listener); err != nil {
		return nil, fmt.Errorf("failed to create UDP proxy: %w", err)
	}
	if proxy.DelegatePacketProxy, err = network.NewDelegatePacketProxy(proxy.fallback); err != nil {
		return nil, fmt.Errorf("failed to create delegate UDP proxy: %w", err)
	}
	return proxy, nil
}

func (proxy *relayPacketProxy) testConnectivityAndRefresh(ctx context.Context, resolver, domain string) error {
	dialer := transport.PacketListenerDialer{Listener: proxy.listener}
	q, err := dns.NewQuestion(domain, dnsmessage.TypeA)
	if err != nil {
		return err
	}
	if _, err := dns.NewUDPResolver(dialer, resolver).Query(ctx, *q); err != nil {
		slog.Warn("UDP through relay unavailable, truncating DNS responses", "resolver", resolver, "err", err)
		return proxy.SetProxy(proxy.fallback)
	}
	slog.Debug("UDP through relay available", "resolver", resolver)
	return proxy.SetProxy(proxy.remote)
}
