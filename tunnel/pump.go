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
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/Jigsaw-Code/outline-sdk/network"
	"github.com/ruilisi/lingti-sdk/config"
	"github.com/ruilisi/lingti-sdk/traffic"
)

const maxPacketSize = 65535

// pump moves packets between the TUN adapter and the relay device.
type pump struct {
	tun     io.ReadWriter
	dev     io.ReadWriter
	counter *traffic.Counter
	// allow decides whether an outgoing packet is forwarded. A nil allow forwards every IP packet.
	allow func(packetInfo) bool

	wg sync.WaitGroup
}

// start copies traffic in both directions until either end is closed or ctx is done. The first direction to stop
// reports on the returned channel; wait blocks until both have stopped.
func (p *pump) start(ctx context.Context) <-chan error {
	errc := make(chan error, 2)
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		err := p.outbound(ctx)
		slog.Debug("tun -> relay stopped", "err", err)
		errc <- err
	}()
	go func() {
		defer p.wg.Done()
		written, err := io.Copy(traffic.NewRxWriter(p.tun, p.counter), p.dev)
		slog.Debug("relay -> tun stopped", "bytes", written, "err", err)
		errc <- err
	}()
	return errc
}

func (p *pump) wait() {
	p.wg.Wait()
}

// outbound reads one packet at a time from the TUN adapter, classifies it and hands it to the relay device.
func (p *pump) outbound(ctx context.Context) error {
	c := newClassifier()
	buf := make([]byte, maxPacketSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := p.tun.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		pkt := buf[:n]
		info, err := c.classify(pkt)
		if err != nil {
			slog.Log(ctx, config.SlogTrace, "dropping packet", "len", n, "err", err)
			continue
		}
		if p.allow != nil && !p.allow(info) {
			slog.Log(ctx, config.SlogTrace, "dropping packet to untracked destination", "dst", info.Dst, "proto", info.Proto)
			continue
		}
		if _, err := p.dev.Write(pkt); err != nil {
			if errors.Is(err, network.ErrClosed) {
				return err
			}
			slog.Debug("relay device rejected packet", "dst", info.Dst, "err", err)
			continue
		}
		p.counter.AddTx(uint64(n), 1)
	}
}
