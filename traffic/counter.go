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

// Package traffic accounts for the bytes and packets crossing the tunnel.
package traffic

import (
	"io"
	"sync"
)

// Stats is a point-in-time copy of the counters.
type Stats struct {
	TxBytes   uint64
	RxBytes   uint64
	TxPackets uint64
	RxPackets uint64
}

// Counter accumulates [Stats]. It is safe for concurrent use. The zero value is ready to use.
//
// All four values are updated under one lock, so a [Counter.Snapshot] never mixes the result of half an update.
type Counter struct {
	mu    sync.Mutex
	stats Stats
}

// AddTx records traffic sent into the tunnel.
func (c *Counter) AddTx(bytes, packets uint64) {
	c.mu.Lock()
	c.stats.TxBytes += bytes
	c.stats.TxPackets += packets
	c.mu.Unlock()
}

// AddRx records traffic received from the tunnel.
func (c *Counter) AddRx(bytes, packets uint64) {
	c.mu.Lock()
	c.stats.RxBytes += bytes
	c.stats.RxPackets += packets
	c.mu.Unlock()
}

// Snapshot returns the current values.
func (c *Counter) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Reset zeroes all values. It must only be called before a session starts forwarding.
func (c *Counter) Reset() {
	c.mu.Lock()
	c.stats = Stats{}
	c.mu.Unlock()
}

type rxWriter struct {
	w io.Writer
	c *Counter
}

// NewRxWriter wraps w so that every successful Write is counted as one received packet of the written size.
// It is meant for packet-oriented writers such as TUN devices, where each Write carries a single IP packet.
func NewRxWriter(w io.Writer, c *Counter) io.Writer {
	return &rxWriter{w: w, c: c}
}

func (rw *rxWriter) Write(p []byte) (int, error) {
	n, err := rw.w.Write(p)
	if n > 0 {
		rw.c.AddRx(uint64(n), 1)
	}
	return n, err
}
