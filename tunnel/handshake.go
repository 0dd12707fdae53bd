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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ruilisi/lingti-sdk/config"
)

const (
	sessionPath       = "/v1/session"
	defaultCipher     = "chacha20-ietf-poly1305"
	keepaliveInterval = 10 * time.Second
)

// Grant is the relay assignment returned by the session handshake.
type Grant struct {
	SessionID string `json:"-"`
	Relay     string `json:"relay"`
	Landing   string `json:"landing"`
	Cipher    string `json:"cipher"`
	DNS       string `json:"dns"`
}

func (g *Grant) applyDefaults(server string) {
	if g.Relay == "" {
		g.Relay = server
	}
	if g.Cipher == "" {
		g.Cipher = defaultCipher
	}
}

// control is the WebSocket channel held open with the relay for the lifetime of a session.
type control struct {
	conn *websocket.Conn

	// websocket.Conn allows one concurrent writer.
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	closing   bool
	err       error
}

func sessionURL(server string) string {
	return (&url.URL{Scheme: "ws", Host: server, Path: sessionPath}).String()
}

// dialControl opens the control channel and reads the relay grant.
func dialControl(ctx context.Context, cfg *config.Config, timeout time.Duration) (*control, Grant, error) {
	sessionID := uuid.NewString()
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.Token)
	headers.Set("X-Session-Id", sessionID)
	if cfg.GameID != "" {
		headers.Set("X-Game-Id", cfg.GameID)
	}
	headers.Set("User-Agent", fmt.Sprintf("Lingti (%s; %s; %s)", runtime.GOOS, runtime.GOARCH, runtime.Version()))

	tcp := &transport.TCPDialer{}
	wsDialer := &websocket.Dialer{
		HandshakeTimeout: timeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if !strings.HasPrefix(network, "tcp") {
				return nil, fmt.Errorf("websocket dialer does not support network type %v", network)
			}
			return tcp.DialStream(ctx, addr)
		},
	}
	conn, resp, err := wsDialer.DialContext(ctx, sessionURL(cfg.Server), headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, Grant{}, ErrTokenRejected
		}
		return nil, Grant{}, fmt.Errorf("failed to connect to %s: %w", cfg.Server, err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	msgType, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, Grant{}, fmt.Errorf("failed to read session grant: %w", err)
	}
	if msgType != websocket.TextMessage {
		conn.Close()
		return nil, Grant{}, errors.New("session grant is not a text message")
	}
	var grant Grant
	if err := json.Unmarshal(msg, &grant); err != nil {
		conn.Close()
		return nil, Grant{}, fmt.Errorf("invalid session grant: %w", err)
	}
	grant.SessionID = sessionID
	grant.applyDefaults(cfg.Server)
	if _, _, err := net.SplitHostPort(grant.Relay); err != nil {
		conn.Close()
		return nil, Grant{}, fmt.Errorf("invalid relay address %q: %w", grant.Relay, err)
	}
	slog.Info("session granted", "session", sessionID, "relay", grant.Relay, "landing", grant.Landing)

	c := &control{conn: conn, done: make(chan struct{})}
	c.keepalive(keepaliveInterval)
	return c, grant, nil
}

// keepalive pings the relay and watches for the channel to close.
func (c *control) keepalive(interval time.Duration) {
	c.conn.SetReadDeadline(time.Now().Add(3 * interval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(3 * interval))
	})
	go func() {
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				c.finish(err)
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval))
				c.writeMu.Unlock()
				if err != nil {
					c.finish(err)
					return
				}
			}
		}
	}()
}

func (c *control) finish(err error) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		closing := c.closing
		c.writeMu.Unlock()
		if !closing {
			c.err = fmt.Errorf("%w: %v", ErrControlLost, err)
			slog.Warn("relay control channel lost", "err", err)
		}
		close(c.done)
	})
}

// Err returns why the channel closed on its own. It is valid after done is closed.
func (c *control) Err() error {
	<-c.done
	return c.err
}

// Close says goodbye to the relay and closes the channel.
func (c *control) Close() error {
	c.writeMu.Lock()
	c.closing = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.finish(nil)
	return err
}
