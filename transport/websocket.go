// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// websocket - gorilla/websocket backed transport.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/girino/nostr-rx/logging"
)

// WebSocketConfig configures the gorilla-backed dialer.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration // Max time for the opening handshake
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // Keepalive ping period (0 disables)
	Header           http.Header   // Extra handshake headers (e.g. Origin)
}

// DefaultWebSocketConfig returns sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     29 * time.Second,
	}
}

// WebSocketDialer dials relays with gorilla/websocket.
type WebSocketDialer struct {
	cfg WebSocketConfig
}

// NewWebSocketDialer creates a dialer. Zero fields fall back to defaults.
func NewWebSocketDialer(cfg WebSocketConfig) *WebSocketDialer {
	def := DefaultWebSocketConfig()
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &WebSocketDialer{cfg: cfg}
}

// Dial establishes the WebSocket connection.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, _, err := dialer.DialContext(ctx, url, d.cfg.Header)
	if err != nil {
		return nil, err
	}

	c := &wsConn{
		conn: conn,
		cfg:  d.cfg,
		done: make(chan struct{}),
	}
	if d.cfg.PingInterval > 0 {
		go c.heartbeatLoop()
	}
	logging.DebugMethod("transport", "Dial", "websocket connected to %s", url)
	return c, nil
}

type wsConn struct {
	conn *websocket.Conn
	cfg  WebSocketConfig

	// Write serialization
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, &CloseError{Code: CloseAbnormal, Reason: err.Error()}
		}
		if mt != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if code != CloseAbnormal {
			c.writeMu.Lock()
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(time.Second),
			)
			c.writeMu.Unlock()
		}
		err = c.conn.Close()
	})
	return err
}

// heartbeatLoop keeps idle-killing proxies from dropping the socket.
func (c *wsConn) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logging.DebugMethod("transport", "heartbeatLoop", "failed to send ping: %v", err)
				return
			}
		}
	}
}
