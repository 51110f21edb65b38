// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Compile-time interface check.
var _ Channel = (*WebSocketChannel)(nil)

const (
	wsReadBufferSize  = 4096
	wsWriteBufferSize = 4096
	wsWriteTimeout    = 10 * time.Second

	// wsMaxMessageSize bounds one signaling message. SDP with a full
	// set of gathered candidates stays well below this.
	wsMaxMessageSize = 1 << 20
)

// WebSocketChannel is a Channel over one WebSocket connection. Each
// signaling message is one text message.
type WebSocketChannel struct {
	conn *websocket.Conn

	// writeMu serializes writers; gorilla/websocket supports one
	// concurrent writer.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketChannel wraps an established connection.
func NewWebSocketChannel(conn *websocket.Conn) *WebSocketChannel {
	conn.SetReadLimit(wsMaxMessageSize)
	return &WebSocketChannel{conn: conn}
}

// Dial connects to a peer's Listener at url (ws:// or wss://).
func Dial(ctx context.Context, url string, header http.Header) (*WebSocketChannel, error) {
	conn, response, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("dialing %s: %w (HTTP %d)", url, err, response.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewWebSocketChannel(conn), nil
}

// Upgrade accepts a WebSocket handshake on an HTTP request. On failure
// the upgrader has already written an HTTP error response.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocketChannel, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketChannel(conn), nil
}

func (c *WebSocketChannel) Send(ctx context.Context, message string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return translateError(err)
	}
	return translateError(c.conn.WriteMessage(websocket.TextMessage, []byte(message)))
}

// Receive returns the next text message. Binary messages are skipped.
// Cancelling ctx interrupts a blocked read, which leaves the connection
// unusable; callers cancel only when they are done with the channel.
func (c *WebSocketChannel) Receive(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", translateError(err)
		}
		if messageType == websocket.TextMessage {
			return string(data), nil
		}
	}
}

// Close sends a normal-closure frame and closes the connection.
func (c *WebSocketChannel) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		deadline := time.Now().Add(wsWriteTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// translateError maps the ways a WebSocket reports an orderly or
// already-completed close to ErrClosed.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

// Listener is an http.Handler that accepts peers connecting with Dial
// and hands their channels to Accept.
type Listener struct {
	logger   *slog.Logger
	channels chan *WebSocketChannel

	closeOnce sync.Once
	done      chan struct{}
}

// NewListener creates a Listener. Mount it on an http.ServeMux.
func NewListener(logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Listener{
		logger:   logger,
		channels: make(chan *WebSocketChannel),
		done:     make(chan struct{}),
	}
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}

	channel, err := Upgrade(w, r)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	l.logger.Info("signaling peer connected", "remote_addr", r.RemoteAddr)

	select {
	case l.channels <- channel:
	case <-l.done:
		channel.Close()
	case <-r.Context().Done():
		channel.Close()
	}
}

// Accept waits for the next connecting peer.
func (l *Listener) Accept(ctx context.Context) (*WebSocketChannel, error) {
	select {
	case channel := <-l.channels:
		return channel, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting peers. Channels already accepted stay open.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
