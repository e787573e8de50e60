// Package ws carries relay sessions over gorilla websocket connections.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-relay/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Transport adapts a websocket connection to session.Transport. Text frames
// are messages; binary frames are ignored.
type Transport struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewTransport wraps conn and starts its keepalive pings. The connection is
// closed when ctx is done.
func NewTransport(ctx context.Context, conn *websocket.Conn, log *slog.Logger) *Transport {
	t := &Transport{conn: conn, log: log, done: make(chan struct{})}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go t.keepalive(ctx)
	return t
}

func (t *Transport) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.Close()
			return
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				t.Close()
				return
			}
		}
	}
}

// Receive returns the next text message.
func (t *Transport) Receive(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				t.log.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return "", fmt.Errorf("%w: %v", session.ErrTransportClosed, err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		return string(data), nil
	}
}

// Send writes text as a single text frame.
func (t *Transport) Send(ctx context.Context, text string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("%w: %v", session.ErrTransportClosed, err)
	}
	return nil
}

// Close sends a close frame when possible and releases the connection.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

// RemoteAddr reports the peer address.
func (t *Transport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
