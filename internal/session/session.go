// Package session runs the per-connection turn loop and owns session
// lifecycle: history initialization on connect and deferred eviction after
// disconnect.
package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-relay/internal/protocol"
)

var (
	// ErrTransportClosed ends a dispatch loop normally.
	ErrTransportClosed = errors.New("transport closed")
	// ErrBackendFailure wraps generation errors and timeouts.
	ErrBackendFailure = errors.New("backend failure")
)

// Transport is one client connection carrying text messages.
type Transport interface {
	// Receive blocks for the next inbound message. It returns an error
	// wrapping ErrTransportClosed once the peer is gone.
	Receive(ctx context.Context) (string, error)
	Send(ctx context.Context, text string) error
	Close() error
}

// Speaker renders replies aloud. *speech.Coordinator implements it.
type Speaker interface {
	Speak(ctx context.Context, text string) <-chan struct{}
	RequestStop() bool
}

// Observer receives session timeline events.
type Observer interface {
	Observe(ctx context.Context, evt protocol.SessionEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, evt protocol.SessionEvent)

func (f ObserverFunc) Observe(ctx context.Context, evt protocol.SessionEvent) { f(ctx, evt) }

// Observers fans events out to every member in order.
type Observers []Observer

func (o Observers) Observe(ctx context.Context, evt protocol.SessionEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(ctx, evt)
		}
	}
}

func remoteAddr(t Transport) string {
	if ra, ok := t.(interface{ RemoteAddr() string }); ok {
		return ra.RemoteAddr()
	}
	return ""
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
