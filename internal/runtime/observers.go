package runtime

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/session"
)

// sessionObservers forwards timeline events to the bus and the event store.
// Either may be nil.
func sessionObservers(busClient *bus.Client, events *eventstore.Store, logger *slog.Logger) session.Observer {
	log := logger.With(slog.String("component", "timeline"))
	var obs session.Observers
	if busClient != nil {
		obs = append(obs, session.ObserverFunc(func(ctx context.Context, evt protocol.SessionEvent) {
			if err := busClient.PublishEvent(ctx, evt); err != nil {
				log.Warn("failed to publish session event", slog.String("type", string(evt.Type)), slogError(err))
			}
		}))
	}
	if events != nil {
		obs = append(obs, session.ObserverFunc(func(ctx context.Context, evt protocol.SessionEvent) {
			if err := events.RecordSessionEvent(ctx, evt); err != nil {
				log.Warn("failed to record session event", slog.String("type", string(evt.Type)), slogError(err))
			}
		}))
	}
	return obs
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
