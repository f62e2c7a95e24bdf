package reporter

import (
	"context"

	"skylift/orchestrator/internal/logging"
	"skylift/orchestrator/internal/messages"
)

// eventBuffer bounds the in-flight queue between the store fan-out and the bus.
// Overflowing events are dropped here but remain unacked in the store, so they
// are replayed on the next listener registration.
const eventBuffer = 100

// Publisher is the slice of the bus client the reporter depends on.
type Publisher interface {
	PublishDurable(ctx context.Context, subject string, payload any) error
}

// EventSource is the slice of the executor the reporter depends on.
type EventSource interface {
	RegisterListener(listener func(messages.BackendStateMessage)) error
	AckEvent(eventID int64) error
}

// Reporter mirrors the drone's backend state events onto the backend-state
// stream, acknowledging each store event only after the bus confirmed it.
type Reporter struct {
	bus    Publisher
	source EventSource
	log    *logging.Logger
}

// New constructs a reporter between the local store and the bus.
func New(bus Publisher, source EventSource, log *logging.Logger) *Reporter {
	if log == nil {
		log = logging.L()
	}
	return &Reporter{bus: bus, source: source, log: log}
}

// Run forwards events until ctx ends. Registration replays the unacked backlog
// first, so a restart never loses transitions.
func (r *Reporter) Run(ctx context.Context) error {
	events := make(chan messages.BackendStateMessage, eventBuffer)
	err := r.source.RegisterListener(func(event messages.BackendStateMessage) {
		select {
		case events <- event:
		default:
			//1.- Dropping here is safe: the event stays unacked in the store and is
			// replayed when the reporter reconnects.
			r.log.Warn("reporter queue full, deferring event",
				logging.Int64("event_id", event.EventID))
		}
	})
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-events:
			r.forward(ctx, event)
		}
	}
}

func (r *Reporter) forward(ctx context.Context, event messages.BackendStateMessage) {
	//1.- The durable publish must succeed before the cursor may advance.
	if err := r.bus.PublishDurable(ctx, event.Subject(), event); err != nil {
		r.log.Warn("failed to publish backend state event",
			logging.Int64("event_id", event.EventID),
			logging.String("backend_id", event.Backend),
			logging.Error(err))
		return
	}
	if err := r.source.AckEvent(event.EventID); err != nil {
		r.log.Error("failed to ack published event",
			logging.Int64("event_id", event.EventID),
			logging.Error(err))
	}
}
