package state

import (
	"context"
	"encoding/json"
	"fmt"

	"skylift/orchestrator/internal/logging"
	"skylift/orchestrator/internal/messages"
)

// StreamEvent pairs one raw world-state payload with its stream sequence number.
type StreamEvent struct {
	Seq     uint64
	Payload []byte
}

// EventSource yields totally-ordered world-state events. Next blocks until an
// event arrives; a returned error means the stream closed and the consumer
// process must terminate.
type EventSource interface {
	Next(ctx context.Context) (StreamEvent, error)
}

// RunConsumer drives the single writer of the world-state projection.
//
// It applies every event in stream order and only returns on stream closure,
// context cancellation, or a fatal projection error.
func RunConsumer(ctx context.Context, source EventSource, handle StateHandle, log *logging.Logger) error {
	if log == nil {
		log = logging.L()
	}
	for {
		event, err := source.Next(ctx)
		if err != nil {
			//1.- Stream closure is fatal for the consumer process, never retried here.
			return fmt.Errorf("world-state stream closed: %w", err)
		}
		var msg messages.WorldStateMessage
		if err := json.Unmarshal(event.Payload, &msg); err != nil {
			log.Warn("skipping undecodable world-state event",
				logging.Uint64("seq", event.Seq), logging.Error(err))
			continue
		}
		if err := handle.Apply(msg, event.Seq); err != nil {
			//2.- Projection invariant violations indicate a producer bug; stop rather
			// than continue on corrupt state.
			return fmt.Errorf("projection error at seq %d: %w", event.Seq, err)
		}
	}
}
