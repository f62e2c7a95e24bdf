package heartbeat

import (
	"context"
	"net"
	"time"

	"skylift/orchestrator/internal/logging"
	"skylift/orchestrator/internal/messages"
)

// DefaultInterval is the keepalive cadence; the eligibility window upstream is
// three times as long, so a single dropped beat never costs scheduling.
const DefaultInterval = 10 * time.Second

// Publisher is the slice of the bus client the heartbeat depends on.
type Publisher interface {
	PublishDurable(ctx context.Context, subject string, payload any) error
}

// Heartbeat publishes a drone's metadata, live-state transitions, and periodic
// keepalives onto the world-state stream.
type Heartbeat struct {
	bus      Publisher
	cluster  messages.ClusterName
	drone    string
	ip       net.IP
	version  string
	interval time.Duration
	now      func() time.Time
	log      *logging.Logger
}

// Option configures optional Heartbeat behaviour at construction time.
type Option func(*Heartbeat)

// WithInterval overrides the keepalive cadence.
func WithInterval(interval time.Duration) Option {
	return func(h *Heartbeat) {
		if interval > 0 {
			h.interval = interval
		}
	}
}

// WithClock overrides the wall-clock source.
func WithClock(clock func() time.Time) Option {
	return func(h *Heartbeat) {
		if clock != nil {
			h.now = clock
		}
	}
}

// New constructs a heartbeat for one drone.
func New(bus Publisher, cluster messages.ClusterName, drone string, ip net.IP, version string, log *logging.Logger, opts ...Option) *Heartbeat {
	if log == nil {
		log = logging.L()
	}
	h := &Heartbeat{
		bus:      bus,
		cluster:  cluster,
		drone:    drone,
		ip:       ip,
		version:  version,
		interval: DefaultInterval,
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *Heartbeat) publish(ctx context.Context, msg messages.DroneMessage) error {
	msg.Drone = h.drone
	event := messages.WorldStateMessage{
		Cluster: h.cluster,
		Message: messages.ClusterStateMessage{Drone: &msg},
	}
	return h.bus.PublishDurable(ctx, event.Subject(), event)
}

// AnnounceStarting reports metadata and the Starting live-state.
func (h *Heartbeat) AnnounceStarting(ctx context.Context) error {
	//1.- Metadata first: a drone is not schedulable until its meta is known.
	if err := h.publish(ctx, messages.DroneMessage{
		Meta: &messages.DroneMeta{IP: h.ip.String(), Version: h.version},
	}); err != nil {
		return err
	}
	return h.publish(ctx, messages.DroneMessage{
		State: &messages.DroneStateUpdate{State: messages.DroneStarting, Timestamp: h.now()},
	})
}

// AnnounceReady reports the Ready live-state.
func (h *Heartbeat) AnnounceReady(ctx context.Context) error {
	return h.publish(ctx, messages.DroneMessage{
		State: &messages.DroneStateUpdate{State: messages.DroneReady, Timestamp: h.now()},
	})
}

// AnnounceDraining reports the Draining live-state ahead of shutdown.
func (h *Heartbeat) AnnounceDraining(ctx context.Context) error {
	return h.publish(ctx, messages.DroneMessage{
		State: &messages.DroneStateUpdate{State: messages.DroneDraining, Timestamp: h.now()},
	})
}

// Run publishes keepalives on the configured cadence until ctx ends, then
// reports the Stopped live-state best-effort.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	//1.- Publish an immediate keepalive so eligibility never waits a full interval.
	if err := h.beat(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			//2.- Best-effort Stopped marker; the keepalive window expires regardless.
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := h.publish(stopCtx, messages.DroneMessage{
				State: &messages.DroneStateUpdate{State: messages.DroneStopped, Timestamp: h.now()},
			}); err != nil {
				h.log.Warn("failed to publish stopped state", logging.Error(err))
			}
			return ctx.Err()
		case <-ticker.C:
			if err := h.beat(ctx); err != nil {
				h.log.Warn("keepalive publish failed", logging.Error(err))
			}
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) error {
	return h.publish(ctx, messages.DroneMessage{
		KeepAlive: &messages.KeepAlive{Timestamp: h.now()},
	})
}
