package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"skylift/orchestrator/internal/auth"
	"skylift/orchestrator/internal/logging"
	"skylift/orchestrator/internal/messages"
	"skylift/orchestrator/internal/state"
)

// DefaultHandshakeTimeout bounds the request/reply round trip to a drone.
const DefaultHandshakeTimeout = 5 * time.Second

// Picker chooses one drone from the ready candidates. Implementations may
// weight by load; the stock picker is uniformly random.
type Picker interface {
	Pick(ready []string) (string, bool)
}

// RandomPicker selects uniformly at random among the ready drones.
type RandomPicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPicker seeds a picker from the wall clock.
func NewRandomPicker() *RandomPicker {
	return &RandomPicker{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Pick returns a uniformly random candidate, or false when none exist.
func (p *RandomPicker) Pick(ready []string) (string, bool) {
	if p == nil || len(ready) == 0 {
		return "", false
	}
	p.mu.Lock()
	idx := p.rng.Intn(len(ready))
	p.mu.Unlock()
	return ready[idx], true
}

// Bus is the slice of the bus client the scheduler depends on.
type Bus interface {
	// Request performs a bounded JSON request/reply.
	Request(ctx context.Context, subject string, payload, out any) error
	// PublishDurable publishes to a durable stream and waits for the stream ack.
	PublishDurable(ctx context.Context, subject string, payload any) error
}

// Scheduler places backends onto ready drones via a two-phase handshake.
type Scheduler struct {
	state   state.StateHandle
	bus     Bus
	picker  Picker
	timeout time.Duration
	now     func() time.Time
	log     *logging.Logger
}

// Option configures optional Scheduler behaviour at construction time.
type Option func(*Scheduler)

// WithPicker overrides the drone selection policy.
func WithPicker(picker Picker) Option {
	return func(s *Scheduler) {
		if picker != nil {
			s.picker = picker
		}
	}
}

// WithHandshakeTimeout overrides the drone handshake deadline.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithClock overrides the wall-clock source for keepalive eligibility checks.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New constructs a scheduler over the shared world-state handle and bus client.
func New(handle state.StateHandle, b Bus, log *logging.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = logging.L()
	}
	scheduler := &Scheduler{
		state:   handle,
		bus:     b,
		picker:  NewRandomPicker(),
		timeout: DefaultHandshakeTimeout,
		now:     time.Now,
		log:     log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(scheduler)
		}
	}
	return scheduler
}

// Schedule handles one request end to end and returns the structured response.
//
// Placement failures of every kind collapse into NoDroneAvailable; the caller
// retries. A non-nil error means the assignment publish failed after a drone
// accepted, which is fatal to the scheduler process. The assignment publish
// completes before the response is produced, but a reader wanting a causal view
// of the assignment must still sequence-wait on its own world-state consumer.
func (s *Scheduler) Schedule(ctx context.Context, req messages.ScheduleRequest) (messages.ScheduleResponse, error) {
	noDrone := messages.ScheduleResponse{Status: messages.StatusNoDroneAvailable}

	//1.- Collect candidates from a read snapshot of the projection.
	ready, err := s.state.ReadyDrones(req.Cluster, s.now())
	if err != nil || len(ready) == 0 {
		s.log.Warn("no drone available",
			logging.String("cluster", string(req.Cluster)),
			logging.String("backend_id", req.BackendID))
		return noDrone, nil
	}

	//2.- Pick one drone; rejections are not retried within this request.
	drone, ok := s.picker.Pick(ready)
	if !ok {
		return noDrone, nil
	}

	spawn := s.spawnRequest(req, drone)

	//3.- Two-phase handshake: the drone gets a bounded window to accept the spawn.
	handshakeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var accepted bool
	if err := s.bus.Request(handshakeCtx, spawn.Subject(), spawn, &accepted); err != nil {
		s.log.Warn("drone handshake failed",
			logging.String("drone", drone),
			logging.String("backend_id", req.BackendID),
			logging.Error(err))
		return noDrone, nil
	}
	if !accepted {
		s.log.Warn("drone rejected backend",
			logging.String("drone", drone),
			logging.String("backend_id", req.BackendID))
		return noDrone, nil
	}

	//4.- Publish the authoritative assignment before answering the caller.
	assignment := messages.WorldStateMessage{
		Cluster: req.Cluster,
		Message: messages.ClusterStateMessage{Backend: &messages.BackendMessage{
			Backend:    spawn.BackendID,
			Assignment: &messages.BackendAssignment{Drone: drone, BearerToken: spawn.BearerToken},
		}},
	}
	if err := s.bus.PublishDurable(ctx, assignment.Subject(), assignment); err != nil {
		return noDrone, fmt.Errorf("publishing assignment for %s: %w", spawn.BackendID, err)
	}

	s.log.Info("drone accepted backend",
		logging.String("drone", drone),
		logging.String("backend_id", spawn.BackendID))
	return messages.ScheduleResponse{
		Status:      messages.StatusScheduled,
		Drone:       drone,
		BackendID:   spawn.BackendID,
		BearerToken: spawn.BearerToken,
	}, nil
}

func (s *Scheduler) spawnRequest(req messages.ScheduleRequest, drone string) messages.SpawnRequest {
	spawn := messages.SpawnRequest{
		Cluster:        req.Cluster,
		Drone:          drone,
		BackendID:      req.BackendID,
		Image:          req.Image,
		Env:            req.Env,
		Metadata:       req.Metadata,
		Credentials:    req.Credentials,
		MaxIdleSeconds: req.MaxIdleSeconds,
	}
	if req.RequireBearerToken {
		//1.- Tokens are minted here so the assignment and the response agree.
		spawn.BearerToken = auth.MintToken()
	}
	return spawn
}

// Delivery is one inbound schedule request with its response handle.
type Delivery interface {
	Payload() []byte
	Respond(resp messages.ScheduleResponse) error
}

// RequestSource yields schedule requests. A returned error means the
// subscription closed, which is fatal to the scheduler process.
type RequestSource interface {
	Next(ctx context.Context) (Delivery, error)
}

// Run consumes schedule requests until the subscription closes or ctx ends.
func (s *Scheduler) Run(ctx context.Context, source RequestSource) error {
	for {
		delivery, err := source.Next(ctx)
		if err != nil {
			//1.- A dropped subscription is fatal; supervisors restart the process.
			return fmt.Errorf("schedule subscription closed: %w", err)
		}

		var req messages.ScheduleRequest
		if err := json.Unmarshal(delivery.Payload(), &req); err != nil {
			s.log.Warn("ignoring malformed schedule request", logging.Error(err))
			continue
		}

		s.log.Info("handling schedule request",
			logging.String("cluster", string(req.Cluster)),
			logging.String("backend_id", req.BackendID))

		resp, err := s.Schedule(ctx, req)
		if err != nil {
			return err
		}
		if err := delivery.Respond(resp); err != nil {
			s.log.Warn("failed to respond to schedule request", logging.Error(err))
		}
	}
}
