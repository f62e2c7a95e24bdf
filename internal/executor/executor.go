package executor

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"skylift/orchestrator/internal/logging"
	"skylift/orchestrator/internal/messages"
	"skylift/orchestrator/internal/runtime"
	"skylift/orchestrator/internal/store"
)

// ErrInvalidAction reports a backend action with no populated member.
var ErrInvalidAction = errors.New("backend action has no populated member")

// Executor owns every backend container on one drone host.
type Executor struct {
	rt    runtime.Runtime
	store *store.Store
	ip    net.IP
	log   *logging.Logger
	now   func() time.Time

	// backends supports lock-free lookups; managers are removed by the reaper.
	backends sync.Map

	cancel     context.CancelFunc
	reaperDone chan struct{}

	managerOpts []ManagerOption
}

// Option configures optional Executor behaviour at construction time.
type Option func(*Executor)

// WithClock overrides the wall-clock source used for event timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithManagerOptions forwards options to every backend manager the executor creates.
func WithManagerOptions(opts ...ManagerOption) Option {
	return func(e *Executor) {
		e.managerOpts = append(e.managerOpts, opts...)
	}
}

// New constructs the executor and starts its event reaper.
func New(rt runtime.Runtime, st *store.Store, ip net.IP, log *logging.Logger, opts ...Option) *Executor {
	if log == nil {
		log = logging.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	executor := &Executor{
		rt:         rt,
		store:      st,
		ip:         ip,
		log:        log,
		now:        time.Now,
		cancel:     cancel,
		reaperDone: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(executor)
		}
	}
	go executor.reap(ctx)
	return executor
}

// IP reports the address this drone advertises to the world.
func (e *Executor) IP() net.IP {
	return e.ip
}

// RegisterListener subscribes to the backend state events this drone records.
func (e *Executor) RegisterListener(listener func(messages.BackendStateMessage)) error {
	return e.store.RegisterListener(listener)
}

// AckEvent advances the durable cursor past an upstream-confirmed event.
func (e *Executor) AckEvent(eventID int64) error {
	return e.store.AckEvent(eventID)
}

// Backend returns the manager for a backend, when one is live on this host.
func (e *Executor) Backend(backendID string) (*BackendManager, bool) {
	value, ok := e.backends.Load(backendID)
	if !ok {
		return nil, false
	}
	return value.(*BackendManager), true
}

// ApplyAction executes one spawn or terminate action against this host.
func (e *Executor) ApplyAction(ctx context.Context, backendID string, action messages.BackendAction) error {
	switch {
	case action.Spawn != nil:
		return e.applySpawn(ctx, backendID, *action.Spawn)
	case action.Terminate != nil:
		return e.applyTerminate(ctx, backendID, *action.Terminate)
	default:
		return ErrInvalidAction
	}
}

func (e *Executor) applySpawn(ctx context.Context, backendID string, spawn messages.SpawnAction) error {
	recorder := func(state messages.BackendLifecycleState, exitCode *int) {
		//1.- Each transition is persisted with the wall clock at the transition.
		if err := e.store.RegisterEvent(backendID, state, e.now().UTC(), exitCode); err != nil {
			e.log.Error("failed to record backend state event",
				logging.String("backend_id", backendID),
				logging.String("state", string(state)),
				logging.Error(err))
		}
	}

	e.log.Info("inserting backend", logging.String("backend_id", backendID))
	manager := NewBackendManager(context.Background(), backendID, e.rt, spawn, recorder, e.log, e.managerOpts...)
	e.backends.Store(backendID, manager)
	return nil
}

func (e *Executor) applyTerminate(ctx context.Context, backendID string, action messages.TerminateAction) error {
	value, ok := e.backends.Load(backendID)
	if !ok {
		//1.- An absent backend is assumed already terminated; success, not error.
		e.log.Warn("backend not found when handling terminate action (assumed terminated)",
			logging.String("backend_id", backendID))
		return nil
	}
	//2.- The map lookup is released before awaiting termination; the manager's
	// state callback takes the store lock and must never be held up by ours.
	manager := value.(*BackendManager)
	return manager.Terminate(ctx, action.Kind, action.Reason)
}

// reap consumes the runtime's exit feed, removing managers and recording the
// observed exits.
func (e *Executor) reap(ctx context.Context) {
	defer close(e.reaperDone)
	events := e.rt.Events(ctx)
	for event := range events {
		value, ok := e.backends.LoadAndDelete(event.BackendID)
		if !ok {
			//1.- Containers not managed by this drone may share the host.
			e.log.Warn("exit event for unknown backend",
				logging.String("backend_id", event.BackendID))
			continue
		}
		exitCode := -1
		if event.ExitCode != nil {
			exitCode = *event.ExitCode
		}
		e.log.Info("backend terminated",
			logging.String("backend_id", event.BackendID),
			logging.Int("exit_code", exitCode))
		value.(*BackendManager).MarkTerminated(event.ExitCode)
	}
	e.log.Info("backend event listener stopped")
}

// Close stops the reaper and every live backend manager's drive loop.
func (e *Executor) Close() {
	e.cancel()
	e.backends.Range(func(_, value any) bool {
		value.(*BackendManager).cancel()
		return true
	})
	<-e.reaperDone
}
