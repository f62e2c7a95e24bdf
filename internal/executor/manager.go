package executor

import (
	"context"
	"sync"
	"time"

	"skylift/orchestrator/internal/logging"
	"skylift/orchestrator/internal/messages"
	"skylift/orchestrator/internal/monitor"
	"skylift/orchestrator/internal/runtime"
)

// defaultIdlePoll is how often a Ready backend's idle clock is checked.
const defaultIdlePoll = time.Second

// StateRecorder persists one lifecycle transition. Implementations must be
// synchronous; the manager relies on the write completing before it returns.
type StateRecorder func(state messages.BackendLifecycleState, exitCode *int)

// BackendManager drives one backend through its lifecycle state machine.
type BackendManager struct {
	backendID   string
	containerID string
	rt          runtime.Runtime
	spawn       messages.SpawnAction
	record      StateRecorder
	activity    *monitor.Monitor
	log         *logging.Logger
	now         func() time.Time
	idlePoll    time.Duration

	mu                 sync.Mutex
	current            messages.BackendLifecycleState
	terminateRequested bool
	port               uint16

	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerOption configures optional BackendManager behaviour.
type ManagerOption func(*BackendManager)

// WithManagerClock overrides the wall-clock source.
func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *BackendManager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithIdlePoll overrides the idle check cadence.
func WithIdlePoll(interval time.Duration) ManagerOption {
	return func(m *BackendManager) {
		if interval > 0 {
			m.idlePoll = interval
		}
	}
}

// NewBackendManager constructs the manager and starts driving the backend.
//
// Every state transition is reported through record before the manager moves on;
// the initial Scheduled state is recorded immediately.
func NewBackendManager(ctx context.Context, backendID string, rt runtime.Runtime, spawn messages.SpawnAction, record StateRecorder, log *logging.Logger, opts ...ManagerOption) *BackendManager {
	if log == nil {
		log = logging.L()
	}
	runCtx, cancel := context.WithCancel(ctx)
	manager := &BackendManager{
		backendID:   backendID,
		containerID: backendID,
		rt:          rt,
		spawn:       spawn,
		record:      record,
		log:         log.With(logging.String("backend_id", backendID)),
		now:         time.Now,
		idlePoll:    defaultIdlePoll,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	manager.activity = monitor.New(manager.now)
	go manager.run(runCtx)
	return manager
}

// Activity exposes the backend's connection monitor.
func (m *BackendManager) Activity() *monitor.Monitor {
	return m.activity
}

// Port reports the host port the backend is reachable on, once Ready.
func (m *BackendManager) Port() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

// State reports the backend's current lifecycle state.
func (m *BackendManager) State() messages.BackendLifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Done closes once the manager's drive loop has exited.
func (m *BackendManager) Done() <-chan struct{} {
	return m.done
}

func (m *BackendManager) run(ctx context.Context) {
	defer close(m.done)

	m.setState(messages.BackendScheduled, nil)

	//1.- Loading covers the image pull; a pull failure is ErrorLoading.
	m.setState(messages.BackendLoading, nil)
	if err := m.rt.Pull(ctx, m.spawn.Image, m.spawn.Credentials); err != nil {
		if ctx.Err() == nil {
			m.log.Error("image pull failed", logging.Error(err))
			m.setState(messages.BackendErrorLoading, nil)
		}
		return
	}

	if ctx.Err() != nil {
		return
	}

	//2.- Starting covers container creation through the port becoming known.
	m.setState(messages.BackendStarting, nil)
	result, err := m.rt.Spawn(ctx, m.backendID, m.containerID, runtime.Config{
		Image:       m.spawn.Image,
		Env:         m.spawn.Env,
		Credentials: m.spawn.Credentials,
	})
	if err != nil {
		if ctx.Err() == nil {
			m.log.Error("container start failed", logging.Error(err))
			m.setState(messages.BackendErrorStarting, nil)
		}
		return
	}
	m.mu.Lock()
	m.containerID = result.ContainerID
	m.port = result.Port
	m.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	m.setState(messages.BackendReady, nil)
	m.sweepLoop(ctx)
}

func (m *BackendManager) sweepLoop(ctx context.Context) {
	if m.spawn.MaxIdleSeconds <= 0 {
		//1.- Idle sweeping disabled; the backend lives until terminated or it exits.
		<-ctx.Done()
		return
	}
	maxIdle := time.Duration(m.spawn.MaxIdleSeconds) * time.Second
	ticker := time.NewTicker(m.idlePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := m.activity.Status()
			if status.LiveConnections > 0 || status.IdleFor < maxIdle {
				continue
			}
			m.log.Info("sweeping idle backend", logging.Duration("idle", status.IdleFor))
			if err := m.Terminate(context.Background(), messages.TerminationSoft, messages.TerminationSwept); err != nil {
				m.log.Error("idle sweep failed", logging.Error(err))
			}
			return
		}
	}
}

// Terminate stops the backend. Sweep terminations land in Swept, everything
// else in Terminated. Terminating an already-terminal backend is a no-op.
func (m *BackendManager) Terminate(ctx context.Context, kind messages.TerminationKind, reason messages.TerminationReason) error {
	m.mu.Lock()
	if m.current.Terminal() {
		m.mu.Unlock()
		return nil
	}
	m.terminateRequested = true
	containerID := m.containerID
	started := m.current == messages.BackendReady || m.current == messages.BackendStarting
	m.mu.Unlock()

	//1.- Stop the drive loop first so a sweep cannot race the termination.
	m.cancel()

	if started {
		hard := kind == messages.TerminationHard
		if err := m.rt.Terminate(ctx, containerID, hard); err != nil {
			return err
		}
	}

	final := messages.BackendTerminated
	if reason == messages.TerminationSwept {
		final = messages.BackendSwept
	}
	m.setState(final, nil)
	return nil
}

// MarkTerminated records an observed container exit. A non-zero exit without a
// preceding terminate request is a Failed backend; any other unrequested exit is
// Exited. After a terminate request, or once terminal, nothing is recorded.
func (m *BackendManager) MarkTerminated(exitCode *int) {
	m.mu.Lock()
	requested := m.terminateRequested
	terminal := m.current.Terminal()
	m.mu.Unlock()

	m.cancel()
	if terminal || requested {
		//1.- The explicit terminate path already recorded the final state.
		return
	}
	final := messages.BackendExited
	if exitCode != nil && *exitCode != 0 {
		final = messages.BackendFailed
	}
	m.setState(final, exitCode)
}

func (m *BackendManager) setState(state messages.BackendLifecycleState, exitCode *int) {
	m.mu.Lock()
	if m.current.Terminal() {
		//1.- Terminal states absorb; late transitions from racing paths are dropped.
		m.mu.Unlock()
		return
	}
	m.current = state
	m.mu.Unlock()

	m.log.Info("backend state changed", logging.String("state", string(state)))
	if m.record != nil {
		//2.- The recorder is synchronous: the durable write finishes before we return.
		m.record(state, exitCode)
	}
}
