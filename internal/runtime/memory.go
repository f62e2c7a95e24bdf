package runtime

import (
	"context"
	"fmt"
	"sync"

	"skylift/orchestrator/internal/messages"
)

// MemoryRuntime is a deterministic in-memory Runtime for tests.
type MemoryRuntime struct {
	mu         sync.Mutex
	pulled     []string
	spawned    map[string]string
	terminated map[string]bool
	pullErrs   map[string]error
	spawnErrs  map[string]error
	events     chan TerminateEvent
	nextPort   uint16
}

// NewMemoryRuntime constructs an empty in-memory runtime.
func NewMemoryRuntime() *MemoryRuntime {
	return &MemoryRuntime{
		spawned:    make(map[string]string),
		terminated: make(map[string]bool),
		pullErrs:   make(map[string]error),
		spawnErrs:  make(map[string]error),
		events:     make(chan TerminateEvent, 16),
		nextPort:   30000,
	}
}

// FailPull scripts a pull failure for the image.
func (m *MemoryRuntime) FailPull(image string, err error) {
	m.mu.Lock()
	m.pullErrs[image] = err
	m.mu.Unlock()
}

// FailSpawn scripts a spawn failure for the backend.
func (m *MemoryRuntime) FailSpawn(backendID string, err error) {
	m.mu.Lock()
	m.spawnErrs[backendID] = err
	m.mu.Unlock()
}

// Pull records the request and returns any scripted failure.
func (m *MemoryRuntime) Pull(ctx context.Context, image string, credentials *messages.DockerCredentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulled = append(m.pulled, image)
	return m.pullErrs[image]
}

// Spawn records the container and assigns a synthetic port.
func (m *MemoryRuntime) Spawn(ctx context.Context, backendID, containerID string, cfg Config) (SpawnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.spawnErrs[backendID]; err != nil {
		return SpawnResult{}, err
	}
	m.spawned[backendID] = containerID
	m.nextPort++
	return SpawnResult{ContainerID: containerID, Port: m.nextPort}, nil
}

// Terminate records the stop request for later assertions.
func (m *MemoryRuntime) Terminate(ctx context.Context, containerID string, hard bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated[containerID] = hard
	return nil
}

// GetMetrics returns a fixed v2-shaped sample.
func (m *MemoryRuntime) GetMetrics(ctx context.Context, containerID string) (RawStats, error) {
	usage := uint64(1 << 20)
	sys := uint64(1 << 30)
	return RawStats{
		MemoryUsage:    &usage,
		SystemCPUUsage: &sys,
		CPUTotalUsage:  1 << 20,
		MemoryStats:    map[string]uint64{"anon": 1 << 19, "file": 1 << 19, "inactive_file": 0},
	}, nil
}

// Events exposes the scripted exit feed.
func (m *MemoryRuntime) Events(ctx context.Context) <-chan TerminateEvent {
	out := make(chan TerminateEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-m.events:
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// EmitExit injects one container exit into the event feed.
func (m *MemoryRuntime) EmitExit(backendID string, exitCode *int) {
	m.events <- TerminateEvent{BackendID: backendID, ExitCode: exitCode}
}

// ContainerFor reports the container created for a backend.
func (m *MemoryRuntime) ContainerFor(backendID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.spawned[backendID]
	return id, ok
}

// TerminatedHard reports whether the container was stopped, and how.
func (m *MemoryRuntime) TerminatedHard(containerID string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hard, ok := m.terminated[containerID]
	return hard, ok
}

// PulledImages lists the images pulled so far.
func (m *MemoryRuntime) PulledImages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.pulled...)
}

var _ Runtime = (*MemoryRuntime)(nil)

// String identifies the runtime in log output.
func (m *MemoryRuntime) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("memory-runtime(%d backends)", len(m.spawned))
}
