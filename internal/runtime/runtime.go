package runtime

import (
	"context"

	"skylift/orchestrator/internal/messages"
)

// BackendLabel tags every managed container with the backend it belongs to.
// Its presence is how the orchestrator tells its containers apart from others
// sharing the host.
const BackendLabel = "dev.plane.backend"

// Config describes the executable a backend runs.
type Config struct {
	Image       string
	Env         map[string]string
	Credentials *messages.DockerCredentials
}

// SpawnResult reports the resources created for a spawned backend.
type SpawnResult struct {
	ContainerID string
	Port        uint16
}

// TerminateEvent is one observed container exit.
type TerminateEvent struct {
	BackendID string
	ExitCode  *int
}

// RawStats is one resource usage sample in the shape the metrics converter
// consumes. Optional fields are nil when the sample omitted them.
type RawStats struct {
	MemoryUsage    *uint64
	MemoryStats    map[string]uint64
	CPUTotalUsage  uint64
	SystemCPUUsage *uint64
}

// Runtime is the container runtime capability the executor is polymorphic over.
//
// Implementations label every managed resource with BackendLabel and filter
// their event feed down to those resources only.
type Runtime interface {
	// Pull fetches the image for a backend ahead of spawning it.
	Pull(ctx context.Context, image string, credentials *messages.DockerCredentials) error

	// Spawn creates and starts the backend's container, returning its identity
	// and the host port it is reachable on.
	Spawn(ctx context.Context, backendID, containerID string, cfg Config) (SpawnResult, error)

	// Terminate stops the container; hard kills it outright.
	Terminate(ctx context.Context, containerID string, hard bool) error

	// GetMetrics samples the container's resource usage.
	GetMetrics(ctx context.Context, containerID string) (RawStats, error)

	// Events returns the infinite feed of managed-container exits. The feed
	// restarts internally across transport hiccups and only closes with ctx.
	Events(ctx context.Context) <-chan TerminateEvent
}
