package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"

	"skylift/orchestrator/internal/logging"
	"skylift/orchestrator/internal/messages"
)

// eventRestartDelay paces reconnection to the Docker event feed after an error.
const eventRestartDelay = time.Second

// DockerRuntime drives backends as Docker containers.
type DockerRuntime struct {
	docker  *client.Client
	runtime string
	log     *logging.Logger
}

// NewDockerRuntime connects to the local Docker daemon. The optional runtime
// name selects an alternate OCI runtime (for example gVisor) for containers.
func NewDockerRuntime(runtimeName string, log *logging.Logger) (*DockerRuntime, error) {
	if log == nil {
		log = logging.L()
	}
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	return &DockerRuntime{docker: docker, runtime: runtimeName, log: log}, nil
}

// Pull fetches the image, authenticating against the registry when credentials
// are provided.
func (d *DockerRuntime) Pull(ctx context.Context, imageRef string, credentials *messages.DockerCredentials) error {
	options := image.PullOptions{}
	if credentials != nil {
		auth, err := encodeRegistryAuth(credentials)
		if err != nil {
			return err
		}
		options.RegistryAuth = auth
	}
	reader, err := d.docker.ImagePull(ctx, imageRef, options)
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageRef, err)
	}
	defer reader.Close()
	//1.- The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull progress for %s: %w", imageRef, err)
	}
	return nil
}

func encodeRegistryAuth(credentials *messages.DockerCredentials) (string, error) {
	payload, err := json.Marshal(registry.AuthConfig{
		Username: credentials.Username,
		Password: credentials.Password,
	})
	if err != nil {
		return "", fmt.Errorf("encoding registry credentials: %w", err)
	}
	return base64.URLEncoding.EncodeToString(payload), nil
}

// Spawn creates and starts the backend's container and resolves its host port.
func (d *DockerRuntime) Spawn(ctx context.Context, backendID, containerID string, cfg Config) (SpawnResult, error) {
	env := make([]string, 0, len(cfg.Env))
	for key, value := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}

	created, err := d.docker.ContainerCreate(ctx,
		&container.Config{
			Image: cfg.Image,
			Env:   env,
			//1.- The backend label is how every other runtime call finds our containers.
			Labels: map[string]string{BackendLabel: backendID},
		},
		&container.HostConfig{
			PublishAllPorts: true,
			Runtime:         d.runtime,
		},
		nil, nil, containerID)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("creating container for %s: %w", backendID, err)
	}

	if err := d.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return SpawnResult{}, fmt.Errorf("starting container for %s: %w", backendID, err)
	}

	port, err := d.hostPort(ctx, created.ID)
	if err != nil {
		return SpawnResult{}, err
	}
	return SpawnResult{ContainerID: created.ID, Port: port}, nil
}

func (d *DockerRuntime) hostPort(ctx context.Context, containerID string) (uint16, error) {
	inspected, err := d.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("inspecting container %s: %w", containerID, err)
	}
	if inspected.NetworkSettings == nil {
		return 0, fmt.Errorf("container %s has no network settings", containerID)
	}
	//1.- Take the first published binding; backends expose a single service port.
	for _, bindings := range inspected.NetworkSettings.Ports {
		for _, binding := range bindings {
			port, err := strconv.ParseUint(binding.HostPort, 10, 16)
			if err != nil {
				continue
			}
			return uint16(port), nil
		}
	}
	return 0, fmt.Errorf("container %s published no ports", containerID)
}

// Terminate stops the container; hard sends SIGKILL instead of a graceful stop.
func (d *DockerRuntime) Terminate(ctx context.Context, containerID string, hard bool) error {
	if hard {
		if err := d.docker.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
			return fmt.Errorf("killing container %s: %w", containerID, err)
		}
		return nil
	}
	if err := d.docker.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		return fmt.Errorf("stopping container %s: %w", containerID, err)
	}
	return nil
}

// GetMetrics takes a one-shot stats sample for the container.
func (d *DockerRuntime) GetMetrics(ctx context.Context, containerID string) (RawStats, error) {
	resp, err := d.docker.ContainerStats(ctx, containerID, false)
	if err != nil {
		return RawStats{}, fmt.Errorf("sampling stats for %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return RawStats{}, fmt.Errorf("decoding stats for %s: %w", containerID, err)
	}

	raw := RawStats{
		MemoryStats:   stats.MemoryStats.Stats,
		CPUTotalUsage: stats.CPUStats.CPUUsage.TotalUsage,
	}
	//1.- Docker omits absent counters as zero; map those to missing fields so the
	// converter can refuse the sample instead of reporting zeros.
	if stats.MemoryStats.Usage != 0 {
		usage := stats.MemoryStats.Usage
		raw.MemoryUsage = &usage
	}
	if stats.CPUStats.SystemUsage != 0 {
		sys := stats.CPUStats.SystemUsage
		raw.SystemCPUUsage = &sys
	}
	return raw, nil
}

// Events surfaces die/stop notifications for managed containers. The feed is
// infinite and restarts across daemon hiccups; it closes only with ctx.
func (d *DockerRuntime) Events(ctx context.Context) <-chan TerminateEvent {
	out := make(chan TerminateEvent)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			if err := d.streamEvents(ctx, out); err != nil && ctx.Err() == nil {
				d.log.Warn("docker event stream interrupted, restarting", logging.Error(err))
				//1.- Pace reconnects so a flapping daemon cannot spin this loop.
				select {
				case <-ctx.Done():
					return
				case <-time.After(eventRestartDelay):
				}
			}
		}
	}()
	return out
}

func (d *DockerRuntime) streamEvents(ctx context.Context, out chan<- TerminateEvent) error {
	eventFilters := filters.NewArgs(
		filters.Arg("type", "container"),
		filters.Arg("event", "die"),
		filters.Arg("event", "stop"),
		//1.- Only containers carrying the backend label are ours to report.
		filters.Arg("label", BackendLabel),
	)
	messagesCh, errsCh := d.docker.Events(ctx, events.ListOptions{Filters: eventFilters})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errsCh:
			return err
		case msg := <-messagesCh:
			event, ok := d.convertEvent(msg)
			if !ok {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (d *DockerRuntime) convertEvent(msg events.Message) (TerminateEvent, bool) {
	attributes := msg.Actor.Attributes
	if attributes == nil {
		d.log.Warn("docker event without actor attributes")
		return TerminateEvent{}, false
	}
	backendID, ok := attributes[BackendLabel]
	if !ok {
		//1.- Expected when unmanaged containers share the daemon; skip quietly.
		return TerminateEvent{}, false
	}
	event := TerminateEvent{BackendID: backendID}
	if raw, ok := attributes["exitCode"]; ok {
		if code, err := strconv.Atoi(raw); err == nil {
			event.ExitCode = &code
		}
	}
	return event, true
}
