package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"skylift/orchestrator/internal/bus"
	configpkg "skylift/orchestrator/internal/config"
	"skylift/orchestrator/internal/executor"
	"skylift/orchestrator/internal/heartbeat"
	"skylift/orchestrator/internal/logging"
	"skylift/orchestrator/internal/messages"
	"skylift/orchestrator/internal/names"
	"skylift/orchestrator/internal/reporter"
	"skylift/orchestrator/internal/runtime"
	"skylift/orchestrator/internal/scheduler"
	"skylift/orchestrator/internal/state"
	"skylift/orchestrator/internal/store"
)

func main() {
	cfg, err := configpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging, string(cfg.Role))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := bus.Connect(ctx, cfg.NatsURL, logger)
	if err != nil {
		logger.Fatal("bus connection failed", logging.Error(err))
	}
	defer client.Close()

	if err := client.EnsureStreams(); err != nil {
		logger.Fatal("stream setup failed", logging.Error(err))
	}

	switch cfg.Role {
	case configpkg.RoleController:
		err = runController(ctx, cfg, client, logger)
	case configpkg.RoleDrone:
		err = runDrone(ctx, cfg, client, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("orchestrator terminated", logging.Error(err))
	}
	logger.Info("orchestrator shut down")
}

// runController hosts the world-state engine and the scheduler.
func runController(ctx context.Context, cfg *configpkg.Config, client *bus.Client, logger *logging.Logger) error {
	handle := state.NewStateHandle(logger)

	source, err := client.WorldStateSource()
	if err != nil {
		return err
	}
	defer source.Close()

	requests, err := client.Subscribe(messages.ScheduleSubscribeSubject)
	if err != nil {
		return err
	}
	defer requests.Close()

	sched := scheduler.New(handle, client, logger,
		scheduler.WithHandshakeTimeout(cfg.ScheduleTimeout))

	logger.Info("controller started")
	group, ctx := errgroup.WithContext(ctx)
	//1.- The stream consumer is the projection's single writer.
	group.Go(func() error {
		return state.RunConsumer(ctx, source, handle, logger)
	})
	//2.- The scheduler serves requests against read snapshots of the projection.
	group.Go(func() error {
		return sched.Run(ctx, scheduleSource{sub: requests})
	})
	return group.Wait()
}

// scheduleSource adapts a bus subscription to the scheduler's request source.
type scheduleSource struct {
	sub *bus.Subscription
}

func (s scheduleSource) Next(ctx context.Context) (scheduler.Delivery, error) {
	msg, err := s.sub.Next(ctx)
	if err != nil {
		return nil, err
	}
	return scheduleDelivery{msg: msg}, nil
}

type scheduleDelivery struct {
	msg *bus.Message
}

func (d scheduleDelivery) Payload() []byte { return d.msg.Data }

func (d scheduleDelivery) Respond(resp messages.ScheduleResponse) error {
	return d.msg.Respond(resp)
}

// runDrone hosts the executor, state store, heartbeat, and upstream reporter.
func runDrone(ctx context.Context, cfg *configpkg.Config, client *bus.Client, logger *logging.Logger) error {
	droneID := cfg.DroneID
	if droneID == "" {
		droneID = names.NewRandom(names.KindDrone)
	}
	if err := names.Validate(names.KindDrone, droneID); err != nil {
		return fmt.Errorf("invalid drone id: %w", err)
	}
	cluster := messages.ClusterName(cfg.Cluster)
	logger = logger.With(logging.String("drone", droneID), logging.String("cluster", cfg.Cluster))

	st, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	rt, err := runtime.NewDockerRuntime(cfg.DockerRuntime, logger)
	if err != nil {
		return err
	}

	exec := executor.New(rt, st, cfg.AdvertiseIP, logger)
	defer exec.Close()

	beat := heartbeat.New(client, cluster, droneID, cfg.AdvertiseIP, cfg.DroneVersion, logger,
		heartbeat.WithInterval(cfg.KeepaliveInterval))
	report := reporter.New(client, exec, logger)

	spawns, err := client.Subscribe(messages.SpawnSubscribeSubject(cluster, droneID))
	if err != nil {
		return err
	}
	defer spawns.Close()

	terminations, err := client.Subscribe(messages.TerminateSubscribeSubject(cluster, droneID))
	if err != nil {
		return err
	}
	defer terminations.Close()

	//1.- Become visible to the scheduler only once every subsystem is wired.
	if err := beat.AnnounceStarting(ctx); err != nil {
		return err
	}
	if err := beat.AnnounceReady(ctx); err != nil {
		return err
	}
	logger.Info("drone started")

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return beat.Run(ctx) })
	group.Go(func() error { return report.Run(ctx) })
	group.Go(func() error { return serveSpawns(ctx, spawns, exec, logger) })
	group.Go(func() error { return serveTerminations(ctx, terminations, exec, logger) })
	return group.Wait()
}

// serveSpawns answers the scheduler's two-phase handshake offers.
func serveSpawns(ctx context.Context, sub *bus.Subscription, exec *executor.Executor, logger *logging.Logger) error {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return fmt.Errorf("spawn subscription closed: %w", err)
		}
		var req messages.SpawnRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			logger.Warn("ignoring malformed spawn request", logging.Error(err))
			continue
		}
		if err := names.Validate(names.KindBackend, req.BackendID); err != nil {
			logger.Warn("rejecting spawn with invalid backend id",
				logging.String("backend_id", req.BackendID), logging.Error(err))
			respond(msg, false, logger)
			continue
		}

		action := messages.BackendAction{Spawn: &messages.SpawnAction{
			Image:          req.Image,
			Env:            req.Env,
			Credentials:    req.Credentials,
			MaxIdleSeconds: req.MaxIdleSeconds,
			StaticToken:    req.BearerToken,
		}}
		accepted := exec.ApplyAction(ctx, req.BackendID, action) == nil
		respond(msg, accepted, logger)
	}
}

// serveTerminations applies terminate requests; absent backends are success.
func serveTerminations(ctx context.Context, sub *bus.Subscription, exec *executor.Executor, logger *logging.Logger) error {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return fmt.Errorf("terminate subscription closed: %w", err)
		}
		var req messages.TerminateRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			logger.Warn("ignoring malformed terminate request", logging.Error(err))
			continue
		}

		//1.- Bound the container stop so a wedged runtime cannot stall the loop.
		termCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = exec.ApplyAction(termCtx, req.BackendID, messages.BackendAction{
			Terminate: &messages.TerminateAction{Kind: req.Kind, Reason: req.Reason},
		})
		cancel()
		if err != nil {
			logger.Error("terminate action failed",
				logging.String("backend_id", req.BackendID), logging.Error(err))
		}
		respond(msg, err == nil, logger)
	}
}

func respond(msg *bus.Message, accepted bool, logger *logging.Logger) {
	if err := msg.Respond(accepted); err != nil {
		logger.Warn("failed to respond on bus", logging.Error(err))
	}
}
