package state

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"skylift/orchestrator/internal/logging"
	"skylift/orchestrator/internal/messages"
)

func droneEvent(cluster messages.ClusterName, drone string, inner messages.DroneMessage) messages.WorldStateMessage {
	inner.Drone = drone
	return messages.WorldStateMessage{Cluster: cluster, Message: messages.ClusterStateMessage{Drone: &inner}}
}

func backendEvent(cluster messages.ClusterName, backend string, inner messages.BackendMessage) messages.WorldStateMessage {
	inner.Backend = backend
	return messages.WorldStateMessage{Cluster: cluster, Message: messages.ClusterStateMessage{Backend: &inner}}
}

func acmeEvent(cluster messages.ClusterName, value string) messages.WorldStateMessage {
	return messages.WorldStateMessage{Cluster: cluster, Message: messages.ClusterStateMessage{Acme: &messages.AcmeDNSRecord{Value: value}}}
}

func lockAnnounce(cluster messages.ClusterName, lock, uid string) messages.WorldStateMessage {
	return messages.WorldStateMessage{Cluster: cluster, Message: messages.ClusterStateMessage{
		Lock: &messages.LockMessage{Lock: lock, Announce: &messages.LockAnnounce{UID: uid}},
	}}
}

func waitResolved(t *testing.T, waiter *SeqWaiter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := waiter.Wait(ctx); err != nil {
		t.Fatalf("waiter did not resolve: %v", err)
	}
}

func waitPending(t *testing.T, waiter *SeqWaiter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := waiter.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected waiter to pend, got %v", err)
	}
}

func TestSequenceWait(t *testing.T) {
	handle := NewStateHandle(logging.NewTestLogger())

	//1.- Sequence zero is satisfied by the empty projection.
	waitResolved(t, handle.WaitForSeq(0))

	//2.- A waiter on sequence one pends until the first event lands.
	one := handle.WaitForSeq(1)
	oneAgain := handle.WaitForSeq(1)
	two := handle.WaitForSeq(2)
	waitPending(t, one)

	if err := handle.Apply(acmeEvent("cluster", "value"), 1); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	waitResolved(t, one)
	waitResolved(t, oneAgain)

	//3.- The waiter on sequence two remains pending until its event arrives.
	waitPending(t, two)
	if err := handle.Apply(acmeEvent("cluster", "value"), 2); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	waitResolved(t, two)

	//4.- Late registration for an already-applied sequence resolves immediately.
	waitResolved(t, handle.WaitForSeq(2))
}

func TestLogicalTimeMonotonic(t *testing.T) {
	handle := NewStateHandle(logging.NewTestLogger())
	for seq := uint64(1); seq <= 5; seq++ {
		prev := handle.LogicalTime()
		if err := handle.Apply(acmeEvent("c", "v"), seq); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
		if handle.LogicalTime() < prev {
			t.Fatalf("logical time regressed from %d to %d", prev, handle.LogicalTime())
		}
	}
	if handle.LogicalTime() != 5 {
		t.Fatalf("logical time = %d, want 5", handle.LogicalTime())
	}
}

func TestReadyDronesFiltersStaleAndUnready(t *testing.T) {
	handle := NewStateHandle(logging.NewTestLogger())
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	cluster := messages.ClusterName("c1")

	apply := func(seq uint64, msg messages.WorldStateMessage) {
		t.Helper()
		if err := handle.Apply(msg, seq); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}

	//1.- dr-a is Ready with metadata and a fresh keepalive.
	apply(1, droneEvent(cluster, "dr-a", messages.DroneMessage{Meta: &messages.DroneMeta{IP: "10.0.0.1", Version: "1"}}))
	apply(2, droneEvent(cluster, "dr-a", messages.DroneMessage{State: &messages.DroneStateUpdate{State: messages.DroneReady, Timestamp: now.Add(-time.Minute)}}))
	apply(3, droneEvent(cluster, "dr-a", messages.DroneMessage{KeepAlive: &messages.KeepAlive{Timestamp: now.Add(-5 * time.Second)}}))

	//2.- dr-b is merely Starting.
	apply(4, droneEvent(cluster, "dr-b", messages.DroneMessage{Meta: &messages.DroneMeta{IP: "10.0.0.2", Version: "1"}}))
	apply(5, droneEvent(cluster, "dr-b", messages.DroneMessage{State: &messages.DroneStateUpdate{State: messages.DroneStarting, Timestamp: now.Add(-time.Minute)}}))
	apply(6, droneEvent(cluster, "dr-b", messages.DroneMessage{KeepAlive: &messages.KeepAlive{Timestamp: now.Add(-5 * time.Second)}}))

	//3.- dr-x is Ready but its keepalive is a minute old.
	apply(7, droneEvent(cluster, "dr-x", messages.DroneMessage{Meta: &messages.DroneMeta{IP: "10.0.0.3", Version: "1"}}))
	apply(8, droneEvent(cluster, "dr-x", messages.DroneMessage{State: &messages.DroneStateUpdate{State: messages.DroneReady, Timestamp: now.Add(-time.Minute)}}))
	apply(9, droneEvent(cluster, "dr-x", messages.DroneMessage{KeepAlive: &messages.KeepAlive{Timestamp: now.Add(-60 * time.Second)}}))

	//4.- dr-m is Ready and alive but never reported metadata.
	apply(10, droneEvent(cluster, "dr-m", messages.DroneMessage{State: &messages.DroneStateUpdate{State: messages.DroneReady, Timestamp: now.Add(-time.Minute)}}))
	apply(11, droneEvent(cluster, "dr-m", messages.DroneMessage{KeepAlive: &messages.KeepAlive{Timestamp: now.Add(-time.Second)}}))

	ready, err := handle.ReadyDrones(cluster, now)
	if err != nil {
		t.Fatalf("ready drones failed: %v", err)
	}
	if !reflect.DeepEqual(ready, []string{"dr-a"}) {
		t.Fatalf("ready drones = %v, want [dr-a]", ready)
	}

	//5.- An unseen cluster reports ErrClusterNotFound rather than an empty list.
	if _, err := handle.ReadyDrones("missing", now); !errors.Is(err, ErrClusterNotFound) {
		t.Fatalf("expected ErrClusterNotFound, got %v", err)
	}
}

func TestDroneStateGreatestTimestampWins(t *testing.T) {
	handle := NewStateHandle(logging.NewTestLogger())
	now := time.Now().UTC()
	cluster := messages.ClusterName("c1")

	//1.- Apply Ready then a later Draining, then an out-of-order earlier Starting.
	_ = handle.Apply(droneEvent(cluster, "dr-a", messages.DroneMessage{State: &messages.DroneStateUpdate{State: messages.DroneReady, Timestamp: now}}), 1)
	_ = handle.Apply(droneEvent(cluster, "dr-a", messages.DroneMessage{State: &messages.DroneStateUpdate{State: messages.DroneDraining, Timestamp: now.Add(time.Second)}}), 2)
	_ = handle.Apply(droneEvent(cluster, "dr-a", messages.DroneMessage{State: &messages.DroneStateUpdate{State: messages.DroneStarting, Timestamp: now.Add(-time.Second)}}), 3)

	handle.Inspect(func(w *WorldState) {
		if got := w.Cluster(cluster).Drone("dr-a").State(); got != messages.DroneDraining {
			t.Fatalf("drone state = %q, want draining", got)
		}
	})
}

func TestLockLifecycle(t *testing.T) {
	handle := NewStateHandle(logging.NewTestLogger())
	cluster := messages.ClusterName("c1")
	now := time.Now().UTC()

	//1.- Announce claims the slot for uid "u".
	if err := handle.Apply(lockAnnounce(cluster, "L", "u"), 1); err != nil {
		t.Fatalf("announce failed: %v", err)
	}
	handle.Inspect(func(w *WorldState) {
		held := w.Cluster(cluster).Locked("L")
		if held.Kind != LockAnnounced || held.UID != "u" {
			t.Fatalf("lock state = %+v, want announced/u", held)
		}
	})

	//2.- A duplicate announce with a different uid is a no-op.
	if err := handle.Apply(lockAnnounce(cluster, "L", "other"), 2); err != nil {
		t.Fatalf("duplicate announce failed: %v", err)
	}
	handle.Inspect(func(w *WorldState) {
		if held := w.Cluster(cluster).Locked("L"); held.UID != "u" {
			t.Fatalf("duplicate announce overwrote uid: %+v", held)
		}
	})

	//3.- Assignment transitions the lock to the backend.
	if err := handle.Apply(backendEvent(cluster, "ba-7", messages.BackendMessage{LockAssign: &messages.BackendLockAssign{Lock: "L"}}), 3); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	handle.Inspect(func(w *WorldState) {
		held := w.Cluster(cluster).Locked("L")
		if held.Kind != LockAssigned || held.Backend != "ba-7" {
			t.Fatalf("lock state = %+v, want assigned/ba-7", held)
		}
	})

	//4.- The terminal transition removes the lock from the map entirely.
	if err := handle.Apply(backendEvent(cluster, "ba-7", messages.BackendMessage{State: &messages.BackendStateUpdate{State: messages.BackendSwept, Timestamp: now}}), 4); err != nil {
		t.Fatalf("terminal transition failed: %v", err)
	}
	handle.Inspect(func(w *WorldState) {
		c := w.Cluster(cluster)
		if held := c.Locked("L"); held.Kind != LockUnlocked {
			t.Fatalf("lock not released: %+v", held)
		}
		if locks := c.Backend("ba-7").Locks; len(locks) != 0 {
			t.Fatalf("backend lock list not cleared: %v", locks)
		}
	})
}

func TestLockAssignWithoutAnnounceIsFatal(t *testing.T) {
	handle := NewStateHandle(logging.NewTestLogger())
	err := handle.Apply(backendEvent("c1", "ba-1", messages.BackendMessage{LockAssign: &messages.BackendLockAssign{Lock: "ghost"}}), 1)
	if !errors.Is(err, ErrLockNotAnnounced) {
		t.Fatalf("expected ErrLockNotAnnounced, got %v", err)
	}
}

func TestTxtRecordQueueBounded(t *testing.T) {
	handle := NewStateHandle(logging.NewTestLogger())
	cluster := messages.ClusterName("c1")
	for i := 0; i < 12; i++ {
		value := string(rune('a' + i))
		if err := handle.Apply(acmeEvent(cluster, value), uint64(i+1)); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}
	records := handle.TxtRecords(cluster)
	if len(records) != 10 {
		t.Fatalf("expected 10 records, got %d", len(records))
	}
	//1.- The two oldest values must have been dropped.
	if records[0] != "c" || records[9] != "l" {
		t.Fatalf("unexpected queue contents: %v", records)
	}
}

func TestAssignmentRecordsDroneAndToken(t *testing.T) {
	handle := NewStateHandle(logging.NewTestLogger())
	cluster := messages.ClusterName("c1")
	msg := backendEvent(cluster, "ba-1", messages.BackendMessage{Assignment: &messages.BackendAssignment{Drone: "dr-a", BearerToken: "tok"}})
	if err := handle.Apply(msg, 1); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	//1.- Replaying the same assignment yields the same projection.
	if err := handle.Apply(msg, 2); err != nil {
		t.Fatalf("replayed apply failed: %v", err)
	}
	handle.Inspect(func(w *WorldState) {
		backend := w.Cluster(cluster).Backend("ba-1")
		if backend.Drone != "dr-a" || backend.BearerToken != "tok" {
			t.Fatalf("assignment projection = %+v", backend)
		}
	})
}

func TestReplayEquivalence(t *testing.T) {
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	cluster := messages.ClusterName("c1")
	events := []messages.WorldStateMessage{
		droneEvent(cluster, "dr-a", messages.DroneMessage{Meta: &messages.DroneMeta{IP: "10.0.0.1", Version: "1"}}),
		droneEvent(cluster, "dr-a", messages.DroneMessage{State: &messages.DroneStateUpdate{State: messages.DroneReady, Timestamp: now}}),
		lockAnnounce(cluster, "L", "u"),
		backendEvent(cluster, "ba-1", messages.BackendMessage{Assignment: &messages.BackendAssignment{Drone: "dr-a"}}),
		backendEvent(cluster, "ba-1", messages.BackendMessage{LockAssign: &messages.BackendLockAssign{Lock: "L"}}),
		backendEvent(cluster, "ba-1", messages.BackendMessage{State: &messages.BackendStateUpdate{State: messages.BackendReady, Timestamp: now.Add(time.Second)}}),
		acmeEvent(cluster, "txt"),
		backendEvent(cluster, "ba-1", messages.BackendMessage{State: &messages.BackendStateUpdate{State: messages.BackendExited, Timestamp: now.Add(2 * time.Second)}}),
	}

	build := func() *WorldState {
		handle := NewStateHandle(logging.NewTestLogger())
		for i, event := range events {
			if err := handle.Apply(event, uint64(i+1)); err != nil {
				t.Fatalf("apply %d failed: %v", i, err)
			}
		}
		var snapshot *WorldState
		handle.Inspect(func(w *WorldState) { snapshot = w })
		return snapshot
	}

	//1.- Two projections built from the same event sequence must be identical.
	first := build()
	second := build()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replayed projections differ:\n%+v\n%+v", first, second)
	}

	//2.- Terminal-lock cleanup: the terminal backend holds no locks anywhere.
	c := first.Cluster(cluster)
	if !c.Backend("ba-1").State().Terminal() {
		t.Fatalf("backend should be terminal")
	}
	if len(c.Backend("ba-1").Locks) != 0 {
		t.Fatalf("terminal backend retains locks: %v", c.Backend("ba-1").Locks)
	}
	for name, held := range c.Locks {
		if held.Kind == LockAssigned && held.Backend == "ba-1" {
			t.Fatalf("lock %q still assigned to terminal backend", name)
		}
	}
}

func TestARecordLookup(t *testing.T) {
	handle := NewStateHandle(logging.NewTestLogger())
	cluster := messages.ClusterName("c1")
	_ = handle.Apply(droneEvent(cluster, "dr-a", messages.DroneMessage{Meta: &messages.DroneMeta{IP: "10.1.2.3", Version: "1"}}), 1)
	_ = handle.Apply(backendEvent(cluster, "ba-1", messages.BackendMessage{Assignment: &messages.BackendAssignment{Drone: "dr-a"}}), 2)

	handle.Inspect(func(w *WorldState) {
		ip := w.Cluster(cluster).ARecordLookup("ba-1")
		if ip == nil || ip.String() != "10.1.2.3" {
			t.Fatalf("a-record lookup = %v, want 10.1.2.3", ip)
		}
		if got := w.Cluster(cluster).ARecordLookup("ba-missing"); got != nil {
			t.Fatalf("lookup of unknown backend = %v, want nil", got)
		}
	})
}
