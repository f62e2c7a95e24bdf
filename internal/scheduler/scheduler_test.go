package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"skylift/orchestrator/internal/logging"
	"skylift/orchestrator/internal/messages"
	"skylift/orchestrator/internal/state"
)

type fakeBus struct {
	accept     bool
	requestErr error
	publishErr error

	spawnSubject string
	spawn        messages.SpawnRequest
	published    []messages.WorldStateMessage
}

func (f *fakeBus) Request(ctx context.Context, subject string, payload, out any) error {
	f.spawnSubject = subject
	f.spawn = payload.(messages.SpawnRequest)
	if f.requestErr != nil {
		return f.requestErr
	}
	//1.- Mirror the JSON round trip a real reply would take.
	data, err := json.Marshal(f.accept)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (f *fakeBus) PublishDurable(ctx context.Context, subject string, payload any) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, payload.(messages.WorldStateMessage))
	return nil
}

type firstPicker struct{}

func (firstPicker) Pick(ready []string) (string, bool) {
	if len(ready) == 0 {
		return "", false
	}
	return ready[0], true
}

func seedCluster(t *testing.T, handle state.StateHandle, now time.Time) {
	t.Helper()
	cluster := messages.ClusterName("c1")
	apply := func(seq uint64, msg messages.WorldStateMessage) {
		if err := handle.Apply(msg, seq); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}
	meta := func(drone, ip string) messages.WorldStateMessage {
		return messages.WorldStateMessage{Cluster: cluster, Message: messages.ClusterStateMessage{
			Drone: &messages.DroneMessage{Drone: drone, Meta: &messages.DroneMeta{IP: ip, Version: "1"}},
		}}
	}
	liveState := func(drone string, st messages.DroneLiveState) messages.WorldStateMessage {
		return messages.WorldStateMessage{Cluster: cluster, Message: messages.ClusterStateMessage{
			Drone: &messages.DroneMessage{Drone: drone, State: &messages.DroneStateUpdate{State: st, Timestamp: now.Add(-time.Minute)}},
		}}
	}
	keepalive := func(drone string, ts time.Time) messages.WorldStateMessage {
		return messages.WorldStateMessage{Cluster: cluster, Message: messages.ClusterStateMessage{
			Drone: &messages.DroneMessage{Drone: drone, KeepAlive: &messages.KeepAlive{Timestamp: ts}},
		}}
	}

	//1.- dr-a is eligible; dr-b is stuck Starting and never a candidate.
	apply(1, meta("dr-a", "10.0.0.1"))
	apply(2, liveState("dr-a", messages.DroneReady))
	apply(3, keepalive("dr-a", now.Add(-5*time.Second)))
	apply(4, meta("dr-b", "10.0.0.2"))
	apply(5, liveState("dr-b", messages.DroneStarting))
	apply(6, keepalive("dr-b", now.Add(-5*time.Second)))
}

func newScheduler(handle state.StateHandle, b Bus, now time.Time) *Scheduler {
	return New(handle, b, logging.NewTestLogger(),
		WithPicker(firstPicker{}),
		WithClock(func() time.Time { return now }))
}

func TestScheduleSuccess(t *testing.T) {
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	handle := state.NewStateHandle(logging.NewTestLogger())
	seedCluster(t, handle, now)
	b := &fakeBus{accept: true}

	resp, err := newScheduler(handle, b, now).Schedule(context.Background(), messages.ScheduleRequest{
		Cluster:   "c1",
		BackendID: "ba-1",
		Image:     "img",
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	//1.- The response names the accepting drone and carries no token by default.
	if resp.Status != messages.StatusScheduled || resp.Drone != "dr-a" || resp.BackendID != "ba-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.BearerToken != "" {
		t.Fatalf("unsolicited bearer token: %q", resp.BearerToken)
	}

	//2.- The spawn offer went to the chosen drone's subject.
	if b.spawnSubject != "cluster.c1.drone.dr-a.spawn" {
		t.Fatalf("spawn subject = %q", b.spawnSubject)
	}
	if b.spawn.Image != "img" || b.spawn.BackendID != "ba-1" {
		t.Fatalf("spawn request = %+v", b.spawn)
	}

	//3.- The assignment event was published before the response was returned.
	if len(b.published) != 1 {
		t.Fatalf("expected one published event, got %d", len(b.published))
	}
	backend := b.published[0].Message.Backend
	if backend == nil || backend.Backend != "ba-1" || backend.Assignment == nil || backend.Assignment.Drone != "dr-a" {
		t.Fatalf("unexpected assignment event: %+v", b.published[0])
	}
}

func TestScheduleMintsBearerTokenOnRequest(t *testing.T) {
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	handle := state.NewStateHandle(logging.NewTestLogger())
	seedCluster(t, handle, now)
	b := &fakeBus{accept: true}

	resp, err := newScheduler(handle, b, now).Schedule(context.Background(), messages.ScheduleRequest{
		Cluster:            "c1",
		BackendID:          "ba-1",
		Image:              "img",
		RequireBearerToken: true,
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if resp.BearerToken == "" {
		t.Fatal("expected a minted bearer token")
	}
	//1.- The token in the spawn offer, the assignment, and the response must agree.
	if b.spawn.BearerToken != resp.BearerToken {
		t.Fatalf("spawn token %q != response token %q", b.spawn.BearerToken, resp.BearerToken)
	}
	if got := b.published[0].Message.Backend.Assignment.BearerToken; got != resp.BearerToken {
		t.Fatalf("assignment token %q != response token %q", got, resp.BearerToken)
	}
}

func TestScheduleNoDrones(t *testing.T) {
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	handle := state.NewStateHandle(logging.NewTestLogger())
	b := &fakeBus{accept: true}

	//1.- An unknown cluster yields NoDroneAvailable, not an error.
	resp, err := newScheduler(handle, b, now).Schedule(context.Background(), messages.ScheduleRequest{
		Cluster:   "c1",
		BackendID: "ba-1",
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if resp.Status != messages.StatusNoDroneAvailable {
		t.Fatalf("response = %+v, want no_drone_available", resp)
	}
	//2.- No handshake and no state event when there is no candidate.
	if b.spawnSubject != "" || len(b.published) != 0 {
		t.Fatalf("unexpected bus traffic: subject=%q published=%d", b.spawnSubject, len(b.published))
	}
}

func TestScheduleDroneRejection(t *testing.T) {
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	handle := state.NewStateHandle(logging.NewTestLogger())
	seedCluster(t, handle, now)
	b := &fakeBus{accept: false}

	resp, err := newScheduler(handle, b, now).Schedule(context.Background(), messages.ScheduleRequest{
		Cluster:   "c1",
		BackendID: "ba-1",
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	//1.- A rejection collapses into NoDroneAvailable with no assignment emitted.
	if resp.Status != messages.StatusNoDroneAvailable {
		t.Fatalf("response = %+v, want no_drone_available", resp)
	}
	if len(b.published) != 0 {
		t.Fatalf("assignment published despite rejection")
	}
}

func TestScheduleHandshakeTimeout(t *testing.T) {
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	handle := state.NewStateHandle(logging.NewTestLogger())
	seedCluster(t, handle, now)
	b := &fakeBus{requestErr: context.DeadlineExceeded}

	resp, err := newScheduler(handle, b, now).Schedule(context.Background(), messages.ScheduleRequest{
		Cluster:   "c1",
		BackendID: "ba-1",
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if resp.Status != messages.StatusNoDroneAvailable {
		t.Fatalf("response = %+v, want no_drone_available", resp)
	}
	if len(b.published) != 0 {
		t.Fatalf("assignment published despite timeout")
	}
}

func TestScheduleFatalOnPublishFailure(t *testing.T) {
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	handle := state.NewStateHandle(logging.NewTestLogger())
	seedCluster(t, handle, now)
	publishErr := errors.New("stream unavailable")
	b := &fakeBus{accept: true, publishErr: publishErr}

	//1.- Losing the assignment after an accept must surface as a fatal error.
	_, err := newScheduler(handle, b, now).Schedule(context.Background(), messages.ScheduleRequest{
		Cluster:   "c1",
		BackendID: "ba-1",
	})
	if !errors.Is(err, publishErr) {
		t.Fatalf("expected publish failure to propagate, got %v", err)
	}
}

func TestRandomPickerUniform(t *testing.T) {
	picker := NewRandomPicker()
	ready := []string{"dr-a", "dr-b", "dr-c"}
	counts := make(map[string]int)
	for i := 0; i < 300; i++ {
		drone, ok := picker.Pick(ready)
		if !ok {
			t.Fatal("picker returned no drone")
		}
		counts[drone]++
	}
	//1.- Every candidate must be reachable; exact uniformity is not asserted.
	for _, drone := range ready {
		if counts[drone] == 0 {
			t.Fatalf("drone %s never picked: %v", drone, counts)
		}
	}
	if _, ok := picker.Pick(nil); ok {
		t.Fatal("picker invented a drone from an empty candidate set")
	}
}

type scriptedDelivery struct {
	payload []byte
	resp    *messages.ScheduleResponse
}

func (d *scriptedDelivery) Payload() []byte { return d.payload }
func (d *scriptedDelivery) Respond(resp messages.ScheduleResponse) error {
	d.resp = &resp
	return nil
}

type scriptedRequests struct {
	deliveries []*scriptedDelivery
	next       int
	final      error
}

func (s *scriptedRequests) Next(ctx context.Context) (Delivery, error) {
	if s.next >= len(s.deliveries) {
		return nil, s.final
	}
	d := s.deliveries[s.next]
	s.next++
	return d, nil
}

func TestRunRespondsAndStopsOnClosure(t *testing.T) {
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	handle := state.NewStateHandle(logging.NewTestLogger())
	seedCluster(t, handle, now)
	b := &fakeBus{accept: true}

	payload, err := json.Marshal(messages.ScheduleRequest{Cluster: "c1", BackendID: "ba-1", Image: "img"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	closed := errors.New("stream closed")
	delivery := &scriptedDelivery{payload: payload}
	source := &scriptedRequests{
		deliveries: []*scriptedDelivery{delivery, {payload: []byte("not json")}},
		final:      closed,
	}

	//1.- The loop answers valid requests, skips malformed ones, and dies on closure.
	err = newScheduler(handle, b, now).Run(context.Background(), source)
	if !errors.Is(err, closed) {
		t.Fatalf("expected closure error, got %v", err)
	}
	if delivery.resp == nil || delivery.resp.Status != messages.StatusScheduled {
		t.Fatalf("request was not answered: %+v", delivery.resp)
	}
}
