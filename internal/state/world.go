package state

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"skylift/orchestrator/internal/logging"
	"skylift/orchestrator/internal/messages"
)

// KeepaliveWindow is how recent a drone's keepalive must be for scheduling eligibility.
const KeepaliveWindow = 30 * time.Second

// txtRecordCap bounds the per-cluster ACME TXT record queue.
const txtRecordCap = 10

// ErrLockNotAnnounced is returned when a backend claims a lock that is not in the
// Announced state (never announced, or already assigned). It indicates a producer
// bug and is fatal to the world-state writer.
var ErrLockNotAnnounced = errors.New("lock must be announced before assignment")

// ErrClusterNotFound is returned when a query names a cluster the projection has never seen.
var ErrClusterNotFound = errors.New("cluster not found")

// LockKind discriminates the lock state machine.
type LockKind string

const (
	LockUnlocked  LockKind = "unlocked"
	LockAnnounced LockKind = "announced"
	LockAssigned  LockKind = "assigned"
)

// LockState is the projection of one named cluster-scoped lock.
type LockState struct {
	Kind    LockKind
	UID     string
	Backend string
}

// Unlocked is the zero value returned for locks absent from the map.
var Unlocked = LockState{Kind: LockUnlocked}

// DroneStateEntry is one timestamped live-state observation.
type DroneStateEntry struct {
	Timestamp time.Time
	State     messages.DroneLiveState
}

// DroneState is the world view of one drone.
type DroneState struct {
	Meta     *messages.DroneMeta
	States   []DroneStateEntry
	LastSeen time.Time
}

func (d *DroneState) apply(msg *messages.DroneMessage) {
	switch {
	case msg.Meta != nil:
		meta := *msg.Meta
		d.Meta = &meta
	case msg.State != nil:
		//1.- Insert into the ordered set keyed by (timestamp, state).
		d.States = insertDroneState(d.States, DroneStateEntry{Timestamp: msg.State.Timestamp, State: msg.State.State})
	case msg.KeepAlive != nil:
		//2.- Last writer wins; keepalive timestamps may regress across drone restarts.
		d.LastSeen = msg.KeepAlive.Timestamp
	}
}

// State returns the live-state with the greatest timestamp, or "" when none was reported.
func (d *DroneState) State() messages.DroneLiveState {
	if d == nil || len(d.States) == 0 {
		return ""
	}
	return d.States[len(d.States)-1].State
}

func insertDroneState(entries []DroneStateEntry, entry DroneStateEntry) []DroneStateEntry {
	idx := sort.Search(len(entries), func(i int) bool {
		if entries[i].Timestamp.Equal(entry.Timestamp) {
			return entries[i].State >= entry.State
		}
		return entries[i].Timestamp.After(entry.Timestamp)
	})
	//1.- Set semantics: an identical (timestamp, state) pair is not inserted twice.
	if idx < len(entries) && entries[idx].Timestamp.Equal(entry.Timestamp) && entries[idx].State == entry.State {
		return entries
	}
	entries = append(entries, DroneStateEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = entry
	return entries
}

// BackendStateEntry is one timestamped lifecycle observation.
type BackendStateEntry struct {
	Timestamp time.Time
	State     messages.BackendLifecycleState
}

// BackendState is the world view of one backend.
type BackendState struct {
	Drone       string
	BearerToken string
	Locks       []string
	States      []BackendStateEntry
}

func (b *BackendState) apply(msg *messages.BackendMessage) {
	switch {
	case msg.LockAssign != nil:
		b.Locks = append(b.Locks, msg.LockAssign.Lock)
	case msg.Assignment != nil:
		b.Drone = msg.Assignment.Drone
		b.BearerToken = msg.Assignment.BearerToken
	case msg.State != nil:
		b.States = insertBackendState(b.States, BackendStateEntry{Timestamp: msg.State.Timestamp, State: msg.State.State})
		if msg.State.State.Terminal() {
			//1.- Terminal transitions release every lock the backend held.
			b.Locks = nil
		}
	}
}

// State returns the lifecycle state with the greatest timestamp, or "" when none was reported.
func (b *BackendState) State() messages.BackendLifecycleState {
	if b == nil || len(b.States) == 0 {
		return ""
	}
	return b.States[len(b.States)-1].State
}

// StateTimestamp returns the most recent lifecycle entry, or false when none exists.
func (b *BackendState) StateTimestamp() (BackendStateEntry, bool) {
	if b == nil || len(b.States) == 0 {
		return BackendStateEntry{}, false
	}
	return b.States[len(b.States)-1], true
}

func insertBackendState(entries []BackendStateEntry, entry BackendStateEntry) []BackendStateEntry {
	idx := sort.Search(len(entries), func(i int) bool {
		if entries[i].Timestamp.Equal(entry.Timestamp) {
			return entries[i].State >= entry.State
		}
		return entries[i].Timestamp.After(entry.Timestamp)
	})
	if idx < len(entries) && entries[idx].Timestamp.Equal(entry.Timestamp) && entries[idx].State == entry.State {
		return entries
	}
	entries = append(entries, BackendStateEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = entry
	return entries
}

// ClusterState is the projection of one cluster.
type ClusterState struct {
	Drones     map[string]*DroneState
	Backends   map[string]*BackendState
	TxtRecords []string
	Locks      map[string]LockState
}

func newClusterState() *ClusterState {
	return &ClusterState{
		Drones:   make(map[string]*DroneState),
		Backends: make(map[string]*BackendState),
		Locks:    make(map[string]LockState),
	}
}

var errEmptyUnion = errors.New("message union has no populated member")

func (c *ClusterState) apply(msg messages.ClusterStateMessage) error {
	switch {
	case msg.Lock != nil:
		if msg.Lock.Announce == nil || msg.Lock.Lock == "" {
			return errEmptyUnion
		}
		//1.- Only the first announcement claims the slot; later ones are no-ops.
		if _, held := c.Locks[msg.Lock.Lock]; !held {
			c.Locks[msg.Lock.Lock] = LockState{Kind: LockAnnounced, UID: msg.Lock.Announce.UID}
		}
	case msg.Drone != nil:
		if msg.Drone.Drone == "" {
			return errEmptyUnion
		}
		drone, ok := c.Drones[msg.Drone.Drone]
		if !ok {
			drone = &DroneState{}
			c.Drones[msg.Drone.Drone] = drone
		}
		drone.apply(msg.Drone)
	case msg.Backend != nil:
		if msg.Backend.Backend == "" {
			return errEmptyUnion
		}
		backend, ok := c.Backends[msg.Backend.Backend]
		if !ok {
			backend = &BackendState{}
			c.Backends[msg.Backend.Backend] = backend
		}
		//1.- A lock claim requires the lock to be Announced; anything else is a producer bug.
		if assign := msg.Backend.LockAssign; assign != nil {
			held, ok := c.Locks[assign.Lock]
			if !ok || held.Kind != LockAnnounced {
				return fmt.Errorf("%w: lock %q backend %q", ErrLockNotAnnounced, assign.Lock, msg.Backend.Backend)
			}
			c.Locks[assign.Lock] = LockState{Kind: LockAssigned, Backend: msg.Backend.Backend}
		}
		//2.- Terminal transitions release the backend's locks from the cluster map.
		if st := msg.Backend.State; st != nil && st.State.Terminal() {
			for _, lock := range backend.Locks {
				delete(c.Locks, lock)
			}
		}
		backend.apply(msg.Backend)
	case msg.Acme != nil:
		//1.- Keep the TXT queue bounded by dropping the oldest value.
		if len(c.TxtRecords) >= txtRecordCap {
			c.TxtRecords = append(c.TxtRecords[:0], c.TxtRecords[1:]...)
		}
		c.TxtRecords = append(c.TxtRecords, msg.Acme.Value)
	default:
		return errEmptyUnion
	}
	return nil
}

// Drone returns the projection for the drone, or nil when unseen.
func (c *ClusterState) Drone(id string) *DroneState {
	if c == nil {
		return nil
	}
	return c.Drones[id]
}

// Backend returns the projection for the backend, or nil when unseen.
func (c *ClusterState) Backend(id string) *BackendState {
	if c == nil {
		return nil
	}
	return c.Backends[id]
}

// Locked returns the lock state, or Unlocked for locks absent from the map.
func (c *ClusterState) Locked(lock string) LockState {
	if c == nil {
		return Unlocked
	}
	if held, ok := c.Locks[lock]; ok {
		return held
	}
	return Unlocked
}

// ARecordLookup resolves a backend to the advertised IP of its assigned drone.
func (c *ClusterState) ARecordLookup(backend string) net.IP {
	if c == nil {
		return nil
	}
	b := c.Backends[backend]
	if b == nil || b.Drone == "" {
		return nil
	}
	drone := c.Drones[b.Drone]
	if drone == nil || drone.Meta == nil {
		return nil
	}
	return net.ParseIP(drone.Meta.IP)
}

// WorldState is the pure projection of the totally-ordered state-event stream.
type WorldState struct {
	logicalTime uint64
	clusters    map[messages.ClusterName]*ClusterState
}

// NewWorldState constructs an empty projection.
func NewWorldState() *WorldState {
	return &WorldState{clusters: make(map[messages.ClusterName]*ClusterState)}
}

// LogicalTime is the sequence number of the last applied event.
func (w *WorldState) LogicalTime() uint64 {
	return w.logicalTime
}

// Cluster returns the projection for the cluster, or nil when unseen.
func (w *WorldState) Cluster(name messages.ClusterName) *ClusterState {
	if w == nil {
		return nil
	}
	return w.clusters[name]
}

func (w *WorldState) apply(msg messages.WorldStateMessage, seq uint64) error {
	cluster, ok := w.clusters[msg.Cluster]
	if !ok {
		cluster = newClusterState()
		w.clusters[msg.Cluster] = cluster
	}
	err := cluster.apply(msg.Message)
	//1.- Logical time advances even when a malformed event is skipped, so the
	// projection stays aligned with the stream cursor.
	w.logicalTime = seq
	return err
}

// SeqWaiter is the registration token returned by WaitForSeq. Callers hold no
// world-state guard while blocked in Wait.
type SeqWaiter struct {
	ready bool
	ch    <-chan struct{}
}

// Wait blocks until the target sequence is applied or the context ends.
func (s *SeqWaiter) Wait(ctx context.Context) error {
	if s == nil || s.ready {
		return nil
	}
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StateHandle is the cloneable shared handle over the world-state projection.
//
// Reads run under a short-held reader lock via Inspect and the query helpers;
// no method suspends while a guard is held.
type StateHandle struct {
	inner *stateInner
}

type stateInner struct {
	mu        sync.RWMutex
	world     *WorldState
	listeners map[uint64]chan struct{}
	log       *logging.Logger
}

// NewStateHandle constructs a handle over an empty projection.
func NewStateHandle(log *logging.Logger) StateHandle {
	if log == nil {
		log = logging.L()
	}
	return StateHandle{inner: &stateInner{
		world:     NewWorldState(),
		listeners: make(map[uint64]chan struct{}),
		log:       log,
	}}
}

// Clone returns a handle sharing the same projection.
func (h StateHandle) Clone() StateHandle { return h }

// Apply integrates one event at the given sequence and wakes satisfied waiters.
//
// A non-nil error means the projection detected a producer bug; the caller must
// terminate the writer rather than continue on corrupt state.
func (h StateHandle) Apply(msg messages.WorldStateMessage, seq uint64) error {
	inner := h.inner
	inner.mu.Lock()
	err := inner.world.apply(msg, seq)

	//1.- Wake every waiter whose target is now satisfied, removing it from the map
	// before new waiters on later sequences can be queued.
	for target, ch := range inner.listeners {
		if target <= seq {
			close(ch)
			delete(inner.listeners, target)
		}
	}
	inner.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrLockNotAnnounced) {
			return err
		}
		//2.- Malformed events are warned about and skipped; only lock violations are fatal.
		inner.log.Warn("ignoring malformed world-state event",
			logging.Uint64("seq", seq),
			logging.String("cluster", string(msg.Cluster)),
			logging.Error(err))
	}
	return nil
}

// Inspect runs f with read access to the projection. The guard is held only for
// the duration of f; f must not block or retain references past its return.
func (h StateHandle) Inspect(f func(*WorldState)) {
	h.inner.mu.RLock()
	defer h.inner.mu.RUnlock()
	f(h.inner.world)
}

// LogicalTime returns the sequence of the last applied event.
func (h StateHandle) LogicalTime() uint64 {
	h.inner.mu.RLock()
	defer h.inner.mu.RUnlock()
	return h.inner.world.logicalTime
}

// WaitForSeq registers interest in the projection reaching sequence seq.
//
// The returned token resolves immediately when the sequence was already applied.
// Registration takes the write lock, so the caller must not invoke WaitForSeq
// from inside Inspect.
func (h StateHandle) WaitForSeq(seq uint64) *SeqWaiter {
	inner := h.inner
	inner.mu.Lock()
	defer inner.mu.Unlock()
	if inner.world.logicalTime >= seq {
		return &SeqWaiter{ready: true}
	}
	ch, ok := inner.listeners[seq]
	if !ok {
		//1.- One broadcaster per target sequence, shared by all of its waiters.
		ch = make(chan struct{})
		inner.listeners[seq] = ch
	}
	return &SeqWaiter{ch: ch}
}

// ReadyDrones lists drones in the cluster that are Ready, have reported metadata,
// and have published a keepalive within the last KeepaliveWindow.
func (h StateHandle) ReadyDrones(cluster messages.ClusterName, now time.Time) ([]string, error) {
	h.inner.mu.RLock()
	defer h.inner.mu.RUnlock()

	c := h.inner.world.clusters[cluster]
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, cluster)
	}

	minKeepalive := now.Add(-KeepaliveWindow)
	var ready []string
	for id, drone := range c.Drones {
		//1.- Eligibility needs a Ready state, known metadata, and a fresh keepalive.
		if drone.State() != messages.DroneReady {
			continue
		}
		if drone.Meta == nil {
			continue
		}
		if !drone.LastSeen.After(minKeepalive) {
			continue
		}
		ready = append(ready, id)
	}
	sort.Strings(ready)
	return ready, nil
}

// TxtRecords returns a copy of the cluster's ACME TXT queue, oldest first.
func (h StateHandle) TxtRecords(cluster messages.ClusterName) []string {
	h.inner.mu.RLock()
	defer h.inner.mu.RUnlock()
	c := h.inner.world.clusters[cluster]
	if c == nil {
		return nil
	}
	return append([]string(nil), c.TxtRecords...)
}
