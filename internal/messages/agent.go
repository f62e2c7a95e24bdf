package messages

import (
	"fmt"
	"time"
)

// TerminationKind distinguishes a hard kill from a graceful stop.
type TerminationKind string

const (
	TerminationHard TerminationKind = "hard"
	TerminationSoft TerminationKind = "soft"
)

// TerminationReason records why a backend was told to terminate.
type TerminationReason string

const (
	TerminationRequested TerminationReason = "requested"
	TerminationSwept     TerminationReason = "swept"
	TerminationLost      TerminationReason = "lost"
)

// BackendAction instructs a drone's executor to change one backend.
type BackendAction struct {
	Spawn     *SpawnAction     `json:"spawn,omitempty"`
	Terminate *TerminateAction `json:"terminate,omitempty"`
}

// SpawnAction carries everything the executor needs to start a backend.
type SpawnAction struct {
	Image          string             `json:"image"`
	Env            map[string]string  `json:"env,omitempty"`
	Credentials    *DockerCredentials `json:"credentials,omitempty"`
	MaxIdleSeconds int64              `json:"max_idle_secs"`
	Key            string             `json:"key,omitempty"`
	StaticToken    string             `json:"static_token,omitempty"`
}

// TerminateAction asks for a backend to be stopped.
type TerminateAction struct {
	Kind   TerminationKind   `json:"kind"`
	Reason TerminationReason `json:"reason"`
}

// TerminateRequest asks one drone to stop a backend it owns.
type TerminateRequest struct {
	Cluster   ClusterName       `json:"cluster"`
	Drone     string            `json:"drone"`
	BackendID string            `json:"backend_id"`
	Kind      TerminationKind   `json:"kind"`
	Reason    TerminationReason `json:"reason"`
}

// Subject returns the drone's terminate request subject.
func (r TerminateRequest) Subject() string {
	return fmt.Sprintf("cluster.%s.drone.%s.terminate", r.Cluster.SubjectName(), r.Drone)
}

// TerminateSubscribeSubject returns the subject a drone listens on for terminate requests.
func TerminateSubscribeSubject(cluster ClusterName, drone string) string {
	return fmt.Sprintf("cluster.%s.drone.%s.terminate", cluster.SubjectName(), drone)
}

// BackendStateMessage is the drone's durable record of one lifecycle transition.
type BackendStateMessage struct {
	EventID   int64                 `json:"event_id"`
	Backend   string                `json:"backend"`
	State     BackendLifecycleState `json:"state"`
	Timestamp time.Time             `json:"timestamp"`
	ExitCode  *int                  `json:"exit_code,omitempty"`
}

// Subject returns the backend-state stream subject for this message.
func (m BackendStateMessage) Subject() string {
	return fmt.Sprintf("backend.%s.status", m.Backend)
}

// BackendStateStream names the durable stream carrying backend-state messages.
const BackendStateStream = "backend-state"

// BackendStateSubscribeSubject matches every backend's status subject.
const BackendStateSubscribeSubject = "backend.*.status"

// DroneLogMessage mirrors one structured drone log line onto the bus.
type DroneLogMessage struct {
	Drone     string            `json:"drone"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Subject returns the drone-log stream subject for this message.
func (m DroneLogMessage) Subject() string {
	return fmt.Sprintf("logs.%s", m.Drone)
}

// DroneLogStream names the durable stream carrying drone logs.
const DroneLogStream = "drone-log"

// DroneLogSubscribeSubject matches every drone's log subject.
const DroneLogSubscribeSubject = "logs.*"

// BackendMetricsMessage reports one resource usage sample for a backend.
type BackendMetricsMessage struct {
	BackendID string `json:"backend_id"`
	// CPUUsed is the container cpu-time delta since the previous sample, in nanoseconds.
	CPUUsed uint64 `json:"cpu_used"`
	// SysCPU is the host cpu-time delta since the previous sample, in nanoseconds.
	SysCPU         uint64 `json:"sys_cpu"`
	MemUsed        uint64 `json:"mem_used"`
	MemTotal       uint64 `json:"mem_total"`
	MemActive      uint64 `json:"mem_active"`
	MemInactive    uint64 `json:"mem_inactive"`
	MemUnevictable uint64 `json:"mem_unevictable"`
}

// Subject returns the metrics subject for this backend.
func (m BackendMetricsMessage) Subject() string {
	return fmt.Sprintf("backend.%s.metrics", m.BackendID)
}

// DNSRecordKind enumerates the record types the DNS collaborator serves.
type DNSRecordKind string

const (
	DNSRecordA   DNSRecordKind = "A"
	DNSRecordTXT DNSRecordKind = "TXT"
)

// SetDnsRecord publishes one record onto the DNS stream.
type SetDnsRecord struct {
	Cluster ClusterName   `json:"cluster"`
	Kind    DNSRecordKind `json:"kind"`
	Name    string        `json:"name"`
	Value   string        `json:"value"`
}

// Subject returns the DNS stream subject for this record.
func (m SetDnsRecord) Subject() string {
	return fmt.Sprintf("dns.%s.%s", m.Kind, m.Cluster.SubjectName())
}

// DNSStream names the durable stream carrying DNS records.
const DNSStream = "dns"

// DNSSubscribeSubject matches every DNS record subject.
const DNSSubscribeSubject = "dns.>"
