package messages

import "fmt"

// DockerCredentials authenticate an image pull against a private registry.
type DockerCredentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ScheduleRequest asks the scheduler to place a backend somewhere in the cluster.
type ScheduleRequest struct {
	Cluster ClusterName `json:"cluster"`

	// The container image to run.
	Image string `json:"image"`

	// The name of the backend. This forms part of the hostname used to
	// connect to the backend once it is running.
	BackendID string `json:"backend_id"`

	// The timeout after which the backend is swept if no connections are open.
	MaxIdleSeconds int64 `json:"max_idle_secs"`

	// Environment variables to pass in to the container.
	Env map[string]string `json:"env,omitempty"`

	// Metadata for the spawn, forwarded to the drone in the SpawnRequest; it is
	// not written to any log.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Credentials used to fetch the image.
	Credentials *DockerCredentials `json:"credentials,omitempty"`

	// RequireBearerToken asks the scheduler to mint a connection token for the backend.
	RequireBearerToken bool `json:"require_bearer_token,omitempty"`
}

// Subject returns the request/reply subject for this schedule request.
func (r ScheduleRequest) Subject() string {
	return fmt.Sprintf("cluster.%s.schedule", r.Cluster.SubjectName())
}

// ScheduleSubscribeSubject matches schedule requests across every cluster.
const ScheduleSubscribeSubject = "cluster.*.schedule"

// ScheduleStatus discriminates the schedule response variants.
type ScheduleStatus string

const (
	// StatusScheduled reports a successful placement.
	StatusScheduled ScheduleStatus = "scheduled"
	// StatusNoDroneAvailable collapses every placement failure the caller can retry.
	StatusNoDroneAvailable ScheduleStatus = "no_drone_available"
)

// ScheduleResponse answers a ScheduleRequest.
type ScheduleResponse struct {
	Status      ScheduleStatus `json:"status"`
	Drone       string         `json:"drone,omitempty"`
	BackendID   string         `json:"backend_id,omitempty"`
	BearerToken string         `json:"bearer_token,omitempty"`
}

// SpawnRequest is the scheduler's two-phase handshake offer to one drone.
type SpawnRequest struct {
	Cluster        ClusterName        `json:"cluster"`
	Drone          string             `json:"drone"`
	BackendID      string             `json:"backend_id"`
	Image          string             `json:"image"`
	Env            map[string]string  `json:"env,omitempty"`
	Metadata       map[string]string  `json:"metadata,omitempty"`
	Credentials    *DockerCredentials `json:"credentials,omitempty"`
	MaxIdleSeconds int64              `json:"max_idle_secs"`
	BearerToken    string             `json:"bearer_token,omitempty"`
}

// Subject returns the chosen drone's spawn request subject.
func (r SpawnRequest) Subject() string {
	return fmt.Sprintf("cluster.%s.drone.%s.spawn", r.Cluster.SubjectName(), r.Drone)
}

// SpawnSubscribeSubject returns the subject a drone listens on for spawn offers.
func SpawnSubscribeSubject(cluster ClusterName, drone string) string {
	return fmt.Sprintf("cluster.%s.drone.%s.spawn", cluster.SubjectName(), drone)
}
