package domain

import (
	"sort"
	"time"
)

// DefaultSessionDuration is the time-to-live granted to a session when none is configured.
const DefaultSessionDuration = 2 * time.Hour

// sshContainerPort is the container port trainees connect to.
const sshContainerPort = 22

// Session is a user's active claim on one provisioned practice environment.
// HostPorts maps container port to host port and never changes after creation.
type Session struct {
	ID            string
	UserID        string
	MachineTypeID string
	ContainerID   string
	HostPorts     map[int]int
	StartedAt     time.Time
	MaxDuration   time.Duration
}

// ExpiresAt returns the instant the session's time-to-live runs out.
func (s Session) ExpiresAt() time.Time {
	return s.StartedAt.Add(s.MaxDuration)
}

// Expired reports whether the time-to-live has elapsed at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt())
}

// Remaining returns the time left before expiry.
// Returns 0 if the session has already expired.
func (s Session) Remaining(now time.Time) time.Duration {
	left := s.MaxDuration - now.Sub(s.StartedAt)
	if left < 0 {
		return 0
	}
	return left
}

// SSHPort returns the host port bound to the container's SSH port, falling
// back to the lowest bound host port when the machine does not expose 22.
func (s Session) SSHPort() int {
	if p, ok := s.HostPorts[sshContainerPort]; ok {
		return p
	}
	ports := s.HostPortList()
	if len(ports) == 0 {
		return 0
	}
	return ports[0]
}

// HostPortList returns the bound host ports in ascending order.
func (s Session) HostPortList() []int {
	ports := make([]int, 0, len(s.HostPorts))
	for _, p := range s.HostPorts {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// Clone returns a deep copy so callers never share the port map.
func (s Session) Clone() Session {
	out := s
	out.HostPorts = make(map[int]int, len(s.HostPorts))
	for k, v := range s.HostPorts {
		out.HostPorts[k] = v
	}
	return out
}

// Runtime states reported for a session's container.
const (
	RuntimeRunning = "running"
	RuntimeGone    = "gone"
	RuntimeUnknown = "unknown"
)

// SessionStatus is the derived, read-only view of a session.
type SessionStatus struct {
	Active        bool
	Remaining     time.Duration
	RuntimeStatus string
}

// RemainingSeconds returns the remaining time truncated to whole seconds.
func (s SessionStatus) RemainingSeconds() int64 {
	return int64(s.Remaining / time.Second)
}

// StatusView is the wire form of SessionStatus.
type StatusView struct {
	Active           bool   `json:"active"`
	RemainingSeconds int64  `json:"remainingSeconds"`
	RuntimeStatus    string `json:"runtimeStatus,omitempty"`
}

// View converts s to its wire form.
func (s SessionStatus) View() StatusView {
	return StatusView{
		Active:           s.Active,
		RemainingSeconds: s.RemainingSeconds(),
		RuntimeStatus:    s.RuntimeStatus,
	}
}
