package domain

import "time"

// End reasons recorded in the session history.
const (
	EndReasonReleased = "released"
	EndReasonExpired  = "expired"
	EndReasonShutdown = "shutdown"
	EndReasonOrphaned = "orphaned"
)

// SessionRecord is a journal entry describing a session's lifetime.
type SessionRecord struct {
	SessionID     string     `json:"sessionId"`
	UserID        string     `json:"userId"`
	MachineTypeID string     `json:"machineTypeId"`
	ContainerID   string     `json:"containerId,omitempty"`
	HostPorts     []int      `json:"hostPorts"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	EndReason     string     `json:"endReason,omitempty"`
}

// FlagSubmission records a flag attempt. The submitted value is never kept.
type FlagSubmission struct {
	UserID      string
	MachineID   string
	Level       Level
	Correct     bool
	SubmittedAt time.Time
}
