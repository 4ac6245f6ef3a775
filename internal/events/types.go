// Package events defines the event taxonomy shared by the bus, the SSE
// streams and the frame transport.
package events

// Kind identifies an event type on the bus. Both transports use the same
// names on the wire.
type Kind string

const (
	// KindFileChange signals a transcript file was added, written or removed.
	KindFileChange Kind = "file-change"
	// KindSessionStatus signals a session status transition (owned/external/idle).
	KindSessionStatus Kind = "session-status-change"
	// KindProcessState signals an agent process state-machine transition.
	KindProcessState Kind = "process-state-change"
	// KindMessage carries a complete transcript message from a live process.
	KindMessage Kind = "message"
	// KindStreamPartial carries a partial assistant block still streaming.
	KindStreamPartial Kind = "stream-partial"
	// KindModeChange signals a permission-mode update on a process.
	KindModeChange Kind = "mode-change"
	// KindWorkerActivity summarizes supervisor activity for the activity stream.
	KindWorkerActivity Kind = "worker-activity"
	// KindBackendReloaded signals that clients should refetch all state.
	KindBackendReloaded Kind = "backend-reloaded"
	// KindHeartbeat is the shared liveness tick for long-lived streams.
	KindHeartbeat Kind = "heartbeat"
)

// FileChange is the payload for KindFileChange.
type FileChange struct {
	Provider  string `json:"provider"`
	ProjectID string `json:"projectId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Path      string `json:"path"`
	Op        string `json:"op"` // create, write, remove
}

// SessionStatus is the payload for KindSessionStatus.
type SessionStatus struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// ProcessState is the payload for KindProcessState.
type ProcessState struct {
	ProcessID string `json:"processId"`
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

// ModeChange is the payload for KindModeChange.
type ModeChange struct {
	ProcessID   string `json:"processId"`
	SessionID   string `json:"sessionId"`
	Mode        string `json:"mode"`
	ModeVersion uint64 `json:"modeVersion"`
}

// WorkerActivity is the payload for KindWorkerActivity.
type WorkerActivity struct {
	ActiveProcesses int `json:"activeProcesses"`
	TotalProcesses  int `json:"totalProcesses"`
}

// Heartbeat is the payload for KindHeartbeat.
type Heartbeat struct {
	Seq int64 `json:"seq"`
}
