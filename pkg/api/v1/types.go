// Package v1 defines the wire DTOs shared by the local HTTP surface and
// the frame transport. Both carriers speak exactly these shapes.
package v1

import "encoding/json"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	// CorrelationID ties an internal error to its server log line.
	CorrelationID string `json:"correlationId,omitempty"`
}

// StartSessionRequest starts a new session in a project.
type StartSessionRequest struct {
	// Message is the initial operator prompt.
	Message string `json:"message"`
	// Mode is the initial permission mode; empty means default.
	Mode string `json:"mode,omitempty"`
}

// ResumeSessionRequest resumes an idle session, optionally queueing a
// message in the same call.
type ResumeSessionRequest struct {
	Message string `json:"message,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// StartSessionResponse reports the owned session.
type StartSessionResponse struct {
	SessionID   string `json:"sessionId"`
	ProcessID   string `json:"processId"`
	ModeVersion uint64 `json:"modeVersion"`
}

// QueueMessageRequest queues operator input on an owned session.
type QueueMessageRequest struct {
	Content string `json:"content"`
	// TempID deduplicates client retries; a repeated TempID is a no-op.
	TempID string `json:"tempId,omitempty"`
}

// QueueMessageResponse reports the queue depth after the enqueue.
type QueueMessageResponse struct {
	QueueDepth int `json:"queueDepth"`
}

// InputResponseRequest answers a pending input request.
type InputResponseRequest struct {
	RequestID string `json:"requestId"`
	Response  string `json:"response"`
}

// SetModeRequest updates the permission mode.
type SetModeRequest struct {
	Mode string `json:"mode"`
	// ModeVersion guards against racing updates; zero skips the check.
	ModeVersion uint64 `json:"modeVersion,omitempty"`
}

// SetModeResponse reports the new mode version.
type SetModeResponse struct {
	Mode        string `json:"mode"`
	ModeVersion uint64 `json:"modeVersion"`
}

// MetadataPatchRequest updates operator-facing session metadata. Nil
// fields are left untouched.
type MetadataPatchRequest struct {
	CustomTitle *string `json:"customTitle,omitempty"`
	Starred     *bool   `json:"starred,omitempty"`
	Archived    *bool   `json:"archived,omitempty"`
	// Seen stamps last-seen with the server clock.
	Seen bool `json:"seen,omitempty"`
}

// EnableAuthRequest turns password auth on.
type EnableAuthRequest struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

// ChangePasswordRequest rotates the password.
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// AuthStatusResponse advertises the auth regime to clients.
type AuthStatusResponse struct {
	Enabled  bool   `json:"enabled"`
	Username string `json:"username,omitempty"`
	// Authenticated reports whether this request carried a valid token.
	Authenticated bool `json:"authenticated"`
}

// LoginStartRequest opens a login exchange.
type LoginStartRequest struct {
	Username string `json:"username,omitempty"`
}

// LoginStartResponse returns the login id and the server challenge.
type LoginStartResponse struct {
	LoginID   string          `json:"loginId"`
	Challenge json.RawMessage `json:"challenge"`
}

// LoginStepRequest advances a pending login with one client message.
type LoginStepRequest struct {
	LoginID string          `json:"loginId"`
	Message json.RawMessage `json:"message"`
}

// LoginStepResponse carries the server's next message. Done is true on
// the final leg; the session cookie is set alongside it.
type LoginStepResponse struct {
	Message json.RawMessage `json:"message,omitempty"`
	Done    bool            `json:"done"`
}

// PushKeys are the browser push encryption parameters.
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscribeRequest registers a browser profile for notifications.
type PushSubscribeRequest struct {
	ProfileID string   `json:"profileId"`
	Endpoint  string   `json:"endpoint"`
	Keys      PushKeys `json:"keys"`
}
