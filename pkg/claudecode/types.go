// Package claudecode provides types and a client for the AI CLI
// stream-json protocol: streaming JSON lines over stdin/stdout with
// control requests for permissions and mode changes.
package claudecode

import "encoding/json"

// Message types on the CLI's stdout stream.
const (
	// MessageTypeSystem is a system message (session info, input requests)
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text or tool use from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeResult is the final result message of a turn
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
	// MessageTypeUser is a user message (prompt)
	MessageTypeUser = "user"
	// MessageTypeStreamEvent is a partial content update
	MessageTypeStreamEvent = "stream_event"
)

// System message subtypes.
const (
	// SubtypeInit is the first system message carrying the session id
	SubtypeInit = "init"
	// SubtypeInputRequest blocks the agent on an operator response
	SubtypeInputRequest = "input_request"
)

// Control request subtypes.
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeInitialize initializes the session
	SubtypeInitialize = "initialize"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
	// SubtypeSetPermissionMode sets the permission mode
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// InputRequestBody is carried by system messages with subtype
// input_request.
type InputRequestBody struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"` // tool-approval | user-question
	Tool   string          `json:"tool,omitempty"`
	Prompt string          `json:"prompt,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// CLIMessage represents messages from the CLI's stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, assistant, result, control_request, ...)
	Type string `json:"type"`

	// UUID and ParentUUID mirror the transcript record identity when the
	// CLI emits them.
	UUID       string `json:"uuid,omitempty"`
	ParentUUID string `json:"parentUuid,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages. The request id lives inside the
	// response object, not at the message level.
	Response *IncomingControlResponse `json:"response,omitempty"`

	// For system messages
	SessionID    string            `json:"session_id,omitempty"`
	Subtype      string            `json:"subtype,omitempty"`
	InputRequest *InputRequestBody `json:"input_request,omitempty"`

	// For user and assistant messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For result messages. Result is either a string (error message) or
	// an object (ResultData).
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`

	// Raw message for advanced parsing if needed
	RawContent json.RawMessage `json:"-"`
}

// AssistantMessage contains role and content blocks.
type AssistantMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Model   string          `json:"model,omitempty"`
}

// ResultData contains the final result information.
type ResultData struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// GetResultData attempts to parse the Result field as a ResultData object.
// Returns nil if Result is empty, a string, or cannot be parsed.
func (m *CLIMessage) GetResultData() *ResultData {
	if len(m.Result) == 0 {
		return nil
	}
	var data ResultData
	if err := json.Unmarshal(m.Result, &data); err != nil {
		return nil
	}
	return &data
}

// GetResultString returns the Result field as a string, for the error case.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ControlRequest represents a control request from the CLI.
type ControlRequest struct {
	// Subtype identifies the type of control request
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage is the message sent to respond to control requests.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response to a control request.
type ControlResponse struct {
	// Subtype is the response type (success, error)
	Subtype string `json:"subtype"`

	// For success responses
	Result *PermissionResult `json:"result,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// IncomingControlResponse is a control response from the CLI to one of
// our control requests.
type IncomingControlResponse struct {
	RequestID string          `json:"request_id"`
	Subtype   string          `json:"subtype"`
	Error     string          `json:"error,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// PermissionResult is the result for tool approval responses.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// Message provides feedback to the model
	Message string `json:"message,omitempty"`

	// Interrupt stops the current operation (for deny)
	Interrupt *bool `json:"interrupt,omitempty"`
}

// SDKControlRequest is a control request sent to the CLI.
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an SDK control request.
type SDKControlRequestBody struct {
	// Subtype identifies the operation (initialize, interrupt, set_permission_mode)
	Subtype string `json:"subtype"`

	// For set_permission_mode requests
	Mode string `json:"mode,omitempty"`
}

// UserMessage is sent to provide a prompt to the CLI.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// InputResponseMessage answers a system input_request.
type InputResponseMessage struct {
	Type      string `json:"type"` // "input_response"
	RequestID string `json:"request_id"`
	Response  string `json:"response"`
}

// MessageTypeInputResponse answers a system input_request on stdin.
const MessageTypeInputResponse = "input_response"

// Common tool names that require permission.
const (
	ToolBash         = "Bash"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolMultiEdit    = "MultiEdit"
	ToolNotebookEdit = "NotebookEdit"
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolTask         = "Task"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
)

// EditLikeTools are auto-approved in acceptEdits mode.
var EditLikeTools = map[string]bool{
	ToolWrite:        true,
	ToolEdit:         true,
	ToolMultiEdit:    true,
	ToolNotebookEdit: true,
}
