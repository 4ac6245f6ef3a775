// Package transcript reads the append-only per-session transcript files
// that are the authoritative record of every conversation. The package
// never writes transcript files; producers (the AI CLI, or an external
// instance) own all writes.
package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// RecordType is the tag of one transcript record.
type RecordType string

const (
	RecordUser       RecordType = "user"
	RecordAssistant  RecordType = "assistant"
	RecordSystem     RecordType = "system"
	RecordToolUse    RecordType = "tool-use"
	RecordToolResult RecordType = "tool-result"
	RecordResult     RecordType = "result"
	RecordQueueOp    RecordType = "queue-op"
	RecordSnapshot   RecordType = "snapshot"
	RecordInternal   RecordType = "internal"
)

// SubtypeInputRequest marks a system record that blocks the agent on an
// operator response.
const SubtypeInputRequest = "input_request"

// Message source tags.
const (
	SourceDisk = "disk"
	SourceLive = "live"
)

// MessageBody is the role/content pair carried by user and assistant records.
type MessageBody struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// InputRequest is the operator-response request carried by a system record
// with subtype input_request.
type InputRequest struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"` // tool-approval | user-question
	Tool   string          `json:"tool,omitempty"`
	Prompt string          `json:"prompt,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// Record is one JSON-lines entry. Known fields are typed; everything else
// is preserved in Extras so unknown records round-trip losslessly.
type Record struct {
	Type         RecordType
	UUID         string
	ParentUUID   string
	Subtype      string
	CWD          string
	Timestamp    time.Time
	Message      *MessageBody
	InputRequest *InputRequest
	ToolUseID    string
	ToolName     string
	Extras       map[string]json.RawMessage
}

// knownRecordKeys are the top-level keys lifted into typed fields.
var knownRecordKeys = map[string]struct{}{
	"type": {}, "uuid": {}, "parentUuid": {}, "subtype": {}, "cwd": {},
	"timestamp": {}, "message": {}, "input_request": {}, "tool_use_id": {},
	"tool_name": {},
}

// UnmarshalJSON lifts the known keys and keeps the remainder in Extras.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	get := func(key string, v any) error {
		if b, ok := raw[key]; ok {
			return json.Unmarshal(b, v)
		}
		return nil
	}

	var typ string
	if err := get("type", &typ); err != nil {
		return fmt.Errorf("record type: %w", err)
	}
	r.Type = RecordType(typ)
	if err := get("uuid", &r.UUID); err != nil {
		return fmt.Errorf("record uuid: %w", err)
	}
	if err := get("parentUuid", &r.ParentUUID); err != nil {
		return fmt.Errorf("record parentUuid: %w", err)
	}
	_ = get("subtype", &r.Subtype)
	_ = get("cwd", &r.CWD)
	_ = get("tool_use_id", &r.ToolUseID)
	_ = get("tool_name", &r.ToolName)

	if b, ok := raw["timestamp"]; ok {
		var ts string
		if json.Unmarshal(b, &ts) == nil {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				r.Timestamp = t
			}
		}
	}
	if b, ok := raw["message"]; ok {
		var m MessageBody
		if err := json.Unmarshal(b, &m); err == nil {
			r.Message = &m
		}
	}
	if b, ok := raw["input_request"]; ok {
		var ir InputRequest
		if err := json.Unmarshal(b, &ir); err == nil {
			r.InputRequest = &ir
		}
	}

	for k, v := range raw {
		if _, ok := knownRecordKeys[k]; ok {
			continue
		}
		if r.Extras == nil {
			r.Extras = make(map[string]json.RawMessage)
		}
		r.Extras[k] = v
	}
	return nil
}

// MarshalJSON merges the typed fields back with Extras.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Extras)+8)
	for k, v := range r.Extras {
		out[k] = v
	}

	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = b
		return nil
	}

	if err := put("type", string(r.Type)); err != nil {
		return nil, err
	}
	if r.UUID != "" {
		_ = put("uuid", r.UUID)
	}
	if r.ParentUUID != "" {
		_ = put("parentUuid", r.ParentUUID)
	}
	if r.Subtype != "" {
		_ = put("subtype", r.Subtype)
	}
	if r.CWD != "" {
		_ = put("cwd", r.CWD)
	}
	if !r.Timestamp.IsZero() {
		_ = put("timestamp", r.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	if r.Message != nil {
		_ = put("message", r.Message)
	}
	if r.InputRequest != nil {
		_ = put("input_request", r.InputRequest)
	}
	if r.ToolUseID != "" {
		_ = put("tool_use_id", r.ToolUseID)
	}
	if r.ToolName != "" {
		_ = put("tool_name", r.ToolName)
	}
	return json.Marshal(out)
}

// visible reports whether the record projects into the user-visible
// message list.
func (r *Record) visible() bool {
	switch r.Type {
	case RecordUser, RecordAssistant, RecordToolUse, RecordToolResult:
		return true
	default:
		return false
	}
}

// Message is the user-visible projection of a record.
type Message struct {
	// ID is the message identity: the record uuid when present,
	// otherwise a synthesized id stable under append-only growth.
	ID         string          `json:"id"`
	UUID       string          `json:"uuid,omitempty"`
	ParentUUID string          `json:"parentUuid,omitempty"`
	Type       RecordType      `json:"type"`
	Role       string          `json:"role,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolUseID  string          `json:"toolUseId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	// AgentSessionID points at the sub-agent session spawned by a Task
	// tool-use record, when known.
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`

	// Source is "disk" or "live".
	Source string `json:"_source"`
	// Streaming marks a live partial assistant block.
	Streaming bool `json:"streaming,omitempty"`
}

// projectMessage converts a visible record at the given file index.
func projectMessage(rec *Record, index int) Message {
	m := Message{
		UUID:       rec.UUID,
		ParentUUID: rec.ParentUUID,
		Type:       rec.Type,
		ToolUseID:  rec.ToolUseID,
		ToolName:   rec.ToolName,
		Timestamp:  rec.Timestamp,
		Source:     SourceDisk,
	}
	if rec.Message != nil {
		m.Role = rec.Message.Role
		m.Content = rec.Message.Content
	}
	m.ID = rec.UUID
	if m.ID == "" {
		m.ID = SynthesizedID(index)
	}
	return m
}

// SynthesizedID builds the fallback identity for records without a uuid.
// File append order makes the line index stable for a session's lifetime.
func SynthesizedID(index int) string {
	return fmt.Sprintf("r%d", index)
}

// TitleFromContent derives a session title from the first user message.
func TitleFromContent(content json.RawMessage) string {
	var text string
	if json.Unmarshal(content, &text) != nil {
		// Content may be a block list; take the first text block.
		var blocks []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(content, &blocks) == nil {
			for _, b := range blocks {
				if b.Type == "text" && b.Text != "" {
					text = b.Text
					break
				}
			}
		}
	}
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	const maxTitle = 80
	if len(text) > maxTitle {
		// Truncate on a rune boundary so multi-byte input stays valid.
		cut := maxTitle - 1
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		return text[:cut] + "…"
	}
	return text
}
