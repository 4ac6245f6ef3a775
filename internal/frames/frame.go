// Package frames implements the multiplexed request/event protocol that
// runs over one bidirectional byte stream. The same frames travel plain
// over a local websocket and wrapped in encryption envelopes over the
// relay, so the codec here knows nothing about the carrier.
package frames

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Frame format bytes. Every frame on the wire starts with one of these.
const (
	// FormatJSON precedes a UTF-8 JSON frame.
	FormatJSON = 0x01
	// FormatBinary precedes a binary upload chunk.
	FormatBinary = 0x02
)

// CloseProtocolError is the close code for malformed framing, including
// the reserved 0x00 format byte that signals stray text on the socket.
const CloseProtocolError = 4002

// ErrInvalidFormat reports an unknown or reserved format byte. The
// connection must close with CloseProtocolError.
var ErrInvalidFormat = errors.New("invalid frame format byte")

// Frame types carried in JSON frames.
const (
	TypeRequest        = "request"
	TypeResponse       = "response"
	TypeEvent          = "event"
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypeUploadStart    = "upload_start"
	TypeUploadProgress = "upload_progress"
	TypeUploadComplete = "upload_complete"
	TypeUploadError    = "upload_error"
	TypeUploadEnd      = "upload_end"
)

// Frame is the tagged JSON message. Which fields are meaningful depends
// on Type; unused fields stay empty and are omitted on the wire.
type Frame struct {
	Type string `json:"type"`

	// Request and response.
	ID      string            `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Status  int               `json:"status,omitempty"`

	// Subscriptions and events.
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Channel        string          `json:"channel,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	EventType      string          `json:"eventType,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Dropped        uint64          `json:"dropped,omitempty"`

	// Uploads.
	UploadID  string          `json:"uploadId,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Filename  string          `json:"filename,omitempty"`
	Size      int64           `json:"size,omitempty"`
	MimeType  string          `json:"mimeType,omitempty"`
	Received  int64           `json:"received,omitempty"`
	File      *FileDescriptor `json:"file,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// FileDescriptor describes a sealed upload.
type FileDescriptor struct {
	ID           string `json:"id"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType,omitempty"`
	Path         string `json:"path"`
}

// binaryHeaderLen is the fixed prefix of a binary chunk payload:
// 16-byte upload id then a big-endian uint64 offset.
const binaryHeaderLen = 16 + 8

// BinaryChunk is one decoded format-0x02 frame.
type BinaryChunk struct {
	UploadID string
	Offset   uint64
	Data     []byte
}

// EncodeJSON serializes a JSON frame with its format byte.
func EncodeJSON(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	out := make([]byte, 0, 1+len(data))
	out = append(out, FormatJSON)
	return append(out, data...), nil
}

// EncodeBinary serializes an upload chunk with its format byte.
func EncodeBinary(c *BinaryChunk) ([]byte, error) {
	id, err := uuid.Parse(c.UploadID)
	if err != nil {
		return nil, fmt.Errorf("encode chunk: bad upload id: %w", err)
	}
	out := make([]byte, 1+binaryHeaderLen, 1+binaryHeaderLen+len(c.Data))
	out[0] = FormatBinary
	copy(out[1:17], id[:])
	binary.BigEndian.PutUint64(out[17:25], c.Offset)
	return append(out, c.Data...), nil
}

// DecodeJSON parses a raw frame known to carry FormatJSON.
func DecodeJSON(raw []byte) (*Frame, error) {
	if len(raw) < 1 || raw[0] != FormatJSON {
		return nil, ErrInvalidFormat
	}
	var f Frame
	if err := json.Unmarshal(raw[1:], &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// DecodeBinary parses a raw frame known to carry FormatBinary.
func DecodeBinary(raw []byte) (*BinaryChunk, error) {
	if len(raw) < 1 || raw[0] != FormatBinary {
		return nil, ErrInvalidFormat
	}
	if len(raw) < 1+binaryHeaderLen {
		return nil, errors.New("decode chunk: truncated header")
	}
	id, err := uuid.FromBytes(raw[1:17])
	if err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	return &BinaryChunk{
		UploadID: id.String(),
		Offset:   binary.BigEndian.Uint64(raw[17:25]),
		Data:     raw[1+binaryHeaderLen:],
	}, nil
}
