package frames

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFrameRoundTrip(t *testing.T) {
	f := &Frame{
		Type:   TypeRequest,
		ID:     "r1",
		Method: "GET",
		Path:   "/api/projects",
		Body:   json.RawMessage(`{"a":1}`),
	}

	raw, err := EncodeJSON(f)
	require.NoError(t, err)
	assert.Equal(t, byte(FormatJSON), raw[0])

	got, err := DecodeJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)
	assert.Equal(t, f.Path, got.Path)
	assert.JSONEq(t, `{"a":1}`, string(got.Body))
}

func TestBinaryChunkRoundTrip(t *testing.T) {
	c := &BinaryChunk{
		UploadID: uuid.New().String(),
		Offset:   65536,
		Data:     []byte("chunk data"),
	}

	raw, err := EncodeBinary(c)
	require.NoError(t, err)
	assert.Equal(t, byte(FormatBinary), raw[0])

	got, err := DecodeBinary(raw)
	require.NoError(t, err)
	assert.Equal(t, c.UploadID, got.UploadID)
	assert.Equal(t, c.Offset, got.Offset)
	assert.Equal(t, c.Data, got.Data)
}

func TestDecodeRejectsWrongFormat(t *testing.T) {
	_, err := DecodeJSON([]byte{0x00, '{', '}'})
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, err = DecodeBinary([]byte{0x01})
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, err = DecodeBinary([]byte{FormatBinary, 1, 2, 3})
	assert.Error(t, err)
}

func TestEncodeBinaryRejectsBadUploadID(t *testing.T) {
	_, err := EncodeBinary(&BinaryChunk{UploadID: "not-a-uuid"})
	assert.Error(t, err)
}
