package transcript

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordUnknownFieldsRoundTrip(t *testing.T) {
	line := `{"type":"user","uuid":"u1","cwd":"/tmp/p","message":{"role":"user","content":"hello"},"gitBranch":"main","version":"1.0.44"}`

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(line), &rec))

	assert.Equal(t, RecordUser, rec.Type)
	assert.Equal(t, "u1", rec.UUID)
	assert.Equal(t, "/tmp/p", rec.CWD)
	require.NotNil(t, rec.Message)
	assert.Equal(t, "user", rec.Message.Role)

	// Unknown keys survive a decode/encode cycle byte-for-byte.
	assert.JSONEq(t, `"main"`, string(rec.Extras["gitBranch"]))

	out, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, line, string(out))
}

func TestRecordUnknownTypePreservedButNotVisible(t *testing.T) {
	line := `{"type":"file-history-snapshot","uuid":"s1","snapshot":{"n":1}}`

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, RecordType("file-history-snapshot"), rec.Type)
	assert.False(t, rec.visible())

	out, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, line, string(out))
}

func TestRecordInputRequest(t *testing.T) {
	line := `{"type":"system","subtype":"input_request","input_request":{"id":"r1","type":"tool-approval","tool":"Bash","prompt":"ok?"}}`

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, RecordSystem, rec.Type)
	assert.Equal(t, SubtypeInputRequest, rec.Subtype)
	require.NotNil(t, rec.InputRequest)
	assert.Equal(t, "r1", rec.InputRequest.ID)
	assert.Equal(t, "tool-approval", rec.InputRequest.Type)
	assert.Equal(t, "Bash", rec.InputRequest.Tool)
}

func TestTitleFromContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain string", `"fix the login bug"`, "fix the login bug"},
		{"newlines collapsed", `"fix\nthe bug"`, "fix the bug"},
		{"block list", `[{"type":"text","text":"refactor parser"}]`, "refactor parser"},
		{"non-text blocks skipped", `[{"type":"image"},{"type":"text","text":"hi"}]`, "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TitleFromContent(json.RawMessage(tt.content)))
		})
	}
}

func TestTitleFromContentTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 100)
	raw, err := json.Marshal(long)
	require.NoError(t, err)

	title := TitleFromContent(raw)
	assert.True(t, utf8.ValidString(title))
	assert.True(t, strings.HasSuffix(title, "…"))
	assert.LessOrEqual(t, len(title), 80+len("…"))

	// ASCII input still truncates at the same budget.
	raw, err = json.Marshal(strings.Repeat("a", 100))
	require.NoError(t, err)
	title = TitleFromContent(raw)
	assert.True(t, utf8.ValidString(title))
	assert.Equal(t, strings.Repeat("a", 79)+"…", title)
}

func TestProjectIDCodec(t *testing.T) {
	id, err := EncodeProjectID("/home/op/work/api")
	require.NoError(t, err)

	path, err := DecodeProjectID(id)
	require.NoError(t, err)
	assert.Equal(t, "/home/op/work/api", path)

	_, err = EncodeProjectID("relative/path")
	assert.Error(t, err)

	_, err = DecodeProjectID("not!base64url!")
	assert.Error(t, err)

	assert.True(t, IsProjectID(id))
	assert.False(t, IsProjectID("cmVsYXRpdmU")) // decodes to "relative"
}
