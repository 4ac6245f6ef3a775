package transcript

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

type fakeOwnership map[string]bool

func (f fakeOwnership) OwnsSession(id string) bool { return f[id] }

// writeSession creates a transcript file with the given JSONL lines.
func writeSession(t *testing.T, root, projectPath, sessionID string, lines ...string) string {
	t.Helper()
	projectID, err := EncodeProjectID(projectPath)
	require.NoError(t, err)
	dir := filepath.Join(root, projectID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, sessionID+TranscriptExt)
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return projectID
}

func TestReadSessionProjectsVisibleRecords(t *testing.T) {
	root := t.TempDir()
	projectID := writeSession(t, root, "/home/op/api", "s1",
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"hello"}}`,
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		`{"type":"assistant","uuid":"a1","parentUuid":"u1","message":{"role":"assistant","content":"hi"}}`,
		`{"type":"result","uuid":"res1"}`,
	)

	store := NewStore(root, testLogger())
	info, msgs, err := store.ReadSession(projectID, "s1", "")
	require.NoError(t, err)

	assert.Equal(t, "s1", info.ID)
	assert.Equal(t, DefaultProvider, info.Provider)
	assert.Equal(t, "hello", info.Title)

	require.Len(t, msgs, 2)
	assert.Equal(t, "u1", msgs[0].ID)
	assert.Equal(t, RecordUser, msgs[0].Type)
	assert.Equal(t, "a1", msgs[1].ID)
	assert.Equal(t, "u1", msgs[1].ParentUUID)
	assert.Equal(t, SourceDisk, msgs[1].Source)
}

func TestReadSessionAfterID(t *testing.T) {
	root := t.TempDir()
	projectID := writeSession(t, root, "/home/op/api", "s1",
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"one"}}`,
		`{"type":"assistant","uuid":"a2","message":{"role":"assistant","content":"two"}}`,
		`{"type":"user","uuid":"u3","message":{"role":"user","content":"three"}}`,
	)
	store := NewStore(root, testLogger())

	_, msgs, err := store.ReadSession(projectID, "s1", "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a2", msgs[0].ID)
	assert.Equal(t, "u3", msgs[1].ID)

	_, msgs, err = store.ReadSession(projectID, "s1", "u3")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Unknown afterID returns the full projection: the caller resyncs.
	_, msgs, err = store.ReadSession(projectID, "s1", "nope")
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestReadSessionSynthesizedIDs(t *testing.T) {
	root := t.TempDir()
	projectID := writeSession(t, root, "/home/op/api", "s1",
		`{"type":"user","message":{"role":"user","content":"no uuid here"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":"me neither"}}`,
	)
	store := NewStore(root, testLogger())

	_, msgs, err := store.ReadSession(projectID, "s1", "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, SynthesizedID(0), msgs[0].ID)
	assert.Equal(t, SynthesizedID(1), msgs[1].ID)

	// Synthesized ids are stable, so incremental reads work without uuids.
	_, suffix, err := store.ReadSession(projectID, "s1", msgs[0].ID)
	require.NoError(t, err)
	require.Len(t, suffix, 1)
	assert.Equal(t, msgs[1].ID, suffix[0].ID)
}

func TestReadSessionToleratesTornTail(t *testing.T) {
	root := t.TempDir()
	projectID := writeSession(t, root, "/home/op/api", "s1",
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"hi"}}`,
		`{"type":"assist`, // producer mid-append
	)
	store := NewStore(root, testLogger())

	_, msgs, err := store.ReadSession(projectID, "s1", "")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSubAgentMap(t *testing.T) {
	root := t.TempDir()
	projectID := writeSession(t, root, "/home/op/api", "parent",
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"go"}}`,
		`{"type":"tool-use","uuid":"t1","tool_use_id":"toolu_01","tool_name":"Task"}`,
		`{"type":"queue-op","tool_use_id":"toolu_01","agent_session_id":"agent-child-1"}`,
	)
	store := NewStore(root, testLogger())

	_, msgs, err := store.ReadSession(projectID, "parent", "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "agent-child-1", msgs[1].AgentSessionID)
}

func TestProjectsEnumeration(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "/home/op/api", "s1",
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"a"}}`)
	writeSession(t, root, "/home/op/web", "s2",
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"b"}}`)
	// A directory that does not decode to an absolute path is not a project.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-project"), 0o755))

	store := NewStore(root, testLogger())
	projects, err := store.Projects()
	require.NoError(t, err)
	require.Len(t, projects, 2)

	paths := []string{projects[0].Path, projects[1].Path}
	assert.ElementsMatch(t, []string{"/home/op/api", "/home/op/web"}, paths)
	assert.Equal(t, 1, projects[0].SessionCount)
}

func TestSessionClassification(t *testing.T) {
	root := t.TempDir()
	projectID := writeSession(t, root, "/home/op/api", "fresh",
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"a"}}`)
	writeSession(t, root, "/home/op/api", "stale",
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"b"}}`)
	writeSession(t, root, "/home/op/api", "owned",
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"c"}}`)

	old := time.Now().Add(-10 * time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(root, projectID, "stale"+TranscriptExt), old, old))
	// Clock skew: a future mtime must read as now, i.e. external, not
	// permanently stuck.
	future := time.Now().Add(2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, projectID, "fresh"+TranscriptExt), future, future))

	store := NewStore(root, testLogger())
	store.SetOwnership(fakeOwnership{"owned": true})

	sessions, err := store.Sessions(projectID)
	require.NoError(t, err)
	byID := map[string]Status{}
	for _, s := range sessions {
		byID[s.ID] = s.Status
	}
	assert.Equal(t, StatusOwned, byID["owned"])
	assert.Equal(t, StatusExternal, byID["fresh"])
	assert.Equal(t, StatusIdle, byID["stale"])
}

func TestFindSession(t *testing.T) {
	root := t.TempDir()
	projectID := writeSession(t, root, "/home/op/api", "s1",
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"a"}}`)
	store := NewStore(root, testLogger())

	got, err := store.FindSession("s1")
	require.NoError(t, err)
	assert.Equal(t, projectID, got)

	_, err = store.FindSession("missing")
	assert.Error(t, err)
}
