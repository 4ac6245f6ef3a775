package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreEmptyByDefault(t *testing.T) {
	s := NewStore(t.TempDir())
	doc, err := s.Get()
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestStorePatchMergesTopLevel(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	doc, err := s.Patch(map[string]json.RawMessage{
		"theme":    json.RawMessage(`"dark"`),
		"fontSize": json.RawMessage(`14`),
	})
	require.NoError(t, err)
	assert.Len(t, doc, 2)

	doc, err = s.Patch(map[string]json.RawMessage{
		"theme":    json.RawMessage(`"light"`),
		"fontSize": json.RawMessage(`null`),
	})
	require.NoError(t, err)
	assert.Equal(t, `"light"`, string(doc["theme"]))
	_, has := doc["fontSize"]
	assert.False(t, has)

	// Survives a fresh store.
	doc, err = NewStore(dir).Get()
	require.NoError(t, err)
	assert.Equal(t, `"light"`, string(doc["theme"]))
}

func TestStoreReplaceAndAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	require.NoError(t, s.Replace(map[string]json.RawMessage{"a": json.RawMessage(`1`)}))
	doc, err := s.Get()
	require.NoError(t, err)
	assert.Len(t, doc, 1)

	_, err = os.Stat(filepath.Join(dir, settingsFile+".tmp"))
	assert.True(t, os.IsNotExist(err))
}
