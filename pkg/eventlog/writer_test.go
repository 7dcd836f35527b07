package eventlog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadConversation(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	payload := []byte(`{"objective01":{"status":"done","count":3,"target":3}}`)
	require.NoError(t, w.Write(NewObjectiveUpdate("conv-a", 1, payload)))
	require.NoError(t, w.Write(NewObjectiveUpdate("conv-b", 1, payload)))
	require.NoError(t, w.Write(NewObjectiveUpdate("conv-a", 2, payload)))

	events, err := ReadConversation(dir, "conv-a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Turn)
	assert.Equal(t, 2, events[1].Turn)
	assert.Equal(t, KindObjectiveUpdate, events[0].Kind)
	assert.Equal(t, json.RawMessage(payload), events[0].Payload)
}

func TestReadConversationEmptyDir(t *testing.T) {
	events, err := ReadConversation(t.TempDir(), "conv-a")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCurrentLogFile(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir)
	require.NoError(t, err)

	path := w.CurrentLogFile()
	assert.Contains(t, path, "events-")
	assert.Contains(t, path, ".jsonl")

	require.NoError(t, w.Close())
	assert.Empty(t, w.CurrentLogFile())

	// Closing twice is harmless.
	require.NoError(t, w.Close())
}

func TestWriteAfterReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Write(NewObjectiveUpdate("conv-a", 1, []byte(`{}`))))
	require.NoError(t, w.Close())

	// A new writer appends to the same daily file.
	w2, err := NewWriter(dir)
	require.NoError(t, err)
	defer func() { _ = w2.Close() }()
	require.NoError(t, w2.Write(NewObjectiveUpdate("conv-a", 2, []byte(`{}`))))

	events, err := ReadConversation(dir, "conv-a")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}
