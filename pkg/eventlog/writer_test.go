package eventlog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbus/pkg/proto"
)

func TestWriteAndReadEnvelopes(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	env, err := proto.NewEnvelope(proto.MsgTypeTASK, proto.AtLeastOnce, "agent-a", map[string]string{"k": "v"})
	require.NoError(t, err)
	env.Topic = "build"
	require.NoError(t, w.WriteEnvelope(env))

	records, err := ReadRecords(w.CurrentLogFile())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, KindEnvelope, records[0].Kind)
	assert.False(t, records[0].LoggedAt.IsZero())

	logged, err := proto.FromJSON(records[0].Body)
	require.NoError(t, err)
	assert.Equal(t, env.ID, logged.ID)
	assert.Equal(t, "build", logged.Topic)
}

func TestWriteEvent(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.WriteEvent(map[string]string{"type": "step_completed", "step": "fetch"}))

	records, err := ReadRecords(w.CurrentLogFile())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, KindEvent, records[0].Kind)

	var body map[string]string
	require.NoError(t, json.Unmarshal(records[0].Body, &body))
	assert.Equal(t, "step_completed", body["type"])
}

func TestRecordsAppendInOrder(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteEvent(map[string]int{"seq": i}))
	}

	records, err := ReadRecords(w.CurrentLogFile())
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, rec := range records {
		var body map[string]int
		require.NoError(t, json.Unmarshal(rec.Body, &body))
		assert.Equal(t, i, body["seq"])
	}
}

func TestListLogFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.WriteEvent("x"))

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, w.CurrentLogFile(), files[0])
}
