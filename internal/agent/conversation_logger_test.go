package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLogLines(t *testing.T, path string) []ConversationLogEvent {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []ConversationLogEvent
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var ev ConversationLogEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		out = append(out, ev)
	}
	return out
}

func TestConversationLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "all", "walt.ndjson")
	l, err := NewConversationLogger(ConversationLogConfig{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    global,
		QueueSize:     16,
	}, testLogger())
	require.NoError(t, err)

	l.Log(ConversationLogEvent{
		UserID:     "anon_1",
		SessionID:  "tab-1",
		Channel:    channelHTTP,
		Direction:  "outbound",
		EventType:  "turn_user_message",
		ContentRaw: "I grew up by the sea",
	})
	l.Log(ConversationLogEvent{
		UserID:     "anon_1",
		SessionID:  "tab-2",
		Channel:    channelHTTP,
		Direction:  "inbound",
		EventType:  "turn_assistant_message",
		ContentRaw: "What was the sea like?\r\n",
	})
	require.NoError(t, l.Close())

	first := readLogLines(t, filepath.Join(dir, "anon_1", "tab-1.ndjson"))
	require.Len(t, first, 1)
	assert.Equal(t, "I grew up by the sea", first[0].Content)
	assert.NotEmpty(t, first[0].Timestamp)

	second := readLogLines(t, filepath.Join(dir, "anon_1", "tab-2.ndjson"))
	require.Len(t, second, 1)
	assert.Equal(t, "What was the sea like?", second[0].Content)

	assert.Len(t, readLogLines(t, global), 2)
}

func TestConversationLoggerDisabled(t *testing.T) {
	t.Parallel()

	l, err := NewConversationLogger(ConversationLogConfig{}, nil)
	require.NoError(t, err)
	l.Log(ConversationLogEvent{ContentRaw: "ignored"})
	assert.NoError(t, l.Close())
}

func TestConversationLoggerRequiresDir(t *testing.T) {
	t.Parallel()

	_, err := NewConversationLogger(ConversationLogConfig{Enabled: true}, nil)
	require.Error(t, err)
}

func TestConversationLoggerIgnoresLogAfterClose(t *testing.T) {
	t.Parallel()

	l, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: t.TempDir()}, testLogger())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	l.Log(ConversationLogEvent{UserID: "anon_1", ContentRaw: "late"})
}

func TestCleanForReadability(t *testing.T) {
	t.Parallel()

	clean := cleanForReadability("I was born\r\nin Leeds\x00\r")
	assert.Equal(t, "I was born\nin Leeds", clean)
}

func TestConversationLoggerBoundsOpenFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := NewConversationLogger(ConversationLogConfig{
		Enabled:      true,
		Dir:          dir,
		QueueSize:    16,
		MaxOpenFiles: 2,
	}, testLogger())
	require.NoError(t, err)
	fl := l.(*fileConversationLogger)

	sessions := []string{"tab-1", "tab-2", "tab-3", "tab-4", "tab-1"}
	for _, id := range sessions {
		l.Log(ConversationLogEvent{UserID: "anon_1", SessionID: id, ContentRaw: "hello " + id})
	}
	require.Eventually(t, func() bool {
		lines, err := os.ReadFile(filepath.Join(dir, "anon_1", "tab-1.ndjson"))
		return err == nil && strings.Count(string(lines), "\n") == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, fl.openFiles())

	require.NoError(t, l.Close())
	assert.Equal(t, 0, fl.openFiles())
	assert.Len(t, readLogLines(t, filepath.Join(dir, "anon_1", "tab-1.ndjson")), 2)
	for _, id := range []string{"tab-2", "tab-3", "tab-4"} {
		assert.Len(t, readLogLines(t, filepath.Join(dir, "anon_1", id+".ndjson")), 1, id)
	}
}

func TestSafePathSegment(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "_.._etc", safePathSegment("/../etc"))
	assert.Equal(t, "unknown", safePathSegment(".."))
	assert.Equal(t, "tab_1", safePathSegment("tab:1"))
}
