package eventlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEvents(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "talkback.jsonl")
	l, err := NewLogger(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, l.Close()) }()

	require.NoError(t, l.LogSpeech(ListeningStarted, 0, 0, true))
	require.NoError(t, l.LogSpeech(SpeechStart, 12800, 0, true))
	require.NoError(t, l.LogSpeech(SpeechEnd, 64000, 3200, true))
	require.NoError(t, l.LogRelay(UploadCompleted, "http://relay/record", 200, 102400, 40, "", 0))
	require.NoError(t, l.LogDevice(PlayingStarted, "playing", "default", ""))
	require.NoError(t, l.LogDevice(PlayingEnded, "playing", "default", ""))
	require.NoError(t, l.LogRelay(ReplyReceived, "http://relay/play", 200, 32000, 0, "", 0))
	require.NoError(t, l.LogSpeech(NoSpeech, 80000, 0, true))
	return path
}

func TestReadLastNewestFirst(t *testing.T) {
	path := writeEvents(t)

	events, more, err := ReadLast(path, 3, 0, FilterAll)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, events, 3)
	assert.Equal(t, NoSpeech, events[0].Type)
	assert.Equal(t, ReplyReceived, events[1].Type)
	assert.Equal(t, PlayingEnded, events[2].Type)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestReadLastFilters(t *testing.T) {
	path := writeEvents(t)

	tests := []struct {
		filter TypeFilter
		want   []EventType
	}{
		{FilterSpeech, []EventType{NoSpeech, SpeechEnd, SpeechStart, ListeningStarted}},
		{FilterDevice, []EventType{PlayingEnded, PlayingStarted}},
		{FilterRelay, []EventType{ReplyReceived, UploadCompleted}},
	}
	for _, tt := range tests {
		t.Run(string(tt.filter), func(t *testing.T) {
			events, more, err := ReadLast(path, 10, 0, tt.filter)
			require.NoError(t, err)
			assert.False(t, more)
			got := make([]EventType, len(events))
			for i, e := range events {
				got[i] = e.Type
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadLastPagination(t *testing.T) {
	path := writeEvents(t)

	page, more, err := ReadLast(path, 2, 2, FilterSpeech)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, page, 2)
	assert.Equal(t, SpeechStart, page[0].Type)
	assert.Equal(t, ListeningStarted, page[1].Type)

	page, more, err = ReadLast(path, 1, 1, FilterSpeech)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, page, 1)
	assert.Equal(t, SpeechEnd, page[0].Type)
}

func TestReadLastSkipsMalformedLines(t *testing.T) {
	path := writeEvents(t)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, _, err := ReadLast(path, 1, 0, FilterAll)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, NoSpeech, events[0].Type)
}

func TestReadLastMissingFileAndLimits(t *testing.T) {
	events, more, err := ReadLast(filepath.Join(t.TempDir(), "absent.jsonl"), 10, 0, FilterAll)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.False(t, more)

	events, _, err = ReadLast(writeEvents(t), 0, 0, FilterAll)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDetailsAreEncoded(t *testing.T) {
	path := writeEvents(t)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 8)
	assert.Contains(t, lines[2], `"duration_ms":3200`)
	assert.Contains(t, lines[3], `"status":200`)
}

func TestValidFilter(t *testing.T) {
	assert.True(t, ValidFilter(FilterAll))
	assert.True(t, ValidFilter(FilterRelay))
	assert.False(t, ValidFilter("stream"))
}

func TestDefaultLogPath(t *testing.T) {
	assert.Contains(t, DefaultLogPath(8080), "8080")
	assert.True(t, strings.HasSuffix(DefaultLogPath(8080), "talkback.jsonl"))
}
