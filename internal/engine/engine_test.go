package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))

	return append(header, []byte(payload)...)
}

func TestDemuxLogs_ParsesTimestampPrefix(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write(frame(1, "2026-07-30T12:00:00.000000000Z hello\n"))
	buf.Write(frame(2, "2026-07-30T12:00:01.000000000Z oops\n"))

	var lines []LogLine
	err := demuxLogs(context.Background(), &buf, func(l LogLine) {
		lines = append(lines, l)
	})
	require.NoError(t, err)
	require.Len(t, lines, 2)

	assert.Equal(t, "hello", lines[0].Content)
	assert.False(t, lines[0].Stderr)
	assert.Equal(t, 2026, lines[0].Timestamp.Year())

	assert.Equal(t, "oops", lines[1].Content)
	assert.True(t, lines[1].Stderr)
}

func TestDemuxLogs_TolerantOfMissingTimestamp(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write(frame(1, "no timestamp here\n"))

	var lines []LogLine
	err := demuxLogs(context.Background(), &buf, func(l LogLine) {
		lines = append(lines, l)
	})
	require.NoError(t, err)
	require.Len(t, lines, 1)

	assert.Equal(t, "no timestamp here", lines[0].Content)
	assert.True(t, lines[0].Timestamp.IsZero())
}

func TestSplitTimestamp(t *testing.T) {
	t.Parallel()

	ts, rest := splitTimestamp("2026-07-30T12:00:00.5Z some message")
	assert.Equal(t, "some message", rest)
	assert.Equal(t, time.Date(2026, 7, 30, 12, 0, 0, 5e8, time.UTC), ts.UTC())

	ts, rest = splitTimestamp("not-a-timestamp rest of line")
	assert.True(t, ts.IsZero())
	assert.Equal(t, "not-a-timestamp rest of line", rest)
}
