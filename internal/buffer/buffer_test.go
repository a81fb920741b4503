package buffer

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorialio/scotty/internal/apptypes"
)

func TestBufferAppend_SequenceMonotonic(t *testing.T) {
	t.Parallel()

	b := New(0, 0)

	for i := 0; i < 5; i++ {
		line := b.Append(apptypes.StreamStdout, "line")
		assert.Equal(t, uint64(i), line.Sequence)
	}

	assert.Equal(t, uint64(5), b.TotalLinesProcessed())
}

func TestBufferAppend_EvictsOldest(t *testing.T) {
	t.Parallel()

	b := New(3, 0)

	for i := 0; i < 5; i++ {
		b.Append(apptypes.StreamStdout, "line")
	}

	require.Equal(t, 3, b.Len())

	recent := b.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, uint64(2), recent[0].Sequence)
	assert.Equal(t, uint64(4), recent[2].Sequence)
	assert.True(t, b.HasTruncatedHistory())
}

func TestBufferAppend_TruncatesAtUTF8Boundary(t *testing.T) {
	t.Parallel()

	b := New(0, 20)

	line := b.Append(apptypes.StreamStdout, strings.Repeat("a", 50))

	assert.LessOrEqual(t, len(line.Content), 20)
	assert.True(t, strings.HasSuffix(line.Content, "...[truncated]"))
}

func TestBufferAppend_TruncationIsValidUTF8(t *testing.T) {
	t.Parallel()

	b := New(0, 12)

	// "é" is two bytes; forcing the cut near a multi-byte rune must not
	// split it.
	content := strings.Repeat("é", 20)
	line := b.Append(apptypes.StreamStdout, content)

	assert.True(t, validUTF8(line.Content))
}

func TestBuffer_FromSequence(t *testing.T) {
	t.Parallel()

	b := New(0, 0)

	for i := 0; i < 10; i++ {
		b.Append(apptypes.StreamStdout, "line")
	}

	lines := b.FromSequence(7)
	require.Len(t, lines, 3)
	assert.Equal(t, uint64(7), lines[0].Sequence)
}

func TestBuffer_Filter(t *testing.T) {
	t.Parallel()

	b := New(0, 0)
	b.Append(apptypes.StreamStdout, "out")
	b.Append(apptypes.StreamStderr, "err")
	b.Append(apptypes.StreamStdout, "out2")

	out := b.Filter(apptypes.StreamStdout)
	require.Len(t, out, 2)
}

func TestTimedFlush_FlushesOnCount(t *testing.T) {
	t.Parallel()

	flushed := make(chan []apptypes.OutputLine, 1)
	tf := NewTimedFlush(3, time.Hour, func(b []apptypes.OutputLine) {
		flushed <- b
	})

	for i := 0; i < 3; i++ {
		tf.Add(apptypes.OutputLine{Sequence: uint64(i)})
	}

	select {
	case b := <-flushed:
		assert.Len(t, b, 3)
	case <-time.After(time.Second):
		t.Fatal("expected flush on count threshold")
	}
}

func TestTimedFlush_FlushesOnInterval(t *testing.T) {
	t.Parallel()

	flushed := make(chan []apptypes.OutputLine, 1)
	tf := NewTimedFlush(100, 20*time.Millisecond, func(b []apptypes.OutputLine) {
		flushed <- b
	})

	tf.Add(apptypes.OutputLine{Sequence: 1})

	select {
	case b := <-flushed:
		assert.Len(t, b, 1)
	case <-time.After(time.Second):
		t.Fatal("expected flush on interval")
	}
}

func validUTF8(s string) bool {
	for _, r := range s {
		if r == '�' {
			return false
		}
	}

	return true
}
