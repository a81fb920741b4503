// Package buffer implements the bounded output-line ring (C1) and the
// count/time-batched flush buffer (C2) used by the task manager and the
// log/task-output streaming services.
//
// Grounded on pkg/cc/server.go's logHistory ring buffer (a capped slice
// behind a sync.RWMutex) and pkg/tui/logs.go's line-oriented channel
// buffering.
package buffer

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/factorialio/scotty/internal/apptypes"
)

const (
	// DefaultMaxLines is the default ring capacity.
	DefaultMaxLines = 10000
	// DefaultMaxLineLength is the default per-line byte cap.
	DefaultMaxLineLength = 4096

	truncatedMarker = "...[truncated]"
)

// Buffer is a ring of OutputLine values with a monotonically increasing
// sequence counter. Zero value is not usable; use New.
type Buffer struct {
	mu                  sync.RWMutex
	lines               []apptypes.OutputLine
	maxLines            int
	maxLineLength       int
	nextSequence        uint64
	totalLinesProcessed uint64
}

// New creates a Buffer with the given caps. A maxLines or maxLineLength of
// 0 selects the package default.
func New(maxLines, maxLineLength int) *Buffer {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}

	if maxLineLength <= 0 {
		maxLineLength = DefaultMaxLineLength
	}

	return &Buffer{
		lines:         make([]apptypes.OutputLine, 0, minInt(maxLines, 256)),
		maxLines:      maxLines,
		maxLineLength: maxLineLength,
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}

	return b
}

// Append truncates content to the byte cap (at a UTF-8 boundary, appending
// the literal truncation marker) and pushes it onto the back of the ring,
// evicting from the front once the cap is exceeded. Returns the stored line.
// Uses time.Now() for the timestamp; see AppendAt for a deterministic seam.
func (b *Buffer) Append(stream apptypes.StreamKind, content string) apptypes.OutputLine {
	return b.AppendAt(stream, content, time.Now())
}

// AppendAt is Append with an explicit timestamp, used by tests and by
// callers replaying engine-reported timestamps (e.g. the log-stream
// service, which extracts a leading RFC3339 timestamp from the line).
func (b *Buffer) AppendAt(stream apptypes.StreamKind, content string, ts time.Time) apptypes.OutputLine {
	b.mu.Lock()
	defer b.mu.Unlock()

	content = truncate(content, b.maxLineLength)

	line := apptypes.OutputLine{
		Timestamp: ts,
		Stream:    stream,
		Content:   content,
		Sequence:  b.nextSequence,
	}
	b.nextSequence++
	b.totalLinesProcessed++

	b.lines = append(b.lines, line)
	if len(b.lines) > b.maxLines {
		b.lines = b.lines[len(b.lines)-b.maxLines:]
	}

	return line
}

// truncate trims content to maxLen bytes at the largest valid UTF-8
// character boundary that leaves room for the truncation marker, then
// appends the marker. No-op if content already fits.
func truncate(content string, maxLen int) string {
	if len(content) <= maxLen {
		return content
	}

	budget := maxLen - len(truncatedMarker)
	if budget < 0 {
		budget = 0
	}

	// Walk backward from budget to the nearest rune boundary.
	for budget > 0 && !utf8.RuneStart(content[budget]) {
		budget--
	}

	return content[:budget] + truncatedMarker
}

// Recent returns up to limit of the most recent lines, in order. limit <= 0
// means "all currently buffered lines".
func (b *Buffer) Recent(limit int) []apptypes.OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit >= len(b.lines) {
		out := make([]apptypes.OutputLine, len(b.lines))
		copy(out, b.lines)

		return out
	}

	start := len(b.lines) - limit
	out := make([]apptypes.OutputLine, limit)
	copy(out, b.lines[start:])

	return out
}

// Filter returns buffered lines matching a single stream kind.
func (b *Buffer) Filter(stream apptypes.StreamKind) []apptypes.OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]apptypes.OutputLine, 0, len(b.lines))

	for _, l := range b.lines {
		if l.Stream == stream {
			out = append(out, l)
		}
	}

	return out
}

// FromSequence returns buffered lines with Sequence >= from, in order. Used
// by the task-output stream service's tail loop (§4.6).
func (b *Buffer) FromSequence(from uint64) []apptypes.OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]apptypes.OutputLine, 0)

	for _, l := range b.lines {
		if l.Sequence >= from {
			out = append(out, l)
		}
	}

	return out
}

// Clear empties the ring without resetting the sequence counter.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = b.lines[:0]
}

// Len returns the number of lines currently buffered.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.lines)
}

// TotalLinesProcessed returns the count of every Append/AppendAt call ever made,
// per spec §3's total_lines_processed.
func (b *Buffer) TotalLinesProcessed() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.totalLinesProcessed
}

// HasTruncatedHistory reports whether eviction has discarded lines, per
// spec §3: total_lines_processed > current buffer size.
func (b *Buffer) HasTruncatedHistory() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.totalLinesProcessed > uint64(len(b.lines))
}
