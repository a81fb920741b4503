package buffer

import (
	"sync"
	"time"

	"github.com/factorialio/scotty/internal/apptypes"
)

const (
	// DefaultFlushCount is the line-count threshold (C2: "≥10").
	DefaultFlushCount = 10
	// DefaultFlushInterval is the time threshold (C2: "≥100 ms").
	DefaultFlushInterval = 100 * time.Millisecond
)

// TimedFlush batches appended lines and invokes a flush callback once the
// batch reaches DefaultFlushCount lines or DefaultFlushInterval has elapsed
// since the first unflushed line, whichever comes first. Used by the
// log-stream (C5) and task-output-stream (C7) services.
type TimedFlush struct {
	mu       sync.Mutex
	pending  []apptypes.OutputLine
	count    int
	interval time.Duration
	onFlush  func([]apptypes.OutputLine)

	timer *time.Timer
}

// NewTimedFlush creates a TimedFlush. count/interval of 0 select the
// package defaults. onFlush is invoked with a non-empty, ordered batch;
// it must not block for long as it runs with the internal lock released.
func NewTimedFlush(count int, interval time.Duration, onFlush func([]apptypes.OutputLine)) *TimedFlush {
	if count <= 0 {
		count = DefaultFlushCount
	}

	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	return &TimedFlush{
		count:    count,
		interval: interval,
		onFlush:  onFlush,
	}
}

// Add appends a line to the pending batch, flushing immediately if the
// count threshold is reached; otherwise arms (or leaves armed) a timer that
// flushes after the interval elapses.
func (t *TimedFlush) Add(line apptypes.OutputLine) {
	t.mu.Lock()

	t.pending = append(t.pending, line)

	if len(t.pending) >= t.count {
		batch := t.drainLocked()
		t.mu.Unlock()
		t.dispatch(batch)

		return
	}

	if t.timer == nil {
		t.timer = time.AfterFunc(t.interval, t.onTimer)
	}

	t.mu.Unlock()
}

func (t *TimedFlush) onTimer() {
	t.mu.Lock()
	batch := t.drainLocked()
	t.mu.Unlock()
	t.dispatch(batch)
}

// drainLocked must be called with t.mu held; it returns and clears the
// pending batch and disarms the timer.
func (t *TimedFlush) drainLocked() []apptypes.OutputLine {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	if len(t.pending) == 0 {
		return nil
	}

	batch := t.pending
	t.pending = nil

	return batch
}

func (t *TimedFlush) dispatch(batch []apptypes.OutputLine) {
	if len(batch) > 0 && t.onFlush != nil {
		t.onFlush(batch)
	}
}

// Flush forces an immediate flush of any pending lines, used when a stream
// ends and remaining output must be delivered before the terminal message.
func (t *TimedFlush) Flush() {
	t.mu.Lock()
	batch := t.drainLocked()
	t.mu.Unlock()
	t.dispatch(batch)
}

// Stop disarms the timer without flushing; used on abrupt cancellation.
func (t *TimedFlush) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
