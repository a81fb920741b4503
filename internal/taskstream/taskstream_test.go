package taskstream

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorialio/scotty/internal/apptypes"
)

type fakeTaskManager struct {
	mu    sync.Mutex
	lines []apptypes.OutputLine
	state apptypes.TaskState
}

func (f *fakeTaskManager) TaskState(string) (apptypes.TaskState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state, true
}

func (f *fakeTaskManager) OutputFromSequence(_ string, from uint64) ([]apptypes.OutputLine, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []apptypes.OutputLine
	for _, l := range f.lines {
		if l.Sequence >= from {
			out = append(out, l)
		}
	}

	return out, true
}

func (f *fakeTaskManager) appendLine(content string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lines = append(f.lines, apptypes.OutputLine{Content: content, Sequence: uint64(len(f.lines))})
}

func (f *fakeTaskManager) finish(state apptypes.TaskState) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.state = state
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)

	return l
}

func TestService_ReplaysThenTailsUntilCompletion(t *testing.T) {
	t.Parallel()

	mgr := &fakeTaskManager{state: apptypes.TaskRunning}
	mgr.appendLine("historical")

	svc := NewService(testLogger(), mgr)

	var (
		mu       sync.Mutex
		received []string
		sawHist  bool
	)

	ended := make(chan EndedReason, 1)

	svc.Start("sess-1", "task-1", 0, func(lines []apptypes.OutputLine, isHistorical, _ bool) {
		mu.Lock()
		defer mu.Unlock()

		if isHistorical {
			sawHist = true
		}

		for _, l := range lines {
			received = append(received, l.Content)
		}
	}, func(reason EndedReason) {
		ended <- reason
	})

	time.Sleep(50 * time.Millisecond)
	mgr.appendLine("live")
	mgr.finish(apptypes.TaskFinished)

	select {
	case reason := <-ended:
		assert.Equal(t, EndedCompleted, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end in time")
	}

	mu.Lock()
	defer mu.Unlock()

	assert.True(t, sawHist)
	assert.Equal(t, []string{"historical", "live"}, received)
}

func TestService_ReplaysHistoryInBatchesOf1000(t *testing.T) {
	t.Parallel()

	mgr := &fakeTaskManager{state: apptypes.TaskRunning}
	for i := 0; i < 2500; i++ {
		mgr.appendLine("line")
	}

	svc := NewService(testLogger(), mgr)

	var (
		mu          sync.Mutex
		batchSizes  []int
		hasMoreSeen []bool
	)

	svc.Start("sess-1", "task-1", 0, func(lines []apptypes.OutputLine, isHistorical, hasMore bool) {
		mu.Lock()
		defer mu.Unlock()

		if isHistorical {
			batchSizes = append(batchSizes, len(lines))
			hasMoreSeen = append(hasMoreSeen, hasMore)
		}
	}, func(EndedReason) {})

	time.Sleep(50 * time.Millisecond)
	svc.Stop("sess-1", "task-1")

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, []int{1000, 1000, 500}, batchSizes)
	assert.Equal(t, []bool{true, true, false}, hasMoreSeen)
}

func TestService_StopEndsStream(t *testing.T) {
	t.Parallel()

	mgr := &fakeTaskManager{state: apptypes.TaskRunning}
	svc := NewService(testLogger(), mgr)

	ended := make(chan EndedReason, 1)

	svc.Start("sess-1", "task-1", 0, func([]apptypes.OutputLine, bool, bool) {}, func(reason EndedReason) {
		ended <- reason
	})

	time.Sleep(20 * time.Millisecond)
	svc.Stop("sess-1", "task-1")

	select {
	case reason := <-ended:
		assert.Equal(t, EndedStoppedByClient, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end in time")
	}
}

func TestService_DuplicateStartIsNoop(t *testing.T) {
	t.Parallel()

	mgr := &fakeTaskManager{state: apptypes.TaskRunning}
	svc := NewService(testLogger(), mgr)

	svc.Start("sess-1", "task-1", 0, func([]apptypes.OutputLine, bool, bool) {}, func(EndedReason) {})
	svc.Start("sess-1", "task-1", 0, func([]apptypes.OutputLine, bool, bool) {}, func(EndedReason) {})

	require.Len(t, svc.streams, 1)

	svc.StopAll()
}
