package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorialio/scotty/internal/apptypes"
)

type recordingSubscriber struct {
	mu    sync.Mutex
	lines []apptypes.OutputLine
	ended []string
	done  chan struct{}
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{done: make(chan struct{}, 1)}
}

func (r *recordingSubscriber) PublishTaskLine(_ string, line apptypes.OutputLine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines = append(r.lines, line)
}

func (r *recordingSubscriber) PublishTaskEnded(_ string, reason string) {
	r.mu.Lock()
	r.ended = append(r.ended, reason)
	r.mu.Unlock()

	select {
	case r.done <- struct{}{}:
	default:
	}
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)

	return l
}

func TestManager_SuccessfulTask(t *testing.T) {
	t.Parallel()

	subs := newRecordingSubscriber()
	m := NewManager(testLogger(), subs)

	id := m.Start(t.TempDir(), "sh", []string{"-c", "echo hello"}, nil, "myapp", OutputSettings{})

	waitForDone(t, subs)

	details, ok := m.GetDetails(id)
	require.True(t, ok)
	assert.Equal(t, apptypes.TaskFinished, details.State)
	require.NotNil(t, details.LastExitCode)
	assert.Equal(t, 0, *details.LastExitCode)

	out, ok := m.GetOutput(id, 0)
	require.True(t, ok)
	require.NotEmpty(t, out)
	assert.Equal(t, "hello", out[0].Content)
}

func TestManager_FailedTask(t *testing.T) {
	t.Parallel()

	subs := newRecordingSubscriber()
	m := NewManager(testLogger(), subs)

	id := m.Start(t.TempDir(), "sh", []string{"-c", "exit 3"}, nil, "myapp", OutputSettings{})

	waitForDone(t, subs)

	details, ok := m.GetDetails(id)
	require.True(t, ok)
	assert.Equal(t, apptypes.TaskFailed, details.State)
	require.NotNil(t, details.LastExitCode)
	assert.Equal(t, 3, *details.LastExitCode)
}

func TestManager_AddInfo(t *testing.T) {
	t.Parallel()

	subs := newRecordingSubscriber()
	m := NewManager(testLogger(), subs)

	id := m.Start(t.TempDir(), "sleep", []string{"5"}, nil, "myapp", OutputSettings{})
	m.AddInfo(id, "starting build")

	out, ok := m.GetOutput(id, 0)
	require.True(t, ok)
	require.NotEmpty(t, out)
	assert.Equal(t, apptypes.StreamInfo, out[len(out)-1].Stream)
}

func TestManager_RunCleanup(t *testing.T) {
	t.Parallel()

	subs := newRecordingSubscriber()
	m := NewManager(testLogger(), subs)

	id := m.Start(t.TempDir(), "sh", []string{"-c", "true"}, nil, "myapp", OutputSettings{})
	waitForDone(t, subs)

	removed := m.RunCleanup(0, nil)
	assert.Equal(t, 1, removed)

	_, ok := m.GetDetails(id)
	assert.False(t, ok)
}

func TestManager_Wait(t *testing.T) {
	t.Parallel()

	m := NewManager(testLogger(), nil)

	id := m.Start(t.TempDir(), "sh", []string{"-c", "exit 7"}, nil, "myapp", OutputSettings{})

	details, err := m.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, apptypes.TaskFailed, details.State)
	require.NotNil(t, details.LastExitCode)
	assert.Equal(t, 7, *details.LastExitCode)
}

func TestManager_Wait_ContextCancelled(t *testing.T) {
	t.Parallel()

	m := NewManager(testLogger(), nil)

	id := m.Start(t.TempDir(), "sleep", []string{"5"}, nil, "myapp", OutputSettings{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Wait(ctx, id)
	require.Error(t, err)
}

func TestManager_RunDrivesVirtualTaskToCompletion(t *testing.T) {
	t.Parallel()

	subs := newRecordingSubscriber()
	m := NewManager(testLogger(), subs)

	dir := t.TempDir()

	id := m.Run("myapp", "lifecycle:create", OutputSettings{}, func(ctx context.Context, taskID string) error {
		m.AddInfo(taskID, "starting")

		code, err := m.RunCommand(ctx, taskID, dir, "sh", []string{"-c", "echo from-command"}, nil)
		if err != nil {
			return err
		}

		if code != 0 {
			return assert.AnError
		}

		return nil
	})

	waitForDone(t, subs)

	details, ok := m.GetDetails(id)
	require.True(t, ok)
	assert.Equal(t, apptypes.TaskFinished, details.State)

	out, ok := m.GetOutput(id, 0)
	require.True(t, ok)

	var sawInfo, sawCommand bool

	for _, line := range out {
		if line.Content == "starting" {
			sawInfo = true
		}

		if line.Content == "from-command" {
			sawCommand = true
		}
	}

	assert.True(t, sawInfo)
	assert.True(t, sawCommand)
}

func TestManager_RunFailsWhenWorkReturnsError(t *testing.T) {
	t.Parallel()

	subs := newRecordingSubscriber()
	m := NewManager(testLogger(), subs)

	id := m.Run("myapp", "lifecycle:create", OutputSettings{}, func(_ context.Context, _ string) error {
		return assert.AnError
	})

	waitForDone(t, subs)

	details, ok := m.GetDetails(id)
	require.True(t, ok)
	assert.Equal(t, apptypes.TaskFailed, details.State)
}

func TestManager_RunCommand_NonzeroExit(t *testing.T) {
	t.Parallel()

	m := NewManager(testLogger(), nil)

	id := m.Run("myapp", "lifecycle:stop", OutputSettings{}, func(ctx context.Context, taskID string) error {
		code, err := m.RunCommand(ctx, taskID, t.TempDir(), "sh", []string{"-c", "exit 9"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 9, code)

		return nil
	})

	details, err := m.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, apptypes.TaskFinished, details.State)
}

func waitForDone(t *testing.T, subs *recordingSubscriber) {
	t.Helper()

	select {
	case <-subs.done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish in time")
	}
}
