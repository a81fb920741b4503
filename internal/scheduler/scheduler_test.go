package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorialio/scotty/internal/apptypes"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)

	return l
}

type fakeRegistry struct {
	mu        sync.Mutex
	apps      []*apptypes.App
	scanCount int32
}

func (f *fakeRegistry) Scan(_ context.Context) error {
	atomic.AddInt32(&f.scanCount, 1)

	return nil
}

func (f *fakeRegistry) List() []*apptypes.App {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.apps
}

type fakeLifecycle struct {
	mu        sync.Mutex
	destroyed []string
}

func (f *fakeLifecycle) Destroy(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.destroyed = append(f.destroyed, name)

	return "task-" + name, nil
}

func (f *fakeLifecycle) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.destroyed))
	copy(out, f.destroyed)

	return out
}

type fakeTaskCleaner struct {
	calls int32
}

func (f *fakeTaskCleaner) RunCleanup(_ time.Duration, _ func(string)) int {
	atomic.AddInt32(&f.calls, 1)

	return 0
}

func ptrTime(d time.Duration) *time.Time {
	t := time.Now().Add(-d)

	return &t
}

func TestScheduler_RescanLoopCallsScanPeriodically(t *testing.T) {
	t.Parallel()

	reg := &fakeRegistry{}
	s := New(testLogger(), Config{RescanInterval: 20 * time.Millisecond}, reg, &fakeLifecycle{}, &fakeTaskCleaner{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_ = s.Run(ctx)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&reg.scanCount), int32(2))
}

func TestScheduler_TTLCheckDestroysExpiredApps(t *testing.T) {
	t.Parallel()

	reg := &fakeRegistry{apps: []*apptypes.App{
		{
			Name: "expired-app",
			Settings: &apptypes.AppSettings{
				DestroyOnTTL: true,
				TimeToLive:   apptypes.TimeToLive{Kind: apptypes.TTLHours, Value: 1},
			},
			RunningSince: ptrTime(2 * time.Hour),
		},
		{
			Name: "fresh-app",
			Settings: &apptypes.AppSettings{
				DestroyOnTTL: true,
				TimeToLive:   apptypes.TimeToLive{Kind: apptypes.TTLHours, Value: 1},
			},
			RunningSince: ptrTime(time.Minute),
		},
		{
			Name: "forever-app",
			Settings: &apptypes.AppSettings{
				DestroyOnTTL: true,
				TimeToLive:   apptypes.TimeToLive{Kind: apptypes.TTLForever},
			},
			RunningSince: ptrTime(365 * 24 * time.Hour),
		},
		{
			Name:     "not-opted-in",
			Settings: &apptypes.AppSettings{DestroyOnTTL: false},
		},
	}}
	lc := &fakeLifecycle{}

	s := New(testLogger(), Config{}, reg, lc, &fakeTaskCleaner{}, nil)
	s.runTTLCheck(context.Background())

	assert.Equal(t, []string{"expired-app"}, lc.names())
}

func TestScheduler_TaskCleanupLoopCallsRunCleanup(t *testing.T) {
	t.Parallel()

	cleaner := &fakeTaskCleaner{}
	s := New(testLogger(), Config{TaskCleanupInterval: 20 * time.Millisecond}, &fakeRegistry{}, &fakeLifecycle{}, cleaner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_ = s.Run(ctx)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&cleaner.calls), int32(2))
}

func TestScheduler_TaskTTLDefaultsToCleanupInterval(t *testing.T) {
	t.Parallel()

	s := New(testLogger(), Config{TaskCleanupInterval: 5 * time.Minute}, &fakeRegistry{}, &fakeLifecycle{}, &fakeTaskCleaner{}, nil)

	assert.Equal(t, 5*time.Minute, s.cfg.TaskTTL)
}

func TestScheduler_RunReturnsWhenContextCanceled(t *testing.T) {
	t.Parallel()

	s := New(testLogger(), Config{RescanInterval: time.Millisecond}, &fakeRegistry{}, &fakeLifecycle{}, &fakeTaskCleaner{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestScheduler_NoLoopsConfiguredReturnsImmediatelyOnCancel(t *testing.T) {
	t.Parallel()

	s := New(testLogger(), Config{}, &fakeRegistry{}, &fakeLifecycle{}, &fakeTaskCleaner{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Run(ctx))
}
