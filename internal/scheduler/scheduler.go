// Package scheduler implements the periodic reconciliation loops (C13): a
// registry rescan, a TTL sweep that destroys expired apps, a finished-task
// cleanup, and an optional rate-limiter key sweep, each serialized per-kind
// (one outstanding pass at a time) and cooperatively cancellable on shutdown.
//
// Grounded on pkg/cc/server.go's broadcastLoop, which drives a
// time.NewTicker inside a select alongside a ctx.Done() case, and
// pkg/builder/manager.go's use of golang.org/x/sync/errgroup to supervise
// independent goroutines and propagate the first failure's cancellation to
// the others.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/factorialio/scotty/internal/apptypes"
)

// Registry is the subset of internal/registry.Registry the scheduler needs.
type Registry interface {
	Scan(ctx context.Context) error
	List() []*apptypes.App
}

// Lifecycle is the subset of internal/lifecycle.Manager the TTL sweep needs.
type Lifecycle interface {
	Destroy(ctx context.Context, name string) (string, error)
}

// TaskCleaner is the subset of internal/task.Manager's cleanup surface the
// scheduler drives; unsubscribe is invoked once per removed task so
// internal/logstream, internal/shell and internal/taskstream subscribers can
// be torn down.
type TaskCleaner interface {
	RunCleanup(ttl time.Duration, unsubscribe func(taskID string)) int
}

// MetricsSampler is the subset of internal/metrics.Metrics the rescan loop
// drives: every rescan pass re-samples the registry's current app-state
// gauge.
type MetricsSampler interface {
	SampleApps(apps []*apptypes.App)
}

// RateLimitCleaner is the subset of internal/ratelimit.Limiter the scheduler
// drives: a periodic sweep evicting idle per-IP/per-token limiter entries so
// the tracked key set doesn't grow without bound.
type RateLimitCleaner interface {
	Cleanup(maxIdle time.Duration)
}

// Config configures each loop's interval. A zero interval disables that
// loop entirely (useful in tests exercising only one of them).
type Config struct {
	RescanInterval      time.Duration
	TTLCheckInterval    time.Duration
	TaskCleanupInterval time.Duration

	// TaskTTL is the age past which a finished task is eligible for
	// cleanup; spec §4.11 sets it equal to TaskCleanupInterval unless
	// overridden.
	TaskTTL time.Duration

	// RateLimitCleanupInterval drives the rate-limiter key sweep; zero
	// disables the loop (e.g. when rate limiting itself is disabled).
	RateLimitCleanupInterval time.Duration
	// RateLimitMaxIdle is the idle threshold passed to Cleanup; defaults to
	// RateLimitCleanupInterval when unset.
	RateLimitMaxIdle time.Duration
}

// Scheduler owns the four periodic loops.
type Scheduler struct {
	log         logrus.FieldLogger
	cfg         Config
	registry    Registry
	lifecycle   Lifecycle
	tasks       TaskCleaner
	unsubscribe func(taskID string)

	metrics     MetricsSampler
	rateLimiter RateLimitCleaner
}

// New creates a Scheduler. unsubscribe is called once per task the cleanup
// loop removes, and may be nil.
func New(log logrus.FieldLogger, cfg Config, registry Registry, lifecycle Lifecycle, tasks TaskCleaner, unsubscribe func(taskID string)) *Scheduler {
	if cfg.TaskTTL <= 0 {
		cfg.TaskTTL = cfg.TaskCleanupInterval
	}

	if cfg.RateLimitMaxIdle <= 0 {
		cfg.RateLimitMaxIdle = cfg.RateLimitCleanupInterval
	}

	return &Scheduler{
		log:         log.WithField("component", "scheduler"),
		cfg:         cfg,
		registry:    registry,
		lifecycle:   lifecycle,
		tasks:       tasks,
		unsubscribe: unsubscribe,
	}
}

// SetMetrics wires a metrics sampler into the rescan loop. Passing nil (the
// default) disables sampling; mirrors Hub.SetHandler's post-construction
// wiring for a collaborator not every caller needs.
func (s *Scheduler) SetMetrics(m MetricsSampler) {
	s.metrics = m
}

// SetRateLimiter wires a rate limiter whose idle entries the scheduler
// sweeps periodically. Passing nil (the default) disables the sweep.
func (s *Scheduler) SetRateLimiter(r RateLimitCleaner) {
	s.rateLimiter = r
}

// Run starts every configured loop (up to four) and blocks until ctx is canceled or one of
// them returns a non-nil error, at which point the others are canceled too.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.cfg.RescanInterval > 0 {
		g.Go(func() error {
			s.loop(ctx, "rescan", s.cfg.RescanInterval, s.runRescan)

			return nil
		})
	}

	if s.cfg.TTLCheckInterval > 0 {
		g.Go(func() error {
			s.loop(ctx, "ttl", s.cfg.TTLCheckInterval, s.runTTLCheck)

			return nil
		})
	}

	if s.cfg.TaskCleanupInterval > 0 {
		g.Go(func() error {
			s.loop(ctx, "task-cleanup", s.cfg.TaskCleanupInterval, s.runTaskCleanup)

			return nil
		})
	}

	if s.rateLimiter != nil && s.cfg.RateLimitCleanupInterval > 0 {
		g.Go(func() error {
			s.loop(ctx, "rate-limit-cleanup", s.cfg.RateLimitCleanupInterval, s.runRateLimitCleanup)

			return nil
		})
	}

	return g.Wait()
}

// loop ticks every interval, running fn at most once at a time: if a
// previous pass is still running when the ticker fires again, that tick is
// simply skipped rather than queued, satisfying spec §4.11's "one
// outstanding pass at a time" per loop kind.
func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	running := make(chan struct{}, 1)
	running <- struct{}{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case <-running:
			default:
				s.log.WithField("loop", name).Debug("previous pass still running, skipping tick")

				continue
			}

			fn(ctx)
			running <- struct{}{}
		}
	}
}

func (s *Scheduler) runRescan(ctx context.Context) {
	if err := s.registry.Scan(ctx); err != nil {
		s.log.WithError(err).Warn("registry scan failed")

		return
	}

	if s.metrics != nil {
		s.metrics.SampleApps(s.registry.List())
	}
}

func (s *Scheduler) runRateLimitCleanup(_ context.Context) {
	s.rateLimiter.Cleanup(s.cfg.RateLimitMaxIdle)
}

// runTTLCheck implements spec §4.11's TTL check: for each app with
// destroy_on_ttl and running_since older than its configured time_to_live,
// start the Destroy FSM. Forever-lived apps (TimeToLive.Kind ==
// TTLForever) are never eligible regardless of destroy_on_ttl.
func (s *Scheduler) runTTLCheck(ctx context.Context) {
	for _, app := range s.registry.List() {
		if app.Settings == nil || !app.Settings.DestroyOnTTL || app.RunningSince == nil {
			continue
		}

		ttl := app.Settings.TimeToLive
		if ttl.Kind == apptypes.TTLForever {
			continue
		}

		if time.Since(*app.RunningSince) <= ttl.Duration() {
			continue
		}

		s.log.WithField("app", app.Name).Info("app exceeded its configured time_to_live, destroying")

		if _, err := s.lifecycle.Destroy(ctx, app.Name); err != nil {
			s.log.WithError(err).WithField("app", app.Name).Warn("failed to start Destroy for expired app")
		}
	}
}

func (s *Scheduler) runTaskCleanup(_ context.Context) {
	removed := s.tasks.RunCleanup(s.cfg.TaskTTL, s.unsubscribe)
	if removed > 0 {
		s.log.WithField("removed", removed).Debug("cleaned up finished tasks")
	}
}
