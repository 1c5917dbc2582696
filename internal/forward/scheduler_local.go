package forward

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"crmrelay/internal/types"
)

// ErrSchedulerStopped is returned by Submit once Stop has been called.
var ErrSchedulerStopped = errors.New("local scheduler stopped")

// JobRunner executes a single forward job.
type JobRunner interface {
	Execute(ctx context.Context, job types.ForwardJob) types.Outcome
}

// LocalScheduler runs forward jobs in-process on a fixed pool of workers.
// Delayed submissions wait on a timer before entering the queue. Retryable
// outcomes are re-submitted through Reschedule until the policy is exhausted.
// Pending work is lost when the process exits.
type LocalScheduler struct {
	runner  JobRunner
	policy  RetryPolicy
	workers int
	logger  types.Logger
	metrics Metrics
	clock   types.Clock

	jobs     chan queuedJob
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]struct{}
}

type queuedJob struct {
	job      types.ForwardJob
	enqueued time.Time
}

// LocalSchedulerConfig configures a LocalScheduler.
type LocalSchedulerConfig struct {
	Workers   int
	QueueSize int
	Policy    RetryPolicy
}

// NewLocalScheduler creates a LocalScheduler. Call Run to start the workers.
func NewLocalScheduler(runner JobRunner, cfg LocalSchedulerConfig, logger types.Logger, metrics Metrics) *LocalScheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &LocalScheduler{
		runner:  runner,
		policy:  cfg.Policy,
		workers: cfg.Workers,
		logger:  logger,
		metrics: metrics,
		clock:   types.RealClock{},
		jobs:    make(chan queuedJob, cfg.QueueSize),
		done:    make(chan struct{}),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Submit queues job. With a positive delay it returns immediately and the job
// is queued when the timer fires.
func (s *LocalScheduler) Submit(ctx context.Context, job types.ForwardJob, delay time.Duration) error {
	if delay <= 0 {
		return s.enqueue(ctx, job)
	}
	return s.schedule(job, delay)
}

// schedule queues job from a timer goroutine after delay. A zero delay fires
// at once but still never blocks the caller.
func (s *LocalScheduler) schedule(job types.ForwardJob, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, t)
		s.mu.Unlock()

		if err := s.enqueue(context.Background(), job); err != nil {
			s.logger.Error("dropping delayed forward job",
				"trace_id", job.TraceID,
				"error", err,
			)
		}
	})
	s.timers[t] = struct{}{}
	return nil
}

// retrySubmitter is the Scheduler workers re-submit through. Workers are the
// only consumers of the queue, so they must not wait on it.
type retrySubmitter struct{ s *LocalScheduler }

func (r retrySubmitter) Submit(_ context.Context, job types.ForwardJob, delay time.Duration) error {
	return r.s.schedule(job, delay)
}

func (s *LocalScheduler) enqueue(ctx context.Context, job types.ForwardJob) error {
	select {
	case <-s.done:
		return ErrSchedulerStopped
	default:
	}

	select {
	case s.jobs <- queuedJob{job: job, enqueued: s.clock.Now()}:
		return nil
	case <-s.done:
		return ErrSchedulerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is cancelled or Stop is called.
func (s *LocalScheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-s.done:
					return nil
				case qj := <-s.jobs:
					s.run(gctx, qj)
				}
			}
		})
	}
	err := g.Wait()
	s.Stop()
	return err
}

func (s *LocalScheduler) run(ctx context.Context, qj queuedJob) {
	s.metrics.RecordQueueLag(ctx, s.clock.Now().Sub(qj.enqueued))

	outcome := s.runner.Execute(ctx, qj.job)
	if !outcome.IsRetryable() {
		return
	}

	requeued, err := Reschedule(ctx, retrySubmitter{s}, s.policy, qj.job)
	switch {
	case err != nil:
		s.logger.Error("failed to re-submit forward job",
			"trace_id", qj.job.TraceID,
			"error", err,
		)
	case !requeued:
		s.logger.Error("forward job retries exhausted, dropping",
			"trace_id", qj.job.TraceID,
			"retry_count", qj.job.RetryCount,
			"last_error", outcome.Message,
		)
	}
}

// Stop cancels pending timers and releases the workers. Queued jobs that have
// not started are discarded. Safe to call more than once.
func (s *LocalScheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		for t := range s.timers {
			t.Stop()
		}
		pendingTimers := len(s.timers)
		s.timers = map[*time.Timer]struct{}{}
		s.mu.Unlock()

		close(s.done)

		if dropped := len(s.jobs) + pendingTimers; dropped > 0 {
			s.logger.Warn("local scheduler stopped with pending jobs", "dropped", dropped)
		}
	})
}
