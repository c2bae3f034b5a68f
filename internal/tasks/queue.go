package tasks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// QueueConfig holds the parameters for NewQueue.
type QueueConfig struct {
	// Workers is the number of concurrent task executors.  Default: 4.
	Workers int

	// Buffer is the channel capacity.  Default: 256.
	Buffer int

	Clock  clock.WithTickerAndDelayedExecution
	Logger *slog.Logger
}

type periodic struct {
	interval time.Duration
	task     Task
}

// Queue is an in-process work queue drained by a worker pool.
//
// At most one MaybeStartMoreRunners task is pending at any time; extra
// requests while one is queued are dropped since the queued sweep will
// observe their effects anyway.
type Queue struct {
	ch      chan Task
	done    chan struct{}
	workers int
	clock   clock.WithTickerAndDelayedExecution
	logger  *slog.Logger
	tracer  trace.Tracer

	sweepPending atomic.Bool

	mu       sync.Mutex
	closed   bool
	timers   map[clock.Timer]struct{}
	periodic []periodic
}

// Compile-time check.
var _ Enqueuer = (*Queue)(nil)

// NewQueue creates a Queue.  Nothing runs until Run is called.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Queue{
		ch:      make(chan Task, cfg.Buffer),
		done:    make(chan struct{}),
		workers: cfg.Workers,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		tracer:  otel.Tracer("atbroker/tasks"),
		timers:  make(map[clock.Timer]struct{}),
	}
}

// Every schedules t to be enqueued once per interval while Run is active.
// Must be called before Run.
func (q *Queue) Every(interval time.Duration, t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.periodic = append(q.periodic, periodic{interval: interval, task: t})
}

// Enqueue schedules tasks.  Delayed tasks are armed on the clock and
// pushed when they fire.  Enqueue blocks only while the buffer is full.
func (q *Queue) Enqueue(ctx context.Context, tasks ...Task) {
	for _, t := range tasks {
		if t.Delay > 0 {
			q.schedule(t)
			continue
		}
		q.push(ctx, t)
	}
}

func (q *Queue) schedule(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	delay := t.Delay
	t.Delay = 0

	var timer clock.Timer
	timer = q.clock.AfterFunc(delay, func() {
		// The fake clock fires callbacks while holding its own lock.
		go func() {
			q.mu.Lock()
			delete(q.timers, timer)
			q.mu.Unlock()
			q.push(context.Background(), t)
		}()
	})
	q.timers[timer] = struct{}{}
}

func (q *Queue) push(ctx context.Context, t Task) {
	if t.Kind == MaybeStartMoreRunners && !q.sweepPending.CompareAndSwap(false, true) {
		return
	}
	select {
	case q.ch <- t:
	case <-q.done:
	case <-ctx.Done():
		q.logger.Warn("dropping task, enqueue cancelled",
			slog.String("kind", t.Kind.String()),
			slog.String("runner", t.RunnerID),
		)
		if t.Kind == MaybeStartMoreRunners {
			q.sweepPending.Store(false)
		}
	}
}

// Pending reports how many timers are armed.  Used by tests.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Run drains the queue with the worker pool until ctx is cancelled.
// Handler errors are logged and never stop the pool.
func (q *Queue) Run(ctx context.Context, handle Handler) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range q.workers {
		g.Go(func() error {
			q.work(ctx, i, handle)
			return nil
		})
	}

	q.mu.Lock()
	periodics := append([]periodic(nil), q.periodic...)
	q.mu.Unlock()
	for _, p := range periodics {
		g.Go(func() error {
			ticker := q.clock.NewTicker(p.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C():
					q.push(ctx, p.task)
				}
			}
		})
	}

	err := g.Wait()
	q.stop()
	return err
}

func (q *Queue) work(ctx context.Context, id int, handle Handler) {
	logger := q.logger.With(slog.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.ch:
			if t.Kind == MaybeStartMoreRunners {
				q.sweepPending.Store(false)
			}
			q.execute(ctx, logger, t, handle)
		}
	}
}

func (q *Queue) execute(ctx context.Context, logger *slog.Logger, t Task, handle Handler) {
	ctx, span := q.tracer.Start(ctx, "tasks."+t.Kind.String())
	defer span.End()
	span.SetAttributes(attribute.String("runner.id", t.RunnerID))

	start := q.clock.Now()
	if err := handle(ctx, t); err != nil {
		span.RecordError(err)
		logger.Error("task failed",
			slog.String("kind", t.Kind.String()),
			slog.String("runner", t.RunnerID),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("task done",
		slog.String("kind", t.Kind.String()),
		slog.String("runner", t.RunnerID),
		slog.Duration("took", q.clock.Since(start)),
	)
}

func (q *Queue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	clear(q.timers)
	close(q.done)
}
