package steprt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Handler processes one event. Runs are retried as a whole; completed steps
// inside a run replay from checkpoints.
type Handler func(ctx context.Context, sc *StepContext, evt Event) error

// ConcurrencySpec bounds how many runs of a function execute at once per
// key. A nil Key puts all runs in one bucket.
type ConcurrencySpec struct {
	Limit int64
	Key   func(evt Event) string
}

// ThrottleSpec admits at most Limit run starts per sliding Period, shared
// across all runs of the function.
type ThrottleSpec struct {
	Limit  int
	Period time.Duration
}

// FunctionSpec declares one registered function.
type FunctionSpec struct {
	ID string
	// Trigger is the event name that invokes the function.
	Trigger string
	// Cron, when set, also invokes the function periodically with a
	// synthetic empty event.
	Cron time.Duration
	// Retries is how many times a failed run is re-attempted. Zero means
	// a single attempt.
	Retries     int
	Concurrency *ConcurrencySpec
	Throttle    *ThrottleSpec
	Handler     Handler
}

type function struct {
	spec FunctionSpec
	sem  *keyedSemaphore
}

type task struct {
	fn  *function
	evt Event
}

// Runtime dispatches events to registered functions from a worker pool.
type Runtime struct {
	checkpoints CheckpointStore
	window      Window
	logger      logrus.FieldLogger
	workers     int
	backoff     func(attempt int) time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []task
	pending int
	byName  map[string][]*function
	crons   []*function
	started bool
	stopped bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Options configures a Runtime.
type Options struct {
	// Workers is the pool size. Defaults to 4.
	Workers int
	// Checkpoints defaults to an in-memory store.
	Checkpoints CheckpointStore
	// Window defaults to an in-process sliding window.
	Window Window
	Logger logrus.FieldLogger
}

// New creates a Runtime.
func New(opts Options) *Runtime {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = NewMemoryCheckpoints()
	}
	if opts.Window == nil {
		opts.Window = NewSlidingWindow()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	rt := &Runtime{
		checkpoints: opts.Checkpoints,
		window:      opts.Window,
		logger:      opts.Logger,
		workers:     opts.Workers,
		backoff:     backoffDelay,
		byName:      make(map[string][]*function),
	}
	rt.cond = sync.NewCond(&rt.mu)
	return rt
}

// Register adds a function. All registration happens before Start.
func (rt *Runtime) Register(spec FunctionSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("register function: missing ID")
	}
	if spec.Handler == nil {
		return fmt.Errorf("register function %s: missing handler", spec.ID)
	}
	if spec.Trigger == "" && spec.Cron <= 0 {
		return fmt.Errorf("register function %s: needs a trigger or a cron period", spec.ID)
	}

	fn := &function{spec: spec}
	if spec.Concurrency != nil && spec.Concurrency.Limit > 0 {
		fn.sem = newKeyedSemaphore(spec.Concurrency.Limit)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if spec.Trigger != "" {
		rt.byName[spec.Trigger] = append(rt.byName[spec.Trigger], fn)
	}
	if spec.Cron > 0 {
		rt.crons = append(rt.crons, fn)
	}
	return nil
}

// Send enqueues an event for every function triggered by its name. An event
// without an ID gets a fresh one; reusing an ID makes the resulting runs
// share checkpoints with earlier sends.
func (rt *Runtime) Send(_ context.Context, evt Event) error {
	if evt.Name == "" {
		return fmt.Errorf("send event: missing name")
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.stopped {
		return fmt.Errorf("send event %s: runtime stopped", evt.Name)
	}

	fns := rt.byName[evt.Name]
	if len(fns) == 0 {
		rt.logger.WithField("event", evt.Name).Debug("event has no subscribers")
		return nil
	}
	for _, fn := range fns {
		rt.queue = append(rt.queue, task{fn: fn, evt: evt})
		rt.pending++
	}
	rt.cond.Broadcast()
	return nil
}

// Start launches the worker pool and cron tickers.
func (rt *Runtime) Start(ctx context.Context) {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.mu.Unlock()

	ctx, rt.cancel = context.WithCancel(ctx)

	for i := 0; i < rt.workers; i++ {
		rt.wg.Add(1)
		go rt.worker(ctx)
	}
	for _, fn := range rt.crons {
		rt.wg.Add(1)
		go rt.cron(ctx, fn)
	}
}

// Stop drains nothing: it cancels in-flight runs and wakes all workers. Call
// RunUntilIdle first for a graceful drain.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	rt.stopped = true
	rt.cond.Broadcast()
	rt.mu.Unlock()

	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()
}

// RunUntilIdle blocks until the queue is empty and no run is in flight.
// Cron tickers do not count as pending work.
func (rt *Runtime) RunUntilIdle(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			rt.mu.Lock()
			rt.cond.Broadcast()
			rt.mu.Unlock()
		case <-done:
		}
	}()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	for rt.pending > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		rt.cond.Wait()
	}
	return nil
}

func (rt *Runtime) worker(ctx context.Context) {
	defer rt.wg.Done()
	for {
		rt.mu.Lock()
		for len(rt.queue) == 0 && !rt.stopped {
			rt.cond.Wait()
		}
		if rt.stopped && len(rt.queue) == 0 {
			rt.mu.Unlock()
			return
		}
		t := rt.queue[0]
		rt.queue = rt.queue[1:]
		rt.mu.Unlock()

		rt.execute(ctx, t)

		rt.mu.Lock()
		rt.pending--
		rt.cond.Broadcast()
		rt.mu.Unlock()
	}
}

func (rt *Runtime) cron(ctx context.Context, fn *function) {
	defer rt.wg.Done()
	ticker := time.NewTicker(fn.spec.Cron)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evt := Event{ID: uuid.NewString(), Name: fn.spec.Trigger}
			rt.mu.Lock()
			if rt.stopped {
				rt.mu.Unlock()
				return
			}
			rt.queue = append(rt.queue, task{fn: fn, evt: evt})
			rt.pending++
			rt.cond.Broadcast()
			rt.mu.Unlock()
		}
	}
}

// execute runs one function invocation end to end: concurrency gate,
// throttle, then the bounded retry loop around the handler.
func (rt *Runtime) execute(ctx context.Context, t task) {
	spec := t.fn.spec
	runID := t.evt.ID + ":" + spec.ID
	log := rt.logger.WithFields(logrus.Fields{
		"function": spec.ID,
		"event":    t.evt.Name,
		"run_id":   runID,
	})

	if t.fn.sem != nil {
		key := ""
		if spec.Concurrency.Key != nil {
			key = spec.Concurrency.Key(t.evt)
		}
		release, err := t.fn.sem.acquire(ctx, key)
		if err != nil {
			log.WithError(err).Warn("run abandoned waiting for concurrency slot")
			return
		}
		defer release()
	}

	if spec.Throttle != nil && spec.Throttle.Limit > 0 {
		if err := rt.window.Wait(ctx, spec.ID, spec.Throttle.Limit, spec.Throttle.Period); err != nil {
			log.WithError(err).Warn("run abandoned waiting for throttle")
			return
		}
	}

	attempts := spec.Retries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		sc := &StepContext{
			runID:       runID,
			checkpoints: rt.checkpoints,
			rt:          rt,
			logger:      log,
		}

		err = spec.Handler(ctx, sc, t.evt)
		if err == nil {
			if cerr := rt.checkpoints.Clear(runID); cerr != nil {
				log.WithError(cerr).Warn("checkpoint cleanup failed")
			}
			return
		}
		if IsNonRetriable(err) {
			log.WithError(err).Error("run failed permanently")
			if cerr := rt.checkpoints.Clear(runID); cerr != nil {
				log.WithError(cerr).Warn("checkpoint cleanup failed")
			}
			return
		}

		if attempt < attempts {
			delay := rt.backoff(attempt)
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
			}).WithError(err).Warn("run failed, retrying")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				log.Warn("run abandoned during backoff")
				return
			case <-timer.C:
			}
		}
	}

	// Checkpoints are kept: replaying the same event ID resumes this run
	// past its completed steps.
	log.WithError(err).WithField("attempts", attempts).Error("run failed after retries")
}
