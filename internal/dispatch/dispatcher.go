package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"buyscope/internal/metrics"
)

const (
	defaultTick        = 100 * time.Millisecond
	defaultRate        = 25
	defaultMaxInFlight = 4
	defaultJobTimeout  = 30 * time.Second
)

// Options tunes the dispatcher.
type Options struct {
	Tick        time.Duration
	Rate        int
	Window      time.Duration
	MaxInFlight int
	JobTimeout  time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Dispatcher drains a Queue, starting at most one job per tick.
type Dispatcher struct {
	queue   *Queue
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	// started holds start times inside the sliding window; touched only by the tick loop.
	started  []time.Time
	inFlight atomic.Int32
	wg       sync.WaitGroup
}

// NewDispatcher builds a dispatcher over queue.
func NewDispatcher(queue *Queue, opts Options) *Dispatcher {
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.Rate <= 0 {
		opts.Rate = defaultRate
	}
	if opts.Window <= 0 {
		opts.Window = time.Second
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if queue == nil {
		queue = NewQueue(DefaultCapacity)
	}
	return &Dispatcher{
		queue:   queue,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("component", "dispatch")),
		metrics: opts.Metrics,
	}
}

// Queue returns the underlying queue.
func (d *Dispatcher) Queue() *Queue {
	return d.queue
}

// Enqueue adds a job, evicting the oldest one when full.
func (d *Dispatcher) Enqueue(job Job) {
	d.metrics.JobsEnqueued.Inc()
	if d.queue.Push(job) {
		d.metrics.JobsDropped.Inc()
		d.logger.Warn("dispatch queue full, dropped oldest job",
			zap.String("group", job.GroupID),
			zap.Uint64("dropped_total", d.queue.Dropped()),
		)
	}
	d.metrics.QueueDepth.Set(float64(d.queue.Len()))
}

// Run ticks until ctx is cancelled, then waits for in-flight jobs.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.Tick)
	defer ticker.Stop()
	defer d.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.tick(ctx, now)
		}
	}
}

// Wait blocks until every started job has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// tick starts at most one job if both caps allow it.
func (d *Dispatcher) tick(ctx context.Context, now time.Time) bool {
	cutoff := now.Add(-d.opts.Window)
	keep := d.started[:0]
	for _, ts := range d.started {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	d.started = keep

	if len(d.started) >= d.opts.Rate {
		return false
	}
	if int(d.inFlight.Load()) >= d.opts.MaxInFlight {
		return false
	}
	job, ok := d.queue.Pop()
	if !ok {
		return false
	}
	d.metrics.QueueDepth.Set(float64(d.queue.Len()))
	d.started = append(d.started, now)
	d.inFlight.Add(1)
	d.wg.Add(1)
	go d.execute(ctx, job)
	return true
}

func (d *Dispatcher) execute(ctx context.Context, job Job) {
	defer d.wg.Done()
	defer d.inFlight.Add(-1)

	err := d.safeRun(ctx, job)
	if err != nil {
		d.metrics.JobsFailed.Inc()
		d.logger.Warn("alert job failed", zap.String("group", job.GroupID), zap.Error(err))
		return
	}
	d.metrics.JobsDelivered.Inc()
}

func (d *Dispatcher) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	if job.Run == nil {
		return fmt.Errorf("job without action")
	}
	jobCtx, cancel := context.WithTimeout(ctx, d.opts.JobTimeout)
	defer cancel()
	return job.Run(jobCtx)
}

// InFlight returns the number of running jobs.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}
