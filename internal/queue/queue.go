// Package queue implements the admission queue: a bounded, priority-ordered
// scheduler that feeds a fixed worker pool. Total in-flight executions are
// additionally bounded by a counting semaphore so that queue depth and worker
// count can be tuned independently of backend concurrency.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	dispatcherrors "github.com/modelmux/dispatch/pkg/errors"
)

// Priority orders queue entries. Higher priorities are dequeued first;
// entries of equal priority run in enqueue order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Task is a unit of work executed by the pool. The context carries the
// per-entry deadline; tasks should return promptly once it is done.
type Task func(ctx context.Context) (any, error)

// ErrNotStarted is returned by Enqueue before Start has been called.
var ErrNotStarted = errors.New("request queue not started")

// ErrStopped is the cancellation error delivered to handles that were still
// unresolved when the queue shut down.
var ErrStopped = errors.New("request queue stopped")

type entry struct {
	priority   Priority
	enqueuedAt time.Time
	seq        uint64

	id      string
	task    Task
	timeout time.Duration
	handle  *Handle
}

// entryHeap is a max-heap by (priority, -enqueue order).
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Config holds queue tuning parameters.
type Config struct {
	Workers         int           // worker pool size (default: 5)
	MaxConcurrent   int           // simultaneous executions (default: Workers)
	MaxQueueSize    int           // pending entries before rejection (default: 100)
	TaskTimeout     time.Duration // per-entry execution deadline (default: 60s)
	ShutdownTimeout time.Duration // grace period on Stop (default: 30s)
	StatsInterval   time.Duration // periodic stats log interval (0 disables)
	Logger          *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         5,
		MaxConcurrent:   5,
		MaxQueueSize:    100,
		TaskTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

type queueStats struct {
	totalRequests int64
	completed     int64
	failed        int64
	timedOut      int64
	rejections    int64
	processingSum time.Duration
	maxProcessing time.Duration
	startTime     time.Time
}

// Stats is a point-in-time snapshot of queue activity.
type Stats struct {
	TotalRequests int64         `json:"total_requests"`
	Completed     int64         `json:"completed_requests"`
	Failed        int64         `json:"failed_requests"`
	TimedOut      int64         `json:"timed_out_requests"`
	Rejections    int64         `json:"queue_full_rejections"`
	QueueSize     int           `json:"queue_size"`
	Active        int           `json:"active_requests"`
	AvgProcessing time.Duration `json:"avg_processing_time"`
	MaxProcessing time.Duration `json:"max_processing_time"`
	Uptime        time.Duration `json:"uptime"`
	RequestRate   float64       `json:"request_rate"`
}

// Queue is the admission queue. Safe for concurrent use.
type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  entryHeap
	active   map[string]*Handle
	seq      uint64
	started  bool
	stopping bool
	stats    queueStats

	sem     *Semaphore
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a queue with the given configuration.
func New(cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = cfg.Workers
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	q := &Queue{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "queue"),
		active: make(map[string]*Handle),
		sem:    NewSemaphore(cfg.MaxConcurrent),
	}
	q.cond = sync.NewCond(&q.mu)
	q.baseCtx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Start spins up the worker pool. workerCount <= 0 uses the configured size.
func (q *Queue) Start(workerCount int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return errors.New("request queue already started")
	}
	if workerCount <= 0 {
		workerCount = q.cfg.Workers
	}

	q.started = true
	q.stats.startTime = time.Now()

	for i := 0; i < workerCount; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	if q.cfg.StatsInterval > 0 {
		go q.statsReporter()
	}

	q.logger.Info("request queue started",
		"workers", workerCount,
		"max_concurrent", q.cfg.MaxConcurrent,
		"max_queue_size", q.cfg.MaxQueueSize,
	)
	return nil
}

// EnqueueOption configures a single enqueue call.
type EnqueueOption func(*entry)

// WithPriority sets the entry's priority (default: PriorityNormal).
func WithPriority(p Priority) EnqueueOption {
	return func(e *entry) { e.priority = p }
}

// WithTimeout overrides the per-entry execution deadline.
func WithTimeout(d time.Duration) EnqueueOption {
	return func(e *entry) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithRequestID sets an explicit request identifier.
func WithRequestID(id string) EnqueueOption {
	return func(e *entry) {
		if id != "" {
			e.id = id
		}
	}
}

// Enqueue adds a task to the queue and returns its result handle.
// It fails synchronously with a queue-full error when the queue is at
// capacity; admission rejections are never retried internally.
func (q *Queue) Enqueue(task Task, opts ...EnqueueOption) (*Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.started {
		return nil, ErrNotStarted
	}
	if q.stopping {
		return nil, ErrStopped
	}
	if q.pending.Len() >= q.cfg.MaxQueueSize {
		q.stats.rejections++
		return nil, dispatcherrors.NewQueueFullError("request queue is at capacity")
	}

	e := &entry{
		priority:   PriorityNormal,
		enqueuedAt: time.Now(),
		id:         uuid.NewString(),
		task:       task,
		timeout:    q.cfg.TaskTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	q.seq++
	e.seq = q.seq
	e.handle = newHandle(e.id)

	heap.Push(&q.pending, e)
	q.active[e.id] = e.handle
	q.stats.totalRequests++
	q.cond.Signal()

	q.logger.Debug("request enqueued", "request_id", e.id, "priority", e.priority.String())
	return e.handle, nil
}

// Stop signals shutdown, waits up to the configured grace period for
// in-flight work, then force-fails every unresolved handle with ErrStopped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopping {
		q.mu.Unlock()
		return
	}
	q.stopping = true
	q.cond.Broadcast()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(q.cfg.ShutdownTimeout):
		q.logger.Warn("shutdown grace period elapsed with work still in flight",
			"timeout", q.cfg.ShutdownTimeout,
		)
	}

	// Abandon anything still running and fail the remaining handles.
	q.cancel()

	q.mu.Lock()
	for q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(*entry)
		e.handle.fail(ErrStopped)
	}
	for id, h := range q.active {
		h.fail(ErrStopped)
		delete(q.active, id)
	}
	q.mu.Unlock()

	q.logger.Info("request queue stopped")
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for {
		e, ok := q.next()
		if !ok {
			return
		}
		if err := q.sem.Acquire(q.baseCtx); err != nil {
			q.finish(e, 0, func() { e.handle.fail(ErrStopped) })
			return
		}
		q.run(id, e)
	}
}

// next blocks until an entry is available or shutdown begins.
func (q *Queue) next() (*entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Len() == 0 && !q.stopping {
		q.cond.Wait()
	}
	if q.stopping {
		return nil, false
	}
	return heap.Pop(&q.pending).(*entry), true
}

type taskOutcome struct {
	value any
	err   error
}

// run executes a single entry under its deadline. The task runs in its own
// goroutine so that an entry which overruns its deadline can be abandoned:
// the handle resolves to a timeout error immediately and the straggler
// releases its semaphore slot whenever it eventually returns.
func (q *Queue) run(workerID int, e *entry) {
	start := time.Now()
	tctx, cancel := context.WithTimeout(q.baseCtx, e.timeout)
	defer cancel()

	outcome := make(chan taskOutcome, 1)
	go func() {
		defer q.sem.Release()
		defer func() {
			if r := recover(); r != nil {
				q.logger.Error("task panicked",
					"request_id", e.id,
					"worker", workerID,
					"panic", fmt.Sprint(r),
				)
				outcome <- taskOutcome{err: dispatcherrors.NewInternalError("", "", fmt.Sprintf("task panic: %v", r))}
			}
		}()
		v, err := e.task(tctx)
		outcome <- taskOutcome{value: v, err: err}
	}()

	select {
	case out := <-outcome:
		elapsed := time.Since(start)
		if out.err != nil {
			q.finish(e, elapsed, func() { e.handle.fail(out.err) })
			q.logger.Debug("request failed", "request_id", e.id, "worker", workerID, "error", out.err)
			return
		}
		q.finish(e, elapsed, func() { e.handle.resolve(out.value) })
		q.logger.Debug("request completed",
			"request_id", e.id,
			"worker", workerID,
			"duration", elapsed,
		)

	case <-tctx.Done():
		elapsed := time.Since(start)
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			err := dispatcherrors.NewTimeoutError("", "",
				fmt.Sprintf("request %s exceeded deadline of %s", e.id, e.timeout))
			q.finishTimedOut(e, func() { e.handle.fail(err) })
			q.logger.Warn("request timed out",
				"request_id", e.id,
				"worker", workerID,
				"timeout", e.timeout,
				"elapsed", elapsed,
			)
			return
		}
		q.finish(e, elapsed, func() { e.handle.fail(ErrStopped) })
	}
}

func (q *Queue) finish(e *entry, elapsed time.Duration, resolve func()) {
	resolve()

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, e.id)

	if _, err := e.handle.Result(); err != nil {
		q.stats.failed++
		return
	}
	q.stats.completed++
	q.stats.processingSum += elapsed
	if elapsed > q.stats.maxProcessing {
		q.stats.maxProcessing = elapsed
	}
}

func (q *Queue) finishTimedOut(e *entry, resolve func()) {
	resolve()

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, e.id)
	q.stats.timedOut++
}

// Stats returns a snapshot of queue activity.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		TotalRequests: q.stats.totalRequests,
		Completed:     q.stats.completed,
		Failed:        q.stats.failed,
		TimedOut:      q.stats.timedOut,
		Rejections:    q.stats.rejections,
		QueueSize:     q.pending.Len(),
		Active:        len(q.active) - q.pending.Len(),
	}
	if s.Active < 0 {
		s.Active = 0
	}
	if !q.stats.startTime.IsZero() {
		s.Uptime = time.Since(q.stats.startTime)
	}
	if q.stats.completed > 0 {
		s.AvgProcessing = q.stats.processingSum / time.Duration(q.stats.completed)
	}
	s.MaxProcessing = q.stats.maxProcessing
	if s.Uptime > 0 {
		s.RequestRate = float64(s.TotalRequests) / s.Uptime.Seconds()
	}
	return s
}

// statsReporter periodically logs a queue activity summary.
func (q *Queue) statsReporter() {
	ticker := time.NewTicker(q.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.baseCtx.Done():
			return
		case <-ticker.C:
			s := q.Stats()
			q.logger.Info("queue stats",
				"completed", s.Completed,
				"total", s.TotalRequests,
				"failed", s.Failed,
				"timed_out", s.TimedOut,
				"queued", s.QueueSize,
				"active", s.Active,
				"avg_processing", s.AvgProcessing,
			)
		}
	}
}
