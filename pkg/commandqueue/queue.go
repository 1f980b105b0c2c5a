package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/logdeck/internal/observability"
	"github.com/harun/logdeck/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrCancelled is the result of a task cancelled before it started.
	ErrCancelled = errors.New("task cancelled before start")

	// ErrDuplicateTask is returned when a task id is already queued or running in its lane.
	ErrDuplicateTask = errors.New("task id already in use")

	// ErrClosed is returned for submissions to a closed queue.
	ErrClosed = errors.New("command queue closed")
)

// Task is one unit of work. It must return promptly once ctx is done.
type Task func(ctx context.Context) (any, error)

// Result is delivered exactly once per submitted task. Started is false when
// the task was cancelled or dropped while still queued.
type Result struct {
	Value    any
	Err      error
	Started  bool
	Duration time.Duration
}

// Options configures a queue.
type Options struct {
	// Concurrency is the number of tasks a lane runs at once. Defaults to 1.
	Concurrency int
	// WarnAfter logs tasks that wait in a lane longer than this. Zero disables.
	WarnAfter time.Duration
}

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	cancel     context.CancelFunc
	generation int
	enqueuedAt time.Time
	result     chan Result
}

type laneState struct {
	generation  int
	concurrency int
	queue       []*taskRecord
	active      map[string]*taskRecord
}

// CommandQueue runs tasks in named lanes. Tasks of one lane start in FIFO
// order, at most Concurrency at a time; lanes run independently.
type CommandQueue struct {
	opts Options

	mu     sync.Mutex
	lanes  map[string]*laneState
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a queue.
func New(opts Options) *CommandQueue {
	observability.EnsureRegistered()

	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		opts:   opts,
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit queues task in lane under id and returns a channel that receives its
// Result. The task context derives from ctx and is cancelled by Cancel,
// DropLane or Close.
func (cq *CommandQueue) Submit(ctx context.Context, lane, id string, task Task) (<-chan Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}

	ls := cq.laneLocked(lane)
	if _, running := ls.active[id]; running || ls.indexOf(id) >= 0 {
		cq.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateTask, lane, id)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cq.ctx, cancel)
	record := &taskRecord{
		id:   id,
		task: task,
		ctx:  taskCtx,
		cancel: func() {
			stop()
			cancel()
		},
		generation: ls.generation,
		enqueuedAt: time.Now(),
		result:     make(chan Result, 1),
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	cq.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	if cq.opts.WarnAfter > 0 {
		go cq.warnIfWaiting(lane, record)
	}

	cq.processLane(lane)
	return record.result, nil
}

// Run submits task and waits for its result.
func (cq *CommandQueue) Run(ctx context.Context, lane, id string, task Task) (any, error) {
	ch, err := cq.Submit(ctx, lane, id, task)
	if err != nil {
		return nil, err
	}
	res := <-ch
	return res.Value, res.Err
}

func (cq *CommandQueue) laneLocked(lane string) *laneState {
	ls, exists := cq.lanes[lane]
	if !exists {
		ls = &laneState{
			concurrency: cq.opts.Concurrency,
			active:      make(map[string]*taskRecord),
		}
		cq.lanes[lane] = ls
		log.Debug().Str("lane", lane).Int("concurrency", ls.concurrency).Msg("Lane initialized")
	}
	return ls
}

func (ls *laneState) indexOf(id string) int {
	for i, record := range ls.queue {
		if record.id == id {
			return i
		}
	}
	return -1
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(lane string) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, exists := cq.lanes[lane]
	if !exists {
		return
	}

	for ls.running() < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.cancel()
			record.result <- Result{Err: ErrCancelled}
			continue
		}

		ls.active[record.id] = record

		cq.wg.Add(1)
		go cq.executeTask(lane, record)
	}
}

func (ls *laneState) running() int {
	return len(ls.active)
}

func (cq *CommandQueue) executeTask(lane string, record *taskRecord) {
	defer cq.wg.Done()
	defer record.cancel()

	runCtx, span := tracing.StartSpan(
		record.ctx,
		"logdeck.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(runCtx, log.Logger)
	startTime := time.Now()

	value, err := runTask(runCtx, record.task)
	duration := time.Since(startTime)

	cq.mu.Lock()
	queueSize := 0
	if ls, exists := cq.lanes[lane]; exists {
		delete(ls.active, record.id)
		queueSize = len(ls.queue)
		if ls.running() == 0 && queueSize == 0 {
			delete(cq.lanes, lane)
		}
	}
	cq.mu.Unlock()

	record.result <- Result{Value: value, Err: err, Started: true, Duration: duration}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(lane)
}

// runTask converts a panicking task into an error.
func runTask(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return task(ctx)
}

// warnIfWaiting logs a task still queued after WarnAfter.
func (cq *CommandQueue) warnIfWaiting(lane string, record *taskRecord) {
	timer := time.NewTimer(cq.opts.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-record.ctx.Done():
		return
	}

	cq.mu.Lock()
	pos := -1
	if ls, exists := cq.lanes[lane]; exists {
		pos = ls.indexOf(record.id)
	}
	cq.mu.Unlock()

	if pos >= 0 {
		log.Warn().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("waited", time.Since(record.enqueuedAt)).
			Int("queuePos", pos).
			Msg("Task waiting longer than expected")
	}
}

// Cancel stops task id in lane. A queued task is removed and resolved with
// ErrCancelled; a running task has its context cancelled and reports
// whatever it returns. It reports false if the task is unknown.
func (cq *CommandQueue) Cancel(lane, id string) bool {
	cq.mu.Lock()
	ls, exists := cq.lanes[lane]
	if !exists {
		cq.mu.Unlock()
		return false
	}

	if record, running := ls.active[id]; running {
		cq.mu.Unlock()
		record.cancel()
		return true
	}

	i := ls.indexOf(id)
	if i < 0 {
		cq.mu.Unlock()
		return false
	}
	record := ls.queue[i]
	ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
	queueSize := len(ls.queue)
	cq.mu.Unlock()

	record.cancel()
	record.result <- Result{Err: ErrCancelled}
	observability.SetQueueSize(lane, queueSize)
	return true
}

// DropLane cancels every queued and running task of lane and forgets it.
// It returns the number of tasks affected.
func (cq *CommandQueue) DropLane(lane string) int {
	cq.mu.Lock()
	ls, exists := cq.lanes[lane]
	if !exists {
		cq.mu.Unlock()
		return 0
	}
	ls.generation++
	queued := ls.queue
	ls.queue = nil
	running := make([]*taskRecord, 0, len(ls.active))
	for _, record := range ls.active {
		running = append(running, record)
	}
	cq.mu.Unlock()

	for _, record := range queued {
		record.cancel()
		record.result <- Result{Err: ErrCancelled}
	}
	for _, record := range running {
		record.cancel()
	}

	observability.SetQueueSize(lane, 0)
	log.Debug().Str("lane", lane).Int("queued", len(queued)).Int("running", len(running)).Msg("Lane dropped")
	return len(queued) + len(running)
}

// Stats returns a snapshot of every lane.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		stats[lane] = LaneStats{
			Queued:      len(ls.queue),
			Running:     ls.running(),
			Concurrency: ls.concurrency,
		}
	}
	return stats
}

// Lanes returns the names of lanes with queued or running work.
func (cq *CommandQueue) Lanes() []string {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	lanes := make([]string, 0, len(cq.lanes))
	for lane := range cq.lanes {
		lanes = append(lanes, lane)
	}
	sort.Strings(lanes)
	return lanes
}

// SetConcurrency changes how many tasks lane may run at once.
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}

	cq.mu.Lock()
	ls := cq.laneLocked(lane)
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	cq.mu.Unlock()

	log.Info().
		Str("lane", lane).
		Int("oldMax", oldMax).
		Int("newMax", concurrency).
		Msg("Lane concurrency updated")

	if concurrency > oldMax {
		cq.processLane(lane)
	}
}

// WaitForActive waits until no task is running or timeout elapses.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		cq.mu.Lock()
		busy := 0
		for _, ls := range cq.lanes {
			busy += ls.running()
		}
		cq.mu.Unlock()

		if busy == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Int("running", busy).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels all work, waits for running tasks to return and refuses new
// submissions.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]string, 0, len(cq.lanes))
	for lane := range cq.lanes {
		lanes = append(lanes, lane)
	}
	cq.mu.Unlock()

	for _, lane := range lanes {
		cq.DropLane(lane)
	}
	cq.cancel()
	cq.wg.Wait()
	return nil
}
