package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/relay/internal/observability"
	"github.com/harun/relay/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "relay.commandqueue"

var (
	// ErrDraining is returned for tasks enqueued after Drain.
	ErrDraining = errors.New("command queue is draining")
	// ErrLaneCleared is returned to tasks removed by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// WarnAfter logs a warning when the task is still queued after this long.
	WarnAfter time.Duration
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState manages execution state for a single lane
type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

// Config holds configuration for a CommandQueue.
type Config struct {
	// DefaultConcurrency applies to lanes created on first use. Defaults to 1.
	DefaultConcurrency int
	Logger             zerolog.Logger
}

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	lanes              map[string]*laneState
	taskIDSeq          int
	defaultConcurrency int
	draining           bool
	mu                 sync.RWMutex
	wg                 sync.WaitGroup
	ctx                context.Context
	cancel             context.CancelFunc
	logger             zerolog.Logger
}

// New creates a new CommandQueue
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:              make(map[string]*laneState),
		defaultConcurrency: cfg.DefaultConcurrency,
		ctx:                ctx,
		cancel:             cancel,
		logger:             cfg.Logger.With().Str("component", "commandqueue").Logger(),
	}
}

// SessionLane returns the lane that serializes work for one session.
func SessionLane(sessionID string) string {
	return "session:" + sessionID
}

// lane returns the lane state, creating it on first use.
func (cq *CommandQueue) lane(lane string) *laneState {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if exists {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, exists = cq.lanes[lane]; !exists {
		ls = &laneState{concurrency: cq.defaultConcurrency}
		cq.lanes[lane] = ls
		cq.logger.Debug().Str("lane", lane).Int("concurrency", ls.concurrency).Msg("Lane initialized")
	}
	return ls
}

// Enqueue adds a task to the lane and blocks until it has run. The task
// receives ctx, so cancelling ctx reaches a task that is already running.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (value interface{}, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "enqueue", attribute.String("lane", lane))
	defer func() { tracing.EndSpan(span, err) }()

	logger := tracing.LoggerFromContext(ctx, cq.logger)

	cq.mu.Lock()
	if cq.draining {
		cq.mu.Unlock()
		return nil, ErrDraining
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls := cq.lane(lane)
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queue_size", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(lane, queueSize)

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane, ls)
	}

	go cq.processLane(lane, ls)

	result := <-record.result
	return result.value, result.err
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.running++

		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, tracerName, "execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id))
	logger := tracing.LoggerFromContext(taskCtx, cq.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	stopCancel()
	cancel()
	tracing.EndSpan(span, err)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	go cq.processLane(lane, ls)
}

// startWarnTimer warns when a task waits longer than expected
func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string, ls *laneState) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			logger := tracing.LoggerFromContext(record.ctx, cq.logger)
			logger.Warn().
				Str("lane", lane).
				Str("task_id", record.id).
				Dur("wait", wait).
				Int("queue_pos", queuePos).
				Msg("Task waiting longer than expected")
		}
	case <-cq.ctx.Done():
	}
}

// ClearLane rejects all queued tasks of a lane with ErrLaneCleared.
func (cq *CommandQueue) ClearLane(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()

	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneCleared}
	}
	ls.queue = nil

	if count > 0 {
		cq.logger.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	}
	observability.SetQueueSize(lane, 0)

	return count
}

// Drain stops accepting tasks and rejects everything still queued.
// Running tasks are left to finish.
func (cq *CommandQueue) Drain() int {
	cq.mu.Lock()
	cq.draining = true
	lanes := make([]string, 0, len(cq.lanes))
	for lane := range cq.lanes {
		lanes = append(lanes, lane)
	}
	cq.mu.Unlock()

	cleared := 0
	for _, lane := range lanes {
		cleared += cq.ClearLane(lane)
	}
	cq.logger.Info().Int("rejected", cleared).Msg("Command queue draining")
	return cleared
}

// WaitForActive waits for all running tasks to complete with timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		idle := true

		cq.mu.RLock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if ls.running > 0 {
				idle = false
			}
			ls.mu.Unlock()
		}
		cq.mu.RUnlock()

		if idle {
			return true
		}

		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}

		<-ticker.C
	}
}

// Close cancels running tasks and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.cancel()
	cq.wg.Wait()
	return nil
}
