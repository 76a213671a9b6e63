package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"deepaudit/metrics"
	"go.uber.org/zap"
)

// Errors returned by WorkerPool.
var (
	ErrWorkerPoolNotRunning = errors.New("worker pool is not running")
	ErrWorkerPoolQueueFull  = errors.New("worker pool task queue is full")
)

// WorkerPool is a bounded task queue with a fixed number of workers. Audit
// emission and profile mirroring run through it so per-statement goroutine
// growth stays bounded under load; when the queue is full, Submit fails fast
// and the caller drops the task rather than blocking the hot path.
type WorkerPool struct {
	workers  int
	taskCh   chan func()
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	mu       sync.RWMutex
	poolType string
}

// NewWorkerPool creates a worker pool. Workers start on Start().
func NewWorkerPool(parentCtx context.Context, workers, queueSize int, poolType string, logger *zap.SugaredLogger) *WorkerPool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if poolType == "" {
		poolType = "default"
	}
	ctx, cancel := context.WithCancel(parentCtx)
	return &WorkerPool{
		workers:  workers,
		taskCh:   make(chan func(), queueSize),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		poolType: poolType,
	}
}

// Start launches the workers.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return
	}
	wp.running = true
	wp.logger.Infof("Starting %s worker pool: %d workers, queue %d", wp.poolType, wp.workers, cap(wp.taskCh))
	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.poolType).Set(float64(wp.workers))

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop drains the queue and waits for workers, bounded by a timeout so a
// wedged task cannot deadlock shutdown.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.running {
		return
	}
	wp.running = false
	wp.cancel()
	close(wp.taskCh)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped", "pool_type", wp.poolType)
	case <-time.After(10 * time.Second):
		wp.logger.Errorw("Worker pool shutdown timed out, goroutines leaked",
			"pool_type", wp.poolType, "workers", wp.workers)
	}
}

// Submit enqueues a task. Returns ErrWorkerPoolQueueFull instead of blocking
// when the queue is saturated.
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrWorkerPoolNotRunning
	}

	select {
	case wp.taskCh <- task:
		metrics.WorkerPoolQueueSize.WithLabelValues(wp.poolType).Set(float64(len(wp.taskCh)))
		return nil
	default:
		metrics.WorkerPoolTasksDropped.WithLabelValues(wp.poolType).Inc()
		return ErrWorkerPoolQueueFull
	}
}

// QueuedTasks returns the current queue depth.
func (wp *WorkerPool) QueuedTasks() int {
	return len(wp.taskCh)
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			// Drain remaining tasks before exiting so queued audit
			// records are not silently lost on shutdown.
			for {
				select {
				case task, ok := <-wp.taskCh:
					if !ok {
						return
					}
					wp.runTask(id, task)
				default:
					return
				}
			}
		case task, ok := <-wp.taskCh:
			if !ok {
				return
			}
			wp.runTask(id, task)
		}
	}
}

func (wp *WorkerPool) runTask(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorw("Task panicked in worker", "worker_id", id, "panic", r)
		}
	}()
	task()
	metrics.WorkerPoolTasksProcessed.WithLabelValues(wp.poolType).Inc()
}
