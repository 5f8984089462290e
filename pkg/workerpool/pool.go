// Package workerpool provides a bounded, keyed worker pool. Tasks sharing a
// key are dispatched to the same worker and therefore execute in submission
// order; tasks with different keys run concurrently.
package workerpool

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed. Key selects the worker;
// all tasks with the same key run sequentially in submission order.
type Task struct {
	ID      string
	Key     string
	Payload interface{}
}

// WorkerFunc is the function signature for task processing.
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of each worker's task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries
	RetryDelay time.Duration
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               1024,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a set of workers with key-affine dispatch.
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	queues []chan *Task
	wg     sync.WaitGroup

	// mu orders Submit against Stop: submitters hold the read lock across
	// the enqueue, Stop flips stopped under the write lock before closing
	// the queues, so a send can never hit a closed channel.
	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once

	// Metrics
	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	tasksDropped   int64
	queueDepth     int64
}

// New creates a new keyed worker pool.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	queues := make([]chan *Task, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan *Task, cfg.QueueSize)
	}

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		queues:     queues,
	}, nil
}

// Start launches all workers.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a task on the worker owning its key.
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return fmt.Errorf("pool is shutting down")
	}

	queue := p.queues[p.shard(task.Key)]
	select {
	case queue <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		atomic.AddInt64(&p.tasksDropped, 1)
		return fmt.Errorf("task queue is full")
	}
}

func (p *Pool) shard(key string) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Stop drains in-flight tasks and shuts the pool down. Safe to call more
// than once.
func (p *Pool) Stop() error {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")

		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		for _, q := range p.queues {
			close(q)
		}

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped gracefully")
		case <-time.After(p.config.GracefulShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out")
		}
	})
	return nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.queues[id] {
		atomic.AddInt64(&p.queueDepth, -1)
		p.processTask(id, task)
	}
}

// processTask runs a single task with bounded retries and linear backoff.
// The task context is detached from any request so caller cancellation never
// abandons work that must still be recorded.
func (p *Pool) processTask(workerID int, task *Task) {
	var lastErr error

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		lastErr = p.workerFunc(context.Background(), task)
		if lastErr == nil {
			atomic.AddInt64(&p.tasksCompleted, 1)
			return
		}

		if attempt < p.config.MaxRetries {
			atomic.AddInt64(&p.tasksRetried, 1)
			p.logger.Debug("retrying task",
				zap.String("task_id", task.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr))
			time.Sleep(p.config.RetryDelay * time.Duration(attempt+1))
		}
	}

	atomic.AddInt64(&p.tasksFailed, 1)
	p.logger.Error("task failed",
		zap.String("task_id", task.ID),
		zap.String("key", task.Key),
		zap.Int("worker_id", workerID),
		zap.Error(lastErr))
}

// Stats holds current pool statistics.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	TasksDropped   int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		TasksDropped:   atomic.LoadInt64(&p.tasksDropped),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize * p.config.Workers,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the pool is operating normally.
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
