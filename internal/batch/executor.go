// Package batch implements a bounded-queue batching engine: N supervised
// workers drain one queue and hand size- or idle-triggered batches to their
// own Processor.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidConfig wraps every Config validation failure
	ErrInvalidConfig = errors.New("batch: invalid config")

	// ErrShutdown is returned by Push once Shutdown was requested
	ErrShutdown = errors.New("batch: executor shut down")
)

const defaultRestartBackoff = 100 * time.Millisecond

// Processor consumes flushed batches. Each worker owns one instance, so an
// implementation may keep worker-local state without locking.
type Processor[T any] interface {
	Process(ctx context.Context, batch []T) error
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc[T any] func(ctx context.Context, batch []T) error

func (f ProcessorFunc[T]) Process(ctx context.Context, batch []T) error {
	return f(ctx, batch)
}

// ProcessorFactory builds the processor for one worker. It is called again
// with the same workerID whenever that worker restarts after a panic.
type ProcessorFactory[T any] func(workerID int) Processor[T]

// Config governs queueing and flushing
type Config struct {
	QueueCapacity int           // Bounded queue size, >= 1
	WorkerCount   int           // Worker goroutines, >= 1
	MaxBatchSize  int           // Flush as soon as a batch reaches this size, >= 1
	BatchTimeout  time.Duration // Flush a non-empty batch after this long without a new item, >= 0

	// Supervision: a worker whose processor panics is restarted with a fresh
	// processor at most MaxRestarts times, then retired.
	MaxRestarts    int
	RestartBackoff time.Duration // Multiplied by the restart number (default 100ms)
}

// Validate checks the configuration bounds
func (c Config) Validate() error {
	if c.QueueCapacity < 1 {
		return fmt.Errorf("%w: queue capacity must be >= 1, got %d", ErrInvalidConfig, c.QueueCapacity)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("%w: worker count must be >= 1, got %d", ErrInvalidConfig, c.WorkerCount)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("%w: max batch size must be >= 1, got %d", ErrInvalidConfig, c.MaxBatchSize)
	}
	if c.BatchTimeout < 0 {
		return fmt.Errorf("%w: batch timeout must be >= 0, got %s", ErrInvalidConfig, c.BatchTimeout)
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("%w: max restarts must be >= 0, got %d", ErrInvalidConfig, c.MaxRestarts)
	}
	return nil
}

// Executor batches pushed items across a fixed set of workers.
//
// Push is the backpressure point of the whole delivery pipeline: when the
// queue is full it blocks the caller until a worker frees capacity.
//
// Delivery is best-effort. Items still queued, and batches still being
// accumulated, when Shutdown is called are abandoned.
//
// Thread safety: all methods are safe for concurrent use.
type Executor[T any] struct {
	config  Config
	factory ProcessorFactory[T]
	logger  zerolog.Logger

	queue chan T

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	wg           sync.WaitGroup
	terminated   chan struct{}

	liveWorkers int32 // atomic
}

// New validates config and starts the workers
func New[T any](config Config, factory ProcessorFactory[T], logger zerolog.Logger) (*Executor[T], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: processor factory is required", ErrInvalidConfig)
	}
	if config.RestartBackoff <= 0 {
		config.RestartBackoff = defaultRestartBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Executor[T]{
		config:     config,
		factory:    factory,
		logger:     logger.With().Str("component", "batch_executor").Logger(),
		queue:      make(chan T, config.QueueCapacity),
		ctx:        ctx,
		cancel:     cancel,
		terminated: make(chan struct{}),
	}

	for i := 0; i < config.WorkerCount; i++ {
		e.wg.Add(1)
		atomic.AddInt32(&e.liveWorkers, 1)
		monitoring.AddLiveWorkers(1)
		go e.supervise(i)
	}

	go func() {
		e.wg.Wait()
		close(e.terminated)
	}()

	e.logger.Info().
		Int("queue_capacity", config.QueueCapacity).
		Int("workers", config.WorkerCount).
		Int("max_batch_size", config.MaxBatchSize).
		Dur("batch_timeout", config.BatchTimeout).
		Int("max_restarts", config.MaxRestarts).
		Msg("Batch executor started")

	return e, nil
}

// Push inserts item into the queue, blocking while the queue is full.
//
// Returns ErrShutdown after Shutdown, or ctx.Err() if ctx ends first.
func (e *Executor[T]) Push(ctx context.Context, item T) error {
	select {
	case <-e.ctx.Done():
		return ErrShutdown
	default:
	}

	select {
	case e.queue <- item:
		monitoring.SetBatchQueueDepth(len(e.queue))
		return nil
	case <-e.ctx.Done():
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown requests cooperative termination. Blocked workers and blocked
// Push callers are released. Safe to call multiple times.
func (e *Executor[T]) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.logger.Info().
			Int("abandoned_items", len(e.queue)).
			Msg("Batch executor shutting down")
		e.cancel()
	})
}

// AwaitTermination blocks until every worker exited or timeout elapsed.
// Returns true if all workers exited.
func (e *Executor[T]) AwaitTermination(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.terminated:
		return true
	case <-timer.C:
		return false
	}
}

// QueueDepth returns the number of items waiting in the queue
func (e *Executor[T]) QueueDepth() int {
	return len(e.queue)
}

// LiveWorkers returns the number of workers that have not exited
func (e *Executor[T]) LiveWorkers() int {
	return int(atomic.LoadInt32(&e.liveWorkers))
}

// supervise runs one worker slot, replacing its processor after a panic
// until the restart budget is spent.
func (e *Executor[T]) supervise(workerID int) {
	defer e.wg.Done()
	defer func() {
		atomic.AddInt32(&e.liveWorkers, -1)
		monitoring.AddLiveWorkers(-1)
	}()

	logger := e.logger.With().Int("worker_id", workerID).Logger()

	for restarts := 0; ; restarts++ {
		if !e.run(workerID, e.factory(workerID), logger) {
			logger.Debug().Msg("Batch worker shutting down")
			return
		}

		if restarts >= e.config.MaxRestarts {
			monitoring.IncrementWorkersRetired()
			logger.Error().
				Int("restarts", restarts).
				Int("live_workers", e.LiveWorkers()-1).
				Msg("Batch worker exhausted restart budget and retired")
			return
		}

		monitoring.IncrementWorkerRestarts()
		backoff := e.config.RestartBackoff * time.Duration(restarts+1)
		logger.Warn().
			Int("restart", restarts+1).
			Int("max_restarts", e.config.MaxRestarts).
			Dur("backoff", backoff).
			Msg("Restarting batch worker with a fresh processor")

		select {
		case <-time.After(backoff):
		case <-e.ctx.Done():
			return
		}
	}
}

// run is one worker incarnation. It returns true if the processor panicked
// and false on shutdown.
func (e *Executor[T]) run(workerID int, proc Processor[T], logger zerolog.Logger) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Batch processor panic recovered")
		}
	}()

	batch := make([]T, 0, e.config.MaxBatchSize)

	// Go 1.23 timer semantics: Reset and Stop never leave a stale tick behind
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	flush := func(trigger string) {
		out := batch
		batch = make([]T, 0, e.config.MaxBatchSize)

		monitoring.RecordBatchFlush(trigger, len(out))
		if err := proc.Process(e.ctx, out); err != nil {
			monitoring.IncrementProcessorErrors()
			logger.Warn().
				Err(err).
				Int("batch_size", len(out)).
				Str("trigger", trigger).
				Msg("Batch processor returned error, batch dropped")
		}
	}

	for {
		// An empty batch has nothing to flush on timeout, so wait for the
		// next item without a deadline.
		if len(batch) == 0 {
			select {
			case item := <-e.queue:
				monitoring.SetBatchQueueDepth(len(e.queue))
				batch = append(batch, item)
			case <-e.ctx.Done():
				return false
			}
		} else if e.config.BatchTimeout == 0 {
			select {
			case item := <-e.queue:
				monitoring.SetBatchQueueDepth(len(e.queue))
				batch = append(batch, item)
			case <-e.ctx.Done():
				return false
			default:
				flush(monitoring.FlushTriggerTimeout)
				continue
			}
		} else {
			timer.Reset(e.config.BatchTimeout)
			select {
			case item := <-e.queue:
				timer.Stop()
				monitoring.SetBatchQueueDepth(len(e.queue))
				batch = append(batch, item)
			case <-timer.C:
				flush(monitoring.FlushTriggerTimeout)
				continue
			case <-e.ctx.Done():
				return false
			}
		}

		if len(batch) >= e.config.MaxBatchSize {
			flush(monitoring.FlushTriggerSize)
		}
	}
}
