package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// Config tunes a pooled executor.
type Config struct {
	// Workers is the concurrency limit.
	Workers int
	// MaxPending bounds submitted-but-unreleased work; submission blocks
	// beyond it.
	MaxPending int
	// MinDispatchDelay is the global minimum gap between two dispatches
	// across all workers. Zero disables the gate.
	MinDispatchDelay time.Duration
	// MaxCapacityRetry caps how long one task may spend in capacity
	// retries before it is abandoned with a retry_timeout reason.
	MaxCapacityRetry time.Duration
	// InitialRetryDelay seeds the exponential backoff between retries.
	InitialRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.MaxPending < c.Workers {
		c.MaxPending = c.Workers * 2
	}
	if c.MaxCapacityRetry <= 0 {
		c.MaxCapacityRetry = 5 * time.Minute
	}
	if c.InitialRetryDelay <= 0 {
		c.InitialRetryDelay = 500 * time.Millisecond
	}
	return c
}

// Task is one unit of pooled work.
type Task[T any] func(ctx context.Context) (T, error)

// Result is the ordered outcome of one task. Exactly one of Value and
// Reason is meaningful: Reason is set when the task was abandoned.
type Result[T any] struct {
	Value    T
	Reason   map[string]any
	Attempts int
}

// Failed reports whether the task was abandoned.
func (r Result[T]) Failed() bool { return r.Reason != nil }

// Stats is a snapshot of executor counters.
type Stats struct {
	Submitted         int64
	Completed         int64
	Retries           int64
	PermanentFailures int64
	RetryTimeouts     int64
}

// Executor runs tasks on a bounded worker pool with a global dispatch gate
// and capacity-aware retry, releasing results in submission order.
type Executor[T any] struct {
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	gateMu       sync.Mutex
	nextDispatch time.Time

	submitted         atomic.Int64
	completed         atomic.Int64
	retries           atomic.Int64
	permanentFailures atomic.Int64
	retryTimeouts     atomic.Int64
}

// ExecutorOption configures an Executor.
type ExecutorOption[T any] func(*Executor[T])

// WithExecutorClock overrides the gate clock for testing.
func WithExecutorClock[T any](clock func() time.Time) ExecutorOption[T] {
	return func(e *Executor[T]) { e.clock = clock }
}

// WithExecutorSleep overrides retry sleeping for testing.
func WithExecutorSleep[T any](sleep func(ctx context.Context, d time.Duration) error) ExecutorOption[T] {
	return func(e *Executor[T]) { e.sleep = sleep }
}

// WithExecutorLogger sets the structured logger.
func WithExecutorLogger[T any](logger *slog.Logger) ExecutorOption[T] {
	return func(e *Executor[T]) { e.logger = logger }
}

// NewExecutor builds an executor.
func NewExecutor[T any](cfg Config, opts ...ExecutorOption[T]) *Executor[T] {
	e := &Executor[T]{
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		clock:  time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a counter snapshot.
func (e *Executor[T]) Stats() Stats {
	return Stats{
		Submitted:         e.submitted.Load(),
		Completed:         e.completed.Load(),
		Retries:           e.retries.Load(),
		PermanentFailures: e.permanentFailures.Load(),
		RetryTimeouts:     e.retryTimeouts.Load(),
	}
}

// Map runs tasks concurrently and returns their results in submission
// order. Abandoned tasks appear as Results with a Reason; the only error
// returns are context cancellation and internal buffer failures.
func (e *Executor[T]) Map(ctx context.Context, tasks []Task[T]) ([]Result[T], error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	buffer := NewReorderBuffer[Result[T]](e.cfg.MaxPending)
	defer buffer.Shutdown()
	// The semaphore is acquired inside the worker, not at submission, so a
	// full pool never blocks the reorder consumer.
	slots := make(chan struct{}, e.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	// A cancelled group must also unblock producers parked in Submit.
	stop := context.AfterFunc(gctx, buffer.Shutdown)
	defer stop()

	g.Go(func() error {
		defer buffer.CloseInput()
		for _, task := range tasks {
			seq, err := buffer.Submit()
			if err != nil {
				return err
			}
			e.submitted.Add(1)
			task := task
			g.Go(func() error {
				select {
				case slots <- struct{}{}:
				case <-gctx.Done():
					return gctx.Err()
				}
				result, err := e.runTask(gctx, task, slots)
				if err != nil {
					return err
				}
				return buffer.Complete(seq, result)
			})
		}
		return nil
	})

	// Shut the buffer down once every worker has returned so a failed
	// worker cannot strand the consumer on a head that will never complete.
	done := make(chan error, 1)
	go func() {
		err := g.Wait()
		buffer.Shutdown()
		done <- err
	}()

	results := make([]Result[T], 0, len(tasks))
	for {
		result, ok, err := buffer.WaitNext()
		if err != nil || !ok {
			break
		}
		results = append(results, result)
		e.completed.Add(1)
	}

	if err := <-done; err != nil {
		return results, err
	}
	return results, nil
}

// runTask dispatches with retry. The dispatch gate is consulted before
// every attempt, including re-dispatch after a retry sleep, and the worker
// slot is released for the duration of each sleep.
func (e *Executor[T]) runTask(ctx context.Context, task Task[T], slots chan struct{}) (Result[T], error) {
	// The worker owns a slot on entry but gives it up around each retry
	// sleep; the deferred release must only fire while a slot is held.
	holding := true
	defer func() {
		if holding {
			<-slots
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialRetryDelay

	start := e.clock()
	attempts := 0
	for {
		if err := e.waitDispatchGate(ctx); err != nil {
			return Result[T]{}, err
		}
		attempts++
		value, err := task(ctx)
		if err == nil {
			return Result[T]{Value: value, Attempts: attempts}, nil
		}
		if ctx.Err() != nil {
			return Result[T]{}, ctx.Err()
		}
		if !contracts.IsRetryable(err) {
			e.permanentFailures.Add(1)
			return Result[T]{Attempts: attempts, Reason: permanentReason(err)}, nil
		}

		elapsed := e.clock().Sub(start)
		if elapsed >= e.cfg.MaxCapacityRetry {
			e.retryTimeouts.Add(1)
			return Result[T]{Attempts: attempts, Reason: timeoutReason(err, elapsed, attempts)}, nil
		}
		e.retries.Add(1)
		delay := bo.NextBackOff()
		e.logger.Debug("capacity retry",
			"attempt", attempts, "delay", delay, "error", err)

		// Give the slot back while sleeping so a saturated provider does
		// not pin every worker.
		<-slots
		holding = false
		sleepErr := e.sleep(ctx, delay)
		select {
		case slots <- struct{}{}:
			holding = true
		case <-ctx.Done():
			return Result[T]{}, ctx.Err()
		}
		if sleepErr != nil {
			return Result[T]{}, sleepErr
		}
	}
}

func (e *Executor[T]) waitDispatchGate(ctx context.Context) error {
	if e.cfg.MinDispatchDelay <= 0 {
		return ctx.Err()
	}
	for {
		e.gateMu.Lock()
		now := e.clock()
		wait := e.nextDispatch.Sub(now)
		if wait <= 0 {
			e.nextDispatch = now.Add(e.cfg.MinDispatchDelay)
			e.gateMu.Unlock()
			return nil
		}
		e.gateMu.Unlock()
		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func permanentReason(err error) map[string]any {
	return map[string]any{
		"reason":     "permanent_error",
		"error_type": errorTypeName(err),
		"error":      err.Error(),
	}
}

func timeoutReason(err error, elapsed time.Duration, attempts int) map[string]any {
	reason := map[string]any{
		"reason":          "retry_timeout",
		"error_type":      errorTypeName(err),
		"error":           err.Error(),
		"elapsed_seconds": elapsed.Seconds(),
		"attempts":        attempts,
	}
	var capacity *contracts.CapacityError
	if errors.As(err, &capacity) && capacity.StatusCode != 0 {
		reason["status_code"] = capacity.StatusCode
	}
	return reason
}

func errorTypeName(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
