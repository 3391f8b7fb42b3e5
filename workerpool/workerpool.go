// Copyright 2015 Daniel Pupius

// Package workerpool provides the executors the engine schedules work on: a
// fixed pool of workers, an unbounded pool that starts a goroutine per task
// and a serial queue that runs tasks one at a time in submission order.
package workerpool

import (
	"context"
	"runtime"
	"sync"

	"github.com/jmgilman/go/errors"
)

var (
	// ErrBufferFull is returned when a task is submitted to a pool whose queue
	// is at capacity. It is classified as retryable.
	ErrBufferFull = errors.New(errors.CodeUnavailable, "global buffer is full, wait for some tasks to finish or increase the buffer size")

	// ErrClosed is returned when a task is submitted after Shutdown.
	ErrClosed = errors.New(errors.CodeUnavailable, "executor has been shut down")
)

type Config struct {
	// WorkerCount is the number of worker goroutines. Defaults to three per CPU.
	WorkerCount int
	// GlobalBuffer is the number of tasks that may wait for a worker.
	GlobalBuffer int
}

// WorkerPool runs tasks on a fixed number of goroutines.
type WorkerPool struct {
	config    Config
	taskQueue chan func()
	mu        sync.RWMutex
	closed    bool
	workers   sync.WaitGroup
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan func(), config.GlobalBuffer),
	}

	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for task := range wp.taskQueue {
		task()
	}
}

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int {
	return wp.config.WorkerCount
}

// Execute queues task without blocking.
func (wp *WorkerPool) Execute(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.closed {
		return ErrClosed
	}

	select {
	case wp.taskQueue <- task:
		return nil
	default:
		return ErrBufferFull
	}
}

// Shutdown stops accepting tasks and waits for queued tasks to finish, or for
// ctx to be done.
func (wp *WorkerPool) Shutdown(ctx context.Context) error {
	wp.mu.Lock()
	if !wp.closed {
		wp.closed = true
		close(wp.taskQueue)
	}
	wp.mu.Unlock()

	return wait(ctx, &wp.workers)
}

// Unlimited starts a new goroutine for every task.
type Unlimited struct {
	mu      sync.RWMutex
	closed  bool
	running sync.WaitGroup
}

func NewUnlimited() *Unlimited {
	return &Unlimited{}
}

func (u *Unlimited) Execute(task func()) error {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if u.closed {
		return ErrClosed
	}

	u.running.Add(1)
	go func() {
		defer u.running.Done()
		task()
	}()
	return nil
}

func (u *Unlimited) Shutdown(ctx context.Context) error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()

	return wait(ctx, &u.running)
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
