package concurrency

import "errors"

// ErrConcurrencyLimitReached is returned by Acquire when the limiter is at
// capacity and its ActionOnExceed is ActionBlock.
var ErrConcurrencyLimitReached = errors.New("concurrency: limit reached")

// ErrQueueFull is returned by Acquire when the wait queue is at
// MaxQueueSize and ActionOnExceed is ActionQueue.
var ErrQueueFull = errors.New("concurrency: queue full")

// ErrQueueTimeout is returned to a waiter whose QueueTimeout elapsed
// before a slot became available.
var ErrQueueTimeout = errors.New("concurrency: queue timeout")

// ErrQueueCleared is returned to every waiter still queued when Clear is
// called on a Limiter.
var ErrQueueCleared = errors.New("concurrency: queue cleared")
