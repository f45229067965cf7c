package workerpool

import "errors"

var (
	// ErrPoolClosed is returned when submitting to a stopped pool.
	ErrPoolClosed = errors.New("workerpool: pool is closed")

	// ErrQueueFull is returned by TrySubmit when the queue has no room.
	ErrQueueFull = errors.New("workerpool: queue is full")

	// ErrForcedShutdown is returned by Stop when workers did not finish
	// within the shutdown timeout.
	ErrForcedShutdown = errors.New("workerpool: forced shutdown after timeout")
)
