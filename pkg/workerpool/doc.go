// Package workerpool provides the bounded worker pools used by the
// de-identification pipeline and its network orchestrators.
//
// Features:
//   - Fixed number of worker goroutines
//   - Buffered task queue with backpressure (TrySubmit reports a full queue)
//   - Queue depth introspection for drain waits
//   - Graceful shutdown that finishes accepted work before exiting
//   - Panic recovery
//
// # Basic Usage
//
//	pool, err := workerpool.New(workerpool.Config{
//	    Workers:   4,
//	    QueueSize: 100,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Stop()
//
//	err = pool.Submit(func() error {
//	    // Do work
//	    return nil
//	})
//
// Non-blocking submission:
//
//	err = pool.TrySubmit(func() error {
//	    return nil
//	})
//	if errors.Is(err, workerpool.ErrQueueFull) {
//	    // Signal backpressure to the producer
//	}
package workerpool
