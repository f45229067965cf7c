package workerpool

import (
	"errors"
	"runtime"
	"time"
)

// Config controls pool sizing and shutdown behavior.
type Config struct {
	Workers         int              // Number of worker goroutines
	QueueSize       int              // Buffered queue capacity
	ShutdownTimeout time.Duration    // Upper bound for Stop()
	ErrorHandler    func(*TaskError) // Called for every failed task; may be nil
}

// DefaultConfig returns a pool configuration with sensible defaults.
// Workers = runtime.NumCPU(), QueueSize = 1000, ShutdownTimeout = 30s.
func DefaultConfig() Config {
	return Config{
		Workers:         runtime.NumCPU(),
		QueueSize:       1000,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return errors.New("workerpool: Workers must be positive")
	}
	if c.QueueSize <= 0 {
		return errors.New("workerpool: QueueSize must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("workerpool: ShutdownTimeout must be positive")
	}
	return nil
}
