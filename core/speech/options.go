package speech

import "time"

const (
	DefaultMaxConcurrency = 4
	DefaultMaxQueued      = 32
	DefaultDrainTimeout   = 2 * time.Second
)

type options struct {
	maxConcurrency int64
	maxQueued      int64
	taskTimeout    time.Duration
	drainTimeout   time.Duration
	onCancel       func(reason string)
}

type Option func(*options)

// WithMaxConcurrency bounds how many utterances are synthesized at once.
func WithMaxConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrency = int64(n)
		}
	}
}

// WithMaxQueued bounds how many utterances may wait for synthesis or
// emission. Speak blocks while the bound is reached.
func WithMaxQueued(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxQueued = int64(n)
		}
	}
}

// WithTaskTimeout bounds a single synthesis. Zero disables the bound.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *options) { o.taskTimeout = max(d, 0) }
}

// WithDrainTimeout bounds how long Cleanup waits for running tasks to exit.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

// WithCancelCallback is called once by the first Cleanup.
func WithCancelCallback(callback func(reason string)) Option {
	return func(o *options) { o.onCancel = callback }
}
