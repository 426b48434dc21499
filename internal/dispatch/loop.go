// Package dispatch provides the cooperative scheduler that runs controller
// completions one at a time on a single goroutine.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rmacdonaldsmith/topolink/internal/logging"
)

// ErrAlreadyRunning is returned when Run is called on a loop that is already running
var ErrAlreadyRunning = errors.New("loop already running")

// Loop is a FIFO queue of funcs executed on one goroutine. Post never blocks.
// Funcs posted after the loop stopped are dropped.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	running bool
	stopped bool

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewLoop creates a loop. Call Start or Run to begin executing posted funcs.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		logger: logger.With("component", "dispatch"),
	}
}

// Post enqueues fn. It returns false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes posted funcs until ctx is cancelled. Funcs still queued when
// ctx is cancelled are drained before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		for l.runBatch() {
		}

		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.mu.Unlock()
			l.runBatch()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// runBatch runs everything queued so far and reports whether it ran anything.
func (l *Loop) runBatch() bool {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	if len(batch) > 0 {
		logging.Trace(l.logger, "running batch", "size", len(batch))
	}
	for _, fn := range batch {
		l.safeCall(fn)
	}
	return len(batch) > 0
}

func (l *Loop) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("posted func panicked", "panic", r)
		}
	}()
	fn()
}

// Start runs the loop on a background goroutine.
func (l *Loop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Debug("loop stopped", "error", err)
		}
	}()
}

// Close stops a loop started with Start and waits for it to drain.
func (l *Loop) Close() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.stopped = true
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Inline runs posted funcs immediately on the caller's goroutine. Useful in
// tests where completions should apply synchronously.
type Inline struct{}

// Post calls fn and returns true.
func (Inline) Post(fn func()) bool {
	fn()
	return true
}
