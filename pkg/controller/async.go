package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/rmacdonaldsmith/topolink/pkg/link"
)

// ErrClosed is reported to callbacks of requests issued after Close
var ErrClosed = errors.New("controller client closed")

// Dispatcher runs completions. Post returns false when the dispatcher no
// longer accepts work.
type Dispatcher interface {
	Post(fn func()) bool
}

// Async adapts a Transport to the link.Controller callback contract. Each
// request runs on its own goroutine; its callback is handed to the dispatcher
// exactly once. When the dispatcher no longer accepts work the callback runs
// on the completing goroutine instead, so it still fires exactly once.
type Async struct {
	transport  Transport
	dispatcher Dispatcher
	sem        *semaphore.Weighted
	metrics    *Metrics
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsync creates an async adapter. maxInFlight bounds concurrent requests;
// metrics and logger may be nil.
func NewAsync(transport Transport, dispatcher Dispatcher, maxInFlight int, metrics *Metrics, logger *slog.Logger) (*Async, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	if metrics == nil {
		var err error
		if metrics, err = NewMetrics(nil); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Async{
		transport:  transport,
		dispatcher: dispatcher,
		sem:        semaphore.NewWeighted(int64(maxInFlight)),
		metrics:    metrics,
		logger:     logger.With("component", "controller"),
	}, nil
}

// Post issues a POST request.
func (a *Async) Post(ctx context.Context, path string, body any, cb link.Callback) {
	a.issue(ctx, http.MethodPost, path, body, cb)
}

// Delete issues a DELETE request.
func (a *Async) Delete(ctx context.Context, path string, cb link.Callback) {
	a.issue(ctx, http.MethodDelete, path, nil, cb)
}

// Get issues a GET request.
func (a *Async) Get(ctx context.Context, path string, cb link.Callback) {
	a.issue(ctx, http.MethodGet, path, nil, cb)
}

func (a *Async) issue(ctx context.Context, method, path string, body any, cb link.Callback) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.complete(method, path, cb, nil, ErrClosed)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	a.logger.Debug("controller request", "method", method, "path", path)

	go func() {
		defer a.wg.Done()

		if err := a.sem.Acquire(ctx, 1); err != nil {
			a.complete(method, path, cb, nil, fmt.Errorf("request not sent: %w", err))
			return
		}
		start := a.metrics.begin()
		result, err := a.transport.Do(ctx, method, path, body)
		a.metrics.end(method, start, err)
		a.sem.Release(1)

		a.complete(method, path, cb, result, err)
	}()
}

func (a *Async) complete(method, path string, cb link.Callback, result json.RawMessage, err error) {
	if err != nil {
		a.logger.Debug("controller request failed", "method", method, "path", path, "error", err)
	}
	if cb == nil {
		return
	}
	if !a.dispatcher.Post(func() { cb(result, err) }) {
		a.logger.Debug("dispatcher stopped, completing inline", "method", method, "path", path)
		cb(result, err)
	}
}

// Close rejects new requests and waits for outstanding ones to finish.
func (a *Async) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}

var _ link.Controller = (*Async)(nil)
