// Package journal keeps an ordered, offset-indexed record of link events.
package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/topolink/pkg/link"
)

var (
	// ErrNegativeOffset is returned when a negative offset is provided
	ErrNegativeOffset = errors.New("offset cannot be negative")
	// ErrNegativeMaxCount is returned when a negative max count is provided
	ErrNegativeMaxCount = errors.New("max count cannot be negative")
	// ErrClosed is returned by operations on a closed journal
	ErrClosed = errors.New("journal closed")
)

// Entry is one recorded event.
type Entry struct {
	Offset int64
	Time   time.Time
	Event  link.Event
}

// Journal is an in-memory append-only log of link events. Offsets start at 0.
// It implements link.Observer so it can be subscribed to a bus directly.
// It is safe for concurrent use.
type Journal struct {
	mu      sync.RWMutex
	entries []Entry
	changed chan struct{} // closed and replaced on every append
	closed  bool
}

// New creates an empty journal.
func New() *Journal {
	return &Journal{changed: make(chan struct{})}
}

// HandleLinkEvent records ev.
func (j *Journal) HandleLinkEvent(ev link.Event) error {
	_, err := j.Append(context.Background(), ev)
	return err
}

// Append records ev and returns the stored entry with its assigned offset.
func (j *Journal) Append(ctx context.Context, ev link.Event) (Entry, error) {
	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	default:
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Entry{}, ErrClosed
	}

	entry := Entry{
		Offset: int64(len(j.entries)),
		Time:   time.Now(),
		Event:  ev,
	}
	j.entries = append(j.entries, entry)

	close(j.changed)
	j.changed = make(chan struct{})
	return entry, nil
}

// ReadFrom returns up to maxCount entries starting at startOffset.
func (j *Journal) ReadFrom(ctx context.Context, startOffset int64, maxCount int) ([]Entry, error) {
	if startOffset < 0 {
		return nil, ErrNegativeOffset
	}
	if maxCount < 0 {
		return nil, ErrNegativeMaxCount
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	if startOffset >= int64(len(j.entries)) || maxCount == 0 {
		return make([]Entry, 0), nil
	}

	end := min(startOffset+int64(maxCount), int64(len(j.entries)))
	out := make([]Entry, end-startOffset)
	copy(out, j.entries[startOffset:end])
	return out, nil
}

// EndOffset returns the offset the next entry will get.
func (j *Journal) EndOffset() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return int64(len(j.entries))
}

// Len returns the number of recorded entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Wait blocks until an entry whose event satisfies match has been recorded and
// returns the first such entry. Entries recorded before the call count.
func (j *Journal) Wait(ctx context.Context, match func(link.Event) bool) (Entry, error) {
	var next int
	for {
		j.mu.RLock()
		for ; next < len(j.entries); next++ {
			if match(j.entries[next].Event) {
				entry := j.entries[next]
				j.mu.RUnlock()
				return entry, nil
			}
		}
		changed, closed := j.changed, j.closed
		j.mu.RUnlock()

		if closed {
			return Entry{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-changed:
		}
	}
}

// Replay streams entries from startOffset via a channel. The channel closes
// once all entries present at call time were sent or ctx is cancelled.
func (j *Journal) Replay(ctx context.Context, startOffset int64) (<-chan Entry, <-chan error) {
	entryChan := make(chan Entry)
	errChan := make(chan error, 1)

	go func() {
		defer close(entryChan)
		defer close(errChan)

		entries, err := j.ReadFrom(ctx, startOffset, j.Len())
		if err != nil {
			errChan <- err
			return
		}

		for _, e := range entries {
			select {
			case <-ctx.Done():
				errChan <- ctx.Err()
				return
			case entryChan <- e:
			}
		}
	}()

	return entryChan, errChan
}

// Close drops all entries and wakes any waiters. It is idempotent.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.entries = nil
	j.closed = true
	close(j.changed)
	return nil
}

var _ link.Observer = (*Journal)(nil)
