package events

import (
	"context"
	"sync"
	"time"
)

// Stable event names emitted by the engine.
const (
	FlagCreated       = "flagCreated"
	FlagUpdated       = "flagUpdated"
	FlagDeleted       = "flagDeleted"
	FlagsSynced       = "flagsSynced"
	TestCreated       = "testCreated"
	TestUpdated       = "testUpdated"
	TestStarted       = "testStarted"
	TestStopped       = "testStopped"
	VariantAssigned   = "variantAssigned"
	ConversionTracked = "conversionTracked"
	ResultsCalculated = "resultsCalculated"
)

// Event is a single lifecycle notification.
type Event struct {
	Name      string
	Payload   any
	Timestamp time.Time
}

// Emitter fans lifecycle events out to subscribers. All methods are safe for
// concurrent use. Slow subscribers have events dropped rather than blocking
// the emitting goroutine.
type Emitter struct {
	subscribers map[chan Event]struct{}
	bufferSize  int
	closed      bool
	done        chan struct{}
	mu          sync.RWMutex
	cleanupWg   sync.WaitGroup
}

// NewEmitter creates an emitter. bufferSize is the per-subscriber channel
// buffer; a minimum of 1 is enforced so sends stay non-blocking.
func NewEmitter(bufferSize int) *Emitter {
	return &Emitter{
		subscribers: make(map[chan Event]struct{}),
		bufferSize:  max(bufferSize, 1),
		done:        make(chan struct{}),
	}
}

// Subscribe registers a new subscriber. The subscription is removed and its
// channel closed when the context is cancelled or the emitter is closed. On
// an already-closed emitter the returned channel is closed immediately.
func (e *Emitter) Subscribe(ctx context.Context) <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Event, e.bufferSize)
	if e.closed {
		close(ch)
		return ch
	}
	e.subscribers[ch] = struct{}{}

	if ctx.Done() != nil {
		e.cleanupWg.Add(1)
		go func() {
			defer e.cleanupWg.Done()
			select {
			case <-ctx.Done():
				e.unsubscribe(ch)
			case <-e.done:
				// Close already closed every subscriber channel.
			}
		}()
	}

	return ch
}

// Emit sends an event to all subscribers without blocking. A zero Timestamp
// is filled in with the current time.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return
	}

	for ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full: drop for this subscriber.
		}
	}
}

// Close shuts down the emitter and closes all subscriber channels. Safe to
// call multiple times.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	for ch := range e.subscribers {
		close(ch)
	}
	clear(e.subscribers)
	e.mu.Unlock()

	e.cleanupWg.Wait()
	return nil
}

func (e *Emitter) unsubscribe(ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscribers[ch]; ok {
		delete(e.subscribers, ch)
		close(ch)
	}
}
