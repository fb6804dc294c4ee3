package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultBuffer      = 256
	DefaultSendTimeout = 5 * time.Second
)

// Recorder fans events out to sinks on its own goroutine. Record never
// blocks: when the buffer is full the event is dropped and counted.
type Recorder struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	ch      chan Event
	done    chan struct{}
	dropped atomic.Uint64
}

// NewRecorder starts a recorder delivering to sinks. A buffer <= 0 uses
// DefaultBuffer.
func NewRecorder(log *slog.Logger, buffer int, sinks ...Sink) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sinks:   sinks,
		log:     log,
		timeout: DefaultSendTimeout,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues e for delivery. Events recorded after Close are ignored.
func (r *Recorder) Record(e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		if r.dropped.Add(1) == 1 {
			r.log.Warn("history buffer full, dropping events", "type", e.Type)
		}
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close flushes queued events and closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	<-r.done
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history send failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}
