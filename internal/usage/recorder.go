// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package usage

import (
	"log"
	"sync"
	"sync/atomic"
)

// =============================================================================
// SINK INTERFACE
// =============================================================================

// Sink receives usage events. Implementations may block or fail; the
// Recorder shields dispatch from both.
type Sink interface {
	// Record persists one event.
	Record(ev Event) error

	// Close flushes and releases the sink.
	Close() error
}

// =============================================================================
// RECORDER
// =============================================================================

// DefaultBuffer is the event channel capacity when none is configured.
const DefaultBuffer = 256

// Recorder fans events out to sinks from a background goroutine.
// Record never blocks: when the buffer is full the oldest queued event
// is dropped to make room, and drops are counted.
type Recorder struct {
	sinks []Sink
	ch    chan Event
	done  chan struct{}

	dropped    int64 // atomic
	sinkErrors int64 // atomic

	closeOnce sync.Once
	closeErr  error
}

// NewRecorder starts a recorder over the given sinks. A non-positive
// buffer falls back to DefaultBuffer. With no sinks the recorder still
// runs (events are consumed and discarded), so callers never need a
// nil check.
func NewRecorder(buffer int, sinks ...Sink) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	r := &Recorder{
		sinks: sinks,
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues an event for delivery. Empty ID and Time fields are
// filled in. Never blocks and never fails; overflow drops the oldest
// queued event.
func (r *Recorder) Record(ev Event) {
	ev.fill()

	select {
	case r.ch <- ev:
		return
	default:
	}

	// Full: evict the oldest queued event, then try once more. A
	// racing producer can still win the freed slot; the new event is
	// dropped in that case rather than waiting.
	select {
	case <-r.ch:
		atomic.AddInt64(&r.dropped, 1)
	default:
	}
	select {
	case r.ch <- ev:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

// run delivers queued events to every sink until the channel closes.
func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.ch {
		for _, s := range r.sinks {
			if err := s.Record(ev); err != nil {
				atomic.AddInt64(&r.sinkErrors, 1)
				log.Printf("usage: sink record failed: %v", err)
			}
		}
	}
}

// Dropped returns how many events were lost to buffer overflow.
func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// SinkErrors returns how many sink writes failed.
func (r *Recorder) SinkErrors() int64 {
	return atomic.LoadInt64(&r.sinkErrors)
}

// Close drains queued events, then closes every sink. The first close
// error is returned; the rest are logged. Safe to call more than once.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.ch)
		<-r.done

		for _, s := range r.sinks {
			if err := s.Close(); err != nil {
				if r.closeErr == nil {
					r.closeErr = err
				} else {
					log.Printf("usage: sink close failed: %v", err)
				}
			}
		}
	})
	return r.closeErr
}
