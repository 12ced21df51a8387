// Package bytestream provides an asynchronous, possibly chunked byte
// source/sink abstraction.
// Readers receive lazy byte sequences; writers accept chunks and return a
// completion handle that also signals when the internal buffer has
// drained below a watermark.
//
// Rather than coroutine primitives, a suspension point here is a channel
// receive on a *Future.
package bytestream

import (
	"context"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// Future is a completion handle: a value that becomes ready exactly once,
// optionally carrying an error. Awaiting it is a suspension point.
type Future struct {
	done chan struct{}
	err  error
	once sync.Once
}

// NewFuture returns a Future that is not yet complete.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done returns a Future that is already complete, optionally with err.
func Done(err error) *Future {
	f := &Future{done: make(chan struct{})}
	f.err = err
	close(f.done)
	return f
}

// Complete resolves the future. Safe to call at most meaningfully once;
// subsequent calls are no-ops.
func (f *Future) Complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait suspends the calling goroutine until the future completes or ctx is
// canceled, whichever happens first.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the future has already completed, without
// blocking.
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Sink is a chunked byte consumer with backpressure: Write accepts a chunk
// and returns a Future that completes once the sink's buffered size has
// drained back below watermark. Concrete instances back Client.WriteBuffer.
type Sink struct {
	mu        sync.Mutex
	buffered  *bytebufferpool.ByteBuffer
	watermark int
	drained   *Future // non-nil while buffered size > watermark
	flush     func([]byte) error
	flushed   int64 // total bytes handed to flush so far
}

// NewSink constructs a Sink whose flush function is invoked synchronously
// with accumulated bytes each time Drain is called by the owning driver.
func NewSink(watermark int, flush func([]byte) error) *Sink {
	return &Sink{
		buffered:  bytebufferpool.Get(),
		watermark: watermark,
		flush:     flush,
	}
}

// Write appends a chunk and returns a Future. The Future is already
// complete if the buffer is still under watermark; otherwise it completes
// the next time Drain brings the buffer back under watermark.
func (s *Sink) Write(p []byte) *Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffered.Write(p)
	if s.buffered.Len() <= s.watermark {
		return Done(nil)
	}
	if s.drained == nil {
		s.drained = NewFuture()
	}
	return s.drained
}

// Drain flushes buffered bytes through the sink's flush function and, if
// the buffer falls back under watermark, resolves any pending backpressure
// future.
func (s *Sink) Drain() error {
	s.mu.Lock()
	buf := s.buffered.B
	s.buffered.Reset()
	pending := s.drained
	s.drained = nil
	s.mu.Unlock()

	var err error
	if len(buf) > 0 {
		err = s.flush(buf)
		if err == nil {
			s.mu.Lock()
			s.flushed += int64(len(buf))
			s.mu.Unlock()
		}
	}
	if pending != nil {
		pending.Complete(err)
	}
	return err
}

// Flushed reports the total bytes successfully handed to the flush
// function over the sink's lifetime.
func (s *Sink) Flushed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

// Discard drops any buffered-but-unflushed bytes and resolves a pending
// backpressure future, leaving the sink reusable. Used when a response is
// abandoned before anything reached the wire.
func (s *Sink) Discard() {
	s.mu.Lock()
	s.buffered.Reset()
	pending := s.drained
	s.drained = nil
	s.mu.Unlock()
	if pending != nil {
		pending.Complete(nil)
	}
}

// Buffered reports the number of unflushed bytes currently queued.
func (s *Sink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered.Len()
}

// Release returns the pooled buffer. Call once the Sink is no longer used.
func (s *Sink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	bytebufferpool.Put(s.buffered)
	s.buffered = nil
}
