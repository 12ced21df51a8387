package aerys

import (
	"context"
	"io"
	"sync"

	"github.com/aerysweb/aerys/bytestream"
)

// BodyEmitter is a bounded asynchronous queue of body byte chunks,
// keyed by stream id on the owning Client.
// Producers (the HTTP/1 or HTTP/2 driver) call Emit as bytes arrive off
// the wire; a single consumer drains it via Next. Backpressure is applied
// when the queued size exceeds SoftStreamCap: Emit's returned Future does
// not complete until the consumer has drained below that threshold.
type BodyEmitter struct {
	mu      sync.Mutex
	chunks  [][]byte
	size    int
	softCap int

	closed   bool
	closeErr error // nil on graceful completion
	notify   chan struct{}
	lowWater *bytestream.Future
}

// NewBodyEmitter constructs an emitter with the given backpressure
// threshold (Options.SoftStreamCap).
func NewBodyEmitter(softCap int) *BodyEmitter {
	return &BodyEmitter{
		softCap: softCap,
		notify:  make(chan struct{}, 1),
	}
}

// Emit enqueues a chunk of body bytes. The returned Future completes
// immediately if the queue is under softCap, otherwise once Next has
// drained it back down; emitting into a full queue is a suspension point.
func (e *BodyEmitter) Emit(chunk []byte) *bytestream.Future {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return bytestream.Done(NewInternalError("emit after close"))
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	e.chunks = append(e.chunks, cp)
	e.size += len(cp)
	e.wake()

	if e.size <= e.softCap {
		return bytestream.Done(nil)
	}
	if e.lowWater == nil {
		e.lowWater = bytestream.NewFuture()
	}
	return e.lowWater
}

// Complete marks the emitter as successfully finished; remaining queued
// bytes are still delivered, then Next returns io.EOF.
func (e *BodyEmitter) Complete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.closeErr = io.EOF
	e.wake()
}

// Fail aborts the emitter with err, which Next surfaces once queued bytes
// (if any) are drained. Typically a *ClientSizeException or
// *ClientException.
func (e *BodyEmitter) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.closeErr = err
	e.wake()
}

func (e *BodyEmitter) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a chunk is available, the emitter completes, or ctx is
// canceled. It returns io.EOF on graceful completion and the stored error
// (a *ClientSizeException or *ClientException) otherwise.
func (e *BodyEmitter) Next(ctx context.Context) ([]byte, error) {
	for {
		e.mu.Lock()
		if len(e.chunks) > 0 {
			chunk := e.chunks[0]
			e.chunks = e.chunks[1:]
			e.size -= len(chunk)
			if e.size <= e.softCap && e.lowWater != nil {
				pending := e.lowWater
				e.lowWater = nil
				e.mu.Unlock()
				pending.Complete(nil)
				return chunk, nil
			}
			e.mu.Unlock()
			return chunk, nil
		}
		if e.closed {
			err := e.closeErr
			e.mu.Unlock()
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}
		e.mu.Unlock()

		select {
		case <-e.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Message is the application-facing asynchronous byte stream returned by
// Request.GetBody. Next yields the next chunk or an
// end-of-stream sentinel (io.EOF); Buffer collects the whole body.
type Message struct {
	emitter *BodyEmitter
}

// NewMessage wraps a BodyEmitter as the Request-facing Message handle.
func NewMessage(e *BodyEmitter) *Message { return &Message{emitter: e} }

// Read returns the next chunk, io.EOF at graceful end, or the emitter's
// failure.
func (m *Message) Read(ctx context.Context) ([]byte, error) {
	return m.emitter.Next(ctx)
}

// Buffer collects the entire body into one slice. It takes no size limit of
// its own and does not re-enforce size: the emitter already fails with
// ClientSizeException once the driver-side MaxBodySize bound is exceeded.
func (m *Message) Buffer(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		chunk, err := m.Read(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
}
