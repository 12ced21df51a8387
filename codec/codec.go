// Package codec implements the response pipeline's filter chain:
// a pull/push transducer fed by the responder that
// converts a header dictionary plus body chunks into protocol-ready
// frames, interposing filters such as gzip compression, null-body
// stripping, and chunked-transfer framing.
package codec

import (
	"github.com/aerysweb/aerys"
)

// FrameKind distinguishes the four values a Filter may receive or emit:
// one Headers, zero or more Chunks interleaved with Flush signals, then a
// terminal End.
type FrameKind int

const (
	FrameHeaders FrameKind = iota
	FrameChunk
	FrameFlush
	FrameEnd
)

// Frame is one value flowing through the codec chain.
type Frame struct {
	Kind    FrameKind
	Status  int
	Headers *aerys.Headers
	Chunk   []byte
}

func HeadersFrame(status int, h *aerys.Headers) Frame {
	return Frame{Kind: FrameHeaders, Status: status, Headers: h}
}
func ChunkFrame(b []byte) Frame { return Frame{Kind: FrameChunk, Chunk: b} }
func FlushFrame() Frame         { return Frame{Kind: FrameFlush} }
func EndFrame() Frame           { return Frame{Kind: FrameEnd} }

// Emit is how a Filter forwards a (possibly transformed) frame downstream.
type Emit func(Frame)

// Filter is a stateful transducer: it receives
// frames in sequence (one Headers, zero or more Chunks, then End) and
// yields frames of the same kinds, possibly buffering or interposing
// Flush signals.
type Filter interface {
	Name() string
	Handle(frame Frame, emit Emit) error
}

// Chain composes filters in order so that, e.g., deflate -> nullBody ->
// chunked each see the previous filter's output. The runtime guarantees
// exactly one Headers frame reaches the driver, preserves byte order
// across filters, and always emits a terminal End even on early
// termination.
type Chain struct {
	entry Emit
	ended bool
}

// NewChain builds a Chain that pushes frames through filters in order and
// finally into sink (the protocol driver's frame consumer).
func NewChain(filters []Filter, sink Emit) *Chain {
	next := sink
	for i := len(filters) - 1; i >= 0; i-- {
		f := filters[i]
		downstream := next
		next = func(frame Frame) {
			if err := f.Handle(frame, downstream); err != nil {
				panic(chainError{filter: f.Name(), err: err})
			}
		}
	}
	return &Chain{entry: next}
}

// chainError is recovered by Feed/Close so a filter's error can be
// surfaced as a normal return value rather than unwinding arbitrarily far
// through the nested closures built by NewChain.
type chainError struct {
	filter string
	err    error
}

// Feed pushes one frame into the chain, converting a filter panic (raised
// via chainError) into a *aerys.FilterException.
func (c *Chain) Feed(frame Frame) (err error) {
	if c.ended {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			ce, ok := r.(chainError)
			if !ok {
				panic(r)
			}
			err = aerys.NewFilterException(ce.filter, ce.err)
		}
	}()
	c.entry(frame)
	if frame.Kind == FrameEnd {
		c.ended = true
	}
	return nil
}

// Close ensures a terminal End frame has been emitted, even if the caller
// never fed one itself. The driver relies on the terminal End to finalize
// the stream.
func (c *Chain) Close() error {
	if c.ended {
		return nil
	}
	return c.Feed(EndFrame())
}
