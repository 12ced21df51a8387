package aerys

import (
	"sync"
	"sync/atomic"

	"github.com/aerysweb/aerys/bytestream"
)

// livenessFlag tracks which halves of the connection have closed.
type livenessFlag uint32

const (
	ClosedRD livenessFlag = 1 << iota
	ClosedWR
)

// ClientIdentity is a Client's immutable connection identity.
type ClientIdentity struct {
	ClientPort  int
	ClientAddr  string
	ServerPort  int
	ServerAddr  string
	IsEncrypted bool
	CryptoInfo  string // e.g. negotiated TLS version/cipher, opaque to us
}

// CloseFunc performs the actual socket teardown; supplied by the acceptor
// so Client itself stays transport-agnostic.
type CloseFunc func() error

// Client is the per-connection record. It exclusively owns
// its HttpDriver, write buffer, and body emitters; an InternalRequest holds
// only a non-owning back-reference to it.
type Client struct {
	Identity ClientIdentity
	Options  *Options

	Driver HttpDriver

	dead atomic.Uint32 // livenessFlag bits

	writeMu     sync.Mutex
	WriteBuffer *bytestream.Sink

	emittersMu   sync.Mutex
	bodyEmitters map[uint32]*BodyEmitter

	pendingMu        sync.Mutex
	pendingResponses []*InternalRequest // HTTP/1 FIFO; HTTP/2 drivers manage their own map

	closeFn CloseFunc

	closeOnce sync.Once
}

// NewClient constructs a Client with its write buffer wired to flushFn
// (the raw socket write), honoring Options.OutputBufferSize as the
// backpressure watermark.
func NewClient(identity ClientIdentity, opts *Options, flushFn func([]byte) error, closeFn CloseFunc) *Client {
	c := &Client{
		Identity:     identity,
		Options:      opts,
		bodyEmitters: make(map[uint32]*BodyEmitter),
		closeFn:      closeFn,
	}
	c.WriteBuffer = bytestream.NewSink(opts.OutputBufferSize, flushFn)
	return c
}

// IsDead reports whether either half of the connection has been marked
// closed.
func (c *Client) IsDead() bool { return c.dead.Load() != 0 }

// MarkDead sets the given liveness bits. Cancellation of suspensions tied
// to this client is the responsibility of whatever routine
// is awaiting them: they observe it via ClientException from the next
// awaited completion, which callers arrange by checking IsDead at their own
// suspension points.
func (c *Client) MarkDead(flag livenessFlag) {
	for {
		old := c.dead.Load()
		next := old | uint32(flag)
		if c.dead.CompareAndSwap(old, next) {
			break
		}
	}
	if c.dead.Load() == uint32(ClosedRD|ClosedWR) {
		c.teardown()
	}
}

// teardown releases all Client-owned resources regardless of which error
// path triggered it.
func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		c.emittersMu.Lock()
		for id, e := range c.bodyEmitters {
			e.Fail(NewClientException("connection closed"))
			delete(c.bodyEmitters, id)
		}
		c.emittersMu.Unlock()

		if c.WriteBuffer != nil {
			c.WriteBuffer.Release()
		}
		if c.closeFn != nil {
			_ = c.closeFn()
		}
	})
}

// BodyEmitter returns (creating if absent) the emitter for streamID.
func (c *Client) BodyEmitter(streamID uint32, softCap int) *BodyEmitter {
	c.emittersMu.Lock()
	defer c.emittersMu.Unlock()
	e, ok := c.bodyEmitters[streamID]
	if !ok {
		e = NewBodyEmitter(softCap)
		c.bodyEmitters[streamID] = e
	}
	return e
}

// ReleaseBodyEmitter drops the emitter for streamID once its request has
// been fully consumed.
func (c *Client) ReleaseBodyEmitter(streamID uint32) {
	c.emittersMu.Lock()
	delete(c.bodyEmitters, streamID)
	c.emittersMu.Unlock()
}

// EnqueueResponse appends req to the pending-response FIFO, preserving
// HTTP/1 pipelining order.
func (c *Client) EnqueueResponse(req *InternalRequest) {
	c.pendingMu.Lock()
	c.pendingResponses = append(c.pendingResponses, req)
	c.pendingMu.Unlock()
}

// OldestPending returns the head of the pending-response FIFO without
// removing it, or nil if empty.
func (c *Client) OldestPending() *InternalRequest {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pendingResponses) == 0 {
		return nil
	}
	return c.pendingResponses[0]
}

// PopPending removes and returns the head of the pending-response FIFO.
func (c *Client) PopPending() *InternalRequest {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pendingResponses) == 0 {
		return nil
	}
	req := c.pendingResponses[0]
	c.pendingResponses = c.pendingResponses[1:]
	return req
}

// PendingCount reports how many responses are still queued, used by the
// server's shutdown drain loop.
func (c *Client) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pendingResponses)
}

// RemovePending drops req from the pending-response set regardless of
// position. HTTP/2 streams complete out of order, so unlike PopPending
// (HTTP/1's strict FIFO) this scans for the matching entry.
func (c *Client) RemovePending(req *InternalRequest) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i, r := range c.pendingResponses {
		if r == req {
			c.pendingResponses = append(c.pendingResponses[:i], c.pendingResponses[i+1:]...)
			return
		}
	}
}
