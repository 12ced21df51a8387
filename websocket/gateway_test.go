package websocket

import (
	"net"
	"testing"

	"github.com/gookit/goutil/testutil/assert"

	"github.com/aerysweb/aerys"
)

// drainPipe discards whatever the gateway writes back (pings, close acks)
// so writeFrame never blocks on the unbuffered net.Pipe.
func drainPipe(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
}

func newTestConn(t *testing.T, gw *Gateway) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	drainPipe(t, client)

	opts := aerys.NewOptions()
	t.Cleanup(func() { opts.Clock.Stop() })
	cl := aerys.NewClient(aerys.ClientIdentity{}, opts, func([]byte) error { return nil }, nil)

	return &Conn{id: "test", gw: gw, client: cl, conn: server, parser: newFrameParser(0)}, client
}

func TestHandleFrameReassemblesFragmentedTextMessage(t *testing.T) {
	var got Message
	gw := NewGateway(Callbacks{
		OnData: func(clientId string, msg Message) { got = msg },
	}, 0, 0, 0, 0)
	c, _ := newTestConn(t, gw)

	closed := c.handleFrame(rawFrame{fin: false, opcode: OpText, payload: []byte("hello ")})
	assert.False(t, closed)
	closed = c.handleFrame(rawFrame{fin: true, opcode: OpContinuation, payload: []byte("world")})
	assert.False(t, closed)

	assert.Eq(t, "hello world", string(got.Payload))
	assert.False(t, got.Binary)
}

func TestHandleFrameRejectsContinuationWithoutStart(t *testing.T) {
	var gotErr error
	gw := NewGateway(Callbacks{
		OnError: func(clientId string, err error) { gotErr = err },
	}, 0, 0, 0, 0)
	c, _ := newTestConn(t, gw)

	closed := c.handleFrame(rawFrame{fin: true, opcode: OpContinuation, payload: []byte("oops")})
	assert.True(t, closed)
	assert.NotNil(t, gotErr)
}

func TestHandleFrameRejectsNewMessageMidFragment(t *testing.T) {
	gw := NewGateway(Callbacks{}, 0, 0, 0, 0)
	c, _ := newTestConn(t, gw)

	closed := c.handleFrame(rawFrame{fin: false, opcode: OpText, payload: []byte("a")})
	assert.False(t, closed)
	closed = c.handleFrame(rawFrame{fin: false, opcode: OpBinary, payload: []byte("b")})
	assert.True(t, closed)
}

func TestHandleFrameRejectsInvalidUTF8InTextMessage(t *testing.T) {
	var gotErr error
	gw := NewGateway(Callbacks{
		OnError: func(clientId string, err error) { gotErr = err },
	}, 0, 0, 0, 0)
	c, _ := newTestConn(t, gw)

	closed := c.handleFrame(rawFrame{fin: true, opcode: OpText, payload: []byte{0xff, 0xfe, 0xfd}})
	assert.True(t, closed)
	assert.NotNil(t, gotErr)
}

func TestHandleFrameEnforcesMaxMsgSizeAcrossContinuations(t *testing.T) {
	gw := NewGateway(Callbacks{}, 0, 0, 0, 10)
	c, _ := newTestConn(t, gw)

	closed := c.handleFrame(rawFrame{fin: false, opcode: OpBinary, payload: make([]byte, 6)})
	assert.False(t, closed)
	closed = c.handleFrame(rawFrame{fin: false, opcode: OpContinuation, payload: make([]byte, 6)})
	assert.True(t, closed)
}

func TestHandleFramePingRepliesWithPong(t *testing.T) {
	gw := NewGateway(Callbacks{}, 0, 0, 0, 0)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	opts := aerys.NewOptions()
	defer opts.Clock.Stop()
	cl := aerys.NewClient(aerys.ClientIdentity{}, opts, func([]byte) error { return nil }, nil)
	c := &Conn{id: "test", gw: gw, client: cl, conn: server, parser: newFrameParser(0)}

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 64)
		n, err := client.Read(buf)
		assert.NoErr(t, err)
		assert.Eq(t, byte(OpPong)|0x80, buf[0])
		_ = n
		close(done)
	}()

	closed := c.handleFrame(rawFrame{fin: true, opcode: OpPing, payload: nil})
	assert.False(t, closed)
	<-done
}
