package websocket

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/xyproto/randomstring"

	"github.com/aerysweb/aerys"
)

// Message is the byte sequence handed to OnData: a complete, reassembled
// application message (text or
// binary), delivered only once all of its continuation frames have
// arrived.
type Message struct {
	Binary  bool
	Payload []byte
}

// Callbacks groups the per-connection application hooks.
// All are invoked serially on the connection's own read loop
// goroutine, so an application never sees concurrent callbacks for the
// same clientId.
type Callbacks struct {
	OnOpen      func(clientId string, handshake *aerys.InternalRequest)
	OnData      func(clientId string, msg Message)
	OnClose     func(clientId string, code int, reason string)
	OnError     func(clientId string, err error)
	OnHandshake func(req *aerys.InternalRequest, resp *aerys.Response) string // returns negotiated sub-protocol
}

// Gateway owns the client registry and configuration shared by every
// connection it upgrades. The registry is an xsync.MapOf so Broadcast
// avoids a global mutex.
type Gateway struct {
	Callbacks Callbacks

	HeartbeatPeriod time.Duration
	ClosePeriod     time.Duration
	MaxFrameSize    int64
	MaxMsgSize      int64

	conns *xsync.MapOf[string, *Conn]
}

// NewGateway constructs a Gateway with the given callbacks and timing
// bounds.
func NewGateway(cb Callbacks, heartbeat, closePeriod time.Duration, maxFrameSize, maxMsgSize int64) *Gateway {
	return &Gateway{
		Callbacks:       cb,
		HeartbeatPeriod: heartbeat,
		ClosePeriod:     closePeriod,
		MaxFrameSize:    maxFrameSize,
		MaxMsgSize:      maxMsgSize,
		conns:           xsync.NewMapOf[string, *Conn](),
	}
}

// Conn is one upgraded WebSocket connection: the frame parser, fragment
// reassembly state, and outbound write serialization.
type Conn struct {
	id     string
	gw     *Gateway
	client *aerys.Client
	conn   net.Conn
	br     *bufio.Reader

	writeMu sync.Mutex
	closed  bool

	parser *frameParser

	// fragment reassembly
	assembling bool
	asmOpcode  Opcode
	asmBuf     []byte

	// unix-nano timestamps, read by the heartbeat goroutine while the read
	// loop updates them
	lastActivity atomic.Int64
	pongSeen     atomic.Int64
}

// Upgrade performs the RFC 6455 handshake over client's raw connection:
// writes the 101 response (honoring a negotiated sub-protocol from
// OnHandshake), registers the connection under a fresh clientId, and
// returns a Conn ready for Serve. br must contain any bytes already
// buffered past the request headers (the HTTP driver's bufio.Reader).
func (gw *Gateway) Upgrade(conn net.Conn, br *bufio.Reader, client *aerys.Client, req *aerys.InternalRequest) (*Conn, error) {
	accept := ComputeAccept(req.GetHeader("sec-websocket-key"))

	resp := aerys.NewResponse(client.Options.Clock)
	resp.SetStatus(101)
	resp.SetHeader("upgrade", "websocket")
	resp.SetHeader("connection", "Upgrade")
	resp.SetHeader("sec-websocket-accept", accept)

	var proto string
	if gw.Callbacks.OnHandshake != nil {
		proto = gw.Callbacks.OnHandshake(req, resp)
	}
	if proto != "" {
		resp.SetHeader("sec-websocket-protocol", proto)
	}

	if err := writeUpgradeResponse(conn, resp); err != nil {
		return nil, err
	}

	id := randomstring.CookieFriendlyString(20)
	c := &Conn{
		id:     id,
		gw:     gw,
		client: client,
		conn:   conn,
		br:     br,
		parser: newFrameParser(gw.MaxFrameSize),
	}
	c.lastActivity.Store(nowUnixNano())
	gw.conns.Store(id, c)
	return c, nil
}

func writeUpgradeResponse(conn net.Conn, resp *aerys.Response) error {
	var b []byte
	b = append(b, "HTTP/1.1 101 "...)
	b = append(b, aerys.ReasonPhrase(101)...)
	b = append(b, "\r\n"...)
	for _, name := range resp.Headers.Names() {
		for _, v := range resp.Headers.GetAll(name) {
			b = append(b, name...)
			b = append(b, ": "...)
			b = append(b, v...)
			b = append(b, "\r\n"...)
		}
	}
	b = append(b, "\r\n"...)
	_, err := conn.Write(b)
	return err
}

// IsUpgrade reports whether req is an eligible WebSocket upgrade request,
// satisfying http1.Upgrader.
func (gw *Gateway) IsUpgrade(req *aerys.InternalRequest) bool { return IsUpgradeRequest(req) }

// HandleUpgrade performs the handshake and runs the connection's read
// loop to completion, satisfying http1.Upgrader. Any handshake failure is
// reported via OnError rather than returned, since the HTTP/1 driver has
// already committed to relinquishing the socket at this point.
func (gw *Gateway) HandleUpgrade(conn net.Conn, br *bufio.Reader, client *aerys.Client, req *aerys.InternalRequest) {
	c, err := gw.Upgrade(conn, br, client, req)
	if err != nil {
		if gw.Callbacks.OnError != nil {
			gw.Callbacks.OnError("", err)
		}
		return
	}
	c.Serve(req)
}

// ID returns the connection's generated client identifier.
func (c *Conn) ID() string { return c.id }

// Serve runs the connection's read loop until it closes, dispatching
// OnOpen immediately and then OnData/OnClose/OnError as frames arrive.
// It also starts the heartbeat timer.
func (c *Conn) Serve(handshake *aerys.InternalRequest) {
	// Liveness is the heartbeat's job from here on, not the HTTP idle
	// deadline the acceptor may have armed.
	_ = c.conn.SetReadDeadline(time.Time{})

	if c.gw.Callbacks.OnOpen != nil {
		c.gw.Callbacks.OnOpen(c.id, handshake)
	}

	stop := make(chan struct{})
	go c.heartbeatLoop(stop)
	defer close(stop)

	readBuf := make([]byte, 4096)
	for {
		n, err := c.br.Read(readBuf)
		if err != nil {
			c.abort(CloseAbnormal, "read error")
			return
		}
		c.lastActivity.Store(nowUnixNano())
		frames, perr := c.parser.Feed(readBuf[:n])
		if perr != nil {
			if ce, ok := perr.(*CloseError); ok {
				c.abort(ce.Code, ce.Reason)
				return
			}
			c.abort(CloseProtocolError, perr.Error())
			return
		}
		for _, f := range frames {
			if done := c.handleFrame(f); done {
				return
			}
		}
	}
}

func (c *Conn) handleFrame(f rawFrame) (closed bool) {
	switch f.opcode {
	case OpPing:
		_ = c.writeFrame(OpPong, f.payload)
		return false
	case OpPong:
		c.pongSeen.Store(nowUnixNano())
		return false
	case OpClose:
		code, reason := parseCloseFrame(f.payload)
		if !validCloseCode(code) {
			code = CloseProtocolError
		}
		c.sendCloseAck(code)
		c.finish(code, reason)
		return true
	case OpText, OpBinary:
		if c.assembling {
			c.abort(CloseProtocolError, "new message started mid-fragment")
			return true
		}
		c.assembling = true
		c.asmOpcode = f.opcode
		c.asmBuf = append([]byte(nil), f.payload...)
		if c.gw.MaxMsgSize > 0 && int64(len(c.asmBuf)) > c.gw.MaxMsgSize {
			c.abort(CloseTooBig, "message exceeds maxMsgSize")
			return true
		}
		if f.fin {
			return c.deliverAssembled()
		}
		return false
	case OpContinuation:
		if !c.assembling {
			c.abort(CloseProtocolError, "continuation without a started message")
			return true
		}
		c.asmBuf = append(c.asmBuf, f.payload...)
		if c.gw.MaxMsgSize > 0 && int64(len(c.asmBuf)) > c.gw.MaxMsgSize {
			c.abort(CloseTooBig, "message exceeds maxMsgSize")
			return true
		}
		if f.fin {
			return c.deliverAssembled()
		}
		return false
	default:
		c.abort(CloseProtocolError, "unknown opcode")
		return true
	}
}

func (c *Conn) deliverAssembled() (closed bool) {
	payload := c.asmBuf
	opcode := c.asmOpcode
	c.assembling = false
	c.asmBuf = nil

	if opcode == OpText && !utf8.Valid(payload) {
		c.abort(CloseInvalidPayload, "invalid UTF-8 in text message")
		return true
	}
	if c.gw.Callbacks.OnData != nil {
		c.gw.Callbacks.OnData(c.id, Message{Binary: opcode == OpBinary, Payload: payload})
	}
	return false
}

func parseCloseFrame(payload []byte) (int, string) {
	if len(payload) < 2 {
		return CloseNoStatus, ""
	}
	code := int(payload[0])<<8 | int(payload[1])
	return code, string(payload[2:])
}

// validCloseCode reports whether code is one the gateway will echo back
// to the peer verbatim; anything outside the allowed ranges is answered
// with 1002 instead. 1005/1006 are reserved for local use and must
// never appear on the wire.
func validCloseCode(code int) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1011:
		return true
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}

func (c *Conn) sendCloseAck(code int) {
	payload := []byte{byte(code >> 8), byte(code)}
	_ = c.writeFrame(OpClose, payload)
}

// finish tears the connection down after a close exchange. Safe to reach
// from both the read loop and an application Close call; only the first
// caller runs the teardown and OnClose.
func (c *Conn) finish(code int, reason string) {
	c.writeMu.Lock()
	already := c.closed
	c.closed = true
	c.writeMu.Unlock()
	if already {
		return
	}
	c.gw.conns.Delete(c.id)
	_ = c.conn.Close()
	if c.gw.Callbacks.OnClose != nil {
		c.gw.Callbacks.OnClose(c.id, code, reason)
	}
}

// abort closes locally with code (protocol violations, oversize
// frames/messages, invalid UTF-8), sending
// a close frame best-effort before dropping the socket. 1006 is a local-only
// code, so an abort with it drops the socket without a close frame.
func (c *Conn) abort(code int, reason string) {
	if code != CloseAbnormal {
		payload := []byte{byte(code >> 8), byte(code)}
		_ = c.writeFrame(OpClose, payload)
	}
	if code != CloseNormal {
		c.client.Options.Logger.Debug().Int("closeCode", code).Str("clientId", c.id).Str("reason", reason).
			Msg("websocket: aborting connection")
	}
	if c.gw.Callbacks.OnError != nil && code != CloseNormal {
		c.gw.Callbacks.OnError(c.id, NewCloseError(code, reason))
	}
	c.finish(code, reason)
}

// heartbeatLoop pings at HeartbeatPeriod and aborts with 1006 if no PONG
// is observed within ClosePeriod.
func (c *Conn) heartbeatLoop(stop chan struct{}) {
	if c.gw.HeartbeatPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(c.gw.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			before := nowUnixNano()
			if err := c.writeFrame(OpPing, nil); err != nil {
				return
			}
			select {
			case <-stop:
				return
			case <-time.After(c.gw.ClosePeriod):
			}
			if c.pongSeen.Load() < before && c.lastActivity.Load() < before {
				c.abort(CloseAbnormal, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *Conn) writeFrame(op Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return aerys.NewClientException("write to closed websocket")
	}
	_, err := c.conn.Write(encodeFrame(op, payload, true))
	return err
}

// Send writes payload as one unfragmented message to this connection.
func (c *Conn) Send(payload []byte, binary bool) error {
	op := OpText
	if binary {
		op = OpBinary
	}
	return c.writeFrame(op, payload)
}

// Close sends a close frame with code/reason and tears the connection
// down.
func (c *Conn) Close(code int, reason string) error {
	payload := append([]byte{byte(code >> 8), byte(code)}, reason...)
	err := c.writeFrame(OpClose, payload)
	c.finish(code, reason)
	return err
}

// Send looks up clientId in the registry and writes payload to it, or
// returns false if the client is no longer connected.
func (gw *Gateway) Send(clientId string, payload []byte, binary bool) bool {
	c, ok := gw.conns.Load(clientId)
	if !ok {
		return false
	}
	return c.Send(payload, binary) == nil
}

// Broadcast writes payload to every connected client except those in
// exceptIds. All recipients share a single encoded frame buffer, written
// to each socket in turn under that connection's write lock. There is no
// per-connection write buffer: a recipient whose socket write blocks
// delays every recipient after it.
func (gw *Gateway) Broadcast(payload []byte, binary bool, exceptIds map[string]bool) {
	op := OpText
	if binary {
		op = OpBinary
	}
	frame := encodeFrame(op, payload, true)
	gw.conns.Range(func(id string, c *Conn) bool {
		if exceptIds != nil && exceptIds[id] {
			return true
		}
		c.writeMu.Lock()
		if !c.closed {
			_, _ = c.conn.Write(frame)
		}
		c.writeMu.Unlock()
		return true
	})
}

// CloseClient closes one connection by id from outside its own read loop.
func (gw *Gateway) CloseClient(clientId string, code int, reason string) bool {
	c, ok := gw.conns.Load(clientId)
	if !ok {
		return false
	}
	return c.Close(code, reason) == nil
}

func nowUnixNano() int64 {
	// Serve runs off the accept goroutine's own clock, independent of the
	// shared request Ticker (which only resolves to second granularity).
	return time.Now().UnixNano()
}
