package http2

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/aerysweb/aerys"
)

// Driver implements aerys.HttpDriver for one HTTP/2 connection.
type Driver struct {
	conn   net.Conn
	br     *bufio.Reader
	client *aerys.Client

	tables *codecTables

	streams *xsync.MapOf[uint32, *Stream]

	writeMu sync.Mutex

	connSendWindow atomic.Int64
	connRecvWindow atomic.Int64

	peerEnablePush atomic.Bool
	peerMaxFrame   atomic.Uint32
	peerInitWindow atomic.Int64

	lastRecvStreamID atomic.Uint32
	nextPushStreamID atomic.Uint32

	goawaySent atomic.Bool
	windowCond *sync.Cond
	windowMu   sync.Mutex

	// dispatch is stashed from Serve so dispatchPushes can run a
	// synthesized push request through the same pipeline as a real one.
	ctx      context.Context
	dispatch func(context.Context, *aerys.InternalRequest) (*aerys.Response, error)
}

// New constructs an HTTP/2 driver. The caller must already have consumed
// and verified any ALPN negotiation; Serve reads and checks the
// connection preface.
func New(conn net.Conn, client *aerys.Client) *Driver {
	d := &Driver{
		conn:    conn,
		br:      bufio.NewReaderSize(conn, 16384),
		client:  client,
		tables:  newCodecTables(),
		streams: xsync.NewMapOf[uint32, *Stream](),
	}
	d.connSendWindow.Store(DefaultInitialWindowSize)
	d.connRecvWindow.Store(DefaultInitialWindowSize)
	d.peerEnablePush.Store(true)
	d.peerMaxFrame.Store(16384)
	d.peerInitWindow.Store(DefaultInitialWindowSize)
	d.nextPushStreamID.Store(2)
	d.windowCond = sync.NewCond(&d.windowMu)
	return d
}

func (d *Driver) Protocol() string { return "2.0" }

func (d *Driver) Goaway() {
	if d.goawaySent.CompareAndSwap(false, true) {
		d.writeMu.Lock()
		_ = writeGoAway(d.conn, d.lastRecvStreamID.Load(), ErrNoError, nil)
		d.writeMu.Unlock()
	}
}

// Serve implements aerys.HttpDriver.
func (d *Driver) Serve(ctx context.Context, client *aerys.Client, dispatch func(context.Context, *aerys.InternalRequest) (*aerys.Response, error)) error {
	defer client.MarkDead(aerys.ClosedRD | aerys.ClosedWR)
	d.ctx = ctx
	d.dispatch = dispatch

	var preface [len(Preface)]byte
	if _, err := io.ReadFull(d.br, preface[:]); err != nil {
		return err
	}
	if string(preface[:]) != Preface {
		return aerys.NewProtocolError("bad HTTP/2 preface", 400)
	}

	if err := writeSettings(d.conn, []settingParam{
		{SettingsMaxConcurrentStreams, 1000},
		{SettingsInitialWindowSize, DefaultInitialWindowSize},
	}); err != nil {
		return err
	}

	for {
		if secs := client.Options.ConnectionTimeoutSecs; secs > 0 {
			_ = d.conn.SetReadDeadline(time.Now().Add(time.Duration(secs) * time.Second))
		}
		h, err := readFrameHeader(d.br)
		if err != nil {
			return err
		}
		payload, err := readFramePayload(d.br, h)
		if err != nil {
			return err
		}
		if err := d.handleFrame(ctx, client, dispatch, h, payload); err != nil {
			if pe, ok := err.(*aerys.ProtocolError); ok {
				client.Options.Logger.Debug().Err(pe).Uint32("streamID", h.StreamID).
					Msg("http2: frame handling error")
				_ = d.resetOrGoaway(h.StreamID, pe)
				if h.StreamID == 0 {
					// Connection-level error: GOAWAY already sent, no
					// further frames can be processed.
					return pe
				}
				continue
			}
			return err
		}
	}
}

func (d *Driver) resetOrGoaway(streamID uint32, pe *aerys.ProtocolError) error {
	if streamID == 0 {
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
		return writeGoAway(d.conn, d.lastRecvStreamID.Load(), ErrProtocolError, nil)
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return writeRSTStream(d.conn, streamID, ErrProtocolError)
}

func (d *Driver) handleFrame(ctx context.Context, client *aerys.Client, dispatch func(context.Context, *aerys.InternalRequest) (*aerys.Response, error), h frameHeader, payload []byte) error {
	switch h.Type {
	case FrameSettings:
		return d.handleSettings(h, payload)
	case FrameWindowUpdate:
		return d.handleWindowUpdate(h, payload)
	case FramePing:
		return d.handlePing(h, payload)
	case FrameGoAway:
		return nil // peer initiated shutdown; in-flight streams still finish
	case FramePriority:
		return d.handlePriority(h, payload)
	case FrameRSTStream:
		return d.handleRSTStream(h, payload)
	case FrameHeaders:
		return d.handleHeaders(ctx, client, dispatch, h, payload)
	case FrameData:
		return d.handleData(h, payload)
	case FrameContinuation:
		return aerys.NewProtocolError("unexpected CONTINUATION", 400)
	case FramePushPromise:
		return aerys.NewProtocolError("client must not send PUSH_PROMISE", 400)
	default:
		return nil // unknown frame types are ignored per RFC 7540 §4.1
	}
}

func (d *Driver) handleSettings(h frameHeader, payload []byte) error {
	if h.Flags&FlagAck != 0 {
		return nil
	}
	if len(payload)%6 != 0 {
		return aerys.NewProtocolError("bad SETTINGS frame size", 400)
	}
	for i := 0; i+6 <= len(payload); i += 6 {
		id := uint16(payload[i])<<8 | uint16(payload[i+1])
		val := uint32(payload[i+2])<<24 | uint32(payload[i+3])<<16 | uint32(payload[i+4])<<8 | uint32(payload[i+5])
		switch id {
		case SettingsHeaderTableSize:
			d.tables.setEncoderMaxSize(val)
		case SettingsEnablePush:
			d.peerEnablePush.Store(val != 0)
		case SettingsInitialWindowSize:
			d.peerInitWindow.Store(int64(val))
		case SettingsMaxFrameSize:
			d.peerMaxFrame.Store(val)
		}
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return writeSettingsAck(d.conn)
}

func (d *Driver) handleWindowUpdate(h frameHeader, payload []byte) error {
	if len(payload) != 4 {
		return aerys.NewProtocolError("bad WINDOW_UPDATE size", 400)
	}
	inc := int32(payload[0])<<24 | int32(payload[1])<<16 | int32(payload[2])<<8 | int32(payload[3])
	reservedBit := uint32(1) << 31
	inc &^= int32(reservedBit)
	if h.StreamID == 0 {
		d.connSendWindow.Add(int64(inc))
	} else if s, ok := d.streams.Load(h.StreamID); ok {
		s.addSendWindow(inc)
	}
	d.windowMu.Lock()
	d.windowCond.Broadcast()
	d.windowMu.Unlock()
	return nil
}

func (d *Driver) handlePing(h frameHeader, payload []byte) error {
	if h.Flags&FlagAck != 0 {
		return nil
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return writePing(d.conn, payload, true)
}

func (d *Driver) handlePriority(h frameHeader, payload []byte) error {
	if len(payload) != 5 {
		return aerys.NewProtocolError("bad PRIORITY size", 400)
	}
	s, _ := d.streams.LoadOrCompute(h.StreamID, func() *Stream {
		return newStream(h.StreamID, d.peerInitWindow.Load(), DefaultInitialWindowSize)
	})
	dep := uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	s.DependsOn = dep &^ (1 << 31)
	s.Weight = payload[4]
	return nil
}

func (d *Driver) handleRSTStream(h frameHeader, payload []byte) error {
	if s, ok := d.streams.Load(h.StreamID); ok {
		s.mu.Lock()
		s.State = StateClosed
		s.mu.Unlock()
		if s.Req != nil {
			d.client.ReleaseBodyEmitter(h.StreamID)
		}
	}
	return nil
}

func (d *Driver) handleData(h frameHeader, payload []byte) error {
	s, ok := d.streams.Load(h.StreamID)
	if !ok || s.isClosed() {
		return aerys.NewProtocolError("DATA on unknown/closed stream", 400)
	}
	data, err := stripPadding(h.Flags, payload)
	if err != nil {
		return aerys.NewProtocolError("bad padding", 400)
	}
	n := int64(len(payload))
	d.connRecvWindow.Add(-n)

	emitter := d.client.BodyEmitter(h.StreamID, d.client.Options.SoftStreamCap)
	endStream := h.Flags&FlagEndStream != 0

	if len(data) > 0 {
		if s.Req != nil {
			if limit := s.Req.MaxBodySize(); limit >= 0 && s.addRecvBytes(int64(len(data))) > limit {
				emitter.Fail(aerys.NewClientSizeException("body exceeds maxBodySize", limit, limit))
				d.client.ReleaseBodyEmitter(h.StreamID)
				s.mu.Lock()
				s.State = StateClosed
				s.mu.Unlock()
				d.writeMu.Lock()
				err := writeRSTStream(d.conn, h.StreamID, ErrCancel)
				d.writeMu.Unlock()
				return err
			}
		}
		future := emitter.Emit(data)
		go func(n int64) {
			_ = future.Wait(context.Background())
			d.replenishWindow(h.StreamID, n)
		}(n)
	} else {
		d.replenishWindow(h.StreamID, n)
	}
	if endStream {
		emitter.Complete()
		s.transition(true)
	}
	return nil
}

func (d *Driver) replenishWindow(streamID uint32, n int64) {
	if n <= 0 {
		return
	}
	d.connRecvWindow.Add(n)
	d.writeMu.Lock()
	_ = writeWindowUpdate(d.conn, 0, uint32(n))
	if s, ok := d.streams.Load(streamID); ok && !s.isClosed() {
		_ = writeWindowUpdate(d.conn, streamID, uint32(n))
	}
	d.writeMu.Unlock()
}

func (d *Driver) handleHeaders(ctx context.Context, client *aerys.Client, dispatch func(context.Context, *aerys.InternalRequest) (*aerys.Response, error), h frameHeader, payload []byte) error {
	if h.StreamID == 0 || h.StreamID%2 == 0 {
		return aerys.NewProtocolError("invalid client stream id", 400)
	}
	d.lastRecvStreamID.Store(h.StreamID)

	payload, err := stripPadding(h.Flags, payload)
	if err != nil {
		return aerys.NewProtocolError("bad padding", 400)
	}
	if h.Flags&FlagPriority != 0 {
		if len(payload) < 5 {
			return aerys.NewProtocolError("bad PRIORITY in HEADERS", 400)
		}
		payload = payload[5:]
	}

	block := append([]byte(nil), payload...)
	endHeaders := h.Flags&FlagEndHeaders != 0
	for !endHeaders {
		ch, err := readFrameHeader(d.br)
		if err != nil {
			return err
		}
		if ch.Type != FrameContinuation || ch.StreamID != h.StreamID {
			return aerys.NewProtocolError("expected CONTINUATION", 400)
		}
		cp, err := readFramePayload(d.br, ch)
		if err != nil {
			return err
		}
		block = append(block, cp...)
		endHeaders = ch.Flags&FlagEndHeaders != 0
	}

	fields, err := d.tables.decode(block)
	if err != nil {
		return aerys.NewProtocolError("HPACK decode error", 400)
	}

	s := newStream(h.StreamID, d.peerInitWindow.Load(), DefaultInitialWindowSize)
	d.streams.Store(h.StreamID, s)

	req, perr := buildRequestFromFields(client, h.StreamID, fields)
	if perr != nil {
		return perr
	}
	s.Req = req
	s.transition(false)

	emitter := client.BodyEmitter(h.StreamID, client.Options.SoftStreamCap)
	req.AttachBody(emitter)
	client.EnqueueResponse(req)

	if h.Flags&FlagEndStream != 0 {
		emitter.Complete()
		s.transition(true)
	}

	go func() {
		resp, err := dispatch(ctx, req)
		if err != nil || resp == nil {
			status := 500
			var cse *aerys.ClientSizeException
			if errors.As(err, &cse) {
				status = 413
			}
			resp = genericErrorResponse(client, status)
		}
		d.writeResponse(s, req, resp)
	}()
	return nil
}

func buildRequestFromFields(client *aerys.Client, streamID uint32, fields []headerFieldLine) (*aerys.InternalRequest, *aerys.ProtocolError) {
	var method, scheme, authority, path string
	seenRegular := false
	headers := aerys.NewHeaders()
	trace := make([][2]string, 0, len(fields))

	for _, f := range fields {
		trace = append(trace, [2]string{f.Name, f.Value})
		if strings.HasPrefix(f.Name, ":") {
			if seenRegular {
				return nil, aerys.NewProtocolError("pseudo-header after regular header", 400)
			}
			switch f.Name {
			case ":method":
				method = f.Value
			case ":scheme":
				scheme = f.Value
			case ":authority":
				authority = f.Value
			case ":path":
				path = f.Value
			default:
				return nil, aerys.NewProtocolError("unknown pseudo-header", 400)
			}
			continue
		}
		seenRegular = true
		if f.Name == "cookie" {
			headers.Add(f.Name, f.Value)
			continue
		}
		headers.Add(f.Name, f.Value)
	}
	if method == "" || scheme == "" || path == "" {
		return nil, aerys.NewProtocolError("missing required pseudo-header", 400)
	}
	host := authority
	if host == "" {
		host = headers.Get("host")
	}

	uri := aerys.URI{Scheme: scheme, Host: host, Path: path}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		uri.Path = path[:i]
		uri.Query = path[i+1:]
	}

	req := aerys.NewInternalRequest(client, method, uri, "2.0")
	req.Headers = headers
	req.TraceHTTP2 = trace
	req.StreamID = streamID
	req.Cookies = parseCookieHeader(headers.GetAll("cookie"))
	return req, nil
}

func parseCookieHeader(values []string) map[string]string {
	out := make(map[string]string)
	for _, v := range values {
		for _, part := range strings.Split(v, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if i := strings.IndexByte(part, '='); i >= 0 {
				out[part[:i]] = part[i+1:]
			} else {
				out[part] = ""
			}
		}
	}
	return out
}

func genericErrorResponse(client *aerys.Client, status int) *aerys.Response {
	resp := aerys.NewResponse(client.Options.Clock)
	resp.SetStatus(status)
	token := ""
	if client.Options.SendServerToken {
		token = aerys.ServerToken
	}
	body := aerys.MakeGenericBody(status, "", "", "", token, client.Options.Clock.HTTPDate())
	resp.SetHeader("content-type", "text/html; charset=utf-8")
	resp.SetHeader(":aerys-entity-length", strconv.Itoa(len(body)))
	resp.End([]byte(body))
	return resp
}
