package http2

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/aerysweb/aerys"
	"github.com/aerysweb/aerys/codec"
)

// writeResponse runs resp through the codec chain and frames the result as
// HEADERS (+ CONTINUATION) and DATA, honoring per-stream and connection
// flow-control windows.
// Before framing anything it resolves any :aerys-push entries into
// PUSH_PROMISEs on the originating stream, restricted to the same
// authority as the originating request.
func (d *Driver) writeResponse(s *Stream, req *aerys.InternalRequest, resp *aerys.Response) {
	defer s.closeLocal()
	defer d.client.ReleaseBodyEmitter(req.StreamID)
	defer d.client.RemovePending(req)

	d.dispatchPushes(s, req, resp)

	entityLength := resp.Headers.Get(":aerys-entity-length")
	if entityLength == "" && !resp.IsStreaming() {
		entityLength = strconv.Itoa(len(resp.Body()))
	}
	dropBody := req.Method == "HEAD" || isNullBodyStatus(resp.Status)

	filters := []codec.Filter{}
	if d.client.Options.DeflateEnable {
		filters = append(filters, codec.NewDeflateFilter(d.client.Options, codec.AcceptsGzip(req.GetHeader("accept-encoding")), "2.0"))
	}
	filters = append(filters, codec.NewNullBodyFilter(dropBody))

	var pendingChunks [][]byte
	var endStream, headersSent bool

	chain := codec.NewChain(filters, func(f codec.Frame) {
		switch f.Kind {
		case codec.FrameHeaders:
			d.sendHeaders(s, req, f.Status, f.Headers, entityLength)
			headersSent = true
		case codec.FrameChunk:
			pendingChunks = append(pendingChunks, f.Chunk)
		case codec.FrameEnd:
			endStream = true
		}
	})

	h := resp.Headers.Clone()
	if h.Get("date") == "" {
		h.Set("date", d.client.Options.Clock.HTTPDate())
	}
	if d.client.Options.SendServerToken && h.Get("server") == "" {
		h.Set("server", aerys.ServerToken)
	}
	err := chain.Feed(codec.HeadersFrame(resp.Status, h))
	if err == nil {
		if body := resp.Body(); len(body) > 0 {
			err = chain.Feed(codec.ChunkFrame(body))
		}
	}
	if err == nil {
		err = chain.Close()
	}
	if err != nil {
		var fe *aerys.FilterException
		if errors.As(err, &fe) {
			req.FilterErrorFlag = true
			req.BadFilterKeys = append(req.BadFilterKeys, fe.FilterKey)
		}
		if !headersSent {
			// Stream untouched on the wire: substitute a generic 500 with
			// no further filtering.
			fallback := genericErrorResponse(d.client, 500)
			d.sendHeaders(s, req, fallback.Status, fallback.Headers.Clone(), strconv.Itoa(len(fallback.Body())))
			d.sendData(s, fallback.Body(), true)
			return
		}
		d.writeMu.Lock()
		_ = writeRSTStream(d.conn, s.ID, ErrInternalError)
		d.writeMu.Unlock()
		return
	}

	for i, chunk := range pendingChunks {
		last := i == len(pendingChunks)-1
		d.sendData(s, chunk, last && endStream)
	}
	if len(pendingChunks) == 0 && endStream {
		d.sendData(s, nil, true)
	}
}

func isNullBodyStatus(status int) bool {
	if status >= 100 && status < 200 {
		return true
	}
	return status == 204 || status == 304
}

func (d *Driver) sendHeaders(s *Stream, req *aerys.InternalRequest, status int, h *aerys.Headers, entityLength string) {
	fields := []hpack.HeaderField{{Name: ":status", Value: strconv.Itoa(status)}}
	switch entityLength {
	case "@":
		h.Del("content-length")
	case "*":
		h.Del("content-length")
	default:
		if entityLength != "" {
			h.Set("content-length", entityLength)
		}
	}
	for _, name := range h.Names() {
		if strings.HasPrefix(name, ":") {
			continue
		}
		for _, v := range h.GetAll(name) {
			fields = append(fields, hpack.HeaderField{Name: name, Value: v})
		}
	}

	maxFrame := int(d.peerMaxFrame.Load())

	// The HPACK encoder's output must hit the wire in encode order, so the
	// encode and the frame writes share one writeMu critical section.
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	block := d.tables.encode(fields)
	if len(block) <= maxFrame {
		_ = writeHeadersFrame(d.conn, s.ID, block, false)
		return
	}
	_ = writeFrameHeader(d.conn, frameHeader{Length: uint32(maxFrame), Type: FrameHeaders, StreamID: s.ID})
	d.conn.Write(block[:maxFrame])
	rest := block[maxFrame:]
	for len(rest) > maxFrame {
		_ = writeFrameHeader(d.conn, frameHeader{Length: uint32(maxFrame), Type: FrameContinuation, StreamID: s.ID})
		d.conn.Write(rest[:maxFrame])
		rest = rest[maxFrame:]
	}
	_ = writeFrameHeader(d.conn, frameHeader{Length: uint32(len(rest)), Type: FrameContinuation, Flags: FlagEndHeaders, StreamID: s.ID})
	d.conn.Write(rest)
}

// sendData writes data as one or more DATA frames, splitting to respect
// min(stream window, connection window) and blocking until WINDOW_UPDATE
// replenishes either window.
func (d *Driver) sendData(s *Stream, data []byte, endStream bool) {
	for {
		if len(data) == 0 {
			if endStream {
				d.writeMu.Lock()
				_ = writeDataFrame(d.conn, s.ID, nil, true)
				d.writeMu.Unlock()
			}
			return
		}
		avail := d.availableWindow(s)
		if avail <= 0 {
			d.waitForWindow()
			continue
		}
		n := int64(len(data))
		if n > avail {
			n = avail
		}
		chunk := data[:n]
		data = data[n:]
		last := len(data) == 0 && endStream

		d.writeMu.Lock()
		_ = writeDataFrame(d.conn, s.ID, chunk, last)
		d.writeMu.Unlock()

		s.consumeSendWindow(n)
		d.connSendWindow.Add(-n)
	}
}

func (d *Driver) availableWindow(s *Stream) int64 {
	sw := s.availableSendWindow()
	cw := d.connSendWindow.Load()
	if cw < 0 {
		cw = 0
	}
	if sw < cw {
		return sw
	}
	return cw
}

func (d *Driver) waitForWindow() {
	// Bounded wait: the cond is broadcast on every WINDOW_UPDATE; a short
	// timeout guards against a peer that never replenishes, in which case
	// the caller re-checks the windows and comes back here.
	done := make(chan struct{})
	go func() {
		d.windowMu.Lock()
		d.windowCond.Wait()
		d.windowMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

// dispatchPushes turns :aerys-push entries into PUSH_PROMISE frames plus
// synthesized internal GET requests dispatched through the normal
// pipeline, restricted to the same authority as the originating request
// and only while the peer has not disabled
// push via SETTINGS_ENABLE_PUSH=0.
func (d *Driver) dispatchPushes(originating *Stream, req *aerys.InternalRequest, resp *aerys.Response) {
	if !d.peerEnablePush.Load() {
		return
	}
	for url, extra := range resp.Pushes() {
		if extra.Get("host") != "" {
			continue // Host override: reject per same-origin restriction.
		}
		if !sameAuthority(req, url) {
			continue
		}
		promisedID := d.nextPushStreamID.Add(2) - 2

		fields := []hpack.HeaderField{
			{Name: ":method", Value: "GET"},
			{Name: ":scheme", Value: req.URI.Scheme},
			{Name: ":authority", Value: req.URI.Host},
			{Name: ":path", Value: url},
		}
		for _, name := range extra.Names() {
			for _, v := range extra.GetAll(name) {
				fields = append(fields, hpack.HeaderField{Name: name, Value: v})
			}
		}

		d.writeMu.Lock()
		block := d.tables.encode(fields)
		_ = writePushPromiseFrame(d.conn, originating.ID, promisedID, block)
		d.writeMu.Unlock()

		pushStream := newStream(promisedID, d.peerInitWindow.Load(), DefaultInitialWindowSize)
		pushStream.State = StateHalfClosedRemote
		d.streams.Store(promisedID, pushStream)

		pushReq := aerys.NewInternalRequest(d.client, "GET", aerys.URI{Scheme: req.URI.Scheme, Host: req.URI.Host, Path: url}, "2.0")
		pushReq.StreamID = promisedID
		pushReq.Headers = extra.Clone()
		pushStream.Req = pushReq

		emitter := d.client.BodyEmitter(promisedID, d.client.Options.SoftStreamCap)
		pushReq.AttachBody(emitter)
		emitter.Complete()
		d.client.EnqueueResponse(pushReq)

		if d.dispatch != nil {
			go func() {
				resp, err := d.dispatch(d.ctx, pushReq)
				if err != nil || resp == nil {
					resp = genericErrorResponse(d.client, 500)
				}
				d.writeResponse(pushStream, pushReq, resp)
			}()
		}
	}
}

// sameAuthority restricts push targets to the originating request's own
// authority and rejects anything shaped like a cross-host URL.
func sameAuthority(req *aerys.InternalRequest, target string) bool {
	if strings.Contains(target, "://") {
		return false
	}
	return !strings.HasPrefix(target, "//")
}
