// Package http1 implements the HTTP/1.0 and HTTP/1.1 connection driver:
// a streaming, chunk-fed parser producing InternalRequest values, and a
// response serializer that writes strictly in request-arrival order to
// honor pipelining.
package http1

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aerysweb/aerys"
	"github.com/aerysweb/aerys/codec"
)

// Upgrader is implemented by protocol gateways (currently only the
// websocket package) that take over a raw connection once the HTTP/1
// driver has recognized an eligible upgrade request and relinquished the
// raw socket. Defined here rather than imported, so http1 has no
// dependency on websocket.
type Upgrader interface {
	IsUpgrade(req *aerys.InternalRequest) bool
	HandleUpgrade(conn net.Conn, br *bufio.Reader, client *aerys.Client, req *aerys.InternalRequest)
}

// Driver implements aerys.HttpDriver for one HTTP/1.x connection.
type Driver struct {
	conn     net.Conn
	br       *bufio.Reader
	client   *aerys.Client
	upgrader Upgrader

	mu        sync.Mutex
	keepAlive bool
	goaway    bool
}

// New constructs an HTTP/1.x driver reading from and writing to conn.
// upgrader may be nil if the server offers no WebSocket endpoints.
func New(conn net.Conn, client *aerys.Client, upgrader Upgrader) *Driver {
	return &Driver{
		conn:      conn,
		br:        bufio.NewReaderSize(conn, 4096),
		client:    client,
		upgrader:  upgrader,
		keepAlive: true,
	}
}

func (d *Driver) Protocol() string { return "1.1" }

// Goaway stops further keep-alive: the connection closes after the
// in-flight response finishes.
func (d *Driver) Goaway() {
	d.mu.Lock()
	d.goaway = true
	d.mu.Unlock()
}

func (d *Driver) shouldClose() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.goaway || !d.keepAlive
}

// Serve implements aerys.HttpDriver. It alternates AWAIT_REQUEST_LINE ->
// AWAIT_HEADERS -> DISPATCH -> AWAIT_BODY, spawning a
// goroutine per request so pipelined requests can be processed
// concurrently while responses are still written back in arrival order.
func (d *Driver) Serve(ctx context.Context, client *aerys.Client, dispatch func(context.Context, *aerys.InternalRequest) (*aerys.Response, error)) error {
	defer client.MarkDead(aerys.ClosedRD | aerys.ClosedWR)

	for {
		if secs := client.Options.ConnectionTimeoutSecs; secs > 0 {
			_ = d.conn.SetReadDeadline(time.Now().Add(time.Duration(secs) * time.Second))
		}
		req, emitter, err := d.readRequestHead(client)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Idle past connectionTimeout: close without a response.
				return nil
			}
			client.Options.Logger.Debug().Err(err).Msg("http1: closing connection after request error")
			d.writeProtocolError(client, err)
			return err
		}

		if d.upgrader != nil && d.upgrader.IsUpgrade(req) {
			d.upgrader.HandleUpgrade(d.conn, d.br, client, req)
			return nil
		}

		// Dispatch before AWAIT_BODY so a consumer exists to drain the
		// emitter; large bodies would otherwise wedge on backpressure.
		client.EnqueueResponse(req)
		go d.handleOne(ctx, client, req, dispatch)

		bodyErr := d.readBody(client, req, req.Headers, emitter)
		client.ReleaseBodyEmitter(0)

		if bodyErr != nil {
			// Oversize body that was never upgraded in time: drain the
			// response queue, then close.
			d.drainAndClose(client)
			return bodyErr
		}
		if d.shouldClose() {
			d.drainAndClose(client)
			return nil
		}
	}
}

func (d *Driver) handleOne(ctx context.Context, client *aerys.Client, req *aerys.InternalRequest, dispatch func(context.Context, *aerys.InternalRequest) (*aerys.Response, error)) {
	resp, err := dispatch(ctx, req)
	if err != nil || resp == nil {
		status := 500
		var cse *aerys.ClientSizeException
		if errors.As(err, &cse) {
			status = 413
		}
		resp = genericErrorResponse(client, status, "")
	}
	d.writeInOrder(client, req, resp)
}

// writeInOrder blocks until req is at the head of the client's pending
// FIFO, then serializes resp through the codec chain and onto the wire.
func (d *Driver) writeInOrder(client *aerys.Client, req *aerys.InternalRequest, resp *aerys.Response) {
	for client.OldestPending() != req {
		if client.IsDead() {
			return
		}
		// Cooperative spin: in practice responses complete at wildly
		// different rates; a condition variable per Client would avoid
		// the poll, but keeps this driver lock-free against the FIFO.
		yieldToScheduler()
	}
	defer client.PopPending()

	preFlushed := client.WriteBuffer.Flushed()
	err := d.writeResponse(client, req, resp)
	if err == nil {
		return
	}
	var fe *aerys.FilterException
	if errors.As(err, &fe) {
		req.FilterErrorFlag = true
		req.BadFilterKeys = append(req.BadFilterKeys, fe.FilterKey)
		if client.WriteBuffer.Flushed() == preFlushed {
			// Nothing reached the wire yet: drop the half-built response
			// and substitute a generic 500.
			client.WriteBuffer.Discard()
			if werr := d.writeResponse(client, req, genericErrorResponse(client, 500, "")); werr == nil {
				return
			}
		}
	}
	client.MarkDead(aerys.ClosedWR)
}

func (d *Driver) writeResponse(client *aerys.Client, req *aerys.InternalRequest, resp *aerys.Response) error {
	entityLength := resp.Headers.Get(":aerys-entity-length")
	if entityLength == "" && !resp.IsStreaming() {
		entityLength = strconv.Itoa(len(resp.Body()))
	}
	status := resp.Status
	reason := resp.Headers.Get(":reason")
	if reason == "" {
		reason = resp.Reason
	}

	dropBody := req.Method == "HEAD" || isNullBodyStatus(status)

	filters := []codec.Filter{}
	if client.Options.DeflateEnable {
		filters = append(filters, codec.NewDeflateFilter(client.Options, codec.AcceptsGzip(req.GetHeader("accept-encoding")), req.Protocol))
	}
	filters = append(filters, codec.NewNullBodyFilter(dropBody))
	if req.Protocol == "1.1" {
		filters = append(filters, codec.NewChunkedEncodingFilter())
	}

	var headErr error
	chain := codec.NewChain(filters, func(f codec.Frame) {
		switch f.Kind {
		case codec.FrameHeaders:
			headErr = d.writeHeadAndMaybeUpgrade(client, req, status, reason, f.Headers, entityLength)
		case codec.FrameChunk:
			fut := client.WriteBuffer.Write(f.Chunk)
			_ = fut.Wait(context.Background())
		case codec.FrameEnd:
			_ = client.WriteBuffer.Drain()
		}
	})

	h := resp.Headers.Clone()
	applyCommonHeaders(client, req, h, entityLength)
	if err := chain.Feed(codec.HeadersFrame(status, h)); err != nil {
		return err
	}
	if headErr != nil {
		return headErr
	}
	body := resp.Body()
	if len(body) > 0 {
		if err := chain.Feed(codec.ChunkFrame(body)); err != nil {
			return err
		}
	}
	if err := chain.Close(); err != nil {
		return err
	}
	return client.WriteBuffer.Drain()
}

func applyCommonHeaders(client *aerys.Client, req *aerys.InternalRequest, h *aerys.Headers, entityLength string) {
	if h.Get("date") == "" {
		h.Set("date", client.Options.Clock.HTTPDate())
	}
	if client.Options.SendServerToken && h.Get("server") == "" {
		h.Set("server", aerys.ServerToken)
	}
	switch entityLength {
	case "@":
		h.Del("content-length")
	case "*":
		if req.Protocol == "1.1" {
			h.Set("transfer-encoding", "chunked")
		} else {
			h.Set("connection", "close")
		}
	default:
		if entityLength != "" {
			h.Set("content-length", entityLength)
		}
	}
	if req.Protocol == "1.0" && h.Get("connection") == "" {
		h.Set("connection", "close")
	}
}

func (d *Driver) writeHeadAndMaybeUpgrade(client *aerys.Client, req *aerys.InternalRequest, status int, reason string, h *aerys.Headers, entityLength string) error {
	if reason == "" {
		reason = aerys.ReasonPhrase(status)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/%s %d %s\r\n", req.Protocol, status, reason)
	for name, values := range h.All() {
		if strings.HasPrefix(name, ":") {
			continue
		}
		for _, v := range values {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")
	fut := client.WriteBuffer.Write([]byte(b.String()))
	return fut.Wait(context.Background())
}

func isNullBodyStatus(status int) bool {
	if status >= 100 && status < 200 {
		return true
	}
	return status == 204 || status == 304
}

// genericErrorResponse builds the plain-HTML error body for status: 500 for
// a filter/handler fault, 413 for an oversize body, or a protocol error's
// 4xx status.
func genericErrorResponse(client *aerys.Client, status int, msg string) *aerys.Response {
	resp := aerys.NewResponse(client.Options.Clock)
	resp.SetStatus(status)
	token := ""
	if client.Options.SendServerToken {
		token = aerys.ServerToken
	}
	body := aerys.MakeGenericBody(status, "", "", msg, token, client.Options.Clock.HTTPDate())
	resp.SetHeader("content-type", "text/html; charset=utf-8")
	resp.SetHeader(":aerys-entity-length", strconv.Itoa(len(body)))
	resp.End([]byte(body))
	return resp
}

func (d *Driver) writeProtocolError(client *aerys.Client, err error) {
	status := 400
	if pe, ok := err.(*aerys.ProtocolError); ok && pe.Status != 0 {
		status = pe.Status
	}
	resp := genericErrorResponse(client, status, "")
	req := aerys.NewInternalRequest(client, "GET", aerys.URI{}, "1.1")
	client.EnqueueResponse(req)
	d.writeInOrder(client, req, resp)
}

func (d *Driver) drainAndClose(client *aerys.Client) {
	for client.PendingCount() > 0 {
		yieldToScheduler()
		if client.IsDead() {
			break
		}
	}
}

func yieldToScheduler() {
	// Connections carry at most a handful of pipelined requests, so a
	// short poll interval avoids pulling in a dedicated condition
	// variable just for this internal ordering wait.
	time.Sleep(time.Millisecond)
}
