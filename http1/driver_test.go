package http1

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"

	"github.com/aerysweb/aerys"
)

// newPipedDriver wires a Driver to one end of a net.Pipe and an
// aerys.Client whose write buffer flushes to the same end, returning the
// other end for the test to act as the remote peer.
func newPipedDriver(t *testing.T, opts *aerys.Options) (*Driver, *aerys.Client, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	cl := aerys.NewClient(aerys.ClientIdentity{}, opts, func(b []byte) error {
		_, err := server.Write(b)
		return err
	}, func() error { return server.Close() })

	return New(server, cl, nil), cl, client
}

func TestDriverServesSingleRequestAndClosesOnConnectionClose(t *testing.T) {
	opts := aerys.NewOptions(aerys.WithSoftStreamCap(4096))
	defer opts.Clock.Stop()

	drv, cl, client := newPipedDriver(t, opts)

	var gotMethod, gotPath string
	dispatch := func(ctx context.Context, req *aerys.InternalRequest) (*aerys.Response, error) {
		gotMethod = req.Method
		gotPath = req.URI.Path
		resp := aerys.NewResponse(opts.Clock)
		resp.SetStatus(200)
		resp.SetHeader("content-type", "text/plain")
		resp.SetHeader(":aerys-entity-length", "2")
		resp.End([]byte("hi"))
		return resp, nil
	}

	serveDone := make(chan error, 1)
	go func() { serveDone <- drv.Serve(context.Background(), cl, dispatch) }()

	_, err := client.Write([]byte("GET /hello HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))
	assert.NoErr(t, err)

	raw, err := io.ReadAll(client)
	assert.NoErr(t, err)

	select {
	case <-serveDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve never returned")
	}

	assert.Eq(t, "GET", gotMethod)
	assert.Eq(t, "/hello", gotPath)

	resp := string(raw)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n"))
	assert.True(t, strings.Contains(resp, "content-type: text/plain\r\n"))
	assert.True(t, strings.HasSuffix(resp, "\r\n\r\nhi"))
}

func TestDriverPipelinesResponsesInRequestOrder(t *testing.T) {
	opts := aerys.NewOptions()
	defer opts.Clock.Stop()

	drv, cl, client := newPipedDriver(t, opts)

	dispatch := func(ctx context.Context, req *aerys.InternalRequest) (*aerys.Response, error) {
		resp := aerys.NewResponse(opts.Clock)
		resp.SetStatus(200)
		body := []byte(req.URI.Path)
		resp.SetHeader(":aerys-entity-length", strconv.Itoa(len(body)))
		// Slower requests (first one) shouldn't jump the pipelining queue
		// ahead of faster ones queued after it, or behind.
		if req.URI.Path == "/first" {
			time.Sleep(20 * time.Millisecond)
		}
		resp.End(body)
		return resp, nil
	}

	serveDone := make(chan error, 1)
	go func() { serveDone <- drv.Serve(context.Background(), cl, dispatch) }()

	req := "GET /first HTTP/1.1\r\nHost: h\r\n\r\n" +
		"GET /second HTTP/1.1\r\nHost: h\r\n\r\n" +
		"GET /third HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n"
	_, err := client.Write([]byte(req))
	assert.NoErr(t, err)

	raw, err := io.ReadAll(client)
	assert.NoErr(t, err)

	select {
	case <-serveDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve never returned")
	}

	resp := string(raw)
	firstIdx := strings.Index(resp, "/first")
	secondIdx := strings.Index(resp, "/second")
	thirdIdx := strings.Index(resp, "/third")
	assert.True(t, firstIdx >= 0 && secondIdx > firstIdx && thirdIdx > secondIdx)
}

func TestDriverRejectsOversizeBodyWithClientSizeException(t *testing.T) {
	opts := aerys.NewOptions(aerys.WithMaxBodySize(4))
	defer opts.Clock.Stop()

	drv, cl, client := newPipedDriver(t, opts)

	dispatchCalled := false
	dispatch := func(ctx context.Context, req *aerys.InternalRequest) (*aerys.Response, error) {
		dispatchCalled = true
		_, err := req.Body.Buffer(ctx)
		assert.NotNil(t, err)
		resp := aerys.NewResponse(opts.Clock)
		resp.SetStatus(200)
		resp.End(nil)
		return resp, nil
	}

	serveDone := make(chan error, 1)
	go func() { serveDone <- drv.Serve(context.Background(), cl, dispatch) }()

	reqLine := "POST /upload HTTP/1.1\r\nHost: h\r\nContent-Length: 1000\r\n\r\n"
	_, err := client.Write([]byte(reqLine))
	assert.NoErr(t, err)
	go func() { _, _ = client.Write([]byte(strings.Repeat("x", 1000))) }()

	_, _ = io.ReadAll(client)

	select {
	case <-serveDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve never returned")
	}
	assert.True(t, dispatchCalled)
}
