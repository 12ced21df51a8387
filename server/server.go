// Package server implements the Server and acceptor lifecycle:
// connection admission, protocol selection by ALPN or
// preface sniffing, and graceful shutdown.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/tcplisten"
	"github.com/xyproto/randomstring"

	"github.com/aerysweb/aerys"
	"github.com/aerysweb/aerys/http1"
	"github.com/aerysweb/aerys/http2"
	"github.com/aerysweb/aerys/vhost"
)

// State is the Server lifecycle state machine.
type State uint32

const (
	Stopped State = iota
	Starting
	Started
	Stopping
)

// Server owns the listener, connection admission accounting, and the
// vhost container used to route each accepted connection.
type Server struct {
	Options   *aerys.Options
	Vhosts    *vhost.Container
	Dispatch  func(ctx context.Context, req *aerys.InternalRequest) (*aerys.Response, error)
	Upgrader  http1.Upgrader // nil if no WebSocket endpoints are configured
	TLSConfig *tls.Config    // nil for plaintext listeners

	state atomic.Uint32

	mu       sync.Mutex
	ln       net.Listener
	perIP    map[string]int
	openConn int64

	clientsMu sync.Mutex
	clients   map[*aerys.Client]struct{}

	shutdownCh chan struct{}
}

// New constructs a Server bound to opts, routing every accepted
// connection through vhosts and dispatch (normally aerys.RunPipeline
// wired to the selected Host's middlewares/responder).
func New(opts *aerys.Options, vhosts *vhost.Container, dispatch func(context.Context, *aerys.InternalRequest) (*aerys.Response, error)) *Server {
	return &Server{
		Options:    opts,
		Vhosts:     vhosts,
		Dispatch:   dispatch,
		perIP:      make(map[string]int),
		clients:    make(map[*aerys.Client]struct{}),
		shutdownCh: make(chan struct{}),
	}
}

func (s *Server) State() State { return State(s.state.Load()) }

func (s *Server) setState(v State) { s.state.Store(uint32(v)) }

// ListenAndServe builds a listener honoring Options.SocketBacklogSize via
// tcplisten and serves it until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	cfg := tcplisten.Config{
		ReusePort:   true,
		DeferAccept: true,
		Backlog:     s.Options.SocketBacklogSize,
	}
	ln, err := cfg.NewListener("tcp4", addr)
	if err != nil {
		return err
	}
	if s.TLSConfig != nil {
		ln = tls.NewListener(ln, s.TLSConfig)
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln until it is closed by Shutdown.
// Only the Started state accepts.
func (s *Server) Serve(ln net.Listener) error {
	s.setState(Starting)
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.setState(Started)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.State() == Stopping {
				return nil
			}
			s.Options.Logger.Error().Err(err).Msg("accept failed")
			return err
		}
		if !s.admit(conn) {
			continue
		}
		go s.serveConn(conn)
	}
}

// admit applies maxConnections and connectionsPerIP admission: a
// rejected connection gets a minimal 503 on HTTP/1 semantics
// (plain bytes, no driver involved) and is closed.
func (s *Server) admit(conn net.Conn) bool {
	ip := hostOf(conn.RemoteAddr())

	s.mu.Lock()
	if s.Options.MaxConnections > 0 && int(s.openConn) >= s.Options.MaxConnections {
		s.mu.Unlock()
		s.Options.Logger.Warn().Int("maxConnections", s.Options.MaxConnections).
			Msg("connection rejected: the number of concurrent connections exceeds maxConnections")
		rejectConnection(conn)
		return false
	}
	if s.Options.ConnectionsPerIP > 0 && s.perIP[ip] >= s.Options.ConnectionsPerIP {
		s.mu.Unlock()
		s.Options.Logger.Warn().Str("clientIP", ip).Int("connectionsPerIP", s.Options.ConnectionsPerIP).
			Msg("connection rejected: the number of connections from this IP exceeds connectionsPerIP")
		rejectConnection(conn)
		return false
	}
	s.openConn++
	s.perIP[ip]++
	s.mu.Unlock()
	return true
}

func (s *Server) release(conn net.Conn) {
	ip := hostOf(conn.RemoteAddr())
	s.mu.Lock()
	s.openConn--
	s.perIP[ip]--
	if s.perIP[ip] <= 0 {
		delete(s.perIP, ip)
	}
	s.mu.Unlock()
}

func rejectConnection(conn net.Conn) {
	_, _ = conn.Write([]byte("HTTP/1.1 503 Service Unavailable\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"))
	_ = conn.Close()
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// serveConn builds a Client, selects a driver by ALPN or preface
// sniffing, and runs it until the connection closes, then releases
// admission accounting and the Client's owned resources.
func (s *Server) serveConn(conn net.Conn) {
	defer s.release(conn)

	// connID exists only for log correlation across a single connection's
	// lifetime; it is never sent to the peer.
	connID := randomstring.CookieFriendlyString(8)

	identity := aerys.ClientIdentity{
		ClientAddr: hostOf(conn.RemoteAddr()),
		ServerAddr: hostOf(conn.LocalAddr()),
	}
	if cp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		identity.ClientPort = cp.Port
	}
	if lp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		identity.ServerPort = lp.Port
	}
	// Only the read side carries the idle deadline: the drivers refresh it
	// per request/frame and the WebSocket gateway clears it on takeover.
	if s.Options.ConnectionTimeoutSecs > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(time.Duration(s.Options.ConnectionTimeoutSecs) * time.Second))
	}
	if ts, ok := conn.(*tls.Conn); ok {
		// The negotiated version and ALPN protocol are only known once the
		// handshake has completed.
		if err := ts.Handshake(); err != nil {
			s.Options.Logger.Debug().Err(err).Str("connId", connID).Msg("tls handshake failed")
			_ = conn.Close()
			return
		}
		identity.IsEncrypted = true
		state := ts.ConnectionState()
		identity.CryptoInfo = tls.VersionName(state.Version)
	}

	client := aerys.NewClient(identity, s.Options, func(p []byte) error {
		_, err := conn.Write(p)
		return err
	}, conn.Close)

	s.trackClient(client)
	defer s.untrackClient(client)

	driver := s.selectDriver(conn, client)
	client.Driver = driver
	if err := driver.Serve(context.Background(), client, s.dispatch()); err != nil {
		s.Options.Logger.Debug().Err(err).Str("connId", connID).Str("clientIP", identity.ClientAddr).
			Msg("connection closed")
	}
}

// dispatch wraps Dispatch so vhost selection happens once the request's
// Host header is known. Selection happens per request, from the request
// target's host or the Host header; the TLS server name (SNI) is not
// consulted.
func (s *Server) dispatch() func(context.Context, *aerys.InternalRequest) (*aerys.Response, error) {
	return func(ctx context.Context, req *aerys.InternalRequest) (*aerys.Response, error) {
		host, ok := s.Vhosts.SelectByRequest(req)
		if !ok {
			resp := aerys.NewResponse(s.Options.Clock)
			resp.SetStatus(404)
			body := aerys.MakeGenericBody(404, "", "no virtual host bound", "", "", s.Options.Clock.HTTPDate())
			resp.SetHeader("content-type", "text/html; charset=utf-8")
			resp.End([]byte(body))
			return resp, nil
		}
		req.Middlewares = host.Middlewares
		req.Responder = host.Responder
		return aerys.RunPipeline(ctx, req)
	}
}

// selectDriver picks HTTP/1.x or HTTP/2: ALPN when TLS
// negotiated a protocol, otherwise sniffing the first bytes for the
// HTTP/2 client preface.
func (s *Server) selectDriver(conn net.Conn, client *aerys.Client) aerys.HttpDriver {
	if ts, ok := conn.(*tls.Conn); ok {
		switch ts.ConnectionState().NegotiatedProtocol {
		case "h2":
			return http2.New(conn, client)
		case "http/1.1", "":
			return http1.New(conn, client, s.Upgrader)
		}
	}

	br := bufio.NewReaderSize(conn, 24)
	peek, err := br.Peek(len(http2.Preface))
	if err == nil && string(peek) == http2.Preface {
		return http2.New(prefixConn{Conn: conn, br: br}, client)
	}
	return http1.New(prefixConn{Conn: conn, br: br}, client, s.Upgrader)
}

// prefixConn lets the HTTP/1 driver read through the bufio.Reader used
// for preface sniffing without losing already-buffered bytes.
type prefixConn struct {
	net.Conn
	br *bufio.Reader
}

func (p prefixConn) Read(b []byte) (int, error) { return p.br.Read(b) }

func (s *Server) trackClient(c *aerys.Client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
}

func (s *Server) untrackClient(c *aerys.Client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

// Shutdown stops accepting new connections, signals GOAWAY/Connection:
// close on every in-flight client, and waits up to
// Options.ShutdownTimeoutSecs for them to drain before force-closing.
func (s *Server) Shutdown(ctx context.Context) error {
	s.setState(Stopping)
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	s.clientsMu.Lock()
	snapshot := make([]*aerys.Client, 0, len(s.clients))
	for c := range s.clients {
		snapshot = append(snapshot, c)
	}
	s.clientsMu.Unlock()
	for _, c := range snapshot {
		if c.Driver != nil {
			c.Driver.Goaway()
		}
	}

	deadline := time.Now().Add(time.Duration(s.Options.ShutdownTimeoutSecs) * time.Second)
	for {
		s.mu.Lock()
		remaining := s.openConn
		s.mu.Unlock()
		if remaining <= 0 {
			break
		}
		if time.Now().After(deadline) {
			s.forceCloseAll()
			break
		}
		select {
		case <-ctx.Done():
			s.forceCloseAll()
			s.setState(Stopped)
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	s.setState(Stopped)
	return nil
}

func (s *Server) forceCloseAll() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		c.MarkDead(aerys.ClosedRD | aerys.ClosedWR)
	}
}
