// Package vhost implements virtual host selection: a
// server binds multiple named hosts to one accepted socket and looks them
// up by TLS SNI (SelectBySNI) or by the request's host (SelectByRequest).
package vhost

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/aerysweb/aerys"
)

// Host is one bound virtual host: its own middleware chain and
// terminal responder, reachable under Name.
type Host struct {
	Name        string
	Middlewares []aerys.Middleware
	Responder   aerys.Responder
}

// Container maps host names to Host records. Lookups happen on every
// accepted connection (SNI) and potentially every request (Host header),
// so the map uses xsync for lock-free reads.
type Container struct {
	hosts    *xsync.MapOf[string, *Host]
	fallback string
}

// NewContainer builds an empty container. fallbackHost names the Host
// selected when neither SNI nor the Host header matches a bound name (the
// configured DefaultHost).
func NewContainer(fallbackHost string) *Container {
	return &Container{
		hosts:    xsync.NewMapOf[string, *Host](),
		fallback: fallbackHost,
	}
}

// Bind registers host under its own Name, replacing any prior binding of
// the same name.
func (c *Container) Bind(host *Host) {
	c.hosts.Store(normalize(host.Name), host)
}

// Unbind removes a previously bound host.
func (c *Container) Unbind(name string) {
	c.hosts.Delete(normalize(name))
}

// SelectBySNI resolves a Host purely from the TLS ClientHello's server
// name, before any bytes of the HTTP request itself have been read. The
// server package does not call it; its dispatch uses SelectByRequest.
func (c *Container) SelectBySNI(serverName string) (*Host, bool) {
	return c.lookup(serverName)
}

// SelectByRequest resolves a Host for req using the request target's host,
// else the Host header (port stripped), falling back to the configured
// default if no binding matches.
func (c *Container) SelectByRequest(req *aerys.InternalRequest) (*Host, bool) {
	host := req.URI.Host
	if host == "" {
		host = req.GetHeader("host")
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
	}
	if h, ok := c.lookup(host); ok {
		return h, true
	}
	return c.lookup(c.fallback)
}

func (c *Container) lookup(name string) (*Host, bool) {
	if name == "" {
		return nil, false
	}
	h, ok := c.hosts.Load(normalize(name))
	return h, ok
}

func normalize(name string) string { return strings.ToLower(name) }
