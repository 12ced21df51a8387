package aerys

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
)

// URI holds the parsed parts of a request target.
type URI struct {
	Scheme string
	Host   string
	Port   string
	Path   string
	Query  string
}

// Middleware wraps the next pipeline stage, able to inspect or override the
// produced Response. Next invokes the remainder
// of the chain (the next middleware, or the terminal responder) and
// returns its Response.
type Middleware func(ctx context.Context, req *InternalRequest, next func(context.Context, *InternalRequest) (*Response, error)) (*Response, error)

// Responder is the terminal stage of a request pipeline: the application
// handler that produces a Response.
type Responder func(ctx context.Context, req *InternalRequest) (*Response, error)

// InternalRequest is the server-side canonical representation of an
// in-flight request. It is immutable after
// construction except for Locals, the body-size bound (raised by
// UpgradeBodySize), FilterErrorFlag, and MiddlewareIndex.
type InternalRequest struct {
	Method   string
	URI      URI
	Protocol string // "1.0", "1.1", "2.0"
	Headers  *Headers
	Cookies  map[string]string

	// Trace carries wire fidelity: the literal header block for HTTP/1,
	// or the ordered [name, value] pairs as received for HTTP/2.
	TraceHTTP1 string
	TraceHTTP2 [][2]string

	StreamID uint32 // 0 for HTTP/1; odd, client-initiated for HTTP/2

	Time     int64
	HTTPDate string

	// maxBodySize is read by the driver's body loop while the pipeline
	// goroutine may concurrently raise it via UpgradeBodySize.
	maxBodySize atomic.Int64

	Body *Message

	Middlewares     []Middleware
	MiddlewareIndex int
	Responder       Responder

	FilterErrorFlag bool
	BadFilterKeys   []string

	Locals map[string]any

	Client *Client

	// bodyEmitter is the owning emitter backing Body, set by AttachBody.
	bodyEmitter *BodyEmitter

	queryOnce sync.Once
	query     map[string][]string
	queryErr  error
}

// NewInternalRequest builds a request record stamped with the clock's
// current time/date.
func NewInternalRequest(client *Client, method string, uri URI, protocol string) *InternalRequest {
	r := &InternalRequest{
		Method:   method,
		URI:      uri,
		Protocol: protocol,
		Headers:  NewHeaders(),
		Cookies:  make(map[string]string),
		Time:     client.Options.Clock.Unix(),
		HTTPDate: client.Options.Clock.HTTPDate(),
		Locals:   make(map[string]any),
		Client:   client,
	}
	r.maxBodySize.Store(client.Options.MaxBodySize)
	return r
}

// AttachBody wires a BodyEmitter as this request's body source.
func (r *InternalRequest) AttachBody(e *BodyEmitter) {
	r.bodyEmitter = e
	r.Body = NewMessage(e)
}

// MaxBodySize returns the request's effective body-size limit.
func (r *InternalRequest) MaxBodySize() int64 { return r.maxBodySize.Load() }

// UpgradeBodySize raises the body-size limit mid-stream: the Body handle
// keeps a stable identity while its underlying producer bound changes
// without replacing Body itself (the driver consults MaxBodySize directly
// when deciding whether to keep emitting).
func (r *InternalRequest) UpgradeBodySize(n int64) {
	for {
		cur := r.maxBodySize.Load()
		if n <= cur {
			return
		}
		if r.maxBodySize.CompareAndSwap(cur, n) {
			return
		}
	}
}

// --- Application API ---

func (r *InternalRequest) GetMethod() string          { return r.Method }
func (r *InternalRequest) GetURI() URI                { return r.URI }
func (r *InternalRequest) GetProtocolVersion() string { return r.Protocol }
func (r *InternalRequest) GetHeader(name string) string {
	return r.Headers.Get(name)
}
func (r *InternalRequest) GetHeaderArray(name string) []string {
	return r.Headers.GetAll(name)
}
func (r *InternalRequest) GetAllHeaders() map[string][]string {
	return r.Headers.All()
}
func (r *InternalRequest) GetBody() *Message { return r.Body }

func (r *InternalRequest) parseQuery() {
	r.queryOnce.Do(func() {
		r.query, r.queryErr = ParseQuery(r.URI.Query, r.Client.Options.MaxInputVars)
	})
}

// GetParam returns the first value for the named query parameter.
func (r *InternalRequest) GetParam(name string) (string, error) {
	r.parseQuery()
	if r.queryErr != nil {
		return "", r.queryErr
	}
	vs := r.query[name]
	if len(vs) == 0 {
		return "", nil
	}
	return vs[0], nil
}

// GetAllParams returns every query parameter with its ordered value list.
func (r *InternalRequest) GetAllParams() (map[string][]string, error) {
	r.parseQuery()
	return r.query, r.queryErr
}

func (r *InternalRequest) GetCookie(name string) (string, bool) {
	v, ok := r.Cookies[name]
	return v, ok
}

func (r *InternalRequest) GetLocalVar(name string) (any, bool) {
	v, ok := r.Locals[name]
	return v, ok
}

func (r *InternalRequest) SetLocalVar(name string, v any) { r.Locals[name] = v }

func (r *InternalRequest) GetConnectionInfo() ClientIdentity {
	return r.Client.Identity
}

func (r *InternalRequest) GetOption(name string) (any, error) {
	return r.Client.Options.GetOption(name)
}

// ParseQuery parses an application/x-www-form-urlencoded query string:
// pairs split on '&' then '=', percent-decoded, repeated keys
// preserved in insertion order, bounded by maxInputVars.
func ParseQuery(raw string, maxInputVars int) (map[string][]string, error) {
	out := make(map[string][]string)
	count := 0
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		var k, v string
		if i := strings.IndexByte(part, '='); i >= 0 {
			k, v = part[:i], part[i+1:]
		} else {
			k = part
		}
		dk, err := url.QueryUnescape(k)
		if err != nil {
			dk = k
		}
		dv, err := url.QueryUnescape(v)
		if err != nil {
			dv = v
		}
		if _, exists := out[dk]; !exists {
			count++
			if maxInputVars > 0 && count > maxInputVars {
				return nil, NewClientSizeException("too many input vars", int64(maxInputVars), int64(count))
			}
		}
		out[dk] = append(out[dk], dv)
	}
	return out, nil
}
