package aerys

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aerysweb/aerys/bytestream"
)

// responseState tracks the streaming Response lifecycle bitmask.
type responseState uint8

const (
	stateStarted responseState = 1 << iota
	stateStreaming
	stateEnded
)

// CookieFlags carries Set-Cookie attributes; keys are attribute names as
// passed by the caller (lowercased on output).
type CookieFlags map[string]string

type cookieEntry struct {
	value string
	flags CookieFlags
}

// Response is the mutable, user-visible response builder.
// Pseudo-headers (":status", ":reason", ":aerys-entity-length",
// ":aerys-push") live in the same Headers dictionary as ordinary headers
// and are skipped by the protocol drivers when they serialize headers.
type Response struct {
	mu      sync.Mutex
	Status  int
	Reason  string
	Headers *Headers
	cookies map[string]cookieEntry

	state responseState

	// body is populated for in-memory responses built via End directly;
	// streaming responses instead push chunks through onWrite/onEnd.
	body []byte

	onEnd   func(final []byte) *bytestream.Future
	onWrite func(chunk []byte) *bytestream.Future

	pushes map[string]*Headers // :aerys-push, url -> extra headers

	clock *Ticker
}

// NewResponse constructs a 200-OK builder with no body yet.
func NewResponse(clock *Ticker) *Response {
	return &Response{
		Status:  200,
		Headers: NewHeaders(),
		cookies: make(map[string]cookieEntry),
		pushes:  make(map[string]*Headers),
		clock:   clock,
	}
}

func (r *Response) SetStatus(status int)         { r.mu.Lock(); r.Status = status; r.mu.Unlock() }
func (r *Response) SetReason(reason string)      { r.mu.Lock(); r.Reason = reason; r.mu.Unlock() }
func (r *Response) AddHeader(name, value string) { r.Headers.Add(name, value) }
func (r *Response) SetHeader(name, value string) { r.Headers.Set(name, value) }

// SetCookie encodes name/value/flags for Set-Cookie emission, replacing any
// earlier Set-Cookie line for the same name. If max-age is present without
// expires, an expires attribute is synthesized from now+max-age.
func (r *Response) SetCookie(name, value string, flags CookieFlags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cookies[name] = cookieEntry{value: value, flags: flags}
	now := time.Now()
	if r.clock != nil {
		now = time.Unix(r.clock.Unix(), 0)
	}
	var kept []string
	for _, v := range r.Headers.GetAll("set-cookie") {
		if !strings.HasPrefix(v, name+"=") {
			kept = append(kept, v)
		}
	}
	r.Headers.Del("set-cookie")
	for _, v := range kept {
		r.Headers.Add("set-cookie", v)
	}
	r.Headers.Add("set-cookie", EncodeSetCookie(name, value, flags, now))
}

// Push registers a server-push candidate. Same-origin enforcement
// happens in the HTTP/2 driver, which is the
// only component with the originating request's authority in hand.
func (r *Response) Push(url string, extraHeaders *Headers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if extraHeaders == nil {
		extraHeaders = NewHeaders()
	}
	r.pushes[url] = extraHeaders
}

// Pushes returns the registered push candidates.
func (r *Response) Pushes() map[string]*Headers { return r.pushes }

// BindSink wires the streaming write/end callbacks used once a responder
// chooses to stream rather than return a single in-memory body. Neither the
// pipeline nor the protocol drivers call it: the drivers serialize only the
// in-memory body, so chunks passed to Write reach onWrite, not the
// connection.
func (r *Response) BindSink(onWrite func([]byte) *bytestream.Future, onEnd func([]byte) *bytestream.Future) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onWrite = onWrite
	r.onEnd = onEnd
	r.state |= stateStarted | stateStreaming
}

// Write pushes a body chunk through the streaming sink. Programmer error
// (panic) if called on a Response not bound via BindSink, or after End.
func (r *Response) Write(chunk []byte) *bytestream.Future {
	r.mu.Lock()
	if r.state&stateEnded != 0 {
		r.mu.Unlock()
		panic(ErrResponseEnded)
	}
	write := r.onWrite
	r.mu.Unlock()
	if write == nil {
		panic(NewInternalError("Write called on a non-streaming Response"))
	}
	return write(chunk)
}

// End finalizes the response with an optional last chunk. Idempotent:
// calls after the first are no-ops returning an already-successful Future
// with an empty body argument; calling End(nonEmpty) after a prior End
// raises a programmer error.
func (r *Response) End(final []byte) *bytestream.Future {
	r.mu.Lock()
	if r.state&stateEnded != 0 {
		r.mu.Unlock()
		if len(final) != 0 {
			panic(ErrResponseEnded)
		}
		return bytestream.Done(nil)
	}
	r.state |= stateEnded
	if r.onEnd == nil {
		r.body = append(r.body, final...)
		r.mu.Unlock()
		return bytestream.Done(nil)
	}
	end := r.onEnd
	r.mu.Unlock()
	return end(final)
}

// Body returns the in-memory body for non-streaming responses.
func (r *Response) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body
}

// IsStreaming reports whether BindSink was called on this Response.
func (r *Response) IsStreaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state&stateStreaming != 0
}

// statusPhrases is the status -> default reason phrase table.
var statusPhrases = map[int]string{
	100: "Continue", 101: "Switching Protocols",
	200: "OK", 201: "Created", 202: "Accepted", 204: "No Content",
	206: "Partial Content",
	300: "Multiple Choices", 301: "Moved Permanently", 302: "Found",
	303: "See Other", 304: "Not Modified", 307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request", 401: "Unauthorized", 403: "Forbidden",
	404: "Not Found", 405: "Method Not Allowed", 408: "Request Timeout",
	409: "Conflict", 413: "Payload Too Large", 414: "URI Too Long",
	415: "Unsupported Media Type", 426: "Upgrade Required",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error", 501: "Not Implemented",
	502: "Bad Gateway", 503: "Service Unavailable",
	504: "Gateway Timeout", 505: "HTTP Version Not Supported",
}

// ReasonPhrase returns the default reason phrase for a status code.
func ReasonPhrase(status int) string {
	if p, ok := statusPhrases[status]; ok {
		return p
	}
	return "Unknown"
}

// EncodeSetCookie renders a Set-Cookie header value.
// Attribute names are lowercased on output; a bare max-age without an
// explicit expires gets one synthesized from clock-now + max-age seconds.
func EncodeSetCookie(name, value string, flags CookieFlags, now time.Time) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(value)

	hasExpires := false
	for k := range flags {
		if strings.EqualFold(k, "expires") {
			hasExpires = true
		}
	}
	// Deterministic attribute order: emit in the order they'd be declared
	// in a Go map is unstable, so sort for wire stability.
	names := make([]string, 0, len(flags))
	for k := range flags {
		names = append(names, k)
	}
	sortStrings(names)

	for _, k := range names {
		v := flags[k]
		lk := strings.ToLower(k)
		b.WriteString("; ")
		if v == "" {
			b.WriteString(lk)
			continue
		}
		b.WriteString(lk)
		b.WriteByte('=')
		b.WriteString(v)
	}
	if !hasExpires {
		if maxAge, ok := flags["max-age"]; ok {
			if secs, err := strconv.Atoi(maxAge); err == nil {
				exp := now.Add(time.Duration(secs) * time.Second).UTC()
				b.WriteString("; expires=")
				b.WriteString(exp.Format(httpDateFormat))
			}
		}
	}
	return b.String()
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// MakeGenericBody renders the plain-HTML error body:
// `<html>...<h1>CODE REASON</h1>...</html>`.
func MakeGenericBody(status int, reason, subHeading, msg, serverToken, httpDate string) string {
	if reason == "" {
		reason = ReasonPhrase(status)
	}
	var b strings.Builder
	b.WriteString("<html>\n<head>\n<title>")
	fmt.Fprintf(&b, "%d %s", status, reason)
	b.WriteString("</title>\n</head>\n<body>\n<h1>")
	fmt.Fprintf(&b, "%d %s", status, reason)
	b.WriteString("</h1>\n")
	if subHeading != "" {
		b.WriteString("<h3>")
		b.WriteString(subHeading)
		b.WriteString("</h3>\n")
	}
	if msg != "" {
		b.WriteString("<p>")
		b.WriteString(msg)
		b.WriteString("</p>\n")
	}
	b.WriteString("<hr/>\n")
	if serverToken != "" {
		b.WriteString(serverToken)
		if httpDate != "" {
			b.WriteString(" | ")
		}
	}
	b.WriteString(httpDate)
	b.WriteString("\n</body>\n</html>")
	return b.String()
}

// terminalNext adapts a Responder to participate in the middleware chain
// as the innermost "next".
func terminalNext(responder Responder) func(context.Context, *InternalRequest) (*Response, error) {
	return func(ctx context.Context, req *InternalRequest) (*Response, error) {
		return responder(ctx, req)
	}
}
