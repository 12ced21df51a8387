package http1

import (
	"bufio"
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/aerysweb/aerys"
)

// readRequestHead drives AWAIT_REQUEST_LINE -> AWAIT_HEADERS -> DISPATCH.
// It returns the parsed InternalRequest with a fresh body emitter already
// attached; the caller reads the body via readBody once the request has
// been handed to the pipeline, so a consumer exists before the emitter can
// fill up.
func (d *Driver) readRequestHead(client *aerys.Client) (req *aerys.InternalRequest, emitter *aerys.BodyEmitter, err error) {
	line, err := readCRLFLine(d.br, client.Options.MaxHeaderSize)
	if err != nil {
		return nil, nil, err
	}
	method, target, protocol, perr := parseRequestLine(line, client.Options)
	if perr != nil {
		return nil, nil, perr
	}

	headers, _, herr := readHeaderBlock(d.br, client.Options.MaxHeaderSize)
	if herr != nil {
		return nil, nil, herr
	}

	uri := parseTarget(target)
	req = aerys.NewInternalRequest(client, method, uri, protocol)
	req.Headers = headers
	req.TraceHTTP1 = string(line) + "\r\n" + headersTrace(headers)
	req.Cookies = parseCookies(headers.Get("cookie"))

	if protocol == "1.0" || strings.EqualFold(headers.Get("connection"), "close") {
		d.mu.Lock()
		d.keepAlive = protocol != "1.0" && !strings.EqualFold(headers.Get("connection"), "close")
		d.mu.Unlock()
	}
	if strings.EqualFold(headers.Get("connection"), "keep-alive") {
		d.mu.Lock()
		d.keepAlive = true
		d.mu.Unlock()
	}

	emitter = client.BodyEmitter(0, client.Options.SoftStreamCap)
	req.AttachBody(emitter)

	if expect := headers.Get("expect"); strings.EqualFold(expect, "100-continue") && expectsBody(method, headers) {
		fut := client.WriteBuffer.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"))
		_ = fut.Wait(context.Background())
		_ = client.WriteBuffer.Drain()
	}
	return req, emitter, nil
}

func expectsBody(method string, h *aerys.Headers) bool {
	if h.Get("content-length") != "" {
		return true
	}
	return strings.EqualFold(h.Get("transfer-encoding"), "chunked")
}

func (d *Driver) readBody(client *aerys.Client, req *aerys.InternalRequest, headers *aerys.Headers, emitter *aerys.BodyEmitter) error {
	te := headers.Get("transfer-encoding")
	cl := headers.Get("content-length")

	switch {
	case strings.EqualFold(te, "chunked"):
		return d.readChunkedBody(client, req, headers, emitter)
	case cl != "":
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			emitter.Fail(aerys.NewProtocolError("invalid content-length", 400))
			return aerys.NewProtocolError("invalid content-length", 400)
		}
		return d.readFixedBody(req, emitter, n)
	default:
		emitter.Complete()
		return nil
	}
}

func (d *Driver) readFixedBody(req *aerys.InternalRequest, emitter *aerys.BodyEmitter, total int64) error {
	if total == 0 {
		emitter.Complete()
		return nil
	}
	var delivered int64
	buf := make([]byte, 32*1024)
	for delivered < total {
		limit := req.MaxBodySize()
		if limit >= 0 && delivered >= limit {
			err := aerys.NewClientSizeException("body exceeds maxBodySize", limit, delivered)
			emitter.Fail(err)
			discard(d.br, total-delivered)
			return err
		}
		want := int64(len(buf))
		if rem := total - delivered; rem < want {
			want = rem
		}
		if limit >= 0 {
			if rem := limit - delivered; rem < want {
				want = rem
			}
		}
		n, err := io.ReadFull(d.br, buf[:want])
		if n > 0 {
			delivered += int64(n)
			fut := emitter.Emit(buf[:n])
			_ = fut.Wait(context.Background())
		}
		if err != nil {
			emitter.Fail(aerys.WrapClientException(err))
			return err
		}
	}
	emitter.Complete()
	return nil
}

func (d *Driver) readChunkedBody(client *aerys.Client, req *aerys.InternalRequest, headers *aerys.Headers, emitter *aerys.BodyEmitter) error {
	var delivered int64
	for {
		sizeLine, err := readCRLFLine(d.br, 64)
		if err != nil {
			emitter.Fail(aerys.WrapClientException(err))
			return err
		}
		ext := sizeLine
		if i := indexSemicolon(sizeLine); i >= 0 {
			ext = sizeLine[:i]
		}
		size, err := strconv.ParseInt(string(ext), 16, 64)
		if err != nil || size < 0 {
			err := aerys.NewProtocolError("invalid chunk size", 400)
			emitter.Fail(err)
			return err
		}
		if size == 0 {
			// Trailer fields, merged into headers.
			trailers, _, terr := readHeaderBlock(d.br, client.Options.MaxHeaderSize)
			if terr != nil {
				emitter.Fail(terr)
				return terr
			}
			for _, name := range trailers.Names() {
				for _, v := range trailers.GetAll(name) {
					headers.Add(name, v)
				}
			}
			emitter.Complete()
			return nil
		}
		if limit := req.MaxBodySize(); limit >= 0 && delivered+size > limit {
			err := aerys.NewClientSizeException("chunked body exceeds maxBodySize", limit, delivered)
			emitter.Fail(err)
			return err
		}
		remaining := size
		buf := make([]byte, 32*1024)
		for remaining > 0 {
			want := int64(len(buf))
			if remaining < want {
				want = remaining
			}
			n, err := io.ReadFull(d.br, buf[:want])
			if n > 0 {
				delivered += int64(n)
				remaining -= int64(n)
				fut := emitter.Emit(buf[:n])
				_ = fut.Wait(context.Background())
			}
			if err != nil {
				emitter.Fail(aerys.WrapClientException(err))
				return err
			}
		}
		if _, err := readCRLFLine(d.br, 2); err != nil {
			emitter.Fail(aerys.WrapClientException(err))
			return err
		}
	}
}

func indexSemicolon(b []byte) int {
	for i, c := range b {
		if c == ';' {
			return i
		}
	}
	return -1
}

func discard(br *bufio.Reader, n int64) {
	io.CopyN(io.Discard, br, n)
}

func readCRLFLine(br *bufio.Reader, maxLen int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)
		if maxLen > 0 && len(line) > maxLen {
			return nil, aerys.NewProtocolError("line too long", 414)
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return nil, err
	}
	line = trimCRLF(line)
	return line, nil
}

func trimCRLF(b []byte) []byte {
	n := len(b)
	if n > 0 && b[n-1] == '\n' {
		n--
	}
	if n > 0 && b[n-1] == '\r' {
		n--
	}
	return b[:n]
}

func parseRequestLine(line []byte, opts *aerys.Options) (method, target, protocol string, err *aerys.ProtocolError) {
	s := string(line)
	if s == "" {
		return "", "", "", aerys.NewProtocolError("empty request line", 400)
	}
	parts := strings.SplitN(s, " ", 3)
	if len(parts) != 3 {
		return "", "", "", aerys.NewProtocolError("malformed request line", 400)
	}
	method = parts[0]
	target = parts[1]
	protoStr := parts[2]

	if len(target) > opts.MaxHeaderSize {
		return "", "", "", aerys.NewProtocolError("request target too long", 414)
	}

	if opts.NormalizeMethodCase {
		method = strings.ToUpper(method)
	} else if method != strings.ToUpper(method) {
		return "", "", "", aerys.NewProtocolError("lowercase method not allowed", 501)
	}
	if len(opts.AllowedMethods) > 0 && !opts.AllowedMethods[method] {
		return "", "", "", aerys.NewProtocolError("method not allowed", 501)
	}

	switch protoStr {
	case "HTTP/1.1":
		protocol = "1.1"
	case "HTTP/1.0":
		protocol = "1.0"
	default:
		return "", "", "", aerys.NewProtocolError("unsupported HTTP version", 505)
	}
	return method, target, protocol, nil
}

func readHeaderBlock(br *bufio.Reader, maxHeaderSize int) (*aerys.Headers, int, error) {
	h := aerys.NewHeaders()
	total := 0
	var lastName string
	for {
		line, err := readCRLFLine(br, maxHeaderSize-total)
		if err != nil {
			return nil, total, err
		}
		total += len(line) + 2
		if maxHeaderSize > 0 && total > maxHeaderSize {
			return nil, total, aerys.NewProtocolError("headers too large", 413)
		}
		if len(line) == 0 {
			return h, total, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Obsolete line folding: continuation of the previous value.
			if lastName != "" {
				appendFold(h, lastName, strings.TrimSpace(string(line)))
			}
			continue
		}
		i := indexColon(line)
		if i < 0 {
			return nil, total, aerys.NewProtocolError("malformed header field", 400)
		}
		name := strings.TrimSpace(string(line[:i]))
		value := strings.TrimSpace(string(line[i+1:]))
		h.Add(name, value)
		lastName = name
	}
}

func appendFold(h *aerys.Headers, name, cont string) {
	vs := h.GetAll(name)
	if len(vs) == 0 {
		h.Add(name, cont)
		return
	}
	vs[len(vs)-1] = vs[len(vs)-1] + " " + cont
}

func indexColon(b []byte) int {
	for i, c := range b {
		if c == ':' {
			return i
		}
	}
	return -1
}

func headersTrace(h *aerys.Headers) string {
	var b strings.Builder
	for _, name := range h.Names() {
		for _, v := range h.GetAll(name) {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	return b.String()
}

func parseTarget(target string) aerys.URI {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return aerys.URI{Path: target}
	}
	return aerys.URI{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   u.Port(),
		Path:   u.Path,
		Query:  u.RawQuery,
	}
}

func parseCookies(header string) map[string]string {
	out := make(map[string]string)
	if header == "" {
		return out
	}
	for _, part := range strings.Split(header, ";") {
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
	return out
}
