package codec

import (
	"regexp"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/aerysweb/aerys"
)

// gzipWriterPool pools *gzip.Writer instances; the codec always compresses
// at gzip.DefaultCompression so a single pool suffices.
var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.DefaultCompression)
		return w
	},
}

// DeflateFilter applies gzip compression gated on Accept-Encoding, a
// content-type allowlist regex (memoized through the Options' bounded
// LRU), and a minimum-length threshold. Bodies that end before crossing
// the threshold pass through unmodified and uncompressed.
type DeflateFilter struct {
	opts        *aerys.Options
	contentType *regexp.Regexp
	minLength   int
	bufSize     int
	protocol    string // "1.0" or "1.1"
	acceptsGzip bool

	// decided once the first Headers frame arrives.
	eligible bool
	headers  *aerys.Headers
	status   int

	buffered    []byte
	gz          *gzip.Writer
	gzBuf       *countingWriter
	compressing bool
}

// NewDeflateFilter constructs a filter scoped to one response; acceptsGzip
// reflects the request's Accept-Encoding header, protocol the HTTP
// version in force (only used to pick Transfer-Encoding vs Connection
// header on engaging compression under HTTP/1).
func NewDeflateFilter(opts *aerys.Options, acceptsGzip bool, protocol string) *DeflateFilter {
	return &DeflateFilter{
		opts:        opts,
		contentType: opts.DeflateContentTypes,
		minLength:   opts.DeflateMinimumLength,
		bufSize:     opts.DeflateBufferSize,
		protocol:    protocol,
		acceptsGzip: acceptsGzip,
	}
}

func (f *DeflateFilter) Name() string { return "deflateResponseFilter" }

func (f *DeflateFilter) Handle(frame Frame, emit Emit) error {
	switch frame.Kind {
	case FrameHeaders:
		return f.handleHeaders(frame, emit)
	case FrameChunk:
		return f.handleChunk(frame, emit)
	case FrameFlush:
		if !f.eligible {
			emit(frame)
		}
		return nil
	case FrameEnd:
		return f.handleEnd(emit)
	}
	return nil
}

func (f *DeflateFilter) handleHeaders(frame Frame, emit Emit) error {
	if !f.opts.DeflateEnable || !f.acceptsGzip || f.contentType == nil {
		emit(frame)
		return nil
	}
	if frame.Headers.Get("content-encoding") != "" {
		// Already encoded upstream; never double-compress.
		emit(frame)
		return nil
	}
	ct := frame.Headers.Get("content-type")
	match, ok := f.opts.DeflateDecision(ct)
	if !ok {
		match = f.contentType.MatchString(ct)
		f.opts.StoreDeflateDecision(ct, match)
	}
	if !match {
		emit(frame)
		return nil
	}
	// Hold the Headers frame: whether it is mutated depends on whether the
	// body actually crosses minLength.
	f.eligible = true
	f.headers = frame.Headers
	f.status = frame.Status
	return nil
}

func (f *DeflateFilter) handleChunk(frame Frame, emit Emit) error {
	if !f.eligible {
		emit(frame)
		return nil
	}
	if f.compressing {
		return f.compressChunk(frame.Chunk, emit)
	}
	f.buffered = append(f.buffered, frame.Chunk...)
	if len(f.buffered) < f.minLength {
		return nil
	}
	f.engage(emit)
	pending := f.buffered
	f.buffered = nil
	return f.compressChunk(pending, emit)
}

// engage finalizes the mutated Headers frame and starts the gzip writer
// once the body has crossed minLength.
func (f *DeflateFilter) engage(emit Emit) {
	h := f.headers
	h.Del("content-length")
	h.Set("content-encoding", "gzip")
	if f.protocol == "1.1" {
		h.Set("transfer-encoding", "chunked")
	} else {
		h.Set("connection", "close")
	}
	h.Set(":aerys-entity-length", "*")
	emit(HeadersFrame(f.status, h))

	w, _ := gzipWriterPool.Get().(*gzip.Writer)
	buf := &countingWriter{}
	w.Reset(buf)
	f.gz = w
	f.gzBuf = buf
	f.compressing = true
}

func (f *DeflateFilter) compressChunk(data []byte, emit Emit) error {
	for len(data) > 0 {
		n := len(data)
		if n > f.bufSize {
			n = f.bufSize
		}
		if _, err := f.gz.Write(data[:n]); err != nil {
			return aerys.WrapInternalError(err)
		}
		data = data[n:]
		if f.gzBuf.Len() > 0 {
			emit(ChunkFrame(f.gzBuf.Take()))
		}
	}
	return nil
}

func (f *DeflateFilter) handleEnd(emit Emit) error {
	if !f.eligible {
		emit(EndFrame())
		return nil
	}
	if !f.compressing {
		// Never crossed minLength: pass through uncompressed, original
		// headers, buffered body flushed as-is.
		emit(HeadersFrame(f.status, f.headers))
		if len(f.buffered) > 0 {
			emit(ChunkFrame(f.buffered))
		}
		emit(EndFrame())
		return nil
	}
	if err := f.gz.Close(); err != nil {
		return aerys.WrapInternalError(err)
	}
	if f.gzBuf.Len() > 0 {
		emit(ChunkFrame(f.gzBuf.Take()))
	}
	gzipWriterPool.Put(f.gz)
	f.gz = nil
	emit(EndFrame())
	return nil
}

// countingWriter is a tiny io.Writer sink used to pull compressed bytes
// out of *gzip.Writer one flush at a time.
type countingWriter struct {
	buf []byte
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *countingWriter) Len() int { return len(w.buf) }

func (w *countingWriter) Take() []byte {
	b := w.buf
	w.buf = nil
	return b
}

// AcceptsGzip inspects an Accept-Encoding header value for a gzip token.
func AcceptsGzip(acceptEncoding string) bool {
	for _, tok := range strings.Split(acceptEncoding, ",") {
		tok = strings.TrimSpace(tok)
		if i := strings.IndexByte(tok, ';'); i >= 0 {
			tok = tok[:i]
		}
		if strings.EqualFold(tok, "gzip") {
			return true
		}
	}
	return false
}
