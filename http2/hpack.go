package http2

import (
	"bytes"

	"golang.org/x/net/http2/hpack"
)

// codecTables owns the per-direction HPACK dynamic tables for one
// connection: hpack.Decoder decodes client-sent header
// blocks into the request dynamic table; hpack.Encoder serializes our
// response header blocks against the response dynamic table. The encoder
// is resized when the peer sends SETTINGS_HEADER_TABLE_SIZE; the decoder
// keeps its initial 4096-byte bound.
type codecTables struct {
	dec *hpack.Decoder
	enc *hpack.Encoder
	buf bytes.Buffer
}

func newCodecTables() *codecTables {
	t := &codecTables{}
	t.dec = hpack.NewDecoder(4096, nil)
	t.enc = hpack.NewEncoder(&t.buf)
	return t
}

func (t *codecTables) setDecoderMaxSize(n uint32) {
	t.dec.SetMaxDynamicTableSize(n)
}

func (t *codecTables) setEncoderMaxSize(n uint32) {
	t.enc.SetMaxDynamicTableSize(n)
}

// decode parses a (possibly CONTINUATION-joined) header block into ordered
// field lines, preserving wire order for HTTP/2's InternalRequest.TraceHTTP2.
func (t *codecTables) decode(block []byte) ([]headerFieldLine, error) {
	t.dec.SetEmitFunc(nil)
	var out []headerFieldLine
	t.dec.SetEmitFunc(func(f hpack.HeaderField) {
		out = append(out, headerFieldLine{Name: f.Name, Value: f.Value})
	})
	if _, err := t.dec.Write(block); err != nil {
		return nil, err
	}
	if err := t.dec.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// encode serializes an ordered list of header fields into an HPACK block.
func (t *codecTables) encode(fields []hpack.HeaderField) []byte {
	t.buf.Reset()
	for _, f := range fields {
		_ = t.enc.WriteField(f)
	}
	out := make([]byte, t.buf.Len())
	copy(out, t.buf.Bytes())
	return out
}
