package http2

import (
	"testing"

	"github.com/gookit/goutil/testutil/assert"
	"golang.org/x/net/http2/hpack"
)

func TestCodecTablesEncodeDecodeRoundTrip(t *testing.T) {
	enc := newCodecTables()
	dec := newCodecTables()

	fields := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/index"},
		{Name: "accept-encoding", Value: "gzip, deflate"},
	}
	block := enc.encode(fields)
	assert.True(t, len(block) > 0)

	got, err := dec.decode(block)
	assert.NoErr(t, err)
	assert.Eq(t, 3, len(got))
	assert.Eq(t, ":method", got[0].Name)
	assert.Eq(t, "GET", got[0].Value)
	assert.Eq(t, ":path", got[1].Name)
	assert.Eq(t, "accept-encoding", got[2].Name)
	assert.Eq(t, "gzip, deflate", got[2].Value)
}

func TestCodecTablesDecoderHonorsMaxDynamicTableSizeUpdate(t *testing.T) {
	enc := newCodecTables()
	dec := newCodecTables()
	dec.setDecoderMaxSize(0)
	enc.setEncoderMaxSize(0)

	block := enc.encode([]hpack.HeaderField{{Name: "x-custom", Value: "v"}})
	got, err := dec.decode(block)
	assert.NoErr(t, err)
	assert.Eq(t, 1, len(got))
	assert.Eq(t, "x-custom", got[0].Name)
}
