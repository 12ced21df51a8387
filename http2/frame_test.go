package http2

import (
	"bytes"
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	h := frameHeader{Length: 12345, Type: FrameHeaders, Flags: FlagEndHeaders | FlagEndStream, StreamID: 7}

	var buf bytes.Buffer
	assert.NoErr(t, writeFrameHeader(&buf, h))
	assert.Eq(t, 9, buf.Len())

	got, err := readFrameHeader(&buf)
	assert.NoErr(t, err)
	assert.Eq(t, h, got)
}

func TestFrameHeaderMasksReservedStreamIDBit(t *testing.T) {
	h := frameHeader{Length: 1, Type: FrameData, StreamID: 1<<31 | 3}

	var buf bytes.Buffer
	assert.NoErr(t, writeFrameHeader(&buf, h))

	got, err := readFrameHeader(&buf)
	assert.NoErr(t, err)
	assert.Eq(t, uint32(3), got.StreamID)
}

func TestReadFramePayloadReadsExactLength(t *testing.T) {
	r := bytes.NewReader([]byte("hello world, trailing garbage"))
	payload, err := readFramePayload(r, frameHeader{Length: 11})
	assert.NoErr(t, err)
	assert.Eq(t, []byte("hello world"), payload)
}

func TestStripPaddingRemovesTrailingPadBytes(t *testing.T) {
	payload := []byte{2, 'a', 'b', 'c', 0, 0}
	out, err := stripPadding(FlagPadded, payload)
	assert.NoErr(t, err)
	assert.Eq(t, []byte("abc"), out)
}

func TestStripPaddingNoopWithoutFlag(t *testing.T) {
	payload := []byte("abc")
	out, err := stripPadding(0, payload)
	assert.NoErr(t, err)
	assert.Eq(t, []byte("abc"), out)
}

func TestStripPaddingRejectsPadLengthExceedingPayload(t *testing.T) {
	payload := []byte{5, 'a'}
	_, err := stripPadding(FlagPadded, payload)
	assert.NotNil(t, err)
}
