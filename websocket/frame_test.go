package websocket

import (
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func TestEncodeThenParseUnmaskedFrameRoundTrip(t *testing.T) {
	wire := encodeFrame(OpText, []byte("hello"), true)

	p := newFrameParser(0)
	frames, err := p.Feed(wire)
	assert.NoErr(t, err)
	assert.Eq(t, 1, len(frames))
	assert.Eq(t, OpText, frames[0].opcode)
	assert.True(t, frames[0].fin)
	assert.Eq(t, []byte("hello"), frames[0].payload)
}

func TestParserHandlesMaskedClientFrame(t *testing.T) {
	key := [4]byte{0x11, 0x22, 0x33, 0x44}
	payload := []byte("masked payload")
	masked := append([]byte(nil), payload...)
	unmask(masked, key)

	wire := []byte{0x81, 0x80 | byte(len(payload))}
	wire = append(wire, key[:]...)
	wire = append(wire, masked...)

	p := newFrameParser(0)
	frames, err := p.Feed(wire)
	assert.NoErr(t, err)
	assert.Eq(t, 1, len(frames))
	assert.Eq(t, payload, frames[0].payload)
}

func TestParserFeedsPartialFrameAcrossMultipleCalls(t *testing.T) {
	wire := encodeFrame(OpBinary, []byte("0123456789"), true)
	p := newFrameParser(0)

	frames, err := p.Feed(wire[:3])
	assert.NoErr(t, err)
	assert.Eq(t, 0, len(frames))

	frames, err = p.Feed(wire[3:])
	assert.NoErr(t, err)
	assert.Eq(t, 1, len(frames))
	assert.Eq(t, []byte("0123456789"), frames[0].payload)
}

func TestParserRejectsFragmentedControlFrame(t *testing.T) {
	wire := []byte{0x09, 0x00} // PING, fin=0 (fragmented), len=0
	p := newFrameParser(0)
	_, err := p.Feed(wire)
	assert.NotNil(t, err)
}

func TestParserRejectsFrameExceedingMaxFrameSize(t *testing.T) {
	wire := encodeFrame(OpBinary, make([]byte, 200), true)
	p := newFrameParser(100)
	_, err := p.Feed(wire)
	assert.NotNil(t, err)
}

func TestParserRejectsReservedBits(t *testing.T) {
	wire := []byte{0x80 | 0x40 | byte(OpText), 0x00}
	p := newFrameParser(0)
	_, err := p.Feed(wire)
	assert.NotNil(t, err)
}

func TestEncodeFrameUses16BitLengthForMediumPayload(t *testing.T) {
	payload := make([]byte, 200)
	wire := encodeFrame(OpBinary, payload, true)
	assert.Eq(t, byte(126), wire[1])
}

func TestValidCloseCodeRanges(t *testing.T) {
	assert.True(t, validCloseCode(CloseNormal))
	assert.True(t, validCloseCode(CloseInvalidPayload))
	assert.True(t, validCloseCode(3500))
	assert.False(t, validCloseCode(CloseNoStatus))
	assert.False(t, validCloseCode(CloseAbnormal))
	assert.False(t, validCloseCode(5000))
}
