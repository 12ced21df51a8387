package http2

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func TestWriteSettingsEncodesEachParamAsSixBytes(t *testing.T) {
	var buf bytes.Buffer
	assert.NoErr(t, writeSettings(&buf, []settingParam{
		{ID: SettingsInitialWindowSize, Value: 65535},
		{ID: SettingsMaxConcurrentStreams, Value: 100},
	}))

	h, err := readFrameHeader(&buf)
	assert.NoErr(t, err)
	assert.Eq(t, FrameSettings, h.Type)
	assert.Eq(t, uint32(12), h.Length)

	payload, err := readFramePayload(&buf, h)
	assert.NoErr(t, err)
	assert.Eq(t, SettingsInitialWindowSize, binary.BigEndian.Uint16(payload[0:2]))
	assert.Eq(t, uint32(65535), binary.BigEndian.Uint32(payload[2:6]))
	assert.Eq(t, SettingsMaxConcurrentStreams, binary.BigEndian.Uint16(payload[6:8]))
	assert.Eq(t, uint32(100), binary.BigEndian.Uint32(payload[8:12]))
}

func TestWriteGoAwayEncodesStreamIDAndErrorCode(t *testing.T) {
	var buf bytes.Buffer
	assert.NoErr(t, writeGoAway(&buf, 41, ErrProtocolError, []byte("bye")))

	h, err := readFrameHeader(&buf)
	assert.NoErr(t, err)
	assert.Eq(t, FrameGoAway, h.Type)

	payload, err := readFramePayload(&buf, h)
	assert.NoErr(t, err)
	assert.Eq(t, uint32(41), binary.BigEndian.Uint32(payload[0:4]))
	assert.Eq(t, ErrProtocolError, binary.BigEndian.Uint32(payload[4:8]))
	assert.Eq(t, "bye", string(payload[8:]))
}

func TestWriteWindowUpdateMasksReservedBit(t *testing.T) {
	var buf bytes.Buffer
	assert.NoErr(t, writeWindowUpdate(&buf, 3, 1<<31|1000))

	h, err := readFrameHeader(&buf)
	assert.NoErr(t, err)
	assert.Eq(t, uint32(3), h.StreamID)

	payload, err := readFramePayload(&buf, h)
	assert.NoErr(t, err)
	assert.Eq(t, uint32(1000), binary.BigEndian.Uint32(payload))
}

func TestWriteHeadersFrameSetsEndStreamFlagWhenRequested(t *testing.T) {
	var buf bytes.Buffer
	assert.NoErr(t, writeHeadersFrame(&buf, 5, []byte("hpack-block"), true))

	h, err := readFrameHeader(&buf)
	assert.NoErr(t, err)
	assert.Eq(t, FrameHeaders, h.Type)
	assert.Eq(t, uint32(5), h.StreamID)
	assert.Eq(t, FlagEndHeaders|FlagEndStream, h.Flags)

	payload, err := readFramePayload(&buf, h)
	assert.NoErr(t, err)
	assert.Eq(t, []byte("hpack-block"), payload)
}

func TestWritePushPromiseFrameEncodesPromisedStreamID(t *testing.T) {
	var buf bytes.Buffer
	assert.NoErr(t, writePushPromiseFrame(&buf, 1, 2, []byte("hdrs")))

	h, err := readFrameHeader(&buf)
	assert.NoErr(t, err)
	assert.Eq(t, FramePushPromise, h.Type)

	payload, err := readFramePayload(&buf, h)
	assert.NoErr(t, err)
	assert.Eq(t, uint32(2), binary.BigEndian.Uint32(payload[0:4]))
	assert.Eq(t, []byte("hdrs"), payload[4:])
}

func TestWriteDataFrameOmitsEndStreamFlagByDefault(t *testing.T) {
	var buf bytes.Buffer
	assert.NoErr(t, writeDataFrame(&buf, 7, []byte("body"), false))

	h, err := readFrameHeader(&buf)
	assert.NoErr(t, err)
	assert.Eq(t, uint8(0), h.Flags)

	payload, err := readFramePayload(&buf, h)
	assert.NoErr(t, err)
	assert.Eq(t, []byte("body"), payload)
}

func TestWritePingRoundTripsPayload(t *testing.T) {
	var buf bytes.Buffer
	assert.NoErr(t, writePing(&buf, []byte("abcdefgh"), true))

	h, err := readFrameHeader(&buf)
	assert.NoErr(t, err)
	assert.Eq(t, FramePing, h.Type)
	assert.Eq(t, FlagAck, h.Flags)

	payload, err := readFramePayload(&buf, h)
	assert.NoErr(t, err)
	assert.Eq(t, []byte("abcdefgh"), payload)
}
