// Package http2 implements the HTTP/2 connection driver:
// frame-level I/O, per-stream state machines, HPACK header compression
// (via golang.org/x/net/http2/hpack), and flow-control window accounting.
package http2

import (
	"encoding/binary"
	"io"
)

// Frame types (RFC 7540 §6).
const (
	FrameData         uint8 = 0x0
	FrameHeaders      uint8 = 0x1
	FramePriority     uint8 = 0x2
	FrameRSTStream    uint8 = 0x3
	FrameSettings     uint8 = 0x4
	FramePushPromise  uint8 = 0x5
	FramePing         uint8 = 0x6
	FrameGoAway       uint8 = 0x7
	FrameWindowUpdate uint8 = 0x8
	FrameContinuation uint8 = 0x9
)

// Frame flags.
const (
	FlagEndStream  uint8 = 0x1
	FlagEndHeaders uint8 = 0x4
	FlagPadded     uint8 = 0x8
	FlagPriority   uint8 = 0x20
	FlagAck        uint8 = 0x1
)

// Settings identifiers (RFC 7540 §6.5.2).
const (
	SettingsHeaderTableSize      uint16 = 0x1
	SettingsEnablePush           uint16 = 0x2
	SettingsMaxConcurrentStreams uint16 = 0x3
	SettingsInitialWindowSize    uint16 = 0x4
	SettingsMaxFrameSize         uint16 = 0x5
	SettingsMaxHeaderListSize    uint16 = 0x6
)

// Error codes (RFC 7540 §7).
const (
	ErrNoError            uint32 = 0x0
	ErrProtocolError      uint32 = 0x1
	ErrInternalError      uint32 = 0x2
	ErrFlowControlError   uint32 = 0x3
	ErrSettingsTimeout    uint32 = 0x4
	ErrStreamClosed       uint32 = 0x5
	ErrFrameSizeError     uint32 = 0x6
	ErrRefusedStream      uint32 = 0x7
	ErrCancel             uint32 = 0x8
	ErrCompressionError   uint32 = 0x9
	ErrConnectError       uint32 = 0xa
	ErrEnhanceYourCalm    uint32 = 0xb
	ErrInadequateSecurity uint32 = 0xc
	ErrHTTP11Required     uint32 = 0xd
)

// Preface is the client connection preface (RFC 7540 §3.5).
const Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

const DefaultInitialWindowSize = 65535

// frameHeader is the 9-byte frame header common to all frames.
type frameHeader struct {
	Length   uint32 // 24 bits
	Type     uint8
	Flags    uint8
	StreamID uint32 // 31 bits
}

func readFrameHeader(r io.Reader) (frameHeader, error) {
	var buf [9]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return frameHeader{}, err
	}
	length := uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
	streamID := binary.BigEndian.Uint32(buf[5:9]) &^ (1 << 31)
	return frameHeader{
		Length:   length,
		Type:     buf[3],
		Flags:    buf[4],
		StreamID: streamID,
	}, nil
}

func writeFrameHeader(w io.Writer, h frameHeader) error {
	var buf [9]byte
	buf[0] = byte(h.Length >> 16)
	buf[1] = byte(h.Length >> 8)
	buf[2] = byte(h.Length)
	buf[3] = h.Type
	buf[4] = h.Flags
	binary.BigEndian.PutUint32(buf[5:9], h.StreamID&^(1<<31))
	_, err := w.Write(buf[:])
	return err
}

// readFramePayload reads exactly h.Length bytes following a frame header
// just consumed by readFrameHeader.
func readFramePayload(r io.Reader, h frameHeader) ([]byte, error) {
	buf := make([]byte, h.Length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func stripPadding(flags uint8, payload []byte) ([]byte, error) {
	if flags&FlagPadded == 0 {
		return payload, nil
	}
	if len(payload) < 1 {
		return nil, io.ErrUnexpectedEOF
	}
	padLen := int(payload[0])
	payload = payload[1:]
	if padLen > len(payload) {
		return nil, io.ErrUnexpectedEOF
	}
	return payload[:len(payload)-padLen], nil
}
