package http2

import (
	"encoding/binary"
	"io"
)

type settingParam struct {
	ID    uint16
	Value uint32
}

func writeSettings(w io.Writer, params []settingParam) error {
	payload := make([]byte, 6*len(params))
	for i, p := range params {
		binary.BigEndian.PutUint16(payload[i*6:], p.ID)
		binary.BigEndian.PutUint32(payload[i*6+2:], p.Value)
	}
	if err := writeFrameHeader(w, frameHeader{Length: uint32(len(payload)), Type: FrameSettings}); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func writeSettingsAck(w io.Writer) error {
	return writeFrameHeader(w, frameHeader{Type: FrameSettings, Flags: FlagAck})
}

func writeGoAway(w io.Writer, lastStreamID uint32, errCode uint32, debug []byte) error {
	payload := make([]byte, 8+len(debug))
	binary.BigEndian.PutUint32(payload[0:4], lastStreamID&^(1<<31))
	binary.BigEndian.PutUint32(payload[4:8], errCode)
	copy(payload[8:], debug)
	if err := writeFrameHeader(w, frameHeader{Length: uint32(len(payload)), Type: FrameGoAway}); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func writeRSTStream(w io.Writer, streamID uint32, errCode uint32) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], errCode)
	if err := writeFrameHeader(w, frameHeader{Length: 4, Type: FrameRSTStream, StreamID: streamID}); err != nil {
		return err
	}
	_, err := w.Write(payload[:])
	return err
}

func writePing(w io.Writer, payload []byte, ack bool) error {
	if len(payload) != 8 {
		p := make([]byte, 8)
		copy(p, payload)
		payload = p
	}
	flags := uint8(0)
	if ack {
		flags = FlagAck
	}
	if err := writeFrameHeader(w, frameHeader{Length: 8, Type: FramePing, Flags: flags}); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func writeWindowUpdate(w io.Writer, streamID uint32, increment uint32) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], increment&^(1<<31))
	if err := writeFrameHeader(w, frameHeader{Length: 4, Type: FrameWindowUpdate, StreamID: streamID}); err != nil {
		return err
	}
	_, err := w.Write(payload[:])
	return err
}

func writeHeadersFrame(w io.Writer, streamID uint32, block []byte, endStream bool) error {
	flags := FlagEndHeaders
	if endStream {
		flags |= FlagEndStream
	}
	if err := writeFrameHeader(w, frameHeader{Length: uint32(len(block)), Type: FrameHeaders, Flags: flags, StreamID: streamID}); err != nil {
		return err
	}
	_, err := w.Write(block)
	return err
}

func writePushPromiseFrame(w io.Writer, streamID, promisedStreamID uint32, block []byte) error {
	payload := make([]byte, 4+len(block))
	binary.BigEndian.PutUint32(payload[0:4], promisedStreamID&^(1<<31))
	copy(payload[4:], block)
	if err := writeFrameHeader(w, frameHeader{Length: uint32(len(payload)), Type: FramePushPromise, Flags: FlagEndHeaders, StreamID: streamID}); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func writeDataFrame(w io.Writer, streamID uint32, data []byte, endStream bool) error {
	flags := uint8(0)
	if endStream {
		flags = FlagEndStream
	}
	if err := writeFrameHeader(w, frameHeader{Length: uint32(len(data)), Type: FrameData, Flags: flags, StreamID: streamID}); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}
