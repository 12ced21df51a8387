package http2

import (
	"sync"

	"github.com/aerysweb/aerys"
)

// StreamState is the per-stream state machine of RFC 7540 §5.1.
type StreamState uint8

const (
	StateIdle StreamState = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

// Stream is one HTTP/2 logical request/response stream.
type Stream struct {
	mu    sync.Mutex
	ID    uint32
	State StreamState

	SendWindow int64
	RecvWindow int64

	Weight    uint8
	DependsOn uint32

	Req *aerys.InternalRequest

	recvBytes int64 // DATA bytes delivered to the body emitter
}

type headerFieldLine struct {
	Name  string
	Value string
}

func newStream(id uint32, initialSendWindow, initialRecvWindow int64) *Stream {
	return &Stream{
		ID:         id,
		State:      StateIdle,
		SendWindow: initialSendWindow,
		RecvWindow: initialRecvWindow,
		Weight:     16,
	}
}

func (s *Stream) transition(recvEndStream bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State {
	case StateIdle:
		s.State = StateOpen
	}
	if recvEndStream {
		switch s.State {
		case StateOpen:
			s.State = StateHalfClosedRemote
		case StateHalfClosedLocal:
			s.State = StateClosed
		}
	}
}

func (s *Stream) closeLocal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State {
	case StateOpen:
		s.State = StateHalfClosedLocal
	case StateHalfClosedRemote:
		s.State = StateClosed
	}
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State == StateClosed
}

func (s *Stream) addSendWindow(n int32) {
	s.mu.Lock()
	s.SendWindow += int64(n)
	s.mu.Unlock()
}

func (s *Stream) consumeSendWindow(n int64) {
	s.mu.Lock()
	s.SendWindow -= n
	s.mu.Unlock()
}

// addRecvBytes accounts n freshly received DATA bytes and returns the new
// total for this stream.
func (s *Stream) addRecvBytes(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recvBytes += n
	return s.recvBytes
}

func (s *Stream) availableSendWindow() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendWindow < 0 {
		return 0
	}
	return s.SendWindow
}
