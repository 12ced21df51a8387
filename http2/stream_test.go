package http2

import (
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func TestStreamTransitionsIdleToOpenToHalfClosedRemote(t *testing.T) {
	s := newStream(1, DefaultInitialWindowSize, DefaultInitialWindowSize)
	assert.Eq(t, StateIdle, s.State)

	s.transition(false)
	assert.Eq(t, StateOpen, s.State)

	s.transition(true)
	assert.Eq(t, StateHalfClosedRemote, s.State)
}

func TestStreamClosesWhenBothSidesHalfClose(t *testing.T) {
	s := newStream(1, DefaultInitialWindowSize, DefaultInitialWindowSize)
	s.transition(false) // -> open
	s.closeLocal()      // -> half-closed (local)
	assert.Eq(t, StateHalfClosedLocal, s.State)

	s.transition(true) // remote end_stream arrives -> closed
	assert.True(t, s.isClosed())
}

func TestStreamSendWindowAccounting(t *testing.T) {
	s := newStream(1, 100, DefaultInitialWindowSize)
	s.consumeSendWindow(40)
	assert.Eq(t, int64(60), s.availableSendWindow())

	s.addSendWindow(10)
	assert.Eq(t, int64(70), s.availableSendWindow())
}

func TestStreamAvailableSendWindowClampsNegativeToZero(t *testing.T) {
	// A SETTINGS_INITIAL_WINDOW_SIZE decrease can drive SendWindow negative;
	// availableSendWindow must never report that as sendable.
	s := newStream(1, 10, DefaultInitialWindowSize)
	s.consumeSendWindow(25)
	assert.Eq(t, int64(0), s.availableSendWindow())
}
