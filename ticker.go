package aerys

import (
	"sync/atomic"
	"time"
)

// httpDateFormat is the RFC 7231 preferred (RFC 1123, GMT) date format.
const httpDateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Ticker is the once-per-second process clock, an explicit handle threaded
// from Server into Clients at construction rather than a package-level
// singleton. It provides the current Unix time and a
// preformatted HTTP-date string without any per-request time.Now() call.
type Ticker struct {
	unixSecs atomic.Int64
	httpDate atomic.Value // string

	stop chan struct{}
}

// NewTicker starts a ticker goroutine that refreshes its snapshot once per
// second and returns immediately with the first snapshot already populated.
func NewTicker() *Ticker {
	t := &Ticker{stop: make(chan struct{})}
	t.refresh()
	go t.loop()
	return t
}

func (t *Ticker) loop() {
	tk := time.NewTicker(time.Second)
	defer tk.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-tk.C:
			t.refresh()
		}
	}
}

func (t *Ticker) refresh() {
	now := time.Now().UTC()
	t.unixSecs.Store(now.Unix())
	t.httpDate.Store(now.Format(httpDateFormat))
}

// Unix returns the current cached Unix second.
func (t *Ticker) Unix() int64 { return t.unixSecs.Load() }

// HTTPDate returns the preformatted RFC 1123 (GMT) date string suitable for
// a Date header.
func (t *Ticker) HTTPDate() string { return t.httpDate.Load().(string) }

// Stop terminates the background refresh goroutine. Intended for tests and
// graceful process shutdown; a leaked Ticker is harmless but this avoids it.
func (t *Ticker) Stop() { close(t.stop) }
