package aerys

import (
	"container/list"
	"os"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aerysweb/aerys/internal/alog"
)

// MaxDeflateEnableCacheSize bounds the per-process content-type -> deflate
// decision memoization cache.
const MaxDeflateEnableCacheSize = 1024

// ServerToken is the value sent in the Server header when SendServerToken is
// enabled.
const ServerToken = "aerys"

// Options holds process-wide configuration, immutable after boot except for
// the dynamicCache sub-record, which every connection's goroutine may touch
// and which is therefore guarded by its own mutex.
type Options struct {
	MaxBodySize           int64
	MaxHeaderSize         int
	MaxInputVars          int
	MaxFieldLen           int
	MaxConnections        int
	ConnectionsPerIP      int
	ConnectionTimeoutSecs int
	OutputBufferSize      int
	SoftStreamCap         int
	DeflateEnable         bool
	DeflateMinimumLength  int
	DeflateContentTypes   *regexp.Regexp
	DeflateBufferSize     int
	ChunkSize             int
	SendServerToken       bool
	SocketBacklogSize     int
	NormalizeMethodCase   bool
	AllowedMethods        map[string]bool
	DefaultHost           string
	ShutdownTimeoutSecs   int

	Logger zerolog.Logger
	Clock  *Ticker

	dynamicCache dynamicCache
}

// Option mutates an Options value during construction.
type Option func(*Options)

// NewOptions builds an Options record with the documented defaults,
// applying each Option in order: a single literal of defaults, no
// reflection.
func NewOptions(opts ...Option) *Options {
	o := &Options{
		MaxBodySize:           10 * 1024 * 1024,
		MaxHeaderSize:         8192,
		MaxInputVars:          1000,
		MaxFieldLen:           1 << 20,
		MaxConnections:        1000,
		ConnectionsPerIP:      0,
		ConnectionTimeoutSecs: 60,
		OutputBufferSize:      8192,
		SoftStreamCap:         65536,
		DeflateEnable:         true,
		DeflateMinimumLength:  860,
		DeflateBufferSize:     8192,
		ChunkSize:             8192,
		SendServerToken:       false,
		SocketBacklogSize:     1024,
		NormalizeMethodCase:   true,
		AllowedMethods:        defaultAllowedMethods(),
		DefaultHost:           "",
		ShutdownTimeoutSecs:   5,
		Logger:                alog.New(zerolog.InfoLevel, os.Stderr),
	}
	o.dynamicCache.init()
	for _, apply := range opts {
		apply(o)
	}
	if o.Clock == nil {
		o.Clock = NewTicker()
	}
	return o
}

func defaultAllowedMethods() map[string]bool {
	return map[string]bool{
		"GET": true, "HEAD": true, "POST": true, "PUT": true,
		"PATCH": true, "DELETE": true, "OPTIONS": true,
	}
}

func WithMaxBodySize(n int64) Option     { return func(o *Options) { o.MaxBodySize = n } }
func WithMaxHeaderSize(n int) Option     { return func(o *Options) { o.MaxHeaderSize = n } }
func WithConnectionTimeout(s int) Option { return func(o *Options) { o.ConnectionTimeoutSecs = s } }
func WithOutputBufferSize(n int) Option  { return func(o *Options) { o.OutputBufferSize = n } }
func WithSoftStreamCap(n int) Option     { return func(o *Options) { o.SoftStreamCap = n } }
func WithDeflate(enable bool, minLen int, contentTypes *regexp.Regexp) Option {
	return func(o *Options) {
		o.DeflateEnable = enable
		o.DeflateMinimumLength = minLen
		o.DeflateContentTypes = contentTypes
	}
}
func WithLogger(l zerolog.Logger) Option { return func(o *Options) { o.Logger = l } }
func WithClock(t *Ticker) Option         { return func(o *Options) { o.Clock = t } }
func WithSendServerToken(b bool) Option  { return func(o *Options) { o.SendServerToken = b } }
func WithMaxConnections(n int) Option    { return func(o *Options) { o.MaxConnections = n } }
func WithConnectionsPerIP(n int) Option  { return func(o *Options) { o.ConnectionsPerIP = n } }

// GetOption implements the dynamic-looking Request.getOption(name) facade
// over the concrete Options struct as a switch over known names.
func (o *Options) GetOption(name string) (any, error) {
	switch name {
	case "maxBodySize":
		return o.MaxBodySize, nil
	case "maxHeaderSize":
		return o.MaxHeaderSize, nil
	case "maxInputVars":
		return o.MaxInputVars, nil
	case "maxFieldLen":
		return o.MaxFieldLen, nil
	case "maxConnections":
		return o.MaxConnections, nil
	case "connectionsPerIP":
		return o.ConnectionsPerIP, nil
	case "connectionTimeout":
		return o.ConnectionTimeoutSecs, nil
	case "outputBufferSize":
		return o.OutputBufferSize, nil
	case "softStreamCap":
		return o.SoftStreamCap, nil
	case "deflateEnable":
		return o.DeflateEnable, nil
	case "deflateMinimumLength":
		return o.DeflateMinimumLength, nil
	case "deflateBufferSize":
		return o.DeflateBufferSize, nil
	case "chunkSize":
		return o.ChunkSize, nil
	case "sendServerToken":
		return o.SendServerToken, nil
	case "socketBacklogSize":
		return o.SocketBacklogSize, nil
	case "normalizeMethodCase":
		return o.NormalizeMethodCase, nil
	case "allowedMethods":
		return o.AllowedMethods, nil
	case "deflateContentTypes":
		return o.DeflateContentTypes, nil
	case "defaultHost":
		return o.DefaultHost, nil
	case "shutdownTimeout":
		return o.ShutdownTimeoutSecs, nil
	default:
		return nil, ErrUnknownOption
	}
}

// deflateDecision is memoized for a given Content-Type string.
type deflateDecision struct {
	contentType string
	shouldapply bool
}

// dynamicCache is the bounded LRU of content-type -> deflate-decision,
// capped at MaxDeflateEnableCacheSize. One Options value is shared by all
// connections, each served on its own goroutine, so every access takes mu.
type dynamicCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

func (c *dynamicCache) init() {
	c.entries = make(map[string]*list.Element)
	c.order = list.New()
}

// lookup returns the cached decision and whether it was present.
func (c *dynamicCache) lookup(contentType string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[contentType]
	if !ok {
		return false, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*deflateDecision).shouldapply, true
}

// store records a decision, evicting the least-recently-used entry first
// if the cache is already at capacity.
func (c *dynamicCache) store(contentType string, shouldApply bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[contentType]; ok {
		el.Value.(*deflateDecision).shouldapply = shouldApply
		c.order.MoveToFront(el)
		return
	}
	if len(c.entries) >= MaxDeflateEnableCacheSize {
		back := c.order.Back()
		if back != nil {
			c.order.Remove(back)
			delete(c.entries, back.Value.(*deflateDecision).contentType)
		}
	}
	d := &deflateDecision{contentType: contentType, shouldapply: shouldApply}
	el := c.order.PushFront(d)
	c.entries[contentType] = el
}

// DeflateDecision exposes the memoization cache to the codec package.
func (o *Options) DeflateDecision(contentType string) (bool, bool) {
	return o.dynamicCache.lookup(contentType)
}

// StoreDeflateDecision records a computed decision in the cache.
func (o *Options) StoreDeflateDecision(contentType string, shouldApply bool) {
	o.dynamicCache.store(contentType, shouldApply)
}
