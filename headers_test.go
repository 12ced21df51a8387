package aerys

import (
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func TestHeadersCaseInsensitiveGet(t *testing.T) {
	h := NewHeaders()
	h.Add("Content-Type", "text/plain")

	assert.Eq(t, "text/plain", h.Get("content-type"))
	assert.Eq(t, "text/plain", h.Get("CONTENT-TYPE"))
	assert.Eq(t, "text/plain", h.Get("Content-Type"))
}

func TestHeadersPreservesPerFieldOrder(t *testing.T) {
	h := NewHeaders()
	h.Add("X-Tok", "a")
	h.Add("X-Tok", "b")
	h.Add("x-tok", "c")

	assert.Eq(t, []string{"a", "b", "c"}, h.GetAll("X-Tok"))
}

func TestHeadersNamesAreLowercased(t *testing.T) {
	h := NewHeaders()
	h.Add("Host", "example.com")
	h.Add("Accept-Encoding", "gzip")

	for _, n := range h.Names() {
		assert.Eq(t, n, foldName(n))
	}
}

func TestHeadersSetReplaces(t *testing.T) {
	h := NewHeaders()
	h.Add("x", "1")
	h.Add("x", "2")
	h.Set("x", "3")

	assert.Eq(t, []string{"3"}, h.GetAll("x"))
}

func TestHeadersCloneIsIndependent(t *testing.T) {
	h := NewHeaders()
	h.Add("x", "1")
	clone := h.Clone()
	clone.Add("x", "2")

	assert.Eq(t, []string{"1"}, h.GetAll("x"))
	assert.Eq(t, []string{"1", "2"}, clone.GetAll("x"))
}

func TestHeadersHasAndDel(t *testing.T) {
	h := NewHeaders()
	assert.False(t, h.Has("x"))
	h.Add("x", "1")
	assert.True(t, h.Has("x"))
	h.Del("X")
	assert.False(t, h.Has("x"))
}
