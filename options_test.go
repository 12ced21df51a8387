package aerys

import (
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func TestOptionsGetOptionKnownAndUnknown(t *testing.T) {
	opts := NewOptions(WithMaxBodySize(4096))
	defer opts.Clock.Stop()

	v, err := opts.GetOption("maxBodySize")
	assert.NoErr(t, err)
	assert.Eq(t, int64(4096), v)

	_, err = opts.GetOption("totallyMadeUp")
	assert.Eq(t, ErrUnknownOption, err)
}

func TestDynamicCacheEvictsLRUAtCapacity(t *testing.T) {
	// At exactly the cap the cache evicts before inserting.
	var c dynamicCache
	c.init()

	for i := 0; i < MaxDeflateEnableCacheSize; i++ {
		c.store(keyFor(i), true)
	}
	// Touch the first entry so it's no longer the least-recently-used one.
	_, ok := c.lookup(keyFor(0))
	assert.True(t, ok)

	// One more insert at exactly the cap must evict the new LRU (key 1),
	// not key 0 which was just touched, and must not grow past the cap.
	c.store("overflow", true)

	_, stillThere := c.lookup(keyFor(0))
	assert.True(t, stillThere)

	_, evicted := c.lookup(keyFor(1))
	assert.False(t, evicted)

	assert.Eq(t, MaxDeflateEnableCacheSize, len(c.entries))
}

func TestDynamicCacheUpdateExistingDoesNotGrow(t *testing.T) {
	var c dynamicCache
	c.init()
	c.store("text/html", true)
	c.store("text/html", false)

	v, ok := c.lookup("text/html")
	assert.True(t, ok)
	assert.False(t, v)
	assert.Eq(t, 1, len(c.entries))
}

func keyFor(i int) string {
	return string(rune('a')) + string(rune(i%26+'a')) + string(rune(i/26+'a'))
}
