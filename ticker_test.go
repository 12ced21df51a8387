package aerys

import (
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func TestTickerProvidesUnixAndHTTPDateImmediately(t *testing.T) {
	tk := NewTicker()
	defer tk.Stop()

	assert.True(t, tk.Unix() > 0)
	date := tk.HTTPDate()
	assert.True(t, len(date) > 0)
	assert.True(t, date[len(date)-3:] == "GMT")
}
