package aerys

import (
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func TestParseQueryPreservesOrderAndRepeatedKeys(t *testing.T) {
	// Repeated keys keep insertion order: x=1&x=2.
	got, err := ParseQuery("x=1&x=2", 0)
	assert.NoErr(t, err)
	assert.Eq(t, []string{"1", "2"}, got["x"])
}

func TestParseQueryPercentDecodes(t *testing.T) {
	got, err := ParseQuery("name=John%20Doe&tag=a%2Bb", 0)
	assert.NoErr(t, err)
	assert.Eq(t, []string{"John Doe"}, got["name"])
	assert.Eq(t, []string{"a+b"}, got["tag"])
}

func TestParseQueryMaxInputVarsExceeded(t *testing.T) {
	// Exceeding maxInputVars surfaces a ClientSizeException.
	_, err := ParseQuery("a=1&b=2&c=3", 2)
	assert.NotNil(t, err)
	_, ok := err.(*ClientSizeException)
	assert.True(t, ok)
}

func TestParseQueryRepeatedKeyDoesNotCountTwice(t *testing.T) {
	// Only distinct keys count against maxInputVars.
	got, err := ParseQuery("a=1&a=2&a=3", 1)
	assert.NoErr(t, err)
	assert.Eq(t, []string{"1", "2", "3"}, got["a"])
}

func TestInternalRequestUpgradeBodySize(t *testing.T) {
	opts := NewOptions(WithMaxBodySize(1024))
	defer opts.Clock.Stop()
	client := NewClient(ClientIdentity{}, opts, func([]byte) error { return nil }, func() error { return nil })

	req := NewInternalRequest(client, "POST", URI{Path: "/"}, "1.1")
	assert.Eq(t, int64(1024), req.MaxBodySize())

	req.UpgradeBodySize(2048)
	assert.Eq(t, int64(2048), req.MaxBodySize())

	// Lowering is not honored; only raising the cap is meaningful.
	req.UpgradeBodySize(512)
	assert.Eq(t, int64(2048), req.MaxBodySize())
}
