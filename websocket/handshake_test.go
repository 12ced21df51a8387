package websocket

import (
	"testing"

	"github.com/gookit/goutil/testutil/assert"

	"github.com/aerysweb/aerys"
)

func TestComputeAcceptMatchesRFC6455TestVector(t *testing.T) {
	got := ComputeAccept("dGhlIHNhbXBsZSBub25jZQ==")
	assert.Eq(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func newUpgradeRequest(headers map[string]string) *aerys.InternalRequest {
	req := &aerys.InternalRequest{Headers: aerys.NewHeaders()}
	for k, v := range headers {
		req.Headers.Set(k, v)
	}
	return req
}

func TestIsUpgradeRequestAcceptsWellFormedHandshake(t *testing.T) {
	req := newUpgradeRequest(map[string]string{
		"upgrade":               "websocket",
		"connection":            "Upgrade",
		"sec-websocket-version": "13",
		"sec-websocket-key":     "dGhlIHNhbXBsZSBub25jZQ==",
	})
	assert.True(t, IsUpgradeRequest(req))
}

func TestIsUpgradeRequestRejectsWrongVersion(t *testing.T) {
	req := newUpgradeRequest(map[string]string{
		"upgrade":               "websocket",
		"connection":            "Upgrade",
		"sec-websocket-version": "8",
		"sec-websocket-key":     "dGhlIHNhbXBsZSBub25jZQ==",
	})
	assert.False(t, IsUpgradeRequest(req))
}

func TestIsUpgradeRequestRejectsMissingConnectionToken(t *testing.T) {
	req := newUpgradeRequest(map[string]string{
		"upgrade":               "websocket",
		"connection":            "keep-alive",
		"sec-websocket-version": "13",
		"sec-websocket-key":     "dGhlIHNhbXBsZSBub25jZQ==",
	})
	assert.False(t, IsUpgradeRequest(req))
}

func TestIsUpgradeRequestAcceptsConnectionTokenAmongOthers(t *testing.T) {
	req := newUpgradeRequest(map[string]string{
		"upgrade":               "websocket",
		"connection":            "keep-alive, Upgrade",
		"sec-websocket-version": "13",
		"sec-websocket-key":     "dGhlIHNhbXBsZSBub25jZQ==",
	})
	assert.True(t, IsUpgradeRequest(req))
}

func TestNegotiateSubProtocolPicksFirstRequestedMatch(t *testing.T) {
	// Requested order is "chat, superchat"; "chat" is checked first and
	// already appears among offered, so it wins even though "superchat"
	// is listed first in offered.
	req := newUpgradeRequest(map[string]string{"sec-websocket-protocol": "chat, superchat"})
	got := NegotiateSubProtocol(req, []string{"superchat", "chat"})
	assert.Eq(t, "chat", got)
}

func TestNegotiateSubProtocolNoMatchReturnsEmpty(t *testing.T) {
	req := newUpgradeRequest(map[string]string{"sec-websocket-protocol": "foo"})
	got := NegotiateSubProtocol(req, []string{"bar"})
	assert.Eq(t, "", got)
}
