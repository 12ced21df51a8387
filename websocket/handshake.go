package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"

	"github.com/aerysweb/aerys"
)

// acceptGUID is the magic string of RFC 6455 §1.3.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ComputeAccept derives Sec-WebSocket-Accept from a client's
// Sec-WebSocket-Key.
func ComputeAccept(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// IsUpgradeRequest reports whether req carries a well-formed WebSocket
// upgrade request: Upgrade: websocket, Connection:
// Upgrade, Sec-WebSocket-Version: 13, and a present Sec-WebSocket-Key.
func IsUpgradeRequest(req *aerys.InternalRequest) bool {
	if !strings.EqualFold(req.GetHeader("upgrade"), "websocket") {
		return false
	}
	if !hasToken(req.GetHeader("connection"), "upgrade") {
		return false
	}
	if req.GetHeader("sec-websocket-version") != "13" {
		return false
	}
	return req.GetHeader("sec-websocket-key") != ""
}

func hasToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// NegotiateSubProtocol returns the first sub-protocol in the client's
// Sec-WebSocket-Protocol list that appears in offered, or "" if none
// matches. An OnHandshake callback uses this to pick the value it
// writes back.
func NegotiateSubProtocol(req *aerys.InternalRequest, offered []string) string {
	requested := req.GetHeader("sec-websocket-protocol")
	if requested == "" {
		return ""
	}
	for _, want := range strings.Split(requested, ",") {
		want = strings.TrimSpace(want)
		for _, have := range offered {
			if strings.EqualFold(want, have) {
				return have
			}
		}
	}
	return ""
}
