// Package handshake implements the client side of the RFC 6455 opening
// handshake: request construction, response parsing and validation,
// grounded on the teacher's protocol/handshake.go (server-side GUID/accept
// computation, inverted here to the client direction) and the byte-buffer
// "need more" idiom of protocol/frame_codec.go's DecodeFrameFromBytes.
//
// Author: momentics <momentics@gmail.com>
package handshake

import (
	"crypto/sha1"
	"fmt"
	"net/url"
	"strings"

	"github.com/momentics/wsclient/api"
)

// WebSocketGUID is the magic value RFC 6455 §1.3 appends to the client
// nonce before hashing to produce Sec-WebSocket-Accept.
const WebSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// RequiredVersion is the only Sec-WebSocket-Version this client speaks.
const RequiredVersion = "13"

// Request holds everything needed to build the opening HTTP request.
type Request struct {
	URL          *url.URL
	Protocols    []string
	Extensions   []string // pre-rendered "name;k=v" offer strings
	ExtraHeaders [][2]string
	Nonce        []byte // 16 random bytes, generated by the caller
}

// Build renders the CRLF-terminated opening HTTP request of spec.md §6,
// returning the bytes to write to the socket and the base64 nonce used
// (so the caller can validate the response's Sec-WebSocket-Accept).
func Build(req Request, b64 api.Base64Encoder) (wire []byte, secKey string, err error) {
	if len(req.Nonce) != 16 {
		return nil, "", &api.Error{Code: api.ErrCodeUsage, Message: "nonce must be 16 bytes"}
	}
	secKey = b64.EncodeToString(req.Nonce)

	host := req.URL.Host
	path := req.URL.RequestURI()
	if path == "" {
		path = "/"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&sb, "Host: %s\r\n", host)
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&sb, "Sec-WebSocket-Key: %s\r\n", secKey)
	fmt.Fprintf(&sb, "Sec-WebSocket-Version: %s\r\n", RequiredVersion)
	if len(req.Protocols) > 0 {
		fmt.Fprintf(&sb, "Sec-WebSocket-Protocol: %s\r\n", strings.Join(req.Protocols, ", "))
	}
	if len(req.Extensions) > 0 {
		fmt.Fprintf(&sb, "Sec-WebSocket-Extensions: %s\r\n", strings.Join(req.Extensions, ", "))
	}
	for _, h := range req.ExtraHeaders {
		fmt.Fprintf(&sb, "%s: %s\r\n", h[0], h[1])
	}
	sb.WriteString("\r\n")

	return []byte(sb.String()), secKey, nil
}

// ExpectedAccept computes base64(SHA1(secKey + WebSocketGUID)), the value
// the server's Sec-WebSocket-Accept header must equal.
func ExpectedAccept(secKey string, b64 api.Base64Encoder) string {
	h := sha1.New()
	h.Write([]byte(secKey))
	h.Write([]byte(WebSocketGUID))
	return b64.EncodeToString(h.Sum(nil))
}

// DefaultPort returns the default TCP port for a ws/wss URL scheme, used
// to dial when the URL itself does not specify one.
func DefaultPort(scheme string) string {
	if strings.EqualFold(scheme, "wss") {
		return "443"
	}
	return "80"
}

// DialAddr returns the "host:port" to dial for u, filling in the scheme's
// default port when u omits one.
func DialAddr(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return u.Hostname() + ":" + DefaultPort(u.Scheme)
}
