// Package extension implements the frame-payload transform capability of
// spec.md §3/§4.6: an extension rewrites payload bytes on send and receive
// and may own one or more RSV bits. Only permessage-deflate (RFC 7692) is
// implemented; the interface is generic so future extensions slot in the
// same way the teacher's codebase keeps transform-shaped capabilities
// behind small interfaces (see api/interfaces.go's WebSocketConn).
//
// Author: momentics <momentics@gmail.com>
package extension

// Extension transforms frame payloads on the send and receive paths and
// may set/read RSV bits, per spec.md §3.
type Extension interface {
	// Name is the registered extension token, e.g. "permessage-deflate".
	Name() string

	// Params returns the negotiated parameters as offered-or-accepted
	// "name[;k=v;...]" pairs, for Sec-WebSocket-Extensions round-tripping
	// and for Session.Extensions().
	Params() map[string]string

	// EncodeMessage transforms an outbound, fully assembled message
	// payload before fragmentation. It returns the transformed payload
	// and whether rsv1 must be set on the first fragment.
	EncodeMessage(payload []byte) (out []byte, rsv1 bool, err error)

	// DecodeMessage transforms an inbound, fully reassembled message
	// payload. rsv1 reports whether the first frame of the message had
	// rsv1 set (signalling this extension's transform was applied).
	DecodeMessage(payload []byte, rsv1 bool) ([]byte, error)
}

// Offer describes a client-side extension request built into the opening
// handshake's Sec-WebSocket-Extensions header (spec.md §6 ExtensionRequest).
type Offer struct {
	Name   string
	Params map[string]string
}
