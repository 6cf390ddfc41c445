package protocol_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/momentics/wsclient/api"
	"github.com/momentics/wsclient/protocol"
)

func seededEncoder() *protocol.Encoder {
	return protocol.NewEncoder(api.NewSeededRandomSource([32]byte{1, 2, 3}))
}

// asServerFrames rewrites the masked client->server frames an Encoder
// produces into the unmasked server->client form the Decoder accepts:
// the mask bit is cleared, the 4-byte mask key dropped, and the payload
// unmasked with that key.
func asServerFrames(t *testing.T, wire []byte) []byte {
	t.Helper()
	var out []byte
	for len(wire) > 0 {
		if len(wire) < 2 || wire[1]&protocol.MaskBit == 0 {
			t.Fatalf("not a masked client frame: % x", wire)
		}
		hdr, length := 2, int(wire[1]&0x7F)
		switch length {
		case 126:
			hdr, length = 4, int(binary.BigEndian.Uint16(wire[2:]))
		case 127:
			hdr, length = 10, int(binary.BigEndian.Uint64(wire[2:]))
		}
		var key [4]byte
		copy(key[:], wire[hdr:hdr+4])
		payload := append([]byte(nil), wire[hdr+4:hdr+4+length]...)
		protocol.MaskPayload(payload, key)
		out = append(out, wire[0], wire[1]&^protocol.MaskBit)
		out = append(out, wire[2:hdr]...)
		out = append(out, payload...)
		wire = wire[hdr+4+length:]
	}
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := seededEncoder()
	payload := []byte("hello, websocket")

	wire, err := enc.EncodeFrame(true, false, false, false, protocol.OpcodeBinary, payload)
	if err != nil {
		t.Fatal(err)
	}

	dec := protocol.NewDecoder(0)
	frames, err := dec.Feed(asServerFrames(t, wire))
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if !bytes.Equal(frames[0].Payload, payload) {
		t.Errorf("payload mismatch: got %q want %q", frames[0].Payload, payload)
	}
	if !frames[0].Fin {
		t.Error("expected fin=true")
	}
}

func TestDecodeRejectsMaskedServerFrame(t *testing.T) {
	enc := seededEncoder()
	wire, err := enc.EncodeFrame(true, false, false, false, protocol.OpcodeText, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	// wire[1] already has the mask bit set (client frame); a server frame
	// with the bit set must be rejected.
	dec := protocol.NewDecoder(0)
	if _, err := dec.Feed(wire); err == nil {
		t.Fatal("expected protocol error for masked server frame")
	}
}

func TestDecodeRejectsReservedOpcode(t *testing.T) {
	dec := protocol.NewDecoder(0)
	// byte0: fin=1, opcode=0x3 (reserved); byte1: unmasked, length=0.
	if _, err := dec.Feed([]byte{0x83, 0x00}); err == nil {
		t.Fatal("expected protocol error for reserved opcode")
	}
}

func TestDecodeFeedAcrossChunkBoundaries(t *testing.T) {
	enc := seededEncoder()
	payload := bytes.Repeat([]byte{0xAB}, 300) // forces 16-bit extended length
	wire, err := enc.EncodeFrame(true, false, false, false, protocol.OpcodeBinary, payload)
	if err != nil {
		t.Fatal(err)
	}
	wire = asServerFrames(t, wire)

	dec := protocol.NewDecoder(0)
	var got []protocol.DecodedFrame
	for i := 0; i < len(wire); i++ {
		frames, err := dec.Feed(wire[i : i+1])
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, frames...)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 frame assembled from byte-at-a-time feed, got %d", len(got))
	}
	if !bytes.Equal(got[0].Payload, payload) {
		t.Error("payload mismatch after chunked feed")
	}
}

func TestDecodeEnforcesMaxPayloadLen(t *testing.T) {
	enc := seededEncoder()
	wire, err := enc.EncodeFrame(true, false, false, false, protocol.OpcodeBinary, make([]byte, 100))
	if err != nil {
		t.Fatal(err)
	}
	dec := protocol.NewDecoder(50)
	if _, err := dec.Feed(asServerFrames(t, wire)); err == nil {
		t.Fatal("expected protocol error for oversize payload")
	}
}

func TestControlFrameFragmentationRejected(t *testing.T) {
	dec := protocol.NewDecoder(0)
	// byte0: fin=0, opcode=PING (control); byte1: unmasked len=0.
	if _, err := dec.Feed([]byte{0x09, 0x00}); err == nil {
		t.Fatal("expected protocol error for fragmented control frame")
	}
}

func TestDecodeRejectsRsv2AndRsv3(t *testing.T) {
	dec := protocol.NewDecoder(0)
	// byte0: fin=1, rsv2=1, opcode=TEXT; byte1: unmasked, length=0.
	if _, err := dec.Feed([]byte{0x81 | protocol.Rsv2Bit, 0x00}); err == nil {
		t.Fatal("expected protocol error for rsv2 set without an owning extension")
	}

	dec = protocol.NewDecoder(0)
	if _, err := dec.Feed([]byte{0x81 | protocol.Rsv3Bit, 0x00}); err == nil {
		t.Fatal("expected protocol error for rsv3 set without an owning extension")
	}
}

func TestDecodeRejectsRsv1WithoutNegotiatedExtension(t *testing.T) {
	dec := protocol.NewDecoder(0)
	// byte0: fin=1, rsv1=1, opcode=TEXT; byte1: unmasked, length=0.
	if _, err := dec.Feed([]byte{0x81 | protocol.Rsv1Bit, 0x00}); err == nil {
		t.Fatal("expected protocol error for rsv1 set with no negotiated extension")
	}
}

func TestDecodeAllowsRsv1WhenExtensionNegotiated(t *testing.T) {
	dec := protocol.NewDecoder(0)
	dec.Rsv1Allowed = true
	frames, err := dec.Feed([]byte{0x81 | protocol.Rsv1Bit, 0x00})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 1 || !frames[0].Rsv1 {
		t.Fatal("expected one frame with rsv1 set once a deflate extension is negotiated")
	}
}

func TestMaskPayloadIsInvolution(t *testing.T) {
	key := [4]byte{0xDE, 0xAD, 0xBE, 0xEF}
	buf := []byte("round trip me")
	original := append([]byte(nil), buf...)

	protocol.MaskPayload(buf, key)
	if bytes.Equal(buf, original) {
		t.Fatal("masking did not change the payload")
	}
	protocol.MaskPayload(buf, key)
	if !bytes.Equal(buf, original) {
		t.Fatal("masking twice with the same key should be an involution")
	}
}
