package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/wsclient/api"
)

// The READ_HEADER_1 -> READ_EXT_LEN -> READ_MASK -> READ_PAYLOAD -> DISPATCH
// cycle from spec.md §4.4 is implemented as a streaming decoder that never
// requires contiguous input: Feed may be called with arbitrarily small
// chunks and the decoder accumulates what it needs in an internal buffer,
// re-parsing from the front the way the teacher's DecodeFrameFromBytes
// signals "incomplete" with (nil, 0, nil) rather than blocking.

// DecodedFrame is a single frame surfaced by the Decoder, already unmasked.
type DecodedFrame struct {
	Frame
}

// Decoder parses an inbound byte stream (server -> client) into frames and
// enforces the header-level validations from spec.md §4.4. It does not
// assemble multi-frame messages; Assembler does that on top.
type Decoder struct {
	MaxPayloadLen int64 // maxResponsePayloadSizeInBytes; 0 = unlimited

	// Rsv1Allowed reports whether a negotiated extension (permessage-deflate
	// is the only one this module implements) owns RSV1. No negotiated
	// extension in this module ever owns RSV2/RSV3, so those two bits are
	// always rejected when set.
	Rsv1Allowed bool

	buf []byte
}

// NewDecoder returns a Decoder enforcing maxPayloadLen (0 disables the cap).
func NewDecoder(maxPayloadLen int64) *Decoder {
	return &Decoder{MaxPayloadLen: maxPayloadLen}
}

// Feed appends chunk to the internal buffer and returns every complete
// frame it can extract. A protocol violation aborts with an *api.Error of
// code ErrCodeProtocol; the caller must send CLOSE 1002 and stop feeding.
func (d *Decoder) Feed(chunk []byte) ([]DecodedFrame, error) {
	if len(chunk) > 0 {
		d.buf = append(d.buf, chunk...)
	}

	var out []DecodedFrame
	for {
		frame, consumed, err := d.tryDecodeOne(d.buf)
		if err != nil {
			return out, err
		}
		if consumed == 0 {
			break
		}
		d.buf = d.buf[consumed:]
		out = append(out, DecodedFrame{Frame: *frame})
	}
	return out, nil
}

// tryDecodeOne attempts to decode a single frame from raw, returning
// (nil, 0, nil) if more bytes are needed -- mirroring the teacher's
// DecodeFrameFromBytes "need more" idiom.
func (d *Decoder) tryDecodeOne(raw []byte) (*Frame, int, error) {
	if len(raw) < 2 {
		return nil, 0, nil
	}

	b0, b1 := raw[0], raw[1]
	fin := b0&FinBit != 0
	rsv1 := b0&Rsv1Bit != 0
	rsv2 := b0&Rsv2Bit != 0
	rsv3 := b0&Rsv3Bit != 0
	opcode := b0 & 0x0F
	masked := b1&MaskBit != 0
	length := int64(b1 & 0x7F)
	offset := 2

	if !IsKnownOpcode(opcode) {
		return nil, 0, protocolErr("reserved or unknown opcode %#x", opcode)
	}
	if masked {
		return nil, 0, protocolErr("server frame has mask bit set")
	}
	if IsControlOpcode(opcode) && !fin {
		return nil, 0, protocolErr("fragmented control frame (opcode %#x)", opcode)
	}
	if rsv2 || rsv3 {
		return nil, 0, protocolErr("reserved bit set without an owning extension (rsv2=%v rsv3=%v)", rsv2, rsv3)
	}
	if rsv1 && !d.Rsv1Allowed {
		return nil, 0, protocolErr("rsv1 set but no negotiated extension owns it")
	}

	switch length {
	case 126:
		if len(raw) < offset+2 {
			return nil, 0, nil
		}
		length = int64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return nil, 0, nil
		}
		length = int64(binary.BigEndian.Uint64(raw[offset:]))
		offset += 8
	}

	if IsControlOpcode(opcode) && length > MaxControlPayloadLen {
		return nil, 0, protocolErr("control frame payload %d exceeds %d bytes", length, MaxControlPayloadLen)
	}
	if d.MaxPayloadLen > 0 && length > d.MaxPayloadLen {
		return nil, 0, &api.Error{Code: api.ErrCodeProtocol, Message: fmt.Sprintf("payload %d exceeds configured maximum %d", length, d.MaxPayloadLen)}
	}

	total := offset + int(length)
	if len(raw) < total {
		return nil, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, raw[offset:total])

	return &Frame{
		Fin:        fin,
		Rsv1:       rsv1,
		Rsv2:       rsv2,
		Rsv3:       rsv3,
		Opcode:     opcode,
		Masked:     false,
		PayloadLen: length,
		Payload:    payload,
	}, total, nil
}

func protocolErr(format string, args ...any) error {
	return &api.Error{Code: api.ErrCodeProtocol, Message: fmt.Sprintf(format, args...)}
}
