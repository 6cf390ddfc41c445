package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/momentics/wsclient/api"
)

// Encoder builds masked client->server frames per spec.md §4.5. Every
// frame it writes has the mask bit set; the mask key is drawn from the
// injected RandomSource so tests can assert exact wire bytes.
type Encoder struct {
	Rand api.RandomSource
}

// NewEncoder returns an Encoder drawing mask keys from rnd.
func NewEncoder(rnd api.RandomSource) *Encoder {
	return &Encoder{Rand: rnd}
}

// EncodeFrame serializes a single frame (header + 4-byte mask + masked
// payload) into a freshly allocated buffer. rsv1/2/3 let an extension
// (permessage-deflate) flag its transform on the frame.
func (e *Encoder) EncodeFrame(fin bool, rsv1, rsv2, rsv3 bool, opcode byte, payload []byte) ([]byte, error) {
	if IsControlOpcode(opcode) && len(payload) > MaxControlPayloadLen {
		return nil, &api.Error{Code: api.ErrCodeUsage, Message: fmt.Sprintf("control frame payload %d exceeds %d bytes", len(payload), MaxControlPayloadLen)}
	}

	var b0 byte
	if fin {
		b0 |= FinBit
	}
	if rsv1 {
		b0 |= Rsv1Bit
	}
	if rsv2 {
		b0 |= Rsv2Bit
	}
	if rsv3 {
		b0 |= Rsv3Bit
	}
	b0 |= opcode

	n := len(payload)
	out := make([]byte, 0, MaxFrameHeaderLen+n)
	out = append(out, b0)

	switch {
	case n <= 125:
		out = append(out, byte(n)|MaskBit)
	case n <= 0xFFFF:
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		out = append(out, 126|MaskBit)
		out = append(out, ext[:]...)
	default:
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		out = append(out, 127|MaskBit)
		out = append(out, ext[:]...)
	}

	var maskKey [4]byte
	if _, err := e.Rand.Read(maskKey[:]); err != nil {
		return nil, &api.Error{Code: api.ErrCodeTransport, Message: "mask key generation failed", Err: err}
	}
	out = append(out, maskKey[:]...)

	start := len(out)
	out = append(out, payload...)
	MaskPayload(out[start:], maskKey)

	return out, nil
}

// EncodeFragments splits payload into fragments of at most fragmentSize
// bytes (0 means unlimited, i.e. a single fragment) and encodes the
// TEXT/BINARY first frame followed by CONTINUATION frames, per spec.md
// §4.5 step 3-5. Only the first fragment carries rsv1/2/3 (set by an
// extension transform applied before fragmentation, e.g. permessage-deflate).
func (e *Encoder) EncodeFragments(opcode byte, payload []byte, rsv1, rsv2, rsv3 bool, fragmentSize int) ([]byte, error) {
	if fragmentSize <= 0 || fragmentSize >= len(payload) {
		b, err := e.EncodeFrame(true, rsv1, rsv2, rsv3, opcode, payload)
		return b, err
	}

	var out []byte
	first := true
	for offset := 0; offset < len(payload) || (offset == 0 && len(payload) == 0); {
		end := offset + fragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		fin := end == len(payload)
		op := opcode
		var r1, r2, r3 bool
		if first {
			r1, r2, r3 = rsv1, rsv2, rsv3
		} else {
			op = OpcodeContinuation
		}
		b, err := e.EncodeFrame(fin, r1, r2, r3, op, payload[offset:end])
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
		first = false
		offset = end
		if offset >= len(payload) {
			break
		}
	}
	return out, nil
}

// EncodeClose builds a CLOSE frame carrying a 2-byte big-endian status
// code and a UTF-8 reason, truncating the reason so the total control
// payload never exceeds MaxControlPayloadLen, per spec.md §4.5.
func (e *Encoder) EncodeClose(code int, reason string) ([]byte, error) {
	reasonBytes := []byte(reason)
	maxReason := MaxControlPayloadLen - 2
	if len(reasonBytes) > maxReason {
		reasonBytes = truncateUTF8(reasonBytes, maxReason)
	}
	payload := make([]byte, 2+len(reasonBytes))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reasonBytes)
	return e.EncodeFrame(true, false, false, false, OpcodeClose, payload)
}

// truncateUTF8 shortens b to at most n bytes without splitting a multi-byte
// rune, so the CLOSE reason remains valid UTF-8.
func truncateUTF8(b []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	if len(b) <= n {
		return b
	}
	b = b[:n]
	for len(b) > 0 {
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size > 1 {
			break
		}
		b = b[:len(b)-1]
	}
	return b
}
