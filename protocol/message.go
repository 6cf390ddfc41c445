package protocol

import (
	"unicode/utf8"

	"github.com/momentics/wsclient/api"
)

// Message is a logical unit assembled from one non-control frame followed
// by zero or more CONTINUATION frames, per spec.md §3.
type Message struct {
	Opcode  byte // TEXT or BINARY, the opcode of the frame that started it
	Payload []byte
	Rsv1    bool // carried from the first frame, for extension decoding
}

// Assembler reassembles fragmented messages from a stream of decoded
// frames and dispatches control frames immediately, per spec.md §4.4.
// Control frames may interleave mid-message without disturbing assembly
// state, matching "Control frames are dispatched immediately and never
// participate in message state."
type Assembler struct {
	inProgress bool
	opcode     byte
	rsv1       bool
	payload    []byte
}

// Push feeds one decoded, header-validated frame into the assembler.
// It returns a completed Message when fin=1 closes out a non-control
// frame/continuation sequence, or nil if more continuations are expected
// or the frame was a control frame (handled via control return value).
func (a *Assembler) Push(f *Frame) (msg *Message, control *Frame, err error) {
	if f.IsControl() {
		return nil, f, nil
	}

	switch f.Opcode {
	case OpcodeText, OpcodeBinary:
		if a.inProgress {
			return nil, nil, &api.Error{Code: api.ErrCodeProtocol, Message: "new message started before previous one completed"}
		}
		// only the first frame of a message may carry rsv1 (PMD).
		a.inProgress = true
		a.opcode = f.Opcode
		a.rsv1 = f.Rsv1
		a.payload = append(a.payload[:0], f.Payload...)
	case OpcodeContinuation:
		if !a.inProgress {
			return nil, nil, &api.Error{Code: api.ErrCodeProtocol, Message: "continuation frame without an open message"}
		}
		if f.Rsv1 {
			return nil, nil, &api.Error{Code: api.ErrCodeProtocol, Message: "continuation frame must not set rsv1"}
		}
		a.payload = append(a.payload, f.Payload...)
	default:
		return nil, nil, &api.Error{Code: api.ErrCodeProtocol, Message: "unexpected opcode in message stream"}
	}

	if !f.Fin {
		return nil, nil, nil
	}

	out := &Message{Opcode: a.opcode, Payload: a.payload, Rsv1: a.rsv1}
	a.inProgress = false
	a.opcode = 0
	a.rsv1 = false
	a.payload = nil
	return out, nil, nil
}

// ValidateUTF8Strict enforces RFC 3629: no surrogates, no overlong
// encodings, and a fully-terminated final sequence. utf8.Valid already
// rejects all of these for Go's decoder, which never accepts surrogate
// halves or overlong forms.
func ValidateUTF8Strict(b []byte) bool {
	return utf8.Valid(b)
}
