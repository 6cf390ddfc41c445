package protocol_test

import (
	"bytes"
	"testing"

	"github.com/momentics/wsclient/protocol"
)

func TestAssemblerSingleFrameMessage(t *testing.T) {
	var a protocol.Assembler
	msg, control, err := a.Push(&protocol.Frame{Fin: true, Opcode: protocol.OpcodeText, Payload: []byte("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if control != nil {
		t.Fatal("expected no control frame")
	}
	if msg == nil || string(msg.Payload) != "hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestAssemblerFragmentedMessage(t *testing.T) {
	var a protocol.Assembler

	msg, _, err := a.Push(&protocol.Frame{Fin: false, Opcode: protocol.OpcodeBinary, Payload: []byte("ab")})
	if err != nil || msg != nil {
		t.Fatalf("expected nil message mid-fragmentation, got %+v err=%v", msg, err)
	}

	msg, _, err = a.Push(&protocol.Frame{Fin: true, Opcode: protocol.OpcodeContinuation, Payload: []byte("cd")})
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || !bytes.Equal(msg.Payload, []byte("abcd")) {
		t.Fatalf("unexpected assembled payload: %+v", msg)
	}
}

func TestAssemblerControlFrameInterleavesWithoutDisturbingState(t *testing.T) {
	var a protocol.Assembler

	_, _, err := a.Push(&protocol.Frame{Fin: false, Opcode: protocol.OpcodeBinary, Payload: []byte("ab")})
	if err != nil {
		t.Fatal(err)
	}

	msg, control, err := a.Push(&protocol.Frame{Fin: true, Opcode: protocol.OpcodePing, Payload: []byte("ping")})
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatal("control frame must not produce a message")
	}
	if control == nil || control.Opcode != protocol.OpcodePing {
		t.Fatal("expected the ping frame to be returned as control")
	}

	msg, _, err = a.Push(&protocol.Frame{Fin: true, Opcode: protocol.OpcodeContinuation, Payload: []byte("cd")})
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || !bytes.Equal(msg.Payload, []byte("abcd")) {
		t.Fatalf("control frame interleaving corrupted assembly state: %+v", msg)
	}
}

func TestAssemblerRejectsInterleavedNonContinuation(t *testing.T) {
	var a protocol.Assembler
	if _, _, err := a.Push(&protocol.Frame{Fin: false, Opcode: protocol.OpcodeText, Payload: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Push(&protocol.Frame{Fin: true, Opcode: protocol.OpcodeText, Payload: []byte("b")}); err == nil {
		t.Fatal("expected protocol error for a second data frame before the first completed")
	}
}

func TestAssemblerRejectsContinuationWithoutOpenMessage(t *testing.T) {
	var a protocol.Assembler
	if _, _, err := a.Push(&protocol.Frame{Fin: true, Opcode: protocol.OpcodeContinuation, Payload: []byte("x")}); err == nil {
		t.Fatal("expected protocol error for orphan continuation frame")
	}
}

func TestValidateUTF8StrictRejectsOverlongAndSurrogates(t *testing.T) {
	valid := []byte("hello \xe2\x98\x83") // snowman
	if !protocol.ValidateUTF8Strict(valid) {
		t.Error("expected valid UTF-8 to pass")
	}

	overlong := []byte{0xC0, 0x80} // overlong encoding of NUL
	if protocol.ValidateUTF8Strict(overlong) {
		t.Error("expected overlong encoding to be rejected")
	}

	surrogate := []byte{0xED, 0xA0, 0x80} // encoded high surrogate half
	if protocol.ValidateUTF8Strict(surrogate) {
		t.Error("expected lone surrogate encoding to be rejected")
	}
}
