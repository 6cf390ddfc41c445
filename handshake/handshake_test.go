package handshake_test

import (
	"net/url"
	"strings"
	"testing"

	"github.com/momentics/wsclient/api"
	"github.com/momentics/wsclient/extension"
	"github.com/momentics/wsclient/handshake"
)

// TestExpectedAcceptGUIDFixture is the concrete scenario from spec.md §8:
// nonce="dGhlIHNhbXBsZSBub25jZQ==" -> Sec-WebSocket-Accept =
// "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=".
func TestExpectedAcceptGUIDFixture(t *testing.T) {
	b64 := api.NewStdBase64Encoder()
	got := handshake.ExpectedAccept("dGhlIHNhbXBsZSBub25jZQ==", b64)
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("ExpectedAccept = %q, want %q", got, want)
	}
}

func TestBuildRendersOpeningRequest(t *testing.T) {
	b64 := api.NewStdBase64Encoder()
	u, err := url.Parse("ws://example.com/chat")
	if err != nil {
		t.Fatal(err)
	}
	wire, secKey, err := handshake.Build(handshake.Request{
		URL:        u,
		Protocols:  []string{"v1.chat", "v2.chat"},
		Extensions: []string{"permessage-deflate;client_max_window_bits=8"},
		Nonce:      []byte("0123456789abcdef"),
	}, b64)
	if err != nil {
		t.Fatal(err)
	}

	req := string(wire)
	if !strings.HasPrefix(req, "GET /chat HTTP/1.1\r\n") {
		t.Errorf("unexpected request line: %q", req)
	}
	if !strings.Contains(req, "Host: example.com\r\n") {
		t.Error("missing Host header")
	}
	if !strings.Contains(req, "Upgrade: websocket\r\n") {
		t.Error("missing Upgrade header")
	}
	if !strings.Contains(req, "Sec-WebSocket-Version: 13\r\n") {
		t.Error("missing version header")
	}
	if !strings.Contains(req, "Sec-WebSocket-Key: "+secKey+"\r\n") {
		t.Error("Sec-WebSocket-Key does not match returned secKey")
	}
	if !strings.Contains(req, "Sec-WebSocket-Protocol: v1.chat, v2.chat\r\n") {
		t.Error("missing or malformed Sec-WebSocket-Protocol header")
	}
	if !strings.HasSuffix(req, "\r\n\r\n") {
		t.Error("request must end with an empty line")
	}
}

func TestBuildRejectsWrongNonceLength(t *testing.T) {
	b64 := api.NewStdBase64Encoder()
	u, _ := url.Parse("ws://example.com/")
	_, _, err := handshake.Build(handshake.Request{URL: u, Nonce: []byte("too short")}, b64)
	if err == nil {
		t.Fatal("expected usage error for a non-16-byte nonce")
	}
}

func validResponseBytes(secKey string, b64 api.Base64Encoder, extra string) []byte {
	accept := handshake.ExpectedAccept(secKey, b64)
	return []byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n" +
		extra +
		"\r\n")
}

func TestParseResponseNeedsMoreUntilTerminator(t *testing.T) {
	b64 := api.NewStdBase64Encoder()
	res := handshake.ParseResponse([]byte("HTTP/1.1 101 Switching Protocols\r\n"), "secKey", nil, nil, b64, nil)
	if res.Status != handshake.NeedMore {
		t.Fatalf("expected NeedMore, got %v", res.Status)
	}
}

func TestParseResponseSucceedsAndForwardsRemainingBytes(t *testing.T) {
	b64 := api.NewStdBase64Encoder()
	secKey := "dGhlIHNhbXBsZSBub25jZQ=="
	raw := append(validResponseBytes(secKey, b64, ""), []byte("leftover-frame-bytes")...)

	res := handshake.ParseResponse(raw, secKey, nil, nil, b64, nil)
	if res.Status != handshake.Complete {
		t.Fatalf("expected Complete, got %v (err=%v)", res.Status, res.Err)
	}
	if string(res.Remaining) != "leftover-frame-bytes" {
		t.Errorf("remaining bytes = %q, want %q", res.Remaining, "leftover-frame-bytes")
	}
}

func TestParseResponseRejectsAcceptMismatch(t *testing.T) {
	b64 := api.NewStdBase64Encoder()
	raw := validResponseBytes("some-other-key", b64, "")
	res := handshake.ParseResponse(raw, "secKey", nil, nil, b64, nil)
	if res.Status != handshake.Failed {
		t.Fatal("expected Failed for accept mismatch")
	}
}

func TestParseResponseSubprotocolAccepted(t *testing.T) {
	b64 := api.NewStdBase64Encoder()
	secKey := "key"
	raw := validResponseBytes(secKey, b64, "Sec-WebSocket-Protocol: v1.test.protocol\r\n")
	res := handshake.ParseResponse(raw, secKey, []string{"v1.test.protocol"}, nil, b64, nil)
	if res.Status != handshake.Complete {
		t.Fatalf("expected Complete, got %v (err=%v)", res.Status, res.Err)
	}
	if res.Response.Protocol != "v1.test.protocol" {
		t.Errorf("Protocol = %q", res.Response.Protocol)
	}
}

func TestParseResponseSubprotocolRejectedWhenNotOffered(t *testing.T) {
	b64 := api.NewStdBase64Encoder()
	secKey := "key"
	raw := validResponseBytes(secKey, b64, "Sec-WebSocket-Protocol: dummy.protocol\r\n")
	res := handshake.ParseResponse(raw, secKey, []string{"v1.test.protocol"}, nil, b64, nil)
	if res.Status != handshake.Failed {
		t.Fatal("expected Failed when server accepts an unoffered subprotocol")
	}
}

func TestParseResponseExtensionMustHaveBeenOffered(t *testing.T) {
	b64 := api.NewStdBase64Encoder()
	secKey := "key"
	raw := validResponseBytes(secKey, b64, "Sec-WebSocket-Extensions: permessage-deflate\r\n")
	offered := []extension.Offer{{Name: "permessage-deflate"}}
	res := handshake.ParseResponse(raw, secKey, nil, offered, b64, nil)
	if res.Status != handshake.Complete {
		t.Fatalf("expected Complete, got %v (err=%v)", res.Status, res.Err)
	}

	res = handshake.ParseResponse(raw, secKey, nil, nil, b64, nil)
	if res.Status != handshake.Failed {
		t.Fatal("expected Failed for an extension never offered")
	}
}

func TestParseResponseHandshakeHookCanReject(t *testing.T) {
	b64 := api.NewStdBase64Encoder()
	secKey := "key"
	raw := validResponseBytes(secKey, b64, "")
	res := handshake.ParseResponse(raw, secKey, nil, nil, b64, func(*handshake.Response) error {
		return api.NewError(api.ErrCodeHandshake, "rejected by test hook")
	})
	if res.Status != handshake.Failed {
		t.Fatal("expected Failed when the handshake hook rejects")
	}
}

// TestNoncesAreDistinct is the spec.md §8 invariant: 10,000 independently
// generated 16-byte nonces are all unique.
func TestNoncesAreDistinct(t *testing.T) {
	rnd := api.NewCryptoRandomSource()
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		nonce := make([]byte, 16)
		if _, err := rnd.Read(nonce); err != nil {
			t.Fatal(err)
		}
		key := string(nonce)
		if seen[key] {
			t.Fatalf("duplicate nonce observed on iteration %d", i)
		}
		seen[key] = true
	}
}
