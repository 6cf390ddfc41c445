package handshake

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/momentics/wsclient/api"
	"github.com/momentics/wsclient/extension"
)

// ParseStatus is the explicit result of ParseResponse, replacing the
// exception-driven "need more bytes" control flow the source repo used
// (spec.md §9 DESIGN NOTES: source throws BufferUnsatisfiedException).
type ParseStatus int

const (
	NeedMore ParseStatus = iota
	Complete
	Failed
)

// ParseResult is returned by ParseResponse.
type ParseResult struct {
	Status    ParseStatus
	Err       error  // set when Status == Failed
	Remaining []byte // bytes after CRLFCRLF, forwarded to the frame codec
	Response  *Response
}

// Response is the validated, parsed server handshake response.
type Response struct {
	StatusLine string
	Header     http.Header
	Protocol   string // negotiated subprotocol, "" if none
	Extensions []extension.Offer
}

// HandshakeHook lets the caller inspect the raw response and independently
// accept or reject it, per spec.md §4.3.
type HandshakeHook func(*Response) error

// ParseResponse buffers raw until the first CRLFCRLF terminator appears.
// If the terminator is not yet present it returns NeedMore and the caller
// must call again with more bytes appended to the same buffer it holds.
// offeredProtocols and offeredExtensions are what the client sent, used to
// validate the server did not accept something it wasn't offered.
func ParseResponse(raw []byte, secKey string, offeredProtocols []string, offeredExtensions []extension.Offer, b64 api.Base64Encoder, hook HandshakeHook) ParseResult {
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	if idx < 0 {
		return ParseResult{Status: NeedMore}
	}

	headerBytes := raw[:idx+4]
	remaining := raw[idx+4:]

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(headerBytes)), nil)
	if err != nil {
		return ParseResult{Status: Failed, Err: &api.Error{Code: api.ErrCodeHandshake, Message: "malformed HTTP response", Err: err}}
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return ParseResult{Status: Failed, Err: &api.Error{Code: api.ErrCodeHandshake, Message: fmt.Sprintf("unexpected status %d %s", resp.StatusCode, resp.Status)}}
	}
	if !headerTokenEquals(resp.Header, "Upgrade", "websocket") {
		return ParseResult{Status: Failed, Err: &api.Error{Code: api.ErrCodeHandshake, Message: "missing or invalid Upgrade header"}}
	}
	if !headerContainsToken(resp.Header, "Connection", "upgrade") {
		return ParseResult{Status: Failed, Err: &api.Error{Code: api.ErrCodeHandshake, Message: "missing or invalid Connection header"}}
	}

	accept := resp.Header.Get("Sec-WebSocket-Accept")
	if accept == "" || accept != ExpectedAccept(secKey, b64) {
		return ParseResult{Status: Failed, Err: &api.Error{Code: api.ErrCodeHandshake, Message: "Sec-WebSocket-Accept mismatch"}}
	}

	protocol := resp.Header.Get("Sec-WebSocket-Protocol")
	if protocol != "" {
		if len(offeredProtocols) == 0 || !containsFold(offeredProtocols, protocol) {
			return ParseResult{Status: Failed, Err: &api.Error{Code: api.ErrCodeHandshake, Message: fmt.Sprintf("server accepted unoffered subprotocol %q", protocol)}}
		}
	}

	negotiatedExt, err := parseAndValidateExtensions(resp.Header.Get("Sec-WebSocket-Extensions"), offeredExtensions)
	if err != nil {
		return ParseResult{Status: Failed, Err: err}
	}

	parsed := &Response{
		StatusLine: resp.Status,
		Header:     resp.Header,
		Protocol:   protocol,
		Extensions: negotiatedExt,
	}

	if hook != nil {
		if err := hook(parsed); err != nil {
			return ParseResult{Status: Failed, Err: &api.Error{Code: api.ErrCodeHandshake, Message: "rejected by handshake hook", Err: err}}
		}
	}

	return ParseResult{Status: Complete, Remaining: remaining, Response: parsed}
}

func headerTokenEquals(h http.Header, name, want string) bool {
	return strings.EqualFold(strings.TrimSpace(h.Get(name)), want)
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h[http.CanonicalHeaderKey(name)] {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// parseAndValidateExtensions parses "name[;k=v;...], name2[;k=v]" and
// rejects any token the client did not offer, per spec.md §4.3.
func parseAndValidateExtensions(header string, offered []extension.Offer) ([]extension.Offer, error) {
	if header == "" {
		return nil, nil
	}
	offeredNames := make(map[string]bool, len(offered))
	for _, o := range offered {
		offeredNames[o.Name] = true
	}

	var out []extension.Offer
	for _, tok := range strings.Split(header, ",") {
		parts := strings.Split(tok, ";")
		name := strings.TrimSpace(parts[0])
		if !offeredNames[name] {
			return nil, &api.Error{Code: api.ErrCodeHandshake, Message: fmt.Sprintf("server negotiated unoffered extension %q", name)}
		}
		params := map[string]string{}
		for _, p := range parts[1:] {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if k, v, ok := strings.Cut(p, "="); ok {
				params[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
			} else {
				params[p] = ""
			}
		}
		out = append(out, extension.Offer{Name: name, Params: params})
	}
	return out, nil
}
