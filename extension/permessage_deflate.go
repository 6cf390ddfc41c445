package extension

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/momentics/wsclient/api"
)

// deflateTrailer is the 4-byte empty-block sync marker RFC 7692 §7.2.1
// requires every sender to strip and every receiver to re-append before
// inflating.
var deflateTrailer = []byte{0x00, 0x00, 0xFF, 0xFF}

// maxWindowBytes is the largest sliding window RFC 7692 allows (2^15).
const maxWindowBytes = 1 << 15

// CompressionStrategy controls when a message is actually compressed.
// Grounded on spec.md §4.6's CompressionStrategy.min_size_in_bytes.
type CompressionStrategy struct {
	MinSizeInBytes int
	Level          int // flate.DefaultCompression if zero
}

// DeflateParams are the negotiated permessage-deflate parameters, per
// spec.md §4.6. Window bits outside [8,15] must be rejected at build time.
type DeflateParams struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits     int // 8..15, defaults to 15
	ClientMaxWindowBits     int // 8..15, defaults to 15
}

func (p *DeflateParams) applyDefaultsAndValidate() error {
	if p.ServerMaxWindowBits == 0 {
		p.ServerMaxWindowBits = 15
	}
	if p.ClientMaxWindowBits == 0 {
		p.ClientMaxWindowBits = 15
	}
	if p.ServerMaxWindowBits < 8 || p.ServerMaxWindowBits > 15 {
		return &api.Error{Code: api.ErrCodeUsage, Message: fmt.Sprintf("server_max_window_bits %d out of range [8,15]", p.ServerMaxWindowBits)}
	}
	if p.ClientMaxWindowBits < 8 || p.ClientMaxWindowBits > 15 {
		return &api.Error{Code: api.ErrCodeUsage, Message: fmt.Sprintf("client_max_window_bits %d out of range [8,15]", p.ClientMaxWindowBits)}
	}
	return nil
}

// PerMessageDeflate implements the Extension interface using raw DEFLATE
// (RFC 7692), bound to github.com/klauspost/compress/flate -- the
// real-world, allocation-conscious replacement for compress/flate that the
// retrieval pack itself depends on (see SPEC_FULL.md §6).
//
// Context takeover is modeled as an explicit dictionary carried between
// messages: the last up-to-32KiB of plaintext sent/received becomes the
// deflate dictionary seeding the next message's (de)compressor. When
// *_no_context_takeover is negotiated the dictionary is dropped after
// every message, per spec.md §4.6.
type PerMessageDeflate struct {
	params   DeflateParams
	strategy CompressionStrategy

	mu        sync.Mutex
	writeDict []byte
	readDict  []byte
}

// NewPerMessageDeflate validates params and returns a ready extension
// instance. Returns a UsageError (api.ErrCodeUsage) if window bits are
// out of range.
func NewPerMessageDeflate(params DeflateParams, strategy CompressionStrategy) (*PerMessageDeflate, error) {
	if err := params.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}
	if strategy.Level == 0 {
		strategy.Level = flate.DefaultCompression
	}
	return &PerMessageDeflate{params: params, strategy: strategy}, nil
}

func (d *PerMessageDeflate) Name() string { return "permessage-deflate" }

func (d *PerMessageDeflate) Params() map[string]string {
	out := map[string]string{
		"server_max_window_bits": fmt.Sprintf("%d", d.params.ServerMaxWindowBits),
		"client_max_window_bits": fmt.Sprintf("%d", d.params.ClientMaxWindowBits),
	}
	if d.params.ServerNoContextTakeover {
		out["server_no_context_takeover"] = ""
	}
	if d.params.ClientNoContextTakeover {
		out["client_no_context_takeover"] = ""
	}
	return out
}

// EncodeMessage compresses payload with raw DEFLATE when it meets the
// configured size threshold, stripping the trailing empty block and
// setting rsv1, per spec.md §4.6. Below the threshold the payload passes
// through unchanged with rsv1=false.
func (d *PerMessageDeflate) EncodeMessage(payload []byte) ([]byte, bool, error) {
	if len(payload) < d.strategy.MinSizeInBytes {
		return payload, false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var buf bytes.Buffer
	w, err := flate.NewWriterDict(&buf, d.strategy.Level, d.writeDict)
	if err != nil {
		return nil, false, &api.Error{Code: api.ErrCodeProtocol, Message: "deflate compress init failed", Err: err}
	}
	if _, err := w.Write(payload); err != nil {
		return nil, false, &api.Error{Code: api.ErrCodeProtocol, Message: "deflate compress failed", Err: err}
	}
	if err := w.Flush(); err != nil {
		return nil, false, &api.Error{Code: api.ErrCodeProtocol, Message: "deflate flush failed", Err: err}
	}

	out := bytes.TrimSuffix(buf.Bytes(), deflateTrailer)
	result := make([]byte, len(out))
	copy(result, out)

	if d.params.ClientNoContextTakeover {
		d.writeDict = nil
	} else {
		d.writeDict = lastBytes(payload, maxWindowBytes)
	}

	return result, true, nil
}

// DecodeMessage inflates payload when rsv1 is set, re-appending the
// stripped empty block first, per spec.md §4.6. When rsv1 is clear the
// payload passes through unchanged.
func (d *PerMessageDeflate) DecodeMessage(payload []byte, rsv1 bool) ([]byte, error) {
	if !rsv1 {
		return payload, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	src := bytes.NewBuffer(payload)
	src.Write(deflateTrailer)

	r := flate.NewReaderDict(src, d.readDict)
	defer r.Close()

	var out bytes.Buffer
	if _, err := io.Copy(&out, r); err != nil {
		return nil, &api.Error{Code: api.ErrCodeProtocol, Message: "deflate inflate failed", Err: err}
	}

	if d.params.ServerNoContextTakeover {
		d.readDict = nil
	} else {
		d.readDict = lastBytes(out.Bytes(), maxWindowBytes)
	}

	return out.Bytes(), nil
}

// lastBytes returns a copy of the trailing min(n, len(b)) bytes of b.
func lastBytes(b []byte, n int) []byte {
	if len(b) <= n {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	}
	out := make([]byte, n)
	copy(out, b[len(b)-n:])
	return out
}
