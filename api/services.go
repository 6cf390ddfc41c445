package api

import (
	cryptorand "crypto/rand"
	"encoding/base64"
	"math/rand/v2"
)

// Base64Encoder is the injected encoder used for the Sec-WebSocket-Key
// nonce and its accept-hash validation. The default wraps the standard
// library, matching the rest of this lineage's use of encoding/base64
// directly (no third-party base64 implementation appears anywhere in the
// retrieval pack).
type Base64Encoder interface {
	EncodeToString(src []byte) string
	DecodeString(s string) ([]byte, error)
}

type stdBase64Encoder struct{}

// NewStdBase64Encoder returns the standard base64.StdEncoding-backed encoder.
func NewStdBase64Encoder() Base64Encoder { return stdBase64Encoder{} }

func (stdBase64Encoder) EncodeToString(src []byte) string { return base64.StdEncoding.EncodeToString(src) }
func (stdBase64Encoder) DecodeString(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// RandomSource is the injected source of randomness for mask keys and
// handshake nonces. It must be seedable so tests can assert deterministic
// byte sequences (NewSeededRandomSource). The production default,
// NewCryptoRandomSource, is not seeded: it reads crypto/rand on every call.
type RandomSource interface {
	// Read fills buf with random bytes, never returning a short read.
	Read(buf []byte) (int, error)
}

// cryptoRandomSource is the production default: os entropy via crypto/rand.
type cryptoRandomSource struct{}

// NewCryptoRandomSource returns a RandomSource backed by crypto/rand.
func NewCryptoRandomSource() RandomSource { return cryptoRandomSource{} }

func (cryptoRandomSource) Read(buf []byte) (int, error) { return cryptorand.Read(buf) }

// seededRandomSource is a deterministic, non-cryptographic source for
// tests: given the same seed, successive Read calls always produce the
// same byte sequence.
type seededRandomSource struct {
	r *rand.ChaCha8
}

// NewSeededRandomSource returns a deterministic RandomSource for tests.
func NewSeededRandomSource(seed [32]byte) RandomSource {
	return &seededRandomSource{r: rand.NewChaCha8(seed)}
}

func (s *seededRandomSource) Read(buf []byte) (int, error) {
	return s.r.Read(buf)
}
