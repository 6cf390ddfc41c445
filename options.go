package wsclient

import (
	"time"

	"github.com/momentics/wsclient/api"
	"github.com/momentics/wsclient/extension"
	"github.com/momentics/wsclient/handshake"
)

// ClientOption configures a Client at construction, grounded on the
// teacher's client.ClientOption/WithDialer functional-options pattern.
type ClientOption func(*Client)

// WithLogger injects the logging sink shared by every session the client
// creates.
func WithLogger(l api.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithRandomSource overrides the default crypto/rand-backed nonce and
// mask-key source, for deterministic tests.
func WithRandomSource(r api.RandomSource) ClientOption {
	return func(c *Client) { c.rand = r }
}

// WithBase64Encoder overrides the default standard-library base64 encoder.
func WithBase64Encoder(b api.Base64Encoder) ClientOption {
	return func(c *Client) { c.b64 = b }
}

// WithWorkerCount sets the reactor's callback worker pool size.
func WithWorkerCount(n int) ClientOption {
	return func(c *Client) { c.workerCount = n }
}

// DialOption configures a single session build, per spec.md §6's
// recognized configuration options.
type DialOption func(*dialConfig)

type dialConfig struct {
	protocols        []string
	extensionOffers  []extensionRequest
	maxPayloadLen    int64
	handshakeHook    handshake.HandshakeHook
	extraHeaders     [][2]string
	connectTimeout   time.Duration
	heartbeat        time.Duration
	heartbeatTimeout time.Duration
	reconnectMax     int
	reconnectBackoff time.Duration
}

type extensionRequest struct {
	wire string // rendered "name;k=v;..." offer string
	ext  extension.Extension
	name string
}

func newDialConfig() *dialConfig {
	return &dialConfig{connectTimeout: 10 * time.Second}
}

// WithProtocols offers subprotocols in preference order.
func WithProtocols(protocols ...string) DialOption {
	return func(c *dialConfig) { c.protocols = protocols }
}

// WithPerMessageDeflate offers permessage-deflate with the given
// parameters and strategy, wiring ext into the session if the server
// accepts it, per spec.md §4.6.
func WithPerMessageDeflate(params extension.DeflateParams, strategy extension.CompressionStrategy) (DialOption, error) {
	ext, err := extension.NewPerMessageDeflate(params, strategy)
	if err != nil {
		return nil, err
	}
	return func(c *dialConfig) {
		c.extensionOffers = append(c.extensionOffers, extensionRequest{
			wire: renderOffer(ext.Name(), ext.Params()),
			ext:  ext,
			name: ext.Name(),
		})
	}, nil
}

// WithMaxResponsePayloadSize rejects any inbound frame whose payload
// exceeds n bytes; 0 disables the cap.
func WithMaxResponsePayloadSize(n int64) DialOption {
	return func(c *dialConfig) { c.maxPayloadLen = n }
}

// WithHandshakeHandler installs a hook to independently accept or reject
// the server's handshake response, per spec.md §4.3.
func WithHandshakeHandler(hook handshake.HandshakeHook) DialOption {
	return func(c *dialConfig) { c.handshakeHook = hook }
}

// WithExtraHeaders appends caller-supplied headers to the opening request.
func WithExtraHeaders(headers ...[2]string) DialOption {
	return func(c *dialConfig) { c.extraHeaders = append(c.extraHeaders, headers...) }
}

// WithConnectTimeout bounds how long Dial waits for TCP connect and the
// handshake round-trip before failing, per spec.md §5's "user threads
// block only in openAsync(...).get(timeout)".
func WithConnectTimeout(d time.Duration) DialOption {
	return func(c *dialConfig) { c.connectTimeout = d }
}

// WithHeartbeat schedules a periodic check_connection(timeout) once the
// session opens, supplementing spec.md §4.7 with the teacher's
// client.go heartbeatLoop convenience.
func WithHeartbeat(interval, pongTimeout time.Duration) DialOption {
	return func(c *dialConfig) {
		c.heartbeat = interval
		c.heartbeatTimeout = pongTimeout
	}
}

// WithReconnect makes up to maxAttempts connect attempts in total (TCP
// connect plus opening handshake), sleeping attempt*backoff after each
// failed attempt, grounded on the teacher's client.go connect()/ReconnectMax
// loop. A maxAttempts of 0 (the default) or 1 disables retrying: the first
// failure is returned immediately, unchanged from spec.md's one-shot Dial.
func WithReconnect(maxAttempts int, backoff time.Duration) DialOption {
	return func(c *dialConfig) {
		c.reconnectMax = maxAttempts
		c.reconnectBackoff = backoff
	}
}

func renderOffer(name string, params map[string]string) string {
	out := name
	for k, v := range params {
		if v == "" {
			out += ";" + k
		} else {
			out += ";" + k + "=" + v
		}
	}
	return out
}
