// Package wsclient is the factory/lifecycle component of spec.md §2: it
// creates sessions, owns the reactor, and performs orderly shutdown.
// Grounded on the teacher's client/client.go (WebSocketClient,
// dialAndHandshake, functional ClientOption) and client/facade.go's
// Config/DefaultConfig pattern, generalized from the teacher's
// batch/zero-copy stress-test client to a general-purpose session
// factory driven by the reactor and handshake packages built alongside
// it.
//
// Author: momentics <momentics@gmail.com>
package wsclient

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/momentics/wsclient/api"
	"github.com/momentics/wsclient/extension"
	"github.com/momentics/wsclient/handshake"
	"github.com/momentics/wsclient/reactor"
	"github.com/momentics/wsclient/session"
)

// Client is the factory of spec.md §2/§5: it owns one Reactor and every
// Session dialed through it, and tears all of them down on Destroy.
type Client struct {
	logger  api.Logger
	rand    api.RandomSource
	b64     api.Base64Encoder
	metrics *MetricsRegistry

	workerCount int
	reactor     *reactor.Reactor

	mu        sync.Mutex
	sessions  map[*session.Session]struct{}
	destroyed bool
}

// NewClient constructs a Client and starts its reactor.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		logger:   api.NopLogger{},
		rand:     api.NewCryptoRandomSource(),
		b64:      api.NewStdBase64Encoder(),
		metrics:  NewMetricsRegistry(),
		sessions: make(map[*session.Session]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	reactorOpts := []reactor.Option{reactor.WithLogger(c.logger)}
	if c.workerCount > 0 {
		reactorOpts = append(reactorOpts, reactor.WithWorkerCount(c.workerCount))
	}
	r, err := reactor.New(reactorOpts...)
	if err != nil {
		return nil, err
	}
	c.reactor = r
	return c, nil
}

// Metrics returns the client's runtime metrics registry.
func (c *Client) Metrics() *MetricsRegistry { return c.metrics }

// Dial performs TCP connect, the opening handshake, and on success
// returns an open Session bound to handler, per spec.md §4.3/§4.7. The
// calling goroutine blocks until the session opens or dialing fails
// (spec.md §5: "user threads block only in openAsync(...).get(timeout)"):
// each connect attempt is bounded by the configured connect timeout, and
// with WithReconnect the attempts and backoff sleeps add up; ctx bounds
// the whole call.
func (c *Client) Dial(ctx context.Context, rawURL string, handler session.Handler, opts ...DialOption) (*session.Session, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, api.ErrFactoryDestroyed
	}
	c.mu.Unlock()

	cfg := newDialConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &api.Error{Code: api.ErrCodeUsage, Message: "invalid URL", Err: err}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, &api.Error{Code: api.ErrCodeUsage, Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	sess, err := c.dialWithRetry(ctx, u, handler, cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[sess] = struct{}{}
	c.mu.Unlock()
	c.metrics.incSessionsOpened()

	if cfg.heartbeat > 0 {
		c.scheduleHeartbeat(sess, cfg)
	}

	return sess, nil
}

// dialWithRetry attempts connect+handshake once, and if cfg.reconnectMax
// is set, retries on failure with a linearly increasing backoff, per
// the teacher's client.go connect()/ReconnectMax loop.
func (c *Client) dialWithRetry(ctx context.Context, u *url.URL, handler session.Handler, cfg *dialConfig) (*session.Session, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout)
		var d net.Dialer
		conn, err := d.DialContext(dialCtx, "tcp", handshake.DialAddr(u))
		if err == nil {
			var sess *session.Session
			sess, err = c.handshakeAndOpen(dialCtx, conn, u, handler, cfg)
			cancel()
			if err == nil {
				return sess, nil
			}
			_ = conn.Close()
		} else {
			cancel()
			err = &api.Error{Code: api.ErrCodeTransport, Message: "tcp connect failed", Err: err}
		}

		lastErr = err
		if cfg.reconnectMax <= 0 || attempt >= cfg.reconnectMax {
			return nil, lastErr
		}
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(time.Duration(attempt) * cfg.reconnectBackoff):
		}
	}
}

func (c *Client) handshakeAndOpen(ctx context.Context, conn net.Conn, u *url.URL, handler session.Handler, cfg *dialConfig) (*session.Session, error) {
	nonce := make([]byte, 16)
	if _, err := c.rand.Read(nonce); err != nil {
		return nil, &api.Error{Code: api.ErrCodeTransport, Message: "nonce generation failed", Err: err}
	}

	extOffers := make([]string, 0, len(cfg.extensionOffers))
	offeredExt := make([]extension.Offer, 0, len(cfg.extensionOffers))
	extByName := make(map[string]extension.Extension, len(cfg.extensionOffers))
	for _, er := range cfg.extensionOffers {
		extOffers = append(extOffers, er.wire)
		offeredExt = append(offeredExt, extension.Offer{Name: er.name})
		extByName[er.name] = er.ext
	}

	wire, secKey, err := handshake.Build(handshake.Request{
		URL:          u,
		Protocols:    cfg.protocols,
		Extensions:   extOffers,
		ExtraHeaders: cfg.extraHeaders,
		Nonce:        nonce,
	}, c.b64)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Write(wire); err != nil {
		return nil, &api.Error{Code: api.ErrCodeTransport, Message: "failed to write opening request", Err: err}
	}

	hs := &handshakeAccumulator{
		secKey:     secKey,
		protocols:  cfg.protocols,
		offeredExt: offeredExt,
		b64:        c.b64,
		hook:       cfg.handshakeHook,
		result:     make(chan handshakeOutcome, 1),
	}

	sock, err := reactor.NewSocketConn(c.reactor, conn, reactor.SocketEvents{
		OnData:   hs.onData,
		OnClosed: hs.onClosed,
	})
	if err != nil {
		return nil, &api.Error{Code: api.ErrCodeResource, Message: "reactor registration failed", Err: err}
	}

	select {
	case <-ctx.Done():
		sock.Close()
		return nil, &api.Error{Code: api.ErrCodeTransport, Message: "handshake timed out", Err: ctx.Err()}
	case outcome := <-hs.result:
		if outcome.err != nil {
			sock.Close()
			return nil, outcome.err
		}

		negotiated := session.ExtensionsFromOffers(outcome.response.Extensions, extByName)
		sess := session.New(session.Config{
			Reactor:               c.reactor,
			Socket:                sock,
			Handler:               handler,
			Logger:                c.logger,
			Rand:                  c.rand,
			Extensions:            negotiated,
			Protocol:              outcome.response.Protocol,
			MaxResponsePayloadLen: cfg.maxPayloadLen,
			OnBytesSent:           c.metrics.addBytesSent,
			OnBytesReceived:       c.metrics.addBytesReceived,
		})
		sess.Feed(outcome.remaining)
		return sess, nil
	}
}

// scheduleHeartbeat turns on the per-session heartbeat a caller opted
// into via WithHeartbeat, a supplemented feature (spec.md itself only
// specifies the manual check_connection call).
func (c *Client) scheduleHeartbeat(sess *session.Session, cfg *dialConfig) {
	sess.StartHeartbeat(cfg.heartbeat, cfg.heartbeatTimeout)
}

// Destroy idempotently cancels every session created by this client and
// tears down its reactor, per spec.md §5: "destroy() on the factory
// cancels all sessions; on_closed is delivered for each live session."
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	sessions := make([]*session.Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = nil
	c.mu.Unlock()

	for _, s := range sessions {
		s.CloseNow()
		c.metrics.incSessionsClosed()
	}
	c.reactor.Destroy()
}

type handshakeOutcome struct {
	response  *handshake.Response
	remaining []byte
	err       error
}

// handshakeAccumulator buffers inbound bytes across possibly many reactor
// chunks and re-parses from the start, per the NeedMore/Complete/Failed
// result type of spec.md §9.
type handshakeAccumulator struct {
	mu         sync.Mutex
	buf        []byte
	done       bool
	secKey     string
	protocols  []string
	offeredExt []extension.Offer
	b64        api.Base64Encoder
	hook       handshake.HandshakeHook
	result     chan handshakeOutcome
}

func (hs *handshakeAccumulator) onData(chunk []byte) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.done {
		return
	}
	hs.buf = append(hs.buf, chunk...)

	res := handshake.ParseResponse(hs.buf, hs.secKey, hs.protocols, hs.offeredExt, hs.b64, hs.hook)
	switch res.Status {
	case handshake.NeedMore:
		return
	case handshake.Complete:
		hs.done = true
		hs.result <- handshakeOutcome{response: res.Response, remaining: res.Remaining}
	case handshake.Failed:
		hs.done = true
		hs.result <- handshakeOutcome{err: res.Err}
	}
}

func (hs *handshakeAccumulator) onClosed(err error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.done {
		return
	}
	hs.done = true
	hs.result <- handshakeOutcome{err: &api.Error{Code: api.ErrCodeTransport, Message: "connection closed during handshake", Err: err}}
}
