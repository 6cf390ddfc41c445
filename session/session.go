// Package session owns the sequencing of spec.md §4.7: TCP connect ->
// handshake -> framed communication -> close. It wires the frame codec
// (protocol), the extension chain, and the reactor's socket connection
// together behind the small Handler capability set the user implements,
// grounded on the teacher's highlevel/conn.go idempotent-close pattern
// and client/client.go's recvLoop/heartbeatLoop dispatch.
//
// Author: momentics <momentics@gmail.com>
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/momentics/wsclient/api"
	"github.com/momentics/wsclient/extension"
	"github.com/momentics/wsclient/protocol"
	"github.com/momentics/wsclient/reactor"
)

// Handler is the user-facing capability set a Session dispatches to, per
// spec.md §9's "model as capability sets" note.
type Handler interface {
	OnConnected(s *Session)
	OnText(s *Session, text string)
	OnBinary(s *Session, data []byte)
	OnPing(s *Session, payload []byte)
	OnPong(s *Session, payload []byte)
	OnClose(s *Session, code int, reason string)
	OnClosed(s *Session, err error)
}

// NopHandler implements Handler with no-ops, so callers can embed it and
// override only the callbacks they care about.
type NopHandler struct{}

func (NopHandler) OnConnected(*Session)                {}
func (NopHandler) OnText(*Session, string)              {}
func (NopHandler) OnBinary(*Session, []byte)            {}
func (NopHandler) OnPing(*Session, []byte)              {}
func (NopHandler) OnPong(*Session, []byte)              {}
func (NopHandler) OnClose(*Session, int, string)        {}
func (NopHandler) OnClosed(*Session, error)             {}

// CloseGraceWindow bounds how long a Session waits for the server's CLOSE
// reply before dropping the socket unilaterally, per spec.md §4.7.
const CloseGraceWindow = 5 * time.Second

// Session is the concrete implementation of spec.md §3's Session/§4.7.
type Session struct {
	id      string
	reactor *reactor.Reactor
	sock    *reactor.SocketConn
	handler Handler
	logger  api.Logger

	encoder *protocol.Encoder
	decoder *protocol.Decoder
	asm     protocol.Assembler

	extensions []extension.Extension
	protocol_  string // negotiated subprotocol

	onBytesSent     func(int64)
	onBytesReceived func(int64)

	mu             sync.Mutex
	status         api.SessionStatus
	sentClose      bool
	closeGraceTmr  *reactor.TimerHandle
	pendingPing    *reactor.TimerHandle
	pendingPingKey []byte

	partialMu   sync.Mutex
	partialOpen bool

	sendMu sync.Mutex // linearizes multi-fragment sends, per spec.md §5

	dispatchMu   sync.Mutex
	dispatchQ    []func()
	dispatching  bool
}

// Config bundles everything needed to construct a Session once the
// handshake has completed, per spec.md §6's build-time options.
type Config struct {
	Reactor               *reactor.Reactor
	Socket                *reactor.SocketConn
	Handler               Handler
	Logger                api.Logger
	Rand                  api.RandomSource
	Extensions            []extension.Extension
	Protocol              string
	MaxResponsePayloadLen int64

	// OnBytesSent and OnBytesReceived, if set, are invoked with the
	// post-extension wire/payload byte counts for every message, letting
	// the owning factory feed its metrics registry without this package
	// depending on it.
	OnBytesSent     func(int64)
	OnBytesReceived func(int64)
}

// New constructs an open Session bound to an already-upgraded socket, and
// wires the socket's event callbacks to the session's dispatch path.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = api.NopLogger{}
	}
	s := &Session{
		id:         uuid.NewString(),
		reactor:    cfg.Reactor,
		sock:       cfg.Socket,
		handler:    cfg.Handler,
		logger:     cfg.Logger,
		encoder:    protocol.NewEncoder(cfg.Rand),
		decoder:    protocol.NewDecoder(cfg.MaxResponsePayloadLen),
		extensions:      cfg.Extensions,
		protocol_:       cfg.Protocol,
		status:          api.StatusOpen,
		onBytesSent:     cfg.OnBytesSent,
		onBytesReceived: cfg.OnBytesReceived,
	}
	for _, ext := range cfg.Extensions {
		if ext.Name() == "permessage-deflate" {
			s.decoder.Rsv1Allowed = true
			break
		}
	}
	s.sock.SetEvents(reactor.SocketEvents{
		OnData:   s.handleData,
		OnClosed: s.handleSocketClosed,
	})
	s.enqueueDispatch(func() { s.handler.OnConnected(s) })
	return s
}

// enqueueDispatch appends task to this session's private dispatch queue
// and, if nothing is currently draining it, submits exactly one drain
// task to the shared reactor worker pool. This guarantees spec.md §5's
// "inbound frames are dispatched to the user handler in on-the-wire
// order, on a single worker thread per session" even though the reactor's
// worker pool itself runs many sessions' callbacks concurrently across
// several goroutines.
func (s *Session) enqueueDispatch(task func()) {
	s.dispatchMu.Lock()
	s.dispatchQ = append(s.dispatchQ, task)
	if s.dispatching {
		s.dispatchMu.Unlock()
		return
	}
	s.dispatching = true
	s.dispatchMu.Unlock()
	s.reactor.Submit(s.drainDispatch)
}

func (s *Session) drainDispatch() {
	for {
		s.dispatchMu.Lock()
		if len(s.dispatchQ) == 0 {
			s.dispatching = false
			s.dispatchMu.Unlock()
			return
		}
		task := s.dispatchQ[0]
		s.dispatchQ = s.dispatchQ[1:]
		s.dispatchMu.Unlock()

		func() {
			defer func() { _ = recover() }()
			task()
		}()
	}
}

// Feed delivers bytes that arrived before the session took ownership of
// the socket (the tail of the handshake response buffer past the
// CRLFCRLF terminator, per spec.md §4.3: "any bytes in the buffer beyond
// the terminator are forwarded to the frame codec as the first inbound
// data"). The facade calls this once, immediately after New, before any
// further socket events can arrive.
func (s *Session) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.handleData(chunk)
}

// ID returns the session's unique identifier, generated once at
// construction for log correlation across the lifetime of the socket.
func (s *Session) ID() string { return s.id }

// IsOpen reports whether the session can still accept sends.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == api.StatusOpen
}

// Protocol returns the negotiated subprotocol, or "" if none.
func (s *Session) Protocol() string { return s.protocol_ }

// Extensions returns the negotiated extension chain.
func (s *Session) Extensions() []extension.Extension { return s.extensions }

// SendText enqueues a TEXT message; a no-op if the session is not open.
func (s *Session) SendText(text string) {
	s.sendMessage(protocol.OpcodeText, []byte(text))
}

// SendBinary enqueues a BINARY message; a no-op if the session is not open.
func (s *Session) SendBinary(data []byte) {
	s.sendMessage(protocol.OpcodeBinary, data)
}

func (s *Session) sendMessage(opcode byte, payload []byte) {
	if !s.IsOpen() {
		return
	}

	var rsv1 bool
	for _, ext := range s.extensions {
		out, r1, err := ext.EncodeMessage(payload)
		if err != nil {
			s.logger.Errorf("session %s: extension %s encode failed: %v", s.id, ext.Name(), err)
			return
		}
		payload = out
		rsv1 = rsv1 || r1
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	wire, err := s.encoder.EncodeFragments(opcode, payload, rsv1, false, false, 0)
	if err != nil {
		s.logger.Errorf("session %s: frame encode failed: %v", s.id, err)
		return
	}
	s.sock.EnqueueWrite(wire)
	if s.onBytesSent != nil {
		s.onBytesSent(int64(len(wire)))
	}
}

// NewPartialWriter returns a handle for sending explicit-fin fragments,
// per spec.md §4.7. Only one partial writer may be open at a time.
func (s *Session) NewPartialWriter(opcode byte) (*PartialWriter, error) {
	s.partialMu.Lock()
	defer s.partialMu.Unlock()
	if s.partialOpen {
		return nil, &api.Error{Code: api.ErrCodeUsage, Message: "a partial writer is already open"}
	}
	s.partialOpen = true
	return &PartialWriter{session: s, opcode: opcode, first: true}, nil
}

func (s *Session) releasePartialWriter() {
	s.partialMu.Lock()
	s.partialOpen = false
	s.partialMu.Unlock()
}

// CheckConnection sends a PING and schedules a force-close if no PONG
// arrives within timeout. Cancelling a previous outstanding ping is
// idempotent, per spec.md §4.7/§5 ping-task lock.
func (s *Session) CheckConnection(timeout time.Duration) {
	if !s.IsOpen() {
		return
	}

	s.mu.Lock()
	if s.pendingPing != nil {
		s.reactor.CancelSchedule(s.pendingPing)
	}
	key := []byte(time.Now().Format(time.RFC3339Nano))
	s.pendingPingKey = key
	s.pendingPing = s.reactor.Schedule(func() { s.forceCloseOnPingTimeout() }, timeout)
	s.mu.Unlock()

	frame, err := s.encoder.EncodeFrame(true, false, false, false, protocol.OpcodePing, key)
	if err != nil {
		s.logger.Errorf("session %s: ping encode failed: %v", s.id, err)
		return
	}
	s.sock.EnqueueWrite(frame)
}

// StartHeartbeat schedules a recurring CheckConnection(pongTimeout) every
// interval for as long as the session stays open, a convenience wrapper
// over the manual check_connection primitive, grounded on the teacher's
// client.go heartbeatLoop.
func (s *Session) StartHeartbeat(interval, pongTimeout time.Duration) {
	var tick func()
	tick = func() {
		if !s.IsOpen() {
			return
		}
		s.CheckConnection(pongTimeout)
		s.reactor.Schedule(tick, interval)
	}
	s.reactor.Schedule(tick, interval)
}

func (s *Session) forceCloseOnPingTimeout() {
	s.mu.Lock()
	s.pendingPing = nil
	s.mu.Unlock()
	s.logger.Debugf("session %s: ping deadline exceeded, closing session", s.id)
	s.CloseNow()
}

// Close sends a CLOSE frame with NORMAL_CLOSURE and schedules a socket
// close, per spec.md §4.7. Idempotent.
func (s *Session) Close() {
	s.CloseWithCode(protocol.CloseNormalClosure, "")
}

// CloseWithCode sends a CLOSE frame carrying code/reason; idempotent.
func (s *Session) CloseWithCode(code int, reason string) {
	s.mu.Lock()
	if s.status == api.StatusClosing || s.status == api.StatusClosed {
		s.mu.Unlock()
		return
	}
	s.status = api.StatusClosing
	alreadySent := s.sentClose
	s.sentClose = true
	s.mu.Unlock()

	if !alreadySent {
		frame, err := s.encoder.EncodeClose(code, reason)
		if err == nil {
			s.sock.EnqueueWrite(frame)
		} else {
			s.logger.Errorf("close encode failed: %v", err)
		}
	}

	s.mu.Lock()
	s.closeGraceTmr = s.reactor.Schedule(func() { s.CloseNow() }, CloseGraceWindow)
	s.mu.Unlock()
}

// CloseNow skips the CLOSE frame, drops the socket, and notifies the
// handler exactly once, per spec.md §4.7.
func (s *Session) CloseNow() {
	// The socket's close callback (handleSocketClosed) moves the session to
	// StatusClosed and dispatches OnClosed; setting the status here first
	// would make that callback return before notifying the handler.
	s.sock.Close()
}

func (s *Session) handleSocketClosed(err error) {
	s.mu.Lock()
	if s.status == api.StatusClosed {
		s.mu.Unlock()
		return
	}
	s.status = api.StatusClosed
	if s.closeGraceTmr != nil {
		s.reactor.CancelSchedule(s.closeGraceTmr)
		s.closeGraceTmr = nil
	}
	if s.pendingPing != nil {
		s.reactor.CancelSchedule(s.pendingPing)
		s.pendingPing = nil
	}
	s.mu.Unlock()

	s.enqueueDispatch(func() { s.handler.OnClosed(s, err) })
}

// handleData feeds inbound bytes through the decoder, assembler and
// extension chain, dispatching to the handler in on-the-wire order on the
// worker pool, per spec.md §5's single-worker-per-session ordering
// guarantee (every callback goes through enqueueDispatch, whose
// per-session queue is drained by at most one pool task at a time, so
// callbacks run one after another in the order they were enqueued).
func (s *Session) handleData(chunk []byte) {
	frames, err := s.decoder.Feed(chunk)
	if err != nil {
		s.handleProtocolViolation(err)
		return
	}
	for i := range frames {
		if err := s.dispatchFrame(&frames[i].Frame); err != nil {
			s.handleProtocolViolation(err)
			return
		}
	}
}

func (s *Session) dispatchFrame(f *protocol.Frame) error {
	msg, control, err := s.asm.Push(f)
	if err != nil {
		return err
	}
	if control != nil {
		return s.dispatchControl(control)
	}
	if msg != nil {
		return s.dispatchMessage(msg)
	}
	return nil
}

func (s *Session) dispatchControl(f *protocol.Frame) error {
	switch f.Opcode {
	case protocol.OpcodePing:
		pong, err := s.encoder.EncodeFrame(true, false, false, false, protocol.OpcodePong, f.Payload)
		if err != nil {
			return err
		}
		s.sock.EnqueueWrite(pong)
		payload := f.Payload
		s.enqueueDispatch(func() { s.handler.OnPing(s, payload) })
	case protocol.OpcodePong:
		s.mu.Lock()
		if s.pendingPing != nil {
			s.reactor.CancelSchedule(s.pendingPing)
			s.pendingPing = nil
		}
		s.mu.Unlock()
		payload := f.Payload
		s.enqueueDispatch(func() { s.handler.OnPong(s, payload) })
	case protocol.OpcodeClose:
		return s.handleCloseFrame(f)
	}
	return nil
}

func (s *Session) handleCloseFrame(f *protocol.Frame) error {
	code := protocol.CloseNormalClosure
	reason := ""
	if len(f.Payload) >= 2 {
		code = int(f.Payload[0])<<8 | int(f.Payload[1])
		reason = string(f.Payload[2:])
	} else if len(f.Payload) != 0 {
		return &api.Error{Code: api.ErrCodeProtocol, Message: "malformed CLOSE payload"}
	}

	s.mu.Lock()
	alreadySent := s.sentClose
	s.sentClose = true
	s.mu.Unlock()

	if !alreadySent {
		reply, err := s.encoder.EncodeClose(code, "")
		if err == nil {
			s.sock.EnqueueWrite(reply)
		}
	}

	s.enqueueDispatch(func() { s.handler.OnClose(s, code, reason) })
	s.closeAfterFlush()
	return nil
}

func (s *Session) dispatchMessage(msg *protocol.Message) error {
	payload := msg.Payload
	rsv1 := msg.Rsv1
	for i := len(s.extensions) - 1; i >= 0; i-- {
		out, err := s.extensions[i].DecodeMessage(payload, rsv1)
		if err != nil {
			return &api.Error{Code: api.ErrCodeProtocol, Message: "extension decode failed", Err: err}
		}
		payload = out
		rsv1 = false
	}

	if s.onBytesReceived != nil {
		s.onBytesReceived(int64(len(payload)))
	}

	switch msg.Opcode {
	case protocol.OpcodeText:
		if !protocol.ValidateUTF8Strict(payload) {
			return &api.Error{Code: api.ErrCodeProtocol, Message: "invalid UTF-8 in text message"}
		}
		text := string(payload)
		s.enqueueDispatch(func() { s.handler.OnText(s, text) })
	case protocol.OpcodeBinary:
		s.enqueueDispatch(func() { s.handler.OnBinary(s, payload) })
	}
	return nil
}

func (s *Session) handleProtocolViolation(err error) {
	s.logger.Errorf("session %s: protocol violation: %v", s.id, err)
	frame, encErr := s.encoder.EncodeClose(protocol.CloseProtocolError, "protocol error")
	if encErr == nil {
		s.sock.EnqueueWrite(frame)
	}
	code := protocol.CloseProtocolError
	s.enqueueDispatch(func() { s.handler.OnClose(s, code, "protocol error") })
	s.closeAfterFlush()
}

// closeAfterFlush marks the session closing and asks the socket to flush
// its write queue -- the CLOSE frame just enqueued above -- before the
// fd is torn down, instead of calling CloseNow inline: on the epoll
// backend EnqueueWrite only arms EPOLLOUT and returns, so an immediate
// CloseNow would drop the fd before OnWritable ever drains that frame.
// handleSocketClosed completes the transition to StatusClosed once the
// socket actually goes away.
func (s *Session) closeAfterFlush() {
	s.mu.Lock()
	if s.status == api.StatusClosed {
		s.mu.Unlock()
		return
	}
	s.status = api.StatusClosing
	s.mu.Unlock()
	s.sock.CloseAfterDrain()
}

// PartialWriter emits CONTINUATION fragments for a single in-flight
// message, per spec.md §4.5/§4.7. Closing it writes the final fragment
// if not already final.
type PartialWriter struct {
	session *Session
	opcode  byte
	first   bool
	closed  bool
}

// WriteFragment sends one fragment with the given fin flag.
func (w *PartialWriter) WriteFragment(data []byte, fin bool) error {
	if w.closed {
		return api.ErrWriterClosed
	}
	op := w.opcode
	if !w.first {
		op = protocol.OpcodeContinuation
	}
	w.session.sendMu.Lock()
	frame, err := w.session.encoder.EncodeFrame(fin, false, false, false, op, data)
	if err == nil {
		w.session.sock.EnqueueWrite(frame)
	}
	w.session.sendMu.Unlock()
	w.first = false
	if fin {
		w.closed = true
		w.session.releasePartialWriter()
	}
	return err
}

// Close writes a final empty fragment if one has not already been sent.
func (w *PartialWriter) Close() error {
	if w.closed {
		return nil
	}
	return w.WriteFragment(nil, true)
}

// ExtensionsFromOffers adapts negotiated handshake.Response extensions
// back into configured Extension instances the session can drive. Only
// permessage-deflate is recognized; unrecognized negotiated names were
// already rejected during response parsing (spec.md §4.3), so this only
// ever matches names the caller itself offered and configured.
func ExtensionsFromOffers(offered []extension.Offer, configured map[string]extension.Extension) []extension.Extension {
	var out []extension.Extension
	for _, o := range offered {
		if ext, ok := configured[o.Name]; ok {
			out = append(out, ext)
		}
	}
	return out
}
