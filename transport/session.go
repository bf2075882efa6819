// Package transport runs one framed connection.
//
// A Session owns three goroutines:
//
//	readLoop:   conn → protocol.Reader → message.Decode → recvQ
//	handleLoop: recvQ → middleware chain → Message.Handle     (one at a time, in arrival order)
//	writeLoop:  sendQ → protocol.WriteFrame → conn            (the only writer, frames never interleave)
//
// Close refuses new sends, lets writeLoop flush what Send already accepted
// within WriteTimeout, then closes the conn. When the peer closes first,
// every message already read is dispatched before the session tears down.
//
// The server and the client both build their connections on it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mini-packet/codec"
	"mini-packet/message"
	"mini-packet/middleware"
	"mini-packet/protocol"
)

var _ message.Conn = (*Session)(nil)

// Options wires a Session to its owner.
type Options struct {
	Config   Config
	Codec    codec.Codec       // defaults to JSON
	Registry *message.Registry // defaults to message.Default
	Handler  message.Handler
	Dispatch middleware.HandlerFunc // defaults to middleware.Dispatch(Handler)
	Logger   *zap.Logger
	// OnClose runs once after the loops have stopped and before OnDisconnected.
	OnClose func(*Session)
}

type outbound struct {
	tag     string
	payload []byte // nil for heartbeats
}

type Session struct {
	id       string
	conf     Config
	conn     *deadlineConn
	reader   *protocol.Reader
	codec    codec.Codec
	registry *message.Registry
	handler  message.Handler
	dispatch middleware.HandlerFunc
	logger   *zap.Logger
	onClose  func(*Session)

	attrs     map[any]any
	attrsLock sync.RWMutex

	sendQ chan outbound
	recvQ chan message.Message

	lastActivity atomic.Int64 // unix nanos of the last frame in or out
	lastWrite    atomic.Int64
	framesIn     atomic.Uint64
	framesOut    atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc // after closing, once no Send can still enqueue
	wg        sync.WaitGroup
	ready     chan struct{} // closed once OnConnected returned
	closing   chan struct{} // closed first thing in Close, wakes blocked senders
	flushed   chan struct{} // closed when writeLoop exits
	done      chan struct{} // closed after OnDisconnected
	errOnce   sync.Once
	connected atomic.Bool
	closed    atomic.Bool
	peerEOF   atomic.Bool // peer closed cleanly, writes may fail from here on

	stateMu sync.Mutex // orders Open against Close
	opened  bool
	sendMu  sync.RWMutex // Send holds it shared while enqueuing
}

func NewSession(nc net.Conn, opts Options) *Session {
	conf := opts.Config.normalize()
	if opts.Codec == nil {
		opts.Codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	if opts.Registry == nil {
		opts.Registry = message.Default
	}
	if opts.Handler == nil {
		opts.Handler = message.HandlerAdapter{}
	}
	if opts.Dispatch == nil {
		opts.Dispatch = middleware.Dispatch(opts.Handler)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	id := uuid.NewString()
	conn := &deadlineConn{
		Conn:         nc,
		readTimeout:  conf.ReadTimeout,
		writeTimeout: conf.WriteTimeout,
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:       id,
		conf:     conf,
		conn:     conn,
		reader:   protocol.NewReader(conn, conf.MaxFrameSize),
		codec:    opts.Codec,
		registry: opts.Registry,
		handler:  opts.Handler,
		dispatch: opts.Dispatch,
		logger:   opts.Logger.With(zap.String("conn_id", id), zap.Stringer("remote_addr", nc.RemoteAddr())),
		onClose:  opts.OnClose,
		attrs:    make(map[any]any),
		sendQ:    make(chan outbound, conf.SendQueueSize),
		recvQ:    make(chan message.Message, conf.RecvQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		closing:  make(chan struct{}),
		flushed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Context is canceled when the session starts closing.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once teardown has finished and OnDisconnected has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) Attr(key any) any {
	s.attrsLock.RLock()
	defer s.attrsLock.RUnlock()
	return s.attrs[key]
}

func (s *Session) SetAttr(key, value any) {
	s.attrsLock.Lock()
	s.attrs[key] = value
	s.attrsLock.Unlock()
}

func (s *Session) IsConnected() bool { return s.connected.Load() }

func (s *Session) IsClosed() bool { return s.closed.Load() }

// Open starts the loops and fires OnConnected. Frames are not read until
// OnConnected has returned; an error from it closes the session.
// Open on a closed session does nothing, and OnDisconnected will not fire for it.
func (s *Session) Open() {
	s.stateMu.Lock()
	if s.closed.Load() || s.opened {
		s.stateMu.Unlock()
		return
	}
	s.opened = true
	s.wg.Add(3)
	go s.handleLoop()
	go s.readLoop()
	go s.writeLoop()
	s.connected.Store(true)
	s.stateMu.Unlock()

	err := s.handler.OnConnected(s)
	close(s.ready)
	if err != nil {
		s.logger.Info("connection rejected", zap.Error(err))
		s.Close()
		return
	}
	s.logger.Debug("connection opened")
}

// Close is idempotent and does not block. Frames already accepted by Send are
// still written, bounded by WriteTimeout; messages not yet dispatched are dropped.
// OnDisconnected follows asynchronously once the loops have exited, see Done.
func (s *Session) Close() error {
	s.stateMu.Lock()
	if s.closed.Load() {
		s.stateMu.Unlock()
		return nil
	}
	s.closed.Store(true)
	opened := s.opened
	s.stateMu.Unlock()

	s.connected.Store(false)
	close(s.closing)

	// Wait out senders that passed the closed check, so writeLoop's flush sees
	// every frame that Send reported as queued.
	s.sendMu.Lock()
	s.sendMu.Unlock()

	timeout := s.conf.WriteTimeout
	if timeout <= 0 {
		timeout = defaultFlushTimeout
	}
	s.conn.writeBy(time.Now().Add(timeout))
	s.cancel()

	go s.teardown(opened)
	return nil
}

func (s *Session) teardown(opened bool) {
	if opened {
		<-s.ready
		<-s.flushed
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("close conn", zap.Error(err))
	}
	s.wg.Wait()
	s.reader.Release()

	if s.onClose != nil {
		s.onClose(s)
	}
	if opened {
		s.handler.OnDisconnected(s)
	}
	s.logger.Debug("connection closed", zap.Stringer("stats", s.Stats()))
	close(s.done)
}

// Send encodes m on the caller's goroutine and queues the frame. It blocks while
// the send queue is full, until ctx ends or the session closes. A nil error
// means the frame will be written even if Close follows immediately.
func (s *Session) Send(ctx context.Context, m message.Message) error {
	if s.IsClosed() {
		return ErrConnectionClosed
	}

	payload, err := message.Encode(s.codec, m)
	if err != nil {
		return err
	}
	if uint64(len(payload)) > uint64(s.conf.MaxFrameSize) {
		return fmt.Errorf("%w: %q is %d bytes, max %d", protocol.ErrFrameTooLarge, m.Tag(), len(payload), s.conf.MaxFrameSize)
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.IsClosed() {
		return ErrConnectionClosed
	}

	select {
	case <-s.closing:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.sendQ <- outbound{tag: m.Tag(), payload: payload}:
		return nil
	}
}

type Stats struct {
	FramesIn  uint64
	FramesOut uint64
	BytesIn   uint64
	BytesOut  uint64
}

func (st Stats) String() string {
	return fmt.Sprintf("frames in/out %d/%d, bytes in/out %d/%d", st.FramesIn, st.FramesOut, st.BytesIn, st.BytesOut)
}

func (s *Session) Stats() Stats {
	return Stats{
		FramesIn:  s.framesIn.Load(),
		FramesOut: s.framesOut.Load(),
		BytesIn:   s.conn.bytesIn.Load(),
		BytesOut:  s.conn.bytesOut.Load(),
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s), %s", s.id, s.RemoteAddr(), s.Stats())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// fail reports err and closes the session.
func (s *Session) fail(err error) {
	s.report(err)
	s.Close()
}

// report hands the first fatal error to OnError. Errors arriving after a
// local Close are expected and dropped.
func (s *Session) report(err error) {
	if s.IsClosed() {
		return
	}
	s.errOnce.Do(func() {
		s.logger.Warn("connection failed", zap.Error(err))
		s.handler.OnError(s, err)
	})
}

func (s *Session) handleLoop() {
	var err error

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport: panic in handle loop: %v\n%s", r, debug.Stack())
		}
		if err != nil {
			s.fail(err)
		}
		s.wg.Done()
		s.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return

		case m, ok := <-s.recvQ:
			if !ok {
				return // read side finished and everything it decoded was dispatched
			}
			if err = s.dispatch(s.ctx, s, m); err != nil {
				if errors.Is(err, message.ErrUnhandled) {
					s.logger.Warn("dropping unhandled message", zap.String("tag", m.Tag()))
					err = nil
					continue
				}
				err = fmt.Errorf("transport: handle %q: %w", m.Tag(), err)
				return
			}
		}
	}
}

// readLoop is the only sender on recvQ and closes it on exit. The session is
// closed by handleLoop once it has drained recvQ.
func (s *Session) readLoop() {
	var err error

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport: panic in read loop: %v\n%s", r, debug.Stack())
		}
		if err != nil {
			s.report(err)
		}
		close(s.recvQ)
		s.wg.Done()
	}()

	select {
	case <-s.ready:
	case <-s.ctx.Done():
		return
	}

	for {
		var payload []byte
		if payload, err = s.reader.ReadFrame(); err != nil {
			if isTimeout(err) && !s.IsClosed() {
				if err = s.idle(); err != nil {
					return
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				s.logger.Debug("peer closed connection")
				s.peerEOF.Store(true)
				err = nil
			}
			return
		}

		s.touch()
		s.framesIn.Add(1)
		if len(payload) == 0 {
			continue // heartbeat
		}

		m, derr := message.Decode(s.registry, s.codec, payload)
		if derr != nil {
			s.logger.Warn("dropping message", zap.Int("size", len(payload)), zap.Error(derr))
			continue
		}

		select {
		case <-s.ctx.Done():
			return
		case s.recvQ <- m:
		}
	}
}

func (s *Session) idle() error {
	ih, ok := s.handler.(message.IdleHandler)
	if !ok {
		return nil
	}
	return ih.OnIdle(s)
}

func (s *Session) writeLoop() {
	var err error

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport: panic in write loop: %v\n%s", r, debug.Stack())
		}
		if err != nil {
			s.fail(err)
		}
		s.Close()
		close(s.flushed)
		s.wg.Done()
	}()

	var heartbeat <-chan time.Time
	if s.conf.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.conf.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	// Once the peer is gone, replies from the final dispatches are discarded
	// instead of failing the session while handleLoop drains.
	discard := false

	for {
		select {
		case <-s.ctx.Done():
			if !discard {
				s.flush()
			}
			return

		case out := <-s.sendQ:
			if discard {
				continue
			}
			if err = s.write(out.payload); err != nil {
				if s.peerEOF.Load() {
					s.logger.Debug("peer gone, discarding writes", zap.String("tag", out.tag), zap.Error(err))
					discard, err = true, nil
					continue
				}
				err = &WriteError{Tag: out.tag, Err: err}
				return
			}

		case <-heartbeat:
			if discard || time.Since(time.Unix(0, s.lastWrite.Load())) < s.conf.HeartbeatInterval {
				continue
			}
			if err = s.write(nil); err != nil {
				if s.peerEOF.Load() {
					discard, err = true, nil
					continue
				}
				err = &WriteError{Err: err}
				return
			}
		}
	}
}

// flush writes whatever is left in sendQ before the deadline Close pinned.
// ctx is only canceled after the last Send has returned, so sendQ can no
// longer grow here.
func (s *Session) flush() {
	for {
		select {
		case out := <-s.sendQ:
			if err := s.write(out.payload); err != nil {
				dropped := len(s.sendQ) + 1
				s.logger.Warn("flush on close failed", zap.String("tag", out.tag), zap.Int("dropped", dropped), zap.Error(err))
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(payload []byte) error {
	if err := protocol.WriteFrame(s.conn, payload, s.conf.MaxFrameSize); err != nil {
		return err
	}
	s.framesOut.Add(1)
	s.lastWrite.Store(time.Now().UnixNano())
	s.touch()
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
