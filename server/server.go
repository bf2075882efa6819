// Package server accepts framed connections and keeps the live connection set.
//
// Connection lifecycle:
//
//	Accept → transport.Session (tracked by ID) → Open → OnConnected
//	  → read/dispatch/write loops → Close → untracked → OnDisconnected
//
// One Handler serves every connection, so its methods run concurrently across
// connections but sequentially within one.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"mini-packet/codec"
	"mini-packet/discovery"
	"mini-packet/message"
	"mini-packet/middleware"
	"mini-packet/transport"
)

var ErrServerClosed = errors.New("server: closed")

const registerTTL = 10 // seconds; the etcd keepalive renews it

type Config struct {
	transport.Config
	Codec          codec.CodecType
	MaxConnections int // 0 means unlimited
	Logger         *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		Config: transport.DefaultConfig(),
		Codec:  codec.CodecTypeJSON,
	}
}

type Server struct {
	conf        Config
	registry    *message.Registry
	handler     message.Handler
	codec       codec.Codec
	logger      *zap.Logger
	middlewares []middleware.Middleware
	dispatch    middleware.HandlerFunc // built once in Serve

	mu       sync.RWMutex
	listener net.Listener
	conns    map[string]*transport.Session
	wg       sync.WaitGroup // accept loop and live sessions
	shutdown atomic.Bool

	discovery discovery.Registry // nil when not advertised
	service   string
	endpoint  discovery.Endpoint
}

// NewServer creates a server that decodes with reg and dispatches to h.
func NewServer(reg *message.Registry, h message.Handler, conf Config) *Server {
	if reg == nil {
		reg = message.Default
	}
	if conf.Logger == nil {
		conf.Logger = zap.NewNop()
	}
	return &Server{
		conf:     conf,
		registry: reg,
		handler:  h,
		codec:    codec.GetCodec(conf.Codec),
		logger:   conf.Logger,
		conns:    make(map[string]*transport.Session),
	}
}

// Use appends a dispatch middleware. Call before Serve.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Advertise registers ep under service when Serve starts and removes it on Shutdown.
// An empty ep.Addr is filled with the listener address.
func (svr *Server) Advertise(reg discovery.Registry, service string, ep discovery.Endpoint) {
	svr.discovery = reg
	svr.service = service
	svr.endpoint = ep
}

func (svr *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return svr.Serve(ln)
}

// Serve accepts connections on ln until Shutdown, then returns ErrServerClosed.
func (svr *Server) Serve(ln net.Listener) error {
	if svr.conf.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, svr.conf.MaxConnections)
	}
	defer ln.Close()

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		return ErrServerClosed
	}
	svr.listener = ln
	svr.wg.Add(1)
	svr.mu.Unlock()
	defer svr.wg.Done()

	// Chain(A, B, C)(h) → A(B(C(h)))
	svr.dispatch = middleware.Chain(svr.middlewares...)(middleware.Dispatch(svr.handler))

	if err := svr.advertise(ln.Addr()); err != nil {
		return err
	}
	svr.logger.Info("server listening", zap.Stringer("addr", ln.Addr()), zap.Stringer("codec", svr.codec.Type()))

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			// EMFILE and friends: back off and keep serving.
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := 1 * time.Second; tempDelay > max {
				tempDelay = max
			}
			svr.logger.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", tempDelay))
			time.Sleep(tempDelay)
			continue
		}

		tempDelay = 0
		svr.serve(conn)
	}
}

func (svr *Server) advertise(addr net.Addr) error {
	if svr.discovery == nil {
		return nil
	}
	if svr.endpoint.Addr == "" {
		svr.endpoint.Addr = addr.String()
	}
	if svr.endpoint.Codec == "" {
		svr.endpoint.Codec = svr.codec.Type().String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svr.discovery.Register(ctx, svr.service, svr.endpoint, registerTTL); err != nil {
		return fmt.Errorf("server: advertise %s: %w", svr.service, err)
	}
	return nil
}

func (svr *Server) serve(conn net.Conn) {
	session := transport.NewSession(conn, transport.Options{
		Config:   svr.conf.Config,
		Codec:    svr.codec,
		Registry: svr.registry,
		Handler:  svr.handler,
		Dispatch: svr.dispatch,
		Logger:   svr.logger,
		OnClose:  svr.untrack,
	})

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		conn.Close()
		return
	}
	svr.conns[session.ID()] = session
	svr.wg.Add(1)
	svr.mu.Unlock()

	go func() {
		defer svr.wg.Done()
		session.Open()
		<-session.Done()
	}()
}

func (svr *Server) untrack(s *transport.Session) {
	svr.mu.Lock()
	delete(svr.conns, s.ID())
	svr.mu.Unlock()
}

// Addr returns the listener address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Conns returns a snapshot of the live connections.
func (svr *Server) Conns() []*transport.Session {
	svr.mu.RLock()
	defer svr.mu.RUnlock()

	out := make([]*transport.Session, 0, len(svr.conns))
	for _, s := range svr.conns {
		out = append(out, s)
	}
	return out
}

func (svr *Server) Conn(id string) (*transport.Session, bool) {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	s, ok := svr.conns[id]
	return s, ok
}

func (svr *Server) Len() int {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return len(svr.conns)
}

// Broadcast sends m to every live connection. A failing connection is logged
// and skipped; the joined errors are returned. A full send queue blocks the
// broadcast until ctx ends.
func (svr *Server) Broadcast(ctx context.Context, m message.Message) error {
	var errs []error
	for _, s := range svr.Conns() {
		if err := s.Send(ctx, m); err != nil {
			svr.logger.Warn("broadcast failed", zap.String("conn_id", s.ID()), zap.String("tag", m.Tag()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown performs graceful shutdown:
//  1. Deregister from discovery so clients stop picking this server
//  2. Stop accepting
//  3. Close every connection; each gets OnDisconnected once
//  4. Wait for all loops to finish, or for ctx
func (svr *Server) Shutdown(ctx context.Context) error {
	if svr.discovery != nil && svr.endpoint.Addr != "" {
		if err := svr.discovery.Deregister(ctx, svr.service, svr.endpoint.Addr); err != nil {
			svr.logger.Warn("deregister failed", zap.String("service", svr.service), zap.Error(err))
		}
	}

	// Set the flag before closing the listener so the Accept error reads as intentional.
	svr.mu.Lock()
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}
	svr.mu.Unlock()

	for _, s := range svr.Conns() {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		svr.logger.Info("server stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server: shutdown: %w", ctx.Err())
	}
}
