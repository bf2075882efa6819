// Package client dials a packet server and keeps at most one connection.
//
//	Disconnected ──Connect──▶ Connecting ──ok──▶ Connected ──Close──▶ Closing ──▶ Disconnected
//	                              │ dial error                  │ peer close / fatal error
//	                              └──────────▶ Disconnected ◀───┘
//
// A client never reconnects or retries on its own.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-packet/codec"
	"mini-packet/discovery"
	"mini-packet/loadbalance"
	"mini-packet/message"
	"mini-packet/middleware"
	"mini-packet/transport"
)

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrNoDiscovery      = errors.New("client: no discovery registry configured")
)

// ConnectionError is returned by Connect when the server cannot be reached.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("client: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Config struct {
	transport.Config
	Codec       codec.CodecType
	DialTimeout time.Duration
	Logger      *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		Config:      transport.DefaultConfig(),
		Codec:       codec.CodecTypeJSON,
		DialTimeout: 5 * time.Second,
	}
}

type Client struct {
	conf        Config
	registry    *message.Registry
	handler     message.Handler
	codec       codec.Codec
	logger      *zap.Logger
	middlewares []middleware.Middleware

	discovery discovery.Registry
	balancer  loadbalance.Balancer

	mu      sync.Mutex
	state   State
	session *transport.Session
}

func NewClient(reg *message.Registry, h message.Handler, conf Config) *Client {
	if reg == nil {
		reg = message.Default
	}
	if conf.Logger == nil {
		conf.Logger = zap.NewNop()
	}
	return &Client{
		conf:     conf,
		registry: reg,
		handler:  h,
		codec:    codec.GetCodec(conf.Codec),
		logger:   conf.Logger,
	}
}

// Use appends a dispatch middleware for inbound messages. It applies to the next Connect.
func (c *Client) Use(mw middleware.Middleware) {
	c.middlewares = append(c.middlewares, mw)
}

// UseDiscovery enables ConnectService. A nil balancer means round robin.
func (c *Client) UseDiscovery(reg discovery.Registry, bal loadbalance.Balancer) {
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	c.discovery = reg
	c.balancer = bal
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the live connection, or nil when not connected.
func (c *Client) Session() *transport.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Connect dials addr. Failure leaves the client Disconnected and returns a *ConnectionError.
func (c *Client) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	d := net.Dialer{Timeout: c.conf.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.logger.Info("connect failed", zap.String("addr", addr), zap.Error(err))
		return &ConnectionError{Addr: addr, Err: err}
	}

	session := transport.NewSession(conn, transport.Options{
		Config:   c.conf.Config,
		Codec:    c.codec,
		Registry: c.registry,
		Handler:  c.handler,
		Dispatch: middleware.Chain(c.middlewares...)(middleware.Dispatch(c.handler)),
		Logger:   c.logger,
		OnClose:  c.detach,
	})

	c.mu.Lock()
	if c.state != StateConnecting {
		// Close won the race with the dial.
		c.state = StateDisconnected
		c.mu.Unlock()
		conn.Close()
		return &ConnectionError{Addr: addr, Err: transport.ErrConnectionClosed}
	}
	c.state = StateConnected
	c.session = session
	c.mu.Unlock()

	c.logger.Debug("connected", zap.String("addr", addr), zap.String("conn_id", session.ID()))
	session.Open()
	return nil
}

// ConnectService discovers the endpoints of service, keeps those speaking this
// client's codec, and connects to the one the balancer picks.
func (c *Client) ConnectService(ctx context.Context, service string) error {
	if c.discovery == nil {
		return ErrNoDiscovery
	}

	endpoints, err := c.discovery.Discover(ctx, service)
	if err != nil {
		return err
	}

	ep, err := c.balancer.Pick(loadbalance.ForCodec(endpoints, c.codec.Type()))
	if err != nil {
		return fmt.Errorf("client: pick %s via %s: %w", service, c.balancer.Name(), err)
	}
	return c.Connect(ctx, ep.Addr)
}

// Send queues m on the live connection. It fails fast with ErrNotConnected
// in any state but Connected.
func (c *Client) Send(ctx context.Context, m message.Message) error {
	c.mu.Lock()
	s, state := c.session, c.state
	c.mu.Unlock()

	if state != StateConnected || s == nil {
		return ErrNotConnected
	}
	return s.Send(ctx, m)
}

// Close is idempotent. OnDisconnected follows once the connection's loops exit.
func (c *Client) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected, StateClosing:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.state = StateClosing
		c.mu.Unlock()
		return nil
	}
	s := c.session
	c.state = StateClosing
	c.mu.Unlock()

	err := s.Close()
	c.detach(s)
	return err
}

// Shutdown closes the client and waits until the frames already accepted by
// Send have been flushed and OnDisconnected has run, or until ctx ends.
func (c *Client) Shutdown(ctx context.Context) error {
	s := c.Session()
	if err := c.Close(); err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("client: shutdown: %w", ctx.Err())
	}
}

// detach forgets s if it is still the current session.
func (c *Client) detach(s *transport.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == s {
		c.session = nil
		c.state = StateDisconnected
	}
}
