package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-packet/codec"
	"mini-packet/discovery"
	"mini-packet/message"
	"mini-packet/middleware"
	"mini-packet/pingpong"
	"mini-packet/protocol"
)

// recorder is a server-side handler that records pings per connection.
type recorder struct {
	message.HandlerAdapter

	mu           sync.Mutex
	pings        map[string][]int64
	errs         []error
	connected    int
	disconnected int
	panicOn      int64
}

func newRecorder() *recorder {
	return &recorder{pings: make(map[string][]int64)}
}

func (r *recorder) OnConnected(message.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
	return nil
}

func (r *recorder) OnDisconnected(message.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}

func (r *recorder) OnError(_ message.Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) OnPing(_ context.Context, c message.Conn, p *pingpong.Ping) error {
	if r.panicOn != 0 && p.Nonce == r.panicOn {
		panic("nonce of doom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pings[c.ID()] = append(r.pings[c.ID()], p.Nonce)
	return nil
}

func (r *recorder) all() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, ps := range r.pings {
		out = append(out, ps...)
	}
	return out
}

func (r *recorder) counts() (errs, connected, disconnected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs), r.connected, r.disconnected
}

func startServer(t *testing.T, h message.Handler, conf Config, setup ...func(*Server)) (*Server, string) {
	t.Helper()

	reg := message.NewRegistry()
	require.NoError(t, pingpong.RegisterAll(reg))

	conf.Logger = zaptest.NewLogger(t)
	svr := NewServer(reg, h, conf)
	for _, f := range setup {
		f(svr)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- svr.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, svr.Shutdown(ctx))
		assert.ErrorIs(t, <-served, ErrServerClosed)
	})
	return svr, ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendRaw(t *testing.T, conn net.Conn, c codec.Codec, m message.Message) {
	t.Helper()
	data, err := message.Encode(c, m)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, data, protocol.DefaultMaxFrameSize))
}

func TestServerReceivesPing(t *testing.T) {
	rec := newRecorder()
	svr, addr := startServer(t, rec, DefaultConfig())

	conn := dial(t, addr)
	sendRaw(t, conn, codec.GetCodec(codec.CodecTypeJSON), &pingpong.Ping{Nonce: 7})

	require.Eventually(t, func() bool {
		got := rec.all()
		return len(got) == 1 && got[0] == 7
	}, 2*time.Second, 10*time.Millisecond)

	// Still open after dispatch.
	assert.Equal(t, 1, svr.Len())
	errs, connected, disconnected := rec.counts()
	assert.Equal(t, 0, errs)
	assert.Equal(t, 1, connected)
	assert.Equal(t, 0, disconnected)
}

func TestServerClosesOnOversizeFrame(t *testing.T) {
	rec := newRecorder()
	conf := DefaultConfig()
	conf.MaxFrameSize = 16
	svr, addr := startServer(t, rec, conf)

	conn := dial(t, addr)
	header := make([]byte, protocol.HeaderSize)
	binary.BigEndian.PutUint32(header, 1000)
	_, err := conn.Write(header)
	require.NoError(t, err)

	// The server hangs up.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		_, _, disconnected := rec.counts()
		return disconnected == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	errs, _, disconnected := rec.counts()
	assert.Equal(t, 1, errs)
	assert.Equal(t, 1, disconnected)
	assert.Equal(t, 0, svr.Len())
	assert.Empty(t, rec.all())
}

func TestServerUnknownTagKeepsConnection(t *testing.T) {
	rec := newRecorder()
	svr, addr := startServer(t, rec, DefaultConfig())

	conn := dial(t, addr)
	require.NoError(t, protocol.WriteFrame(conn, []byte(`{"type":"Teleport","data":{}}`), protocol.DefaultMaxFrameSize))
	sendRaw(t, conn, codec.GetCodec(codec.CodecTypeJSON), &pingpong.Ping{Nonce: 1})

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, svr.Len())
}

func TestServerPreservesOrderPerConnection(t *testing.T) {
	rec := newRecorder()
	_, addr := startServer(t, rec, DefaultConfig())

	const (
		conns = 8
		n     = 100
	)
	c := codec.GetCodec(codec.CodecTypeJSON)

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		conn := dial(t, addr)
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for j := int64(1); j <= n; j++ {
				data, _ := message.Encode(c, &pingpong.Ping{Nonce: base + j})
				if err := protocol.WriteFrame(conn, data, protocol.DefaultMaxFrameSize); err != nil {
					return
				}
			}
		}(int64(i) * 1000)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(rec.all()) == conns*n }, 5*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.pings, conns)
	for id, ps := range rec.pings {
		for k := 1; k < len(ps); k++ {
			require.Less(t, ps[k-1], ps[k], "connection %s out of order", id)
		}
	}
}

func TestServerMsgpackCodec(t *testing.T) {
	rec := newRecorder()
	conf := DefaultConfig()
	conf.Codec = codec.CodecTypeMsgpack
	_, addr := startServer(t, rec, conf)

	conn := dial(t, addr)
	sendRaw(t, conn, codec.GetCodec(codec.CodecTypeMsgpack), &pingpong.Ping{Nonce: 99})

	require.Eventually(t, func() bool {
		got := rec.all()
		return len(got) == 1 && got[0] == 99
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerBroadcast(t *testing.T) {
	svr, addr := startServer(t, &pingpong.Responder{}, DefaultConfig())

	var peers []net.Conn
	for i := 0; i < 3; i++ {
		peers = append(peers, dial(t, addr))
	}
	require.Eventually(t, func() bool { return svr.Len() == 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svr.Broadcast(context.Background(), &pingpong.Chat{Room: "lobby", Text: "hello"}))

	for _, p := range peers {
		p.SetReadDeadline(time.Now().Add(2 * time.Second))
		frame, err := protocol.NewReader(p, protocol.DefaultMaxFrameSize).ReadFrame()
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"Chat","data":{"room":"lobby","text":"hello"}}`, string(frame))
	}

	for _, s := range svr.Conns() {
		got, ok := svr.Conn(s.ID())
		require.True(t, ok)
		assert.Same(t, s, got)
	}
	_, ok := svr.Conn("missing")
	assert.False(t, ok)
}

func TestServerRespondsWithPong(t *testing.T) {
	_, addr := startServer(t, &pingpong.Responder{}, DefaultConfig())

	conn := dial(t, addr)
	sendRaw(t, conn, codec.GetCodec(codec.CodecTypeJSON), &pingpong.Ping{Nonce: 5})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := protocol.NewReader(conn, protocol.DefaultMaxFrameSize).ReadFrame()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Pong","data":{"nonce":5}}`, string(frame))
}

func TestServerRecoverMiddlewareIsolatesPanic(t *testing.T) {
	rec := newRecorder()
	rec.panicOn = 13
	svr, addr := startServer(t, rec, DefaultConfig(), func(s *Server) {
		s.Use(middleware.RecoverMiddleware())
		s.Use(middleware.LoggingMiddleware(zaptest.NewLogger(t)))
	})

	c := codec.GetCodec(codec.CodecTypeJSON)
	bad := dial(t, addr)
	good := dial(t, addr)
	require.Eventually(t, func() bool { return svr.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	sendRaw(t, bad, c, &pingpong.Ping{Nonce: 13})
	require.Eventually(t, func() bool { return svr.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	sendRaw(t, good, c, &pingpong.Ping{Nonce: 1})
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)

	errs, _, _ := rec.counts()
	assert.Equal(t, 1, errs)
}

func TestServerMaxConnections(t *testing.T) {
	conf := DefaultConfig()
	conf.MaxConnections = 1
	svr, addr := startServer(t, newRecorder(), conf)

	first := dial(t, addr)
	require.Eventually(t, func() bool { return svr.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	firstID := svr.Conns()[0].ID()

	// The second dial completes in the kernel backlog but is not accepted.
	dial(t, addr)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, svr.Len())

	// Closing the first frees the slot for the queued one.
	first.Close()
	require.Eventually(t, func() bool {
		conns := svr.Conns()
		return len(conns) == 1 && conns[0].ID() != firstID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerShutdownClosesConnections(t *testing.T) {
	rec := newRecorder()
	reg := discovery.NewMemoryRegistry()
	svr, addr := startServer(t, rec, DefaultConfig(), func(s *Server) {
		s.Advertise(reg, "pingpong", discovery.Endpoint{Weight: 1})
	})

	for i := 0; i < 3; i++ {
		dial(t, addr)
	}
	require.Eventually(t, func() bool { return svr.Len() == 3 }, 2*time.Second, 10*time.Millisecond)

	eps, err := reg.Discover(context.Background(), "pingpong")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, addr, eps[0].Addr)
	assert.Equal(t, "json", eps[0].Codec)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svr.Shutdown(ctx))

	_, _, disconnected := rec.counts()
	assert.Equal(t, 3, disconnected)
	assert.Equal(t, 0, svr.Len())

	eps, err = reg.Discover(context.Background(), "pingpong")
	require.NoError(t, err)
	assert.Empty(t, eps)

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func BenchmarkServerPing(b *testing.B) {
	reg := message.NewRegistry()
	if err := pingpong.RegisterAll(reg); err != nil {
		b.Fatal(err)
	}

	var got sync.WaitGroup
	svr := NewServer(reg, &benchHandler{wg: &got}, DefaultConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	go svr.Serve(ln)
	defer svr.Shutdown(context.Background())

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		b.Fatal(err)
	}
	defer conn.Close()

	data, _ := message.Encode(codec.GetCodec(codec.CodecTypeJSON), &pingpong.Ping{Nonce: 1})
	frame := protocol.Encode(data)

	b.ResetTimer()
	got.Add(b.N)
	for i := 0; i < b.N; i++ {
		if _, err := conn.Write(frame); err != nil {
			b.Fatal(fmt.Errorf("write: %w", err))
		}
	}
	got.Wait()
}

type benchHandler struct {
	message.HandlerAdapter
	wg *sync.WaitGroup
}

func (h *benchHandler) OnPing(context.Context, message.Conn, *pingpong.Ping) error {
	h.wg.Done()
	return nil
}
