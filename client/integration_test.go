package client

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-packet/discovery"
	"mini-packet/loadbalance"
	"mini-packet/pingpong"
	"mini-packet/server"
)

// 多实例 + 负载均衡：两个 server 注册到同一个 registry，客户端轮询连接
func testMultiServer(t *testing.T, reg discovery.Registry, service string) {
	ctx := context.Background()

	addrs := map[string]bool{}
	for i := 0; i < 2; i++ {
		_, addr := startServer(t, func(svr *server.Server) {
			svr.Advertise(reg, service, discovery.Endpoint{Weight: 10})
		})
		addrs[addr] = true
	}
	require.Eventually(t, func() bool {
		eps, err := reg.Discover(ctx, service)
		return err == nil && len(eps) == 2
	}, 2*time.Second, 20*time.Millisecond)

	bal := &loadbalance.RoundRobinBalancer{}
	seen := map[string]bool{}
	for i := 1; i <= 4; i++ {
		rec := &pongRecorder{}
		c := newClient(t, rec)
		c.UseDiscovery(reg, bal)

		require.NoError(t, c.ConnectService(ctx, service))
		seen[c.Session().RemoteAddr().String()] = true

		require.NoError(t, c.Send(ctx, &pingpong.Ping{Nonce: int64(i)}))
		require.Eventually(t, func() bool {
			pongs, _ := rec.snapshot()
			return len(pongs) == 1 && pongs[0] == int64(i)
		}, 2*time.Second, 10*time.Millisecond)
		require.NoError(t, c.Close())
	}

	assert.Equal(t, addrs, seen, "round robin should reach both servers")
}

func TestMultiServerWithMemoryRegistry(t *testing.T) {
	testMultiServer(t, discovery.NewMemoryRegistry(), "pingpong")
}

// TestMultiServerWithEtcd needs a live etcd, e.g. MINIPACKET_ETCD=127.0.0.1:2379.
func TestMultiServerWithEtcd(t *testing.T) {
	endpoints := os.Getenv("MINIPACKET_ETCD")
	if endpoints == "" {
		t.Skip("MINIPACKET_ETCD not set")
	}

	reg, err := discovery.NewEtcdRegistry(strings.Split(endpoints, ","), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	// A fresh service name keeps leftovers of earlier runs out of the way.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	service := "pingpong-" + strings.ReplaceAll(ln.Addr().String(), ":", "-")
	ln.Close()

	testMultiServer(t, reg, service)
}
