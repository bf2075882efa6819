package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mini-packet/codec"
	"mini-packet/protocol"
)

const sample = `
[server]
listen = "127.0.0.1:9100"
service = "chat"
codec = "msgpack"
max_connections = 64
max_frame_size = 4096
read_timeout = "30s"
heartbeat_interval = "5s"

[client]
addr = "127.0.0.1:9100"
balancer = "weighted"
dial_timeout = "2s"

[log]
level = "debug"
encoding = "json"

[discovery]
etcd = ["10.0.0.1:2379", "10.0.0.2:2379"]
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pingd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	f, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", f.Server.Listen)
	assert.Equal(t, "chat", f.Server.Service)
	assert.Equal(t, 1, f.Server.Weight, "unset keys keep their defaults")
	assert.Equal(t, "weighted", f.Client.Balancer)
	assert.Equal(t, "debug", f.Log.Level)
	assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, f.Discovery.Etcd)

	sc, err := f.ServerConfig(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, codec.CodecTypeMsgpack, sc.Codec)
	assert.Equal(t, 64, sc.MaxConnections)
	assert.Equal(t, uint32(4096), sc.MaxFrameSize)
	assert.Equal(t, 30*time.Second, sc.ReadTimeout)
	assert.Equal(t, 5*time.Second, sc.HeartbeatInterval)
	assert.Equal(t, 16, sc.SendQueueSize)

	cc, err := f.ClientConfig(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, codec.CodecTypeJSON, cc.Codec)
	assert.Equal(t, 2*time.Second, cc.DialTimeout)
	assert.Equal(t, uint32(protocol.DefaultMaxFrameSize), cc.MaxFrameSize)
}

func TestLoadWithoutFile(t *testing.T) {
	f, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), f)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MINIPACKET_LISTEN", ":7000")
	t.Setenv("MINIPACKET_CODEC", "msgpack")
	t.Setenv("MINIPACKET_ETCD", "a:2379, b:2379")
	t.Setenv("MINIPACKET_MAX_FRAME_SIZE", "512")

	f, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":7000", f.Server.Listen)
	assert.Equal(t, "msgpack", f.Client.Codec)
	assert.Equal(t, []string{"a:2379", "b:2379"}, f.Discovery.Etcd)
	assert.Equal(t, uint32(512), f.Client.MaxFrameSize)
}

func TestBadValues(t *testing.T) {
	f, err := Load(writeFile(t, "[server]\nread_timeout = \"soon\"\n"))
	require.NoError(t, err)
	_, err = f.ServerConfig(zap.NewNop())
	assert.ErrorContains(t, err, "read_timeout")

	f, err = Load(writeFile(t, "[client]\ncodec = \"xml\"\n"))
	require.NoError(t, err)
	_, err = f.ClientConfig(zap.NewNop())
	assert.ErrorIs(t, err, codec.ErrUnsupportedType)

	t.Setenv("MINIPACKET_MAX_FRAME_SIZE", "big")
	_, err = Load("")
	assert.Error(t, err)
}
