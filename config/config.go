// Package config loads pingd and pingctl settings from a TOML file, a .env
// file and MINIPACKET_* environment variables, in increasing priority.
//
//	[server]
//	listen = ":9000"
//	codec = "json"
//	max_frame_size = 1048576
//	read_timeout = "60s"
//
//	[discovery]
//	etcd = ["127.0.0.1:2379"]
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"mini-packet/client"
	"mini-packet/codec"
	"mini-packet/logging"
	"mini-packet/server"
	"mini-packet/transport"
)

const envPrefix = "MINIPACKET_"

// IO holds the per-connection knobs shared by both sections.
type IO struct {
	MaxFrameSize      uint32 `toml:"max_frame_size"`
	SendQueueSize     int    `toml:"send_queue_size"`
	RecvQueueSize     int    `toml:"recv_queue_size"`
	ReadTimeout       string `toml:"read_timeout"`
	WriteTimeout      string `toml:"write_timeout"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
}

type Server struct {
	Listen         string `toml:"listen"`
	Advertise      string `toml:"advertise"` // routable address for discovery, defaults to the listener's
	Service        string `toml:"service"`
	Weight         int    `toml:"weight"`
	Codec          string `toml:"codec"`
	MaxConnections int    `toml:"max_connections"`
	IO
}

type Client struct {
	Addr        string `toml:"addr"`
	Service     string `toml:"service"` // when set with discovery, Addr is ignored
	Balancer    string `toml:"balancer"`
	Codec       string `toml:"codec"`
	DialTimeout string `toml:"dial_timeout"`
	IO
}

type Discovery struct {
	Etcd []string `toml:"etcd"`
}

type File struct {
	Server    Server         `toml:"server"`
	Client    Client         `toml:"client"`
	Log       logging.Config `toml:"log"`
	Discovery Discovery      `toml:"discovery"`
}

func Default() *File {
	return &File{
		Server: Server{Listen: ":9000", Service: "pingpong", Weight: 1, Codec: "json"},
		Client: Client{Addr: "127.0.0.1:9000", Codec: "json", DialTimeout: "5s"},
		Log:    logging.Config{Level: "info", Encoding: "console"},
	}
}

// Load reads path over the defaults. An empty path skips the file. A missing
// .env in the working directory is not an error.
func Load(path string) (*File, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	f := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, f); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := f.applyEnv(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) applyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("LISTEN", &f.Server.Listen)
	str("ADVERTISE", &f.Server.Advertise)
	str("SERVICE", &f.Server.Service)
	str("SERVICE", &f.Client.Service)
	str("ADDR", &f.Client.Addr)
	str("LOG_LEVEL", &f.Log.Level)

	if v, ok := os.LookupEnv(envPrefix + "CODEC"); ok {
		f.Server.Codec = strings.TrimSpace(v)
		f.Client.Codec = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv(envPrefix + "ETCD"); ok {
		f.Discovery.Etcd = splitList(v)
	}
	if v, ok := os.LookupEnv(envPrefix + "MAX_FRAME_SIZE"); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return fmt.Errorf("config: %sMAX_FRAME_SIZE: %w", envPrefix, err)
		}
		f.Server.MaxFrameSize = uint32(n)
		f.Client.MaxFrameSize = uint32(n)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(name, v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", name, err)
	}
	return d, nil
}

// transportConfig overlays the set fields of io on the defaults.
func (io IO) transportConfig() (transport.Config, error) {
	conf := transport.DefaultConfig()
	if io.MaxFrameSize > 0 {
		conf.MaxFrameSize = io.MaxFrameSize
	}
	if io.SendQueueSize > 0 {
		conf.SendQueueSize = io.SendQueueSize
	}
	if io.RecvQueueSize > 0 {
		conf.RecvQueueSize = io.RecvQueueSize
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"read_timeout", io.ReadTimeout, &conf.ReadTimeout},
		{"write_timeout", io.WriteTimeout, &conf.WriteTimeout},
		{"heartbeat_interval", io.HeartbeatInterval, &conf.HeartbeatInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := parseDuration(d.name, d.raw)
		if err != nil {
			return transport.Config{}, err
		}
		*d.dst = v
	}
	return conf, nil
}

func (f *File) ServerConfig(logger *zap.Logger) (server.Config, error) {
	conf := server.DefaultConfig()

	io, err := f.Server.IO.transportConfig()
	if err != nil {
		return server.Config{}, err
	}
	conf.Config = io

	if conf.Codec, err = codec.ParseCodecType(f.Server.Codec); err != nil {
		return server.Config{}, fmt.Errorf("config: server codec: %w", err)
	}
	conf.MaxConnections = f.Server.MaxConnections
	conf.Logger = logger
	return conf, nil
}

func (f *File) ClientConfig(logger *zap.Logger) (client.Config, error) {
	conf := client.DefaultConfig()

	io, err := f.Client.IO.transportConfig()
	if err != nil {
		return client.Config{}, err
	}
	conf.Config = io

	if conf.Codec, err = codec.ParseCodecType(f.Client.Codec); err != nil {
		return client.Config{}, fmt.Errorf("config: client codec: %w", err)
	}
	if f.Client.DialTimeout != "" {
		if conf.DialTimeout, err = parseDuration("dial_timeout", f.Client.DialTimeout); err != nil {
			return client.Config{}, err
		}
	}
	conf.Logger = logger
	return conf, nil
}
