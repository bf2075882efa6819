package transport

import (
	"time"

	"mini-packet/protocol"
)

// Config tunes one connection. Server and client embed it.
type Config struct {
	MaxFrameSize      uint32        // payloads above this are rejected both ways
	SendQueueSize     int           // outgoing frames buffered before Send blocks
	RecvQueueSize     int           // decoded messages buffered before reads stop
	ReadTimeout       time.Duration // no bytes for this long fires OnIdle; 0 disables
	WriteTimeout      time.Duration // per-frame write deadline and flush budget on Close; 0 disables the former
	HeartbeatInterval time.Duration // empty frame after this much write silence; 0 disables
}

// defaultFlushTimeout bounds the flush on Close when WriteTimeout is 0.
const defaultFlushTimeout = 5 * time.Second

func DefaultConfig() Config {
	return Config{
		MaxFrameSize:  protocol.DefaultMaxFrameSize,
		SendQueueSize: 16,
		RecvQueueSize: 16,
		WriteTimeout:  10 * time.Second,
	}
}

// normalize fills zero sizes with defaults so a partially built Config works.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.RecvQueueSize <= 0 {
		c.RecvQueueSize = def.RecvQueueSize
	}
	return c
}
