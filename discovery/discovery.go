// Package discovery lets servers advertise their packet endpoints and lets
// clients find them by service name.
package discovery

import (
	"context"
	"errors"
)

var ErrNoEndpoints = errors.New("discovery: no endpoints available")

// Endpoint is one advertised server.
type Endpoint struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"`          // load balancing weight, <= 0 counts as 1
	Codec   string `json:"codec,omitempty"` // payload codec the server speaks, see codec.ParseCodecType
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list after every change until ctx is done.
	Watch(ctx context.Context, service string) <-chan []Endpoint
}
