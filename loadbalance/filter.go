package loadbalance

import (
	"mini-packet/codec"
	"mini-packet/discovery"
)

// ForCodec keeps the endpoints that speak t. An endpoint that advertises no
// codec is assumed to speak any.
func ForCodec(endpoints []discovery.Endpoint, t codec.CodecType) []discovery.Endpoint {
	out := make([]discovery.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.Codec != "" {
			if ct, err := codec.ParseCodecType(ep.Codec); err != nil || ct != t {
				continue
			}
		}
		out = append(out, ep)
	}
	return out
}
