package message

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"mini-packet/codec"
)

// DecodeFunc rebuilds one variant from its encoded body.
type DecodeFunc func(c codec.Codec, body []byte) (Message, error)

// Registry maps wire tags to decoders.
//
// It is write-once, read-many: every Register call must happen before the
// first Resolve, which seals the registry. Later registrations fail with
// ErrRegistrySealed and duplicate tags fail with ErrDuplicateTag. After sealing,
// lookups take no lock.
type Registry struct {
	mu       sync.Mutex
	decoders map[string]DecodeFunc
	sealed   atomic.Bool
}

// Default is the process-wide registry used when no other is configured.
var Default = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

func (r *Registry) Register(tag string, dec DecodeFunc) error {
	if tag == "" {
		return ErrEmptyTag
	}
	if dec == nil {
		return fmt.Errorf("%w: %q", ErrNilDecoder, tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return fmt.Errorf("%w: cannot register %q", ErrRegistrySealed, tag)
	}
	if _, ok := r.decoders[tag]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTag, tag)
	}
	r.decoders[tag] = dec
	return nil
}

// MustRegister is Register for startup code, panicking on error.
func (r *Registry) MustRegister(tag string, dec DecodeFunc) {
	if err := r.Register(tag, dec); err != nil {
		panic(err)
	}
}

// Resolve returns the decoder for tag, sealing the registry on first use.
func (r *Registry) Resolve(tag string) (DecodeFunc, error) {
	r.Seal()

	dec, ok := r.decoders[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, tag)
	}
	return dec, nil
}

// Seal ends the registration phase. Taking the lock once publishes every
// earlier registration to lock-free readers.
func (r *Registry) Seal() {
	if r.sealed.Load() {
		return
	}
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Tags lists registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	tags := make([]string, 0, len(r.decoders))
	for tag := range r.decoders {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Register adds variant T under the tag its zero value reports.
//
//	message.Register[pingpong.Ping](reg)
func Register[T any, PT interface {
	*T
	Message
}](r *Registry) error {
	tag := PT(new(T)).Tag()
	return r.Register(tag, func(c codec.Codec, body []byte) (Message, error) {
		m := PT(new(T))
		if len(body) > 0 {
			if err := c.Decode(body, m); err != nil {
				return nil, err
			}
		}
		return m, nil
	})
}
