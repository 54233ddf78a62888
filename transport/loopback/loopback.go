// Package loopback provides an in-process transport for mq engines. Endpoints
// attached to the same Fabric exchange eager packets, fragmented eager data,
// and rendezvous requests through per-endpoint inboxes that are drained by
// Progress.
package loopback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rocketbitz/tagmq/mq"
)

var (
	// ErrUnknownPeer indicates a send to an address with no attached endpoint.
	ErrUnknownPeer = errors.New("loopback: unknown peer")
	// ErrClosed indicates the endpoint or fabric has been closed.
	ErrClosed = errors.New("loopback: closed")
)

// Option configures a Fabric.
type Option func(*Fabric)

// WithClass sets the transport class reported by every endpoint. The default
// is mq.ClassShm.
func WithClass(c mq.TransportClass) Option {
	return func(f *Fabric) { f.class = c }
}

// WithFragmentSize splits eager payloads into an envelope and data fragments
// of at most n bytes. Zero sends every eager message in one packet.
func WithFragmentSize(n int) Option {
	return func(f *Fabric) {
		if n > 0 {
			f.fragment = n
		}
	}
}

// WithAsyncPull makes rendezvous pulls progress one window per Progress call
// and finish through mq.Engine.CompleteRendezvous.
func WithAsyncPull() Option {
	return func(f *Fabric) { f.async = true }
}

// WithLogger sets the fabric's logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fabric) {
		if l != nil {
			f.log = l
		}
	}
}

// Fabric connects endpoints in one process.
type Fabric struct {
	class    mq.TransportClass
	fragment int
	async    bool
	log      *zap.Logger

	mu        sync.RWMutex
	endpoints map[mq.Addr]*Endpoint
	next      mq.Addr
	closed    bool
}

// NewFabric constructs an empty fabric.
func NewFabric(opts ...Option) *Fabric {
	f := &Fabric{
		class:     mq.ClassShm,
		log:       zap.NewNop(),
		endpoints: make(map[mq.Addr]*Endpoint),
		next:      1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Attach creates an endpoint for e and binds it as e's transport.
func (f *Fabric) Attach(e *mq.Engine) (*Endpoint, error) {
	if e == nil {
		return nil, errors.New("loopback: nil engine")
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	ep := &Endpoint{
		fabric: f,
		addr:   f.next,
		id:     uuid.NewString(),
		engine: e,
	}
	f.next++
	f.endpoints[ep.addr] = ep
	f.mu.Unlock()

	e.Bind(ep)
	f.log.Debug("endpoint attached", zap.Stringer("addr", ep.addr), zap.String("engine", e.ID()))
	return ep, nil
}

// Close closes every endpoint still attached.
func (f *Fabric) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.closed = true
	eps := make([]*Endpoint, 0, len(f.endpoints))
	for _, ep := range f.endpoints {
		eps = append(eps, ep)
	}
	f.mu.Unlock()

	var err error
	for _, ep := range eps {
		if cerr := ep.Close(); cerr != nil && !errors.Is(cerr, ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("endpoint %s: %w", ep.addr, cerr))
		}
	}
	return err
}

func (f *Fabric) lookup(addr mq.Addr) (*Endpoint, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ep, ok := f.endpoints[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	return ep, nil
}

// detach removes addr and drops fragments its peers still hold from it.
// Engines are called after f.mu is released; sends take the engine lock first.
func (f *Fabric) detach(addr mq.Addr) {
	f.mu.Lock()
	delete(f.endpoints, addr)
	peers := make([]*Endpoint, 0, len(f.endpoints))
	for _, ep := range f.endpoints {
		peers = append(peers, ep)
	}
	f.mu.Unlock()

	for _, ep := range peers {
		ep.engine.DiscardHeld(addr)
	}
}
