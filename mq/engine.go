// Package mq implements a tag-matching message queue: posted receives and
// arrived messages are paired by (tag, selector, peer) rules regardless of
// arrival order, and each pairing is carried through eager or rendezvous
// delivery to completion.
//
// An Engine owns every request it hands out. All queue and state mutation
// happens under a single lock; the engine starts no goroutines of its own and
// makes progress only when a caller probes, tests, waits, or when the bound
// Transport delivers events.
package mq

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rocketbitz/tagmq/internal/sysbuf"
)

const (
	// DefaultHashThreshold is the list population at which matching
	// switches from list scans to hash buckets.
	DefaultHashThreshold = 65
	// DefaultStagingDepth bounds each size class of the staging pool.
	DefaultStagingDepth = 32
	// DefaultWaitSpins is how many empty progress rounds Wait spins through
	// before parking.
	DefaultWaitSpins = 64
)

// Config controls New.
type Config struct {
	// ID labels the engine in logs. A random UUID is used when empty.
	ID string
	// Transport may also be bound later through Bind.
	Transport Transport
	// HashThreshold overrides DefaultHashThreshold.
	HashThreshold int
	// MaxRequests caps live requests; zero means unbounded.
	MaxRequests int
	// StagingBytes caps bytes held for unexpected messages; zero means unbounded.
	StagingBytes int
	// StagingDepth overrides DefaultStagingDepth.
	StagingDepth int
	// WaitSpins overrides DefaultWaitSpins. Negative disables spinning.
	WaitSpins int
	Logger    *zap.Logger
}

type eagerKey struct {
	peer  Addr
	msgID uint64
}

type fragment struct {
	offset  int
	payload []byte
}

// Engine is a tag-matching queue bound to one endpoint.
type Engine struct {
	id     string
	log    *zap.Logger
	spins  int
	staged *sysbuf.Pool

	mu     sync.Mutex
	st     store
	tr     Transport
	opts   options
	eager  map[eagerKey]ref
	ooo    map[eagerKey][]fragment
	msgSeq uint64
	closed bool

	wake  waker
	stats stats
}

// New constructs an engine.
func New(cfg Config) *Engine {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.HashThreshold <= 0 {
		cfg.HashThreshold = DefaultHashThreshold
	}
	if cfg.StagingDepth <= 0 {
		cfg.StagingDepth = DefaultStagingDepth
	}
	if cfg.WaitSpins == 0 {
		cfg.WaitSpins = DefaultWaitSpins
	} else if cfg.WaitSpins < 0 {
		cfg.WaitSpins = 0
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		id:     cfg.ID,
		log:    log.With(zap.String("engine", cfg.ID)),
		spins:  cfg.WaitSpins,
		staged: sysbuf.New(cfg.StagingBytes, cfg.StagingDepth),
		st:     newStore(cfg.MaxRequests, cfg.HashThreshold),
		tr:     cfg.Transport,
		opts:   defaultOptions(),
		eager:  make(map[eagerKey]ref),
		ooo:    make(map[eagerKey][]fragment),
	}
	return e
}

// ID returns the engine's label.
func (e *Engine) ID() string { return e.id }

// Bind attaches the transport used for sends and progress.
func (e *Engine) Bind(t Transport) {
	e.mu.Lock()
	e.tr = t
	e.mu.Unlock()
}

// Notify wakes every goroutine parked in Wait so it re-checks its request.
// Transports call it when new events are ready for Progress.
func (e *Engine) Notify() {
	e.wake.broadcast()
}

// Close releases staging memory and rejects further operations. Requests
// still owned by the engine are abandoned.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	clear(e.ooo)
	e.mu.Unlock()
	e.staged.Close()
	e.wake.broadcast()
	e.log.Debug("engine closed")
	return nil
}

// Progress runs one round of transport progress and reports how many events
// were processed.
func (e *Engine) Progress() (int, error) {
	return e.progress()
}

// progress must be called without e.mu held.
func (e *Engine) progress() (int, error) {
	e.mu.Lock()
	tr := e.tr
	e.mu.Unlock()
	if tr == nil {
		return 0, nil
	}
	n, err := tr.Progress()
	if err != nil {
		e.log.Debug("transport progress failed", zap.Error(err))
		return n, &TransportError{Op: "progress", Err: err}
	}
	return n, nil
}

// noteMode logs a change of matching mode after an operation that may have
// migrated or drained the hash tables.
func (e *Engine) noteMode(before bool) {
	if e.st.fastpath == before {
		return
	}
	if e.st.fastpath {
		e.stats.fastpathEnabled.Add(1)
		e.log.Debug("fastpath enabled")
		return
	}
	e.stats.fastpathDisabled.Add(1)
	e.log.Debug("fastpath disabled",
		zap.Int("expected_hash", e.st.expected.hashLen),
		zap.Int("expected_list", e.st.expected.listLen),
		zap.Int("unexpected_hash", e.st.unexpected.hashLen))
}

// waker broadcasts by closing the current generation channel.
type waker struct {
	mu sync.Mutex
	ch chan struct{}
}

func (w *waker) wait() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch == nil {
		w.ch = make(chan struct{})
	}
	return w.ch
}

func (w *waker) broadcast() {
	w.mu.Lock()
	if w.ch != nil {
		close(w.ch)
		w.ch = nil
	}
	w.mu.Unlock()
}
