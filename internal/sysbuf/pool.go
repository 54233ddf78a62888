// Package sysbuf provides the staging buffers used to hold unexpected message
// payloads until the application supplies a destination buffer.
package sysbuf

import (
	"errors"
	"math/bits"
	"sync/atomic"
)

var (
	// ErrExhausted indicates the pool's byte budget would be exceeded.
	ErrExhausted = errors.New("sysbuf: staging budget exhausted")
	// ErrClosed indicates the pool has been closed.
	ErrClosed = errors.New("sysbuf: pool closed")
)

const (
	minClassShift = 6  // 64 bytes
	maxClassShift = 20 // 1 MiB
	numClasses    = maxClassShift - minClassShift + 1
)

// Pool dispenses staging buffers from power-of-two size classes and recycles
// them through bounded per-class free lists. Requests above the largest class
// are allocated exactly and never pooled.
type Pool struct {
	budget   int64
	inUse    atomic.Int64
	acquired atomic.Uint64
	closed   atomic.Bool
	classes  [numClasses]chan []byte
}

// New constructs a pool. budget caps the bytes handed out at any one time
// (non-positive means unlimited); depth bounds each class's free list.
func New(budget int, depth int) *Pool {
	if depth < 0 {
		depth = 0
	}
	p := &Pool{budget: int64(budget)}
	for i := range p.classes {
		p.classes[i] = make(chan []byte, depth)
	}
	return p
}

// Acquire returns a buffer of length n. Zero-length requests return nil
// without touching the budget.
func (p *Pool) Acquire(n int) ([]byte, error) {
	if p == nil {
		return nil, errors.New("sysbuf: nil pool")
	}
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}
	size := classSize(n)
	if p.budget > 0 {
		if p.inUse.Add(int64(size)) > p.budget {
			p.inUse.Add(-int64(size))
			return nil, ErrExhausted
		}
	} else {
		p.inUse.Add(int64(size))
	}
	p.acquired.Add(1)

	idx, pooled := classIndex(size)
	if pooled {
		select {
		case buf := <-p.classes[idx]:
			return buf[:n], nil
		default:
		}
	}
	return make([]byte, n, size), nil
}

// Release returns buf to its size class. Buffers that do not belong to a
// class, or arrive after Close, are dropped for the garbage collector.
func (p *Pool) Release(buf []byte) {
	if p == nil || buf == nil {
		return
	}
	size := cap(buf)
	p.inUse.Add(-int64(size))
	if p.closed.Load() {
		return
	}
	idx, pooled := classIndex(size)
	if !pooled || size != 1<<(idx+minClassShift) {
		return
	}
	select {
	case p.classes[idx] <- buf[:0]:
	default:
	}
}

// InUse reports the bytes currently handed out.
func (p *Pool) InUse() int64 {
	if p == nil {
		return 0
	}
	return p.inUse.Load()
}

// Acquired reports how many buffers have been handed out since construction.
func (p *Pool) Acquired() uint64 {
	if p == nil {
		return 0
	}
	return p.acquired.Load()
}

// Close drops pooled buffers and rejects further acquisitions.
func (p *Pool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for i := range p.classes {
		for {
			select {
			case <-p.classes[i]:
				continue
			default:
			}
			break
		}
	}
}

func classSize(n int) int {
	if n <= 1<<minClassShift {
		return 1 << minClassShift
	}
	if n > 1<<maxClassShift {
		return n
	}
	return 1 << bits.Len(uint(n-1))
}

func classIndex(size int) (int, bool) {
	if size > 1<<maxClassShift {
		return 0, false
	}
	return bits.Len(uint(size-1)) - minClassShift, true
}
