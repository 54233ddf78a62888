// Package slab implements a generational slot arena. Slots are addressed by
// index for intrusive linking and handed to callers as Handles that carry a
// generation so that stale references are detected after a slot is reused.
package slab

import "errors"

// ErrExhausted indicates that the arena reached its slot limit.
var ErrExhausted = errors.New("slab: arena exhausted")

const (
	chunkBits = 8
	chunkSize = 1 << chunkBits
	chunkMask = chunkSize - 1
)

// NilIndex marks the absence of a slot in intrusive links.
const NilIndex = ^uint32(0)

// Handle identifies a live slot. The zero Handle is never issued.
type Handle uint64

// Index returns the slot index encoded in the handle.
func (h Handle) Index() uint32 { return uint32(h) }

// Gen returns the generation encoded in the handle.
func (h Handle) Gen() uint32 { return uint32(h >> 32) }

func makeHandle(idx, gen uint32) Handle {
	return Handle(gen)<<32 | Handle(idx)
}

type slot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// Arena stores values of type T in chunked slots so pointers returned by
// Alloc and At stay valid while the arena grows. It is not safe for
// concurrent use.
type Arena[T any] struct {
	chunks [][]slot[T]
	free   []uint32
	next   uint32
	limit  int
	live   int
}

// New constructs an arena holding at most limit live slots. A non-positive
// limit leaves the arena unbounded.
func New[T any](limit int) *Arena[T] {
	return &Arena[T]{limit: limit}
}

// Alloc reserves a slot and returns its handle and a pointer to the zeroed value.
func (a *Arena[T]) Alloc() (Handle, *T, error) {
	if a.limit > 0 && a.live >= a.limit {
		return 0, nil, ErrExhausted
	}
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if a.next == NilIndex {
			return 0, nil, ErrExhausted
		}
		idx = a.next
		a.next++
		if int(idx>>chunkBits) >= len(a.chunks) {
			a.chunks = append(a.chunks, make([]slot[T], chunkSize))
		}
	}
	s := a.slot(idx)
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	a.live++
	return makeHandle(idx, s.gen), &s.val, nil
}

// Get resolves a handle, reporting false when the handle is stale or was never issued.
func (a *Arena[T]) Get(h Handle) (*T, bool) {
	idx := h.Index()
	if h == 0 || idx >= a.next {
		return nil, false
	}
	s := a.slot(idx)
	if !s.live || s.gen != h.Gen() {
		return nil, false
	}
	return &s.val, true
}

// At returns the value stored at idx regardless of liveness. Callers use it to
// follow intrusive links between slots they know to be live.
func (a *Arena[T]) At(idx uint32) *T {
	if idx >= a.next {
		panic("slab: index out of range")
	}
	return &a.slot(idx).val
}

// HandleOf returns the current handle for a live slot index.
func (a *Arena[T]) HandleOf(idx uint32) Handle {
	s := a.slot(idx)
	return makeHandle(idx, s.gen)
}

// Free releases the slot behind h. It reports false for stale handles.
func (a *Arena[T]) Free(h Handle) bool {
	idx := h.Index()
	if h == 0 || idx >= a.next {
		return false
	}
	s := a.slot(idx)
	if !s.live || s.gen != h.Gen() {
		return false
	}
	var zero T
	s.val = zero
	s.live = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.live--
	a.free = append(a.free, idx)
	return true
}

// Len reports the number of live slots.
func (a *Arena[T]) Len() int { return a.live }

// Cap reports the number of slots created so far.
func (a *Arena[T]) Cap() int { return int(a.next) }

func (a *Arena[T]) slot(idx uint32) *slot[T] {
	return &a.chunks[idx>>chunkBits][idx&chunkMask]
}
