package mq

import (
	"context"

	"code.hybscloud.com/spin"
)

// IProbe reports whether a message matching (src, tag, sel) has arrived,
// without receiving it. When nothing matches it runs one round of transport
// progress and looks again before returning ErrNoMatch.
func (e *Engine) IProbe(src Addr, tag Tag, sel Selector) (Status, error) {
	_, st, err := e.probe(src, tag, sel, false)
	return st, err
}

// IMProbe is IProbe that also claims the message. The returned handle must be
// given a buffer through Attach before it can complete.
func (e *Engine) IMProbe(src Addr, tag Tag, sel Selector) (Handle, Status, error) {
	return e.probe(src, tag, sel, true)
}

func (e *Engine) probe(src Addr, tag Tag, sel Selector, remove bool) (Handle, Status, error) {
	for attempt := 0; ; attempt++ {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return InvalidHandle, Status{}, ErrClosed
		}
		before := e.st.fastpath
		if u := e.st.matchUnexpected(src, tag, sel, remove); u != nil {
			st := u.status()
			var h Handle
			if remove {
				h = e.st.handle(u)
				e.noteMode(before)
			}
			e.mu.Unlock()
			return h, st, nil
		}
		e.mu.Unlock()

		if attempt > 0 {
			return InvalidHandle, Status{}, ErrNoMatch
		}
		if _, err := e.progress(); err != nil {
			return InvalidHandle, Status{}, err
		}
	}
}

// Attach supplies the receive buffer for a message claimed by IMProbe.
func (e *Engine) Attach(h Handle, buf []byte, ctx any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.st.get(h)
	if !ok || r.kind != KindRecv || r.side != sideNone {
		return ErrInvalidRequest
	}
	if r.state != StateUnexpected && r.state != StateUnexpectedRendezvous {
		return ErrInvalidRequest
	}
	e.receiveInto(h, r, buf, ctx)
	return nil
}

// Test reports a request's status without blocking. A completed request is
// consumed and its handle becomes invalid. A request with a transfer in
// flight gets one round of transport progress first. ErrNoCompletion means
// the request is still pending.
func (e *Engine) Test(h Handle) (Status, error) {
	st, done, pulling, err := e.testOnce(h)
	if done || err != nil {
		return st, err
	}
	if pulling {
		if _, err := e.progress(); err != nil {
			return Status{}, err
		}
		st, done, _, err = e.testOnce(h)
		if done || err != nil {
			return st, err
		}
	}
	return Status{}, ErrNoCompletion
}

func (e *Engine) testOnce(h Handle) (st Status, done, pulling bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.st.get(h)
	if !ok {
		return Status{}, false, false, ErrInvalidRequest
	}
	if r.state == StateComplete {
		st = e.consume(h, r)
		return st, true, false, st.Err
	}
	return Status{}, false, r.cont.kind == contPulling, nil
}

// Wait blocks until the request completes, consumes it, and returns its
// status together with its terminal error. If ctx ends first the request
// stays valid and may be waited on again.
func (e *Engine) Wait(ctx context.Context, h Handle) (Status, error) {
	sw := spin.Wait{}
	spins := 0
	for {
		wake := e.wake.wait()

		e.mu.Lock()
		r, ok := e.st.get(h)
		if !ok {
			e.mu.Unlock()
			return Status{}, ErrInvalidRequest
		}
		if r.state == StateComplete {
			st := e.consume(h, r)
			e.mu.Unlock()
			return st, st.Err
		}
		if e.closed {
			e.mu.Unlock()
			return Status{}, ErrClosed
		}
		r.waiting = true
		e.mu.Unlock()

		n, err := e.progress()
		if err != nil {
			e.clearWaiting(h)
			return Status{}, err
		}
		if n > 0 {
			spins = 0
			sw.Reset()
			continue
		}
		if spins < e.spins {
			spins++
			sw.Once()
			continue
		}

		select {
		case <-wake:
			spins = 0
			sw.Reset()
		case <-ctx.Done():
			e.clearWaiting(h)
			return Status{}, ctx.Err()
		}
	}
}

// Waited reports whether a goroutine is blocked in Wait on h. Transports use
// it to move waited transfers ahead of the rest.
func (e *Engine) Waited(h Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.st.get(h)
	return ok && r.waiting && r.state != StateComplete
}

func (e *Engine) clearWaiting(h Handle) {
	e.mu.Lock()
	if r, ok := e.st.get(h); ok {
		r.waiting = false
	}
	e.mu.Unlock()
}

// Peek returns the oldest completed request without consuming it.
func (e *Engine) Peek() (Handle, Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.completed.head == nilRef {
		return InvalidHandle, Status{}, false
	}
	r := e.st.at(e.st.completed.head)
	return e.st.handle(r), r.status(), true
}

func (e *Engine) consume(h Handle, r *request) Status {
	st := r.status()
	e.st.removeCompleted(r)
	e.release(r)
	e.st.free(h)
	return st
}
