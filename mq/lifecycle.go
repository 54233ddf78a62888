package mq

import (
	"go.uber.org/zap"
)

// IRecv posts a receive for messages from src (or AnyAddr) whose tag agrees
// with tag on every bit set in sel. A message that already arrived is
// delivered at once; otherwise the receive waits on the expected side.
func (e *Engine) IRecv(src Addr, tag Tag, sel Selector, buf []byte, ctx any) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return InvalidHandle, ErrClosed
	}
	before := e.st.fastpath
	defer e.noteMode(before)

	if u := e.st.matchUnexpected(src, tag, sel, true); u != nil {
		h := e.st.handle(u)
		e.receiveInto(h, u, buf, ctx)
		return h, nil
	}

	h, r, err := e.st.alloc()
	if err != nil {
		return InvalidHandle, ErrResourceExhausted
	}
	r.kind = KindRecv
	r.state = StatePosted
	r.peer = src
	r.tag = tag
	r.sel = sel
	r.buf = buf
	r.copyLen = len(buf)
	r.context = ctx
	e.st.addExpected(r)
	return h, nil
}

// DeliverEnvelope hands the engine an eager message from peer. payload holds
// the first bytes of a msgLen-byte message; the rest, if any, follows through
// DeliverData under the same msgID. It returns the request now carrying the
// message.
//
// ErrResourceExhausted leaves the engine unchanged, so the caller may deliver
// the same envelope again once staging space is released.
func (e *Engine) DeliverEnvelope(peer Addr, tag Tag, msgLen int, payload []byte, msgID uint64) (Handle, error) {
	if msgLen < 0 || len(payload) > msgLen {
		return InvalidHandle, ErrInvalidRequest
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return InvalidHandle, ErrClosed
	}
	before := e.st.fastpath
	defer e.noteMode(before)

	if r := e.st.matchExpected(peer, tag); r != nil {
		e.stats.countRx(e.tr)
		h := e.st.handle(r)
		e.deliverMatched(r, peer, tag, msgLen, payload)
		e.trackEager(r, msgID)
		e.settle(r)
		return h, nil
	}

	buf, err := e.staged.Acquire(msgLen)
	if err != nil {
		return InvalidHandle, ErrResourceExhausted
	}
	h, u, err := e.st.alloc()
	if err != nil {
		e.staged.Release(buf)
		return InvalidHandle, ErrResourceExhausted
	}
	e.stats.countRx(e.tr)
	u.kind = KindRecv
	u.state = StateUnexpected
	u.peer = peer
	u.tag = tag
	u.sel = SelectAll
	u.msgLen = msgLen
	u.copyLen = msgLen
	u.buf = buf
	u.staged = buf != nil
	u.arrived = copy(buf, payload)
	if buf != nil {
		e.stats.rxSysbufNum.Add(1)
		e.stats.rxSysbufBytes.Add(uint64(msgLen))
	}
	e.trackEager(u, msgID)
	e.st.addUnexpected(u)
	e.log.Debug("unexpected message",
		zap.Stringer("peer", peer), zap.Stringer("tag", tag), zap.Int("len", msgLen))
	e.wake.broadcast()
	return h, nil
}

// DeliverData supplies payload at offset for the eager message identified by
// (peer, msgID). Fragments that precede their envelope are held until it arrives.
func (e *Engine) DeliverData(peer Addr, msgID uint64, offset int, payload []byte) error {
	if offset < 0 {
		return ErrInvalidRequest
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	key := eagerKey{peer: peer, msgID: msgID}
	if ref, ok := e.eager[key]; ok {
		r := e.st.at(ref)
		e.applyData(r, offset, payload)
		e.settle(r)
		return nil
	}
	held := make([]byte, len(payload))
	copy(held, payload)
	e.ooo[key] = append(e.ooo[key], fragment{offset: offset, payload: held})
	e.stats.outOfOrder.Add(1)
	return nil
}

// DiscardHeld drops fragments from peer still waiting for their envelope and
// reports how many were dropped. Transports call it when peer goes away.
func (e *Engine) DiscardHeld(peer Addr) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for key, held := range e.ooo {
		if key.peer == peer {
			n += len(held)
			delete(e.ooo, key)
		}
	}
	if n > 0 {
		e.log.Debug("held fragments discarded", zap.Stringer("peer", peer), zap.Int("fragments", n))
	}
	return n
}

// DeliverRendezvous announces a large message from peer. prefix holds any
// bytes sent ahead of the transfer; cont pulls the remainder once a receive
// buffer is known.
func (e *Engine) DeliverRendezvous(peer Addr, tag Tag, msgLen int, prefix []byte, msgID uint64, cont Continuation) (Handle, error) {
	if cont == nil || msgLen < 0 || len(prefix) > msgLen {
		return InvalidHandle, ErrInvalidRequest
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return InvalidHandle, ErrClosed
	}
	before := e.st.fastpath
	defer e.noteMode(before)

	if r := e.st.matchExpected(peer, tag); r != nil {
		e.stats.countRx(e.tr)
		h := e.st.handle(r)
		e.deliverMatched(r, peer, tag, msgLen, prefix)
		r.msgID = msgID
		e.startPull(h, r, cont)
		return h, nil
	}

	buf, err := e.staged.Acquire(len(prefix))
	if err != nil {
		return InvalidHandle, ErrResourceExhausted
	}
	h, u, err := e.st.alloc()
	if err != nil {
		e.staged.Release(buf)
		return InvalidHandle, ErrResourceExhausted
	}
	e.stats.countRx(e.tr)
	u.kind = KindRecv
	u.state = StateUnexpectedRendezvous
	u.peer = peer
	u.tag = tag
	u.sel = SelectAll
	u.msgLen = msgLen
	u.copyLen = msgLen
	u.buf = buf
	u.staged = buf != nil
	u.arrived = copy(buf, prefix)
	u.msgID = msgID
	u.cont = continuation{kind: contPending, rv: cont}
	e.st.addUnexpected(u)
	e.log.Debug("unexpected rendezvous",
		zap.Stringer("peer", peer), zap.Stringer("tag", tag), zap.Int("len", msgLen))
	e.wake.broadcast()
	return h, nil
}

// CompleteRendezvous finishes a receive whose continuation pulled its data
// asynchronously. A non-nil err becomes the request's terminal status.
func (e *Engine) CompleteRendezvous(h Handle, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.st.get(h)
	if !ok || r.kind != KindRecv || r.state != StateMatched || r.cont.kind != contPulling {
		return ErrInvalidRequest
	}
	r.cont = continuation{}
	if err != nil {
		r.err = &TransportError{Op: "rendezvous", Err: err}
	}
	r.arrived = r.msgLen
	e.complete(r)
	return nil
}

// Cancel withdraws a posted receive. Only receives still waiting for a
// message can be canceled; the request completes with ErrCanceled.
func (e *Engine) Cancel(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.st.get(h)
	if !ok {
		return ErrInvalidRequest
	}
	if r.kind != KindRecv || r.state != StatePosted {
		return ErrCancelUnsupported
	}
	before := e.st.fastpath
	e.st.remove(r)
	e.st.tryReenable()
	e.noteMode(before)

	r.err = ErrCanceled
	r.copyLen = 0
	r.msgLen = 0
	e.complete(r)
	e.log.Debug("receive canceled", zap.Stringer("tag", r.tag), zap.Stringer("peer", r.peer))
	return nil
}

func (e *Engine) deliverMatched(r *request, peer Addr, tag Tag, msgLen int, payload []byte) {
	r.state = StateMatched
	r.peer = peer
	r.tag = tag
	r.msgLen = msgLen
	r.copyLen = min(len(r.buf), msgLen)
	copy(r.buf[:r.copyLen], payload)
	r.arrived = len(payload)
	e.stats.rxUserNum.Add(1)
	e.stats.rxUserBytes.Add(uint64(r.copyLen))
}

// receiveInto gives an unexpected message its destination buffer.
func (e *Engine) receiveInto(h Handle, r *request, buf []byte, ctx any) {
	r.context = ctx
	r.copyLen = min(len(buf), r.msgLen)
	n := min(len(r.buf), r.copyLen)
	copy(buf[:n], r.buf[:n])
	e.release(r)
	r.buf = buf
	e.stats.rxSysNum.Add(1)
	e.stats.rxSysBytes.Add(uint64(r.copyLen))

	switch r.state {
	case StateUnexpected:
		r.state = StateMatched
		e.settle(r)
	case StateUnexpectedRendezvous:
		r.state = StateMatched
		cont := r.cont.rv
		assertf(r.cont.kind == contPending && cont != nil, "rendezvous without continuation")
		e.startPull(h, r, cont)
	default:
		assertf(false, "receiveInto on %s request", r.state)
	}
}

// startPull invokes the rendezvous continuation exactly once.
func (e *Engine) startPull(h Handle, r *request, cont Continuation) {
	r.cont = continuation{kind: contPulling, rv: cont}
	pull := RendezvousPull{
		Handle:    h,
		Source:    r.peer,
		Dst:       r.buf[:r.copyLen],
		Offset:    min(r.arrived, r.copyLen),
		MsgLength: r.msgLen,
		Window:    int(e.opts.window),
	}
	e.log.Debug("rendezvous pull",
		zap.Stringer("peer", r.peer), zap.Int("len", r.msgLen), zap.Int("copy", r.copyLen))
	done, err := cont.Pull(pull)
	if err != nil {
		r.cont = continuation{}
		r.err = &TransportError{Op: "rendezvous pull", Err: err}
		e.complete(r)
		return
	}
	if done {
		r.cont = continuation{}
		r.arrived = r.msgLen
		e.complete(r)
	}
}

func (e *Engine) trackEager(r *request, msgID uint64) {
	r.msgID = msgID
	if r.arrived >= r.msgLen {
		return
	}
	key := eagerKey{peer: r.peer, msgID: msgID}
	e.eager[key] = r.self
	r.inEager = true
	if held, ok := e.ooo[key]; ok {
		delete(e.ooo, key)
		for _, f := range held {
			e.applyData(r, f.offset, f.payload)
		}
	}
}

func (e *Engine) applyData(r *request, offset int, payload []byte) {
	if offset < r.copyLen {
		copy(r.buf[offset:r.copyLen], payload)
	}
	r.arrived += len(payload)
	if r.arrived >= r.msgLen && r.inEager {
		delete(e.eager, eagerKey{peer: r.peer, msgID: r.msgID})
		r.inEager = false
	}
}

// settle completes a matched eager receive once all of its bytes arrived.
func (e *Engine) settle(r *request) {
	if r.state == StateMatched && r.cont.kind == contNone && r.arrived >= r.msgLen {
		e.complete(r)
	}
}

func (e *Engine) complete(r *request) {
	r.state = StateComplete
	e.st.appendCompleted(r)
	e.wake.broadcast()
}

// release returns r's staging buffer to the pool. It runs at most once per buffer.
func (e *Engine) release(r *request) {
	if !r.staged {
		return
	}
	e.staged.Release(r.buf)
	r.staged = false
	r.buf = nil
}
