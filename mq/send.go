package mq

import (
	"context"

	"go.uber.org/zap"
)

// ISend starts sending buf to dest. Messages no longer than the eager
// threshold of the transport's class complete as soon as the transport
// accepts them; larger ones stay in flight until the transport reports
// CompleteSend. buf must not be modified until the request completes.
func (e *Engine) ISend(dest Addr, tag Tag, buf []byte, ctx any) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return InvalidHandle, ErrClosed
	}
	if e.tr == nil {
		return InvalidHandle, ErrNoTransport
	}
	h, r, err := e.st.alloc()
	if err != nil {
		return InvalidHandle, ErrResourceExhausted
	}
	r.kind = KindSend
	r.peer = dest
	r.tag = tag
	r.sel = SelectAll
	r.buf = buf
	r.msgLen = len(buf)
	r.copyLen = len(buf)
	r.context = ctx
	e.msgSeq++
	r.msgID = e.msgSeq

	class := e.tr.Class()
	rendezvous := uint64(len(buf)) > e.opts.threshold(class)
	out := Outbound{
		Handle:     h,
		Dest:       dest,
		Tag:        tag,
		Payload:    buf,
		MsgID:      r.msgID,
		Rendezvous: rendezvous,
	}
	if err := e.tr.Send(out); err != nil {
		e.st.free(h)
		return InvalidHandle, &TransportError{Op: "send", Err: err}
	}
	e.stats.countTx(class, rendezvous, len(buf))

	if rendezvous {
		r.state = StateMatched
		r.cont = continuation{kind: contPulling}
		e.log.Debug("rendezvous send",
			zap.Stringer("peer", dest), zap.Stringer("tag", tag), zap.Int("len", len(buf)))
		return h, nil
	}
	r.state = StateMatched
	r.arrived = len(buf)
	e.complete(r)
	return h, nil
}

// Send sends buf to dest and waits for the send to complete.
func (e *Engine) Send(ctx context.Context, dest Addr, tag Tag, buf []byte) (Status, error) {
	h, err := e.ISend(dest, tag, buf, nil)
	if err != nil {
		return Status{}, err
	}
	return e.Wait(ctx, h)
}

// CompleteSend finishes an in-flight rendezvous send. A non-nil err becomes
// the request's terminal status.
func (e *Engine) CompleteSend(h Handle, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.st.get(h)
	if !ok || r.kind != KindSend || r.state != StateMatched {
		return ErrInvalidRequest
	}
	r.cont = continuation{}
	if err != nil {
		r.err = &TransportError{Op: "rendezvous send", Err: err}
		r.copyLen = 0
	}
	e.complete(r)
	return nil
}
