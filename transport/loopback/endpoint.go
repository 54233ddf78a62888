package loopback

import (
	"errors"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rocketbitz/tagmq/mq"
)

type eventKind uint8

const (
	evEnvelope eventKind = iota
	evData
	evRTS
	evRTSDone
)

type event struct {
	kind    eventKind
	src     mq.Addr
	tag     mq.Tag
	msgLen  int
	offset  int
	payload []byte
	msgID   uint64
	// handle is the sender's request for evRTS and evRTSDone.
	handle mq.Handle
}

// pullJob is a rendezvous transfer moving one window per Progress round.
type pullJob struct {
	recv   mq.Handle
	dst    []byte
	off    int
	window int
	src    []byte
	sender *Endpoint
	handle mq.Handle
}

// Endpoint is one engine's attachment to a Fabric. It implements mq.Transport.
type Endpoint struct {
	fabric *Fabric
	addr   mq.Addr
	id     string
	engine *mq.Engine

	// progressMu keeps events from one inbox in order.
	progressMu sync.Mutex

	mu     sync.Mutex
	inbox  []event
	pulls  []*pullJob
	closed bool
}

var _ mq.Transport = (*Endpoint)(nil)

// Addr returns the endpoint's fabric address.
func (ep *Endpoint) Addr() mq.Addr { return ep.addr }

// ID returns the endpoint's unique identifier.
func (ep *Endpoint) ID() string { return ep.id }

// Class reports the fabric's transport class.
func (ep *Endpoint) Class() mq.TransportClass { return ep.fabric.class }

// Send queues m at its destination. Eager payloads are copied; rendezvous
// payloads are read in place when the receiver pulls them.
func (ep *Endpoint) Send(m mq.Outbound) error {
	ep.mu.Lock()
	closed := ep.closed
	ep.mu.Unlock()
	if closed {
		return ErrClosed
	}
	dst, err := ep.fabric.lookup(m.Dest)
	if err != nil {
		return err
	}

	var evs []event
	if m.Rendezvous {
		evs = append(evs, event{
			kind:    evRTS,
			src:     ep.addr,
			tag:     m.Tag,
			msgLen:  len(m.Payload),
			payload: m.Payload,
			msgID:   m.MsgID,
			handle:  m.Handle,
		})
	} else {
		evs = ep.fragments(m)
	}
	return dst.enqueue(evs...)
}

func (ep *Endpoint) fragments(m mq.Outbound) []event {
	frag := ep.fabric.fragment
	n := len(m.Payload)
	if frag == 0 || n <= frag {
		frag = n
	}
	first := make([]byte, frag)
	copy(first, m.Payload)
	evs := []event{{
		kind:    evEnvelope,
		src:     ep.addr,
		tag:     m.Tag,
		msgLen:  n,
		payload: first,
		msgID:   m.MsgID,
	}}
	for off := frag; off < n; off += frag {
		end := min(off+frag, n)
		chunk := make([]byte, end-off)
		copy(chunk, m.Payload[off:end])
		evs = append(evs, event{
			kind:    evData,
			src:     ep.addr,
			offset:  off,
			payload: chunk,
			msgID:   m.MsgID,
		})
	}
	return evs
}

func (ep *Endpoint) enqueue(evs ...event) error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return ErrClosed
	}
	ep.inbox = append(ep.inbox, evs...)
	ep.mu.Unlock()
	ep.engine.Notify()
	return nil
}

// Progress delivers every queued event to the engine and advances in-flight
// rendezvous pulls by one window. A pull the engine is waiting on runs to the
// end in one round.
//
// An event the engine cannot stage yet stays queued with everything after it
// from the same source and is retried by the next Progress.
func (ep *Endpoint) Progress() (int, error) {
	ep.progressMu.Lock()
	defer ep.progressMu.Unlock()

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return 0, ErrClosed
	}
	batch := ep.inbox
	ep.inbox = nil
	jobs := ep.pulls
	ep.pulls = nil
	ep.mu.Unlock()

	n := 0
	var err error
	var stalled map[mq.Addr]struct{}
	var deferred []event
	for i := range batch {
		ev := &batch[i]
		if _, ok := stalled[ev.src]; ok {
			deferred = append(deferred, *ev)
			continue
		}
		derr := ep.dispatch(ev)
		switch {
		case derr == nil:
			n++
		case errors.Is(derr, mq.ErrResourceExhausted):
			if stalled == nil {
				stalled = make(map[mq.Addr]struct{})
			}
			stalled[ev.src] = struct{}{}
			deferred = append(deferred, *ev)
		default:
			err = multierr.Append(err, derr)
		}
	}
	if len(deferred) > 0 {
		ep.mu.Lock()
		ep.inbox = append(deferred, ep.inbox...)
		ep.mu.Unlock()
		ep.fabric.log.Debug("events deferred",
			zap.Stringer("addr", ep.addr), zap.Int("events", len(deferred)), zap.Int("sources", len(stalled)))
	}

	var pending []*pullJob
	for _, job := range jobs {
		done := job.step()
		for !done && ep.engine.Waited(job.recv) {
			done = job.step()
		}
		if !done {
			pending = append(pending, job)
			continue
		}
		n++
		if cerr := ep.engine.CompleteRendezvous(job.recv, nil); cerr != nil {
			err = multierr.Append(err, cerr)
		}
		ep.finish(job)
	}
	if len(pending) > 0 {
		n += len(pending)
		ep.mu.Lock()
		ep.pulls = append(pending, ep.pulls...)
		ep.mu.Unlock()
	}
	return n, err
}

// Deferred reports how many received events are queued for the next Progress.
func (ep *Endpoint) Deferred() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.inbox)
}

func (ep *Endpoint) dispatch(ev *event) error {
	e := ep.engine
	switch ev.kind {
	case evEnvelope:
		_, err := e.DeliverEnvelope(ev.src, ev.tag, ev.msgLen, ev.payload, ev.msgID)
		return err
	case evData:
		return e.DeliverData(ev.src, ev.msgID, ev.offset, ev.payload)
	case evRTS:
		sender, err := ep.fabric.lookup(ev.src)
		if err != nil {
			return err
		}
		cont := &rendezvous{
			ep:     ep,
			sender: sender,
			src:    ev.payload,
			handle: ev.handle,
		}
		_, err = e.DeliverRendezvous(ev.src, ev.tag, ev.msgLen, nil, ev.msgID, cont)
		return err
	case evRTSDone:
		return e.CompleteSend(ev.handle, nil)
	}
	return nil
}

// Close detaches the endpoint. Queued events are dropped.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return ErrClosed
	}
	ep.closed = true
	dropped := len(ep.inbox)
	ep.inbox = nil
	ep.pulls = nil
	ep.mu.Unlock()

	ep.fabric.detach(ep.addr)
	ep.engine.Notify()
	ep.fabric.log.Debug("endpoint closed", zap.Stringer("addr", ep.addr), zap.Int("dropped", dropped))
	return nil
}

// rendezvous pulls a sender's payload into the receive buffer. It runs with
// the receiving engine's lock held, so it only touches inboxes.
type rendezvous struct {
	ep     *Endpoint
	sender *Endpoint
	src    []byte
	handle mq.Handle
}

func (r *rendezvous) Pull(p mq.RendezvousPull) (bool, error) {
	window := p.Window
	if window <= 0 {
		window = mq.DefaultRendezvousWindow
	}
	job := &pullJob{
		recv:   p.Handle,
		dst:    p.Dst,
		off:    p.Offset,
		window: window,
		src:    r.src,
		sender: r.sender,
		handle: r.handle,
	}
	if r.ep.fabric.async {
		r.ep.mu.Lock()
		r.ep.pulls = append(r.ep.pulls, job)
		r.ep.mu.Unlock()
		r.ep.engine.Notify()
		return false, nil
	}
	for job.off < len(job.dst) {
		job.step()
	}
	r.ep.finish(job)
	return true, nil
}

// finish tells the sender its payload is no longer referenced.
func (ep *Endpoint) finish(job *pullJob) {
	if err := job.sender.enqueue(event{kind: evRTSDone, src: ep.addr, handle: job.handle}); err != nil {
		ep.fabric.log.Debug("rendezvous sender gone", zap.Stringer("peer", job.sender.addr), zap.Error(err))
	}
}

// step copies one window and reports whether the transfer is finished.
func (j *pullJob) step() bool {
	if j.off >= len(j.dst) {
		return true
	}
	end := min(j.off+j.window, len(j.dst))
	copy(j.dst[j.off:end], j.src[j.off:end])
	j.off = end
	return j.off >= len(j.dst)
}
