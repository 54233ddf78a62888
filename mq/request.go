package mq

import (
	"fmt"

	"github.com/rocketbitz/tagmq/internal/slab"
)

// Handle refers to a request owned by an Engine. Handles become invalid once
// the request is consumed by Test, Wait, or Peek-driven consumption.
type Handle uint64

// InvalidHandle is never issued by an Engine.
const InvalidHandle Handle = 0

// Kind distinguishes send and receive requests.
type Kind uint8

const (
	KindRecv Kind = iota
	KindSend
)

func (k Kind) String() string {
	switch k {
	case KindRecv:
		return "recv"
	case KindSend:
		return "send"
	default:
		return "request"
	}
}

// State is a request's position in its lifecycle.
type State uint8

const (
	StatePosted State = iota
	StateUnexpected
	StateUnexpectedRendezvous
	StateMatched
	StateComplete
)

func (s State) String() string {
	switch s {
	case StatePosted:
		return "posted"
	case StateUnexpected:
		return "unexpected"
	case StateUnexpectedRendezvous:
		return "unexpected_rendezvous"
	case StateMatched:
		return "matched"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Status reports the outcome of a request.
type Status struct {
	Source Addr
	Tag    Tag
	// MsgLength is the sender's message length.
	MsgLength int
	// Length is the number of bytes delivered into the receive buffer, or
	// the number sent for send requests.
	Length  int
	Err     error
	Context any
}

// Truncated reports whether the receive buffer was shorter than the message.
func (s Status) Truncated() bool {
	return s.Length < s.MsgLength
}

// ref is a 1-based slot index so the zero value means "no request".
type ref uint32

const nilRef ref = 0

func refOf(idx uint32) ref { return ref(idx + 1) }

func (r ref) index() uint32 { return uint32(r - 1) }

// Sublist slots. The first three line up with the hashable categories.
const (
	sublistExact     = int(CategoryExact)
	sublistAnySource = int(CategoryAnySource)
	sublistAnyTag    = int(CategoryAnyTag)
	sublistList      = int(CategoryWildcard)

	numHashed   = 3
	numSublists = 4

	linkCompleted = numSublists
	numLinks      = numSublists + 1
)

type link struct {
	next, prev ref
}

type sideID uint8

const (
	sideNone sideID = iota
	sideExpected
	sideUnexpected
)

type contKind uint8

const (
	contNone contKind = iota
	// contPending holds a rendezvous continuation that has not been pulled yet.
	contPending
	// contPulling marks a pull handed to the transport but not yet finished.
	contPulling
)

type continuation struct {
	kind contKind
	rv   Continuation
}

type request struct {
	self  ref
	kind  Kind
	state State

	waiting   bool
	completed bool

	side   sideID
	member uint8
	bucket [numHashed]uint8
	links  [numLinks]link

	timestamp uint64

	peer Addr
	tag  Tag
	sel  Selector

	buf    []byte
	staged bool

	msgLen  int
	copyLen int
	arrived int
	msgID   uint64
	inEager bool

	cont    continuation
	context any
	err     error
}

func sublistBit(which int) uint8 { return 1 << uint(which) }

func (r *request) on(which int) bool { return r.member&sublistBit(which) != 0 }

func (r *request) hashed() bool { return r.member&^sublistBit(sublistList) != 0 }

func (r *request) status() Status {
	st := Status{
		Source:    r.peer,
		Tag:       r.tag,
		MsgLength: r.msgLen,
		Length:    r.copyLen,
		Err:       r.err,
		Context:   r.context,
	}
	return st
}

func toSlab(h Handle) slab.Handle { return slab.Handle(h) }

func fromSlab(h slab.Handle) Handle { return Handle(h) }
