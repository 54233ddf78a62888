package mq

// TransportClass selects which eager-to-rendezvous threshold applies to a
// transport.
type TransportClass uint8

const (
	// ClassShm is an intra-node shared-memory transport.
	ClassShm TransportClass = iota
	// ClassFabric is a network adapter transport.
	ClassFabric
)

func (c TransportClass) String() string {
	switch c {
	case ClassShm:
		return "shm"
	case ClassFabric:
		return "fabric"
	default:
		return "transport"
	}
}

// Outbound is a send handed to the transport. Eager payloads must be copied
// before Send returns; rendezvous payloads stay owned by the engine until the
// transport reports CompleteSend for Handle.
type Outbound struct {
	Handle     Handle
	Dest       Addr
	Tag        Tag
	Payload    []byte
	MsgID      uint64
	Rendezvous bool
}

// Transport is the messaging capability beneath the engine.
//
// Send is called with the engine lock held and must not re-enter the engine
// synchronously. Progress is called without the lock and may deliver events
// through the engine's Deliver*/Complete* methods. It reports how many
// events it processed.
type Transport interface {
	Class() TransportClass
	Send(m Outbound) error
	Progress() (int, error)
}

// RendezvousPull asks the transport to fetch the remaining bytes of a
// rendezvous message into Dst, which is already truncated to the copy length.
// Offset bytes of Dst are already filled.
type RendezvousPull struct {
	Handle    Handle
	Source    Addr
	Dst       []byte
	Offset    int
	MsgLength int
	Window    int
}

// Continuation resumes a rendezvous once the receive buffer is known. Pull is
// invoked exactly once, with the engine lock held. Returning done reports the
// transfer finished synchronously; otherwise the transport must later call
// Engine.CompleteRendezvous for the request.
type Continuation interface {
	Pull(p RendezvousPull) (done bool, err error)
}

// ContinuationFunc adapts a function to the Continuation interface.
type ContinuationFunc func(p RendezvousPull) (bool, error)

// Pull calls f(p).
func (f ContinuationFunc) Pull(p RendezvousPull) (bool, error) {
	return f(p)
}
