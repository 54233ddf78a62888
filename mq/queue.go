package mq

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/rocketbitz/tagmq/internal/slab"
)

// NumHashBuckets is the bucket count of every hash table in the queue store.
const NumHashBuckets = 64

// queue is an intrusive FIFO threaded through one of a request's links.
type queue struct {
	head, tail ref
	n          int
}

// side holds one direction of matching state: the expected side stores posted
// receives, the unexpected side stores arrived-but-unmatched messages.
type side struct {
	list queue
	htab [numHashed][NumHashBuckets]queue

	// listLen counts requests reachable only through list.
	listLen int
	// hashLen counts requests indexed in the hash tables.
	hashLen int
	// hashable counts expected requests on list whose selector is hashable.
	hashable int
}

type store struct {
	reqs       *slab.Arena[request]
	expected   side
	unexpected side
	completed  queue
	fastpath   bool
	threshold  int
	clock      uint64
}

func newStore(limit, threshold int) store {
	return store{
		reqs:      slab.New[request](limit),
		fastpath:  true,
		threshold: threshold,
	}
}

func (s *store) at(r ref) *request {
	return s.reqs.At(r.index())
}

func (s *store) handle(req *request) Handle {
	return fromSlab(s.reqs.HandleOf(req.self.index()))
}

func (s *store) get(h Handle) (*request, bool) {
	return s.reqs.Get(toSlab(h))
}

func (s *store) alloc() (Handle, *request, error) {
	h, req, err := s.reqs.Alloc()
	if err != nil {
		return 0, nil, err
	}
	req.self = refOf(h.Index())
	return fromSlab(h), req, nil
}

func (s *store) free(h Handle) {
	assertf(s.reqs.Free(toSlab(h)), "freeing stale handle %#x", uint64(h))
}

func (s *store) append(q *queue, req *request, which int) {
	l := &req.links[which]
	l.next = nilRef
	l.prev = q.tail
	if q.tail != nilRef {
		s.at(q.tail).links[which].next = req.self
	} else {
		q.head = req.self
	}
	q.tail = req.self
	q.n++
}

func (s *store) unlink(q *queue, req *request, which int) {
	l := &req.links[which]
	if l.prev != nilRef {
		s.at(l.prev).links[which].next = l.next
	} else {
		assertf(q.head == req.self, "request not at head of sublist %d", which)
		q.head = l.next
	}
	if l.next != nilRef {
		s.at(l.next).links[which].prev = l.prev
	} else {
		assertf(q.tail == req.self, "request not at tail of sublist %d", which)
		q.tail = l.prev
	}
	l.next, l.prev = nilRef, nilRef
	q.n--
}

func (s *store) sideOf(id sideID) *side {
	switch id {
	case sideExpected:
		return &s.expected
	case sideUnexpected:
		return &s.unexpected
	default:
		return nil
	}
}

// bucketFor hashes the tag words that a category guarantees to be exact.
func bucketFor(which int, tag Tag) uint8 {
	var b [8]byte
	var sum uint64
	switch which {
	case sublistExact:
		binary.LittleEndian.PutUint32(b[0:4], tag[0])
		binary.LittleEndian.PutUint32(b[4:8], tag[1])
		sum = xxhash.Sum64(b[:8])
	case sublistAnySource:
		binary.LittleEndian.PutUint32(b[0:4], tag[0])
		sum = xxhash.Sum64(b[:4])
	case sublistAnyTag:
		binary.LittleEndian.PutUint32(b[0:4], tag[1])
		sum = xxhash.Sum64(b[:4])
	default:
		panic("mq: bucketFor on unhashed sublist")
	}
	return uint8(sum % NumHashBuckets)
}

// hashInto appends req to the bucket of sublist which and records membership.
func (s *store) hashInto(sd *side, req *request, which int) {
	b := bucketFor(which, req.tag)
	req.bucket[which] = b
	req.member |= sublistBit(which)
	s.append(&sd.htab[which][b], req, which)
}

// appendExpected files a posted receive by its selector category.
func (s *store) appendExpected(req *request) {
	req.timestamp = s.clock
	s.clock++
	req.side = sideExpected
	sd := &s.expected
	cat := CategoryOf(req.sel)

	if s.fastpath || cat == CategoryWildcard {
		req.member = sublistBit(sublistList)
		s.append(&sd.list, req, sublistList)
		sd.listLen++
		if cat != CategoryWildcard {
			sd.hashable++
		}
		return
	}
	s.hashInto(sd, req, int(cat))
	sd.hashLen++
}

// appendUnexpected files an arrived message. Outside fastpath the message is
// indexed in every hash table as well, since any receive category may look it up.
func (s *store) appendUnexpected(req *request) {
	req.timestamp = s.clock
	s.clock++
	req.side = sideUnexpected
	sd := &s.unexpected
	req.member = sublistBit(sublistList)
	s.append(&sd.list, req, sublistList)
	if s.fastpath {
		sd.listLen++
		return
	}
	for which := 0; which < numHashed; which++ {
		s.hashInto(sd, req, which)
	}
	sd.hashLen++
}

// remove detaches req from every sublist of its side and fixes the counters.
func (s *store) remove(req *request) {
	sd := s.sideOf(req.side)
	assertf(sd != nil, "removing request that is not queued")

	switch req.side {
	case sideExpected:
		assertf(req.member != 0 && req.member&(req.member-1) == 0,
			"expected request must have exactly one membership, got %04b", req.member)
		if req.on(sublistList) {
			s.unlink(&sd.list, req, sublistList)
			sd.listLen--
			if CategoryOf(req.sel) != CategoryWildcard {
				sd.hashable--
			}
		} else {
			which := int(CategoryOf(req.sel))
			assertf(req.on(which), "expected request filed under wrong category")
			s.unlink(&sd.htab[which][req.bucket[which]], req, which)
			sd.hashLen--
		}
	case sideUnexpected:
		assertf(req.on(sublistList), "unexpected request missing from list")
		hashed := req.hashed()
		s.unlink(&sd.list, req, sublistList)
		for which := 0; which < numHashed; which++ {
			if req.on(which) {
				s.unlink(&sd.htab[which][req.bucket[which]], req, which)
			}
		}
		if hashed {
			sd.hashLen--
		} else {
			sd.listLen--
		}
	}
	assertf(sd.listLen >= 0 && sd.hashLen >= 0 && sd.hashable >= 0, "negative population counter")
	req.member = 0
	req.side = sideNone
}

func (s *store) appendCompleted(req *request) {
	assertf(!req.completed, "request completed twice")
	req.completed = true
	s.append(&s.completed, req, linkCompleted)
}

func (s *store) removeCompleted(req *request) {
	if !req.completed {
		return
	}
	s.unlink(&s.completed, req, linkCompleted)
	req.completed = false
}
