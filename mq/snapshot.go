package mq

import (
	"fmt"

	"go.uber.org/multierr"
)

// Snapshot describes the queue store at one instant.
type Snapshot struct {
	Fastpath bool

	ExpectedList   int
	ExpectedHash   int
	UnexpectedList int
	UnexpectedHash int

	Completed  int
	Live       int
	Waiting    int
	Staged     int64
	EagerOpen  int
	HeldFrames int
}

// Snapshot reports the engine's population counters.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	held := 0
	for _, f := range e.ooo {
		held += len(f)
	}
	waiting := 0
	for i := 0; i < e.st.reqs.Cap(); i++ {
		h := e.st.reqs.HandleOf(uint32(i))
		if r, ok := e.st.reqs.Get(h); ok && r.waiting && r.state != StateComplete {
			waiting++
		}
	}
	return Snapshot{
		Fastpath:       e.st.fastpath,
		ExpectedList:   e.st.expected.listLen,
		ExpectedHash:   e.st.expected.hashLen,
		UnexpectedList: e.st.unexpected.listLen,
		UnexpectedHash: e.st.unexpected.hashLen,
		Completed:      e.st.completed.n,
		Live:           e.st.reqs.Len(),
		Waiting:        waiting,
		Staged:         e.staged.InUse(),
		EagerOpen:      len(e.eager),
		HeldFrames:     held,
	}
}

// Check walks every sublist and verifies that the population counters, the
// memberships, and the fastpath flag agree. It returns every discrepancy found.
func (e *Engine) Check() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.check()
}

func (s *store) check() error {
	var err error
	walk := func(q *queue, which int, visit func(*request)) int {
		n := 0
		prev := nilRef
		for cur := q.head; cur != nilRef; {
			r := s.at(cur)
			if r.links[which].prev != prev {
				err = multierr.Append(err, fmt.Errorf("sublist %d: broken back link at slot %d", which, cur.index()))
			}
			visit(r)
			n++
			prev = cur
			cur = r.links[which].next
		}
		if q.tail != prev {
			err = multierr.Append(err, fmt.Errorf("sublist %d: tail mismatch", which))
		}
		if q.n != n {
			err = multierr.Append(err, fmt.Errorf("sublist %d: length %d, walked %d", which, q.n, n))
		}
		return n
	}

	// Expected side: every request sits in exactly one sublist.
	x := &s.expected
	seen := make(map[ref]int)
	hashable := 0
	listN := walk(&x.list, sublistList, func(r *request) {
		seen[r.self]++
		if r.state != StatePosted || r.side != sideExpected {
			err = multierr.Append(err, fmt.Errorf("expected list holds %s request", r.state))
		}
		if CategoryOf(r.sel) != CategoryWildcard {
			hashable++
		}
	})
	hashN := 0
	for which := 0; which < numHashed; which++ {
		for b := range x.htab[which] {
			hashN += walk(&x.htab[which][b], which, func(r *request) {
				seen[r.self]++
				if int(CategoryOf(r.sel)) != which || int(r.bucket[which]) != b {
					err = multierr.Append(err, fmt.Errorf("expected request filed in wrong bucket"))
				}
			})
		}
	}
	for self, n := range seen {
		if n != 1 {
			err = multierr.Append(err, fmt.Errorf("expected request at slot %d reachable %d times", self.index(), n))
		}
	}
	if listN != x.listLen || hashN != x.hashLen || hashable != x.hashable {
		err = multierr.Append(err, fmt.Errorf("expected counters list=%d hash=%d hashable=%d, walked %d/%d/%d",
			x.listLen, x.hashLen, x.hashable, listN, hashN, hashable))
	}

	// Unexpected side: every message is on the list, and hashed messages are
	// in all three tables.
	u := &s.unexpected
	plain, hashed := 0, 0
	walk(&u.list, sublistList, func(r *request) {
		if r.state != StateUnexpected && r.state != StateUnexpectedRendezvous {
			err = multierr.Append(err, fmt.Errorf("unexpected list holds %s request", r.state))
		}
		if r.hashed() {
			hashed++
		} else {
			plain++
		}
	})
	for which := 0; which < numHashed; which++ {
		n := 0
		for b := range u.htab[which] {
			n += walk(&u.htab[which][b], which, func(*request) {})
		}
		if n != hashed {
			err = multierr.Append(err, fmt.Errorf("unexpected table %d holds %d, want %d", which, n, hashed))
		}
	}
	if plain != u.listLen || hashed != u.hashLen {
		err = multierr.Append(err, fmt.Errorf("unexpected counters list=%d hash=%d, walked %d/%d",
			u.listLen, u.hashLen, plain, hashed))
	}

	if s.fastpath != (x.hashLen == 0 && u.hashLen == 0) {
		err = multierr.Append(err, fmt.Errorf("fastpath=%v with hash populations %d/%d", s.fastpath, x.hashLen, u.hashLen))
	}

	walk(&s.completed, linkCompleted, func(r *request) {
		if r.state != StateComplete {
			err = multierr.Append(err, fmt.Errorf("completed list holds %s request", r.state))
		}
	})
	return err
}
