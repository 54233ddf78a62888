package mq

import "testing"

func TestMigrationPreservesOrderWithinBucket(t *testing.T) {
	s := newStore(0, 4)
	var posted []*request
	for i := 0; i < 4; i++ {
		_, r, err := s.alloc()
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		r.kind = KindRecv
		r.state = StatePosted
		r.peer = AnyAddr
		r.tag = Tag64(42)
		r.sel = SelectAll
		s.addExpected(r)
		posted = append(posted, r)
	}
	if s.fastpath {
		t.Fatalf("expected migration at threshold")
	}
	if err := s.check(); err != nil {
		t.Fatalf("check: %v", err)
	}
	for i, want := range posted {
		got := s.matchExpected(1, Tag64(42))
		if got != want {
			t.Fatalf("match %d returned timestamp %d, want %d", i, got.timestamp, want.timestamp)
		}
	}
	if !s.fastpath {
		t.Fatalf("fastpath should re-enable when drained")
	}
}

func TestUnexpectedLookupByCategory(t *testing.T) {
	s := newStore(0, 2)
	add := func(peer Addr, tag Tag) *request {
		_, u, _ := s.alloc()
		u.kind = KindRecv
		u.state = StateUnexpected
		u.peer = peer
		u.tag = tag
		u.sel = SelectAll
		s.addUnexpected(u)
		return u
	}
	a := add(1, Tag{10, 20, 0})
	b := add(2, Tag{11, 20, 0})
	if s.fastpath || s.unexpected.hashLen != 2 {
		t.Fatalf("unexpected side not hashed: fastpath=%v hash=%d", s.fastpath, s.unexpected.hashLen)
	}
	if got := s.matchUnexpected(AnyAddr, Tag{0, 20, 0}, Selector{0, 0xFFFFFFFF, 0}, false); got != a {
		t.Fatalf("any-tag lookup should find the oldest message")
	}
	if got := s.matchUnexpected(2, Tag{0, 20, 0}, Selector{0, 0xFFFFFFFF, 0}, false); got != b {
		t.Fatalf("source constraint ignored")
	}
	if got := s.matchUnexpected(AnyAddr, Tag{11, 0, 0}, Selector{0xFFFFFFFF, 0, 0}, true); got != b {
		t.Fatalf("any-source lookup returned wrong message")
	}
	if err := s.check(); err != nil {
		t.Fatalf("check: %v", err)
	}
	if got := s.matchUnexpected(AnyAddr, Tag{}, Selector{}, true); got != a {
		t.Fatalf("wildcard lookup returned wrong message")
	}
	if !s.fastpath || s.unexpected.hashLen != 0 || s.unexpected.list.n != 0 {
		t.Fatalf("store not drained")
	}
}
