package mq

// matchUnexpected looks for the oldest arrived message satisfying a receive's
// (src, tag, sel) rule. When remove is set the message leaves the unexpected side.
func (s *store) matchUnexpected(src Addr, tag Tag, sel Selector, remove bool) *request {
	sd := &s.unexpected
	var found *request

	if s.fastpath {
		found = s.scan(sd.list.head, sublistList, func(u *request) bool {
			return Matches(u.tag, u.peer, tag, sel, src)
		})
	} else {
		which := int(CategoryOf(sel))
		head := sd.list.head
		if which != sublistList {
			head = sd.htab[which][bucketFor(which, tag)].head
		}
		found = s.scan(head, which, func(u *request) bool {
			return Matches(u.tag, u.peer, tag, sel, src)
		})
	}
	if found != nil && remove {
		s.remove(found)
		s.tryReenable()
	}
	return found
}

// matchExpected finds and removes the oldest posted receive accepting a
// message from peer carrying tag. Outside fastpath every category that could
// hold a match is consulted and the lowest timestamp wins.
func (s *store) matchExpected(peer Addr, tag Tag) *request {
	sd := &s.expected
	accept := func(r *request) bool {
		return Matches(tag, peer, r.tag, r.sel, r.peer)
	}

	var best *request
	if s.fastpath {
		best = s.scan(sd.list.head, sublistList, accept)
	} else {
		for which := 0; which < numHashed; which++ {
			c := s.scan(sd.htab[which][bucketFor(which, tag)].head, which, accept)
			if c != nil && (best == nil || c.timestamp < best.timestamp) {
				best = c
			}
		}
		if c := s.scan(sd.list.head, sublistList, accept); c != nil && (best == nil || c.timestamp < best.timestamp) {
			best = c
		}
	}
	if best != nil {
		s.remove(best)
		s.tryReenable()
	}
	return best
}

func (s *store) scan(head ref, which int, accept func(*request) bool) *request {
	for cur := head; cur != nilRef; {
		r := s.at(cur)
		if accept(r) {
			return r
		}
		cur = r.links[which].next
	}
	return nil
}

// addExpected queues a posted receive and migrates to hashed mode once the
// expected list grows past the threshold.
func (s *store) addExpected(req *request) bool {
	s.appendExpected(req)
	if s.fastpath && s.expected.listLen >= s.threshold {
		return s.disableFastpath()
	}
	return false
}

// addUnexpected queues an arrived message, migrating like addExpected.
func (s *store) addUnexpected(req *request) bool {
	s.appendUnexpected(req)
	if s.fastpath && s.unexpected.listLen >= s.threshold {
		return s.disableFastpath()
	}
	return false
}

// disableFastpath moves every hashable entry into its buckets, preserving
// list order. A population made only of wildcard receives has nothing to
// hash and leaves fastpath on. It reports whether the mode changed.
func (s *store) disableFastpath() bool {
	if s.expected.hashable == 0 && s.unexpected.listLen == 0 {
		return false
	}

	u := &s.unexpected
	for cur := u.list.head; cur != nilRef; {
		r := s.at(cur)
		next := r.links[sublistList].next
		if !r.hashed() {
			for which := 0; which < numHashed; which++ {
				s.hashInto(u, r, which)
			}
			u.listLen--
			u.hashLen++
		}
		cur = next
	}

	x := &s.expected
	for cur := x.list.head; cur != nilRef; {
		r := s.at(cur)
		next := r.links[sublistList].next
		if cat := CategoryOf(r.sel); cat != CategoryWildcard {
			s.unlink(&x.list, r, sublistList)
			r.member = 0
			s.hashInto(x, r, int(cat))
			x.listLen--
			x.hashable--
			x.hashLen++
		}
		cur = next
	}

	s.fastpath = false
	return true
}

// tryReenable restores list-only matching once nothing remains hashed.
func (s *store) tryReenable() bool {
	if s.fastpath || s.expected.hashLen != 0 || s.unexpected.hashLen != 0 {
		return false
	}
	assertf(s.expected.hashable == 0, "hashable receives left on expected list")
	assertf(s.unexpected.listLen == 0, "unhashed messages left on unexpected list")
	s.fastpath = true
	return true
}
