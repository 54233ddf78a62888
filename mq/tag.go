package mq

import "fmt"

// Tag is the 96-bit application identifier attached to a message.
type Tag [3]uint32

// Selector is a bitmask over a Tag; a set bit requires the corresponding tag
// bit to match exactly.
type Selector [3]uint32

// SelectAll requires every tag bit to match.
var SelectAll = Selector{0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF}

// Tag64 builds a Tag from a 64-bit value spread over words 0 and 1, leaving
// word 2 clear.
func Tag64(v uint64) Tag {
	return Tag{uint32(v), uint32(v >> 32), 0}
}

// Selector64 builds a Selector from a 64-bit mask over words 0 and 1.
// Word 2 is left unselected.
func Selector64(v uint64) Selector {
	return Selector{uint32(v), uint32(v >> 32), 0}
}

func (t Tag) String() string {
	return fmt.Sprintf("%08x.%08x.%08x", t[0], t[1], t[2])
}

func (s Selector) String() string {
	return fmt.Sprintf("%08x.%08x.%08x", s[0], s[1], s[2])
}

// Addr names a peer endpoint.
type Addr uint64

// AnyAddr matches messages from every peer.
const AnyAddr Addr = ^Addr(0)

func (a Addr) String() string {
	if a == AnyAddr {
		return "any"
	}
	return fmt.Sprintf("%d", uint64(a))
}

// Matches reports whether a message carrying tag from peer satisfies the
// stored (tag, selector, peer) rule. The XOR form makes it irrelevant which
// side supplied the selector.
func Matches(tag Tag, peer Addr, stored Tag, sel Selector, storedPeer Addr) bool {
	if storedPeer != AnyAddr && storedPeer != peer {
		return false
	}
	return (tag[0]^stored[0])&sel[0] == 0 &&
		(tag[1]^stored[1])&sel[1] == 0 &&
		(tag[2]^stored[2])&sel[2] == 0
}

// Category classifies a selector by which of its two leading words are fully
// selected. Only the first three categories can be hashed.
type Category uint8

const (
	// CategoryExact selects words 0 and 1 completely.
	CategoryExact Category = iota
	// CategoryAnySource selects word 0 completely but not word 1.
	CategoryAnySource
	// CategoryAnyTag selects word 1 completely but not word 0.
	CategoryAnyTag
	// CategoryWildcard selects neither word completely.
	CategoryWildcard
)

func (c Category) String() string {
	switch c {
	case CategoryExact:
		return "exact"
	case CategoryAnySource:
		return "any_source"
	case CategoryAnyTag:
		return "any_tag"
	case CategoryWildcard:
		return "wildcard"
	default:
		return "category"
	}
}

// CategoryOf derives the match category for a selector.
func CategoryOf(sel Selector) Category {
	switch {
	case sel[0] == 0xFFFFFFFF && sel[1] == 0xFFFFFFFF:
		return CategoryExact
	case sel[0] == 0xFFFFFFFF:
		return CategoryAnySource
	case sel[1] == 0xFFFFFFFF:
		return CategoryAnyTag
	default:
		return CategoryWildcard
	}
}
