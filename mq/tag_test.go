package mq

import (
	"testing"

	fuzz "github.com/google/gofuzz"
)

func bitwiseMatch(a, b Tag, sel Selector) bool {
	for w := 0; w < 3; w++ {
		for bit := 0; bit < 32; bit++ {
			m := uint32(1) << bit
			if sel[w]&m != 0 && a[w]&m != b[w]&m {
				return false
			}
		}
	}
	return true
}

func TestMatchesAgreesWithBitwiseDefinition(t *testing.T) {
	f := fuzz.NewWithSeed(42).NilChance(0)
	for i := 0; i < 5000; i++ {
		var a, b Tag
		var sel Selector
		f.Fuzz(&a)
		f.Fuzz(&b)
		f.Fuzz(&sel)
		switch i % 4 {
		case 0:
			sel = Selector{}
		case 1:
			sel = SelectAll
		case 2:
			for w := range b {
				b[w] = a[w]&sel[w] | b[w]&^sel[w]
			}
		}
		want := bitwiseMatch(a, b, sel)
		if got := Matches(a, 1, b, sel, AnyAddr); got != want {
			t.Fatalf("Matches(%s, %s, sel %s) = %v, want %v", a, b, sel, got, want)
		}
		if got := Matches(b, 1, a, sel, AnyAddr); got != want {
			t.Fatalf("Matches is not symmetric for %s/%s under %s", a, b, sel)
		}
	}
}

func TestMatchesPeerConstraint(t *testing.T) {
	tag := Tag64(0x1)
	if !Matches(tag, 3, tag, SelectAll, 3) {
		t.Fatalf("expected match for same peer")
	}
	if Matches(tag, 4, tag, SelectAll, 3) {
		t.Fatalf("unexpected match for different peer")
	}
	if !Matches(tag, 4, tag, SelectAll, AnyAddr) {
		t.Fatalf("expected AnyAddr to accept every peer")
	}
	if !Matches(Tag{1, 2, 3}, 9, Tag{4, 5, 6}, Selector{}, AnyAddr) {
		t.Fatalf("empty selector must match every tag")
	}
}

func TestCategoryOf(t *testing.T) {
	cases := []struct {
		sel  Selector
		want Category
	}{
		{SelectAll, CategoryExact},
		{Selector{0xFFFFFFFF, 0xFFFFFFFF, 0}, CategoryExact},
		{Selector{0xFFFFFFFF, 0x0000FFFF, 0}, CategoryAnySource},
		{Selector{0x00FF0000, 0xFFFFFFFF, 0xFFFFFFFF}, CategoryAnyTag},
		{Selector{0xFFFFFFFE, 0x7FFFFFFF, 0xFFFFFFFF}, CategoryWildcard},
		{Selector{}, CategoryWildcard},
	}
	for _, tc := range cases {
		if got := CategoryOf(tc.sel); got != tc.want {
			t.Fatalf("CategoryOf(%s) = %s, want %s", tc.sel, got, tc.want)
		}
	}
}

func TestBucketForUsesCategoryWords(t *testing.T) {
	a := Tag{7, 9, 1}
	b := Tag{7, 9, 2}
	if bucketFor(sublistExact, a) != bucketFor(sublistExact, b) {
		t.Fatalf("exact bucket must ignore word 2")
	}
	c := Tag{7, 100, 0}
	if bucketFor(sublistAnySource, a) != bucketFor(sublistAnySource, c) {
		t.Fatalf("any-source bucket must depend on word 0 only")
	}
	d := Tag{100, 9, 0}
	if bucketFor(sublistAnyTag, a) != bucketFor(sublistAnyTag, d) {
		t.Fatalf("any-tag bucket must depend on word 1 only")
	}
	for i := uint64(0); i < 1000; i++ {
		if b := bucketFor(sublistExact, Tag64(i)); b >= NumHashBuckets {
			t.Fatalf("bucket %d out of range", b)
		}
	}
}
