package pickledec

import (
	"math/big"
	"testing"
)

func TestNewObjDefaults(t *testing.T) {
	o := NewNone()
	if o.Refcount() != 1 {
		t.Errorf("refcount = %d, want 1", o.Refcount())
	}
	if o.MemoID != UnsetMemo {
		t.Errorf("MemoID = %d, want UnsetMemo", o.MemoID)
	}
}

func TestRetainIncrementsRefcount(t *testing.T) {
	o := NewIntFromInt64(42)
	o.retain()
	if o.Refcount() != 2 {
		t.Errorf("refcount = %d, want 2", o.Refcount())
	}
}

func TestIsContainer(t *testing.T) {
	cases := []struct {
		o    *PyObj
		want bool
	}{
		{NewList(nil), true},
		{NewDict(nil), true},
		{NewSet(nil), true},
		{NewFrozenSet(nil), true},
		{NewTuple(nil), true},
		{NewNone(), false},
		{NewIntFromInt64(1), false},
		{NewStr("x"), false},
	}
	for _, c := range cases {
		if got := c.o.IsContainer(); got != c.want {
			t.Errorf("%v.IsContainer() = %v, want %v", c.o.Type, got, c.want)
		}
	}
}

// TestDeepReleaseSimple: a plain acyclic graph must release every
// child exactly once without panicking.
func TestDeepReleaseSimple(t *testing.T) {
	inner := NewList([]*PyObj{NewIntFromInt64(1), NewStr("a")})
	outer := NewTuple([]*PyObj{inner, NewNone()})
	outer.deepRelease()
}

// TestDeepReleaseSelfRef: a self-referential list must terminate and
// must not double free, even though its own refcount never reaches zero.
func TestDeepReleaseSelfRef(t *testing.T) {
	lst := NewList(nil)
	lst.items = append(lst.items, lst.retain())
	// Only one external owner remains; deepRelease must terminate.
	lst.deepRelease()
}

// TestDeepReleaseSharedSubgraph exercises a value shared by two owners: it
// must still be alive after releasing one owner, and fully gone after the
// second.
func TestDeepReleaseSharedSubgraph(t *testing.T) {
	shared := NewIntFromInt64(7)
	shared.retain()
	a := NewList([]*PyObj{shared})
	b := NewList([]*PyObj{shared})
	a.deepRelease()
	if shared.freed {
		t.Fatal("shared object freed while still owned by b")
	}
	b.deepRelease()
	if !shared.freed {
		t.Fatal("shared object not freed after its last owner released it")
	}
}

func TestShallowReleaseDoesNotTouchChildren(t *testing.T) {
	child := NewIntFromInt64(1)
	parent := NewList([]*PyObj{child})
	parent.shallowRelease()
	if child.freed {
		t.Fatal("shallowRelease must not recurse into children")
	}
}

func TestNewFuncAccessors(t *testing.T) {
	f := NewFunc(NewStr("builtins"), NewStr("list"))
	if f.Module().Str() != "builtins" || f.Name().Str() != "list" {
		t.Errorf("unexpected Func accessors: %q.%q", f.Module().Str(), f.Name().Str())
	}
}

func TestNewIntFromBigInt(t *testing.T) {
	n := new(big.Int).SetInt64(-9999)
	o := NewInt(n)
	if o.Int().Cmp(n) != 0 {
		t.Errorf("Int() = %v, want %v", o.Int(), n)
	}
}

func TestNewSplitRetainsOper(t *testing.T) {
	op := newOper(OpAppend, nil)
	s := NewSplit(op)
	if op.refcount != 2 {
		t.Errorf("op.refcount = %d, want 2 (one from newOper, one from NewSplit)", op.refcount)
	}
	if s.SplitOp() != op {
		t.Error("SplitOp() did not return the wrapped PyOper")
	}
}
