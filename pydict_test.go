package pickledec

import "testing"

func TestPyObjEqualCrossNumericType(t *testing.T) {
	one := NewIntFromInt64(1)
	oneFloat := NewFloat(1.0)
	trueVal := NewBool(true)
	if !pyObjEqual(one, oneFloat) {
		t.Error("int(1) should equal float(1.0)")
	}
	if !pyObjEqual(one, trueVal) {
		t.Error("int(1) should equal bool(True)")
	}
	if pyObjEqual(one, NewIntFromInt64(2)) {
		t.Error("int(1) should not equal int(2)")
	}
}

func TestPyObjEqualStructural(t *testing.T) {
	a := NewTuple([]*PyObj{NewIntFromInt64(1), NewStr("x")})
	b := NewTuple([]*PyObj{NewIntFromInt64(1), NewStr("x")})
	if !pyObjEqual(a, b) {
		t.Error("structurally equal tuples should compare equal")
	}
}

func TestDictBuilderOverwritesEqualKey(t *testing.T) {
	b := newPyDictBuilder()
	b.set(NewIntFromInt64(1), NewStr("first"))
	b.set(NewBool(true), NewStr("second")) // True == 1, same dict slot
	if b.len() != 1 {
		t.Fatalf("len = %d, want 1 (key collision)", b.len())
	}
	d := b.build()
	if d.items[1].Str() != "second" {
		t.Errorf("value = %q, want %q (last write wins)", d.items[1].Str(), "second")
	}
}

func TestDictBuilderDistinctKeys(t *testing.T) {
	b := newPyDictBuilder()
	b.set(NewStr("a"), NewIntFromInt64(1))
	b.set(NewStr("b"), NewIntFromInt64(2))
	d := b.build()
	if len(d.items) != 4 {
		t.Fatalf("len(items) = %d, want 4", len(d.items))
	}
}

func TestDictSetItemReplacesExisting(t *testing.T) {
	d := NewDict([]*PyObj{NewStr("k"), NewIntFromInt64(1)})
	dictSetItem(d, NewStr("k"), NewIntFromInt64(2))
	if len(d.items) != 2 {
		t.Fatalf("len(items) = %d, want 2 (replace in place, no duplicate)", len(d.items))
	}
	if d.items[1].Int().Int64() != 2 {
		t.Errorf("value = %v, want 2", d.items[1].Int())
	}
}

func TestDictSetItemAppendsNew(t *testing.T) {
	d := NewDict([]*PyObj{NewStr("k"), NewIntFromInt64(1)})
	dictSetItem(d, NewStr("other"), NewIntFromInt64(9))
	if len(d.items) != 4 {
		t.Fatalf("len(items) = %d, want 4", len(d.items))
	}
}

func TestSetAddDeduplicates(t *testing.T) {
	s := NewSet([]*PyObj{NewIntFromInt64(1)})
	setAdd(s, NewIntFromInt64(1))
	if len(s.items) != 1 {
		t.Fatalf("len(items) = %d, want 1 (duplicate add is a no-op)", len(s.items))
	}
	setAdd(s, NewIntFromInt64(2))
	if len(s.items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(s.items))
	}
}
