package pickledec

import "testing"

func TestEnsureWhatWrapsPlainValue(t *testing.T) {
	lst := NewList(nil)
	w := ensureWhat(lst)
	if w.Type != PyWhat {
		t.Fatalf("ensureWhat did not produce a What")
	}
	if len(w.ops) != 1 || w.ops[0].Op != OpFakeInit {
		t.Fatalf("What chain = %v, want single FAKE_INIT", w.ops)
	}
	if len(w.ops[0].Args) != 1 || w.ops[0].Args[0] != lst {
		t.Fatalf("FAKE_INIT args = %v, want [lst]", w.ops[0].Args)
	}
}

func TestEnsureWhatLeavesWhatUnchanged(t *testing.T) {
	w := NewWhat([]*PyOper{newOper(OpFakeInit, []*PyObj{NewNone()})})
	if ensureWhat(w) != w {
		t.Fatal("ensureWhat must return an existing What unchanged")
	}
}

// TestApplyOpSelfRefInsertsSplit: when a REDUCE's argument tuple
// recursively embeds the object under construction, applyOp must replace
// that embedded occurrence with a Split rather than looping forever.
func TestApplyOpSelfRefInsertsSplit(t *testing.T) {
	vm := newPMState(true)
	callee := NewFunc(NewStr("builtins"), NewStr("list"))
	w := ensureWhat(callee)

	// Simulate: memo-GET of w nested inside the argument tuple passed back
	// to its own REDUCE.
	argtuple := NewTuple([]*PyObj{w.retain()})
	result := applyOp(vm, w, OpReduce, []*PyObj{argtuple})

	reduceOp := result.ops[len(result.ops)-1]
	inner := reduceOp.Args[0]
	if inner.items[0].Type != PySplit {
		t.Fatalf("self-referential arg was not replaced with a Split: %v", inner.items[0].Type)
	}
	if inner.items[0].SplitOp() != reduceOp {
		t.Fatal("Split does not point back at the REDUCE PyOper it was produced from")
	}
	if result.Varname == "" {
		t.Fatal("applyOp must force a Varname on the self-referenced object once a Split points at it")
	}
}

func TestCoalesceSplitsCollapsesRuns(t *testing.T) {
	op := newOper(OpAppend, nil)
	c := NewList([]*PyObj{NewSplit(op), NewSplit(op), NewIntFromInt64(1)})
	coalesceSplits(c)
	if len(c.items) != 2 {
		t.Fatalf("len(items) = %d, want 2 (consecutive same-op Splits collapsed)", len(c.items))
	}
	if c.items[0].Type != PySplit {
		t.Fatalf("items[0].Type = %v, want PySplit", c.items[0].Type)
	}
}

// TestSpliceSelfRefDirect: a concrete list that appends itself must get
// a Split installed in its own items slice, not a fresh What wrapper.
func TestSpliceSelfRefDirect(t *testing.T) {
	vm := newPMState(true)
	lst := NewList(nil)
	lst.items = append(lst.items, lst.retain())
	spliceSelfRef(vm, lst, OpAppend)

	if lst.Type != PyList {
		t.Fatalf("spliceSelfRef must keep a concrete List concrete, got %v", lst.Type)
	}
	if len(lst.items) != 1 || lst.items[0].Type != PySplit {
		t.Fatalf("items = %v, want a single Split", lst.items)
	}
	if lst.items[0].SplitOp().owner != lst {
		t.Fatal("Split's owner must be the container itself")
	}
	if lst.Varname == "" {
		t.Fatal("spliceSelfRef must force a Varname on the self-referenced container")
	}
}
