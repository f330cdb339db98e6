package pickledec

// spliceSelfRef is applyOp's self-reference cut, reused directly against a
// concrete container's own item slice instead of a fresh What's operator
// args. It backs the fast paths in interp.go (doAppend/doAppends/doSetitem/
// doSetitems/doAdditems): when the receiver of APPEND/SETITEM/etc. is
// already a concrete List/Dict/Set/FrozenSet, the opcode mutates it in
// place rather than deferring through a What — but the mutation can still
// make the container reference itself (`x = []; x.append(x)`), which needs
// exactly the same Split cycle-break the deferred path gets. The carrier
// PyOper created here has no Args of its own (subject.items already owns
// everything); it exists purely so a Split can point back at subject via
// its owner field, the same way render.go/jsonrender.go already resolve a
// REDUCE's Split.
func spliceSelfRef(vm *PMState, subject *PyObj, kind OperKind) {
	if !subject.IsContainer() {
		return
	}
	op := newOper(kind, nil)
	op.owner = subject
	insertSplitForSelfRef(vm, subject.items, subject, op, vm.nextEpoch())
	coalesceSplits(subject)
}

// ensureWhat wraps o in a fresh What (a single FAKE_INIT PyOper of arity
// 1) unless o is already a What, in which case it is returned
// unchanged. This is how a plain literal (a List built by LIST, a Func
// pushed by GLOBAL) becomes a deferred-construction chain the moment some
// later opcode needs to record an operation against it.
func ensureWhat(o *PyObj) *PyObj {
	if o.Type == PyWhat {
		return o
	}
	return NewWhat([]*PyOper{newOper(OpFakeInit, []*PyObj{o})})
}

// applyOp appends one more operation to subject's chain, converting subject
// to a What first if needed, and returns the (possibly new) What. Before
// appending, it substitutes a Split for every occurrence of subject itself
// nested inside args: this is what lets `x = []; x.append(x)` and the
// REDUCE equivalent (a constructor whose argument tuple recursively embeds
// the object under construction) render as "build, then patch the back-
// edge in" instead of looping forever. subject, not the freshly-wrapped w,
// is the identity to look for: whatever showed up twice on the pickle
// stack did so before this step ever allocated w.
//
// The substitution runs for every op kind, BUILD and NEWOBJ included: a
// cyclic object pickled by CPython comes back as REDUCE once, MEMOIZE,
// then a BUILD whose state argument carries the memo back-reference, so
// the back-edge shows up in BUILD's argument, not REDUCE's. Exempting
// BUILD/NEWOBJ would leave that reference in place and the renderer would
// recurse into it forever. See DESIGN.md.
func applyOp(vm *PMState, subject *PyObj, op OperKind, args []*PyObj) *PyObj {
	w := ensureWhat(subject)
	o := newOper(op, args)
	o.owner = w
	insertSplitForSelfRef(vm, o.Args, subject, o, vm.nextEpoch())
	w.ops = append(w.ops, o)
	return w
}

// insertSplitForSelfRef walks args looking for target, replacing every
// occurrence (however deeply nested inside Tuple/List/Dict/Set/FrozenSet
// payloads) with a Split wrapping op. A direct hit in args itself is
// replaced in place; nested hits are replaced inside the owning
// container's items slice. Forcing target's Varname here, rather than
// waiting for the renderer, is what lets the renderer later resolve a
// Split without having to re-derive which object it points to.
func insertSplitForSelfRef(vm *PMState, args []*PyObj, target *PyObj, op *PyOper, epoch int) {
	for i, a := range args {
		if a == target {
			ensureVarname(vm, op.owner)
			args[i] = NewSplit(op)
			a.shallowRelease()
			continue
		}
		replaceSelfRefs(vm, a, target, op, epoch)
	}
}

func replaceSelfRefs(vm *PMState, container *PyObj, target *PyObj, op *PyOper, epoch int) {
	if container == nil || container.recurse == epoch {
		return
	}
	container.recurse = epoch
	if !container.IsContainer() {
		return
	}
	for i, c := range container.items {
		if c == target {
			ensureVarname(vm, op.owner)
			container.items[i] = NewSplit(op)
			c.shallowRelease()
			continue
		}
		replaceSelfRefs(vm, c, target, op, epoch)
	}
	coalesceSplits(container)
}

func ensureVarname(vm *PMState, o *PyObj) {
	if o != nil && o.Varname == "" {
		o.Varname = vm.allocVar()
	}
}

// coalesceSplits collapses runs of consecutive Split entries that point at
// the same PyOper down to one: a container that picked up more than one
// back-edge to the same in-progress construction only needs to be told
// about it once.
func coalesceSplits(container *PyObj) {
	items := container.items
	out := items[:0]
	for _, it := range items {
		if it.Type == PySplit && len(out) > 0 {
			last := out[len(out)-1]
			if last.Type == PySplit && last.split == it.split {
				it.deepRelease()
				continue
			}
		}
		out = append(out, it)
	}
	container.items = out
}
