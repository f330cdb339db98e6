package pickledec

import "strconv"

// PMState is the interpreter's machine state: the generalization of
// ogórek's Decoder stack discipline (mark/marker/push/pop/xpop/popMark/dup
// in ogorek.go) from interface{} values to the refcounted PyObj graph, plus
// the metastack CPython's own Unpickler uses to implement MARK/POP_MARK
// without an in-band sentinel value.
type PMState struct {
	stack     []*PyObj
	metastack [][]*PyObj

	// popstack holds everything POP/POP_MARK discarded, in discard order.
	// The items stay alive until releaseAll: a discarded object may still
	// be memo-bound (and re-enter via GET), and keeping the rest around
	// lets a host or a test inspect what a malformed stream threw away.
	popstack []*PyObj

	memo *memoTable

	proto       int
	recurse     int
	varCounter  int
	breakOnStop bool
	truncated   bool
}

func newPMState(breakOnStop bool) *PMState {
	return &PMState{
		memo:        newMemoTable(),
		breakOnStop: breakOnStop,
	}
}

// nextEpoch hands out a fresh cycle-breaking epoch, shared by both the
// interpreter's Split propagation (what.go) and the renderer's traversal so
// neither ever confuses one pass's "currently visiting" marks with another's.
func (vm *PMState) nextEpoch() int {
	vm.recurse++
	return vm.recurse
}

// allocVar hands out the next pseudocode variable name. Self-referential
// constructs force one out early, during interpretation (what.go); the
// renderer allocates the rest, later, from the same sequence.
func (vm *PMState) allocVar() string {
	n := vm.varCounter
	vm.varCounter++
	return "var_" + strconv.Itoa(n)
}

// push installs o, taking ownership of the caller's reference.
func (vm *PMState) push(o *PyObj) {
	vm.stack = append(vm.stack, o)
}

// top peeks the live stack top without removing it.
func (vm *PMState) top() (*PyObj, error) {
	n := len(vm.stack)
	if n == 0 {
		return nil, errStackUnderflow
	}
	return vm.stack[n-1], nil
}

// pop removes and returns the stack top, transferring ownership to the
// caller.
func (vm *PMState) pop() (*PyObj, error) {
	n := len(vm.stack)
	if n == 0 {
		return nil, errStackUnderflow
	}
	o := vm.stack[n-1]
	vm.stack[n-1] = nil
	vm.stack = vm.stack[:n-1]
	return o, nil
}

// popN removes and returns the top n items in stack order (bottom to top),
// transferring ownership to the caller. Used by TUPLE1/2/3 and by opcodes
// that need a fixed, known arity.
func (vm *PMState) popN(n int) ([]*PyObj, error) {
	if len(vm.stack) < n {
		return nil, errStackUnderflow
	}
	k := len(vm.stack) - n
	items := append([]*PyObj(nil), vm.stack[k:]...)
	for i := k; i < len(vm.stack); i++ {
		vm.stack[i] = nil
	}
	vm.stack = vm.stack[:k]
	return items, nil
}

// dup duplicates the stack top in place (DUP), retaining one more owning
// reference to the same object.
func (vm *PMState) dup() error {
	o, err := vm.top()
	if err != nil {
		return err
	}
	vm.push(o.retain())
	return nil
}

// mark pushes a new mark: the live stack is parked on the metastack and
// replaced by a fresh one, mirroring pickle.py's Unpickler.marker().
func (vm *PMState) mark() {
	vm.metastack = append(vm.metastack, vm.stack)
	vm.stack = make([]*PyObj, 0, 8)
}

// popMark discards back to (and including) the most recent mark, returning
// everything that was above it in stack order. Ownership of every returned
// item transfers to the caller.
func (vm *PMState) popMark() ([]*PyObj, error) {
	n := len(vm.metastack)
	if n == 0 {
		return nil, errNoMarker
	}
	items := vm.stack
	vm.stack = vm.metastack[n-1]
	vm.metastack[n-1] = nil
	vm.metastack = vm.metastack[:n-1]
	return items, nil
}

// discardMark is popMark for the POP_MARK opcode: everything above the
// most recent mark moves onto popstack, which takes over ownership.
func (vm *PMState) discardMark() error {
	items, err := vm.popMark()
	if err != nil {
		return err
	}
	vm.popstack = append(vm.popstack, items...)
	return nil
}

// discardTop is POP: the stack top moves onto popstack.
func (vm *PMState) discardTop() error {
	o, err := vm.pop()
	if err != nil {
		return err
	}
	vm.popstack = append(vm.popstack, o)
	return nil
}

// releaseAll tears down every root the VM still owns: the live stack, every
// parked metastack frame and the popstack (all deep-released), and the memo
// table (shallow-released, since a memo-only reachable object is also
// reachable from one of those roots).
func (vm *PMState) releaseAll() {
	vm.memo.release()
	for _, o := range vm.stack {
		o.deepRelease()
	}
	vm.stack = nil
	for _, frame := range vm.metastack {
		for _, o := range frame {
			o.deepRelease()
		}
	}
	vm.metastack = nil
	for _, o := range vm.popstack {
		o.deepRelease()
	}
	vm.popstack = nil
}
