package pickledec

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// assignVarNames is the naming pass shared by both renderers: it decides
// which PyObjs need a pseudocode variable at all, so the renderer only
// hoists a statement for sharing, recursion, or in-place mutation — never
// for a plain unshared literal. Self-referential objects already got their
// Varname forced earlier, during interpretation (what.go); this pass fills
// in the rest.
func assignVarNames(vm *PMState, o *PyObj, epoch int) {
	if o == nil || o.recurse == epoch {
		return
	}
	o.recurse = epoch

	switch o.Type {
	case PyTuple:
		if o.Varname == "" && o.refcount > 1 {
			o.Varname = vm.allocVar()
		}
		for _, c := range o.items {
			assignVarNames(vm, c, epoch)
		}
	case PyList, PyDict, PySet, PyFrozenSet:
		if o.Varname == "" && (o.refcount > 1 || containerHasDirectSplit(o)) {
			o.Varname = vm.allocVar()
		}
		for _, c := range o.items {
			assignVarNames(vm, c, epoch)
		}
	case PyFunc:
		if o.Varname == "" && o.refcount > 1 {
			o.Varname = vm.allocVar()
		}
		assignVarNames(vm, o.module, epoch)
		assignVarNames(vm, o.name, epoch)
	case PyWhat:
		if o.Varname == "" && (o.refcount > 1 || whatNeedsBinding(o)) {
			o.Varname = vm.allocVar()
		}
		for _, op := range o.ops {
			for _, a := range op.Args {
				assignVarNames(vm, a, epoch)
			}
		}
	case PySplit:
		if o.split != nil {
			for _, a := range o.split.Args {
				assignVarNames(vm, a, epoch)
			}
		}
	default:
		if o.Varname == "" && o.refcount > 1 {
			o.Varname = vm.allocVar()
		}
	}
}

// whatNeedsBinding reports whether o's chain can only be expressed as a
// sequence of statements against a named variable: more than one chained
// operation, a trailing in-place mutation, or a nested Split anywhere in
// its own operands (a back-edge to o itself, or to an op of o's).
func whatNeedsBinding(o *PyObj) bool {
	if len(o.ops) > 2 {
		return true
	}
	if len(o.ops) == 2 {
		switch o.ops[1].Op {
		case OpBuild, OpAppend, OpAppends, OpSetitem, OpSetitems, OpAdditems:
			return true
		}
	}
	for _, op := range o.ops {
		for _, a := range op.Args {
			if containsSplit(a) {
				return true
			}
		}
	}
	return false
}

// containerHasDirectSplit reports whether o holds a Split as one of its own
// items (as opposed to nested deeper inside a child). assignVarNames uses
// it for List/Dict/Set/FrozenSet only; a Tuple can hold a direct Split too
// (replaceSelfRefs cuts inside tuples as well), and renders it inline as
// the name of the Split's owner.
func containerHasDirectSplit(o *PyObj) bool {
	for _, it := range o.items {
		if it.Type == PySplit {
			return true
		}
	}
	return false
}

func containsSplit(o *PyObj) bool {
	return containsSplitVisit(o, map[*PyObj]bool{})
}

func containsSplitVisit(o *PyObj, seen map[*PyObj]bool) bool {
	if o == nil || seen[o] {
		return false
	}
	seen[o] = true
	if o.Type == PySplit {
		return true
	}
	switch o.Type {
	case PyTuple, PyList, PyDict, PySet, PyFrozenSet:
		for _, c := range o.items {
			if containsSplitVisit(c, seen) {
				return true
			}
		}
	case PyFunc:
		return containsSplitVisit(o.module, seen) || containsSplitVisit(o.name, seen)
	case PyWhat:
		for _, op := range o.ops {
			for _, a := range op.Args {
				if containsSplitVisit(a, seen) {
					return true
				}
			}
		}
	}
	return false
}

// quotePyStr renders a Str payload as a double-quoted Python string
// literal. strconv.Quote is close but not usable: it emits \u and \U
// escapes, which Python's regular strings treat as two literal characters
// (the codec rewrites \u to \\u, not a rune), so anything non-printable or
// invalid is emitted as per-byte \xNN escapes instead. The result pastes
// cleanly into a live interpreter next to the rest of the pseudocode.
func quotePyStr(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for len(s) > 0 {
		r, width := utf8.DecodeRuneInString(s)
		switch {
		case r == '\\' || r == '"':
			b.WriteByte('\\')
			b.WriteByte(byte(r))
		case r == utf8.RuneError:
			// invalid UTF-8 (and genuine U+FFFD, harmlessly) as raw bytes
			for i := 0; i < width; i++ {
				fmt.Fprintf(&b, "\\x%02x", s[i])
			}
		case strconv.IsPrint(r):
			b.WriteString(s[:width])
		case r < ' ':
			rq := strconv.QuoteRune(r) // "'\n'" -> `\n`
			b.WriteString(rq[1 : len(rq)-1])
		default:
			for i := 0; i < width; i++ {
				fmt.Fprintf(&b, "\\x%02x", s[i])
			}
		}
		s = s[width:]
	}
	b.WriteByte('"')
	return b.String()
}

// funcExpr renders a symbolic callable as an expression that resolves the
// module at evaluation time: the pseudocode has no import statements of
// its own, so "mod.name" would be an unbound name, while
// __import__("mod").name stays runnable when pasted into a live
// interpreter with the right modules (or stubs) on the path.
func funcExpr(o *PyObj) string {
	return "__import__(" + quotePyStr(o.module.Str()) + ")." + o.name.Str()
}

func formatPyFloat(f float64) string {
	if math.IsInf(f, 1) {
		return "inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if math.IsNaN(f) {
		return "nan"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// renderer emits pseudocode to a Sink: one "var_N = ..." or "var_N.op(...)"
// statement per hoisted step, followed by the final expression. It follows
// ogórek's Encoder in spirit (a recursive per-PyType dispatch, emitb/emits-
// style small helpers) but renders Python-ish source text instead of wire
// bytes.
type renderer struct {
	sink     Sink
	vm       *PMState
	declared map[*PyObj]bool
}

func newRenderer(sink Sink, vm *PMState) *renderer {
	return &renderer{sink: sink, vm: vm, declared: map[*PyObj]bool{}}
}

// Render writes the whole pseudocode program for root: zero or more
// hoisted statements, then the final value expression on its own line. When
// asReturn is set (root sits on top of the pickle stack at STOP), the final
// line reads "return <expr>" instead of a bare expression statement.
func (r *renderer) Render(root *PyObj, asReturn bool) error {
	if r.vm.truncated {
		if err := r.emit("# truncated pickle stream; partial reconstruction\n"); err != nil {
			return err
		}
	}
	assignVarNames(r.vm, root, r.vm.nextEpoch())
	expr, err := r.render(root)
	if err != nil {
		return err
	}
	if asReturn {
		return r.emit("return " + expr + "\n")
	}
	return r.emit(expr + "\n")
}

func (r *renderer) emit(s string) error {
	return r.sink.WriteString(s)
}

// render returns the text to use at the point of reference: a bare literal
// for an unshared value, or a variable name (declaring it first if this is
// the first time it's needed) for anything that was assigned one.
func (r *renderer) render(o *PyObj) (string, error) {
	if o.Varname != "" {
		if !r.declared[o] {
			if err := r.declare(o); err != nil {
				return "", err
			}
		}
		return o.Varname, nil
	}
	return r.inline(o)
}

func (r *renderer) declare(o *PyObj) error {
	r.declared[o] = true
	switch o.Type {
	case PyList, PySet, PyFrozenSet:
		return r.declareSeq(o)
	case PyDict:
		return r.declareDict(o)
	case PyTuple:
		expr, err := r.inline(o)
		if err != nil {
			return err
		}
		return r.emit(fmt.Sprintf("%s = %s\n", o.Varname, expr))
	case PyFunc:
		return r.emit(fmt.Sprintf("%s = %s\n", o.Varname, funcExpr(o)))
	case PyWhat:
		return r.declareWhat(o)
	default:
		expr, err := r.inline(o)
		if err != nil {
			return err
		}
		return r.emit(fmt.Sprintf("%s = %s\n", o.Varname, expr))
	}
}

// declareSeq declares a List/Set/FrozenSet that may directly hold a Split:
// the container is assigned a literal built from its non-Split elements,
// then one "var.append(x)"/"var.add(x)" follow-up statement is emitted per
// Split, patching in the back-edge it marks.
func (r *renderer) declareSeq(o *PyObj) error {
	var kept []*PyObj
	var splits []*PyOper
	for _, it := range o.items {
		if it.Type == PySplit {
			splits = append(splits, it.split)
			continue
		}
		kept = append(kept, it)
	}
	parts, err := r.joinArgs(kept)
	if err != nil {
		return err
	}
	if err := r.emit(fmt.Sprintf("%s = %s\n", o.Varname, seqLiteral(o.Type, parts, len(kept)))); err != nil {
		return err
	}
	method := "append"
	if o.Type == PySet || o.Type == PyFrozenSet {
		method = "add"
	}
	for _, sp := range splits {
		if err := r.emit(fmt.Sprintf("%s.%s(%s)\n", o.Varname, method, sp.owner.Varname)); err != nil {
			return err
		}
	}
	return nil
}

func seqLiteral(t PyType, parts string, n int) string {
	switch t {
	case PyList:
		return "[" + parts + "]"
	case PySet:
		if n == 0 {
			return "set()"
		}
		return "{" + parts + "}"
	case PyFrozenSet:
		if n == 0 {
			return "frozenset()"
		}
		return "frozenset({" + parts + "})"
	}
	return ""
}

// declareDict declares a Dict that may directly hold a Split as a key or
// value: the container is assigned a literal built from its non-Split
// pairs, then one "var[k] = v" follow-up statement is emitted per pending
// pair once var exists to reference. A Split standing in for the key
// itself is a pathological case real CPython pickles never produce (dict
// keys must be hashable, and a self-referential key can't be); it is
// rendered as "var[<placeholder>] = None" rather than refused outright —
// see DESIGN.md.
func (r *renderer) declareDict(o *PyObj) error {
	type pending struct {
		key        *PyObj
		op         *PyOper
		keyIsSplit bool
	}
	var b strings.Builder
	var follow []pending
	b.WriteByte('{')
	first := true
	for i := 0; i+1 < len(o.items); i += 2 {
		k, v := o.items[i], o.items[i+1]
		if k.Type == PySplit {
			follow = append(follow, pending{op: k.split, keyIsSplit: true})
			continue
		}
		if v.Type == PySplit {
			follow = append(follow, pending{key: k, op: v.split})
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		ks, err := r.render(k)
		if err != nil {
			return err
		}
		vs, err := r.render(v)
		if err != nil {
			return err
		}
		b.WriteString(ks)
		b.WriteString(": ")
		b.WriteString(vs)
	}
	b.WriteByte('}')
	if err := r.emit(fmt.Sprintf("%s = %s\n", o.Varname, b.String())); err != nil {
		return err
	}
	for _, p := range follow {
		if p.keyIsSplit {
			if err := r.emit(fmt.Sprintf("%s[%s] = None\n", o.Varname, p.op.owner.Varname)); err != nil {
				return err
			}
			continue
		}
		ks, err := r.render(p.key)
		if err != nil {
			return err
		}
		if err := r.emit(fmt.Sprintf("%s[%s] = %s\n", o.Varname, ks, p.op.owner.Varname)); err != nil {
			return err
		}
	}
	return nil
}

// declareWhat walks o's op chain, emitting a constructor expression for the
// first producing op and then one statement per later op — binding o's
// variable the moment a mutation needs somewhere to mutate.
func (r *renderer) declareWhat(o *PyObj) error {
	base := o.ops[0].Args[0]
	cur, err := r.render(base)
	if err != nil {
		return err
	}
	bound := false

	bindNow := func() error {
		if bound {
			return nil
		}
		if err := r.emit(fmt.Sprintf("%s = %s\n", o.Varname, cur)); err != nil {
			return err
		}
		cur = o.Varname
		bound = true
		return nil
	}

	for _, op := range o.ops[1:] {
		switch op.Op {
		case OpReduce, OpNewobj, OpInst, OpObj:
			next, err := r.producingExpr(cur, op)
			if err != nil {
				return err
			}
			cur = next
			bound = false
		case OpBuild:
			if err := bindNow(); err != nil {
				return err
			}
			state, err := r.render(op.Args[0])
			if err != nil {
				return err
			}
			if err := r.emit(fmt.Sprintf("%s.__setstate__(%s)\n", cur, state)); err != nil {
				return err
			}
		case OpAppend:
			if err := bindNow(); err != nil {
				return err
			}
			v, err := r.render(op.Args[0])
			if err != nil {
				return err
			}
			if err := r.emit(fmt.Sprintf("%s.append(%s)\n", cur, v)); err != nil {
				return err
			}
		case OpAppends:
			if err := bindNow(); err != nil {
				return err
			}
			for _, a := range op.Args {
				v, err := r.render(a)
				if err != nil {
					return err
				}
				if err := r.emit(fmt.Sprintf("%s.append(%s)\n", cur, v)); err != nil {
					return err
				}
			}
		case OpSetitem:
			if err := bindNow(); err != nil {
				return err
			}
			k, err := r.render(op.Args[0])
			if err != nil {
				return err
			}
			v, err := r.render(op.Args[1])
			if err != nil {
				return err
			}
			if err := r.emit(fmt.Sprintf("%s[%s] = %s\n", cur, k, v)); err != nil {
				return err
			}
		case OpSetitems:
			if err := bindNow(); err != nil {
				return err
			}
			for i := 0; i+1 < len(op.Args); i += 2 {
				k, err := r.render(op.Args[i])
				if err != nil {
					return err
				}
				v, err := r.render(op.Args[i+1])
				if err != nil {
					return err
				}
				if err := r.emit(fmt.Sprintf("%s[%s] = %s\n", cur, k, v)); err != nil {
					return err
				}
			}
		case OpAdditems:
			if err := bindNow(); err != nil {
				return err
			}
			for _, a := range op.Args {
				v, err := r.render(a)
				if err != nil {
					return err
				}
				if err := r.emit(fmt.Sprintf("%s.add(%s)\n", cur, v)); err != nil {
					return err
				}
			}
		}
	}

	if !bound {
		return r.emit(fmt.Sprintf("%s = %s\n", o.Varname, cur))
	}
	return nil
}

func (r *renderer) producingExpr(baseExpr string, op *PyOper) (string, error) {
	switch op.Op {
	case OpReduce:
		args, err := r.tupleArgsExpr(op.Args[0])
		if err != nil {
			return "", err
		}
		return baseExpr + "(" + args + ")", nil
	case OpNewobj:
		args, err := r.tupleArgsExpr(op.Args[0])
		if err != nil {
			return "", err
		}
		// cls.__new__ still takes cls as its explicit first argument, the
		// same call CPython's load_newobj makes.
		if args == "" {
			return baseExpr + ".__new__(" + baseExpr + ")", nil
		}
		return baseExpr + ".__new__(" + baseExpr + ", " + args + ")", nil
	case OpInst, OpObj:
		args, err := r.joinArgs(op.Args)
		if err != nil {
			return "", err
		}
		return baseExpr + "(" + args + ")", nil
	}
	return "", fmt.Errorf("pickledec: unexpected producing op %v", op.Op)
}

func (r *renderer) tupleArgsExpr(argtuple *PyObj) (string, error) {
	if argtuple.Varname == "" && argtuple.Type == PyTuple {
		return r.joinArgs(argtuple.items)
	}
	return r.render(argtuple)
}

func (r *renderer) joinArgs(items []*PyObj) (string, error) {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		s, err := r.render(it)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", "), nil
}

// inline renders o as a literal expression, never emitting a binding
// statement for o itself (only for whatever shared sub-objects it embeds).
func (r *renderer) inline(o *PyObj) (string, error) {
	switch o.Type {
	case PyNone:
		return "None", nil
	case PyBool:
		if o.boolVal {
			return "True", nil
		}
		return "False", nil
	case PyInt:
		return o.intVal.String(), nil
	case PyFloat:
		return formatPyFloat(o.floatVal), nil
	case PyStr:
		return quotePyStr(o.strVal), nil
	case PyTuple:
		parts, err := r.joinArgs(o.items)
		if err != nil {
			return "", err
		}
		if len(o.items) == 1 {
			return "(" + parts + ",)", nil
		}
		return "(" + parts + ")", nil
	case PyList:
		parts, err := r.joinArgs(o.items)
		if err != nil {
			return "", err
		}
		return "[" + parts + "]", nil
	case PyDict:
		var b strings.Builder
		b.WriteByte('{')
		for i := 0; i+1 < len(o.items); i += 2 {
			if i > 0 {
				b.WriteString(", ")
			}
			k, err := r.render(o.items[i])
			if err != nil {
				return "", err
			}
			v, err := r.render(o.items[i+1])
			if err != nil {
				return "", err
			}
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
		}
		b.WriteByte('}')
		return b.String(), nil
	case PySet:
		if len(o.items) == 0 {
			return "set()", nil
		}
		parts, err := r.joinArgs(o.items)
		if err != nil {
			return "", err
		}
		return "{" + parts + "}", nil
	case PyFrozenSet:
		if len(o.items) == 0 {
			return "frozenset()", nil
		}
		parts, err := r.joinArgs(o.items)
		if err != nil {
			return "", err
		}
		return "frozenset({" + parts + "})", nil
	case PyFunc:
		return funcExpr(o), nil
	case PyWhat:
		base := o.ops[0].Args[0]
		baseExpr, err := r.render(base)
		if err != nil {
			return "", err
		}
		if len(o.ops) == 1 {
			return baseExpr, nil
		}
		return r.producingExpr(baseExpr, o.ops[1])
	case PySplit:
		return o.split.owner.Varname, nil
	}
	return "", fmt.Errorf("pickledec: cannot render PyObj of type %v", o.Type)
}
