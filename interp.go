package pickledec

import (
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Interp drives a PMState through a stream of already-decoded instructions,
// the generalization of ogórek's Decoder.Decode dispatch loop (ogorek.go)
// from eagerly-evaluated Go values to the symbolic PyObj graph.
type Interp struct {
	vm  *PMState
	log Logger

	// start is the byte offset where the stream begins; a PROTO anywhere
	// else is warned about instead of recorded.
	start int
}

func newInterp(breakOnStop bool, log Logger) *Interp {
	if log == nil {
		log = nopLogger{}
	}
	return &Interp{vm: newPMState(breakOnStop), log: log}
}

// Step executes one instruction. halt reports whether the run ends here: a
// STOP while breakOnStop is set.
func (ip *Interp) Step(insn Insn, offset int) (halt bool, err error) {
	vm := ip.vm

	if unsupportedOps[insn.Op] {
		return false, &OpcodeError{Op: insn.Op, Offset: offset, Err: errUnsupportedOp}
	}

	switch insn.Op {
	case opMark:
		vm.mark()
	case opStop:
		// breakOnStop=false (Config.ContinuePastStop) lets a host decompile a stream of concatenated
		// pickles (or one with trailing opcodes past a stray STOP) as a
		// single run instead of halting at the first one.
		return vm.breakOnStop, nil
	case opPop:
		err = vm.discardTop()
	case opPopMark:
		err = vm.discardMark()
	case opDup:
		err = vm.dup()

	case opNone:
		vm.push(NewNone())
	case opNewtrue:
		vm.push(NewBool(true))
	case opNewfalse:
		vm.push(NewBool(false))

	case opInt:
		err = ip.loadInt(insn)
	case opBinint, opBinint1, opBinint2:
		vm.push(NewIntFromInt64(insn.Imm))
	case opLong:
		err = ip.loadLong(insn)
	case opLong1, opLong4:
		vm.push(NewInt(decodeLong(insn.Payload)))
	case opFloat:
		err = ip.loadFloat(insn)
	case opBinfloat:
		vm.push(NewFloat(math.Float64frombits(uint64(insn.Imm))))

	case opString:
		err = ip.loadString(insn)
	case opBinstring, opShortBinstring,
		opUnicode, opBinunicode, opShortBinUnicode, opBinunicode8,
		opBinbytes, opShortBinbytes, opBinbytes8, opBytearray8:
		vm.push(NewStr(insn.Str))

	case opGet:
		err = ip.loadGet(insn, offset)
	case opBinget, opLongBinget:
		err = ip.loadGetByID(int(insn.Imm), offset)
	case opPut:
		err = ip.bindPut(insn, offset)
	case opBinput, opLongBinput:
		err = vm.bindTop(int(insn.Imm))
	case opMemoize:
		err = vm.bindTop(vm.memo.nextKey())

	case opEmptyDict:
		vm.push(NewDict(nil))
	case opEmptyList:
		vm.push(NewList(nil))
	case opEmptyTuple:
		vm.push(NewTuple(nil))
	case opEmptySet:
		vm.push(NewSet(nil))

	case opList:
		err = ip.buildFromMark(NewList)
	case opTuple:
		err = ip.buildFromMark(NewTuple)
	case opFrozenset:
		err = ip.buildFromMark(NewFrozenSet)
	case opTuple1:
		err = ip.buildFromN(1, NewTuple)
	case opTuple2:
		err = ip.buildFromN(2, NewTuple)
	case opTuple3:
		err = ip.buildFromN(3, NewTuple)
	case opDict:
		err = ip.loadDict()

	case opAppend:
		err = ip.doAppend()
	case opAppends:
		err = ip.doAppends()
	case opSetitem:
		err = ip.doSetitem()
	case opSetitems:
		err = ip.doSetitems()
	case opAdditems:
		err = ip.doAdditems()

	case opGlobal:
		vm.push(NewFunc(NewStr(insn.Str), NewStr(insn.Str2)))
	case opStackGlobal:
		err = ip.loadStackGlobal()

	case opReduce:
		err = ip.applyCallable(OpReduce)
	case opNewobj:
		err = ip.applyCallable(OpNewobj)
	case opBuild:
		err = ip.apply1(OpBuild)
	case opInst:
		err = ip.loadInst(insn)
	case opObj:
		err = ip.loadObj()

	case opProto:
		switch {
		case insn.Imm < 0 || insn.Imm > 5:
			err = errInvalidProtocol
		case offset != ip.start:
			ip.log.Infof("pickledec: PROTO %d at offset %d, not at stream start %d; ignored", insn.Imm, offset, ip.start)
		default:
			vm.proto = int(insn.Imm)
		}
	case opFrame:
		// framing is a stream-layout detail the Disassembler already used
		// to find this instruction; nothing to do symbolically.

	default:
		err = &OpcodeError{Op: insn.Op, Offset: offset, Err: errUnsupportedOp}
	}

	if err != nil {
		if _, ok := err.(*OpcodeError); !ok {
			err = &OpcodeError{Op: insn.Op, Offset: offset, Err: err}
		}
	}
	return false, err
}

func (ip *Interp) loadInt(insn Insn) error {
	switch insn.Str {
	case "00":
		ip.vm.push(NewBool(false))
		return nil
	case "01":
		ip.vm.push(NewBool(true))
		return nil
	}
	n, ok := new(big.Int).SetString(insn.Str, 10)
	if !ok {
		return errBadMemoKey
	}
	ip.vm.push(NewInt(n))
	return nil
}

func (ip *Interp) loadLong(insn Insn) error {
	s := strings.TrimSuffix(insn.Str, "L")
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return errBadMemoKey
	}
	ip.vm.push(NewInt(n))
	return nil
}

func (ip *Interp) loadFloat(insn Insn) error {
	f, err := strconv.ParseFloat(insn.Str, 64)
	if err != nil {
		return err
	}
	ip.vm.push(NewFloat(f))
	return nil
}

// loadString strips STRING's outer quotes and un-escapes the rest, since
// protocol 0 encodes string immediates with Python's repr()-derived
// string-escape codec rather than plain bytes.
func (ip *Interp) loadString(insn Insn) error {
	q := insn.Str
	if len(q) < 2 || (q[0] != '\'' && q[0] != '"') || q[len(q)-1] != q[0] {
		return strconv.ErrSyntax
	}
	s, err := decodeStringEscape(q[1 : len(q)-1])
	if err != nil {
		return err
	}
	ip.vm.push(NewStr(s))
	return nil
}

// decodeStringEscape undoes the "string-escape" codec applied to STRING's
// wire payload (outer quotes already stripped by loadString). Only
// the escape forms the codec actually produces are decoded: \\, either
// quote, a \<newline> line continuation, the single-letter control
// escapes, octal and \xNN — each yielding exactly one byte. A backslash
// before anything else passes through as a literal backslash, so \u stays
// two characters, which is also what Python does for regular (non-unicode)
// strings.
func decodeStringEscape(s string) (string, error) {
	out := make([]byte, 0, len(s))
	for len(s) > 0 {
		if s[0] != '\\' {
			out = append(out, s[0])
			s = s[1:]
			continue
		}
		if len(s) < 2 {
			return "", strconv.ErrSyntax
		}
		switch c := s[1]; c {
		case '\n':
			s = s[2:]
		case '\\', '\'', '"':
			out = append(out, c)
			s = s[2:]
		case 'a', 'b', 'f', 'n', 'r', 't', 'v',
			'0', '1', '2', '3', '4', '5', '6', '7', 'x':
			r, _, tail, err := strconv.UnquoteChar(s, 0)
			if err != nil {
				return "", err
			}
			if r > 0xff {
				return "", strconv.ErrSyntax
			}
			out = append(out, byte(r))
			s = tail
		default:
			out = append(out, '\\')
			s = s[1:]
		}
	}
	return string(out), nil
}

func (ip *Interp) loadGet(insn Insn, offset int) error {
	n, ok := new(big.Int).SetString(insn.Str, 10)
	if !ok || !n.IsInt64() {
		return errBadMemoKey
	}
	return ip.loadGetByID(int(n.Int64()), offset)
}

func (ip *Interp) loadGetByID(key int, offset int) error {
	o, ok := ip.vm.memo.get(key)
	if !ok {
		return errBadMemoKey
	}
	ip.vm.push(o.retain())
	return nil
}

func (vm *PMState) bindTop(key int) error {
	o, err := vm.top()
	if err != nil {
		return err
	}
	vm.memo.bind(key, o)
	return nil
}

func (ip *Interp) bindPut(insn Insn, offset int) error {
	n, ok := new(big.Int).SetString(insn.Str, 10)
	if !ok || !n.IsInt64() {
		return errBadMemoKey
	}
	return ip.vm.bindTop(int(n.Int64()))
}

func (ip *Interp) buildFromMark(ctor func([]*PyObj) *PyObj) error {
	items, err := ip.vm.popMark()
	if err != nil {
		return err
	}
	ip.vm.push(ctor(items))
	return nil
}

func (ip *Interp) buildFromN(n int, ctor func([]*PyObj) *PyObj) error {
	items, err := ip.vm.popN(n)
	if err != nil {
		return err
	}
	ip.vm.push(ctor(items))
	return nil
}

func (ip *Interp) loadDict() error {
	items, err := ip.vm.popMark()
	if err != nil {
		return err
	}
	if len(items)%2 != 0 {
		return errDictParity
	}
	b := newPyDictBuilder()
	for i := 0; i < len(items); i += 2 {
		b.set(items[i], items[i+1])
	}
	ip.vm.push(b.build())
	return nil
}

// apply1 pops one value and the subject below it, recording a one-arg
// operation against the subject. Used directly by BUILD, which is always
// deferred (no concrete receiver fast path: __setstate__/__dict__.update
// have no symbolic stand-in to mutate directly the way a plain list or
// dict does).
func (ip *Interp) apply1(op OperKind) error {
	value, err := ip.vm.pop()
	if err != nil {
		return err
	}
	subject, err := ip.vm.pop()
	if err != nil {
		return err
	}
	ip.vm.push(applyOp(ip.vm, subject, op, []*PyObj{value}))
	return nil
}

// doAppend implements APPEND: a List receiver is mutated in place;
// anything else is an unresolvable receiver and gets wrapped into a What
// with an APPEND PyOper instead.
func (ip *Interp) doAppend() error {
	value, err := ip.vm.pop()
	if err != nil {
		return err
	}
	subject, err := ip.vm.pop()
	if err != nil {
		return err
	}
	if subject.Type == PyList {
		subject.items = append(subject.items, value)
		spliceSelfRef(ip.vm, subject, OpAppend)
		ip.vm.push(subject)
		return nil
	}
	ip.vm.push(applyOp(ip.vm, subject, OpAppend, []*PyObj{value}))
	return nil
}

// doSetitem implements SETITEM: a Dict receiver is updated in place with
// real dict.__setitem__ semantics (pydict.go's dictSetItem); anything else
// falls back to What wrapping.
func (ip *Interp) doSetitem() error {
	value, err := ip.vm.pop()
	if err != nil {
		return err
	}
	key, err := ip.vm.pop()
	if err != nil {
		return err
	}
	subject, err := ip.vm.pop()
	if err != nil {
		return err
	}
	if subject.Type == PyDict {
		dictSetItem(subject, key, value)
		spliceSelfRef(ip.vm, subject, OpSetitem)
		ip.vm.push(subject)
		return nil
	}
	ip.vm.push(applyOp(ip.vm, subject, OpSetitem, []*PyObj{key, value}))
	return nil
}

// doAppends implements APPENDS: a List or Set/FrozenSet receiver is
// extended in place; anything else falls back to What wrapping. The
// receiver is the element of the parent (pre-MARK) stack left on top once
// the since-MARK run is popped off.
func (ip *Interp) doAppends() error {
	items, err := ip.vm.popMark()
	if err != nil {
		return err
	}
	subject, err := ip.vm.pop()
	if err != nil {
		return err
	}
	switch subject.Type {
	case PyList:
		subject.items = append(subject.items, items...)
	case PySet, PyFrozenSet:
		for _, it := range items {
			setAdd(subject, it)
		}
	default:
		ip.vm.push(applyOp(ip.vm, subject, OpAppends, items))
		return nil
	}
	spliceSelfRef(ip.vm, subject, OpAppends)
	ip.vm.push(subject)
	return nil
}

// doSetitems implements SETITEMS: a Dict receiver has every since-MARK
// key/value pair merged in with dict.__setitem__ semantics; anything else
// falls back to What wrapping.
func (ip *Interp) doSetitems() error {
	items, err := ip.vm.popMark()
	if err != nil {
		return err
	}
	if len(items)%2 != 0 {
		return errDictParity
	}
	subject, err := ip.vm.pop()
	if err != nil {
		return err
	}
	if subject.Type != PyDict {
		ip.vm.push(applyOp(ip.vm, subject, OpSetitems, items))
		return nil
	}
	for i := 0; i+1 < len(items); i += 2 {
		dictSetItem(subject, items[i], items[i+1])
	}
	spliceSelfRef(ip.vm, subject, OpSetitems)
	ip.vm.push(subject)
	return nil
}

// doAdditems implements ADDITEMS: a Set/FrozenSet receiver has every
// since-MARK item added with set.add semantics; anything else falls back
// to What wrapping.
func (ip *Interp) doAdditems() error {
	items, err := ip.vm.popMark()
	if err != nil {
		return err
	}
	subject, err := ip.vm.pop()
	if err != nil {
		return err
	}
	if subject.Type != PySet && subject.Type != PyFrozenSet {
		ip.vm.push(applyOp(ip.vm, subject, OpAdditems, items))
		return nil
	}
	for _, it := range items {
		setAdd(subject, it)
	}
	spliceSelfRef(ip.vm, subject, OpAdditems)
	ip.vm.push(subject)
	return nil
}

// applyCallable pops an argument tuple and the callable below it, recording
// REDUCE or NEWOBJ against the callable.
func (ip *Interp) applyCallable(op OperKind) error {
	argtuple, err := ip.vm.pop()
	if err != nil {
		return err
	}
	callee, err := ip.vm.pop()
	if err != nil {
		return err
	}
	ip.vm.push(applyOp(ip.vm, callee, op, []*PyObj{argtuple}))
	return nil
}

func (ip *Interp) loadStackGlobal() error {
	name, err := ip.vm.pop()
	if err != nil {
		return err
	}
	module, err := ip.vm.pop()
	if err != nil {
		return err
	}
	ip.vm.push(NewFunc(module, name))
	return nil
}

func (ip *Interp) loadInst(insn Insn) error {
	items, err := ip.vm.popMark()
	if err != nil {
		return err
	}
	cls := NewFunc(NewStr(insn.Str), NewStr(insn.Str2))
	ip.vm.push(applyOp(ip.vm, cls, OpInst, items))
	return nil
}

func (ip *Interp) loadObj() error {
	items, err := ip.vm.popMark()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return errStackUnderflow
	}
	cls := items[0]
	args := items[1:]
	ip.vm.push(applyOp(ip.vm, cls, OpObj, args))
	return nil
}

// decodeLong decodes LONG1/LONG4's little-endian two's-complement payload,
// adapted from ogórek's decodeLong (ogorek.go).
func decodeLong(data []byte) *big.Int {
	if len(data) == 0 {
		return big.NewInt(0)
	}
	be := make([]byte, len(data))
	for i, b := range data {
		be[len(data)-1-i] = b
	}
	n := new(big.Int).SetBytes(be)
	if data[len(data)-1]&0x80 != 0 {
		full := new(big.Int).Lsh(big.NewInt(1), uint(8*len(data)))
		n.Sub(n, full)
	}
	return n
}
