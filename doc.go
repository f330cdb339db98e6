// Package pickledec reconstructs a symbolic object graph from a stream of
// Python pickle opcodes and renders it as Python-like pseudocode or JSON.
// It never unpickles to live Python values: REDUCE, NEWOBJ, BUILD, INST and
// OBJ are recorded as deferred-construction chains (What) instead of being
// evaluated, so the result is safe to produce even for pickles whose
// constructors could not be (or should not be) actually called.
//
// A minimal run looks like:
//
//	res, err := pickledec.Decompile(ctx, pickledec.Config{
//		Disasm: myDisasm,
//		Src:    mySrc,
//		Sink:   myTextSink,
//		Offset: 0,
//	})
//
// pickledec never reads bytes or decodes opcodes itself: Disasm and Src are
// host-supplied collaborators (see Disassembler/ByteSource). The
// internal/refdisasm package has a reference implementation used by this
// repository's own tests and by cmd/pickledec, for hosts that have no
// pickle-architecture disassembler of their own to plug in.
//
// The following table summarizes how the symbolic object model maps onto
// rendered pseudocode syntax:
//
//	PyObj variant        Pseudocode
//	-------------        ----------
//
//	None                 None
//	Bool                 True / False
//	Int                  123 (decimal, arbitrary precision)
//	Float                1.5 / inf / -inf / nan
//	Str                  "quoted text" (Python string-escape rules)
//	Tuple                (a, b) / (a,) for length 1
//	List                 [a, b]
//	Dict                 {k: v, ...}
//	Set                  {a, b} / set() when empty
//	FrozenSet            frozenset({a, b}) / frozenset() when empty
//	Func                 __import__("module").name
//	What (REDUCE)        var = callee(args); var = var(args)
//	What (NEWOBJ)        var = var.__new__(var, args)
//	What (BUILD)         var.__setstate__(state)
//	What (APPEND/...)    var.append(x) / var[k] = v / var.add(x)
//	Split                omitted in place; var.append(var) (or the set/dict
//	                     equivalent) is emitted as a follow-up statement once
//	                     var exists, breaking the cycle it marks.
//
// Opcode disassembly, I/O, command dispatch and live unpickling are all
// explicitly out of scope; see this package's design notes (DESIGN.md)
// for the reasoning.
package pickledec
