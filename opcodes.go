package pickledec

// Opcodes, adapted from ogórek's opcode table (ogorek.go). The decompiler
// itself never reads these off the wire (that's the Disassembler
// collaborator's job) but the interpreter dispatches on them. The table is
// unexported, so internal/refdisasm keeps its own copy of the same byte
// values.
const (
	// Protocol 0

	opMark    byte = '(' // push special markobject on stack
	opStop    byte = '.' // every pickle ends with STOP
	opPop     byte = '0' // discard topmost stack item
	opDup     byte = '2' // duplicate top stack item
	opFloat   byte = 'F' // push float object; decimal string argument
	opInt     byte = 'I' // push integer or bool; decimal string argument
	opLong    byte = 'L' // push long; decimal string argument
	opNone    byte = 'N' // push None
	opPersid  byte = 'P' // push persistent object; id is taken from string arg
	opReduce  byte = 'R' // apply callable to argtuple, both on stack
	opString  byte = 'S' // push string; NL-terminated string argument
	opUnicode byte = 'V' // push Unicode string; raw-unicode-escaped argument
	opAppend  byte = 'a' // append stack top to list below it
	opBuild   byte = 'b' // call __setstate__ or __dict__.update()
	opGlobal  byte = 'c' // push Class(modname, name); 2 string args
	opDict    byte = 'd' // build a dict from stack items
	opGet     byte = 'g' // push item from memo on stack; index is string arg
	opInst    byte = 'i' // build & push class instance
	opList    byte = 'l' // build list from topmost stack items
	opPut     byte = 'p' // store stack top in memo; index is string arg
	opSetitem byte = 's' // add key+value pair to dict
	opTuple   byte = 't' // build tuple from topmost stack items

	// Protocol 1

	opPopMark        byte = '1' // discard stack top through topmost markobject
	opBinint         byte = 'J' // push four-byte signed int
	opBinint1        byte = 'K' // push 1-byte unsigned int
	opBinint2        byte = 'M' // push 2-byte unsigned int
	opBinpersid      byte = 'Q' // push persistent object; id is taken from stack
	opBinstring      byte = 'T' // push string; counted binary string argument
	opShortBinstring byte = 'U' //  "     "   ;    "      "       "      " < 256 bytes
	opBinunicode     byte = 'X' // push Unicode string; counted UTF-8 string argument
	opAppends        byte = 'e' // extend list on stack by topmost stack slice
	opBinget         byte = 'h' // push item from memo on stack; index is 1-byte arg
	opLongBinget     byte = 'j' //  "    "    "    "    "   "  ;   "    " 4-byte arg
	opEmptyList      byte = ']' // push empty list
	opEmptyTuple     byte = ')' // push empty tuple
	opEmptyDict      byte = '}' // push empty dict
	opObj            byte = 'o' // build & push class instance
	opBinput         byte = 'q' // store stack top in memo; index is 1-byte arg
	opLongBinput     byte = 'r' //   "     "    "   "   " ;   "    " 4-byte arg
	opSetitems       byte = 'u' // modify dict by adding topmost key+value pairs
	opBinfloat       byte = 'G' // push float; arg is 8-byte float encoding

	// Protocol 2

	opProto    byte = '\x80' // identify pickle protocol
	opNewobj   byte = '\x81' // build object by applying cls.__new__ to argtuple
	opExt1     byte = '\x82' // push object from extension registry; 1-byte index
	opExt2     byte = '\x83' // ditto, but 2-byte index
	opExt4     byte = '\x84' // ditto, but 4-byte index
	opTuple1   byte = '\x85' // build 1-tuple from stack top
	opTuple2   byte = '\x86' // build 2-tuple from two topmost stack items
	opTuple3   byte = '\x87' // build 3-tuple from three topmost stack items
	opNewtrue  byte = '\x88' // push True
	opNewfalse byte = '\x89' // push False
	opLong1    byte = '\x8a' // push long from < 256 bytes
	opLong4    byte = '\x8b' // push really big long

	// Protocol 3
	opBinbytes      byte = 'B' // push bytes; counted binary string argument
	opShortBinbytes byte = 'C' // push bytes; counted binary string argument < 256 bytes

	// Protocol 4
	opShortBinUnicode byte = '\x8c' // push short string; UTF-8 length < 256 bytes
	opBinunicode8     byte = '\x8d' // push very long string
	opBinbytes8       byte = '\x8e' // push very long bytes string
	opEmptySet        byte = '\x8f' // push empty set on the stack
	opAdditems        byte = '\x90' // modify set by adding topmost stack items
	opFrozenset       byte = '\x91' // build frozenset from topmost stack items
	opNewobjEx        byte = '\x92' // like NEWOBJ but work with keyword only arguments
	opStackGlobal     byte = '\x93' // same as GLOBAL but using names on the stack
	opMemoize         byte = '\x94' // store top of the stack in memo
	opFrame           byte = '\x95' // indicate the beginning of a new frame

	// Protocol 5
	opBytearray8      byte = '\x96' // push bytearray
	opNextBuffer      byte = '\x97' // push next out-of-band buffer
	opReadonlyBuffer  byte = '\x98' // make top of stack readonly
)

// unsupportedOps are recognized but never executed; decoding halts with
// errUnsupportedOp (see DESIGN.md on PERSID/BINPERSID).
var unsupportedOps = map[byte]bool{
	opPersid:         true,
	opBinpersid:      true,
	opExt1:           true,
	opExt2:           true,
	opExt4:           true,
	opNewobjEx:       true,
	opNextBuffer:     true,
	opReadonlyBuffer: true,
}
