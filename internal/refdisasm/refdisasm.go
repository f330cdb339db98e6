// Package refdisasm is a reference pickledec.Disassembler, modeled on
// ogórek's Decoder.Decode dispatch loop but restructured around
// pickledec.ByteSource's random-access
// ReadAt instead of a buffered io.Reader, and emitting pickledec.Insn
// values instead of interpreting opcodes itself. It exists because
// opcode disassembly is explicitly out of pickledec's own scope (see
// pickledec's doc.go): this package plays the role a real host — a
// binary analysis tool with its own pickle-opcode table — would play,
// and is what this repository's own tests and cmd/pickledec use in its
// place.
package refdisasm

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/doyensec/pickledec"
)

// Opcode bytes, duplicated locally from CPython's pickle protocol rather
// than imported from pickledec (whose own table is unexported on purpose:
// disassembly is a collaborator concern, not something pickledec hands
// out to its host).
const (
	opMark           byte = '('
	opStop           byte = '.'
	opPop            byte = '0'
	opDup            byte = '2'
	opFloat          byte = 'F'
	opInt            byte = 'I'
	opLong           byte = 'L'
	opNone           byte = 'N'
	opPersid         byte = 'P'
	opReduce         byte = 'R'
	opString         byte = 'S'
	opUnicode        byte = 'V'
	opAppend         byte = 'a'
	opBuild          byte = 'b'
	opGlobal         byte = 'c'
	opDict           byte = 'd'
	opGet            byte = 'g'
	opInst           byte = 'i'
	opList           byte = 'l'
	opPut            byte = 'p'
	opSetitem        byte = 's'
	opTuple          byte = 't'
	opPopMark        byte = '1'
	opBinint         byte = 'J'
	opBinint1        byte = 'K'
	opBinint2        byte = 'M'
	opBinpersid      byte = 'Q'
	opBinstring      byte = 'T'
	opShortBinstring byte = 'U'
	opBinunicode     byte = 'X'
	opAppends        byte = 'e'
	opBinget         byte = 'h'
	opLongBinget     byte = 'j'
	opEmptyList      byte = ']'
	opEmptyTuple     byte = ')'
	opEmptyDict      byte = '}'
	opObj            byte = 'o'
	opBinput         byte = 'q'
	opLongBinput     byte = 'r'
	opSetitems       byte = 'u'
	opBinfloat       byte = 'G'
	opProto          byte = '\x80'
	opNewobj         byte = '\x81'
	opExt1           byte = '\x82'
	opExt2           byte = '\x83'
	opExt4           byte = '\x84'
	opTuple1         byte = '\x85'
	opTuple2         byte = '\x86'
	opTuple3         byte = '\x87'
	opNewtrue        byte = '\x88'
	opNewfalse       byte = '\x89'
	opLong1          byte = '\x8a'
	opLong4          byte = '\x8b'
	opShortBinUnicode byte = '\x8c'
	opBinunicode8    byte = '\x8d'
	opBinbytes8      byte = '\x8e'
	opEmptySet       byte = '\x8f'
	opAdditems       byte = '\x90'
	opFrozenset      byte = '\x91'
	opNewobjEx       byte = '\x92'
	opStackGlobal    byte = '\x93'
	opMemoize        byte = '\x94'
	opFrame          byte = '\x95'
	opBinbytes       byte = 'B'
	opShortBinbytes  byte = 'C'
	opBytearray8     byte = '\x96'
	opNextBuffer     byte = '\x97'
	opReadonlyBuffer byte = '\x98'
)

var mnemonics = map[byte]string{
	opMark: "MARK", opStop: "STOP", opPop: "POP", opDup: "DUP",
	opFloat: "FLOAT", opInt: "INT", opLong: "LONG", opNone: "NONE",
	opPersid: "PERSID", opReduce: "REDUCE", opString: "STRING",
	opUnicode: "UNICODE", opAppend: "APPEND", opBuild: "BUILD",
	opGlobal: "GLOBAL", opDict: "DICT", opGet: "GET", opInst: "INST",
	opList: "LIST", opPut: "PUT", opSetitem: "SETITEM", opTuple: "TUPLE",
	opPopMark: "POP_MARK", opBinint: "BININT", opBinint1: "BININT1",
	opBinint2: "BININT2", opBinpersid: "BINPERSID", opBinstring: "BINSTRING",
	opShortBinstring: "SHORT_BINSTRING", opBinunicode: "BINUNICODE",
	opAppends: "APPENDS", opBinget: "BINGET", opLongBinget: "LONG_BINGET",
	opEmptyList: "EMPTY_LIST", opEmptyTuple: "EMPTY_TUPLE",
	opEmptyDict: "EMPTY_DICT", opObj: "OBJ", opBinput: "BINPUT",
	opLongBinput: "LONG_BINPUT", opSetitems: "SETITEMS", opBinfloat: "BINFLOAT",
	opProto: "PROTO", opNewobj: "NEWOBJ", opExt1: "EXT1", opExt2: "EXT2",
	opExt4: "EXT4", opTuple1: "TUPLE1", opTuple2: "TUPLE2", opTuple3: "TUPLE3",
	opNewtrue: "NEWTRUE", opNewfalse: "NEWFALSE", opLong1: "LONG1",
	opLong4: "LONG4", opShortBinUnicode: "SHORT_BINUNICODE",
	opBinunicode8: "BINUNICODE8", opBinbytes8: "BINBYTES8",
	opEmptySet: "EMPTY_SET", opAdditems: "ADDITEMS", opFrozenset: "FROZENSET",
	opNewobjEx: "NEWOBJ_EX", opStackGlobal: "STACK_GLOBAL",
	opMemoize: "MEMOIZE", opFrame: "FRAME", opBinbytes: "BINBYTES",
	opShortBinbytes: "SHORT_BINBYTES", opBytearray8: "BYTEARRAY8",
	opNextBuffer: "NEXT_BUFFER", opReadonlyBuffer: "READONLY_BUFFER",
}

func mnemonic(op byte) string {
	if m, ok := mnemonics[op]; ok {
		return m
	}
	return fmt.Sprintf("UNKNOWN(%#x)", op)
}

// BytesSource adapts a plain in-memory byte slice to pickledec.ByteSource,
// the simplest possible host collaborator: a host backed by a file or a
// memory-mapped binary image would implement the same interface against
// its own storage instead.
type BytesSource []byte

// ReadAt implements pickledec.ByteSource, following io.ReaderAt's
// convention: a short (or empty) read is always paired with a non-nil
// error, here always io.EOF since BytesSource has no other failure mode.
func (b BytesSource) ReadAt(offset int64, length int) ([]byte, error) {
	if offset < 0 || int(offset) > len(b) {
		return nil, io.EOF
	}
	start := int(offset)
	end := start + length
	if end > len(b) {
		end = len(b)
	}
	data := b[start:end]
	if len(data) < length {
		return data, io.EOF
	}
	return data, nil
}

// maxLine bounds how far a NL-terminated immediate (INT, LONG, FLOAT, GET,
// PUT, STRING, UNICODE, GLOBAL's two lines) is allowed to run before
// Disassembler gives up and reports a truncated/malformed stream instead
// of growing its read window forever.
const maxLine = 1 << 20

// Disassembler is the reference pickledec.Disassembler implementation.
// It holds no state of its own: every call is a pure function of src and
// offset, matching pickledec.ByteSource's random-access contract.
type Disassembler struct{}

// New returns a ready-to-use Disassembler.
func New() *Disassembler { return &Disassembler{} }

// Next implements pickledec.Disassembler.
func (d *Disassembler) Next(src pickledec.ByteSource, offset int) (pickledec.Insn, int, error) {
	opb, err := src.ReadAt(int64(offset), 1)
	if err != nil {
		return pickledec.Insn{}, offset, err
	}
	op := opb[0]
	pos := offset + 1
	insn := pickledec.Insn{Op: op, Mnemonic: mnemonic(op)}

	switch op {
	case opMark, opStop, opPop, opPopMark, opDup, opNone, opNewtrue, opNewfalse,
		opEmptyDict, opEmptyList, opEmptyTuple, opEmptySet,
		opList, opTuple, opFrozenset, opTuple1, opTuple2, opTuple3, opDict,
		opAppend, opAppends, opSetitem, opSetitems, opAdditems,
		opReduce, opNewobj, opBuild, opObj, opStackGlobal, opMemoize,
		opBinpersid:
		// no immediate payload to decode

	case opInt, opFloat, opLong, opGet, opPut:
		s, n, err := readLine(src, pos)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Str = s
		pos += n

	case opString:
		s, n, err := readLine(src, pos)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Str = s // still quoted: the interpreter un-escapes it
		pos += n

	case opUnicode:
		s, n, err := readLine(src, pos)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Str = decodeRawUnicodeEscape(s)
		pos += n

	case opPersid:
		s, n, err := readLine(src, pos)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Str = s
		pos += n

	case opGlobal, opInst:
		module, n, err := readLine(src, pos)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		pos += n
		name, n, err := readLine(src, pos)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		pos += n
		insn.Str, insn.Str2 = module, name

	case opBinint:
		b, err := readN(src, pos, 4)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Imm = int64(int32(binary.LittleEndian.Uint32(b)))
		pos += 4
	case opBinint1:
		b, err := readN(src, pos, 1)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Imm = int64(b[0])
		pos++
	case opBinint2:
		b, err := readN(src, pos, 2)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Imm = int64(binary.LittleEndian.Uint16(b))
		pos += 2

	case opLong1:
		lb, err := readN(src, pos, 1)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		pos++
		n := int(lb[0])
		payload, err := readN(src, pos, n)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Payload = append([]byte(nil), payload...)
		pos += n
	case opLong4:
		lb, err := readN(src, pos, 4)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		pos += 4
		n := int(int32(binary.LittleEndian.Uint32(lb)))
		if n < 0 {
			return pickledec.Insn{}, offset, fmt.Errorf("refdisasm: negative LONG4 length")
		}
		payload, err := readN(src, pos, n)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Payload = append([]byte(nil), payload...)
		pos += n

	case opBinfloat:
		b, err := readN(src, pos, 8)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		// Imm carries the raw bit pattern; the interpreter reassembles it
		// with math.Float64frombits (see pickledec's types.go).
		insn.Imm = int64(binary.BigEndian.Uint64(b))
		pos += 8

	case opBinstring, opBinbytes:
		b, err := readN(src, pos, 4)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		pos += 4
		n := int(binary.LittleEndian.Uint32(b))
		payload, err := readN(src, pos, n)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Str = string(payload)
		pos += n
	case opShortBinstring, opShortBinbytes, opShortBinUnicode:
		b, err := readN(src, pos, 1)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		pos++
		n := int(b[0])
		payload, err := readN(src, pos, n)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Str = string(payload)
		pos += n
	case opBinunicode:
		b, err := readN(src, pos, 4)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		pos += 4
		n := int(binary.LittleEndian.Uint32(b))
		payload, err := readN(src, pos, n)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Str = string(payload)
		pos += n
	case opBinunicode8, opBinbytes8, opBytearray8:
		b, err := readN(src, pos, 8)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		pos += 8
		n := int(binary.LittleEndian.Uint64(b))
		payload, err := readN(src, pos, n)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Str = string(payload)
		pos += n

	case opBinget, opBinput:
		b, err := readN(src, pos, 1)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Imm = int64(b[0])
		pos++
	case opLongBinget, opLongBinput:
		b, err := readN(src, pos, 4)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Imm = int64(binary.LittleEndian.Uint32(b))
		pos += 4

	case opProto:
		b, err := readN(src, pos, 1)
		if err != nil {
			return pickledec.Insn{}, offset, err
		}
		insn.Imm = int64(b[0])
		pos++

	case opFrame:
		// framing carries an 8-byte frame length used only to batch reads;
		// this Disassembler always reads through ByteSource directly, so
		// it has no use for the count beyond skipping past it.
		if _, err := readN(src, pos, 8); err != nil {
			return pickledec.Insn{}, offset, err
		}
		pos += 8

	case opExt1:
		if _, err := readN(src, pos, 1); err != nil {
			return pickledec.Insn{}, offset, err
		}
		pos++
	case opExt2:
		if _, err := readN(src, pos, 2); err != nil {
			return pickledec.Insn{}, offset, err
		}
		pos += 2
	case opExt4:
		if _, err := readN(src, pos, 4); err != nil {
			return pickledec.Insn{}, offset, err
		}
		pos += 4

	case opNewobjEx, opNextBuffer, opReadonlyBuffer:
		// no immediate payload; pickledec itself refuses these (non-goal)

	default:
		// unknown opcode: still report a 1-byte instruction, pickledec's
		// Step reports the unsupported-opcode error for us
	}

	insn.Size = pos - offset
	return insn, pos, nil
}

// readN reads exactly n bytes at pos, retrying ReadAt if it returns a
// short read without an error (io.ReaderAt implementations are allowed to
// do that for partial backing stores).
func readN(src pickledec.ByteSource, pos, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		chunk, err := src.ReadAt(int64(pos+len(out)), n-len(out))
		out = append(out, chunk...)
		if len(out) >= n {
			break
		}
		if err != nil || len(chunk) == 0 {
			return out, io.ErrUnexpectedEOF
		}
	}
	return out, nil
}

// readLine reads bytes at pos up to and including the next '\n', returning
// the line with its terminator stripped and the number of bytes consumed
// (including the terminator).
func readLine(src pickledec.ByteSource, pos int) (string, int, error) {
	window := 64
	for window <= maxLine {
		chunk, err := src.ReadAt(int64(pos), window)
		if i := indexByte(chunk, '\n'); i >= 0 {
			return string(chunk[:i]), i + 1, nil
		}
		if err != nil {
			// err is only ever io.EOF here (BytesSource's only failure
			// mode) and only paired with a short read: this was all the
			// data there was, and it had no line terminator in it.
			return "", 0, io.ErrUnexpectedEOF
		}
		window *= 2
	}
	return "", 0, fmt.Errorf("refdisasm: line at offset %d exceeds %d bytes", pos, maxLine)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// decodeRawUnicodeEscape un-escapes protocol 0's UNICODE opcode payload,
// which CPython encodes with the "raw-unicode-escape" codec: every
// non-ASCII or control character becomes \uXXXX (or \UXXXXXXXX), and
// pickle's encoder writes a literal backslash as the \u escape for U+005C,
// so a backslash not starting a \u or \U escape is kept as is. Adapted from ogórek's loadUnicode
// (ogorek.go), which walks the line with strconv-style rune unquoting
// rather than a regexp.
func decodeRawUnicodeEscape(s string) string {
	var out []rune
	i := 0
	for i < len(s) {
		if s[i] != '\\' || i+1 >= len(s) {
			r, size := utf8.DecodeRuneInString(s[i:])
			out = append(out, r)
			i += size
			continue
		}
		switch s[i+1] {
		case 'u':
			if i+6 <= len(s) {
				if v, err := strconv.ParseUint(s[i+2:i+6], 16, 32); err == nil {
					out = append(out, rune(v))
					i += 6
					continue
				}
			}
		case 'U':
			if i+10 <= len(s) {
				if v, err := strconv.ParseUint(s[i+2:i+10], 16, 32); err == nil {
					out = append(out, rune(v))
					i += 10
					continue
				}
			}
		}
		out = append(out, rune(s[i]))
		i++
	}
	return string(out)
}

