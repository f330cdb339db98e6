package refdisasm

import (
	"io"
	"testing"
)

func TestBytesSourceReadAtFullRead(t *testing.T) {
	src := BytesSource([]byte("hello"))
	got, err := src.ReadAt(0, 5)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestBytesSourceReadAtShortReadReportsEOF(t *testing.T) {
	src := BytesSource([]byte("ab"))
	got, err := src.ReadAt(0, 5)
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF (io.ReaderAt convention: short read pairs with an error)", err)
	}
	if string(got) != "ab" {
		t.Fatalf("got %q, want %q", got, "ab")
	}
}

func TestBytesSourceReadAtPastEnd(t *testing.T) {
	src := BytesSource([]byte("ab"))
	_, err := src.ReadAt(5, 1)
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestDisassembleEmptyListMemoizeStop(t *testing.T) {
	// EMPTY_LIST, MEMOIZE, STOP
	src := BytesSource([]byte{']', '\x94', '.'})
	d := New()

	insn, next, err := d.Next(src, 0)
	if err != nil {
		t.Fatalf("insn 0: %v", err)
	}
	if insn.Op != opEmptyList || insn.Mnemonic != "EMPTY_LIST" || insn.Size != 1 {
		t.Fatalf("insn 0 = %+v, want EMPTY_LIST of size 1", insn)
	}

	insn, next, err = d.Next(src, next)
	if err != nil {
		t.Fatalf("insn 1: %v", err)
	}
	if insn.Op != opMemoize || insn.Mnemonic != "MEMOIZE" {
		t.Fatalf("insn 1 = %+v, want MEMOIZE", insn)
	}

	insn, next, err = d.Next(src, next)
	if err != nil {
		t.Fatalf("insn 2: %v", err)
	}
	if insn.Op != opStop {
		t.Fatalf("insn 2 = %+v, want STOP", insn)
	}

	if _, _, err = d.Next(src, next); err != io.EOF {
		t.Fatalf("trailing Next err = %v, want io.EOF", err)
	}
}

func TestDisassembleBinint1(t *testing.T) {
	src := BytesSource([]byte{opBinint1, 0x2a})
	d := New()
	insn, next, err := d.Next(src, 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if insn.Imm != 0x2a || next != 2 || insn.Size != 2 {
		t.Fatalf("insn = %+v, next = %d, want Imm=42 size=2", insn, next)
	}
}

func TestDisassembleShortBinstring(t *testing.T) {
	payload := []byte{opShortBinstring, 3, 'f', 'o', 'o'}
	d := New()
	insn, next, err := d.Next(BytesSource(payload), 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if insn.Str != "foo" || next != len(payload) {
		t.Fatalf("insn.Str = %q, next = %d, want %q, %d", insn.Str, next, "foo", len(payload))
	}
}

func TestDisassembleGlobalTwoLines(t *testing.T) {
	data := []byte("c" + "builtins\n" + "list\n")
	d := New()
	insn, next, err := d.Next(BytesSource(data), 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if insn.Str != "builtins" || insn.Str2 != "list" {
		t.Fatalf("insn = %+v, want Str=builtins Str2=list", insn)
	}
	if next != len(data) {
		t.Fatalf("next = %d, want %d", next, len(data))
	}
}

func TestDisassembleLong1TwosComplement(t *testing.T) {
	// LONG1, length-prefixed payload of one byte 0xff (-1 in two's complement).
	data := []byte{opLong1, 1, 0xff}
	d := New()
	insn, next, err := d.Next(BytesSource(data), 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(insn.Payload) != 1 || insn.Payload[0] != 0xff {
		t.Fatalf("Payload = %v, want [0xff]", insn.Payload)
	}
	if next != len(data) {
		t.Fatalf("next = %d, want %d", next, len(data))
	}
}

func TestDisassembleTruncatedMidInstruction(t *testing.T) {
	// BININT1 claims a 1-byte immediate but the stream ends right after the
	// opcode byte.
	d := New()
	_, _, err := d.Next(BytesSource([]byte{opBinint1}), 0)
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestDecodeRawUnicodeEscape(t *testing.T) {
	cases := []struct{ in, want string }{
		{"hello", "hello"},
		{`é`, "é"},
		{`aéb`, "aéb"},
	}
	for _, c := range cases {
		got := decodeRawUnicodeEscape(c.in)
		if got != c.want {
			t.Errorf("decodeRawUnicodeEscape(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDecodeRawUnicodeEscapeHexSequences(t *testing.T) {
	// shortEscape (6 literal ASCII characters: backslash, u, 0, 0, e, 9) is the
	// raw-unicode-escape encoding CPython emits for U+00E9 on protocol 0's
	// UNICODE opcode.
	shortEscape := "\\u00e9"
	got := decodeRawUnicodeEscape(shortEscape)
	want := string(rune(0xe9))
	if got != want {
		t.Fatalf("decodeRawUnicodeEscape(%q) = %q, want %q", shortEscape, got, want)
	}

	longEscape := "\\U000000e9"
	got = decodeRawUnicodeEscape(longEscape)
	if got != want {
		t.Fatalf("decodeRawUnicodeEscape(%q) = %q, want %q", longEscape, got, want)
	}
}

func TestMnemonicUnknownOpcode(t *testing.T) {
	got := mnemonic(0xff)
	if got != "UNKNOWN(0xff)" {
		t.Fatalf("mnemonic(0xff) = %q, want UNKNOWN(0xff)", got)
	}
}
