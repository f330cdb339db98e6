package pickledec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func renderOnce(t *testing.T, vm *PMState, root *PyObj, asReturn bool) string {
	t.Helper()
	sink := &bufSink{}
	r := newRenderer(sink, vm)
	require.NoError(t, r.Render(root, asReturn))
	return sink.String()
}

func TestRenderLeafLiterals(t *testing.T) {
	vm := newPMState(true)
	cases := []struct {
		o    *PyObj
		want string
	}{
		{NewNone(), "None"},
		{NewBool(true), "True"},
		{NewBool(false), "False"},
		{NewIntFromInt64(42), "42"},
		{NewStr("hi"), `"hi"`},
	}
	for _, c := range cases {
		got := renderOnce(t, vm, c.o, false)
		require.Equal(t, c.want+"\n", got)
	}
}

func TestQuotePyStr(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", `""`},
		{"hello", `"hello"`},
		{"a\"b", `"a\"b"`},
		{"a\\b", `"a\\b"`},
		{"a\nb", `"a\nb"`},
		{"a\x01b", `"a\x01b"`},
		{"日本語", `"日本語"`},
		{"\xff", `"\xff"`}, // invalid UTF-8 survives as a byte escape
	}
	for _, c := range cases {
		require.Equal(t, c.want, quotePyStr(c.in), "quotePyStr(%q)", c.in)
	}
}

func TestFormatPyFloat(t *testing.T) {
	require.Equal(t, "1.5", formatPyFloat(1.5))
	require.Equal(t, "2.0", formatPyFloat(2.0))
	require.Equal(t, "inf", formatPyFloat(math.Inf(1)))
	require.Equal(t, "-inf", formatPyFloat(math.Inf(-1)))
	require.Equal(t, "nan", formatPyFloat(math.NaN()))
}

func TestRenderTupleSingleton(t *testing.T) {
	vm := newPMState(true)
	one := NewTuple([]*PyObj{NewIntFromInt64(1)})
	got := renderOnce(t, vm, one, false)
	require.Equal(t, "(1,)\n", got)

	pair := NewTuple([]*PyObj{NewIntFromInt64(1), NewIntFromInt64(2)})
	got = renderOnce(t, vm, pair, false)
	require.Equal(t, "(1, 2)\n", got)
}

func TestRenderEmptySetAndFrozenSet(t *testing.T) {
	vm := newPMState(true)
	require.Equal(t, "set()\n", renderOnce(t, vm, NewSet(nil), false))
	require.Equal(t, "frozenset()\n", renderOnce(t, vm, NewFrozenSet(nil), false))
}

func TestRenderNonEmptyFrozenSet(t *testing.T) {
	vm := newPMState(true)
	fs := NewFrozenSet([]*PyObj{NewIntFromInt64(1), NewIntFromInt64(2)})
	got := renderOnce(t, vm, fs, false)
	require.Equal(t, "frozenset({1, 2})\n", got)
}

func TestRenderDictLiteral(t *testing.T) {
	vm := newPMState(true)
	d := NewDict([]*PyObj{NewStr("a"), NewIntFromInt64(1)})
	got := renderOnce(t, vm, d, false)
	require.Equal(t, `{"a": 1}`+"\n", got)
}

// TestRenderSharedSubobject: an object referenced twice in the
// graph must be declared exactly once and referenced by name thereafter.
func TestRenderSharedSubobject(t *testing.T) {
	vm := newPMState(true)
	shared := NewStr("shared")
	shared.retain()
	root := NewTuple([]*PyObj{shared, shared})
	got := renderOnce(t, vm, root, false)
	// Both slots must use the same hoisted varname; the literal "shared"
	// text must appear exactly once (in the declaration).
	require.Equal(t, "var_0 = \"shared\"\n(var_0, var_0)\n", got)
}

func TestRenderFuncLiteral(t *testing.T) {
	vm := newPMState(true)
	f := NewFunc(NewStr("builtins"), NewStr("list"))
	got := renderOnce(t, vm, f, false)
	require.Equal(t, "__import__(\"builtins\").list\n", got)
}

// TestDeclareWhatAppendChain exercises a multi-op What chain directly
// (APPEND after REDUCE), which forces a bound variable partway through.
func TestDeclareWhatAppendChain(t *testing.T) {
	vm := newPMState(true)
	callee := NewFunc(NewStr("builtins"), NewStr("list"))
	w := ensureWhat(callee)
	reduceOp := newOper(OpReduce, []*PyObj{NewTuple(nil)})
	reduceOp.owner = w
	w.ops = append(w.ops, reduceOp)
	appendOp := newOper(OpAppend, []*PyObj{NewIntFromInt64(9)})
	appendOp.owner = w
	w.ops = append(w.ops, appendOp)
	w.Varname = vm.allocVar()

	got := renderOnce(t, vm, w, true)
	require.Equal(t, "var_0 = __import__(\"builtins\").list()\nvar_0.append(9)\nreturn var_0\n", got)
}

func TestAssignVarNamesIdempotentAcrossEpochs(t *testing.T) {
	vm := newPMState(true)
	shared := NewIntFromInt64(1)
	shared.retain()
	root := NewTuple([]*PyObj{shared, shared})
	assignVarNames(vm, root, vm.nextEpoch())
	name := shared.Varname
	require.NotEmpty(t, name)
	assignVarNames(vm, root, vm.nextEpoch())
	require.Equal(t, name, shared.Varname, "a second naming pass must not reassign an already-named object")
}
