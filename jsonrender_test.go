package pickledec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// treeSink is a JSONSink that builds a plain Go value tree ([]any/map[string]any)
// instead of writing bytes, so tests can assert against literal Go values
// rather than fragile JSON text.
type treeSink struct {
	root  any
	stack []any // each element is either *[]any-holder or *objHolder
}

type objHolder struct {
	m       map[string]any
	nextKey string
}

func newTreeSink() *treeSink { return &treeSink{} }

func (s *treeSink) attach(v any) {
	if len(s.stack) == 0 {
		s.root = v
		return
	}
	switch top := s.stack[len(s.stack)-1].(type) {
	case *[]any:
		*top = append(*top, v)
	case *objHolder:
		top.m[top.nextKey] = v
		top.nextKey = ""
	}
}

func (s *treeSink) BeginObject() error {
	h := &objHolder{m: map[string]any{}}
	s.attach(h)
	s.stack = append(s.stack, h)
	return nil
}

func (s *treeSink) EndObject() error {
	h := s.stack[len(s.stack)-1].(*objHolder)
	s.stack = s.stack[:len(s.stack)-1]
	s.replaceLast(h.m)
	return nil
}

// replaceLast swaps the placeholder holder value just attached for its
// finalized Go value, since attach() above stored the *holder itself.
func (s *treeSink) replaceLast(v any) {
	if len(s.stack) == 0 {
		s.root = v
		return
	}
	switch top := s.stack[len(s.stack)-1].(type) {
	case *[]any:
		(*top)[len(*top)-1] = v
	case *objHolder:
		// Find the key whose value is still the holder and fix it up: since
		// Key() always sets nextKey immediately before the nested value is
		// produced, the most recently set entry is the one to replace.
		for k, vv := range top.m {
			if _, ok := vv.(*objHolder); ok {
				top.m[k] = v
				_ = vv
				break
			}
			if _, ok := vv.(*[]any); ok {
				top.m[k] = v
				break
			}
		}
	}
}

func (s *treeSink) BeginArray() error {
	arr := &[]any{}
	s.attach(arr)
	s.stack = append(s.stack, arr)
	return nil
}

func (s *treeSink) EndArray() error {
	arr := s.stack[len(s.stack)-1].(*[]any)
	s.stack = s.stack[:len(s.stack)-1]
	s.replaceLast(*arr)
	return nil
}

func (s *treeSink) Key(name string) error {
	h := s.stack[len(s.stack)-1].(*objHolder)
	h.nextKey = name
	return nil
}

func (s *treeSink) Value(v any) error {
	s.attach(v)
	return nil
}

func renderJSONOnce(t *testing.T, vm *PMState, root *PyObj, asReturn bool) any {
	t.Helper()
	sink := newTreeSink()
	jr := newJSONRenderer(sink, vm)
	require.NoError(t, jr.Render(root, asReturn))
	return sink.root
}

func TestJSONRenderLeafLiterals(t *testing.T) {
	vm := newPMState(true)
	got := renderJSONOnce(t, vm, NewIntFromInt64(5), true)
	m := got.(map[string]any)
	require.Equal(t, []any{}, m["declarations"])
	require.Equal(t, map[string]any{"kind": "int", "value": "5"}, m["result"])
	require.Equal(t, true, m["return"])
}

func TestJSONRenderNoneAndBool(t *testing.T) {
	vm := newPMState(true)
	got := renderJSONOnce(t, vm, NewBool(false), false)
	m := got.(map[string]any)
	require.Equal(t, map[string]any{"kind": "bool", "value": false}, m["result"])
	require.Equal(t, false, m["return"])
}

func TestJSONRenderListLiteral(t *testing.T) {
	vm := newPMState(true)
	lst := NewList([]*PyObj{NewIntFromInt64(1), NewIntFromInt64(2)})
	got := renderJSONOnce(t, vm, lst, false)
	m := got.(map[string]any)
	want := map[string]any{
		"kind": "list",
		"items": []any{
			map[string]any{"kind": "int", "value": "1"},
			map[string]any{"kind": "int", "value": "2"},
		},
	}
	require.Equal(t, want, m["result"])
}

// TestJSONRenderSelfReferentialList mirrors the text renderer's
// self-referential-list case:
// a self-referential list must declare itself then "call" append(ref(self)).
func TestJSONRenderSelfReferentialList(t *testing.T) {
	vm := newPMState(true)
	lst := NewList(nil)
	lst.items = append(lst.items, lst.retain())
	spliceSelfRef(vm, lst, OpAppend)

	got := renderJSONOnce(t, vm, lst, true)
	m := got.(map[string]any)
	decls := m["declarations"].([]any)
	require.Len(t, decls, 2)

	assign := decls[0].(map[string]any)
	require.Equal(t, "assign", assign["op"])
	require.Equal(t, "var_0", assign["var"])
	require.Equal(t, map[string]any{"kind": "list", "items": []any{}}, assign["expr"])

	call := decls[1].(map[string]any)
	require.Equal(t, "call", call["op"])
	require.Equal(t, "append", call["method"])
	require.Equal(t, "var_0", call["on"])
	require.Equal(t, []any{map[string]any{"ref": "var_0"}}, call["args"])

	require.Equal(t, map[string]any{"ref": "var_0"}, m["result"])
	require.Equal(t, true, m["return"])
}

func TestJSONRenderFunc(t *testing.T) {
	vm := newPMState(true)
	f := NewFunc(NewStr("builtins"), NewStr("list"))
	got := renderJSONOnce(t, vm, f, false)
	m := got.(map[string]any)
	require.Equal(t, map[string]any{"kind": "func", "module": "builtins", "name": "list"}, m["result"])
}
