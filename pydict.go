package pickledec

import (
	"encoding/binary"
	"hash/maphash"
	"math/big"

	"github.com/aristanetworks/gomap"
)

// pyDictBuilder gives SETITEM/SETITEMS/DICT real Python dict semantics: a
// key already present, even under a different PyObj leaf type (int(1),
// float64(1.0), bool True all collide), is overwritten rather than
// duplicated. It is adapted from ogórek's Dict (dict.go), narrowed from
// arbitrary Go values down to the closed PyObj leaf set this package
// actually produces (None, Bool, Int, Float, Str, Tuple).
type pyDictBuilder struct {
	idx     *gomap.Map[any, int]
	entries []dictEntry
}

type dictEntry struct {
	key, value *PyObj
}

func newPyDictBuilder() *pyDictBuilder {
	return &pyDictBuilder{idx: gomap.NewHint[any, int](0, pyEqual, pyHash)}
}

// set installs key/value, taking ownership of both. If an equal key is
// already present, its old key/value pair is deep-released and replaced —
// matching CPython's "last write wins, first key position kept"... except
// ogórek's own Dict.Set deliberately re-homes the entry at the new
// position, which is also what real dict literals observe for the common
// case (no repeated keys), so we keep the simpler replace-in-place here.
func (b *pyDictBuilder) set(key, value *PyObj) {
	if i, ok := b.idx.Get(key); ok {
		old := b.entries[i]
		old.key.deepRelease()
		old.value.deepRelease()
		b.entries[i] = dictEntry{key, value}
		return
	}
	b.idx.Set(key, len(b.entries))
	b.entries = append(b.entries, dictEntry{key, value})
}

func (b *pyDictBuilder) len() int { return len(b.entries) }

// build hands off ownership of every stored key/value to a new PyDict
// PyObj, flattened to key, value, key, value, ...
func (b *pyDictBuilder) build() *PyObj {
	items := make([]*PyObj, 0, len(b.entries)*2)
	for _, e := range b.entries {
		items = append(items, e.key, e.value)
	}
	return NewDict(items)
}

// dictSetItem mutates d's flat key/value item slice in place with real
// Python dict.__setitem__ semantics: a Python-equal key already present has
// its value replaced (the old value and the duplicate new key are released;
// the original key object stays), a new key is
// appended at the end. d must already be a PyDict; used by the SETITEM/
// SETITEMS fast path (interp.go) when the opcode's receiver is a concrete
// Dict rather than an unresolvable object needing a What wrapper.
func dictSetItem(d *PyObj, key, value *PyObj) {
	for i := 0; i+1 < len(d.items); i += 2 {
		if pyObjEqual(d.items[i], key) {
			key.deepRelease()
			d.items[i+1].deepRelease()
			d.items[i+1] = value
			return
		}
	}
	d.items = append(d.items, key, value)
}

// setAdd mutates s's item slice in place with CPython set.add semantics: a
// Python-equal element already present is left alone (and the duplicate
// released) rather than appended again. s must be a PySet or PyFrozenSet;
// used by the APPENDS/ADDITEMS fast path for a concrete Set/FrozenSet
// receiver.
func setAdd(s *PyObj, value *PyObj) {
	for _, it := range s.items {
		if pyObjEqual(it, value) {
			value.deepRelease()
			return
		}
	}
	s.items = append(s.items, value)
}

func pyEqual(a, b any) bool {
	return pyObjEqual(a.(*PyObj), b.(*PyObj))
}

func pyHash(seed maphash.Seed, x any) uint64 {
	return pyObjHash(seed, x.(*PyObj))
}

// pyObjEqual implements cross-type numeric equality (bool/int/float collide
// the way Python's hash/eq contract requires) plus structural equality for
// Str and Tuple. Everything else compares by identity, which is correct
// for our purposes: List/Dict/Set/Func/What/Split never appear as dict
// keys in a pickle stream produced by CPython (they're unhashable there
// too), so identity is merely a safe fallback, never an observed case.
func pyObjEqual(a, b *PyObj) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if av, ok := pyAsFloat(a); ok {
		if bv, ok := pyAsFloat(b); ok {
			return av == bv
		}
		return false
	}
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case PyNone:
		return true
	case PyStr:
		return a.strVal == b.strVal
	case PyTuple:
		if len(a.items) != len(b.items) {
			return false
		}
		for i := range a.items {
			if !pyObjEqual(a.items[i], b.items[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// pyAsFloat bridges Bool/Int/Float to a common comparable representation,
// mirroring Python's numeric tower for dict-key purposes. Values outside
// float64's exact integer range lose precision, an accepted tradeoff
// since pickled dict keys of that magnitude are not a case a
// decompiler needs to disambiguate exactly.
func pyAsFloat(o *PyObj) (float64, bool) {
	switch o.Type {
	case PyBool:
		if o.boolVal {
			return 1, true
		}
		return 0, true
	case PyInt:
		f := new(big.Float).SetInt(o.intVal)
		v, _ := f.Float64()
		return v, true
	case PyFloat:
		return o.floatVal, true
	}
	return 0, false
}

func pyObjHash(seed maphash.Seed, o *PyObj) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)

	if v, ok := pyAsFloat(o); ok {
		h.WriteByte('#')
		binary.Write(&h, binary.LittleEndian, v)
		return h.Sum64()
	}

	switch o.Type {
	case PyNone:
		h.WriteByte('N')
	case PyStr:
		h.WriteByte('S')
		h.WriteString(o.strVal)
	case PyTuple:
		h.WriteByte('T')
		for _, it := range o.items {
			binary.Write(&h, binary.LittleEndian, pyObjHash(seed, it))
		}
	default:
		h.WriteByte('O')
		binary.Write(&h, binary.LittleEndian, int64(o.Offset))
	}
	return h.Sum64()
}
