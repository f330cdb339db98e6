package pickledec

import "fmt"

// jsonRenderer mirrors renderer's hoisting model but emits structurally
// through a JSONSink instead of text through a Sink: a "declarations" array
// of assign/call statements, followed by a "result" expression. JSONSink
// calls must nest correctly (Begin.../End...), so unlike the text renderer
// — which can just stream statements out as it discovers them — this one
// builds a tree of small emitter closures first and only invokes them, in
// the right order, once the whole graph has been walked.
type jsonRenderer struct {
	sink     JSONSink
	vm       *PMState
	declared map[*PyObj]bool
	stmts    []func() error
}

func newJSONRenderer(sink JSONSink, vm *PMState) *jsonRenderer {
	return &jsonRenderer{sink: sink, vm: vm, declared: map[*PyObj]bool{}}
}

// Render mirrors renderer.Render's structure over JSON: a "declarations"
// array, a "result" expression, a "return" sibling key that is true when
// asReturn is set (root sits on top of the pickle stack at STOP), flagging
// that result is the decompiled program's return value rather than a bare
// trailing expression, and a "truncated" sibling flagging a best-effort
// partial run.
func (jr *jsonRenderer) Render(root *PyObj, asReturn bool) error {
	assignVarNames(jr.vm, root, jr.vm.nextEpoch())
	result, err := jr.expr(root)
	if err != nil {
		return err
	}
	if err := jr.sink.BeginObject(); err != nil {
		return err
	}
	if err := jr.sink.Key("declarations"); err != nil {
		return err
	}
	if err := jr.sink.BeginArray(); err != nil {
		return err
	}
	for _, stmt := range jr.stmts {
		if err := stmt(); err != nil {
			return err
		}
	}
	if err := jr.sink.EndArray(); err != nil {
		return err
	}
	if err := jr.sink.Key("result"); err != nil {
		return err
	}
	if err := result(); err != nil {
		return err
	}
	if err := jr.sink.Key("return"); err != nil {
		return err
	}
	if err := jr.sink.Value(asReturn); err != nil {
		return err
	}
	if err := jr.sink.Key("truncated"); err != nil {
		return err
	}
	if err := jr.sink.Value(jr.vm.truncated); err != nil {
		return err
	}
	return jr.sink.EndObject()
}

// expr returns an emitter for o's value at the point of reference: a ref
// node (declaring o first if needed) when o has a Varname, otherwise an
// inline literal/expression node.
func (jr *jsonRenderer) expr(o *PyObj) (func() error, error) {
	if o.Varname != "" {
		if !jr.declared[o] {
			if err := jr.declare(o); err != nil {
				return nil, err
			}
		}
		return jr.refEmit(o.Varname), nil
	}
	return jr.inline(o)
}

func (jr *jsonRenderer) refEmit(varname string) func() error {
	return func() error {
		if err := jr.sink.BeginObject(); err != nil {
			return err
		}
		if err := jr.sink.Key("ref"); err != nil {
			return err
		}
		if err := jr.sink.Value(varname); err != nil {
			return err
		}
		return jr.sink.EndObject()
	}
}

func (jr *jsonRenderer) declare(o *PyObj) error {
	jr.declared[o] = true
	switch o.Type {
	case PyList, PySet, PyFrozenSet:
		return jr.declareSeq(o)
	case PyDict:
		return jr.declareDict(o)
	case PyTuple:
		e, err := jr.inline(o)
		if err != nil {
			return err
		}
		jr.stmts = append(jr.stmts, jr.assignStmt(o.Varname, e))
		return nil
	case PyFunc:
		e, err := jr.funcEmit(o)
		if err != nil {
			return err
		}
		jr.stmts = append(jr.stmts, jr.assignStmt(o.Varname, e))
		return nil
	case PyWhat:
		return jr.declareWhat(o)
	default:
		e, err := jr.inline(o)
		if err != nil {
			return err
		}
		jr.stmts = append(jr.stmts, jr.assignStmt(o.Varname, e))
		return nil
	}
}

// declareSeq mirrors renderer.declareSeq: a List/Set/FrozenSet holding a
// direct Split is assigned from its non-Split items, then one "call"
// statement per Split patches the back-edge in.
func (jr *jsonRenderer) declareSeq(o *PyObj) error {
	var kept []*PyObj
	var splits []*PyOper
	for _, it := range o.items {
		if it.Type == PySplit {
			splits = append(splits, it.split)
			continue
		}
		kept = append(kept, it)
	}
	kind := map[PyType]string{PyList: "list", PySet: "set", PyFrozenSet: "frozenset"}[o.Type]
	e, err := jr.seqExpr(kind, kept)
	if err != nil {
		return err
	}
	jr.stmts = append(jr.stmts, jr.assignStmt(o.Varname, e))
	method := "append"
	if o.Type == PySet || o.Type == PyFrozenSet {
		method = "add"
	}
	for _, sp := range splits {
		jr.stmts = append(jr.stmts, jr.callStmt(method, o.Varname, []func() error{jr.refEmit(sp.owner.Varname)}))
	}
	return nil
}

// declareDict mirrors renderer.declareDict: see its doc comment for the
// keyIsSplit placeholder rationale.
func (jr *jsonRenderer) declareDict(o *PyObj) error {
	type pending struct {
		key        *PyObj
		op         *PyOper
		keyIsSplit bool
	}
	var kept []*PyObj
	var follow []pending
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
		kept = append(kept, k, v)
	}
	e, err := jr.dictExpr(kept)
	if err != nil {
		return err
	}
	jr.stmts = append(jr.stmts, jr.assignStmt(o.Varname, e))
	for _, p := range follow {
		if p.keyIsSplit {
			jr.stmts = append(jr.stmts, jr.setitemStmt(o.Varname, jr.refEmit(p.op.owner.Varname), jr.taggedValue("none", nil)))
			continue
		}
		k, err := jr.expr(p.key)
		if err != nil {
			return err
		}
		jr.stmts = append(jr.stmts, jr.setitemStmt(o.Varname, k, jr.refEmit(p.op.owner.Varname)))
	}
	return nil
}

func (jr *jsonRenderer) assignStmt(varname string, expr func() error) func() error {
	return func() error {
		if err := jr.sink.BeginObject(); err != nil {
			return err
		}
		if err := jr.sink.Key("op"); err != nil {
			return err
		}
		if err := jr.sink.Value("assign"); err != nil {
			return err
		}
		if err := jr.sink.Key("var"); err != nil {
			return err
		}
		if err := jr.sink.Value(varname); err != nil {
			return err
		}
		if err := jr.sink.Key("expr"); err != nil {
			return err
		}
		if err := expr(); err != nil {
			return err
		}
		return jr.sink.EndObject()
	}
}

func (jr *jsonRenderer) callStmt(method, on string, args []func() error) func() error {
	return func() error {
		if err := jr.sink.BeginObject(); err != nil {
			return err
		}
		if err := jr.sink.Key("op"); err != nil {
			return err
		}
		if err := jr.sink.Value("call"); err != nil {
			return err
		}
		if err := jr.sink.Key("method"); err != nil {
			return err
		}
		if err := jr.sink.Value(method); err != nil {
			return err
		}
		if err := jr.sink.Key("on"); err != nil {
			return err
		}
		if err := jr.sink.Value(on); err != nil {
			return err
		}
		if err := jr.sink.Key("args"); err != nil {
			return err
		}
		if err := jr.sink.BeginArray(); err != nil {
			return err
		}
		for _, a := range args {
			if err := a(); err != nil {
				return err
			}
		}
		if err := jr.sink.EndArray(); err != nil {
			return err
		}
		return jr.sink.EndObject()
	}
}

func (jr *jsonRenderer) setitemStmt(on string, key, value func() error) func() error {
	return func() error {
		if err := jr.sink.BeginObject(); err != nil {
			return err
		}
		if err := jr.sink.Key("op"); err != nil {
			return err
		}
		if err := jr.sink.Value("setitem"); err != nil {
			return err
		}
		if err := jr.sink.Key("on"); err != nil {
			return err
		}
		if err := jr.sink.Value(on); err != nil {
			return err
		}
		if err := jr.sink.Key("key"); err != nil {
			return err
		}
		if err := key(); err != nil {
			return err
		}
		if err := jr.sink.Key("value"); err != nil {
			return err
		}
		if err := value(); err != nil {
			return err
		}
		return jr.sink.EndObject()
	}
}

func (jr *jsonRenderer) declareWhat(o *PyObj) error {
	base := o.ops[0].Args[0]
	cur, err := jr.expr(base)
	if err != nil {
		return err
	}
	bound := false
	bindNow := func() error {
		if bound {
			return nil
		}
		jr.stmts = append(jr.stmts, jr.assignStmt(o.Varname, cur))
		cur = jr.refEmit(o.Varname)
		bound = true
		return nil
	}

	for _, op := range o.ops[1:] {
		switch op.Op {
		case OpReduce, OpNewobj, OpInst, OpObj:
			next, err := jr.producingExpr(cur, op)
			if err != nil {
				return err
			}
			cur = next
			bound = false
		case OpBuild:
			if err := bindNow(); err != nil {
				return err
			}
			state, err := jr.expr(op.Args[0])
			if err != nil {
				return err
			}
			jr.stmts = append(jr.stmts, jr.callStmt("__setstate__", o.Varname, []func() error{state}))
		case OpAppend:
			if err := bindNow(); err != nil {
				return err
			}
			v, err := jr.expr(op.Args[0])
			if err != nil {
				return err
			}
			jr.stmts = append(jr.stmts, jr.callStmt("append", o.Varname, []func() error{v}))
		case OpAppends:
			if err := bindNow(); err != nil {
				return err
			}
			for _, a := range op.Args {
				v, err := jr.expr(a)
				if err != nil {
					return err
				}
				jr.stmts = append(jr.stmts, jr.callStmt("append", o.Varname, []func() error{v}))
			}
		case OpSetitem:
			if err := bindNow(); err != nil {
				return err
			}
			k, err := jr.expr(op.Args[0])
			if err != nil {
				return err
			}
			v, err := jr.expr(op.Args[1])
			if err != nil {
				return err
			}
			jr.stmts = append(jr.stmts, jr.setitemStmt(o.Varname, k, v))
		case OpSetitems:
			if err := bindNow(); err != nil {
				return err
			}
			for i := 0; i+1 < len(op.Args); i += 2 {
				k, err := jr.expr(op.Args[i])
				if err != nil {
					return err
				}
				v, err := jr.expr(op.Args[i+1])
				if err != nil {
					return err
				}
				jr.stmts = append(jr.stmts, jr.setitemStmt(o.Varname, k, v))
			}
		case OpAdditems:
			if err := bindNow(); err != nil {
				return err
			}
			for _, a := range op.Args {
				v, err := jr.expr(a)
				if err != nil {
					return err
				}
				jr.stmts = append(jr.stmts, jr.callStmt("add", o.Varname, []func() error{v}))
			}
		}
	}

	if !bound {
		jr.stmts = append(jr.stmts, jr.assignStmt(o.Varname, cur))
	}
	return nil
}

func (jr *jsonRenderer) producingExpr(callee func() error, op *PyOper) (func() error, error) {
	var kind string
	var args []func() error
	var err error

	switch op.Op {
	case OpReduce:
		kind = "reduce"
		args, err = jr.tupleArgsEmits(op.Args[0])
	case OpNewobj:
		kind = "newobj"
		args, err = jr.tupleArgsEmits(op.Args[0])
	case OpInst:
		kind = "inst"
		args, err = jr.exprAll(op.Args)
	case OpObj:
		kind = "obj"
		args, err = jr.exprAll(op.Args)
	default:
		return nil, fmt.Errorf("pickledec: unexpected producing op %v", op.Op)
	}
	if err != nil {
		return nil, err
	}

	return func() error {
		if err := jr.sink.BeginObject(); err != nil {
			return err
		}
		if err := jr.sink.Key("kind"); err != nil {
			return err
		}
		if err := jr.sink.Value(kind); err != nil {
			return err
		}
		if err := jr.sink.Key("callee"); err != nil {
			return err
		}
		if err := callee(); err != nil {
			return err
		}
		if err := jr.sink.Key("args"); err != nil {
			return err
		}
		if err := jr.sink.BeginArray(); err != nil {
			return err
		}
		for _, a := range args {
			if err := a(); err != nil {
				return err
			}
		}
		if err := jr.sink.EndArray(); err != nil {
			return err
		}
		return jr.sink.EndObject()
	}, nil
}

func (jr *jsonRenderer) tupleArgsEmits(argtuple *PyObj) ([]func() error, error) {
	if argtuple.Varname == "" && argtuple.Type == PyTuple {
		return jr.exprAll(argtuple.items)
	}
	e, err := jr.expr(argtuple)
	if err != nil {
		return nil, err
	}
	return []func() error{e}, nil
}

func (jr *jsonRenderer) exprAll(items []*PyObj) ([]func() error, error) {
	out := make([]func() error, 0, len(items))
	for _, it := range items {
		e, err := jr.expr(it)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (jr *jsonRenderer) funcEmit(o *PyObj) (func() error, error) {
	module, name := o.module.Str(), o.name.Str()
	return func() error {
		if err := jr.sink.BeginObject(); err != nil {
			return err
		}
		if err := jr.sink.Key("kind"); err != nil {
			return err
		}
		if err := jr.sink.Value("func"); err != nil {
			return err
		}
		if err := jr.sink.Key("module"); err != nil {
			return err
		}
		if err := jr.sink.Value(module); err != nil {
			return err
		}
		if err := jr.sink.Key("name"); err != nil {
			return err
		}
		if err := jr.sink.Value(name); err != nil {
			return err
		}
		return jr.sink.EndObject()
	}, nil
}

func (jr *jsonRenderer) taggedValue(kind string, value any) func() error {
	return func() error {
		if err := jr.sink.BeginObject(); err != nil {
			return err
		}
		if err := jr.sink.Key("kind"); err != nil {
			return err
		}
		if err := jr.sink.Value(kind); err != nil {
			return err
		}
		if err := jr.sink.Key("value"); err != nil {
			return err
		}
		if err := jr.sink.Value(value); err != nil {
			return err
		}
		return jr.sink.EndObject()
	}
}

func (jr *jsonRenderer) seqExpr(kind string, items []*PyObj) (func() error, error) {
	emits, err := jr.exprAll(items)
	if err != nil {
		return nil, err
	}
	return func() error {
		if err := jr.sink.BeginObject(); err != nil {
			return err
		}
		if err := jr.sink.Key("kind"); err != nil {
			return err
		}
		if err := jr.sink.Value(kind); err != nil {
			return err
		}
		if err := jr.sink.Key("items"); err != nil {
			return err
		}
		if err := jr.sink.BeginArray(); err != nil {
			return err
		}
		for _, e := range emits {
			if err := e(); err != nil {
				return err
			}
		}
		if err := jr.sink.EndArray(); err != nil {
			return err
		}
		return jr.sink.EndObject()
	}, nil
}

func (jr *jsonRenderer) dictExpr(items []*PyObj) (func() error, error) {
	type pair struct{ k, v func() error }
	pairs := make([]pair, 0, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		k, err := jr.expr(items[i])
		if err != nil {
			return nil, err
		}
		v, err := jr.expr(items[i+1])
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair{k, v})
	}
	return func() error {
		if err := jr.sink.BeginObject(); err != nil {
			return err
		}
		if err := jr.sink.Key("kind"); err != nil {
			return err
		}
		if err := jr.sink.Value("dict"); err != nil {
			return err
		}
		if err := jr.sink.Key("items"); err != nil {
			return err
		}
		if err := jr.sink.BeginArray(); err != nil {
			return err
		}
		for _, p := range pairs {
			if err := jr.sink.BeginArray(); err != nil {
				return err
			}
			if err := p.k(); err != nil {
				return err
			}
			if err := p.v(); err != nil {
				return err
			}
			if err := jr.sink.EndArray(); err != nil {
				return err
			}
		}
		if err := jr.sink.EndArray(); err != nil {
			return err
		}
		return jr.sink.EndObject()
	}, nil
}

func (jr *jsonRenderer) inline(o *PyObj) (func() error, error) {
	switch o.Type {
	case PyNone:
		return jr.taggedValue("none", nil), nil
	case PyBool:
		return jr.taggedValue("bool", o.boolVal), nil
	case PyInt:
		return jr.taggedValue("int", o.intVal.String()), nil
	case PyFloat:
		return jr.taggedValue("float", o.floatVal), nil
	case PyStr:
		return jr.taggedValue("str", o.strVal), nil
	case PyTuple:
		return jr.seqExpr("tuple", o.items)
	case PyList:
		return jr.seqExpr("list", o.items)
	case PyDict:
		return jr.dictExpr(o.items)
	case PySet:
		return jr.seqExpr("set", o.items)
	case PyFrozenSet:
		return jr.seqExpr("frozenset", o.items)
	case PyFunc:
		return jr.funcEmit(o)
	case PyWhat:
		base := o.ops[0].Args[0]
		baseEmit, err := jr.expr(base)
		if err != nil {
			return nil, err
		}
		if len(o.ops) == 1 {
			return baseEmit, nil
		}
		return jr.producingExpr(baseEmit, o.ops[1])
	case PySplit:
		return jr.refEmit(o.split.owner.Varname), nil
	}
	return nil, fmt.Errorf("pickledec: cannot render PyObj of type %v", o.Type)
}
