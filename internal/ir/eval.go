package ir

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Memory is a byte-addressed allocation visible to the evaluator:
// either the backing of an alloca or an externally bound buffer.
type Memory struct {
	bytes []byte
	freed bool
	name  string
}

// Bytes returns the backing storage. Reading and writing it between
// runs is allowed; that is how tests seed and inspect memory.
func (m *Memory) Bytes() []byte { return m.bytes }

// Freed reports whether a deallocation call consumed this memory.
func (m *Memory) Freed() bool { return m.freed }

// pointer is the runtime representation of a pointer value.
type pointer struct {
	mem *Memory
	off int64
}

// rtVal is the runtime representation of any SSA value: raw bytes for
// data, a pointer handle for pointers.
type rtVal struct {
	b []byte
	p *pointer
}

// Evaluator executes emitted straight-line IR so tests can observe
// the numeric behavior of generated derivative code. It is a
// reference interpreter, not an execution engine: it supports exactly
// the instruction subset the differentiation pass emits.
type Evaluator struct {
	layout  *DataLayout
	env     map[Value]rtVal
	allocas map[*Instruction]*Memory
	handles []*pointer

	// AtomicAdds records every executed atomic fadd, in order.
	AtomicAdds []*Instruction
	// Calls records every executed call, in order.
	Calls []*Instruction
}

// NewEvaluator returns an evaluator over the given layout.
func NewEvaluator(layout *DataLayout) *Evaluator {
	if layout == nil {
		layout = DefaultLayout
	}
	return &Evaluator{
		layout:  layout,
		env:     make(map[Value]rtVal),
		allocas: make(map[*Instruction]*Memory),
	}
}

// BindBytes binds a non-pointer value (usually an Argument) to raw
// bytes.
func (ev *Evaluator) BindBytes(v Value, b []byte) {
	ev.env[v] = rtVal{b: append([]byte(nil), b...)}
}

// BindFloat64 binds v to a double value.
func (ev *Evaluator) BindFloat64(v Value, x float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(x))
	ev.BindBytes(v, b[:])
}

// BindFloat32 binds v to a single-precision value.
func (ev *Evaluator) BindFloat32(v Value, x float32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(x))
	ev.BindBytes(v, b[:])
}

// BindMemory binds a pointer-typed value to a fresh zeroed buffer of
// the given byte size and returns it.
func (ev *Evaluator) BindMemory(v Value, size int) *Memory {
	m := &Memory{bytes: make([]byte, size), name: v.Name()}
	ev.env[v] = rtVal{p: &pointer{mem: m}}
	return m
}

// NewMemory allocates a named buffer that is not bound to any SSA
// value. Hand it to running code through StorePointer.
func (ev *Evaluator) NewMemory(name string, size int) *Memory {
	return &Memory{bytes: make([]byte, size), name: name}
}

// StorePointer writes a pointer to target at byte offset off inside
// m, in the same encoding Run uses for pointers in memory.
func (ev *Evaluator) StorePointer(m *Memory, off int, target *Memory) {
	h := ev.intern(&pointer{mem: target})
	binary.LittleEndian.PutUint64(m.bytes[off:off+8], h)
}

func (ev *Evaluator) intern(p *pointer) uint64 {
	ev.handles = append(ev.handles, p)
	return uint64(len(ev.handles)) // handle 0 is the null pointer
}

func (ev *Evaluator) lookupHandle(h uint64) *pointer {
	if h == 0 || h > uint64(len(ev.handles)) {
		panic(fmt.Sprintf("ir: load of invalid pointer handle %d", h))
	}
	return ev.handles[h-1]
}

// AllocaMemory returns the backing memory of an executed alloca.
func (ev *Evaluator) AllocaMemory(in *Instruction) *Memory {
	m, ok := ev.allocas[in]
	if !ok {
		panic(fmt.Sprintf("ir: alloca %%%s was not executed", in.Name()))
	}
	return m
}

// Bytes returns the raw bytes of a computed (non-pointer) value.
func (ev *Evaluator) Bytes(v Value) []byte {
	return append([]byte(nil), ev.eval(v).b...)
}

// Float64 decodes a computed double value.
func (ev *Evaluator) Float64(v Value) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(ev.eval(v).b))
}

// Float32 decodes a computed single-precision value.
func (ev *Evaluator) Float32(v Value) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(ev.eval(v).b))
}

// Run executes the instructions of the given blocks in order,
// stopping at (and not executing) terminators.
func (ev *Evaluator) Run(blocks ...*Block) {
	for _, b := range blocks {
		for _, in := range b.Instrs {
			if in.IsTerminator() {
				break
			}
			ev.step(in)
		}
	}
}

func (ev *Evaluator) step(in *Instruction) {
	switch in.Op {
	case OpAlloca:
		size := ev.layout.StoreSize(in.AllocType)
		m := &Memory{bytes: make([]byte, size), name: in.Name()}
		ev.allocas[in] = m
		ev.env[in] = rtVal{p: &pointer{mem: m}}

	case OpLoad:
		p := ev.pointerOf(in.Operands[0])
		ev.env[in] = ev.loadTyped(p, in.Typ)

	case OpStore:
		v := ev.eval(in.Operands[0])
		p := ev.pointerOf(in.Operands[1])
		ev.storeTyped(p, in.Operands[0].Type(), v)

	case OpMaskedLoad:
		p := ev.pointerOf(in.Operands[0])
		mask := ev.eval(in.Operands[2])
		pass := ev.eval(in.Operands[3])
		vt := in.Typ.(*VectorType)
		es := int(ev.layout.StoreSize(vt.Elem))
		out := append([]byte(nil), pass.b...)
		mem := ev.memBytes(p, int64(es*vt.Len))
		for lane := 0; lane < vt.Len; lane++ {
			if mask.b[lane] != 0 {
				copy(out[lane*es:(lane+1)*es], mem[lane*es:(lane+1)*es])
			}
		}
		ev.env[in] = rtVal{b: out}

	case OpMaskedStore:
		v := ev.eval(in.Operands[0])
		p := ev.pointerOf(in.Operands[1])
		mask := ev.eval(in.Operands[3])
		vt := in.Operands[0].Type().(*VectorType)
		es := int(ev.layout.StoreSize(vt.Elem))
		mem := ev.memBytes(p, int64(es*vt.Len))
		for lane := 0; lane < vt.Len; lane++ {
			if mask.b[lane] != 0 {
				copy(mem[lane*es:(lane+1)*es], v.b[lane*es:(lane+1)*es])
			}
		}

	case OpFAdd, OpFSub, OpFMul:
		a := ev.eval(in.Operands[0])
		c := ev.eval(in.Operands[1])
		ev.env[in] = rtVal{b: ev.floatArith(in.Op, in.Operands[0].Type(), a.b, c.b)}

	case OpSelect:
		cond := ev.eval(in.Operands[0])
		t := ev.eval(in.Operands[1])
		f := ev.eval(in.Operands[2])
		if cond.b[0] != 0 {
			ev.env[in] = t
		} else {
			ev.env[in] = f
		}

	case OpBitCast:
		v := ev.eval(in.Operands[0])
		if v.p != nil {
			ev.env[in] = v
		} else {
			ev.env[in] = rtVal{b: append([]byte(nil), v.b...)}
		}

	case OpPointerCast, OpAddrSpaceCast:
		ev.env[in] = ev.eval(in.Operands[0])

	case OpGEP:
		base := ev.pointerOf(in.Operands[0])
		pointee := in.Operands[0].Type().(*PointerType).Elem
		off := base.off
		first := ev.constIndex(in.Operands[1])
		off += first * int64(ev.layout.StoreSize(pointee))
		elem := pointee
		for _, idxv := range in.Operands[2:] {
			idx := ev.constIndex(idxv)
			switch et := elem.(type) {
			case *StructType:
				off += int64(ev.layout.FieldOffset(et, int(idx)))
				elem = et.Fields[idx]
			case *ArrayType:
				off += idx * int64(ev.layout.StoreSize(et.Elem))
				elem = et.Elem
			case *VectorType:
				off += idx * int64(ev.layout.StoreSize(et.Elem))
				elem = et.Elem
			default:
				panic(fmt.Sprintf("ir: gep through %s", elem))
			}
		}
		ev.env[in] = rtVal{p: &pointer{mem: base.mem, off: off}}

	case OpExtractValue:
		agg := ev.eval(in.Operands[0])
		off, t := ev.memberSlice(in.Operands[0].Type(), in.Indices[0])
		size := int64(ev.layout.StoreSize(t))
		ev.env[in] = rtVal{b: append([]byte(nil), agg.b[off:off+size]...)}

	case OpInsertValue:
		agg := ev.eval(in.Operands[0])
		v := ev.eval(in.Operands[1])
		off, t := ev.memberSlice(in.Operands[0].Type(), in.Indices[0])
		out := append([]byte(nil), agg.b...)
		copy(out[off:off+int64(ev.layout.StoreSize(t))], v.b)
		ev.env[in] = rtVal{b: out}

	case OpExtractElement:
		vec := ev.eval(in.Operands[0])
		vt := in.Operands[0].Type().(*VectorType)
		es := int64(ev.layout.StoreSize(vt.Elem))
		i := ev.constIndex(in.Operands[1])
		ev.env[in] = rtVal{b: append([]byte(nil), vec.b[i*es:(i+1)*es]...)}

	case OpInsertElement:
		vec := ev.eval(in.Operands[0])
		v := ev.eval(in.Operands[1])
		vt := in.Operands[0].Type().(*VectorType)
		es := int64(ev.layout.StoreSize(vt.Elem))
		i := ev.constIndex(in.Operands[2])
		out := append([]byte(nil), vec.b...)
		copy(out[i*es:(i+1)*es], v.b)
		ev.env[in] = rtVal{b: out}

	case OpAtomicRMWFAdd:
		p := ev.pointerOf(in.Operands[0])
		v := ev.eval(in.Operands[1])
		t := in.Operands[1].Type()
		old := ev.loadTyped(p, t)
		sum := ev.floatArith(OpFAdd, t, old.b, v.b)
		ev.storeTyped(p, t, rtVal{b: sum})
		ev.env[in] = old
		ev.AtomicAdds = append(ev.AtomicAdds, in)

	case OpCall:
		ev.Calls = append(ev.Calls, in)
		if in.Callee == "free" {
			p := ev.pointerOf(in.Operands[0])
			if p.mem.freed {
				panic(fmt.Sprintf("ir: double free of %s", p.mem.name))
			}
			p.mem.freed = true
			return
		}
		if in.Typ.Kind() != VoidKind {
			ev.env[in] = rtVal{b: make([]byte, ev.layout.StoreSize(in.Typ))}
		}

	case OpPlaceholder:
		panic(fmt.Sprintf("ir: executed unresolved placeholder %%%s", in.Name()))

	default:
		panic(fmt.Sprintf("ir: evaluator does not support %s", in.Op))
	}
}

func (ev *Evaluator) eval(v Value) rtVal {
	if rv, ok := ev.env[v]; ok {
		return rv
	}
	if IsConstant(v) {
		return rtVal{b: ev.encodeConst(v)}
	}
	panic(fmt.Sprintf("ir: value %%%s has no binding", v.Name()))
}

func (ev *Evaluator) pointerOf(v Value) *pointer {
	rv := ev.eval(v)
	if rv.p == nil {
		panic(fmt.Sprintf("ir: %%%s is not a pointer at runtime", v.Name()))
	}
	return rv.p
}

func (ev *Evaluator) memBytes(p *pointer, size int64) []byte {
	if p.mem.freed {
		panic(fmt.Sprintf("ir: access to freed memory %s", p.mem.name))
	}
	if p.off < 0 || p.off+size > int64(len(p.mem.bytes)) {
		panic(fmt.Sprintf("ir: out-of-bounds access at %s+%d (size %d of %d)",
			p.mem.name, p.off, size, len(p.mem.bytes)))
	}
	return p.mem.bytes[p.off : p.off+size]
}

func (ev *Evaluator) loadTyped(p *pointer, t Type) rtVal {
	if IsPointer(t) {
		h := binary.LittleEndian.Uint64(ev.memBytes(p, 8))
		return rtVal{p: ev.lookupHandle(h)}
	}
	size := int64(ev.layout.StoreSize(t))
	return rtVal{b: append([]byte(nil), ev.memBytes(p, size)...)}
}

func (ev *Evaluator) storeTyped(p *pointer, t Type, v rtVal) {
	if IsPointer(t) {
		h := ev.intern(v.p)
		binary.LittleEndian.PutUint64(ev.memBytes(p, 8), h)
		return
	}
	copy(ev.memBytes(p, int64(len(v.b))), v.b)
}

func (ev *Evaluator) constIndex(v Value) int64 {
	if ci, ok := v.(*ConstInt); ok {
		return ci.V
	}
	rv := ev.eval(v)
	switch len(rv.b) {
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(rv.b)))
	case 8:
		return int64(binary.LittleEndian.Uint64(rv.b))
	default:
		panic("ir: unsupported index width")
	}
}

func (ev *Evaluator) memberSlice(agg Type, idx int) (int64, Type) {
	switch at := agg.(type) {
	case *StructType:
		return int64(ev.layout.FieldOffset(at, idx)), at.Fields[idx]
	case *ArrayType:
		return int64(idx) * int64(ev.layout.StoreSize(at.Elem)), at.Elem
	default:
		panic(fmt.Sprintf("ir: member access into %s", agg))
	}
}

func (ev *Evaluator) floatArith(op Opcode, t Type, a, c []byte) []byte {
	elem := t
	lanes := 1
	if vt, ok := t.(*VectorType); ok {
		elem = vt.Elem
		lanes = vt.Len
	}
	ft, ok := elem.(*FloatType)
	if !ok {
		panic(fmt.Sprintf("ir: float arithmetic on %s", t))
	}
	es := int(ev.layout.StoreSize(ft))
	out := make([]byte, es*lanes)
	for lane := 0; lane < lanes; lane++ {
		al := a[lane*es : (lane+1)*es]
		cl := c[lane*es : (lane+1)*es]
		ol := out[lane*es : (lane+1)*es]
		switch ft.Bits {
		case 32:
			x := math.Float32frombits(binary.LittleEndian.Uint32(al))
			y := math.Float32frombits(binary.LittleEndian.Uint32(cl))
			var r float32
			switch op {
			case OpFAdd:
				r = x + y
			case OpFSub:
				r = x - y
			case OpFMul:
				r = x * y
			}
			binary.LittleEndian.PutUint32(ol, math.Float32bits(r))
		case 64:
			x := math.Float64frombits(binary.LittleEndian.Uint64(al))
			y := math.Float64frombits(binary.LittleEndian.Uint64(cl))
			var r float64
			switch op {
			case OpFAdd:
				r = x + y
			case OpFSub:
				r = x - y
			case OpFMul:
				r = x * y
			}
			binary.LittleEndian.PutUint64(ol, math.Float64bits(r))
		default:
			panic(fmt.Sprintf("ir: arithmetic on %d-bit float unsupported", ft.Bits))
		}
	}
	return out
}

func (ev *Evaluator) encodeConst(v Value) []byte {
	switch c := v.(type) {
	case *ConstInt:
		size := ev.layout.StoreSize(c.Typ)
		b := make([]byte, size)
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(c.V))
		copy(b, tmp[:min(int(size), 8)])
		return b
	case *ConstFloat:
		switch c.Typ.Bits {
		case 32:
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(c.V)))
			return b
		case 64:
			b := make([]byte, 8)
			binary.LittleEndian.PutUint64(b, math.Float64bits(c.V))
			return b
		default:
			panic(fmt.Sprintf("ir: cannot encode %d-bit float constant", c.Typ.Bits))
		}
	case *ConstZero:
		return make([]byte, ev.layout.StoreSize(c.Typ))
	case *ConstNull:
		return make([]byte, ev.layout.PointerBytes)
	case *ConstVector:
		es := ev.layout.StoreSize(c.Typ.Elem)
		b := make([]byte, 0, uint64(len(c.Elems))*es)
		for _, e := range c.Elems {
			b = append(b, ev.encodeConst(e)...)
		}
		return b
	default:
		panic(fmt.Sprintf("ir: cannot encode constant %T", v))
	}
}
