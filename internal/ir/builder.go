package ir

import "fmt"

// Builder emits instructions at an insert point inside a block,
// in the style of an LLVM IRBuilder. A zero Builder is unusable;
// position it first.
type Builder struct {
	block    *Block
	at       int // insert index into block.Instrs; len == append
	fastMath bool
}

// NewBuilder returns a builder positioned at the end of b.
func NewBuilder(b *Block) *Builder {
	bld := &Builder{}
	bld.SetInsertPointAtEnd(b)
	return bld
}

// SetInsertPointAtEnd positions the builder after the last
// instruction of b.
func (bld *Builder) SetInsertPointAtEnd(b *Block) {
	bld.block = b
	bld.at = len(b.Instrs)
}

// SetInsertPointBefore positions the builder directly before in.
func (bld *Builder) SetInsertPointBefore(in *Instruction) {
	b := in.Block
	for i, cur := range b.Instrs {
		if cur == in {
			bld.block = b
			bld.at = i
			return
		}
	}
	panic(fmt.Sprintf("ir: instruction %%%s not in its block", in.Name()))
}

// Block returns the block the builder inserts into.
func (bld *Builder) Block() *Block { return bld.block }

// SetFastMath controls whether emitted floating-point operations
// carry the fast-math flag.
func (bld *Builder) SetFastMath(on bool) { bld.fastMath = on }

// FastMath reports the current fast-math flag.
func (bld *Builder) FastMath() bool { return bld.fastMath }

func (bld *Builder) insert(in *Instruction) *Instruction {
	if bld.block == nil {
		panic("ir: builder has no insert point")
	}
	in.Block = bld.block
	if in.Typ.Kind() != VoidKind && in.name == "" {
		in.name = bld.block.Parent.nextName()
	}
	instrs := bld.block.Instrs
	instrs = append(instrs, nil)
	copy(instrs[bld.at+1:], instrs[bld.at:])
	instrs[bld.at] = in
	bld.block.Instrs = instrs
	bld.at++
	return in
}

// CreateAlloca emits a stack allocation of t and returns the pointer.
func (bld *Builder) CreateAlloca(t Type, name string) *Instruction {
	return bld.insert(&Instruction{
		Op:        OpAlloca,
		Typ:       PointerTo(t),
		AllocType: t,
		name:      name,
	})
}

// CreateLoad emits a load of type t through ptr.
func (bld *Builder) CreateLoad(t Type, ptr Value) *Instruction {
	return bld.insert(&Instruction{Op: OpLoad, Typ: t, Operands: []Value{ptr}})
}

// CreateStore emits a store of v through ptr.
func (bld *Builder) CreateStore(v, ptr Value) *Instruction {
	return bld.insert(&Instruction{Op: OpStore, Typ: Void, Operands: []Value{v, ptr}})
}

// CreateMaskedLoad emits a predicated load: lanes with a false mask
// bit read from passthrough instead of memory.
func (bld *Builder) CreateMaskedLoad(t Type, ptr Value, align uint64, mask, passthrough Value) *Instruction {
	return bld.insert(&Instruction{
		Op:       OpMaskedLoad,
		Typ:      t,
		Operands: []Value{ptr, NewConstInt(I32, int64(align)), mask, passthrough},
		Align:    align,
	})
}

// CreateMaskedStore emits a predicated store: lanes with a false mask
// bit leave memory untouched.
func (bld *Builder) CreateMaskedStore(v, ptr Value, align uint64, mask Value) *Instruction {
	return bld.insert(&Instruction{
		Op:       OpMaskedStore,
		Typ:      Void,
		Operands: []Value{v, ptr, NewConstInt(I32, int64(align)), mask},
		Align:    align,
	})
}

// CreateFAdd emits a floating-point addition.
func (bld *Builder) CreateFAdd(a, c Value) *Instruction {
	return bld.insert(&Instruction{
		Op: OpFAdd, Typ: a.Type(), Operands: []Value{a, c}, FastMath: bld.fastMath,
	})
}

// CreateFSub emits a floating-point subtraction.
func (bld *Builder) CreateFSub(a, c Value) *Instruction {
	return bld.insert(&Instruction{
		Op: OpFSub, Typ: a.Type(), Operands: []Value{a, c}, FastMath: bld.fastMath,
	})
}

// CreateFMul emits a floating-point multiplication.
func (bld *Builder) CreateFMul(a, c Value) *Instruction {
	return bld.insert(&Instruction{
		Op: OpFMul, Typ: a.Type(), Operands: []Value{a, c}, FastMath: bld.fastMath,
	})
}

// CreateSelect emits cond ? ifTrue : ifFalse.
func (bld *Builder) CreateSelect(cond, ifTrue, ifFalse Value) *Instruction {
	return bld.insert(&Instruction{
		Op: OpSelect, Typ: ifTrue.Type(), Operands: []Value{cond, ifTrue, ifFalse},
	})
}

// CreateBitCast emits a bitwise reinterpretation of v as type to.
// Source and destination must have equal bit width.
func (bld *Builder) CreateBitCast(v Value, to Type) *Instruction {
	if !BitCastLegal(v.Type(), to) {
		panic(fmt.Sprintf("ir: illegal bitcast from %s to %s", v.Type(), to))
	}
	if IsPointer(v.Type()) != IsPointer(to) {
		panic(fmt.Sprintf("ir: bitcast cannot mix pointer and data types (%s to %s)", v.Type(), to))
	}
	return bld.insert(&Instruction{Op: OpBitCast, Typ: to, Operands: []Value{v}})
}

// BitCastLegal reports whether a value of type from can be bitcast to
// to under the default layout.
func BitCastLegal(from, to Type) bool {
	if IsPointer(from) && IsPointer(to) {
		return from.(*PointerType).AddrSpace == to.(*PointerType).AddrSpace
	}
	if IsPointer(from) || IsPointer(to) {
		return false
	}
	return DefaultLayout.BitSize(from) == DefaultLayout.BitSize(to)
}

// CreatePointerCast emits a pointer retype within the same address
// space.
func (bld *Builder) CreatePointerCast(v Value, to *PointerType) *Instruction {
	pt, ok := v.Type().(*PointerType)
	if !ok {
		panic(fmt.Sprintf("ir: pointercast of non-pointer %s", v.Type()))
	}
	if pt.AddrSpace != to.AddrSpace {
		panic(fmt.Sprintf("ir: pointercast cannot change address space %d to %d", pt.AddrSpace, to.AddrSpace))
	}
	return bld.insert(&Instruction{Op: OpPointerCast, Typ: to, Operands: []Value{v}})
}

// CreateAddrSpaceCast emits a cast of a pointer into another address
// space.
func (bld *Builder) CreateAddrSpaceCast(v Value, to *PointerType) *Instruction {
	if !IsPointer(v.Type()) {
		panic(fmt.Sprintf("ir: addrspacecast of non-pointer %s", v.Type()))
	}
	return bld.insert(&Instruction{Op: OpAddrSpaceCast, Typ: to, Operands: []Value{v}})
}

// CreateInBoundsGEP emits an in-bounds address computation. pointee
// is the type base points at; the first index steps over whole
// pointees, later indices descend into aggregates.
func (bld *Builder) CreateInBoundsGEP(pointee Type, base Value, idxs []Value) *Instruction {
	bt, ok := base.Type().(*PointerType)
	if !ok {
		panic(fmt.Sprintf("ir: gep base is not a pointer: %s", base.Type()))
	}
	elem := pointee
	for _, idx := range idxs[1:] {
		switch et := elem.(type) {
		case *StructType:
			ci, ok := idx.(*ConstInt)
			if !ok {
				panic("ir: gep struct index must be a constant")
			}
			elem = et.Fields[ci.V]
		case *ArrayType:
			elem = et.Elem
		case *VectorType:
			elem = et.Elem
		default:
			panic(fmt.Sprintf("ir: gep cannot index into %s", elem))
		}
	}
	ops := append([]Value{base}, idxs...)
	return bld.insert(&Instruction{
		Op:       OpGEP,
		Typ:      &PointerType{Elem: elem, AddrSpace: bt.AddrSpace},
		Operands: ops,
		InBounds: true,
	})
}

// CreateExtractValue emits extraction of the idx-th member of an
// aggregate.
func (bld *Builder) CreateExtractValue(agg Value, idx int) *Instruction {
	var t Type
	switch at := agg.Type().(type) {
	case *StructType:
		t = at.Fields[idx]
	case *ArrayType:
		t = at.Elem
	default:
		panic(fmt.Sprintf("ir: extractvalue from non-aggregate %s", agg.Type()))
	}
	return bld.insert(&Instruction{
		Op: OpExtractValue, Typ: t, Operands: []Value{agg}, Indices: []int{idx},
	})
}

// CreateInsertValue emits replacement of the idx-th member of an
// aggregate.
func (bld *Builder) CreateInsertValue(agg, v Value, idx int) *Instruction {
	return bld.insert(&Instruction{
		Op: OpInsertValue, Typ: agg.Type(), Operands: []Value{agg, v}, Indices: []int{idx},
	})
}

// CreateExtractElement emits extraction of one vector lane.
func (bld *Builder) CreateExtractElement(vec, idx Value) *Instruction {
	vt, ok := vec.Type().(*VectorType)
	if !ok {
		panic(fmt.Sprintf("ir: extractelement from non-vector %s", vec.Type()))
	}
	return bld.insert(&Instruction{
		Op: OpExtractElement, Typ: vt.Elem, Operands: []Value{vec, idx},
	})
}

// CreateInsertElement emits replacement of one vector lane.
func (bld *Builder) CreateInsertElement(vec, v, idx Value) *Instruction {
	return bld.insert(&Instruction{
		Op: OpInsertElement, Typ: vec.Type(), Operands: []Value{vec, v, idx},
	})
}

// CreateAtomicFAdd emits a monotonic atomic floating-point add of v
// into the memory at ptr, returning the old value.
func (bld *Builder) CreateAtomicFAdd(ptr, v Value, align uint64) *Instruction {
	return bld.insert(&Instruction{
		Op: OpAtomicRMWFAdd, Typ: v.Type(), Operands: []Value{ptr, v}, Align: align,
	})
}

// CreateCall emits a call to a named external function.
func (bld *Builder) CreateCall(ret Type, callee string, args []Value) *Instruction {
	return bld.insert(&Instruction{Op: OpCall, Typ: ret, Operands: args, Callee: callee})
}

// CreatePlaceholder emits a forward-declared value of type t that
// must later be replaced wholesale via Func.ReplaceAllUses.
func (bld *Builder) CreatePlaceholder(t Type, name string) *Instruction {
	return bld.insert(&Instruction{Op: OpPlaceholder, Typ: t, name: name})
}

// CreateBr emits an unconditional branch terminator.
func (bld *Builder) CreateBr(dst *Block) *Instruction {
	return bld.insert(&Instruction{Op: OpBr, Typ: Void, Callee: dst.Name})
}

// CreateRetVoid emits a void return terminator.
func (bld *Builder) CreateRetVoid() *Instruction {
	return bld.insert(&Instruction{Op: OpRet, Typ: Void})
}
