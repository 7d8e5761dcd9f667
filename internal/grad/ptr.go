package grad

import (
	"fmt"

	"github.com/adjoint-ml/adjoint/internal/ir"
)

// AddToInvertedPtrDiffe accumulates dif into the memory addressed by
// origptr's shadow, covering size bytes starting start bytes into the
// pointee. It is used when the destination is reached through memory
// rather than through a named value's own slot.
//
// Because the destination may be shared between concurrently
// executing instances of the differentiated function, the addition
// uses an atomic floating-point add when the policy asks for atomics,
// unless the underlying allocation provably cannot race: a stack
// allocation on a GPU target, or a derivative-only shadow private to
// this invocation. The non-atomic path attaches alias scopes that
// disambiguate each derivative lane's accesses from the others so
// the host optimizer may still reorder them.
//
// orig is the original memory instruction this accumulation derives
// from; its aliasing and location metadata is carried onto
// full-range accumulates. align is the destination alignment, 0 for
// unknown. mask predicates the non-atomic path lane-wise; masked
// atomic accumulation is unsupported.
func (gu *Utils) AddToInvertedPtrDiffe(orig *ir.Instruction, addingType ir.Type, start, size uint64, origptr, dif ir.Value, b *ir.Builder, align uint64, mask ir.Value) {
	layout := gu.layout()

	addingSize := (gu.layout().BitSize(addingType) + 7) / 8
	if addingSize != size {
		if size <= addingSize {
			panic(fmt.Sprintf("grad: accumulating %d bytes as %s (%d bytes)",
				size, addingType, addingSize))
		}
		addingType = ir.VectorOf(addingType, int(size/addingSize))
		size = (size / addingSize) * addingSize
	}

	origPtrType, ok := origptr.Type().(*ir.PointerType)
	if !ok {
		panic(fmt.Sprintf("grad: AddToInvertedPtrDiffe of non-pointer %%%s (%s)",
			origptr.Name(), origptr.Type()))
	}

	var ptr ir.Value
	switch {
	case gu.cfg.Mode.IsForward():
		ptr = gu.invertPointer(origptr, b)
	case gu.cfg.Mode.IsReverse():
		ptr = gu.lookup.LookupM(gu.invertPointer(origptr, b), b)
	default:
		panic(fmt.Sprintf("grad: invalid derivative mode %s", gu.cfg.Mode))
	}

	// Retype and offset the destination pointer to view exactly the
	// bytes being accumulated.
	needsCast := !ir.SameType(origPtrType.Elem, addingType)
	if start != 0 || needsCast {
		rule := func(args ...ir.Value) ir.Value {
			p := args[0]
			as := p.Type().(*ir.PointerType).AddrSpace
			if start != 0 {
				p = b.CreatePointerCast(p, &ir.PointerType{Elem: ir.I8, AddrSpace: as})
				off := ir.NewConstInt(ir.I64, int64(start))
				p = b.CreateInBoundsGEP(ir.I8, p, []ir.Value{off})
			}
			if needsCast {
				p = b.CreatePointerCast(p, &ir.PointerType{Elem: addingType, AddrSpace: as})
			}
			return p
		}
		ptr = gu.applyChainRule(
			&ir.PointerType{Elem: addingType, AddrSpace: origPtrType.AddrSpace},
			b, rule, ptr)
	}

	// Reinterpret the contribution to the adding type, going through
	// a byte-addressed stack slot when a direct reinterpretation is
	// not legal.
	difNeedsCast := false
	if gu.cfg.Width == 1 {
		difNeedsCast = !ir.SameType(dif.Type(), addingType)
	} else if at, ok := dif.Type().(*ir.ArrayType); ok {
		difNeedsCast = !ir.SameType(at.Elem, addingType)
	} else if vt, ok := dif.Type().(*ir.VectorType); ok {
		difNeedsCast = !ir.SameType(vt.Elem, addingType)
	} else {
		panic(fmt.Sprintf("grad: width-%d contribution of non-collection type %s",
			gu.cfg.Width, dif.Type()))
	}

	if start != 0 || difNeedsCast {
		rule := func(args ...ir.Value) ir.Value {
			d := args[0]
			if start != 0 {
				entry := ir.NewBuilder(gu.AllocationBlock)
				prevSize := (layout.BitSize(d.Type()) + 7) / 8
				st := ir.PackedStructOf(
					ir.ArrayOf(ir.I8, int(start)),
					addingType,
					ir.ArrayOf(ir.I8, int(prevSize-start-size)),
				)
				al := entry.CreateAlloca(st, "")
				b.CreateStore(d, b.CreatePointerCast(al, ir.PointerTo(d.Type())))
				difp := b.CreateInBoundsGEP(st, al, []ir.Value{
					ir.NewConstInt(ir.I64, 0),
					ir.NewConstInt(ir.I32, 1),
				})
				d = b.CreateLoad(addingType, difp)
			}
			if !ir.SameType(d.Type(), addingType) {
				difSize := (layout.BitSize(d.Type()) + 7) / 8
				if difSize < size {
					panic(fmt.Sprintf("grad: contribution of %d bytes smaller than destination %d bytes (%s into %s)",
						difSize, size, d.Type(), addingType))
				}
				if ir.BitCastLegal(d.Type(), addingType) {
					d = b.CreateBitCast(d, addingType)
				} else {
					entry := ir.NewBuilder(gu.AllocationBlock)
					al := entry.CreateAlloca(addingType, "")
					b.CreateStore(d, b.CreatePointerCast(al, ir.PointerTo(d.Type())))
					d = b.CreateLoad(addingType, al)
				}
			}
			return d
		}
		dif = gu.applyChainRule(addingType, b, rule, dif)
	}

	tmpOrig := underlyingObject(origptr)

	atomic := gu.cfg.AtomicAdd
	// Local memory on GPU targets cannot be raced upon by other
	// threads of the same kernel.
	if in, ok := tmpOrig.(*ir.Instruction); ok && in.Op == ir.OpAlloca && gu.arch().IsGPU() {
		atomic = false
	}
	// Derivative-only shadows are created in this invocation and
	// never escape; any extra parallelism is outlined.
	if gu.backwardsOnlyShadows[tmpOrig] {
		atomic = false
	}

	if atomic {
		gu.atomicAccumulate(addingType, start, origPtrType, ptr, dif, b, align, mask)
		return
	}

	if mask == nil {
		gu.plainAccumulate(orig, addingType, start, size, origptr, ptr, dif, b, align)
		return
	}
	gu.maskedAccumulate(addingType, start, ptr, dif, b, align, mask)
}

// atomicAccumulate emits atomic floating-point adds, one per vector
// lane; no atomic vector primitive is assumed.
func (gu *Utils) atomicAccumulate(addingType ir.Type, start uint64, origPtrType *ir.PointerType, ptr, dif ir.Value, b *ir.Builder, align uint64, mask ir.Value) {
	// AMDGCN cannot perform atomics in the constant address space
	// (4); shadows of such pointers live in global memory (1).
	if gu.arch() == ir.AMDGCN && origPtrType.AddrSpace == 4 {
		rule := func(args ...ir.Value) ir.Value {
			return b.CreateAddrSpaceCast(args[0], &ir.PointerType{Elem: addingType, AddrSpace: 1})
		}
		ptr = gu.applyChainRule(&ir.PointerType{Elem: addingType, AddrSpace: 1}, b, rule, ptr)
	}

	if mask != nil {
		panic("grad: unhandled masked atomic accumulation")
	}

	alignv := align
	if alignv != 0 && start != 0 && start%alignv != 0 {
		// The offset breaks the known alignment; degrade to 1.
		alignv = 1
	}

	if vt, ok := addingType.(*ir.VectorType); ok {
		rule := func(args ...ir.Value) {
			d, p := args[0], args[1]
			for i := 0; i < vt.Len; i++ {
				vdif := b.CreateExtractElement(d, ir.NewConstInt(ir.I32, int64(i)))
				vptr := b.CreateInBoundsGEP(addingType, p, []ir.Value{
					ir.NewConstInt(ir.I64, 0),
					ir.NewConstInt(ir.I32, int64(i)),
				})
				b.CreateAtomicFAdd(vptr, vdif, alignv)
			}
		}
		gu.applyChainRuleVoid(b, rule, dif, ptr)
		return
	}

	rule := func(args ...ir.Value) {
		d, p := args[0], args[1]
		b.CreateAtomicFAdd(p, d, alignv)
	}
	gu.applyChainRuleVoid(b, rule, dif, ptr)
}

// plainAccumulate emits load, add, store with alias metadata keeping
// the derivative lanes disambiguated from one another and from the
// primal accesses.
func (gu *Utils) plainAccumulate(orig *ir.Instruction, addingType ir.Type, start, size uint64, origptr, ptr, dif ir.Value, b *ir.Builder, align uint64) {
	layout := gu.layout()
	idx := 0
	rule := func(args ...ir.Value) {
		p, d := args[0], args[1]
		li := b.CreateLoad(addingType, p)
		res := b.CreateFAdd(li, d)
		st := b.CreateStore(res, p)

		scopes := []*ir.MDNode{gu.derivativeAliasScope(origptr, idx)}
		scopes = appendScopeOps(scopes, orig.Metadata(ir.MDAliasScope))
		scope := ir.NewMDList(scopes...)
		li.SetMetadata(ir.MDAliasScope, scope)
		st.SetMetadata(ir.MDAliasScope, scope)

		var noalias []*ir.MDNode
		for j := -1; j < gu.cfg.Width; j++ {
			if j != idx {
				noalias = append(noalias, gu.derivativeAliasScope(origptr, j))
			}
		}
		noalias = appendScopeOps(noalias, orig.Metadata(ir.MDNoAlias))
		noscope := ir.NewMDList(noalias...)
		li.SetMetadata(ir.MDNoAlias, noscope)
		st.SetMetadata(ir.MDNoAlias, noscope)
		idx++

		if start == 0 && size == (layout.BitSize(orig.Typ)+7)/8 {
			// The accumulate spans the value's whole byte range, so
			// the original access's typing and location still apply.
			li.CopyMetadata(orig, ir.MDToCopy...)
			li.Loc = orig.Loc
			st.CopyMetadata(orig, ir.MDTBAA, ir.MDTBAAStruct)
			st.Loc = orig.Loc
		}

		if align != 0 {
			alignv := align
			if start != 0 && start%alignv != 0 {
				alignv = 1
			}
			li.Align = alignv
			st.Align = alignv
		}
	}
	gu.applyChainRuleVoid(b, rule, ptr, dif)
}

// maskedAccumulate emits the predicated load/add/store sequence.
func (gu *Utils) maskedAccumulate(addingType ir.Type, start uint64, ptr, dif ir.Value, b *ir.Builder, align uint64, mask ir.Value) {
	aligni := align
	if aligni != 0 && start != 0 && start%aligni != 0 {
		aligni = 1
	}
	rule := func(args ...ir.Value) {
		p, d := args[0], args[1]
		li := b.CreateMaskedLoad(addingType, p, aligni, mask, ir.ZeroOf(d.Type()))
		res := b.CreateFAdd(li, d)
		b.CreateMaskedStore(res, p, aligni, mask)
	}
	gu.applyChainRuleVoid(b, rule, ptr, dif)
}

// appendScopeOps appends the scopes referenced by md (a scope node or
// a list of them) to dst.
func appendScopeOps(dst []*ir.MDNode, md *ir.MDNode) []*ir.MDNode {
	if md == nil {
		return dst
	}
	if md.Name != "" {
		return append(dst, md)
	}
	return append(dst, md.Ops...)
}
