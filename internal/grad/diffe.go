package grad

import (
	"fmt"

	"github.com/adjoint-ml/adjoint/internal/ir"
)

// AddToDiffe accumulates dif into val's shadow slot: the slot is
// loaded, the contribution added, and the sum stored back. It is the
// only sanctioned way to merge multiple derivative contributions.
//
// addingType resolves integer-typed slots that hold the bit pattern
// of a float: when the slot's stored type is an integer, the load and
// the contribution are reinterpreted to addingType, added there, and
// the sum reinterpreted back. When no hint is supplied and the loose
// type policy is enabled, 64- and 32-bit integer slots fall back to
// double and float respectively.
//
// idxs narrows the accumulation to one leaf of an aggregate slot.
// mask predicates the final store lane-wise; masked accumulation is
// only legal for scalar/vector leaves, never together with aggregate
// recursion.
//
// The returned instructions are the selects created by fusing a
// conditional contribution (select of zero and X) into a conditional
// store, in creation order; a caller that needs to rewrite the
// accumulate later can retract them.
func (gu *Utils) AddToDiffe(val, dif ir.Value, b *ir.Builder, addingType ir.Type, idxs []ir.Value, mask ir.Value) []*ir.Instruction {
	if !gu.cfg.Mode.IsReverse() {
		panic(fmt.Sprintf("grad: AddToDiffe in non-reverse mode %s", gu.cfg.Mode))
	}
	gu.assertOwned(val)

	var addedSelects []*ir.Instruction

	// 0 - x contributions accumulate as a subtraction instead of
	// materializing the negation.
	faddForNeg := func(old, inc ir.Value) ir.Value {
		if bi, ok := inc.(*ir.Instruction); ok && bi.Op == ir.OpFSub {
			if ir.IsZeroValue(bi.Operands[0]) {
				return b.CreateFSub(old, bi.Operands[1])
			}
		}
		return b.CreateFAdd(old, inc)
	}

	// Fuse the add of a conditional contribution into a conditional
	// result, so the zero branch never materializes an addition and
	// later passes can still see the predicate.
	faddForSelect := func(old, dif ir.Value) ir.Value {
		if sel, ok := dif.(*ir.Instruction); ok && sel.Op == ir.OpSelect {
			cond, tv, fv := sel.Operands[0], sel.Operands[1], sel.Operands[2]
			if ir.IsZeroValue(tv) {
				res := b.CreateSelect(cond, old, faddForNeg(old, fv))
				addedSelects = append(addedSelects, res)
				return res
			}
			if ir.IsZeroValue(fv) {
				res := b.CreateSelect(cond, faddForNeg(old, tv), old)
				addedSelects = append(addedSelects, res)
				return res
			}
		}

		// The same fusion through a single reinterpretation of the
		// conditional contribution.
		if bc, ok := dif.(*ir.Instruction); ok && bc.Op == ir.OpBitCast {
			if sel, ok := bc.Operands[0].(*ir.Instruction); ok && sel.Op == ir.OpSelect {
				cond, tv, fv := sel.Operands[0], sel.Operands[1], sel.Operands[2]
				if ir.IsZeroValue(tv) {
					res := b.CreateSelect(cond, old,
						faddForNeg(old, b.CreateBitCast(fv, bc.Typ)))
					addedSelects = append(addedSelects, res)
					return res
				}
				if ir.IsZeroValue(fv) {
					res := b.CreateSelect(cond,
						faddForNeg(old, b.CreateBitCast(tv, bc.Typ)), old)
					addedSelects = append(addedSelects, res)
					return res
				}
			}
		}

		return faddForNeg(old, dif)
	}

	if ir.IsPointer(val.Type()) {
		panic(fmt.Sprintf("grad: accumulating into pointer-typed value %%%s in %s",
			val.Name(), gu.OldFunc.Name))
	}
	if gu.activity.IsConstantValue(val) {
		panic(fmt.Sprintf("grad: accumulating into constant value %%%s in %s",
			val.Name(), gu.OldFunc.Name))
	}

	var ptr ir.Value = gu.GetDifferential(val)

	if len(idxs) != 0 {
		sv := make([]ir.Value, 0, len(idxs)+1)
		sv = append(sv, ir.NewConstInt(ir.I32, 0))
		sv = append(sv, idxs...)
		ptr = b.CreateInBoundsGEP(gu.ShadowType(val.Type()), ptr, sv)
	}

	leafType := ptr.Type().(*ir.PointerType).Elem
	if !ir.SameType(dif.Type(), leafType) {
		panic(fmt.Sprintf("grad: contribution for %%%s has type %s, slot stores %s",
			val.Name(), dif.Type(), leafType))
	}
	old := b.CreateLoad(dif.Type(), ptr)

	switch {
	case ir.IsIntOrIntVector(old.Type()):
		// Integer storage holding a float bit pattern: resolve the
		// floating type to add in.
		if addingType == nil && gu.cfg.LooseTypes {
			if it, ok := old.Type().(*ir.IntType); ok {
				switch it.Bits {
				case 64:
					addingType = ir.F64
				case 32:
					addingType = ir.F32
				}
			}
		}
		if addingType == nil {
			panic(fmt.Sprintf(
				"grad: no adding type for integer shadow of %%%s (stored %s) in %s",
				val.Name(), old.Type(), gu.OldFunc.Name))
		}
		if !ir.IsFloatOrFloatVector(addingType) {
			panic(fmt.Sprintf("grad: adding type %s for %%%s is not floating point",
				addingType, val.Name()))
		}

		oldBits := gu.layout().BitSize(old.Type())
		newBits := gu.layout().BitSize(addingType)
		if oldBits > newBits && oldBits%newBits == 0 && addingType.Kind() != ir.VectorKind {
			// Widen the add-type to a vector spanning the whole slot
			// so the reinterpretation never drops precision.
			addingType = ir.VectorOf(addingType, int(oldBits/newBits))
		}
		if gu.layout().BitSize(addingType) != oldBits {
			panic(fmt.Sprintf(
				"grad: adding type %s (%d bits) incompatible with stored %s (%d bits) for %%%s",
				addingType, gu.layout().BitSize(addingType), old.Type(), oldBits, val.Name()))
		}

		bcold := b.CreateBitCast(old, addingType)
		bcdif := b.CreateBitCast(dif, addingType)

		res := faddForSelect(bcold, bcdif)
		if sel, ok := res.(*ir.Instruction); ok && sel.Op == ir.OpSelect {
			// Retract the fusion: the stored value must carry the
			// slot's integer type, so rebuild the select over
			// reinterpreted arms and drop the fused one from the
			// record.
			if addedSelects[len(addedSelects)-1] != sel {
				panic("grad: fused select bookkeeping out of sync")
			}
			addedSelects = addedSelects[:len(addedSelects)-1]
			res = b.CreateSelect(sel.Operands[0],
				b.CreateBitCast(sel.Operands[1], old.Type()),
				b.CreateBitCast(sel.Operands[2], old.Type()))
			if n := gu.NewFunc.NumUses(sel); n != 0 {
				panic(fmt.Sprintf("grad: retracted select still has %d uses", n))
			}
		} else {
			res = b.CreateBitCast(res, old.Type())
		}
		gu.storeAccumulated(b, res, ptr, idxs, mask)
		return addedSelects

	case ir.IsFloatOrFloatVector(old.Type()):
		res := faddForSelect(old, dif)
		gu.storeAccumulated(b, res, ptr, idxs, mask)
		return addedSelects

	case old.Type().Kind() == ir.StructKind:
		if mask != nil {
			panic("grad: cannot handle masked accumulation into a struct")
		}
		st := old.Type().(*ir.StructType)
		for i := range st.Fields {
			// Pointer fields carry shadow references, not
			// accumulated derivative mass.
			if ir.IsPointer(st.Fields[i]) {
				continue
			}
			idx2 := append(append([]ir.Value{}, idxs...), ir.NewConstInt(ir.I32, int64(i)))
			selects := gu.AddToDiffe(val, b.CreateExtractValue(dif, i), b, nil, idx2, nil)
			addedSelects = append(addedSelects, selects...)
		}
		return addedSelects

	case old.Type().Kind() == ir.ArrayKind:
		if mask != nil {
			panic("grad: cannot handle masked accumulation into an array")
		}
		at := old.Type().(*ir.ArrayType)
		if ir.IsPointer(at.Elem) {
			return addedSelects
		}
		for i := 0; i < at.Len; i++ {
			idx2 := append(append([]ir.Value{}, idxs...), ir.NewConstInt(ir.I32, int64(i)))
			selects := gu.AddToDiffe(val, b.CreateExtractValue(dif, i), b, addingType, idx2, nil)
			addedSelects = append(addedSelects, selects...)
		}
		return addedSelects

	default:
		panic(fmt.Sprintf("grad: unknown type %s to add to diffe for %%%s",
			old.Type(), val.Name()))
	}
}

// storeAccumulated writes the summed derivative back to the slot,
// predicated when a mask is supplied.
func (gu *Utils) storeAccumulated(b *ir.Builder, res, ptr ir.Value, idxs []ir.Value, mask ir.Value) {
	if mask == nil {
		b.CreateStore(res, ptr)
		return
	}
	if len(idxs) != 0 {
		panic("grad: cannot handle masked accumulation into an aggregate leaf")
	}
	slot, ok := ptr.(*ir.Instruction)
	if !ok || slot.Op != ir.OpAlloca {
		panic("grad: masked accumulation requires a direct shadow slot")
	}
	if slot.Align == 0 {
		panic(fmt.Sprintf("grad: shadow slot %%%s has no alignment", slot.Name()))
	}
	b.CreateMaskedStore(res, ptr, slot.Align, mask)
}
