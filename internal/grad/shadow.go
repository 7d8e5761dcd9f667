package grad

import (
	"fmt"

	"github.com/adjoint-ml/adjoint/internal/ir"
)

// ShadowType maps an original value's type to the type of its
// derivative. With width 1 every type shadows itself; with width N
// the shadow is an N-element array of the base type, one element per
// derivative lane. Pointers shadow as pointers (to the forward-mode
// shadow allocation), never as accumulated storage.
func (gu *Utils) ShadowType(t ir.Type) ir.Type {
	if gu.cfg.Width == 1 {
		return t
	}
	return ir.ArrayOf(t, gu.cfg.Width)
}

// GetDifferential returns the shadow slot for val, allocating it on
// first request: an alloca in the allocation region, aligned to the
// target's preferred alignment for the shadow type and zero-filled
// immediately, before any control flow can reach a use. Repeated
// calls return the identical slot.
func (gu *Utils) GetDifferential(val ir.Value) *ir.Instruction {
	if val == nil {
		panic("grad: GetDifferential of nil value")
	}
	gu.assertOwned(val)
	if gu.AllocationBlock == nil {
		panic("grad: no allocation region exists")
	}

	ty := gu.ShadowType(val.Type())
	slot, ok := gu.differentials[val]
	if !ok {
		entry := ir.NewBuilder(gu.AllocationBlock)
		entry.SetFastMath(gu.cfg.FastMath)
		slot = entry.CreateAlloca(ty, val.Name()+"'de")
		slot.Align = gu.layout().PrefAlign(ty)
		entry.CreateStore(ir.ZeroOf(ty), slot)
		gu.differentials[val] = slot
	}
	if !ir.SameType(slot.AllocType, ty) {
		panic(fmt.Sprintf("grad: shadow slot for %%%s has type %s, want %s",
			val.Name(), slot.AllocType, ty))
	}
	return slot
}

// Diffe observes the current derivative of val. In reverse modes it
// loads the shadow slot; in forward modes derivative flow is carried
// by shadow values directly, so the shadow reference is returned
// instead and no slot is touched.
func (gu *Utils) Diffe(val ir.Value, b *ir.Builder) ir.Value {
	gu.assertOwned(val)
	if gu.activity.IsConstantValue(val) {
		panic(fmt.Sprintf("grad: getting diffe of constant value %%%s in %s",
			val.Name(), gu.OldFunc.Name))
	}
	if gu.cfg.Mode.IsForward() {
		return gu.invertPointer(val, b)
	}
	if ir.IsPointer(val.Type()) {
		panic(fmt.Sprintf("grad: getting diffe of pointer-typed value %%%s in %s",
			val.Name(), gu.OldFunc.Name))
	}
	if val.Type().Kind() == ir.VoidKind {
		panic(fmt.Sprintf("grad: getting diffe of void value in %s", gu.OldFunc.Name))
	}
	return b.CreateLoad(gu.ShadowType(val.Type()), gu.GetDifferential(val))
}

// SetDiffe unconditionally overwrites the derivative of val.
//
// Reverse modes store into the shadow slot, superseding prior
// contents; accumulation must go through AddToDiffe instead. Forward
// modes treat this as shadow replacement: an outstanding placeholder
// for val is substituted by toset everywhere it was already used,
// then erased, and the mapping tracks toset from here on.
func (gu *Utils) SetDiffe(val ir.Value, toset ir.Value, b *ir.Builder) {
	gu.assertOwned(val)
	if gu.activity.IsConstantValue(val) {
		panic(fmt.Sprintf("grad: setting diffe of constant value %%%s in %s",
			val.Name(), gu.OldFunc.Name))
	}

	if gu.cfg.Mode.IsForward() {
		if !ir.SameType(gu.ShadowType(val.Type()), toset.Type()) {
			panic(fmt.Sprintf("grad: shadow for %%%s must have type %s, got %s",
				val.Name(), gu.ShadowType(val.Type()), toset.Type()))
		}
		prev, ok := gu.invertedPointers[val]
		if !ok {
			panic(fmt.Sprintf("grad: no shadow registered for %%%s", val.Name()))
		}
		delete(gu.invertedPointers, val)
		if ph, isPH := prev.(*ir.Instruction); isPH && ph.Op == ir.OpPlaceholder {
			gu.NewFunc.ReplaceAllUses(ph, toset)
			ph.Block.Remove(ph)
		}
		gu.invertedPointers[val] = toset
		return
	}

	slot := gu.GetDifferential(val)
	if !ir.SameType(toset.Type(), slot.AllocType) {
		panic(fmt.Sprintf("grad: storing %s into shadow slot of type %s for %%%s",
			toset.Type(), slot.AllocType, val.Name()))
	}
	b.CreateStore(toset, slot)
}
