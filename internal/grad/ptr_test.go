package grad_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/adjoint-ml/adjoint/internal/grad"
	"github.com/adjoint-ml/adjoint/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedF64 writes a double into a memory buffer at a byte offset.
func seedF64(m *ir.Memory, off int, x float64) {
	binary.LittleEndian.PutUint64(m.Bytes()[off:off+8], math.Float64bits(x))
}

// seedF32 writes a float into a memory buffer at a byte offset.
func seedF32(m *ir.Memory, off int, x float32) {
	binary.LittleEndian.PutUint32(m.Bytes()[off:off+4], math.Float32bits(x))
}

// TestAddToInvertedPtrDiffe_AtomicByDefault tests that accumulation
// through a possibly shared pointer uses an atomic add.
func TestAddToInvertedPtrDiffe_AtomicByDefault(t *testing.T) {
	pt := ir.PointerTo(ir.F64)
	s := newSession(t, grad.DefaultConfig(), ir.X8664, nil,
		[]ir.Type{pt}, []ir.Type{pt})
	origptr := s.oldFn.Param(0)
	orig := s.oldBuilder().CreateLoad(ir.F64, origptr)
	shadow := s.newFn.Param(0)
	s.gu.SetInvertedPointer(origptr, shadow)

	s.gu.AddToInvertedPtrDiffe(orig, ir.F64, 0, 8, origptr,
		ir.NewConstFloat(ir.F64, 2.5), s.b, 8, nil)

	require.Equal(t, 1, countOps(s.body, ir.OpAtomicRMWFAdd))
	assert.Equal(t, 0, countOps(s.body, ir.OpStore))

	ev := ir.NewEvaluator(s.mod.Layout)
	mem := ev.BindMemory(shadow, 8)
	seedF64(mem, 0, 1.0)
	ev.Run(s.body)
	assert.Len(t, ev.AtomicAdds, 1)
	assert.Equal(t, 3.5, f64FromBytes(mem.Bytes()))
}

// TestAddToInvertedPtrDiffe_GPULocalSkipsAtomic tests that stack
// memory on a GPU target accumulates without atomics and carries
// lane-disambiguating alias metadata; a full-range accumulate also
// inherits the original access's typing and location.
func TestAddToInvertedPtrDiffe_GPULocalSkipsAtomic(t *testing.T) {
	s := newSession(t, grad.DefaultConfig(), ir.NVPTX64, nil, nil, nil)
	ob := s.oldBuilder()
	local := ob.CreateAlloca(ir.F64, "local")
	orig := ob.CreateLoad(ir.F64, local)
	tbaa := ir.NewMDConst(42)
	orig.SetMetadata(ir.MDTBAA, tbaa)
	orig.Loc = &ir.DebugLoc{Line: 12}

	shadow := s.b.CreateAlloca(ir.F64, "local'ipa")
	s.gu.SetInvertedPointer(local, shadow)

	s.gu.AddToInvertedPtrDiffe(orig, ir.F64, 0, 8, local,
		ir.NewConstFloat(ir.F64, 2.5), s.b, 8, nil)

	assert.Equal(t, 0, countOps(s.body, ir.OpAtomicRMWFAdd))
	loads := findOps(s.body, ir.OpLoad)
	stores := findOps(s.body, ir.OpStore)
	require.Len(t, loads, 1)
	require.Len(t, stores, 1)

	li, st := loads[0], stores[0]
	require.NotNil(t, li.Metadata(ir.MDAliasScope))
	assert.Len(t, li.Metadata(ir.MDAliasScope).Ops, 1, "one scope per derivative lane")
	require.NotNil(t, li.Metadata(ir.MDNoAlias))
	assert.Len(t, li.Metadata(ir.MDNoAlias).Ops, 1, "disjoint from the primal accesses")
	assert.Same(t, li.Metadata(ir.MDAliasScope), st.Metadata(ir.MDAliasScope))

	assert.Same(t, tbaa, li.Metadata(ir.MDTBAA))
	assert.Same(t, tbaa, st.Metadata(ir.MDTBAA))
	assert.Same(t, orig.Loc, li.Loc)
	assert.Same(t, orig.Loc, st.Loc)
	assert.Equal(t, uint64(8), li.Align)

	ev := ir.NewEvaluator(s.mod.Layout)
	ev.Run(s.body)
	mem := ev.AllocaMemory(shadow)
	assert.Empty(t, ev.AtomicAdds)
	assert.Equal(t, 2.5, f64FromBytes(mem.Bytes()))
}

// TestAddToInvertedPtrDiffe_PrivateShadowSkipsAtomic tests that a
// derivative-only shadow accumulates without atomics even when the
// policy asks for them.
func TestAddToInvertedPtrDiffe_PrivateShadowSkipsAtomic(t *testing.T) {
	pt := ir.PointerTo(ir.F64)
	s := newSession(t, grad.DefaultConfig(), ir.X8664, nil,
		[]ir.Type{pt}, []ir.Type{pt})
	origptr := s.oldFn.Param(0)
	orig := s.oldBuilder().CreateLoad(ir.F64, origptr)
	shadow := s.newFn.Param(0)
	s.gu.SetInvertedPointer(origptr, shadow)
	s.gu.MarkShadowOnly(origptr)

	s.gu.AddToInvertedPtrDiffe(orig, ir.F64, 0, 8, origptr,
		ir.NewConstFloat(ir.F64, 2.5), s.b, 8, nil)

	assert.Equal(t, 0, countOps(s.body, ir.OpAtomicRMWFAdd))

	ev := ir.NewEvaluator(s.mod.Layout)
	mem := ev.BindMemory(shadow, 8)
	seedF64(mem, 0, 1.0)
	ev.Run(s.body)
	assert.Equal(t, 3.5, f64FromBytes(mem.Bytes()))
}

// TestAddToInvertedPtrDiffe_VectorAtomicPerLane tests that a vector
// region accumulates through one atomic add per lane.
func TestAddToInvertedPtrDiffe_VectorAtomicPerLane(t *testing.T) {
	vt := ir.VectorOf(ir.F32, 4)
	pt := ir.PointerTo(vt)
	s := newSession(t, grad.DefaultConfig(), ir.X8664, nil,
		[]ir.Type{pt}, []ir.Type{pt})
	origptr := s.oldFn.Param(0)
	orig := s.oldBuilder().CreateLoad(vt, origptr)
	shadow := s.newFn.Param(0)
	s.gu.SetInvertedPointer(origptr, shadow)

	dif := &ir.ConstVector{Typ: vt, Elems: []ir.Value{
		ir.NewConstFloat(ir.F32, 10), ir.NewConstFloat(ir.F32, 20),
		ir.NewConstFloat(ir.F32, 30), ir.NewConstFloat(ir.F32, 40),
	}}
	s.gu.AddToInvertedPtrDiffe(orig, ir.F32, 0, 16, origptr, dif, s.b, 4, nil)

	require.Equal(t, 4, countOps(s.body, ir.OpAtomicRMWFAdd))

	ev := ir.NewEvaluator(s.mod.Layout)
	mem := ev.BindMemory(shadow, 16)
	for i := 0; i < 4; i++ {
		seedF32(mem, i*4, float32(i+1))
	}
	ev.Run(s.body)
	assert.Len(t, ev.AtomicAdds, 4)
	want := []float32{11, 22, 33, 44}
	for i, w := range want {
		assert.Equal(t, w, f32FromBytes(mem.Bytes()[i*4:(i+1)*4]), "lane %d", i)
	}
}

// TestAddToInvertedPtrDiffe_ConstantSpaceCast tests that amdgcn
// atomics through constant-space pointers go through a cast into
// global space first.
func TestAddToInvertedPtrDiffe_ConstantSpaceCast(t *testing.T) {
	pt := &ir.PointerType{Elem: ir.F64, AddrSpace: 4}
	s := newSession(t, grad.DefaultConfig(), ir.AMDGCN, nil,
		[]ir.Type{pt}, []ir.Type{pt})
	origptr := s.oldFn.Param(0)
	orig := s.oldBuilder().CreateLoad(ir.F64, origptr)
	shadow := s.newFn.Param(0)
	s.gu.SetInvertedPointer(origptr, shadow)

	s.gu.AddToInvertedPtrDiffe(orig, ir.F64, 0, 8, origptr,
		ir.NewConstFloat(ir.F64, 2.5), s.b, 8, nil)

	casts := findOps(s.body, ir.OpAddrSpaceCast)
	require.Len(t, casts, 1)
	assert.Equal(t, 1, casts[0].Typ.(*ir.PointerType).AddrSpace)
	require.Equal(t, 1, countOps(s.body, ir.OpAtomicRMWFAdd))

	ev := ir.NewEvaluator(s.mod.Layout)
	mem := ev.BindMemory(shadow, 8)
	seedF64(mem, 0, 1.0)
	ev.Run(s.body)
	assert.Equal(t, 3.5, f64FromBytes(mem.Bytes()))
}

// TestAddToInvertedPtrDiffe_OffsetRetype tests accumulating one field
// of a larger contribution at a byte offset into the pointee.
func TestAddToInvertedPtrDiffe_OffsetRetype(t *testing.T) {
	st := ir.StructOf(ir.F64, ir.F64)
	pt := ir.PointerTo(st)
	cfg := grad.DefaultConfig()
	cfg.AtomicAdd = false
	s := newSession(t, cfg, ir.X8664, nil,
		[]ir.Type{pt}, []ir.Type{pt, ir.F64, ir.F64})
	origptr := s.oldFn.Param(0)
	orig := s.oldBuilder().CreateLoad(st, origptr)
	shadow := s.newFn.Param(0)
	s.gu.SetInvertedPointer(origptr, shadow)

	var dif ir.Value = ir.ZeroOf(st)
	dif = s.b.CreateInsertValue(dif, s.newFn.Param(1), 0)
	dif = s.b.CreateInsertValue(dif, s.newFn.Param(2), 1)
	s.gu.AddToInvertedPtrDiffe(orig, ir.F64, 8, 8, origptr, dif, s.b, 8, nil)

	ev := ir.NewEvaluator(s.mod.Layout)
	mem := ev.BindMemory(shadow, 16)
	seedF64(mem, 0, 100)
	seedF64(mem, 8, 1.0)
	ev.BindFloat64(s.newFn.Param(1), 7.0)
	ev.BindFloat64(s.newFn.Param(2), 2.5)
	ev.Run(s.alloc, s.body)

	assert.Equal(t, 100.0, f64FromBytes(mem.Bytes()[0:8]), "bytes before the region untouched")
	assert.Equal(t, 3.5, f64FromBytes(mem.Bytes()[8:16]))
}

// TestAddToInvertedPtrDiffe_AlignmentDegrades tests that an offset
// breaking the known alignment degrades the emitted accesses to
// alignment 1.
func TestAddToInvertedPtrDiffe_AlignmentDegrades(t *testing.T) {
	at := ir.ArrayOf(ir.F32, 4)
	pt := ir.PointerTo(at)
	cfg := grad.DefaultConfig()
	cfg.AtomicAdd = false
	s := newSession(t, cfg, ir.X8664, nil, []ir.Type{pt}, []ir.Type{pt})
	origptr := s.oldFn.Param(0)
	orig := s.oldBuilder().CreateLoad(at, origptr)
	shadow := s.newFn.Param(0)
	s.gu.SetInvertedPointer(origptr, shadow)

	var dif ir.Value = ir.ZeroOf(at)
	dif = s.b.CreateInsertValue(dif, ir.NewConstFloat(ir.F32, 2.5), 1)
	s.gu.AddToInvertedPtrDiffe(orig, ir.F32, 4, 4, origptr, dif, s.b, 8, nil)

	var acc *ir.Instruction
	for _, li := range findOps(s.body, ir.OpLoad) {
		if li.Metadata(ir.MDAliasScope) != nil {
			acc = li
		}
	}
	require.NotNil(t, acc)
	assert.Equal(t, uint64(1), acc.Align)

	ev := ir.NewEvaluator(s.mod.Layout)
	mem := ev.BindMemory(shadow, 16)
	seedF32(mem, 4, 1.0)
	ev.Run(s.alloc, s.body)
	assert.Equal(t, float32(3.5), f32FromBytes(mem.Bytes()[4:8]))
	assert.Equal(t, float32(0), f32FromBytes(mem.Bytes()[0:4]))
}

// TestAddToInvertedPtrDiffe_Masked tests the predicated non-atomic
// path.
func TestAddToInvertedPtrDiffe_Masked(t *testing.T) {
	vt := ir.VectorOf(ir.F32, 4)
	pt := ir.PointerTo(vt)
	cfg := grad.DefaultConfig()
	cfg.AtomicAdd = false
	s := newSession(t, cfg, ir.X8664, nil, []ir.Type{pt}, []ir.Type{pt})
	origptr := s.oldFn.Param(0)
	orig := s.oldBuilder().CreateLoad(vt, origptr)
	shadow := s.newFn.Param(0)
	s.gu.SetInvertedPointer(origptr, shadow)

	dif := &ir.ConstVector{Typ: vt, Elems: []ir.Value{
		ir.NewConstFloat(ir.F32, 10), ir.NewConstFloat(ir.F32, 20),
		ir.NewConstFloat(ir.F32, 30), ir.NewConstFloat(ir.F32, 40),
	}}
	mask := &ir.ConstVector{Typ: ir.VectorOf(ir.I1, 4), Elems: []ir.Value{
		ir.NewConstInt(ir.I1, 1), ir.NewConstInt(ir.I1, 0),
		ir.NewConstInt(ir.I1, 1), ir.NewConstInt(ir.I1, 0),
	}}
	s.gu.AddToInvertedPtrDiffe(orig, ir.F32, 0, 16, origptr, dif, s.b, 16, mask)

	require.Equal(t, 1, countOps(s.body, ir.OpMaskedLoad))
	require.Equal(t, 1, countOps(s.body, ir.OpMaskedStore))

	ev := ir.NewEvaluator(s.mod.Layout)
	mem := ev.BindMemory(shadow, 16)
	for i := 0; i < 4; i++ {
		seedF32(mem, i*4, float32(i+1))
	}
	ev.Run(s.body)
	want := []float32{11, 2, 33, 4}
	for i, w := range want {
		assert.Equal(t, w, f32FromBytes(mem.Bytes()[i*4:(i+1)*4]), "lane %d", i)
	}
}

// TestAddToInvertedPtrDiffe_MaskedAtomicPanics tests that predication
// cannot combine with atomic accumulation.
func TestAddToInvertedPtrDiffe_MaskedAtomicPanics(t *testing.T) {
	vt := ir.VectorOf(ir.F32, 4)
	pt := ir.PointerTo(vt)
	s := newSession(t, grad.DefaultConfig(), ir.X8664, nil, []ir.Type{pt}, []ir.Type{pt})
	origptr := s.oldFn.Param(0)
	orig := s.oldBuilder().CreateLoad(vt, origptr)
	s.gu.SetInvertedPointer(origptr, s.newFn.Param(0))

	dif := ir.ZeroOf(vt)
	mask := &ir.ConstVector{Typ: ir.VectorOf(ir.I1, 4), Elems: []ir.Value{
		ir.NewConstInt(ir.I1, 1), ir.NewConstInt(ir.I1, 1),
		ir.NewConstInt(ir.I1, 1), ir.NewConstInt(ir.I1, 1),
	}}
	assert.Panics(t, func() {
		s.gu.AddToInvertedPtrDiffe(orig, ir.F32, 0, 16, origptr, dif, s.b, 16, mask)
	})
}

// TestAddToInvertedPtrDiffe_LaneAliasScopes tests that with multiple
// derivative lanes each lane's accesses get their own alias scope,
// disjoint from every other lane and from the primal.
func TestAddToInvertedPtrDiffe_LaneAliasScopes(t *testing.T) {
	pt := ir.PointerTo(ir.F64)
	cfg := grad.DefaultConfig()
	cfg.Width = 2
	cfg.AtomicAdd = false
	s := newSession(t, cfg, ir.X8664, nil,
		[]ir.Type{pt}, []ir.Type{ir.ArrayOf(pt, 2)})
	origptr := s.oldFn.Param(0)
	orig := s.oldBuilder().CreateLoad(ir.F64, origptr)
	s.gu.SetInvertedPointer(origptr, s.newFn.Param(0))

	var dif ir.Value = ir.ZeroOf(ir.ArrayOf(ir.F64, 2))
	dif = s.b.CreateInsertValue(dif, ir.NewConstFloat(ir.F64, 1), 0)
	dif = s.b.CreateInsertValue(dif, ir.NewConstFloat(ir.F64, 2), 1)
	s.gu.AddToInvertedPtrDiffe(orig, ir.F64, 0, 8, origptr, dif, s.b, 8, nil)

	loads := findOps(s.body, ir.OpLoad)
	require.Len(t, loads, 2)
	l0, l1 := loads[0], loads[1]

	s0 := l0.Metadata(ir.MDAliasScope)
	s1 := l1.Metadata(ir.MDAliasScope)
	require.NotNil(t, s0)
	require.NotNil(t, s1)
	require.Len(t, s0.Ops, 1)
	require.Len(t, s1.Ops, 1)
	assert.NotSame(t, s0.Ops[0], s1.Ops[0], "each lane has its own scope")

	// Each lane's noalias list names the primal scope and the other
	// lane's scope, and the scope nodes are shared across the lists.
	n0 := l0.Metadata(ir.MDNoAlias)
	require.NotNil(t, n0)
	require.Len(t, n0.Ops, 2)
	assert.Same(t, s1.Ops[0], n0.Ops[1])
	n1 := l1.Metadata(ir.MDNoAlias)
	require.NotNil(t, n1)
	require.Len(t, n1.Ops, 2)
	assert.Same(t, s0.Ops[0], n1.Ops[1])
	assert.Same(t, n0.Ops[0], n1.Ops[0], "both exclude the same primal scope")
}
