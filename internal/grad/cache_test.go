package grad_test

import (
	"testing"

	"github.com/adjoint-ml/adjoint/internal/grad"
	"github.com/adjoint-ml/adjoint/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFreeCache_DisabledPolicy tests that nothing is emitted when
// memory freeing is off.
func TestFreeCache_DisabledPolicy(t *testing.T) {
	cfg := grad.DefaultConfig()
	cfg.FreeMemory = false
	s := newSession(t, cfg, ir.X8664, nil, nil, []ir.Type{ir.PointerTo(ir.PointerTo(ir.F64))})

	mc := s.b.CreateCall(ir.PointerTo(ir.F64), "malloc", []ir.Value{ir.NewConstInt(ir.I64, 8)})
	ci := s.gu.FreeCache(s.oldFn.Blocks[0], nil, 0, mc,
		ir.NewConstInt(ir.I64, 8), s.newFn.Param(0), ir.NewMDConst(0))

	assert.Nil(t, ci)
	rb := s.gu.ReverseBlocks(s.oldFn.Blocks[0])[0]
	assert.Empty(t, rb.Instrs)
	assert.Empty(t, s.gu.ScopeFrees(mc))
}

// TestFreeCache_EmitsGuardedFree tests the full reverse-path
// deallocation: saved induction variables reloaded, the cached
// pointer loaded with its invariants attached, and the free recorded
// against the allocation's cache scope.
func TestFreeCache_EmitsGuardedFree(t *testing.T) {
	cacheTy := ir.PointerTo(ir.PointerTo(ir.F64))
	s := newSession(t, grad.DefaultConfig(), ir.X8664, nil,
		[]ir.Type{ir.I64}, []ir.Type{cacheTy})
	s.newFn.HasDebugInfo = true

	ab := ir.NewBuilder(s.alloc)
	antivar := ab.CreateAlloca(ir.I64, "iv'ac")
	sublimits := []grad.SubLimit{{
		Size: ir.NewConstInt(ir.I64, 8),
		Loops: []grad.ContainedLoop{{
			Index: grad.LoopIndex{Var: s.oldFn.Param(0), AntiVarAlloc: antivar},
			Limit: ir.NewConstInt(ir.I64, 16),
		}},
	}}

	mc := s.b.CreateCall(ir.PointerTo(ir.F64), "malloc", []ir.Value{ir.NewConstInt(ir.I64, 8)})
	inv := ir.NewMDConst(0)
	ci := s.gu.FreeCache(s.oldFn.Blocks[0], sublimits, 0, mc,
		ir.NewConstInt(ir.I64, 8), s.newFn.Param(0), inv)

	require.NotNil(t, ci)
	assert.Equal(t, "free", ci.Callee)
	rb := s.gu.ReverseBlocks(s.oldFn.Blocks[0])[0]
	assert.Same(t, rb, ci.Block)
	require.NotNil(t, ci.Loc)
	assert.Equal(t, s.newFn.Name, ci.Loc.Scope)
	assert.Contains(t, s.gu.ScopeFrees(mc), ci)

	loads := findOps(rb, ir.OpLoad)
	require.Len(t, loads, 2, "induction variable reload plus the cached pointer")
	assert.Same(t, antivar, loads[0].Operands[0])

	forfree := loads[1]
	assert.Equal(t, "forfree", forfree.Name())
	assert.Same(t, inv, forfree.Metadata(ir.MDInvariantGroup))
	require.NotNil(t, forfree.Metadata(ir.MDDereferenceable))
	assert.Equal(t, int64(8), forfree.Metadata(ir.MDDereferenceable).Const)
	assert.Equal(t, uint64(8), forfree.Align)
	assert.Same(t, forfree, ci.Operands[0])

	ev := ir.NewEvaluator(s.mod.Layout)
	slot := ev.BindMemory(s.newFn.Param(0), 8)
	heap := ev.NewMemory("cache", 8)
	ev.StorePointer(slot, 0, heap)
	ev.Run(s.alloc, rb)

	assert.True(t, heap.Freed())
	require.Len(t, ev.Calls, 1)
}

// TestFreeCache_RepeatedFreesShareScope tests that every free of the
// same allocation lands in its cache scope.
func TestFreeCache_RepeatedFreesShareScope(t *testing.T) {
	cacheTy := ir.PointerTo(ir.PointerTo(ir.F64))
	s := newSession(t, grad.DefaultConfig(), ir.X8664, nil,
		nil, []ir.Type{cacheTy})

	mc := s.b.CreateCall(ir.PointerTo(ir.F64), "malloc", []ir.Value{ir.NewConstInt(ir.I64, 8)})
	c1 := s.gu.FreeCache(s.oldFn.Blocks[0], nil, 0, mc,
		ir.NewConstInt(ir.I64, 8), s.newFn.Param(0), ir.NewMDConst(0))
	c2 := s.gu.FreeCache(s.oldFn.Blocks[0], nil, 0, mc,
		ir.NewConstInt(ir.I64, 8), s.newFn.Param(0), ir.NewMDConst(0))

	frees := s.gu.ScopeFrees(mc)
	assert.Len(t, frees, 2)
	assert.Contains(t, frees, c1)
	assert.Contains(t, frees, c2)
}

// TestFreeCache_NoReverseBlockPanics tests that freeing needs a
// reverse block to emit into.
func TestFreeCache_NoReverseBlockPanics(t *testing.T) {
	s := newSession(t, grad.DefaultConfig(), ir.X8664, nil,
		nil, []ir.Type{ir.PointerTo(ir.PointerTo(ir.F64))})
	mc := s.b.CreateCall(ir.PointerTo(ir.F64), "malloc", []ir.Value{ir.NewConstInt(ir.I64, 8)})

	assert.Panics(t, func() {
		s.gu.FreeCache(s.body, nil, 0, mc,
			ir.NewConstInt(ir.I64, 8), s.newFn.Param(0), ir.NewMDConst(0))
	})
}
