package grad_test

import (
	"testing"

	"github.com/adjoint-ml/adjoint/internal/grad"
	"github.com/adjoint-ml/adjoint/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewUtils_CreatesReverseBlocks tests that reverse modes get one
// reverse block per original block, up front.
func TestNewUtils_CreatesReverseBlocks(t *testing.T) {
	mod := ir.NewModule("test", ir.X8664)
	oldFn := mod.NewFunc("square", ir.Void, ir.F64)
	entry := oldFn.NewBlock("entry")
	loop := oldFn.NewBlock("loop")
	newFn := mod.NewFunc("diffesquare", ir.Void, ir.F64)
	alloc := newFn.NewBlock("allocas")

	gu := grad.NewUtils(grad.DefaultConfig(), oldFn, newFn, alloc, allActive, nil)

	re := gu.ReverseBlocks(entry)
	rl := gu.ReverseBlocks(loop)
	require.Len(t, re, 1)
	require.Len(t, rl, 1)
	assert.Equal(t, "invertentry", re[0].Name)
	assert.Equal(t, "invertloop", rl[0].Name)
	assert.Same(t, entry, gu.ReverseBlockToPrimal[re[0]])
	assert.Same(t, loop, gu.ReverseBlockToPrimal[rl[0]])
	assert.Contains(t, newFn.Blocks, re[0])
}

// TestNewUtils_ForwardModeHasNoReverseBlocks tests that forward modes
// skip reverse block creation entirely.
func TestNewUtils_ForwardModeHasNoReverseBlocks(t *testing.T) {
	cfg := grad.DefaultConfig()
	cfg.Mode = grad.ForwardMode
	s := newSession(t, cfg, ir.X8664, nil, []ir.Type{ir.F64}, nil)

	assert.Empty(t, s.gu.ReverseBlocks(s.oldFn.Blocks[0]))
	assert.Len(t, s.newFn.Blocks, 2, "only the allocation region and the body")
}

// TestNewUtils_Validation tests the constructor contract.
func TestNewUtils_Validation(t *testing.T) {
	mod := ir.NewModule("test", ir.X8664)
	oldFn := mod.NewFunc("square", ir.Void, ir.F64)
	oldFn.NewBlock("entry")
	newFn := mod.NewFunc("diffesquare", ir.Void, ir.F64)
	alloc := newFn.NewBlock("allocas")

	bad := grad.DefaultConfig()
	bad.Mode = grad.ReverseModePrimal
	assert.Panics(t, func() { grad.NewUtils(bad, oldFn, newFn, alloc, allActive, nil) },
		"primal construction carries no derivative state")

	zero := grad.DefaultConfig()
	zero.Width = 0
	assert.Panics(t, func() { grad.NewUtils(zero, oldFn, newFn, alloc, allActive, nil) })

	cfg := grad.DefaultConfig()
	assert.Panics(t, func() { grad.NewUtils(cfg, nil, newFn, alloc, allActive, nil) })
	assert.Panics(t, func() { grad.NewUtils(cfg, oldFn, newFn, nil, allActive, nil) })
	assert.Panics(t, func() { grad.NewUtils(cfg, oldFn, newFn, alloc, nil, nil) })
}

// TestMode_Predicates tests the mode classification helpers.
func TestMode_Predicates(t *testing.T) {
	assert.True(t, grad.ReverseModeGradient.IsReverse())
	assert.True(t, grad.ReverseModeCombined.IsReverse())
	assert.False(t, grad.ForwardMode.IsReverse())
	assert.True(t, grad.ForwardMode.IsForward())
	assert.True(t, grad.ForwardModeSplit.IsForward())
	assert.False(t, grad.ReverseModePrimal.IsReverse())
	assert.False(t, grad.ReverseModePrimal.IsForward())
	assert.Equal(t, "ForwardMode", grad.ForwardMode.String())
}

// TestUtils_Accessors tests the trivial session accessors.
func TestUtils_Accessors(t *testing.T) {
	cfg := grad.DefaultConfig()
	cfg.Width = 2
	s := newSession(t, cfg, ir.X8664, nil, []ir.Type{ir.F64}, nil)

	assert.Equal(t, cfg, s.gu.Config())
	assert.Equal(t, grad.ReverseModeGradient, s.gu.Mode())
	assert.Equal(t, 2, s.gu.Width())
}

// TestScopeFrees_UnknownAllocation tests the empty case.
func TestScopeFrees_UnknownAllocation(t *testing.T) {
	s := newSession(t, grad.DefaultConfig(), ir.X8664, nil, []ir.Type{ir.F64}, nil)
	mc := s.b.CreateCall(ir.PointerTo(ir.F64), "malloc", []ir.Value{ir.NewConstInt(ir.I64, 8)})
	assert.Empty(t, s.gu.ScopeFrees(mc))
}
