package grad

import (
	"fmt"

	"github.com/adjoint-ml/adjoint/internal/ir"
)

// LoopIndex describes one recompute-limited loop's induction
// variable: the original variable and the stack slot its reverse
// counterpart is saved in.
type LoopIndex struct {
	Var          ir.Value
	AntiVarAlloc *ir.Instruction
}

// ContainedLoop pairs a loop index with the trip limit of that loop.
type ContainedLoop struct {
	Index LoopIndex
	Limit ir.Value
}

// SubLimit is one checkpoint boundary: the allocation size at that
// boundary and the loops contained inside it, outermost first.
type SubLimit struct {
	Size  ir.Value
	Loops []ContainedLoop
}

// FreeCache deallocates one cached forward-pass value on the reverse
// path. In the reverse block of forwardPreheader it reloads the
// saved induction variables of every enclosing recompute-limited
// loop from sublimits[i:], resolves the cache slot's address at that
// point through the unwrap collaborator, loads the cached pointer
// (tagged invariant and dereferenceable for byteSizeOfType bytes),
// and emits the deallocation call.
//
// Returns the deallocation call, or nil when memory freeing is
// disabled by policy (in which case nothing is emitted). The call is
// recorded against alloc's cache scope so surrounding logic can
// verify every cached allocation is freed on every reverse path.
func (gu *Utils) FreeCache(forwardPreheader *ir.Block, sublimits []SubLimit, i int, alloc *ir.Instruction, byteSizeOfType *ir.ConstInt, storeInto ir.Value, invariantMD *ir.MDNode) *ir.Instruction {
	if !gu.cfg.FreeMemory {
		return nil
	}
	rbs := gu.reverseBlocks[forwardPreheader]
	if len(rbs) == 0 {
		panic(fmt.Sprintf("grad: no reverse block for %s", forwardPreheader.Name))
	}
	tbuild := ir.NewBuilder(rbs[len(rbs)-1])
	tbuild.SetFastMath(gu.cfg.FastMath)

	// Stay before the terminator if the reverse block already has one.
	if term := tbuild.Block().Terminator(); term != nil {
		tbuild.SetInsertPointBefore(term)
	}

	antimap := make(map[ir.Value]ir.Value)
	for j := len(sublimits) - 1; j >= i; j-- {
		loops := sublimits[j].Loops
		for k := len(loops) - 1; k >= 0; k-- {
			idx := loops[k].Index
			if idx.Var != nil {
				antimap[idx.Var] = tbuild.CreateLoad(idx.Var.Type(), idx.AntiVarAlloc)
			}
		}
	}

	metaforfree := gu.lookup.UnwrapM(storeInto, tbuild, antimap)
	pt, ok := metaforfree.Type().(*ir.PointerType)
	if !ok {
		panic(fmt.Sprintf("grad: cache slot %%%s is not pointer-typed (%s)",
			metaforfree.Name(), metaforfree.Type()))
	}

	forfree := tbuild.CreateLoad(pt.Elem, metaforfree)
	forfree.SetName("forfree")
	forfree.SetMetadata(ir.MDInvariantGroup, invariantMD)
	forfree.SetMetadata(ir.MDDereferenceable, ir.NewMDConst(byteSizeOfType.V))
	forfree.Align = cacheAlignment(uint64(byteSizeOfType.V))

	ci := tbuild.CreateCall(ir.Void, "free", []ir.Value{forfree})
	if gu.NewFunc.HasDebugInfo {
		ci.Loc = &ir.DebugLoc{Scope: gu.NewFunc.Name}
	}
	gu.recordFree(alloc, ci)
	return ci
}
