package grad

import (
	"fmt"

	"github.com/adjoint-ml/adjoint/internal/ir"
)

// Activity is the constant/active classification collaborator: it
// answers whether a value carries derivative information at all.
type Activity interface {
	IsConstantValue(v ir.Value) bool
}

// Lookup is the forward-to-reverse control-flow correspondence
// collaborator. LookupM produces, at the builder's insert point in
// the reverse path, a value equivalent to one computed in the
// forward pass; UnwrapM does the same by rematerializing through the
// available map (saved induction variables and the like).
type Lookup interface {
	LookupM(v ir.Value, b *ir.Builder) ir.Value
	UnwrapM(v ir.Value, b *ir.Builder, available map[ir.Value]ir.Value) ir.Value
}

// IdentityLookup is the trivial correspondence for functions whose
// forward values remain directly usable in the reverse path (no
// recomputation, no renaming).
type IdentityLookup struct{}

func (IdentityLookup) LookupM(v ir.Value, b *ir.Builder) ir.Value { return v }
func (IdentityLookup) UnwrapM(v ir.Value, b *ir.Builder, available map[ir.Value]ir.Value) ir.Value {
	if mapped, ok := available[v]; ok {
		return mapped
	}
	return v
}

type aliasScopeKey struct {
	ptr ir.Value
	idx int
}

// Utils owns every piece of mutable state the differentiation of one
// function instance needs: the shadow slot map, shadow pointer map,
// reverse blocks, and the cache-free scope table. One Utils exists
// per (original function, mode, width); nothing here is shared or
// global, and nothing outlives the pass.
type Utils struct {
	cfg     Config
	OldFunc *ir.Func
	NewFunc *ir.Func

	// AllocationBlock is the single-entry region dominating all uses
	// where shadow slots are allocated and zero-initialized.
	AllocationBlock *ir.Block

	activity Activity
	lookup   Lookup

	differentials    map[ir.Value]*ir.Instruction
	invertedPointers map[ir.Value]ir.Value

	reverseBlocks        map[*ir.Block][]*ir.Block
	ReverseBlockToPrimal map[*ir.Block]*ir.Block

	// backwardsOnlyShadows holds allocations known to be derivative
	// shadows private to this invocation; accumulation into them
	// never races.
	backwardsOnlyShadows map[ir.Value]bool

	// scopeFrees records, per cached allocation, every deallocation
	// call emitted for it, so surrounding logic can verify each cache
	// is freed exactly once on every reverse path.
	scopeFrees map[*ir.Instruction]map[*ir.Instruction]bool

	aliasDomains map[ir.Value]*ir.MDNode
	aliasScopes  map[aliasScopeKey]*ir.MDNode
}

// NewUtils creates the session for differentiating oldFunc into
// newFunc. allocBlock is the allocation region inside newFunc. For
// reverse modes, one reverse block per original block is created
// immediately, before any instruction is processed.
func NewUtils(cfg Config, oldFunc, newFunc *ir.Func, allocBlock *ir.Block, activity Activity, lookup Lookup) *Utils {
	if cfg.Mode == ReverseModePrimal {
		panic("grad: invalid derivative mode ReverseModePrimal")
	}
	if cfg.Width < 1 {
		panic(fmt.Sprintf("grad: invalid derivative width %d", cfg.Width))
	}
	if oldFunc == nil || newFunc == nil || allocBlock == nil {
		panic("grad: NewUtils requires the original function, the function under construction, and an allocation region")
	}
	if activity == nil {
		panic("grad: NewUtils requires an activity analysis")
	}
	if lookup == nil {
		lookup = IdentityLookup{}
	}

	gu := &Utils{
		cfg:                  cfg,
		OldFunc:              oldFunc,
		NewFunc:              newFunc,
		AllocationBlock:      allocBlock,
		activity:             activity,
		lookup:               lookup,
		differentials:        make(map[ir.Value]*ir.Instruction),
		invertedPointers:     make(map[ir.Value]ir.Value),
		reverseBlocks:        make(map[*ir.Block][]*ir.Block),
		ReverseBlockToPrimal: make(map[*ir.Block]*ir.Block),
		backwardsOnlyShadows: make(map[ir.Value]bool),
		scopeFrees:           make(map[*ir.Instruction]map[*ir.Instruction]bool),
		aliasDomains:         make(map[ir.Value]*ir.MDNode),
		aliasScopes:          make(map[aliasScopeKey]*ir.MDNode),
	}

	if cfg.Mode.IsForward() {
		return gu
	}

	for _, bb := range oldFunc.Blocks {
		if bb == allocBlock {
			continue
		}
		rbb := newFunc.NewBlock("invert" + bb.Name)
		gu.reverseBlocks[bb] = append(gu.reverseBlocks[bb], rbb)
		gu.ReverseBlockToPrimal[rbb] = bb
	}
	if len(gu.reverseBlocks) == 0 {
		panic(fmt.Sprintf("grad: function %s has no blocks to invert", oldFunc.Name))
	}
	return gu
}

// Config returns the session policy.
func (gu *Utils) Config() Config { return gu.cfg }

// Mode returns the derivative mode.
func (gu *Utils) Mode() Mode { return gu.cfg.Mode }

// Width returns the number of derivative lanes.
func (gu *Utils) Width() int { return gu.cfg.Width }

// ReverseBlocks returns the reverse blocks created for an original
// block, in creation order.
func (gu *Utils) ReverseBlocks(original *ir.Block) []*ir.Block {
	return gu.reverseBlocks[original]
}

// layout returns the data layout of the function being synthesized.
func (gu *Utils) layout() *ir.DataLayout { return gu.NewFunc.Mod.Layout }

// arch returns the target architecture.
func (gu *Utils) arch() ir.Arch { return gu.NewFunc.Mod.Target }

// assertOwned aborts if val does not belong to the function under
// differentiation. Constants belong to no function and pass.
func (gu *Utils) assertOwned(val ir.Value) {
	switch v := val.(type) {
	case *ir.Argument:
		if v.Parent != gu.OldFunc {
			panic(fmt.Sprintf("grad: argument %%%s belongs to %s, not to %s",
				v.Name(), v.Parent.Name, gu.OldFunc.Name))
		}
	case *ir.Instruction:
		if v.Parent() != gu.OldFunc {
			panic(fmt.Sprintf("grad: instruction %%%s does not belong to %s",
				v.Name(), gu.OldFunc.Name))
		}
	}
}

// MarkShadowOnly records that alloc is a derivative-only shadow
// private to this invocation; accumulation through it never needs
// atomics.
func (gu *Utils) MarkShadowOnly(alloc ir.Value) {
	gu.backwardsOnlyShadows[alloc] = true
}

// SetInvertedPointer seeds the shadow for a pointer-typed original
// value. The cloning collaborator calls this while building the new
// function's skeleton.
func (gu *Utils) SetInvertedPointer(val ir.Value, shadow ir.Value) {
	gu.invertedPointers[val] = shadow
}

// InvertedPointer returns the current shadow for val, if any.
func (gu *Utils) InvertedPointer(val ir.Value) (ir.Value, bool) {
	s, ok := gu.invertedPointers[val]
	return s, ok
}

// invertPointer resolves the shadow of a pointer-carrying value. If
// none is registered yet, a placeholder is created at the builder's
// insert point; SetDiffe later substitutes the definitive shadow into
// every use of the placeholder.
func (gu *Utils) invertPointer(val ir.Value, b *ir.Builder) ir.Value {
	if s, ok := gu.invertedPointers[val]; ok {
		return s
	}
	ph := b.CreatePlaceholder(gu.ShadowType(val.Type()), val.Name()+"'ph")
	gu.invertedPointers[val] = ph
	return ph
}

// derivativeAliasScope returns the alias scope naming one derivative
// lane's accesses through origptr. idx -1 names the primal accesses.
// Scopes for the same (pointer, lane) are memoized so repeated
// accumulates share them.
func (gu *Utils) derivativeAliasScope(origptr ir.Value, idx int) *ir.MDNode {
	key := aliasScopeKey{ptr: origptr, idx: idx}
	if s, ok := gu.aliasScopes[key]; ok {
		return s
	}
	domain, ok := gu.aliasDomains[origptr]
	if !ok {
		domain = ir.NewScopeDomain(fmt.Sprintf("%s shadow of %%%s", gu.NewFunc.Name, origptr.Name()))
		gu.aliasDomains[origptr] = domain
	}
	var name string
	if idx < 0 {
		name = fmt.Sprintf("primal %%%s", origptr.Name())
	} else {
		name = fmt.Sprintf("shadow-%d %%%s", idx, origptr.Name())
	}
	s := ir.NewScope(name, domain)
	gu.aliasScopes[key] = s
	return s
}

// applyChainRule applies rule once per derivative lane and recombines
// the per-lane results. With width 1 the rule runs once over the
// arguments unchanged. With width N, arguments that are N-element
// arrays are split lane-wise; anything else is broadcast.
func (gu *Utils) applyChainRule(ret ir.Type, b *ir.Builder, rule func(args ...ir.Value) ir.Value, args ...ir.Value) ir.Value {
	if gu.cfg.Width == 1 {
		return rule(args...)
	}
	var agg ir.Value = ir.ZeroOf(ir.ArrayOf(ret, gu.cfg.Width))
	for lane := 0; lane < gu.cfg.Width; lane++ {
		laneArgs := make([]ir.Value, len(args))
		for i, a := range args {
			laneArgs[i] = gu.extractLane(b, a, lane)
		}
		agg = b.CreateInsertValue(agg, rule(laneArgs...), lane)
	}
	return agg
}

// applyChainRuleVoid is applyChainRule for rules emitting only side
// effects.
func (gu *Utils) applyChainRuleVoid(b *ir.Builder, rule func(args ...ir.Value), args ...ir.Value) {
	if gu.cfg.Width == 1 {
		rule(args...)
		return
	}
	for lane := 0; lane < gu.cfg.Width; lane++ {
		laneArgs := make([]ir.Value, len(args))
		for i, a := range args {
			laneArgs[i] = gu.extractLane(b, a, lane)
		}
		rule(laneArgs...)
	}
}

func (gu *Utils) extractLane(b *ir.Builder, v ir.Value, lane int) ir.Value {
	if at, ok := v.Type().(*ir.ArrayType); ok && at.Len == gu.cfg.Width {
		return b.CreateExtractValue(v, lane)
	}
	return v
}

// underlyingObject walks pointer casts and address computations back
// to the allocation or argument the pointer is derived from, with a
// bounded number of steps.
func underlyingObject(v ir.Value) ir.Value {
	for i := 0; i < 100; i++ {
		in, ok := v.(*ir.Instruction)
		if !ok {
			return v
		}
		switch in.Op {
		case ir.OpGEP, ir.OpBitCast, ir.OpPointerCast, ir.OpAddrSpaceCast:
			v = in.Operands[0]
		default:
			return v
		}
	}
	return v
}

// cacheAlignment returns the alignment cached allocations are known
// to carry: the largest power of two not exceeding the element size,
// capped at 16.
func cacheAlignment(size uint64) uint64 {
	var al uint64 = 1
	for al*2 <= size && al < 16 {
		al *= 2
	}
	return al
}

// ScopeFrees returns the deallocation calls recorded for a cached
// allocation.
func (gu *Utils) ScopeFrees(alloc *ir.Instruction) []*ir.Instruction {
	frees := make([]*ir.Instruction, 0, len(gu.scopeFrees[alloc]))
	for ci := range gu.scopeFrees[alloc] {
		frees = append(frees, ci)
	}
	return frees
}

func (gu *Utils) recordFree(alloc, ci *ir.Instruction) {
	if gu.scopeFrees[alloc] == nil {
		gu.scopeFrees[alloc] = make(map[*ir.Instruction]bool)
	}
	gu.scopeFrees[alloc][ci] = true
}
