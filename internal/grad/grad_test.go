package grad_test

import (
	"testing"

	"github.com/adjoint-ml/adjoint/internal/grad"
	"github.com/adjoint-ml/adjoint/internal/ir"
)

// activityFunc adapts a predicate to the activity interface.
type activityFunc func(v ir.Value) bool

func (f activityFunc) IsConstantValue(v ir.Value) bool { return f(v) }

// allActive treats every value as carrying derivative information.
var allActive = activityFunc(func(ir.Value) bool { return false })

// constantOnly marks exactly the given values as constant.
func constantOnly(vals ...ir.Value) activityFunc {
	return func(v ir.Value) bool {
		for _, c := range vals {
			if c == v {
				return true
			}
		}
		return false
	}
}

// session is the scaffolding shared by most tests: an original
// function, the function under construction with its allocation
// region and one working block, and the differentiation state over
// them. oldParams and newParams pick the two signatures; the original
// function gets a single empty entry block.
type session struct {
	mod   *ir.Module
	oldFn *ir.Func
	newFn *ir.Func
	alloc *ir.Block
	body  *ir.Block
	b     *ir.Builder
	gu    *grad.Utils
}

func newSession(t *testing.T, cfg grad.Config, target ir.Arch, act grad.Activity, oldParams, newParams []ir.Type) *session {
	t.Helper()
	if act == nil {
		act = allActive
	}
	mod := ir.NewModule("test", target)
	oldFn := mod.NewFunc("square", ir.Void, oldParams...)
	oldFn.NewBlock("entry")
	newFn := mod.NewFunc("diffesquare", ir.Void, newParams...)
	alloc := newFn.NewBlock("allocas")
	body := newFn.NewBlock("body")
	gu := grad.NewUtils(cfg, oldFn, newFn, alloc, act, nil)
	b := ir.NewBuilder(body)
	b.SetFastMath(cfg.FastMath)
	return &session{mod: mod, oldFn: oldFn, newFn: newFn, alloc: alloc, body: body, b: b, gu: gu}
}

// oldBuilder returns a builder positioned in the original function's
// entry block, for materializing original-side instructions.
func (s *session) oldBuilder() *ir.Builder {
	return ir.NewBuilder(s.oldFn.Blocks[0])
}

// countOps counts instructions with the given opcode in a block.
func countOps(bb *ir.Block, op ir.Opcode) int {
	n := 0
	for _, in := range bb.Instrs {
		if in.Op == op {
			n++
		}
	}
	return n
}

// findOps returns the instructions with the given opcode, in order.
func findOps(bb *ir.Block, op ir.Opcode) []*ir.Instruction {
	var out []*ir.Instruction
	for _, in := range bb.Instrs {
		if in.Op == op {
			out = append(out, in)
		}
	}
	return out
}
