package ir

import "fmt"

// Module is a translation unit: a target description plus functions.
type Module struct {
	Name   string
	Target Arch
	Layout *DataLayout
	Funcs  []*Func
}

// NewModule returns a module with the default 64-bit layout.
func NewModule(name string, target Arch) *Module {
	return &Module{Name: name, Target: target, Layout: DefaultLayout}
}

// NewFunc creates a function, appends it to the module and returns it.
func (m *Module) NewFunc(name string, ret Type, params ...Type) *Func {
	f := &Func{Name: name, Ret: ret, Mod: m}
	for i, pt := range params {
		f.Params = append(f.Params, &Argument{
			name:   fmt.Sprintf("arg%d", i),
			Typ:    pt,
			Parent: f,
		})
	}
	m.Funcs = append(m.Funcs, f)
	return f
}

// Func is a function under construction.
type Func struct {
	Name   string
	Ret    Type
	Params []*Argument
	Blocks []*Block
	Mod    *Module

	// HasDebugInfo mirrors the presence of a subprogram entry: when
	// set, synthesized instructions that need a location get one tied
	// to this function.
	HasDebugInfo bool

	nextID int
}

// Param returns the i-th formal parameter.
func (f *Func) Param(i int) *Argument { return f.Params[i] }

// NewBlock creates a block, appends it to the function and returns it.
func (f *Func) NewBlock(name string) *Block {
	b := &Block{Name: name, Parent: f}
	f.Blocks = append(f.Blocks, b)
	return b
}

// nextName hands out unique result names within the function.
func (f *Func) nextName() string {
	f.nextID++
	return fmt.Sprintf("t%d", f.nextID)
}

// ReplaceAllUses rewrites every operand in the function that is old
// to new. Used when a forward-mode shadow placeholder is resolved.
func (f *Func) ReplaceAllUses(old, new Value) {
	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			for i, op := range in.Operands {
				if op == old {
					in.Operands[i] = new
				}
			}
		}
	}
}

// NumUses counts how many operand slots in the function reference v.
func (f *Func) NumUses(v Value) int {
	n := 0
	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			for _, op := range in.Operands {
				if op == v {
					n++
				}
			}
		}
	}
	return n
}

// Block is a basic block: a named, ordered list of instructions.
type Block struct {
	Name   string
	Parent *Func
	Instrs []*Instruction
}

// Terminator returns the block's terminator, or nil if the block is
// still open.
func (b *Block) Terminator() *Instruction {
	if n := len(b.Instrs); n > 0 && b.Instrs[n-1].IsTerminator() {
		return b.Instrs[n-1]
	}
	return nil
}

// Remove deletes in from the block. It is a contract violation to
// remove an instruction that still has uses.
func (b *Block) Remove(in *Instruction) {
	if f := b.Parent; f != nil {
		if n := f.NumUses(in); n != 0 {
			panic(fmt.Sprintf("ir: removing instruction %%%s with %d remaining uses", in.Name(), n))
		}
	}
	for i, cur := range b.Instrs {
		if cur == in {
			b.Instrs = append(b.Instrs[:i], b.Instrs[i+1:]...)
			in.Block = nil
			return
		}
	}
	panic(fmt.Sprintf("ir: instruction %%%s not in block %s", in.Name(), b.Name))
}
