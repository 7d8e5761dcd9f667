package ir

import (
	"fmt"
	"math"
)

// Value is anything an instruction can take as an operand.
// Identity of non-constant values is by pointer; the differentiation
// pass keys its shadow maps on that identity and values are never
// copied or reallocated while a pass runs.
type Value interface {
	Type() Type
	Name() string
}

// ConstInt is an integer constant.
type ConstInt struct {
	Typ *IntType
	V   int64
}

// ConstFloat is a floating-point constant.
type ConstFloat struct {
	Typ *FloatType
	V   float64
}

// ConstNull is the null pointer of a pointer type.
type ConstNull struct {
	Typ *PointerType
}

// ConstZero is the zero value of an aggregate or vector type.
type ConstZero struct {
	Typ Type
}

// ConstVector is a vector built from scalar constants.
type ConstVector struct {
	Typ   *VectorType
	Elems []Value
}

func (c *ConstInt) Type() Type    { return c.Typ }
func (c *ConstFloat) Type() Type  { return c.Typ }
func (c *ConstNull) Type() Type   { return c.Typ }
func (c *ConstZero) Type() Type   { return c.Typ }
func (c *ConstVector) Type() Type { return c.Typ }

func (c *ConstInt) Name() string   { return fmt.Sprintf("%d", c.V) }
func (c *ConstFloat) Name() string { return fmt.Sprintf("%g", c.V) }
func (c *ConstNull) Name() string  { return "null" }
func (c *ConstZero) Name() string  { return "zeroinitializer" }
func (c *ConstVector) Name() string {
	return fmt.Sprintf("<%d x ...>", len(c.Elems))
}

// NewConstInt returns an integer constant of the given type.
func NewConstInt(t *IntType, v int64) *ConstInt { return &ConstInt{Typ: t, V: v} }

// NewConstFloat returns a floating-point constant of the given type.
func NewConstFloat(t *FloatType, v float64) *ConstFloat { return &ConstFloat{Typ: t, V: v} }

// ZeroOf returns the zero value of t.
func ZeroOf(t Type) Value {
	switch tt := t.(type) {
	case *IntType:
		return &ConstInt{Typ: tt}
	case *FloatType:
		return &ConstFloat{Typ: tt}
	case *PointerType:
		return &ConstNull{Typ: tt}
	default:
		return &ConstZero{Typ: t}
	}
}

// IsZeroValue reports whether v is a constant equal to zero.
// Floating-point negative zero counts as zero, matching the zero a
// fresh shadow slot holds.
func IsZeroValue(v Value) bool {
	switch c := v.(type) {
	case *ConstInt:
		return c.V == 0
	case *ConstFloat:
		return c.V == 0 || math.Signbit(c.V) && c.V == 0
	case *ConstNull, *ConstZero:
		return true
	case *ConstVector:
		for _, e := range c.Elems {
			if !IsZeroValue(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// IsConstant reports whether v is a constant value (as opposed to an
// argument or instruction result).
func IsConstant(v Value) bool {
	switch v.(type) {
	case *ConstInt, *ConstFloat, *ConstNull, *ConstZero, *ConstVector:
		return true
	default:
		return false
	}
}

// Argument is a formal parameter of a Func.
type Argument struct {
	name   string
	Typ    Type
	Parent *Func
}

func (a *Argument) Type() Type   { return a.Typ }
func (a *Argument) Name() string { return a.name }

// Opcode identifies an instruction.
type Opcode int

// Instruction opcodes.
const (
	OpAlloca Opcode = iota
	OpLoad
	OpStore
	OpMaskedLoad  // operands: ptr, align(i32), mask, passthrough
	OpMaskedStore // operands: value, ptr, align(i32), mask
	OpFAdd
	OpFSub
	OpFMul
	OpSelect // operands: cond, ifTrue, ifFalse
	OpBitCast
	OpPointerCast
	OpAddrSpaceCast
	OpGEP // operands: base, indices...
	OpExtractValue
	OpInsertValue
	OpExtractElement
	OpInsertElement
	OpAtomicRMWFAdd // operands: ptr, value; monotonic ordering
	OpCall
	OpPlaceholder // forward-mode shadow placeholder, always replaced
	OpBr
	OpRet
)

// String returns the mnemonic for op.
func (op Opcode) String() string {
	switch op {
	case OpAlloca:
		return "alloca"
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpMaskedLoad:
		return "masked.load"
	case OpMaskedStore:
		return "masked.store"
	case OpFAdd:
		return "fadd"
	case OpFSub:
		return "fsub"
	case OpFMul:
		return "fmul"
	case OpSelect:
		return "select"
	case OpBitCast:
		return "bitcast"
	case OpPointerCast:
		return "pointercast"
	case OpAddrSpaceCast:
		return "addrspacecast"
	case OpGEP:
		return "getelementptr"
	case OpExtractValue:
		return "extractvalue"
	case OpInsertValue:
		return "insertvalue"
	case OpExtractElement:
		return "extractelement"
	case OpInsertElement:
		return "insertelement"
	case OpAtomicRMWFAdd:
		return "atomicrmw fadd"
	case OpCall:
		return "call"
	case OpPlaceholder:
		return "placeholder"
	case OpBr:
		return "br"
	case OpRet:
		return "ret"
	default:
		return "unknown"
	}
}

// DebugLoc is a source location attached to an instruction.
type DebugLoc struct {
	Line  int
	Col   int
	Scope string
}

// Instruction is a single IR operation. Result-producing
// instructions are themselves the Value holding the result.
type Instruction struct {
	Op       Opcode
	Typ      Type // result type; Void for stores, branches, ...
	name     string
	Operands []Value
	Block    *Block

	// Op-specific attributes.
	Align     uint64 // alloca, load, store, atomicrmw
	AllocType Type   // alloca: the allocated (pointed-to) type
	InBounds  bool   // gep
	Indices   []int  // extractvalue / insertvalue constant path
	Callee    string // call
	FastMath  bool   // floating-point ops

	MD  map[string]*MDNode
	Loc *DebugLoc
}

func (in *Instruction) Type() Type   { return in.Typ }
func (in *Instruction) Name() string { return in.name }

// SetName renames the instruction's result.
func (in *Instruction) SetName(name string) { in.name = name }

// SetMetadata attaches (or, with nil, removes) a metadata node under
// the given kind.
func (in *Instruction) SetMetadata(kind string, md *MDNode) {
	if md == nil {
		delete(in.MD, kind)
		return
	}
	if in.MD == nil {
		in.MD = make(map[string]*MDNode, 2)
	}
	in.MD[kind] = md
}

// Metadata returns the node attached under kind, or nil.
func (in *Instruction) Metadata(kind string) *MDNode {
	return in.MD[kind]
}

// CopyMetadata copies the given metadata kinds from src.
func (in *Instruction) CopyMetadata(src *Instruction, kinds ...string) {
	for _, k := range kinds {
		if md := src.Metadata(k); md != nil {
			in.SetMetadata(k, md)
		}
	}
}

// IsTerminator reports whether the instruction ends its block.
func (in *Instruction) IsTerminator() bool {
	return in.Op == OpBr || in.Op == OpRet
}

// Parent returns the function containing the instruction, or nil for
// an instruction not yet inserted into a block.
func (in *Instruction) Parent() *Func {
	if in.Block == nil {
		return nil
	}
	return in.Block.Parent
}
