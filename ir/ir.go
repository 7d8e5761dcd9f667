// Package ir re-exports the intermediate representation the
// differentiation pass operates on.
//
// Example:
//
//	mod := ir.NewModule("demo", ir.X8664)
//	fn := mod.NewFunc("f", ir.F64, ir.F64)
//	entry := fn.NewBlock("entry")
//	b := ir.NewBuilder(entry)
//	sum := b.CreateFAdd(fn.Param(0), fn.Param(0))
//	_ = sum
package ir

import "github.com/adjoint-ml/adjoint/internal/ir"

// Core IR types.
type (
	Type        = ir.Type
	TypeKind    = ir.TypeKind
	VoidType    = ir.VoidType
	IntType     = ir.IntType
	FloatType   = ir.FloatType
	PointerType = ir.PointerType
	VectorType  = ir.VectorType
	ArrayType   = ir.ArrayType
	StructType  = ir.StructType

	Value       = ir.Value
	ConstInt    = ir.ConstInt
	ConstFloat  = ir.ConstFloat
	ConstVector = ir.ConstVector
	Argument    = ir.Argument
	Instruction = ir.Instruction
	Opcode      = ir.Opcode
	DebugLoc    = ir.DebugLoc

	Module     = ir.Module
	Func       = ir.Func
	Block      = ir.Block
	Builder    = ir.Builder
	DataLayout = ir.DataLayout
	Arch       = ir.Arch
	MDNode     = ir.MDNode
	Evaluator  = ir.Evaluator
	Memory     = ir.Memory
)

// Common scalar types.
var (
	Void = ir.Void
	I1   = ir.I1
	I8   = ir.I8
	I16  = ir.I16
	I32  = ir.I32
	I64  = ir.I64
	Half = ir.Half
	F32  = ir.F32
	F64  = ir.F64
)

// Target architectures.
const (
	X8664   = ir.X8664
	ARM64   = ir.ARM64
	NVPTX   = ir.NVPTX
	NVPTX64 = ir.NVPTX64
	AMDGCN  = ir.AMDGCN
	WASM32  = ir.WASM32
)

// Constructors and helpers.
var (
	NewModule     = ir.NewModule
	NewBuilder    = ir.NewBuilder
	NewEvaluator  = ir.NewEvaluator
	NewConstInt   = ir.NewConstInt
	NewConstFloat = ir.NewConstFloat
	ZeroOf        = ir.ZeroOf
	PointerTo     = ir.PointerTo
	VectorOf      = ir.VectorOf
	ArrayOf       = ir.ArrayOf
	StructOf      = ir.StructOf
	SameType      = ir.SameType
)
