// Package ir provides the typed intermediate representation the
// differentiation pass operates on.
//
// The representation is deliberately small: a closed set of type
// shapes, SSA-style values with reference identity, basic blocks
// owned by functions, and a builder that appends instructions at an
// insert point. It carries just enough metadata (alias scopes,
// invariant groups, alignment, debug locations) for the derivative
// code generator to express what the host optimizer needs.
//
// Architecture:
//   - Type: tagged variants (void, int, float, pointer, vector, array, struct)
//   - Value: constants, arguments, instructions; identity is by pointer
//   - Builder: positioned emission of instructions into blocks
//   - DataLayout: sizes and preferred alignments per type
//   - Evaluator: reference interpreter used by tests
package ir

import (
	"fmt"
	"strings"
)

// TypeKind discriminates the closed set of type shapes.
type TypeKind int

// Supported type kinds.
const (
	VoidKind TypeKind = iota
	IntKind
	FloatKind
	PointerKind
	VectorKind
	ArrayKind
	StructKind
)

// Type is the interface implemented by all IR types.
// The set of implementations is closed; consumers switch on Kind.
type Type interface {
	Kind() TypeKind
	String() string
}

// VoidType is the type of values that carry no data.
type VoidType struct{}

// IntType is an integer type of the given bit width.
// Integer-typed storage may hold the bit pattern of a float; the
// differentiation pass resolves that through type hints.
type IntType struct {
	Bits int
}

// FloatType is a floating-point type of 16, 32 or 64 bits.
type FloatType struct {
	Bits int
}

// PointerType points to Elem in the given address space.
type PointerType struct {
	Elem      Type
	AddrSpace int
}

// VectorType is a fixed-length SIMD vector of a scalar element type.
type VectorType struct {
	Elem Type
	Len  int
}

// ArrayType is a fixed-length sequence of an element type.
type ArrayType struct {
	Elem Type
	Len  int
}

// StructType is a field-wise aggregate.
type StructType struct {
	Fields []Type
	Packed bool
}

func (*VoidType) Kind() TypeKind    { return VoidKind }
func (*IntType) Kind() TypeKind     { return IntKind }
func (*FloatType) Kind() TypeKind   { return FloatKind }
func (*PointerType) Kind() TypeKind { return PointerKind }
func (*VectorType) Kind() TypeKind  { return VectorKind }
func (*ArrayType) Kind() TypeKind   { return ArrayKind }
func (*StructType) Kind() TypeKind  { return StructKind }

func (*VoidType) String() string  { return "void" }
func (t *IntType) String() string { return fmt.Sprintf("i%d", t.Bits) }

func (t *FloatType) String() string {
	switch t.Bits {
	case 16:
		return "half"
	case 32:
		return "float"
	case 64:
		return "double"
	default:
		return fmt.Sprintf("f%d", t.Bits)
	}
}

func (t *PointerType) String() string {
	if t.AddrSpace != 0 {
		return fmt.Sprintf("%s addrspace(%d)*", t.Elem, t.AddrSpace)
	}
	return t.Elem.String() + "*"
}

func (t *VectorType) String() string {
	return fmt.Sprintf("<%d x %s>", t.Len, t.Elem)
}

func (t *ArrayType) String() string {
	return fmt.Sprintf("[%d x %s]", t.Len, t.Elem)
}

func (t *StructType) String() string {
	var sb strings.Builder
	if t.Packed {
		sb.WriteString("<")
	}
	sb.WriteString("{ ")
	for i, f := range t.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.String())
	}
	sb.WriteString(" }")
	if t.Packed {
		sb.WriteString(">")
	}
	return sb.String()
}

// Common scalar types.
var (
	Void = &VoidType{}
	I1   = &IntType{Bits: 1}
	I8   = &IntType{Bits: 8}
	I16  = &IntType{Bits: 16}
	I32  = &IntType{Bits: 32}
	I64  = &IntType{Bits: 64}
	Half = &FloatType{Bits: 16}
	F32  = &FloatType{Bits: 32}
	F64  = &FloatType{Bits: 64}
)

// PointerTo returns Elem* in address space 0.
func PointerTo(elem Type) *PointerType { return &PointerType{Elem: elem} }

// VectorOf returns <n x elem>.
func VectorOf(elem Type, n int) *VectorType { return &VectorType{Elem: elem, Len: n} }

// ArrayOf returns [n x elem].
func ArrayOf(elem Type, n int) *ArrayType { return &ArrayType{Elem: elem, Len: n} }

// StructOf returns an unpacked struct of the given fields.
func StructOf(fields ...Type) *StructType { return &StructType{Fields: fields} }

// PackedStructOf returns a packed struct of the given fields.
func PackedStructOf(fields ...Type) *StructType {
	return &StructType{Fields: fields, Packed: true}
}

// IsPointer reports whether t is a pointer type.
func IsPointer(t Type) bool { return t.Kind() == PointerKind }

// IsFloatOrFloatVector reports whether t is a float or a vector of floats.
func IsFloatOrFloatVector(t Type) bool {
	if t.Kind() == FloatKind {
		return true
	}
	if vt, ok := t.(*VectorType); ok {
		return vt.Elem.Kind() == FloatKind
	}
	return false
}

// IsIntOrIntVector reports whether t is an integer or a vector of integers.
func IsIntOrIntVector(t Type) bool {
	if t.Kind() == IntKind {
		return true
	}
	if vt, ok := t.(*VectorType); ok {
		return vt.Elem.Kind() == IntKind
	}
	return false
}

// SameType reports structural type equality.
func SameType(a, b Type) bool {
	if a == b {
		return true
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch at := a.(type) {
	case *VoidType:
		return true
	case *IntType:
		return at.Bits == b.(*IntType).Bits
	case *FloatType:
		return at.Bits == b.(*FloatType).Bits
	case *PointerType:
		bt := b.(*PointerType)
		return at.AddrSpace == bt.AddrSpace && SameType(at.Elem, bt.Elem)
	case *VectorType:
		bt := b.(*VectorType)
		return at.Len == bt.Len && SameType(at.Elem, bt.Elem)
	case *ArrayType:
		bt := b.(*ArrayType)
		return at.Len == bt.Len && SameType(at.Elem, bt.Elem)
	case *StructType:
		bt := b.(*StructType)
		if at.Packed != bt.Packed || len(at.Fields) != len(bt.Fields) {
			return false
		}
		for i := range at.Fields {
			if !SameType(at.Fields[i], bt.Fields[i]) {
				return false
			}
		}
		return true
	default:
		panic(fmt.Sprintf("ir: unknown type kind %T", a))
	}
}
