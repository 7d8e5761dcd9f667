package ir

import "fmt"

// Arch identifies the target architecture the generated code is
// compiled for. It only matters for decisions that depend on the
// memory model of the target (e.g. whether local memory can be raced
// upon, or which address spaces atomics are legal in).
type Arch int

// Supported target architectures.
const (
	X8664 Arch = iota
	ARM64
	NVPTX
	NVPTX64
	AMDGCN
	WASM32
)

// String returns a human-readable architecture name.
func (a Arch) String() string {
	switch a {
	case X8664:
		return "x86_64"
	case ARM64:
		return "aarch64"
	case NVPTX:
		return "nvptx"
	case NVPTX64:
		return "nvptx64"
	case AMDGCN:
		return "amdgcn"
	case WASM32:
		return "wasm32"
	default:
		return "unknown"
	}
}

// IsGPU reports whether local (stack) memory on this architecture
// cannot be raced upon by other threads of the same kernel.
func (a Arch) IsGPU() bool {
	return a == NVPTX || a == NVPTX64 || a == AMDGCN
}

// DataLayout reports sizes and alignments of IR types.
// PointerBytes is the byte width of a pointer on the target.
type DataLayout struct {
	PointerBytes int
}

// DefaultLayout is a 64-bit layout.
var DefaultLayout = &DataLayout{PointerBytes: 8}

// BitSize returns the number of bits occupied by a value of type t.
func (dl *DataLayout) BitSize(t Type) uint64 {
	switch tt := t.(type) {
	case *VoidType:
		return 0
	case *IntType:
		return uint64(tt.Bits)
	case *FloatType:
		return uint64(tt.Bits)
	case *PointerType:
		return uint64(dl.PointerBytes) * 8
	case *VectorType:
		return uint64(tt.Len) * dl.BitSize(tt.Elem)
	case *ArrayType:
		return uint64(tt.Len) * dl.StoreSize(tt.Elem) * 8
	case *StructType:
		return dl.StoreSize(tt) * 8
	default:
		panic(fmt.Sprintf("ir: BitSize of unknown type %T", t))
	}
}

// StoreSize returns the number of bytes a value of type t occupies in
// memory, including struct padding.
func (dl *DataLayout) StoreSize(t Type) uint64 {
	switch tt := t.(type) {
	case *VoidType:
		return 0
	case *IntType:
		return uint64((tt.Bits + 7) / 8)
	case *FloatType:
		return uint64(tt.Bits / 8)
	case *PointerType:
		return uint64(dl.PointerBytes)
	case *VectorType:
		return uint64(tt.Len) * dl.StoreSize(tt.Elem)
	case *ArrayType:
		return uint64(tt.Len) * dl.StoreSize(tt.Elem)
	case *StructType:
		var size uint64
		for _, f := range tt.Fields {
			fs := dl.StoreSize(f)
			if !tt.Packed {
				al := dl.ABIAlign(f)
				size = alignTo(size, al)
			}
			size += fs
		}
		if !tt.Packed {
			size = alignTo(size, dl.ABIAlign(tt))
		}
		return size
	default:
		panic(fmt.Sprintf("ir: StoreSize of unknown type %T", t))
	}
}

// ABIAlign returns the required alignment of type t.
func (dl *DataLayout) ABIAlign(t Type) uint64 {
	switch tt := t.(type) {
	case *VoidType:
		return 1
	case *IntType, *FloatType, *PointerType:
		s := dl.StoreSize(t)
		if s == 0 {
			return 1
		}
		// Round up to the next power of two, capped at 8.
		var al uint64 = 1
		for al < s && al < 8 {
			al <<= 1
		}
		return al
	case *VectorType:
		return dl.ABIAlign(tt.Elem)
	case *ArrayType:
		return dl.ABIAlign(tt.Elem)
	case *StructType:
		if tt.Packed {
			return 1
		}
		var al uint64 = 1
		for _, f := range tt.Fields {
			if fa := dl.ABIAlign(f); fa > al {
				al = fa
			}
		}
		return al
	default:
		panic(fmt.Sprintf("ir: ABIAlign of unknown type %T", t))
	}
}

// PrefAlign returns the preferred alignment for allocating type t.
// Vectors prefer their full store size (capped at 16) so vector
// loads and stores stay aligned.
func (dl *DataLayout) PrefAlign(t Type) uint64 {
	if vt, ok := t.(*VectorType); ok {
		s := dl.StoreSize(vt)
		var al uint64 = 1
		for al < s && al < 16 {
			al <<= 1
		}
		return al
	}
	return dl.ABIAlign(t)
}

// FieldOffset returns the byte offset of field i in struct type st.
func (dl *DataLayout) FieldOffset(st *StructType, i int) uint64 {
	var off uint64
	for j := 0; j < i; j++ {
		fs := dl.StoreSize(st.Fields[j])
		if !st.Packed {
			off = alignTo(off, dl.ABIAlign(st.Fields[j]))
		}
		off += fs
	}
	if !st.Packed {
		off = alignTo(off, dl.ABIAlign(st.Fields[i]))
	}
	return off
}

func alignTo(off, align uint64) uint64 {
	if align <= 1 {
		return off
	}
	return (off + align - 1) / align * align
}
