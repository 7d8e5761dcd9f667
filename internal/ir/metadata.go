package ir

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Metadata kinds understood by the printer and copied by the
// derivative code generator.
const (
	MDAliasScope      = "alias.scope"
	MDNoAlias         = "noalias"
	MDInvariantGroup  = "invariant.group"
	MDDereferenceable = "dereferenceable"
	MDTBAA            = "tbaa"
	MDTBAAStruct      = "tbaa.struct"
)

// MDToCopy is the set of kinds carried over from an original memory
// instruction onto a derivative access spanning the same bytes.
var MDToCopy = []string{MDAliasScope, MDNoAlias, MDTBAA, MDTBAAStruct}

// MDNode is a metadata node. Scope and domain nodes carry a stable
// 64-bit ID derived from their names so output is deterministic
// across runs; list nodes carry operands; leaf annotations carry an
// integer payload (e.g. dereferenceable byte counts).
type MDNode struct {
	Name  string
	ID    uint64
	Ops   []*MDNode
	Const int64
}

// NewMDList returns a list node over the given operands.
func NewMDList(ops ...*MDNode) *MDNode { return &MDNode{Ops: ops} }

// NewMDConst returns a leaf node carrying an integer payload.
func NewMDConst(v int64) *MDNode { return &MDNode{Const: v} }

// NewScopeDomain returns a named alias-scope domain.
func NewScopeDomain(name string) *MDNode {
	return &MDNode{Name: name, ID: xxhash.Sum64String("domain:" + name)}
}

// NewScope returns a named alias scope inside domain.
func NewScope(name string, domain *MDNode) *MDNode {
	return &MDNode{
		Name: name,
		ID:   xxhash.Sum64String("scope:" + name),
		Ops:  []*MDNode{domain},
	}
}

// String formats the node for the printer.
func (md *MDNode) String() string {
	if md == nil {
		return "null"
	}
	if md.Name != "" {
		return fmt.Sprintf("!%q(#%x)", md.Name, md.ID&0xffff)
	}
	if len(md.Ops) == 0 {
		return fmt.Sprintf("!{i64 %d}", md.Const)
	}
	s := "!{"
	for i, op := range md.Ops {
		if i > 0 {
			s += ", "
		}
		s += op.String()
	}
	return s + "}"
}

// ContainsScope reports whether the (list) node references a scope
// with the given ID.
func (md *MDNode) ContainsScope(id uint64) bool {
	if md == nil {
		return false
	}
	if md.ID == id {
		return true
	}
	for _, op := range md.Ops {
		if op.ContainsScope(id) {
			return true
		}
	}
	return false
}
