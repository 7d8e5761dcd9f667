package ir

import (
	"fmt"
	"sort"
	"strings"
)

// String renders the function in a stable textual form. The form is
// one-way: there is no parser.
func (f *Func) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "define %s @%s(", f.Ret, f.Name)
	for i, p := range f.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s %%%s", p.Typ, p.Name())
	}
	sb.WriteString(") {\n")
	for _, b := range f.Blocks {
		fmt.Fprintf(&sb, "%s:\n", b.Name)
		for _, in := range b.Instrs {
			sb.WriteString("  ")
			sb.WriteString(in.String())
			sb.WriteString("\n")
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

// String renders one instruction.
func (in *Instruction) String() string {
	var sb strings.Builder
	if in.Typ.Kind() != VoidKind {
		fmt.Fprintf(&sb, "%%%s = ", in.name)
	}
	sb.WriteString(in.Op.String())
	if in.FastMath {
		sb.WriteString(" fast")
	}
	switch in.Op {
	case OpAlloca:
		fmt.Fprintf(&sb, " %s", in.AllocType)
	case OpCall:
		fmt.Fprintf(&sb, " %s @%s", in.Typ, in.Callee)
	case OpBr:
		fmt.Fprintf(&sb, " label %%%s", in.Callee)
	case OpBitCast, OpPointerCast, OpAddrSpaceCast:
		fmt.Fprintf(&sb, " %s %s to %s", in.Operands[0].Type(), operandRef(in.Operands[0]), in.Typ)
	}
	if in.Op != OpBitCast && in.Op != OpPointerCast && in.Op != OpAddrSpaceCast {
		for i, op := range in.Operands {
			if i > 0 || in.Op == OpAlloca || in.Op == OpCall {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, " %s %s", op.Type(), operandRef(op))
		}
	}
	for _, idx := range in.Indices {
		fmt.Fprintf(&sb, ", %d", idx)
	}
	if in.Align != 0 {
		fmt.Fprintf(&sb, ", align %d", in.Align)
	}
	if len(in.MD) > 0 {
		kinds := make([]string, 0, len(in.MD))
		for k := range in.MD {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(&sb, ", !%s %s", k, in.MD[k])
		}
	}
	if in.Loc != nil {
		fmt.Fprintf(&sb, ", !dbg !{%d, %d}", in.Loc.Line, in.Loc.Col)
	}
	return sb.String()
}

func operandRef(v Value) string {
	if IsConstant(v) {
		return v.Name()
	}
	return "%" + v.Name()
}
