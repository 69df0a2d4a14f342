package il

import "fmt"

// Opcode is a CIL opcode. Two-byte opcodes carry the 0xFE prefix in the
// high byte.
type Opcode uint16

// OperandType describes the inline operand that follows an opcode.
type OperandType byte

const (
	InlineNone OperandType = iota
	ShortInlineBrTarget
	ShortInlineI
	ShortInlineVar
	ShortInlineR
	InlineBrTarget
	InlineI
	InlineI8
	InlineR
	InlineVar
	InlineSwitch
	InlineField
	InlineMethod
	InlineSig
	InlineString
	InlineTok
	InlineType
)

const prefix2 = 0xFE

// Opcodes referenced by name in this module.
const (
	OpNop        Opcode = 0x00
	OpLdcI4      Opcode = 0x20
	OpPop        Opcode = 0x26
	OpCall       Opcode = 0x28
	OpRet        Opcode = 0x2A
	OpBrS        Opcode = 0x2B
	OpBrfalse    Opcode = 0x39
	OpSwitch     Opcode = 0x45
	OpCallvirt   Opcode = 0x6F
	OpLdstr      Opcode = 0x72
	OpLdtoken    Opcode = 0xD0
	OpEndfinally Opcode = 0xDC
	OpLeaveS     Opcode = 0xDE
	OpLdftn      Opcode = 0xFE06
	OpLdloc      Opcode = 0xFE0C
)

type opInfo struct {
	name    string
	operand OperandType
}

var (
	oneByte [256]*opInfo
	twoByte [256]*opInfo
)

func def(code Opcode, name string, operand OperandType) {
	info := &opInfo{name: name, operand: operand}
	if code>>8 == prefix2 {
		twoByte[code&0xFF] = info
		return
	}
	oneByte[code] = info
}

func init() {
	none := []struct {
		code Opcode
		name string
	}{
		{0x00, "nop"}, {0x01, "break"},
		{0x02, "ldarg.0"}, {0x03, "ldarg.1"}, {0x04, "ldarg.2"}, {0x05, "ldarg.3"},
		{0x06, "ldloc.0"}, {0x07, "ldloc.1"}, {0x08, "ldloc.2"}, {0x09, "ldloc.3"},
		{0x0A, "stloc.0"}, {0x0B, "stloc.1"}, {0x0C, "stloc.2"}, {0x0D, "stloc.3"},
		{0x14, "ldnull"}, {0x15, "ldc.i4.m1"},
		{0x16, "ldc.i4.0"}, {0x17, "ldc.i4.1"}, {0x18, "ldc.i4.2"}, {0x19, "ldc.i4.3"},
		{0x1A, "ldc.i4.4"}, {0x1B, "ldc.i4.5"}, {0x1C, "ldc.i4.6"}, {0x1D, "ldc.i4.7"},
		{0x1E, "ldc.i4.8"},
		{0x25, "dup"}, {0x26, "pop"}, {0x2A, "ret"},
		{0x46, "ldind.i1"}, {0x47, "ldind.u1"}, {0x48, "ldind.i2"}, {0x49, "ldind.u2"},
		{0x4A, "ldind.i4"}, {0x4B, "ldind.u4"}, {0x4C, "ldind.i8"}, {0x4D, "ldind.i"},
		{0x4E, "ldind.r4"}, {0x4F, "ldind.r8"}, {0x50, "ldind.ref"}, {0x51, "stind.ref"},
		{0x52, "stind.i1"}, {0x53, "stind.i2"}, {0x54, "stind.i4"}, {0x55, "stind.i8"},
		{0x56, "stind.r4"}, {0x57, "stind.r8"},
		{0x58, "add"}, {0x59, "sub"}, {0x5A, "mul"}, {0x5B, "div"}, {0x5C, "div.un"},
		{0x5D, "rem"}, {0x5E, "rem.un"}, {0x5F, "and"}, {0x60, "or"}, {0x61, "xor"},
		{0x62, "shl"}, {0x63, "shr"}, {0x64, "shr.un"}, {0x65, "neg"}, {0x66, "not"},
		{0x67, "conv.i1"}, {0x68, "conv.i2"}, {0x69, "conv.i4"}, {0x6A, "conv.i8"},
		{0x6B, "conv.r4"}, {0x6C, "conv.r8"}, {0x6D, "conv.u4"}, {0x6E, "conv.u8"},
		{0x76, "conv.r.un"}, {0x7A, "throw"},
		{0x82, "conv.ovf.i1.un"}, {0x83, "conv.ovf.i2.un"}, {0x84, "conv.ovf.i4.un"},
		{0x85, "conv.ovf.i8.un"}, {0x86, "conv.ovf.u1.un"}, {0x87, "conv.ovf.u2.un"},
		{0x88, "conv.ovf.u4.un"}, {0x89, "conv.ovf.u8.un"}, {0x8A, "conv.ovf.i.un"},
		{0x8B, "conv.ovf.u.un"}, {0x8E, "ldlen"},
		{0x90, "ldelem.i1"}, {0x91, "ldelem.u1"}, {0x92, "ldelem.i2"}, {0x93, "ldelem.u2"},
		{0x94, "ldelem.i4"}, {0x95, "ldelem.u4"}, {0x96, "ldelem.i8"}, {0x97, "ldelem.i"},
		{0x98, "ldelem.r4"}, {0x99, "ldelem.r8"}, {0x9A, "ldelem.ref"},
		{0x9B, "stelem.i"}, {0x9C, "stelem.i1"}, {0x9D, "stelem.i2"}, {0x9E, "stelem.i4"},
		{0x9F, "stelem.i8"}, {0xA0, "stelem.r4"}, {0xA1, "stelem.r8"}, {0xA2, "stelem.ref"},
		{0xB3, "conv.ovf.i1"}, {0xB4, "conv.ovf.u1"}, {0xB5, "conv.ovf.i2"}, {0xB6, "conv.ovf.u2"},
		{0xB7, "conv.ovf.i4"}, {0xB8, "conv.ovf.u4"}, {0xB9, "conv.ovf.i8"}, {0xBA, "conv.ovf.u8"},
		{0xC3, "ckfinite"},
		{0xD1, "conv.u2"}, {0xD2, "conv.u1"}, {0xD3, "conv.i"}, {0xD4, "conv.ovf.i"},
		{0xD5, "conv.ovf.u"}, {0xD6, "add.ovf"}, {0xD7, "add.ovf.un"}, {0xD8, "mul.ovf"},
		{0xD9, "mul.ovf.un"}, {0xDA, "sub.ovf"}, {0xDB, "sub.ovf.un"}, {0xDC, "endfinally"},
		{0xDF, "stind.i"}, {0xE0, "conv.u"},
		{0xFE00, "arglist"}, {0xFE01, "ceq"}, {0xFE02, "cgt"}, {0xFE03, "cgt.un"},
		{0xFE04, "clt"}, {0xFE05, "clt.un"}, {0xFE0F, "localloc"}, {0xFE11, "endfilter"},
		{0xFE13, "volatile."}, {0xFE14, "tail."}, {0xFE17, "cpblk"}, {0xFE18, "initblk"},
		{0xFE1A, "rethrow"}, {0xFE1D, "refanytype"}, {0xFE1E, "readonly."},
	}
	for _, op := range none {
		def(op.code, op.name, InlineNone)
	}

	shortBr := []string{"br.s", "brfalse.s", "brtrue.s", "beq.s", "bge.s", "bgt.s", "ble.s",
		"blt.s", "bne.un.s", "bge.un.s", "bgt.un.s", "ble.un.s", "blt.un.s"}
	longBr := []string{"br", "brfalse", "brtrue", "beq", "bge", "bgt", "ble",
		"blt", "bne.un", "bge.un", "bgt.un", "ble.un", "blt.un"}
	for i := range shortBr {
		def(0x2B+Opcode(i), shortBr[i], ShortInlineBrTarget)
		def(0x38+Opcode(i), longBr[i], InlineBrTarget)
	}
	def(0xDD, "leave", InlineBrTarget)
	def(0xDE, "leave.s", ShortInlineBrTarget)

	for code, name := range map[Opcode]string{
		0x0E: "ldarg.s", 0x0F: "ldarga.s", 0x10: "starg.s",
		0x11: "ldloc.s", 0x12: "ldloca.s", 0x13: "stloc.s",
	} {
		def(code, name, ShortInlineVar)
	}
	for code, name := range map[Opcode]string{
		0xFE09: "ldarg", 0xFE0A: "ldarga", 0xFE0B: "starg",
		0xFE0C: "ldloc", 0xFE0D: "ldloca", 0xFE0E: "stloc",
	} {
		def(code, name, InlineVar)
	}

	def(0x1F, "ldc.i4.s", ShortInlineI)
	def(0xFE12, "unaligned.", ShortInlineI)
	def(0xFE19, "no.", ShortInlineI)
	def(0x20, "ldc.i4", InlineI)
	def(0x21, "ldc.i8", InlineI8)
	def(0x22, "ldc.r4", ShortInlineR)
	def(0x23, "ldc.r8", InlineR)
	def(0x45, "switch", InlineSwitch)
	def(0x29, "calli", InlineSig)
	def(0x72, "ldstr", InlineString)
	def(0xD0, "ldtoken", InlineTok)

	for code, name := range map[Opcode]string{
		0x27: "jmp", 0x28: "call", 0x6F: "callvirt", 0x73: "newobj",
		0xFE06: "ldftn", 0xFE07: "ldvirtftn",
	} {
		def(code, name, InlineMethod)
	}
	for code, name := range map[Opcode]string{
		0x7B: "ldfld", 0x7C: "ldflda", 0x7D: "stfld",
		0x7E: "ldsfld", 0x7F: "ldsflda", 0x80: "stsfld",
	} {
		def(code, name, InlineField)
	}
	for code, name := range map[Opcode]string{
		0x70: "cpobj", 0x71: "ldobj", 0x74: "castclass", 0x75: "isinst",
		0x79: "unbox", 0x81: "stobj", 0x8C: "box", 0x8D: "newarr",
		0x8F: "ldelema", 0xA3: "ldelem", 0xA4: "stelem", 0xA5: "unbox.any",
		0xC2: "refanyval", 0xC6: "mkrefany",
		0xFE15: "initobj", 0xFE16: "constrained.", 0xFE1C: "sizeof",
	} {
		def(code, name, InlineType)
	}
}

func lookup(op Opcode) *opInfo {
	if op>>8 == prefix2 {
		return twoByte[op&0xFF]
	}
	if op > 0xFF {
		return nil
	}
	return oneByte[op]
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	return lookup(op) != nil
}

// Operand returns the inline operand type of op.
func (op Opcode) Operand() OperandType {
	if info := lookup(op); info != nil {
		return info.operand
	}
	return InlineNone
}

// Size returns the encoded size of the opcode itself.
func (op Opcode) Size() int {
	if op>>8 == prefix2 {
		return 2
	}
	return 1
}

// IsBranch reports whether op takes a branch target operand.
func (op Opcode) IsBranch() bool {
	t := op.Operand()
	return t == ShortInlineBrTarget || t == InlineBrTarget
}

func (op Opcode) String() string {
	if info := lookup(op); info != nil {
		return info.name
	}
	return fmt.Sprintf("op(0x%x)", uint16(op))
}

// operandSize returns the inline operand size; switch is variable and
// handled by the caller.
func (t OperandType) operandSize() int {
	switch t {
	case InlineNone:
		return 0
	case ShortInlineBrTarget, ShortInlineI, ShortInlineVar:
		return 1
	case InlineVar:
		return 2
	case InlineI8, InlineR:
		return 8
	default:
		return 4
	}
}
