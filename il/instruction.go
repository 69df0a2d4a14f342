package il

import (
	"errors"
	"fmt"
	"math"

	bin "github.com/wippyai/ildecode/internal/binary"
	"github.com/wippyai/ildecode/metadata"
)

// ErrBranchTarget is returned when a branch lands inside an instruction.
var ErrBranchTarget = errors.New("branch target is not an instruction boundary")

// ErrBranchRange is returned when a short branch cannot reach its target.
var ErrBranchRange = errors.New("short branch target out of range")

// Instruction is one decoded CIL instruction.
//
// Operand holds, by operand type:
//
//	InlineNone                    nil
//	ShortInlineBrTarget, InlineBrTarget  *Instruction
//	InlineSwitch                  []*Instruction
//	ShortInlineI                  int8
//	ShortInlineVar                uint8
//	InlineVar                     uint16
//	InlineI                       int32
//	InlineI8                      int64
//	ShortInlineR                  float32
//	InlineR                       float64
//	token operands                metadata.Token
type Instruction struct {
	Operand any
	Offset  uint32
	Opcode  Opcode
}

// Token returns the instruction's metadata token operand.
func (i *Instruction) Token() (metadata.Token, bool) {
	tok, ok := i.Operand.(metadata.Token)
	return tok, ok
}

// Size returns the encoded size of the instruction.
func (i *Instruction) Size() int {
	t := i.Opcode.Operand()
	if t == InlineSwitch {
		targets, _ := i.Operand.([]*Instruction)
		return i.Opcode.Size() + 4 + 4*len(targets)
	}
	return i.Opcode.Size() + t.operandSize()
}

func (i *Instruction) String() string {
	s := fmt.Sprintf("IL_%04x: %s", i.Offset, i.Opcode)
	switch op := i.Operand.(type) {
	case nil:
		return s
	case *Instruction:
		return fmt.Sprintf("%s IL_%04x", s, op.Offset)
	case []*Instruction:
		for j, t := range op {
			if j == 0 {
				s += " ("
			} else {
				s += ", "
			}
			s += fmt.Sprintf("IL_%04x", t.Offset)
		}
		return s + ")"
	default:
		return fmt.Sprintf("%s %v", s, op)
	}
}

// pending branch targets are raw absolute offsets until resolved.
type rawTarget uint32
type rawSwitch []uint32

// DecodeInstructions decodes a CIL code stream. Branch operands are
// resolved to the instructions they target.
func DecodeInstructions(code []byte) ([]*Instruction, error) {
	r := bin.NewReader(code)
	// Roughly 3 bytes per instruction on average
	instrs := make([]*Instruction, 0, len(code)/3+1)

	for r.Len() > 0 {
		start := uint32(r.Position())
		b, _ := r.ReadByte()
		op := Opcode(b)
		if b == prefix2 {
			b2, err := r.ReadByte()
			if err != nil {
				return nil, r.WrapError("code", err)
			}
			op = Opcode(prefix2)<<8 | Opcode(b2)
		}
		if !op.Valid() {
			return nil, &bin.ParseError{Section: "code", Position: int(start), Err: fmt.Errorf("invalid opcode 0x%x", uint16(op))}
		}

		instr := &Instruction{Opcode: op, Offset: start}
		operand, err := readOperand(r, op.Operand())
		if err != nil {
			return nil, r.WrapError("code", fmt.Errorf("%s operand: %w", op, err))
		}
		next := uint32(r.Position())
		switch v := operand.(type) {
		case int8:
			if op.Operand() == ShortInlineBrTarget {
				operand = rawTarget(int64(next) + int64(v))
			}
		case int32:
			if op.Operand() == InlineBrTarget {
				operand = rawTarget(int64(next) + int64(v))
			}
		case []int32:
			targets := make(rawSwitch, len(v))
			for j, d := range v {
				targets[j] = uint32(int64(next) + int64(d))
			}
			operand = targets
		}
		instr.Operand = operand
		instrs = append(instrs, instr)
	}

	if err := resolveTargets(instrs, uint32(len(code))); err != nil {
		return nil, err
	}
	return instrs, nil
}

func readOperand(r *bin.Reader, t OperandType) (any, error) {
	switch t {
	case InlineNone:
		return nil, nil
	case ShortInlineBrTarget, ShortInlineI:
		b, err := r.ReadByte()
		return int8(b), err
	case ShortInlineVar:
		return r.ReadByte()
	case InlineVar:
		return r.ReadU16()
	case InlineBrTarget, InlineI:
		v, err := r.ReadU32()
		return int32(v), err
	case InlineI8:
		v, err := r.ReadU64()
		return int64(v), err
	case ShortInlineR:
		v, err := r.ReadU32()
		return math.Float32frombits(v), err
	case InlineR:
		v, err := r.ReadU64()
		return math.Float64frombits(v), err
	case InlineSwitch:
		n, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		if int(n) > r.Len()/4 {
			return nil, fmt.Errorf("switch with %d targets exceeds code", n)
		}
		deltas := make([]int32, n)
		for i := range deltas {
			v, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			deltas[i] = int32(v)
		}
		return deltas, nil
	default:
		v, err := r.ReadU32()
		return metadata.Token(v), err
	}
}

func resolveTargets(instrs []*Instruction, codeSize uint32) error {
	byOffset := make(map[uint32]*Instruction, len(instrs))
	for _, in := range instrs {
		byOffset[in.Offset] = in
	}
	find := func(from *Instruction, off uint32) (*Instruction, error) {
		if t, ok := byOffset[off]; ok {
			return t, nil
		}
		return nil, fmt.Errorf("%s at IL_%04x -> IL_%04x (code size 0x%x): %w", from.Opcode, from.Offset, off, codeSize, ErrBranchTarget)
	}
	for _, in := range instrs {
		switch v := in.Operand.(type) {
		case rawTarget:
			t, err := find(in, uint32(v))
			if err != nil {
				return err
			}
			in.Operand = t
		case rawSwitch:
			targets := make([]*Instruction, len(v))
			for j, off := range v {
				t, err := find(in, off)
				if err != nil {
					return err
				}
				targets[j] = t
			}
			in.Operand = targets
		}
	}
	return nil
}

// layout assigns offsets to instrs and returns the code size.
func layout(instrs []*Instruction) uint32 {
	var off uint32
	for _, in := range instrs {
		in.Offset = off
		off += uint32(in.Size())
	}
	return off
}

// EncodeInstructions lays out instrs (updating their offsets) and encodes
// them into a code stream.
func EncodeInstructions(instrs []*Instruction) ([]byte, error) {
	size := layout(instrs)
	w := bin.NewWriter()
	for _, in := range instrs {
		if err := encodeInstruction(w, in); err != nil {
			return nil, err
		}
	}
	if uint32(w.Len()) != size {
		return nil, fmt.Errorf("encoded %d bytes, laid out %d", w.Len(), size)
	}
	return w.Bytes(), nil
}

func encodeInstruction(w *bin.Writer, in *Instruction) error {
	op := in.Opcode
	if op.Size() == 2 {
		w.Byte(prefix2)
	}
	w.Byte(byte(op))

	next := int64(in.Offset) + int64(in.Size())
	bad := func() error {
		return fmt.Errorf("%s at IL_%04x: operand %T does not match %s", op, in.Offset, in.Operand, op)
	}

	switch t := op.Operand(); t {
	case InlineNone:
		if in.Operand != nil {
			return bad()
		}
	case ShortInlineBrTarget, InlineBrTarget:
		target, ok := in.Operand.(*Instruction)
		if !ok || target == nil {
			return bad()
		}
		delta := int64(target.Offset) - next
		if t == ShortInlineBrTarget {
			if delta < math.MinInt8 || delta > math.MaxInt8 {
				return fmt.Errorf("%s at IL_%04x: delta %d: %w", op, in.Offset, delta, ErrBranchRange)
			}
			w.Byte(byte(int8(delta)))
		} else {
			w.WriteU32(uint32(int32(delta)))
		}
	case InlineSwitch:
		targets, ok := in.Operand.([]*Instruction)
		if !ok {
			return bad()
		}
		w.WriteU32(uint32(len(targets)))
		for _, target := range targets {
			if target == nil {
				return bad()
			}
			w.WriteU32(uint32(int32(int64(target.Offset) - next)))
		}
	case ShortInlineI:
		v, ok := in.Operand.(int8)
		if !ok {
			return bad()
		}
		w.Byte(byte(v))
	case ShortInlineVar:
		v, ok := in.Operand.(uint8)
		if !ok {
			return bad()
		}
		w.Byte(v)
	case InlineVar:
		v, ok := in.Operand.(uint16)
		if !ok {
			return bad()
		}
		w.WriteU16(v)
	case InlineI:
		v, ok := in.Operand.(int32)
		if !ok {
			return bad()
		}
		w.WriteU32(uint32(v))
	case InlineI8:
		v, ok := in.Operand.(int64)
		if !ok {
			return bad()
		}
		w.WriteU64(uint64(v))
	case ShortInlineR:
		v, ok := in.Operand.(float32)
		if !ok {
			return bad()
		}
		w.WriteU32(math.Float32bits(v))
	case InlineR:
		v, ok := in.Operand.(float64)
		if !ok {
			return bad()
		}
		w.WriteU64(math.Float64bits(v))
	default:
		tok, ok := in.Operand.(metadata.Token)
		if !ok {
			return bad()
		}
		w.WriteU32(uint32(tok))
	}
	return nil
}
