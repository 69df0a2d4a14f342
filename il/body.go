package il

import (
	"errors"
	"fmt"

	bin "github.com/wippyai/ildecode/internal/binary"
	"github.com/wippyai/ildecode/metadata"
)

// Method header and data section flags (ECMA-335 II.25.4).
const (
	headerTiny       = 0x2
	headerFat        = 0x3
	headerFormatMask = 0x3
	fatMoreSects     = 0x8
	fatInitLocals    = 0x10
	fatHeaderDwords  = 3

	sectEHTable    = 0x01
	sectOptILTable = 0x02
	sectFatFormat  = 0x40
	sectMoreSects  = 0x80

	tinyMaxCode     = 64
	tinyMaxStack    = 8
	smallClauseSize = 12
	fatClauseSize   = 24
)

// ErrUnsupportedSection is returned for method data sections other than
// exception tables.
var ErrUnsupportedSection = errors.New("unsupported method data section")

// HandlerKind is the kind of an exception handling clause.
type HandlerKind uint32

const (
	HandlerCatch   HandlerKind = 0x0
	HandlerFilter  HandlerKind = 0x1
	HandlerFinally HandlerKind = 0x2
	HandlerFault   HandlerKind = 0x4
)

// ExceptionHandler is one exception handling clause. End boundaries are
// exclusive; a nil end means the end of the code.
type ExceptionHandler struct {
	TryStart     *Instruction
	TryEnd       *Instruction
	HandlerStart *Instruction
	HandlerEnd   *Instruction
	FilterStart  *Instruction
	CatchType    metadata.Token
	Kind         HandlerKind
}

// Body is a decoded method body.
type Body struct {
	Instructions []*Instruction
	Handlers     []*ExceptionHandler
	LocalVarSig  metadata.Token
	// Size is the number of bytes the body occupied when decoded.
	Size       int
	MaxStack   uint16
	InitLocals bool
	Fat        bool
}

// DecodeBody decodes a method body from data, which starts at the body's
// RVA and may extend past its end.
func DecodeBody(data []byte) (*Body, error) {
	r := bin.NewReader(data)
	first, err := r.ReadByte()
	if err != nil {
		return nil, r.WrapError("method header", err)
	}

	b := &Body{}
	var codeSize uint32
	var moreSects bool

	switch first & headerFormatMask {
	case headerTiny:
		codeSize = uint32(first >> 2)
		b.MaxStack = tinyMaxStack
	case headerFat:
		if err := r.Seek(0); err != nil {
			return nil, err
		}
		flags, err := r.ReadU16()
		if err != nil {
			return nil, r.WrapError("method header", err)
		}
		if size := int(flags>>12) * 4; size != fatHeaderDwords*4 {
			return nil, r.WrapError("method header", fmt.Errorf("fat header size %d", size))
		}
		if b.MaxStack, err = r.ReadU16(); err != nil {
			return nil, r.WrapError("method header", err)
		}
		if codeSize, err = r.ReadU32(); err != nil {
			return nil, r.WrapError("method header", err)
		}
		tok, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("method header", err)
		}
		b.LocalVarSig = metadata.Token(tok)
		b.Fat = true
		b.InitLocals = flags&fatInitLocals != 0
		moreSects = flags&fatMoreSects != 0
	default:
		return nil, r.WrapError("method header", fmt.Errorf("invalid header format 0x%02x", first))
	}

	code, err := r.ReadBytes(int(codeSize))
	if err != nil {
		return nil, r.WrapError("method code", err)
	}
	if b.Instructions, err = DecodeInstructions(code); err != nil {
		return nil, err
	}

	byOffset := make(map[uint32]*Instruction, len(b.Instructions))
	for _, in := range b.Instructions {
		byOffset[in.Offset] = in
	}
	at := func(off uint32, end bool) (*Instruction, error) {
		if end && off == codeSize {
			return nil, nil
		}
		if in, ok := byOffset[off]; ok {
			return in, nil
		}
		return nil, fmt.Errorf("exception clause offset IL_%04x: %w", off, ErrBranchTarget)
	}

	for moreSects {
		if err := r.Align(4); err != nil {
			return nil, r.WrapError("method data section", err)
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("method data section", err)
		}
		var dataSize int
		if kind&sectFatFormat != 0 {
			sz, err := r.ReadBytes(3)
			if err != nil {
				return nil, r.WrapError("method data section", err)
			}
			dataSize = int(sz[0]) | int(sz[1])<<8 | int(sz[2])<<16
		} else {
			sz, err := r.ReadByte()
			if err != nil {
				return nil, r.WrapError("method data section", err)
			}
			dataSize = int(sz)
			if err := r.Skip(2); err != nil {
				return nil, r.WrapError("method data section", err)
			}
		}
		if kind&sectEHTable == 0 || kind&sectOptILTable != 0 {
			return nil, r.WrapError("method data section", fmt.Errorf("%w 0x%02x", ErrUnsupportedSection, kind))
		}

		clauseSize := smallClauseSize
		if kind&sectFatFormat != 0 {
			clauseSize = fatClauseSize
		}
		if dataSize < 4 {
			return nil, r.WrapError("method data section", fmt.Errorf("data size %d", dataSize))
		}
		n := (dataSize - 4) / clauseSize
		for i := 0; i < n; i++ {
			c, err := readClause(r, kind&sectFatFormat != 0)
			if err != nil {
				return nil, r.WrapError("exception clause", err)
			}
			h, err := c.resolve(at)
			if err != nil {
				return nil, err
			}
			b.Handlers = append(b.Handlers, h)
		}
		// Skip any slack the section declared past its whole clauses.
		if rest := dataSize - 4 - n*clauseSize; rest > 0 {
			if err := r.Skip(rest); err != nil {
				return nil, r.WrapError("method data section", err)
			}
		}
		moreSects = kind&sectMoreSects != 0
	}

	b.Size = r.Position()
	return b, nil
}

type rawClause struct {
	flags, tryOff, tryLen, handlerOff, handlerLen, extra uint32
}

func readClause(r *bin.Reader, fat bool) (rawClause, error) {
	var c rawClause
	if fat {
		fields := []*uint32{&c.flags, &c.tryOff, &c.tryLen, &c.handlerOff, &c.handlerLen, &c.extra}
		for _, f := range fields {
			v, err := r.ReadU32()
			if err != nil {
				return c, err
			}
			*f = v
		}
		return c, nil
	}

	read16 := func(dst *uint32) error {
		v, err := r.ReadU16()
		*dst = uint32(v)
		return err
	}
	read8 := func(dst *uint32) error {
		v, err := r.ReadByte()
		*dst = uint32(v)
		return err
	}
	steps := []func() error{
		func() error { return read16(&c.flags) },
		func() error { return read16(&c.tryOff) },
		func() error { return read8(&c.tryLen) },
		func() error { return read16(&c.handlerOff) },
		func() error { return read8(&c.handlerLen) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return c, err
		}
	}
	v, err := r.ReadU32()
	c.extra = v
	return c, err
}

func (c rawClause) resolve(at func(uint32, bool) (*Instruction, error)) (*ExceptionHandler, error) {
	h := &ExceptionHandler{Kind: HandlerKind(c.flags)}
	var err error
	if h.TryStart, err = at(c.tryOff, false); err != nil {
		return nil, err
	}
	if h.TryEnd, err = at(c.tryOff+c.tryLen, true); err != nil {
		return nil, err
	}
	if h.HandlerStart, err = at(c.handlerOff, false); err != nil {
		return nil, err
	}
	if h.HandlerEnd, err = at(c.handlerOff+c.handlerLen, true); err != nil {
		return nil, err
	}
	switch h.Kind {
	case HandlerFilter:
		if h.FilterStart, err = at(c.extra, false); err != nil {
			return nil, err
		}
	case HandlerCatch:
		h.CatchType = metadata.Token(c.extra)
	}
	return h, nil
}

// Encode lays out the body's instructions (updating their offsets) and
// encodes header, code and exception sections.
func (b *Body) Encode() ([]byte, error) {
	code, err := EncodeInstructions(b.Instructions)
	if err != nil {
		return nil, err
	}
	codeSize := uint32(len(code))

	w := bin.NewWriter()
	if !b.Fat && codeSize < tinyMaxCode && len(b.Handlers) == 0 && b.MaxStack <= tinyMaxStack {
		w.Byte(byte(codeSize<<2) | headerTiny)
		w.WriteBytes(code)
		return w.Bytes(), nil
	}

	flags := uint16(headerFat) | fatHeaderDwords<<12
	if len(b.Handlers) > 0 {
		flags |= fatMoreSects
	}
	if b.InitLocals {
		flags |= fatInitLocals
	}
	w.WriteU16(flags)
	w.WriteU16(b.MaxStack)
	w.WriteU32(codeSize)
	w.WriteU32(uint32(b.LocalVarSig))
	w.WriteBytes(code)

	if len(b.Handlers) == 0 {
		return w.Bytes(), nil
	}

	clauses := make([]rawClause, len(b.Handlers))
	small := 4+len(clauses)*smallClauseSize <= 0xFF
	for i, h := range b.Handlers {
		c, err := h.raw(codeSize)
		if err != nil {
			return nil, err
		}
		if c.tryOff > 0xFFFF || c.tryLen > 0xFF || c.handlerOff > 0xFFFF || c.handlerLen > 0xFF {
			small = false
		}
		clauses[i] = c
	}

	w.Align(4)
	if small {
		w.Byte(sectEHTable)
		w.Byte(byte(4 + len(clauses)*smallClauseSize))
		w.WriteU16(0)
		for _, c := range clauses {
			w.WriteU16(uint16(c.flags))
			w.WriteU16(uint16(c.tryOff))
			w.Byte(byte(c.tryLen))
			w.WriteU16(uint16(c.handlerOff))
			w.Byte(byte(c.handlerLen))
			w.WriteU32(c.extra)
		}
		return w.Bytes(), nil
	}

	size := 4 + len(clauses)*fatClauseSize
	w.Byte(sectEHTable | sectFatFormat)
	w.Byte(byte(size))
	w.Byte(byte(size >> 8))
	w.Byte(byte(size >> 16))
	for _, c := range clauses {
		w.WriteU32(c.flags)
		w.WriteU32(c.tryOff)
		w.WriteU32(c.tryLen)
		w.WriteU32(c.handlerOff)
		w.WriteU32(c.handlerLen)
		w.WriteU32(c.extra)
	}
	return w.Bytes(), nil
}

func (h *ExceptionHandler) raw(codeSize uint32) (rawClause, error) {
	end := func(in *Instruction) uint32 {
		if in == nil {
			return codeSize
		}
		return in.Offset
	}
	if h.TryStart == nil || h.HandlerStart == nil {
		return rawClause{}, errors.New("exception clause without start instruction")
	}
	c := rawClause{
		flags:      uint32(h.Kind),
		tryOff:     h.TryStart.Offset,
		handlerOff: h.HandlerStart.Offset,
	}
	c.tryLen = end(h.TryEnd) - c.tryOff
	c.handlerLen = end(h.HandlerEnd) - c.handlerOff
	switch h.Kind {
	case HandlerFilter:
		if h.FilterStart == nil {
			return rawClause{}, errors.New("filter clause without filter instruction")
		}
		c.extra = h.FilterStart.Offset
	case HandlerCatch:
		c.extra = uint32(h.CatchType)
	}
	return c, nil
}

// Replace substitutes repl for every reference to an instruction in old,
// across branch operands, switch tables and exception clauses.
func (b *Body) Replace(old map[*Instruction]bool, repl *Instruction) {
	swap := func(in *Instruction) *Instruction {
		if old[in] {
			return repl
		}
		return in
	}
	for _, in := range b.Instructions {
		switch v := in.Operand.(type) {
		case *Instruction:
			in.Operand = swap(v)
		case []*Instruction:
			for j := range v {
				v[j] = swap(v[j])
			}
		}
	}
	for _, h := range b.Handlers {
		h.TryStart = swap(h.TryStart)
		h.TryEnd = swap(h.TryEnd)
		h.HandlerStart = swap(h.HandlerStart)
		h.HandlerEnd = swap(h.HandlerEnd)
		h.FilterStart = swap(h.FilterStart)
	}
}
