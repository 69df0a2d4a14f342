package metadata

import (
	"errors"
	"fmt"
	"strings"

	bin "github.com/wippyai/ildecode/internal/binary"
)

// ElementType is a signature element type code (ECMA-335 II.23.1.16).
type ElementType byte

const (
	ElemEnd         ElementType = 0x00
	ElemVoid        ElementType = 0x01
	ElemBoolean     ElementType = 0x02
	ElemChar        ElementType = 0x03
	ElemI1          ElementType = 0x04
	ElemU1          ElementType = 0x05
	ElemI2          ElementType = 0x06
	ElemU2          ElementType = 0x07
	ElemI4          ElementType = 0x08
	ElemU4          ElementType = 0x09
	ElemI8          ElementType = 0x0A
	ElemU8          ElementType = 0x0B
	ElemR4          ElementType = 0x0C
	ElemR8          ElementType = 0x0D
	ElemString      ElementType = 0x0E
	ElemPtr         ElementType = 0x0F
	ElemByRef       ElementType = 0x10
	ElemValueType   ElementType = 0x11
	ElemClass       ElementType = 0x12
	ElemVar         ElementType = 0x13
	ElemArray       ElementType = 0x14
	ElemGenericInst ElementType = 0x15
	ElemTypedByRef  ElementType = 0x16
	ElemI           ElementType = 0x18
	ElemU           ElementType = 0x19
	ElemFnPtr       ElementType = 0x1B
	ElemObject      ElementType = 0x1C
	ElemSZArray     ElementType = 0x1D
	ElemMVar        ElementType = 0x1E
	ElemCModReqd    ElementType = 0x1F
	ElemCModOpt     ElementType = 0x20
	ElemSentinel    ElementType = 0x41
	ElemPinned      ElementType = 0x45
)

// Calling convention flags of a method signature.
const (
	CallConvMask     = 0x0F
	CallConvVarArg   = 0x05
	CallConvGeneric  = 0x10
	CallConvHasThis  = 0x20
	CallConvExplicit = 0x40
)

var primitiveNames = map[ElementType]string{
	ElemVoid: "void", ElemBoolean: "bool", ElemChar: "char",
	ElemI1: "int8", ElemU1: "uint8", ElemI2: "int16", ElemU2: "uint16",
	ElemI4: "int32", ElemU4: "uint32", ElemI8: "int64", ElemU8: "uint64",
	ElemR4: "float32", ElemR8: "float64", ElemString: "string",
	ElemTypedByRef: "typedref", ElemI: "native int", ElemU: "native uint",
	ElemObject: "object",
}

// ErrSignature is returned for malformed signature blobs.
var ErrSignature = errors.New("malformed signature")

// TypeSig is a parsed type signature. Elem selects which fields apply.
type TypeSig struct {
	Inner  *TypeSig   // Ptr, ByRef, SZArray, Array, Pinned, GenericInst (generic type)
	Args   []*TypeSig // GenericInst arguments
	Method *MethodSig // FnPtr
	Token  Token      // Class, ValueType
	Number uint32     // Var, MVar index; Array rank
	Elem   ElementType
}

// Is reports whether the signature is exactly the primitive e.
func (t *TypeSig) Is(e ElementType) bool {
	return t != nil && t.Elem == e
}

// IsArrayOf reports whether the signature is a single-dimension, zero-based
// array of e.
func (t *TypeSig) IsArrayOf(e ElementType) bool {
	return t != nil && t.Elem == ElemSZArray && t.Inner.Is(e)
}

func (t *TypeSig) String() string {
	if t == nil {
		return "<nil>"
	}
	if name, ok := primitiveNames[t.Elem]; ok {
		return name
	}
	switch t.Elem {
	case ElemPtr:
		return t.Inner.String() + "*"
	case ElemByRef:
		return t.Inner.String() + "&"
	case ElemSZArray:
		return t.Inner.String() + "[]"
	case ElemArray:
		return fmt.Sprintf("%s[%s]", t.Inner, strings.Repeat(",", int(t.Number)-1))
	case ElemPinned:
		return t.Inner.String() + " pinned"
	case ElemClass, ElemValueType:
		return fmt.Sprintf("%s(%s)", t.Token.Table(), t.Token)
	case ElemVar:
		return fmt.Sprintf("!%d", t.Number)
	case ElemMVar:
		return fmt.Sprintf("!!%d", t.Number)
	case ElemGenericInst:
		args := make([]string, len(t.Args))
		for i, a := range t.Args {
			args[i] = a.String()
		}
		return fmt.Sprintf("%s<%s>", t.Inner, strings.Join(args, ","))
	case ElemFnPtr:
		return "method " + t.Method.String()
	}
	return fmt.Sprintf("elem(0x%02x)", byte(t.Elem))
}

// MethodSig is a parsed MethodDefSig/MethodRefSig.
type MethodSig struct {
	Return        *TypeSig
	Params        []*TypeSig
	GenericParams uint32
	CallConv      byte
}

// HasThis reports whether the method takes an implicit this argument.
func (m *MethodSig) HasThis() bool {
	return m.CallConv&CallConvHasThis != 0
}

func (m *MethodSig) String() string {
	params := make([]string, len(m.Params))
	for i, p := range m.Params {
		params[i] = p.String()
	}
	return fmt.Sprintf("%s(%s)", m.Return, strings.Join(params, ","))
}

// ParseMethodSig parses a method signature blob.
func ParseMethodSig(blob []byte) (*MethodSig, error) {
	p := sigParser{r: bin.NewReader(blob)}
	sig, err := p.methodSig()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return sig, nil
}

type sigParser struct {
	r     *bin.Reader
	depth int
}

const maxSigDepth = 64

func (p *sigParser) methodSig() (*MethodSig, error) {
	cc, err := p.r.ReadByte()
	if err != nil {
		return nil, err
	}
	if cc&CallConvMask > CallConvVarArg {
		return nil, fmt.Errorf("calling convention 0x%02x is not a method signature", cc)
	}
	sig := &MethodSig{CallConv: cc}
	if cc&CallConvGeneric != 0 {
		if sig.GenericParams, err = p.r.ReadCompressedU32(); err != nil {
			return nil, err
		}
	}
	count, err := p.r.ReadCompressedU32()
	if err != nil {
		return nil, err
	}
	if int(count) > p.r.Len() {
		return nil, fmt.Errorf("param count %d exceeds blob", count)
	}
	if sig.Return, err = p.typeSig(); err != nil {
		return nil, err
	}
	sig.Params = make([]*TypeSig, 0, count)
	for i := uint32(0); i < count; i++ {
		b, err := p.peek()
		if err != nil {
			return nil, err
		}
		if ElementType(b) == ElemSentinel {
			_, _ = p.r.ReadByte()
		}
		param, err := p.typeSig()
		if err != nil {
			return nil, err
		}
		sig.Params = append(sig.Params, param)
	}
	return sig, nil
}

func (p *sigParser) peek() (byte, error) {
	b, err := p.r.ReadByte()
	if err != nil {
		return 0, err
	}
	return b, p.r.Seek(p.r.Position() - 1)
}

func (p *sigParser) typeDefOrRef() (Token, error) {
	v, err := p.r.ReadCompressedU32()
	if err != nil {
		return 0, err
	}
	tok, ok := cidTypeDefOrRef.Decode(v)
	if !ok {
		return 0, fmt.Errorf("invalid TypeDefOrRef 0x%x", v)
	}
	return tok, nil
}

func (p *sigParser) typeSig() (*TypeSig, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxSigDepth {
		return nil, errors.New("signature nested too deeply")
	}

	b, err := p.r.ReadByte()
	if err != nil {
		return nil, err
	}
	e := ElementType(b)

	// Custom modifiers are skipped; they do not change the type identity
	// that callers compare against.
	for e == ElemCModReqd || e == ElemCModOpt {
		if _, err := p.typeDefOrRef(); err != nil {
			return nil, err
		}
		if b, err = p.r.ReadByte(); err != nil {
			return nil, err
		}
		e = ElementType(b)
	}

	t := &TypeSig{Elem: e}
	if _, ok := primitiveNames[e]; ok {
		return t, nil
	}

	switch e {
	case ElemPtr, ElemByRef, ElemSZArray, ElemPinned:
		t.Inner, err = p.typeSig()
	case ElemClass, ElemValueType:
		t.Token, err = p.typeDefOrRef()
	case ElemVar, ElemMVar:
		t.Number, err = p.r.ReadCompressedU32()
	case ElemArray:
		err = p.arrayShape(t)
	case ElemGenericInst:
		err = p.genericInst(t)
	case ElemFnPtr:
		t.Method, err = p.methodSig()
	default:
		err = fmt.Errorf("unexpected element type 0x%02x", b)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *sigParser) arrayShape(t *TypeSig) error {
	var err error
	if t.Inner, err = p.typeSig(); err != nil {
		return err
	}
	if t.Number, err = p.r.ReadCompressedU32(); err != nil {
		return err
	}
	// Sizes and lower bounds are read to advance past them.
	for k := 0; k < 2; k++ {
		n, err := p.r.ReadCompressedU32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			if _, err := p.r.ReadCompressedU32(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *sigParser) genericInst(t *TypeSig) error {
	b, err := p.r.ReadByte()
	if err != nil {
		return err
	}
	if e := ElementType(b); e != ElemClass && e != ElemValueType {
		return fmt.Errorf("generic instantiation of element type 0x%02x", b)
	}
	tok, err := p.typeDefOrRef()
	if err != nil {
		return err
	}
	t.Inner = &TypeSig{Elem: ElementType(b), Token: tok}
	n, err := p.r.ReadCompressedU32()
	if err != nil {
		return err
	}
	if int(n) > p.r.Len() {
		return fmt.Errorf("generic argument count %d exceeds blob", n)
	}
	t.Args = make([]*TypeSig, n)
	for i := range t.Args {
		if t.Args[i], err = p.typeSig(); err != nil {
			return err
		}
	}
	return nil
}
